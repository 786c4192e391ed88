// Package taskqueue runs asynchronous reconciliation tasks one at a time,
// in submission order.
package taskqueue

import "sync"

// Task is a unit of work owned by the submitter. The queue does not retain
// a task after it starts and never observes its outcome; a task that fails
// does not stop the queue.
type Task func()

// Queue executes pushed tasks strictly in submission order on a single
// runner goroutine. At most one task body runs at a time, which is the only
// serialization the sync coordinator relies on for its etag bookkeeping.
//
// Clear is a best-effort drain, not cancellation: pending tasks are
// dropped, but a task already executing runs to completion. Each Clear
// bumps an epoch counter; completions from before the Clear check their
// captured epoch and no longer touch queue bookkeeping.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []Task
	epoch   uint64
	pending int
	running bool
	closed  bool
}

// New returns an empty, idle queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends task to the queue, starting the runner if it is idle.
// Push after Close is a no-op.
func (q *Queue) Push(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.tasks = append(q.tasks, task)
	q.pending++
	if !q.running {
		q.running = true
		go q.run()
	}
}

// Clear drops every pending task and bumps the epoch so that the
// completion of an in-flight task no longer decrements the pending count.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.epoch++
	q.tasks = nil
	q.pending = 0
	q.cond.Broadcast()
}

// Pending returns the number of tasks submitted in the current epoch that
// have not finished. Immediately after Clear the count excludes a task that
// is still executing.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Wait blocks until the queue has no pending or running tasks.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending > 0 || q.running {
		q.cond.Wait()
	}
}

// Close drops pending tasks and stops accepting new ones. A task already
// executing still runs to completion.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.epoch++
	q.tasks = nil
	q.pending = 0
	q.cond.Broadcast()
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.cond.Broadcast()
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		epoch := q.epoch
		q.mu.Unlock()

		task()

		q.mu.Lock()
		if epoch == q.epoch && q.pending > 0 {
			q.pending--
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

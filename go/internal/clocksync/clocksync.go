// Package clocksync estimates the offset between the local clock and the
// station server's clock from ping/pong round trips.
package clocksync

import (
	"math"
	"sort"
	"time"
)

// sampleWindow bounds how many round trips feed the estimate. The median
// over a short window rejects transient jitter spikes; a spike ages out
// after sampleWindow pings instead of leaking into the estimate.
const sampleWindow = 5

// Synchronizer derives a median-filtered clock offset (server clock minus
// local clock) from observed ping/pong exchanges.
//
// Synchronizer is not safe for concurrent use. The sync coordinator only
// touches it from serialized task bodies.
type Synchronizer struct {
	roundTrips *ring
	offsets    *ring
}

// New returns a Synchronizer with empty sample windows.
func New() *Synchronizer {
	return &Synchronizer{
		roundTrips: newRing(sampleWindow),
		offsets:    newRing(sampleWindow),
	}
}

// Observe records one ping/pong exchange: the ping left at startTime, the
// server stamped the pong with serverTime, and the pong arrived at
// arrivalTime (both start and arrival on the local clock).
func (s *Synchronizer) Observe(startTime, serverTime, arrivalTime time.Time) {
	s.roundTrips.push(float64(arrivalTime.Sub(startTime).Milliseconds()))

	halfRoundTripMs := math.Round(median(s.roundTrips.entries()) / 2)
	offsetMs := float64(serverTime.UnixMilli()) + halfRoundTripMs - float64(arrivalTime.UnixMilli())
	s.offsets.push(offsetMs)
}

// HasSample reports whether at least one exchange has been observed.
// MedianOffset is only valid once HasSample returns true.
func (s *Synchronizer) HasSample() bool {
	return s.offsets.len() > 0
}

// MedianOffset returns the current offset estimate. Adding it to a local
// timestamp yields the server's clock; subtracting it from a server
// timestamp yields the local clock.
func (s *Synchronizer) MedianOffset() time.Duration {
	return time.Duration(math.Round(median(s.offsets.entries()))) * time.Millisecond
}

// ring is a fixed-capacity buffer that overwrites its oldest entry.
type ring struct {
	values []float64
	next   int
	filled bool
}

func newRing(capacity int) *ring {
	return &ring{values: make([]float64, 0, capacity)}
}

func (r *ring) push(v float64) {
	if !r.filled && len(r.values) < cap(r.values) {
		r.values = append(r.values, v)
		if len(r.values) == cap(r.values) {
			r.filled = true
		}
		return
	}
	r.filled = true
	r.values[r.next] = v
	r.next = (r.next + 1) % cap(r.values)
}

func (r *ring) len() int { return len(r.values) }

func (r *ring) entries() []float64 { return r.values }

// median returns the middle value of vs, averaging the two central values
// for even-length input. vs must be non-empty.
func median(vs []float64) float64 {
	sorted := make([]float64, len(vs))
	copy(sorted, vs)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

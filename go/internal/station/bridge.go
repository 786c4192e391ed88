package station

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Bridge is a duplex frame transport carrying protocol messages. The
// channel returned by Receive is closed when the transport shuts down.
type Bridge interface {
	Send(ctx context.Context, msg *Message) error
	Receive() <-chan *Message
	Close() error
}

// WebSocketBridge carries protocol messages over a gorilla websocket
// connection. Writes are serialized with a mutex; a single read pump
// decodes inbound frames.
type WebSocketBridge struct {
	conn    *websocket.Conn
	inbox   chan *Message
	writeMu sync.Mutex

	closeOnce sync.Once
}

// DialWebSocket connects to a station stream endpoint and starts the read
// pump.
func DialWebSocket(ctx context.Context, url string) (*WebSocketBridge, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial station stream: %w", err)
	}

	b := NewWebSocketBridge(conn)
	return b, nil
}

// NewWebSocketBridge wraps an established websocket connection. Used by the
// server side for accepted connections and by DialWebSocket for clients.
func NewWebSocketBridge(conn *websocket.Conn) *WebSocketBridge {
	b := &WebSocketBridge{
		conn:  conn,
		inbox: make(chan *Message, 64),
	}
	go b.readPump()
	return b
}

func (b *WebSocketBridge) readPump() {
	defer close(b.inbox)
	for {
		var msg Message
		if err := b.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		b.inbox <- &msg
	}
}

// Send writes one message frame.
func (b *WebSocketBridge) Send(ctx context.Context, msg *Message) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		b.conn.SetWriteDeadline(deadline)
	}
	if err := b.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close tears down the connection; the Receive channel closes once the read
// pump observes it.
func (b *WebSocketBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.writeMu.Lock()
		b.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		b.writeMu.Unlock()
		err = b.conn.Close()
	})
	return err
}

// Receive returns the inbound message stream.
func (b *WebSocketBridge) Receive() <-chan *Message { return b.inbox }

// pipeBridge is one end of an in-process duplex pipe. Handy for wiring a
// client channel straight to a server session in tests without sockets.
type pipeBridge struct {
	out chan<- *Message
	in  <-chan *Message

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewPipe returns two connected bridges; messages sent on one arrive on the
// other.
func NewPipe() (Bridge, Bridge) {
	ab := make(chan *Message, 64)
	ba := make(chan *Message, 64)
	done := make(chan struct{})
	a := &pipeBridge{out: ab, in: ba, done: done}
	b := &pipeBridge{out: ba, in: ab, done: done}
	return a, b
}

func (p *pipeBridge) Send(ctx context.Context, msg *Message) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- msg:
		return nil
	}
}

func (p *pipeBridge) Receive() <-chan *Message { return p.in }

func (p *pipeBridge) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}

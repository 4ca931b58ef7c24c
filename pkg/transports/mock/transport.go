package mock

import (
	"context"
	"io"
	"sync"

	"github.com/harunnryd/voxrelay/pkg/transports"
)

// Conn is an in-memory client connection for tests and local integration.
// It implements transports.Conn without any network dependency.
type Conn struct {
	inbound chan transports.Message
	done    chan struct{}

	mu        sync.Mutex
	sent      []transports.Message
	notify    chan struct{}
	inputDone bool
	closed    bool
	code      int
	reason    string
	closes    int
	writeErr  error
}

func New() *Conn {
	return &Conn{
		inbound: make(chan transports.Message, 256),
		done:    make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
}

func (c *Conn) RemoteAddr() string { return "mock" }

// Push injects a client frame.
func (c *Conn) Push(msg transports.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.inputDone {
		return
	}
	c.inbound <- msg
}

func (c *Conn) PushText(s string)   { c.Push(transports.Message{Type: transports.TextMessage, Data: []byte(s)}) }
func (c *Conn) PushBinary(b []byte) { c.Push(transports.Message{Type: transports.BinaryMessage, Data: b}) }

// EndInput simulates a normal client close: once queued frames drain,
// ReadMessage returns io.EOF.
func (c *Conn) EndInput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inputDone {
		return
	}
	c.inputDone = true
	close(c.inbound)
}

// FailWrites makes subsequent writes return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *Conn) ReadMessage(ctx context.Context) (transports.Message, error) {
	select {
	case msg, ok := <-c.inbound:
		if !ok {
			return transports.Message{}, io.EOF
		}
		return msg, nil
	case <-c.done:
		return transports.Message{}, transports.ErrClosed
	case <-ctx.Done():
		return transports.Message{}, ctx.Err()
	}
}

func (c *Conn) WriteMessage(ctx context.Context, msg transports.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transports.ErrClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.sent = append(c.sent, transports.Message{Type: msg.Type, Data: append([]byte(nil), msg.Data...)})
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closed {
		return nil
	}
	c.closed = true
	c.code = code
	c.reason = reason
	close(c.done)
	return nil
}

// Sent returns a snapshot of frames written to the client.
func (c *Conn) Sent() []transports.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transports.Message(nil), c.sent...)
}

// WaitSent blocks until at least n frames were written or ctx ends.
func (c *Conn) WaitSent(ctx context.Context, n int) []transports.Message {
	for {
		sent := c.Sent()
		if len(sent) >= n {
			return sent
		}
		select {
		case <-c.notify:
		case <-ctx.Done():
			return sent
		}
	}
}

// Closed reports the first close code and reason, if any.
func (c *Conn) Closed() (code int, reason string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.reason, c.closed
}

// CloseCalls counts Close invocations, including no-op repeats.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

package transports

import (
	"context"
	"errors"
)

// MessageType mirrors the websocket data frame opcodes.
type MessageType int

const (
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Message is one client-facing data frame.
type Message struct {
	Type MessageType
	Data []byte
}

// ErrClosed is returned by operations on a connection closed locally.
var ErrClosed = errors.New("transport closed")

// Conn is one accepted client connection. Implementations are responsible
// for their own network lifecycle.
//
// ReadMessage is called by a single reader and WriteMessage by a single
// writer. Close may run concurrently with both, is idempotent, and makes
// pending reads and writes return.
type Conn interface {
	// ReadMessage returns the next client frame, or io.EOF when the client
	// ended the connection normally.
	ReadMessage(ctx context.Context) (Message, error)
	WriteMessage(ctx context.Context, msg Message) error
	Close(code int, reason string) error
	RemoteAddr() string
}

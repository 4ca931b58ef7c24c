package websocket

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/transports"
)

type Config struct {
	AllowAnyOrigin bool          `mapstructure:"allow_any_origin"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Upgrader accepts client websocket connections.
type Upgrader struct {
	cfg      Config
	upgrader websocket.Upgrader
}

func NewUpgrader(cfg Config) *Upgrader {
	cfg = cfg.withDefaults()
	u := &Upgrader{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	u.upgrader.CheckOrigin = u.checkOrigin
	return u
}

// Upgrade switches the request to the websocket protocol. On failure the
// upgrader has already replied to the client.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTransport)
	}
	return NewConn(conn, u.cfg), nil
}

func (u *Upgrader) checkOrigin(r *http.Request) bool {
	if u.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	if len(u.cfg.AllowedOrigins) == 0 {
		return strings.EqualFold(originHost, r.Host)
	}
	for _, allowed := range u.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		if a == "*" {
			return true
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

// Conn adapts a gorilla connection to transports.Conn.
type Conn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

func NewConn(conn *websocket.Conn, cfg Config) *Conn {
	cfg = cfg.withDefaults()
	conn.SetReadLimit(cfg.ReadLimit)
	return &Conn{conn: conn, writeTimeout: cfg.WriteTimeout}
}

func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) ReadMessage(ctx context.Context) (transports.Message, error) {
	if err := ctx.Err(); err != nil {
		return transports.Message{}, err
	}
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return transports.Message{}, c.readError(err)
	}
	switch mt {
	case websocket.TextMessage:
		return transports.Message{Type: transports.TextMessage, Data: data}, nil
	case websocket.BinaryMessage:
		return transports.Message{Type: transports.BinaryMessage, Data: data}, nil
	default:
		return transports.Message{}, errorsx.Errorf(errorsx.ReasonProtocol, "unsupported message type %d", mt)
	}
}

func (c *Conn) WriteMessage(ctx context.Context, msg transports.Message) error {
	if c.closed.Load() {
		return transports.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	mt := websocket.BinaryMessage
	if msg.Type == transports.TextMessage {
		mt = websocket.TextMessage
	}
	if err := c.conn.WriteMessage(mt, msg.Data); err != nil {
		if c.closed.Load() {
			return transports.ErrClosed
		}
		return errorsx.Wrap(err, errorsx.ReasonTransport)
	}
	return nil
}

// Close sends a close frame with code and reason, then drops the socket.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	if c.closed.Load() || errors.Is(err, net.ErrClosed) {
		return transports.ErrClosed
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return errorsx.Errorf(errorsx.ReasonTransport, "client closed with code %d", ce.Code)
	}
	return errorsx.Wrap(err, errorsx.ReasonTransport)
}

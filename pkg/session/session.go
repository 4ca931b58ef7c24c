package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/voxrelay/pkg/adapters/backend"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/transports"
)

// CloseResult records how a session ended.
type CloseResult struct {
	Reason errorsx.ReasonCode
	Code   int
	Text   string
	Err    error
}

// Session is one accepted client connection and, once ACTIVE, its backend
// stream. It owns both and releases them exactly once through Close.
type Session struct {
	ID      string
	Kind    backend.Kind
	Created time.Time

	client transports.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	state     State
	backend   backend.Stream
	history   []StateChange
	listeners []StateListener
	result    CloseResult

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a session in INIT bound to the client connection.
func New(kind backend.Kind, client transports.Conn, logger *slog.Logger, listeners ...StateListener) *Session {
	id := uuid.NewString()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        id,
		Kind:      kind,
		Created:   time.Now(),
		client:    client,
		logger:    logging.NewSessionLogger(logger, id, string(kind)),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateInit,
		listeners: append([]StateListener(nil), listeners...),
		done:      make(chan struct{}),
	}
}

func (s *Session) Logger() *slog.Logger { return s.logger }

// Context is cancelled when the session starts closing.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once the session reached CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Client() transports.Conn { return s.client }

func (s *Session) Backend() backend.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// History returns the transitions taken so far, oldest first.
func (s *Session) History() []StateChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StateChange(nil), s.history...)
}

// Result is meaningful once Done is closed.
func (s *Session) Result() CloseResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

func (s *Session) AddListener(listener StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Begin moves INIT -> CONNECTING.
func (s *Session) Begin() error {
	return s.transition(StateConnecting, "connecting")
}

// Activate attaches the connected backend stream and moves CONNECTING -> ACTIVE.
// If the session already started closing, the stream is closed and an error
// is returned.
func (s *Session) Activate(stream backend.Stream) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		from := s.state
		s.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return &InvalidTransitionError{From: from, To: StateActive}
	}
	s.backend = stream
	s.mu.Unlock()
	return s.transition(StateActive, "backend_connected")
}

// Close is the single teardown path. The first call moves the session to
// CLOSING, cancels the pumps, closes the backend stream and then the client
// with code and text, and finishes in CLOSED. Later calls are no-ops.
func (s *Session) Close(reason errorsx.ReasonCode, code int, text string) {
	s.CloseWithError(reason, code, text, nil)
}

// CloseWithError is Close carrying the error that ended the session.
func (s *Session) CloseWithError(reason errorsx.ReasonCode, code int, text string, cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.result = CloseResult{Reason: reason, Code: code, Text: text, Err: cause}
		state := s.state
		s.mu.Unlock()

		if state == StateInit {
			_ = s.transition(StateConnecting, string(reason))
		}
		_ = s.transition(StateClosing, string(reason))
		s.cancel()

		if stream := s.Backend(); stream != nil {
			if err := stream.Close(); err != nil {
				s.logger.Debug("backend_close_error", "error", err.Error())
			}
		}
		if s.client != nil {
			if err := s.client.Close(code, text); err != nil {
				s.logger.Debug("client_close_error", "error", err.Error())
			}
		}
		_ = s.transition(StateClosed, string(reason))
		close(s.done)
	})
}

func (s *Session) transition(to State, reason string) error {
	s.mu.Lock()
	from := s.state
	if !transitionValid(from, to) {
		s.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	s.state = to
	event := StateChange{
		SessionID: s.ID,
		Kind:      string(s.Kind),
		FromState: from,
		ToState:   to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	s.history = append(s.history, event)
	listeners := make([]StateListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.logger.Info("session_transition", "from", from.String(), "to", to.String(), "reason", reason)
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

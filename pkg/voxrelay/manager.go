package voxrelay

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/voxrelay/pkg/adapters/backend"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/relay"
	"github.com/harunnryd/voxrelay/pkg/session"
	"github.com/harunnryd/voxrelay/pkg/transports"
)

const defaultConnectTimeout = 10 * time.Second

// SessionConfig selects what an accepted connection relays to.
type SessionConfig struct {
	Kind    backend.Kind
	Options backend.Options
}

type ManagerOptions struct {
	Connectors     map[backend.Kind]backend.Connector
	Registry       *session.Registry
	Observer       metrics.Observer
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Manager turns accepted client connections into relay sessions.
type Manager struct {
	connectors     map[backend.Kind]backend.Connector
	registry       *session.Registry
	relay          *relay.Engine
	observer       metrics.Observer
	connectTimeout time.Duration
	logger         *slog.Logger
}

func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = session.NewRegistry()
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	connectors := make(map[backend.Kind]backend.Connector, len(opts.Connectors))
	for k, c := range opts.Connectors {
		if c != nil {
			connectors[k] = c
		}
	}
	observer := metrics.OrNoop(opts.Observer)
	return &Manager{
		connectors:     connectors,
		registry:       registry,
		relay:          relay.NewEngine(observer),
		observer:       observer,
		connectTimeout: timeout,
		logger:         logging.NewComponentLogger(logger, "session_manager"),
	}
}

func (m *Manager) Registry() *session.Registry { return m.registry }

// Accept owns conn from here on. It connects the backend before any client
// frame is read, relays until either side ends, and returns once the
// session is CLOSED. The returned error is the one that ended the session,
// nil for ordinary ends.
func (m *Manager) Accept(ctx context.Context, conn transports.Conn, cfg SessionConfig) (*session.Session, error) {
	sess := session.New(cfg.Kind, conn, m.logger, session.StateListenerFunc(m.onStateChange))
	log := sess.Logger()

	if err := m.registry.Add(sess); err != nil {
		reason := errorsx.Reason(err)
		sess.CloseWithError(reason, errorsx.CloseCode(reason), errorsx.CloseText(err), err)
		return sess, err
	}
	defer m.registry.Remove(sess.ID)

	connector := m.connectors[cfg.Kind]
	provider := ""
	if connector != nil {
		provider = connector.Name()
	}
	m.observer.RecordEvent(metrics.NewEvent(metrics.EventSessionStarted, 1, map[string]string{
		metrics.TagSessionID: sess.ID,
		metrics.TagKind:      string(cfg.Kind),
		metrics.TagProvider:  provider,
	}))
	defer func() {
		res := sess.Result()
		m.observer.RecordEvent(metrics.NewEvent(metrics.EventSessionClosed, time.Since(sess.Created).Seconds(), map[string]string{
			metrics.TagSessionID: sess.ID,
			metrics.TagKind:      string(cfg.Kind),
			metrics.TagProvider:  provider,
			metrics.TagReason:    string(res.Reason),
		}))
	}()

	if err := sess.Begin(); err != nil {
		sess.CloseWithError(errorsx.ReasonUnknown, errorsx.CloseInternalError, "", err)
		return sess, err
	}
	log.Info("session_accepted", "remote_addr", conn.RemoteAddr(), "provider", provider)

	if connector == nil {
		err := errorsx.Errorf(errorsx.ReasonConfiguration, "unsupported session kind %q", cfg.Kind)
		m.failSetup(sess, provider, err)
		return sess, err
	}

	stream, err := m.connect(ctx, sess, connector, cfg.Options)
	if err != nil {
		if sess.Context().Err() != nil {
			// Closed while connecting, typically by shutdown.
			<-sess.Done()
			return sess, sess.Result().Err
		}
		m.failSetup(sess, provider, err)
		return sess, err
	}
	if err := sess.Activate(stream); err != nil {
		<-sess.Done()
		return sess, sess.Result().Err
	}

	err = m.relay.Run(sess)
	<-sess.Done()
	res := sess.Result()
	log.Info("session_finished", "reason", string(res.Reason), "code", res.Code,
		"duration_ms", time.Since(sess.Created).Milliseconds())
	return sess, err
}

// connect bounds the handshake by the connect timeout and by the session
// closing underneath it.
func (m *Manager) connect(ctx context.Context, sess *session.Session, connector backend.Connector, opts backend.Options) (backend.Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	stop := context.AfterFunc(sess.Context(), cancel)
	defer stop()

	opts.SessionID = sess.ID
	start := time.Now()
	stream, err := connector.Connect(cctx, opts)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConnectionSetup)
	}
	sess.Logger().Info("backend_connected", "provider", connector.Name(),
		"connect_ms", time.Since(start).Milliseconds())
	return stream, nil
}

func (m *Manager) failSetup(sess *session.Session, provider string, err error) {
	reason := errorsx.Reason(err)
	sess.Logger().Error("backend_setup_failed", "provider", provider,
		"reason", string(reason), "error", err.Error())
	m.observer.RecordEvent(metrics.NewEvent(metrics.EventSetupFailed, 1, map[string]string{
		metrics.TagSessionID: sess.ID,
		metrics.TagKind:      string(sess.Kind),
		metrics.TagProvider:  provider,
		metrics.TagReason:    string(reason),
	}))
	sess.CloseWithError(reason, errorsx.CloseCode(reason), errorsx.CloseText(err), err)
}

func (m *Manager) onStateChange(ev session.StateChange) {
	m.observer.RecordEvent(metrics.NewEvent(metrics.EventSessionState, 1, map[string]string{
		metrics.TagSessionID: ev.SessionID,
		metrics.TagKind:      ev.Kind,
		metrics.TagFrom:      ev.FromState.String(),
		metrics.TagTo:        ev.ToState.String(),
		metrics.TagReason:    ev.Reason,
	}))
}

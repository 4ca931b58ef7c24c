package voxrelay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/harunnryd/voxrelay/pkg/adapters/backend"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/redact"
	"github.com/harunnryd/voxrelay/pkg/runner"
	wstransport "github.com/harunnryd/voxrelay/pkg/transports/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay endpoint paths.
const (
	PathTranscribe = "/transcribe/ws"
	PathLiveAudio  = "/api/live-audio"
	PathHealth     = "/health"
	PathMetrics    = "/metrics"
)

// Query selectors forwarded to the backend per kind.
var (
	transcriptionParams = []string{"encoding", "sample_rate", "channels", "smart_format",
		"punctuate", "interim_results", "vad_events", "utterance_end_ms"}
	liveAudioParams = []string{"voice", "response_modality"}
)

type ServerOptions struct {
	Config     Config
	Manager    *Manager
	Auth       *Authenticator
	Prometheus *metrics.Prometheus
	Gatherer   prometheus.Gatherer
	Observer   metrics.Observer
	Logger     *slog.Logger
}

// Server mounts the relay endpoints and operational routes.
type Server struct {
	cfg      Config
	manager  *Manager
	auth     *Authenticator
	upgrader *wstransport.Upgrader
	prom     *metrics.Prometheus
	observer metrics.Observer
	router   chi.Router
	http     *http.Server
	logger   *slog.Logger
	started  time.Time

	mu       sync.Mutex
	listener net.Listener
}

func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := opts.Auth
	if auth == nil {
		auth = NewAuthenticator(opts.Config.Auth)
	}
	s := &Server{
		cfg:     opts.Config,
		manager: opts.Manager,
		auth:    auth,
		upgrader: wstransport.NewUpgrader(wstransport.Config{
			AllowAnyOrigin: opts.Config.Server.AllowAnyOrigin,
			AllowedOrigins: opts.Config.Server.AllowedOrigins,
			ReadLimit:      opts.Config.Server.ReadLimit,
			WriteTimeout:   opts.Config.Relay.WriteTimeout,
		}),
		prom:     opts.Prometheus,
		observer: metrics.OrNoop(opts.Observer),
		logger:   logging.NewComponentLogger(logger, "http"),
		started:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.withMetrics)
	r.Get(PathTranscribe, s.handleTranscribe)
	r.Get(PathLiveAudio, s.handleLiveAudio)
	r.Get(PathHealth, s.handleHealth)
	r.Get("/", s.handleRoot)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, PathMetrics, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	s.router = r
	s.http = &http.Server{
		Addr:              opts.Config.Server.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           r,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("http_listening", "addr", ln.Addr().String(),
		"transcribe", PathTranscribe, "live_audio", PathLiveAudio)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Addr returns the bound listen address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections. Hijacked relay sockets are not
// tracked by net/http; sessions are drained through the registry.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.serveRelay(w, r, SessionConfig{
		Kind: backend.KindTranscription,
		Options: backend.Options{
			Model:    q.Get("model"),
			Language: q.Get("language"),
			Params:   selectParams(q.Get, transcriptionParams),
		},
	})
}

func (s *Server) handleLiveAudio(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.serveRelay(w, r, SessionConfig{
		Kind: backend.KindLiveAudio,
		Options: backend.Options{
			Model:  q.Get("model"),
			Params: selectParams(q.Get, liveAudioParams),
		},
	})
}

func (s *Server) serveRelay(w http.ResponseWriter, r *http.Request, cfg SessionConfig) {
	if s.manager.Registry().Draining() {
		http.Error(w, "relay is draining", http.StatusServiceUnavailable)
		return
	}
	key, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Warn("auth_rejected", "path", r.URL.Path, "remote_addr", r.RemoteAddr,
			"key", redact.Secret(key), "error", err.Error())
		s.observer.RecordEvent(metrics.NewEvent(metrics.EventAuthRejected, 1, map[string]string{
			metrics.TagKind:     string(cfg.Kind),
			metrics.TagEndpoint: r.URL.Path,
		}))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", "path", r.URL.Path, "error", err.Error())
		return
	}
	sess, err := s.manager.Accept(r.Context(), conn, cfg)
	if err != nil && sess != nil {
		s.logger.Info("relay_ended_with_error", "session_id", sess.ID, "kind", string(cfg.Kind),
			"key", redact.Secret(key), "error", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"active_sessions": s.manager.Registry().Count(),
		"uptime":          time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     "voxrelay",
		"version":     runner.Version,
		"environment": s.cfg.Environment,
		"endpoints": map[string]string{
			"transcribe": PathTranscribe,
			"live_audio": PathLiveAudio,
			"health":     PathHealth,
			"metrics":    PathMetrics,
		},
	})
}

// withMetrics records one sample per request under its route pattern.
// Websocket requests span the whole session and report 101.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.prom == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				endpoint = p
			}
		}
		if endpoint == PathMetrics {
			return
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusSwitchingProtocols
		}
		s.prom.RecordHTTPRequest(r.Method, endpoint, status, time.Since(start))
	})
}

func selectParams(get func(string) string, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v := strings.TrimSpace(get(k)); v != "" {
			out[k] = v
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

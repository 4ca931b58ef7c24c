package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus exposes relay events as Prometheus series.
type Prometheus struct {
	SessionsStarted *prometheus.CounterVec
	SessionsClosed  *prometheus.CounterVec
	ActiveSessions  *prometheus.GaugeVec
	SessionDuration *prometheus.HistogramVec
	SetupFailures   *prometheus.CounterVec
	FramesRelayed   *prometheus.CounterVec
	BytesRelayed    *prometheus.CounterVec
	ProtocolDrops   *prometheus.CounterVec
	BackendErrors   *prometheus.CounterVec
	AuthRejected    prometheus.Counter

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewPrometheus creates and registers the relay metrics on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		SessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_sessions_started_total",
			Help: "Total number of relay sessions accepted",
		}, []string{"kind"}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_sessions_closed_total",
			Help: "Total number of relay sessions closed, by reason",
		}, []string{"kind", "reason"}),
		ActiveSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voxrelay_active_sessions",
			Help: "Current number of sessions not yet closed",
		}, []string{"kind"}),
		SessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxrelay_session_duration_seconds",
			Help:    "Duration of relay sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"kind"}),
		SetupFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_backend_setup_failures_total",
			Help: "Total number of failed backend connection attempts",
		}, []string{"kind", "reason"}),
		FramesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_frames_relayed_total",
			Help: "Total number of frames relayed",
		}, []string{"kind", "direction", "frame_kind"}),
		BytesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_bytes_relayed_total",
			Help: "Total payload bytes relayed",
		}, []string{"kind", "direction"}),
		ProtocolDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_protocol_drops_total",
			Help: "Total number of malformed frames dropped",
		}, []string{"kind", "direction"}),
		BackendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_backend_runtime_errors_total",
			Help: "Total number of in-band backend errors",
		}, []string{"kind"}),
		AuthRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_auth_rejected_total",
			Help: "Total number of connections rejected before upgrade",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxrelay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests; websocket requests span the whole session",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

func (p *Prometheus) RecordEvent(ev MetricsEvent) {
	kind := ev.Tag(TagKind)
	switch ev.Name {
	case EventSessionStarted:
		p.SessionsStarted.WithLabelValues(kind).Inc()
		p.ActiveSessions.WithLabelValues(kind).Inc()
	case EventSessionClosed:
		p.SessionsClosed.WithLabelValues(kind, ev.Tag(TagReason)).Inc()
		p.ActiveSessions.WithLabelValues(kind).Dec()
		p.SessionDuration.WithLabelValues(kind).Observe(ev.Value)
	case EventSetupFailed:
		p.SetupFailures.WithLabelValues(kind, ev.Tag(TagReason)).Inc()
	case EventFrameRelayed:
		dir := ev.Tag(TagDirection)
		p.FramesRelayed.WithLabelValues(kind, dir, ev.Tag(TagFrameKind)).Inc()
		if ev.Value > 0 {
			p.BytesRelayed.WithLabelValues(kind, dir).Add(ev.Value)
		}
	case EventProtocolDrop:
		p.ProtocolDrops.WithLabelValues(kind, ev.Tag(TagDirection)).Inc()
	case EventBackendError:
		p.BackendErrors.WithLabelValues(kind).Inc()
	case EventAuthRejected:
		p.AuthRejected.Inc()
	}
}

// RecordHTTPRequest records one finished HTTP request.
func (p *Prometheus) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	p.HTTPRequests.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	p.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

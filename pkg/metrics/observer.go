package metrics

import "time"

// Event names recorded by the relay.
const (
	EventSessionStarted = "session_started"
	EventSessionState   = "session_state"
	EventSessionClosed  = "session_closed"
	EventSetupFailed    = "backend_setup_failed"
	EventFrameRelayed   = "frame_relayed"
	EventProtocolDrop   = "protocol_drop"
	EventBackendError   = "backend_runtime_error"
	EventAuthRejected   = "auth_rejected"
)

// Tag keys.
const (
	TagSessionID = "session_id"
	TagKind      = "kind"
	TagProvider  = "provider"
	TagReason    = "reason"
	TagDirection = "direction"
	TagFrameKind = "frame_kind"
	TagFrom      = "from"
	TagTo        = "to"
	TagEndpoint  = "endpoint"
)

// Directions of a relayed frame.
const (
	DirectionUpstream   = "client_to_backend"
	DirectionDownstream = "backend_to_client"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// NewEvent stamps an event with the current time.
func NewEvent(name string, value float64, tags map[string]string) MetricsEvent {
	return MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags}
}

func (ev MetricsEvent) Tag(key string) string {
	if ev.Tags == nil {
		return ""
	}
	return ev.Tags[key]
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// OrNoop returns obs, or a NoopObserver when obs is nil.
func OrNoop(obs Observer) Observer {
	if obs == nil {
		return NoopObserver{}
	}
	return obs
}

package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxrelay/pkg/metrics"
)

// LatencyObserver logs, per session, how long the backend took to answer
// the first client frame and how long the session lasted.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	kind      string
	started   time.Time
	firstIn   time.Time
	firstOut  time.Time
	framesIn  int
	framesOut int
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tag(metrics.TagSessionID)
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[sessionID]
	if t == nil {
		if ev.Name != metrics.EventSessionStarted {
			return
		}
		t = &trace{kind: ev.Tag(metrics.TagKind), started: ev.Time}
		o.traces[sessionID] = t
		return
	}
	switch ev.Name {
	case metrics.EventFrameRelayed:
		switch ev.Tag(metrics.TagDirection) {
		case metrics.DirectionUpstream:
			t.framesIn++
			if t.firstIn.IsZero() {
				t.firstIn = ev.Time
			}
		case metrics.DirectionDownstream:
			t.framesOut++
			if t.firstOut.IsZero() {
				t.firstOut = ev.Time
			}
		}
	case metrics.EventSessionClosed:
		o.log.Info("session_latency",
			"session_id", sessionID,
			"kind", t.kind,
			"first_response_ms", durationMs(t.firstIn, t.firstOut),
			"session_ms", durationMs(t.started, ev.Time),
			"frames_in", t.framesIn,
			"frames_out", t.framesOut,
		)
		delete(o.traces, sessionID)
	}
}

// Open returns the number of sessions still being traced.
func (o *LatencyObserver) Open() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}

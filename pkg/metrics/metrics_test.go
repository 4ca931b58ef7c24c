package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusSessionLifecycle(t *testing.T) {
	p := NewPrometheus(prometheus.NewRegistry())
	tags := map[string]string{TagKind: "transcription"}
	p.RecordEvent(NewEvent(EventSessionStarted, 1, tags))
	p.RecordEvent(NewEvent(EventFrameRelayed, 320, map[string]string{TagKind: "transcription", TagDirection: DirectionUpstream, TagFrameKind: "audio"}))
	p.RecordEvent(NewEvent(EventProtocolDrop, 1, map[string]string{TagKind: "transcription", TagDirection: DirectionUpstream}))

	if got := testutil.ToFloat64(p.ActiveSessions.WithLabelValues("transcription")); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(p.BytesRelayed.WithLabelValues("transcription", DirectionUpstream)); got != 320 {
		t.Fatalf("expected 320 bytes, got %v", got)
	}

	p.RecordEvent(NewEvent(EventSessionClosed, 2.5, map[string]string{TagKind: "transcription", TagReason: "client_closed"}))
	if got := testutil.ToFloat64(p.ActiveSessions.WithLabelValues("transcription")); got != 0 {
		t.Fatalf("expected 0 active sessions, got %v", got)
	}
	if got := testutil.ToFloat64(p.SessionsClosed.WithLabelValues("transcription", "client_closed")); got != 1 {
		t.Fatalf("expected 1 closed session, got %v", got)
	}
	if got := testutil.ToFloat64(p.ProtocolDrops.WithLabelValues("transcription", DirectionUpstream)); got != 1 {
		t.Fatalf("expected 1 protocol drop, got %v", got)
	}
}

func TestPrometheusHTTPRequests(t *testing.T) {
	p := NewPrometheus(prometheus.NewRegistry())
	p.RecordHTTPRequest("GET", "/health", 200, 5*time.Millisecond)
	if got := testutil.ToFloat64(p.HTTPRequests.WithLabelValues("GET", "/health", "200")); got != 1 {
		t.Fatalf("expected 1 request, got %v", got)
	}
}

type countingObserver struct {
	mu sync.Mutex
	n  int
}

func (c *countingObserver) RecordEvent(MetricsEvent) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func TestAsyncObserverDeliversBeforeClose(t *testing.T) {
	inner := &countingObserver{}
	a := NewAsyncObserver(inner, 16)
	for i := 0; i < 10; i++ {
		a.RecordEvent(NewEvent(EventFrameRelayed, 1, nil))
	}
	a.Close()
	a.RecordEvent(NewEvent(EventFrameRelayed, 1, nil))
	inner.mu.Lock()
	defer inner.mu.Unlock()
	if inner.n+int(a.Dropped()) != 10 {
		t.Fatalf("expected 10 delivered or dropped, got %d delivered %d dropped", inner.n, a.Dropped())
	}
}

type gatedObserver struct {
	gate chan struct{}
	mu   sync.Mutex
	seen map[string]int
}

func (g *gatedObserver) RecordEvent(ev MetricsEvent) {
	<-g.gate
	g.mu.Lock()
	g.seen[ev.Name]++
	g.mu.Unlock()
}

func TestAsyncObserverNeverDropsLifecycleEvents(t *testing.T) {
	inner := &gatedObserver{gate: make(chan struct{}), seen: map[string]int{}}
	a := NewAsyncObserver(inner, 1)
	for i := 0; i < 8; i++ {
		a.RecordEvent(NewEvent(EventFrameRelayed, 1, nil))
	}
	recorded := make(chan struct{})
	go func() {
		defer close(recorded)
		for i := 0; i < 4; i++ {
			a.RecordEvent(NewEvent(EventSessionStarted, 1, nil))
			a.RecordEvent(NewEvent(EventSessionClosed, 1, nil))
		}
	}()
	select {
	case <-recorded:
		t.Fatalf("lifecycle events cannot fit a full buffer without waiting")
	case <-time.After(20 * time.Millisecond):
	}
	close(inner.gate)
	<-recorded
	a.Close()

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if inner.seen[EventSessionStarted] != 4 || inner.seen[EventSessionClosed] != 4 {
		t.Fatalf("expected every lifecycle event delivered, got %v", inner.seen)
	}
	if inner.seen[EventFrameRelayed]+int(a.Dropped()) != 8 {
		t.Fatalf("expected 8 frame events delivered or dropped, got %v dropped %d", inner.seen, a.Dropped())
	}
	if a.Dropped() == 0 {
		t.Fatalf("expected frame events dropped on a full buffer")
	}
}

func TestMemoryObserverCount(t *testing.T) {
	m := NewMemoryObserver()
	m.RecordEvent(NewEvent(EventSessionStarted, 1, nil))
	m.RecordEvent(NewEvent(EventSessionClosed, 1, map[string]string{TagReason: "client_closed"}))
	m.RecordEvent(NewEvent(EventSessionStarted, 1, nil))
	if m.Count(EventSessionStarted) != 2 {
		t.Fatalf("expected 2 started events")
	}
	if got := m.Find(EventSessionClosed); len(got) != 1 || got[0].Tag(TagReason) != "client_closed" {
		t.Fatalf("unexpected closed events %+v", got)
	}
}

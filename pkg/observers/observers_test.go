package observers

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/voxrelay/pkg/metrics"
)

func TestLatencyObserverLogsOnClose(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	start := time.Now()
	tags := func(extra map[string]string) map[string]string {
		out := map[string]string{metrics.TagSessionID: "s1", metrics.TagKind: "transcription"}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSessionStarted, Time: start, Tags: tags(nil)})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventFrameRelayed, Time: start.Add(10 * time.Millisecond), Tags: tags(map[string]string{metrics.TagDirection: metrics.DirectionUpstream})})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventFrameRelayed, Time: start.Add(60 * time.Millisecond), Tags: tags(map[string]string{metrics.TagDirection: metrics.DirectionDownstream})})
	if obs.Open() != 1 {
		t.Fatalf("expected one open trace")
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSessionClosed, Time: start.Add(time.Second), Tags: tags(nil)})
	if obs.Open() != 0 {
		t.Fatalf("expected trace to be released on close")
	}
	out := buf.String()
	if !strings.Contains(out, "first_response_ms=50") || !strings.Contains(out, "session_ms=1000") {
		t.Fatalf("unexpected log output %s", out)
	}
}

func TestLatencyObserverIgnoresUnknownSessions(t *testing.T) {
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	obs.RecordEvent(metrics.NewEvent(metrics.EventFrameRelayed, 1, map[string]string{metrics.TagSessionID: "ghost"}))
	if obs.Open() != 0 {
		t.Fatalf("expected no trace for unknown session")
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a := metrics.NewMemoryObserver()
	b := metrics.NewMemoryObserver()
	m := NewMultiObserver(a, nil, b)
	m.RecordEvent(metrics.NewEvent(metrics.EventSessionStarted, 1, nil))
	if a.Count(metrics.EventSessionStarted) != 1 || b.Count(metrics.EventSessionStarted) != 1 {
		t.Fatalf("expected both observers to receive the event")
	}
}

func TestLoggerObserverRelayFields(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLoggerObserver(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	obs.RecordEvent(metrics.NewEvent(metrics.EventFrameRelayed, 320, map[string]string{
		metrics.TagFrameKind: "audio_chunk",
		metrics.TagDirection: metrics.DirectionUpstream,
		metrics.TagSessionID: "s1",
		"zone":               "eu",
	}))
	line := buf.String()
	want := "msg=frame_relayed session_id=s1 direction=client_to_backend frame_kind=audio_chunk zone=eu bytes=320"
	if !strings.Contains(line, want) {
		t.Fatalf("expected %q in %s", want, line)
	}

	buf.Reset()
	obs.RecordEvent(metrics.NewEvent(metrics.EventSessionClosed, 1.5, map[string]string{
		metrics.TagSessionID: "s1",
		metrics.TagReason:    "client_closed",
	}))
	if !strings.Contains(buf.String(), "reason=client_closed duration_ms=1500") {
		t.Fatalf("unexpected close line %s", buf.String())
	}

	buf.Reset()
	quiet := NewLoggerObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	quiet.RecordEvent(metrics.NewEvent(metrics.EventFrameRelayed, 1, nil))
	if buf.Len() != 0 {
		t.Fatalf("expected nothing logged above debug, got %s", buf.String())
	}
}

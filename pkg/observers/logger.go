package observers

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/harunnryd/voxrelay/pkg/metrics"
)

// Tags rendered first, in this order, when present.
var leadingTags = []string{
	metrics.TagSessionID,
	metrics.TagKind,
	metrics.TagProvider,
	metrics.TagDirection,
	metrics.TagFrameKind,
	metrics.TagFrom,
	metrics.TagTo,
	metrics.TagReason,
	metrics.TagEndpoint,
}

// LoggerObserver writes relay events as debug log lines named after the event.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	ctx := context.Background()
	if !o.log.Enabled(ctx, slog.LevelDebug) {
		return
	}
	o.log.LogAttrs(ctx, slog.LevelDebug, ev.Name, eventAttrs(ev)...)
}

func eventAttrs(ev metrics.MetricsEvent) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(ev.Tags)+len(ev.Fields)+1)
	seen := make(map[string]bool, len(leadingTags))
	for _, k := range leadingTags {
		if v, ok := ev.Tags[k]; ok {
			attrs = append(attrs, slog.String(k, v))
			seen[k] = true
		}
	}
	rest := make([]string, 0, len(ev.Tags))
	for k := range ev.Tags {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}

	switch ev.Name {
	case metrics.EventFrameRelayed:
		attrs = append(attrs, slog.Int64("bytes", int64(ev.Value)))
	case metrics.EventSessionClosed:
		attrs = append(attrs, slog.Int64("duration_ms", time.Duration(ev.Value*float64(time.Second)).Milliseconds()))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

// MultiObserver fans one event out to several observers, skipping nil ones.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

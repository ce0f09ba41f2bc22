// Package observers holds metrics.Observer implementations: structured
// event logging, per-call latency traces, cost accounting and JSONL
// timelines.
package observers

import (
	"context"
	"log/slog"

	"github.com/voxlane/voxlane/pkg/metrics"
)

type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) Observe(ev metrics.MetricsEvent) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.At),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Labels {
		attrs = append(attrs, slog.String(k, v))
	}
	o.log.LogAttrs(context.TODO(), slog.LevelDebug, "metrics", attrs...)
}

type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) Observe(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.Observe(ev)
		}
	}
}

var (
	_ metrics.Observer = (*LoggerObserver)(nil)
	_ metrics.Observer = (*MultiObserver)(nil)
)

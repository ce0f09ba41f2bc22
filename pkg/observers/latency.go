package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/metrics"
)

// LatencyObserver measures per-turn response latency from the caller's
// utterance to the first synthesized audio chunk.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*turnTrace
	log    *slog.Logger
}

type turnTrace struct {
	started    time.Time
	llmFirst   time.Time
	audioFirst time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*turnTrace),
		log:    log,
	}
}

func (o *LatencyObserver) Observe(ev metrics.MetricsEvent) {
	callID := ev.Labels["call_id"]
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case metrics.EventTurnStarted:
		o.traces[callID] = &turnTrace{started: ev.At}
	case metrics.EventLLMFirstToken:
		if t := o.traces[callID]; t != nil && t.llmFirst.IsZero() {
			t.llmFirst = ev.At
		}
	case metrics.EventTTSChunk:
		if t := o.traces[callID]; t != nil && t.audioFirst.IsZero() {
			t.audioFirst = ev.At
		}
	case metrics.EventTurnCompleted:
		if t := o.traces[callID]; t != nil {
			o.log.Info("turn_latency",
				slog.String("call_id", callID),
				slog.Int64("llm_first_token_ms", durationMS(t.started, t.llmFirst)),
				slog.Int64("first_audio_ms", durationMS(t.started, t.audioFirst)),
				slog.Int64("turn_ms", durationMS(t.started, ev.At)))
			delete(o.traces, callID)
		}
	case metrics.EventTurnInterrupted, metrics.EventCallEnded:
		delete(o.traces, callID)
	}
}

func durationMS(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}

var _ metrics.Observer = (*LatencyObserver)(nil)

// Package metrics provides a small event-observer surface for
// pipeline and campaign instrumentation.
package metrics

import "time"

// Event names emitted by the platform.
const (
	EventCallStarted      = "call_started"
	EventCallEnded        = "call_ended"
	EventUtteranceFinal   = "utterance_final"
	EventUtteranceDropped = "utterance_dropped"
	EventTurnStarted      = "turn_started"
	EventTurnCompleted    = "turn_completed"
	EventTurnInterrupted  = "turn_interrupted"
	EventTTSChunk         = "tts_chunk"
	EventLLMFirstToken    = "llm_first_token"
	EventDialPlaced       = "dial_placed"
	EventDialFailed       = "dial_failed"
	EventCampaignStarted  = "campaign_started"
	EventCampaignFinished = "campaign_finished"
	EventBatchDispatched  = "batch_dispatched"
	EventRateLimit        = "rate_limit"
	EventBreakerOpen      = "breaker_open"
	EventBreakerClose     = "breaker_close"
	EventBreakerDenied    = "breaker_denied"
)

// MetricsEvent is a single observation.
type MetricsEvent struct {
	Name   string
	At     time.Time
	Value  float64
	Labels map[string]string
}

// Observer receives events. Implementations must be safe for
// concurrent use.
type Observer interface {
	Observe(ev MetricsEvent)
}

// NoopObserver discards everything.
type NoopObserver struct{}

func (NoopObserver) Observe(MetricsEvent) {}

// Emit is a convenience for callers holding a possibly-nil Observer.
func Emit(o Observer, name string, value float64, labels map[string]string) {
	if o == nil {
		return
	}
	o.Observe(MetricsEvent{Name: name, At: time.Now(), Value: value, Labels: labels})
}

package observers

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voxlane/voxlane/pkg/ledger"
	"github.com/voxlane/voxlane/pkg/metrics"
)

// Rates holds the unit prices used for per-call cost estimates.
type Rates struct {
	TTSAudioPerMinute float64
	LLMPerTurn        float64
}

func DefaultRates() Rates {
	return Rates{
		TTSAudioPerMinute: 0.024,
		LLMPerTurn:        0.001,
	}
}

// CostObserver accumulates synthesized audio seconds and completed
// turns per call and writes the estimated cost onto the call record
// when the call ends.
type CostObserver struct {
	rates Rates
	store ledger.Store
	log   *slog.Logger

	mu    sync.Mutex
	stats map[string]*costStat
}

type costStat struct {
	ttsSeconds float64
	turns      int
}

func NewCostObserver(rates Rates, store ledger.Store, log *slog.Logger) *CostObserver {
	if log == nil {
		log = slog.Default()
	}
	return &CostObserver{
		rates: rates,
		store: store,
		log:   log,
		stats: make(map[string]*costStat),
	}
}

func (o *CostObserver) Observe(ev metrics.MetricsEvent) {
	callID := ev.Labels["call_id"]
	if callID == "" {
		return
	}
	switch ev.Name {
	case metrics.EventTTSChunk:
		o.add(callID, func(s *costStat) { s.ttsSeconds += ev.Value })
	case metrics.EventTurnCompleted:
		o.add(callID, func(s *costStat) { s.turns++ })
	case metrics.EventCallEnded:
		o.settle(callID)
	}
}

func (o *CostObserver) add(callID string, fn func(*costStat)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats[callID]
	if s == nil {
		s = &costStat{}
		o.stats[callID] = s
	}
	fn(s)
}

func (o *CostObserver) settle(callID string) {
	o.mu.Lock()
	s := o.stats[callID]
	delete(o.stats, callID)
	o.mu.Unlock()
	if s == nil {
		return
	}

	cost := s.ttsSeconds/60*o.rates.TTSAudioPerMinute + float64(s.turns)*o.rates.LLMPerTurn
	o.log.Info("call_cost",
		slog.String("call_id", callID),
		slog.Float64("tts_audio_seconds", s.ttsSeconds),
		slog.Int("turns", s.turns),
		slog.Float64("estimated_cost_usd", cost))

	if o.store == nil {
		return
	}
	if err := o.store.UpdateCall(context.Background(), callID, func(rec *ledger.CallRecord) {
		rec.Cost = cost
	}); err != nil {
		o.log.Warn("cost_record_error",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}
}

// Estimate returns the running cost for a live call.
func (o *CostObserver) Estimate(callID string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats[callID]
	if s == nil {
		return 0
	}
	return s.ttsSeconds/60*o.rates.TTSAudioPerMinute + float64(s.turns)*o.rates.LLMPerTurn
}

var _ metrics.Observer = (*CostObserver)(nil)

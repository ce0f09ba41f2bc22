package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/frames"
	"github.com/voxlane/voxlane/pkg/knowledge"
	"github.com/voxlane/voxlane/pkg/ledger"
	"github.com/voxlane/voxlane/pkg/llm"
	"github.com/voxlane/voxlane/pkg/logging"
	"github.com/voxlane/voxlane/pkg/metrics"
	"github.com/voxlane/voxlane/pkg/session"
	"github.com/voxlane/voxlane/pkg/transports"
	"github.com/voxlane/voxlane/pkg/turn"
)

// Phase is the call lifecycle state.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseActive
	PhaseFinalizing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseActive:
		return "ACTIVE"
	case PhaseFinalizing:
		return "FINALIZING"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Orchestrator is the owning task for one call. It consumes transport
// and recognizer events from a single ordered channel, drives the
// turn-taking gate and launches the response pipeline.
type Orchestrator struct {
	call      *Call
	transport transports.Transport
	pool      *session.Pool
	engine    llm.Adapter
	kb        *knowledge.Store
	store     ledger.Store
	obs       metrics.Observer
	gate      *turn.Gate
	pipeline  *Pipeline
	logger    *slog.Logger

	in     chan frames.Frame
	res    *session.Resources
	cancel context.CancelFunc

	pending []string

	mu    sync.Mutex
	phase Phase

	finalizeOnce sync.Once
	closed       chan struct{}
}

func newOrchestrator(call *Call, deps managerDeps, pipelineCfg PipelineConfig) *Orchestrator {
	gate := turn.NewGate()
	o := &Orchestrator{
		call:      call,
		transport: deps.transport,
		pool:      deps.pool,
		engine:    deps.engine,
		kb:        deps.kb,
		store:     deps.store,
		obs:       deps.obs,
		gate:      gate,
		logger:    logging.NewComponentLogger(slog.Default(), "call_orchestrator"),
		in:        make(chan frames.Frame, 512),
		closed:    make(chan struct{}),
	}
	o.pipeline = NewPipeline(pipelineCfg, deps.transport, deps.engine, deps.kb, gate, deps.obs)
	return o
}

// Deliver hands a frame to the orchestrator's ordered channel. Audio
// frames are dropped when the channel is full; other kinds block until
// the orchestrator picks them up or closes.
func (o *Orchestrator) Deliver(f frames.Frame) {
	if f.Kind() == frames.KindAudio {
		select {
		case o.in <- f:
		case <-o.closed:
		default:
		}
		return
	}
	select {
	case o.in <- f:
	case <-o.closed:
	}
}

// Done closes once the call is fully finalized.
func (o *Orchestrator) Done() <-chan struct{} { return o.closed }

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	from := o.phase
	o.phase = p
	o.mu.Unlock()
	o.logger.Info("call_phase_change",
		slog.String("call_id", o.call.ID),
		slog.String("from", from.String()),
		slog.String("to", p.String()))
}

func (o *Orchestrator) run(parent context.Context) {
	defer close(o.closed)
	ctx, cancel := context.WithCancel(parent)
	o.cancel = cancel
	defer cancel()

	res, err := o.pool.Acquire(ctx, o.call.ID, session.Config{
		CallID:   o.call.ID,
		StreamID: o.call.StreamID,
		CallSID:  o.call.CallSID,
		TraceID:  o.call.TraceID,
		Language: o.call.Language.STTLanguage,
		VoiceID:  o.call.Language.VoiceID,
	})
	if err != nil {
		o.logger.Error("session_acquire_failed",
			slog.String("call_id", o.call.ID),
			slog.String("error", err.Error()))
		o.finalize("acquire_failed", ledger.CallFailed)
		return
	}
	o.res = res

	if err := o.store.CreateCall(ctx, &ledger.CallRecord{
		ID:              o.call.ID,
		CallSID:         o.call.CallSID,
		PhoneNumber:     o.call.PhoneNumber,
		KnowledgeBaseID: o.call.KnowledgeBaseID,
		CampaignID:      o.call.CampaignID,
		Language:        o.call.LanguageKey,
		Status:          ledger.CallInProgress,
		StartedAt:       o.call.StartedAt,
	}); err != nil {
		o.logger.Warn("call_record_create_error",
			slog.String("call_id", o.call.ID),
			slog.String("error", err.Error()))
	}

	go o.forwardRecognizer(ctx)

	o.setPhase(PhaseActive)
	metrics.Emit(o.obs, metrics.EventCallStarted, 1, map[string]string{"call_id": o.call.ID})

	endReason := "completed"
	for {
		select {
		case <-ctx.Done():
			o.finalize("context_cancelled", ledger.CallCompleted)
			return
		case f := <-o.in:
			if done, reason := o.handleFrame(ctx, f); done {
				if reason != "" {
					endReason = reason
				}
				status := ledger.CallCompleted
				if endReason == "failed" {
					status = ledger.CallFailed
				}
				o.finalize(endReason, status)
				return
			}
		}
	}
}

// forwardRecognizer is the single producer of recognizer events into
// the orchestrator's channel, preserving event order.
func (o *Orchestrator) forwardRecognizer(ctx context.Context) {
	results := o.res.Recognizer.Results()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-results:
			if !ok {
				return
			}
			o.Deliver(f)
		}
	}
}

// handleFrame processes one ordered event. It returns done=true when
// the call must finalize, with the transport's end reason.
func (o *Orchestrator) handleFrame(ctx context.Context, f frames.Frame) (bool, string) {
	switch fr := f.(type) {
	case frames.AudioFrame:
		o.handleAudio(fr)
	case frames.TextFrame:
		o.handleTranscript(ctx, fr)
	case frames.ControlFrame:
		switch fr.Code() {
		case frames.ControlUtteranceEnd:
			o.respondIfPending(ctx)
		case frames.ControlMark:
			if strings.HasPrefix(fr.Meta()[frames.MetaMarkName], "response_end") {
				o.gate.OnMarkAck()
			}
		}
	case frames.SystemFrame:
		if fr.Name() == "call_end" {
			return true, fr.Meta()[frames.MetaCallEndReason]
		}
	}
	return false, ""
}

// handleAudio forwards caller media to the recognizer unless the
// assistant's reply is still playing, in which case the frame is
// discarded rather than buffered.
func (o *Orchestrator) handleAudio(af frames.AudioFrame) {
	if !o.gate.ShouldForwardAudio() {
		return
	}
	if err := o.res.Recognizer.SendAudio(af); err != nil {
		o.logger.Warn("recognizer_send_error",
			slog.String("call_id", o.call.ID),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) handleTranscript(ctx context.Context, tf frames.TextFrame) {
	meta := tf.Meta()
	if meta[frames.MetaIsFinal] != "true" {
		return
	}
	text := strings.TrimSpace(tf.Text())
	if text != "" {
		o.pending = append(o.pending, text)
		o.gate.OnFragment()
	}
	if meta[frames.MetaSpeechFinal] == "true" {
		o.respondIfPending(ctx)
	}
}

// respondIfPending assembles the buffered fragments into one utterance
// and, if the gate allows, launches the response pipeline.
func (o *Orchestrator) respondIfPending(ctx context.Context) {
	if len(o.pending) == 0 {
		return
	}
	utterance := strings.Join(o.pending, " ")
	o.pending = nil

	if IsNoise(utterance) {
		o.logger.Debug("noise_filtered",
			slog.String("call_id", o.call.ID))
		return
	}
	if !o.gate.TryBeginResponse() {
		metrics.Emit(o.obs, metrics.EventUtteranceDropped, 1, map[string]string{"call_id": o.call.ID})
		o.logger.Info("utterance_dropped",
			slog.String("call_id", o.call.ID),
			slog.String("reason", "response_in_flight"))
		return
	}
	metrics.Emit(o.obs, metrics.EventUtteranceFinal, 1, map[string]string{"call_id": o.call.ID})
	go o.pipeline.Run(ctx, o.call, o.res.Synthesizer, utterance)
}

// finalize computes the call outcome, enriches it best-effort, persists
// it and releases resources exactly once. Safe to call repeatedly.
func (o *Orchestrator) finalize(reason string, status ledger.CallStatus) {
	o.finalizeOnce.Do(func() {
		o.setPhase(PhaseFinalizing)
		if o.cancel != nil {
			o.cancel()
		}

		duration := time.Since(o.call.StartedAt).Seconds()
		transcript := o.call.Transcript()

		// Summary and lead label are independent best-effort steps; the
		// call context is already cancelled, so use a bounded fresh one.
		enrichCtx, enrichCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer enrichCancel()

		summary := ""
		lead := ""
		if len(transcript) > 0 {
			summary = o.summarize(enrichCtx, transcript)
			lead = o.classifyLead(enrichCtx, transcript)
		}

		if err := o.store.UpdateCall(context.Background(), o.call.ID, func(rec *ledger.CallRecord) {
			rec.Status = status
			rec.EndedAt = time.Now()
			rec.DurationSeconds = duration
			rec.Transcript = transcript
			rec.Summary = summary
			rec.LeadLabel = lead
		}); err != nil {
			o.logger.Warn("call_record_update_error",
				slog.String("call_id", o.call.ID),
				slog.String("error", err.Error()))
		}

		if o.call.CampaignID != "" && lead != "" {
			delta := ledger.Progress{ColdLeads: 1}
			if lead == "hot" {
				delta = ledger.Progress{HotLeads: 1}
			}
			if err := o.store.IncrementProgress(context.Background(), o.call.CampaignID, delta); err != nil {
				o.logger.Warn("lead_counter_update_error",
					slog.String("call_id", o.call.ID),
					slog.String("campaign_id", o.call.CampaignID),
					slog.String("error", err.Error()))
			}
		}

		o.pool.Release(o.call.ID)

		o.setPhase(PhaseClosed)
		metrics.Emit(o.obs, metrics.EventCallEnded, 1, map[string]string{
			"call_id": o.call.ID,
			"reason":  reason,
		})
		o.logger.Info("call_finalized",
			slog.String("call_id", o.call.ID),
			slog.String("reason", reason),
			slog.Float64("duration_seconds", duration),
			slog.String("lead_label", lead))
	})
}

// enrichRetry covers the post-call summary and lead calls. The live
// turn pipeline never retries; a stale reply is worse than none.
var enrichRetry = llm.RetryConfig{MaxAttempts: 2, BaseDelay: 200 * time.Millisecond}

func (o *Orchestrator) summarize(ctx context.Context, transcript []ledger.TranscriptEntry) string {
	resp, err := llm.Retry(ctx, enrichRetry, func(ctx context.Context) (llm.Response, error) {
		return o.engine.Generate(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "Summarize this phone call transcript in two or three sentences."},
				{Role: llm.RoleUser, Content: renderTranscript(transcript)},
			},
			Temperature: 0.3,
			MaxTokens:   150,
		})
	})
	if err != nil {
		o.logger.Warn("summary_error",
			slog.String("call_id", o.call.ID),
			slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(resp.Text)
}

// classifyLead labels the caller hot or cold, defaulting to cold when
// the engine fails or answers something unexpected.
func (o *Orchestrator) classifyLead(ctx context.Context, transcript []ledger.TranscriptEntry) string {
	resp, err := llm.Retry(ctx, enrichRetry, func(ctx context.Context) (llm.Response, error) {
		return o.engine.Generate(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "Based on this call transcript, is the caller a hot lead (interested, engaged) or a cold lead? Answer with exactly one word: hot or cold."},
				{Role: llm.RoleUser, Content: renderTranscript(transcript)},
			},
			Temperature: 0.1,
			MaxTokens:   10,
		})
	})
	if err != nil {
		o.logger.Warn("lead_classify_error",
			slog.String("call_id", o.call.ID),
			slog.String("error", err.Error()))
		return "cold"
	}
	if strings.Contains(strings.ToLower(resp.Text), "hot") {
		return "hot"
	}
	return "cold"
}

func renderTranscript(transcript []ledger.TranscriptEntry) string {
	var b strings.Builder
	for _, e := range transcript {
		b.WriteString(e.Role)
		b.WriteString(": ")
		b.WriteString(e.Text)
		b.WriteString("\n")
	}
	return b.String()
}

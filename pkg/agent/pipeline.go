package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxlane/voxlane/pkg/adapters/tts"
	"github.com/voxlane/voxlane/pkg/frames"
	"github.com/voxlane/voxlane/pkg/knowledge"
	"github.com/voxlane/voxlane/pkg/llm"
	"github.com/voxlane/voxlane/pkg/logging"
	"github.com/voxlane/voxlane/pkg/metrics"
	"github.com/voxlane/voxlane/pkg/redact"
	"github.com/voxlane/voxlane/pkg/transports"
	"github.com/voxlane/voxlane/pkg/turn"
)

// PipelineConfig tunes one call's response generation.
type PipelineConfig struct {
	SystemPrompt  string
	HistoryWindow int
	Temperature   float64
	MaxTokens     int
	RetrievalTopK int
	// SynthIdleTimeout bounds the wait for the next synthesized chunk.
	SynthIdleTimeout time.Duration
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.SystemPrompt == "" {
		c.SystemPrompt = "You are a helpful voice assistant on a phone call. Keep replies short and conversational."
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 4
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 60
	}
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = knowledge.DefaultTopK
	}
	if c.SynthIdleTimeout <= 0 {
		c.SynthIdleTimeout = 2 * time.Second
	}
	return c
}

// Pipeline runs one response turn: clear queued audio, retrieve
// context, generate a reply, append history, stream synthesis to the
// transport, send the end-of-response mark.
type Pipeline struct {
	cfg       PipelineConfig
	transport transports.Transport
	engine    llm.Adapter
	kb        *knowledge.Store
	gate      *turn.Gate
	obs       metrics.Observer
	logger    *slog.Logger
}

func NewPipeline(cfg PipelineConfig, transport transports.Transport, engine llm.Adapter, kb *knowledge.Store, gate *turn.Gate, obs metrics.Observer) *Pipeline {
	return &Pipeline{
		cfg:       cfg.withDefaults(),
		transport: transport,
		engine:    engine,
		kb:        kb,
		gate:      gate,
		obs:       obs,
		logger:    logging.NewComponentLogger(slog.Default(), "turn_pipeline"),
	}
}

// Run executes one turn. The caller must have claimed the gate via
// TryBeginResponse; Run always leaves the gate released or awaiting
// its mark, never stuck in Responding.
func (p *Pipeline) Run(ctx context.Context, call *Call, synth tts.StreamingTTS, utterance string) {
	labels := map[string]string{"call_id": call.ID}
	metrics.Emit(p.obs, metrics.EventTurnStarted, 1, labels)
	p.logger.Info("turn_started",
		slog.String("call_id", call.ID),
		slog.String("utterance", redact.String(utterance)))

	// Barge-in: discard any audio still queued from the previous turn
	// before doing any work.
	p.sendControl(call, frames.ControlClear, nil)

	reply, err := p.generate(ctx, call, utterance)
	if err != nil {
		p.abort(call, "completion_error", err)
		return
	}
	if strings.TrimSpace(reply) == "" {
		p.abort(call, "empty_reply", nil)
		return
	}

	// History must be recorded before synthesis starts.
	call.AppendTurn(utterance, reply)

	if err := p.synthesize(ctx, call, synth, reply); err != nil {
		p.abort(call, "synthesis_error", err)
		return
	}

	markName := fmt.Sprintf("response_end_%d", call.TurnCount())
	p.sendControl(call, frames.ControlMark, map[string]string{frames.MetaMarkName: markName})
	if err := p.gate.ResponseSent(); err != nil {
		// The gate moved under us (disconnect); nothing left to do.
		p.logger.Debug("gate_already_released", slog.String("call_id", call.ID))
		return
	}

	metrics.Emit(p.obs, metrics.EventTurnCompleted, 1, labels)
	p.logger.Info("turn_response_sent",
		slog.String("call_id", call.ID),
		slog.String("mark", markName),
		slog.Int("reply_len", len(reply)))
}

func (p *Pipeline) generate(ctx context.Context, call *Call, utterance string) (string, error) {
	system := p.cfg.SystemPrompt
	if p.kb != nil && call.KnowledgeBaseID != "" {
		grounding, err := p.kb.Context(call.KnowledgeBaseID, utterance, p.cfg.RetrievalTopK)
		if err != nil {
			return "", err
		}
		if grounding != "" {
			system += "\n\nRelevant information:\n" + grounding
		}
	}

	messages := make([]llm.Message, 0, p.cfg.HistoryWindow+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	messages = append(messages, llm.Tail(call.History(), p.cfg.HistoryWindow)...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: utterance})

	tokens, err := p.engine.Stream(ctx, llm.Request{
		Messages:    messages,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	var reply strings.Builder
	first := true
	for {
		select {
		case <-ctx.Done():
			return reply.String(), ctx.Err()
		case tok, ok := <-tokens:
			if !ok {
				return reply.String(), nil
			}
			if first && tok != "" {
				metrics.Emit(p.obs, metrics.EventLLMFirstToken, 1, map[string]string{"call_id": call.ID})
				first = false
			}
			reply.WriteString(tok)
		}
	}
}

// synthesize streams the reply to the synthesizer and forwards every
// audio chunk to the transport as it arrives.
func (p *Pipeline) synthesize(ctx context.Context, call *Call, synth tts.StreamingTTS, reply string) error {
	p.gate.BeginSpeaking()
	if err := synth.SendText(reply); err != nil {
		return err
	}

	idle := time.NewTimer(p.cfg.SynthIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-synth.Results():
			if !ok {
				return nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(p.cfg.SynthIdleTimeout)
			switch fr := f.(type) {
			case frames.AudioFrame:
				if err := p.transport.Send(fr); err != nil {
					p.logger.Warn("audio_forward_error",
						slog.String("call_id", call.ID),
						slog.String("error", err.Error()))
				}
				rate := fr.Rate()
				if rate <= 0 {
					rate = 8000
				}
				seconds := float64(len(fr.RawPayload())) / float64(rate)
				frames.ReleaseAudioFrame(fr)
				metrics.Emit(p.obs, metrics.EventTTSChunk, seconds, map[string]string{"call_id": call.ID})
			case frames.ControlFrame:
				if fr.Code() == frames.ControlAudioDone {
					return nil
				}
			}
		case <-idle.C:
			// The synthesizer went quiet without a done signal; treat
			// the response as fully delivered.
			p.logger.Debug("synthesis_idle_timeout", slog.String("call_id", call.ID))
			return nil
		}
	}
}

func (p *Pipeline) sendControl(call *Call, code frames.ControlCode, extra map[string]string) {
	meta := map[string]string{
		frames.MetaStreamID: call.StreamID,
		frames.MetaCallSID:  call.CallSID,
	}
	for k, v := range extra {
		meta[k] = v
	}
	if err := p.transport.Send(frames.NewControlFrame(call.StreamID, time.Now().UnixNano(), code, meta)); err != nil {
		p.logger.Warn("control_send_error",
			slog.String("call_id", call.ID),
			slog.String("code", string(code)),
			slog.String("error", err.Error()))
	}
}

func (p *Pipeline) abort(call *Call, reason string, err error) {
	attrs := []any{
		slog.String("call_id", call.ID),
		slog.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	p.logger.Error("turn_aborted", attrs...)
	metrics.Emit(p.obs, metrics.EventTurnInterrupted, 1, map[string]string{"call_id": call.ID, "reason": reason})
	p.gate.Abort(reason)
}

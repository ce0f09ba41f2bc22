// Package session owns the per-call lifecycle of external streaming
// connections. Acquire establishes both the recognizer and synthesizer
// or neither; Release tears them down exactly once.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxlane/voxlane/pkg/adapters/stt"
	"github.com/voxlane/voxlane/pkg/adapters/tts"
	"github.com/voxlane/voxlane/pkg/errorsx"
	"github.com/voxlane/voxlane/pkg/logging"
	"github.com/voxlane/voxlane/pkg/resilience"
)

// Config carries everything the provider factories need for one call.
type Config struct {
	CallID   string
	StreamID string
	CallSID  string
	TraceID  string
	Language string
	VoiceID  string
}

// Resources is the live connection pair for one call.
type Resources struct {
	Recognizer  stt.StreamingSTT
	Synthesizer tts.StreamingTTS
}

// Factory builds provider connections. Split out so tests can inject
// fakes without touching the pool. Connect retries transient connect
// failures with a fresh instance per attempt; the zero value connects
// exactly once.
type Factory struct {
	NewSTT  func(cfg Config) stt.StreamingSTT
	NewTTS  func(cfg Config) tts.StreamingTTS
	Connect resilience.RetryPolicy
}

// Pool is the process-wide registry of per-call resources, keyed by
// call identifier. Entries for distinct calls are fully independent.
type Pool struct {
	factory Factory
	entries sync.Map
	logger  *slog.Logger
}

func NewPool(factory Factory) *Pool {
	return &Pool{
		factory: factory,
		logger:  logging.NewComponentLogger(slog.Default(), "session_pool"),
	}
}

// Acquire connects the recognizer and synthesizer for callID. If the
// synthesizer fails after the recognizer connected, the recognizer is
// torn down before the error is returned; a half-initialized entry is
// never stored.
func (p *Pool) Acquire(ctx context.Context, callID string, cfg Config) (*Resources, error) {
	if callID == "" {
		return nil, errorsx.Wrap(fmt.Errorf("empty call id"), errorsx.ReasonSessionAcquire)
	}
	if _, exists := p.entries.Load(callID); exists {
		return nil, errorsx.Wrap(fmt.Errorf("call %s already has live resources", callID), errorsx.ReasonSessionAcquire)
	}

	var recognizer stt.StreamingSTT
	if err := p.factory.Connect.DoContext(ctx, func() error {
		recognizer = p.factory.NewSTT(cfg)
		return recognizer.Start(ctx)
	}); err != nil {
		p.logger.Error("recognizer_connect_failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}

	var synthesizer tts.StreamingTTS
	if err := p.factory.Connect.DoContext(ctx, func() error {
		synthesizer = p.factory.NewTTS(cfg)
		return synthesizer.Start(ctx)
	}); err != nil {
		p.logger.Error("synthesizer_connect_failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
		_ = recognizer.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}

	res := &Resources{Recognizer: recognizer, Synthesizer: synthesizer}
	if _, loaded := p.entries.LoadOrStore(callID, res); loaded {
		// Lost a race for the same call id.
		_ = recognizer.Close()
		_ = synthesizer.Close()
		return nil, errorsx.Wrap(fmt.Errorf("call %s already has live resources", callID), errorsx.ReasonSessionAcquire)
	}

	p.logger.Info("session_acquired",
		slog.String("call_id", callID),
		slog.String("stream_id", cfg.StreamID),
		slog.String("language", cfg.Language))
	return res, nil
}

// Release tears down the resources for callID. It is idempotent:
// releasing twice or releasing an unknown id is a no-op.
func (p *Pool) Release(callID string) {
	v, loaded := p.entries.LoadAndDelete(callID)
	if !loaded {
		return
	}
	res := v.(*Resources)
	if err := res.Recognizer.Close(); err != nil {
		p.logger.Warn("recognizer_close_error",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}
	if err := res.Synthesizer.Close(); err != nil {
		p.logger.Warn("synthesizer_close_error",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}
	p.logger.Info("session_released", slog.String("call_id", callID))
}

// Get returns the live resources for callID, if any.
func (p *Pool) Get(callID string) (*Resources, bool) {
	v, ok := p.entries.Load(callID)
	if !ok {
		return nil, false
	}
	return v.(*Resources), true
}

// Count reports live entries.
func (p *Pool) Count() int {
	n := 0
	p.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ReleaseAll tears down every live entry, used at shutdown.
func (p *Pool) ReleaseAll() {
	var ids []string
	p.entries.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	for _, id := range ids {
		p.Release(id)
	}
}

package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/frames"
	"github.com/voxlane/voxlane/pkg/knowledge"
	"github.com/voxlane/voxlane/pkg/ledger"
	"github.com/voxlane/voxlane/pkg/llm"
	"github.com/voxlane/voxlane/pkg/logging"
	"github.com/voxlane/voxlane/pkg/metrics"
	"github.com/voxlane/voxlane/pkg/redact"
	"github.com/voxlane/voxlane/pkg/session"
	"github.com/voxlane/voxlane/pkg/transports"
)

type managerDeps struct {
	transport transports.Transport
	pool      *session.Pool
	engine    llm.Adapter
	kb        *knowledge.Store
	store     ledger.Store
	obs       metrics.Observer
}

// ManagerConfig tunes how each call's orchestrator is built.
type ManagerConfig struct {
	Pipeline ManagedPipelineConfig
	Profiles Profiles
}

// ManagedPipelineConfig is the per-call pipeline tuning exposed to the
// application config layer.
type ManagedPipelineConfig = PipelineConfig

// Manager routes inbound transport frames to per-call orchestrators,
// creating one on call start and reaping it once the call closes.
type Manager struct {
	deps     managerDeps
	cfg      ManagerConfig
	profiles Profiles
	logger   *slog.Logger

	mu    sync.Mutex
	calls map[string]*Orchestrator

	wg sync.WaitGroup
}

func NewManager(
	transport transports.Transport,
	pool *session.Pool,
	engine llm.Adapter,
	kb *knowledge.Store,
	store ledger.Store,
	obs metrics.Observer,
	cfg ManagerConfig,
) *Manager {
	profiles := cfg.Profiles
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	return &Manager{
		deps: managerDeps{
			transport: transport,
			pool:      pool,
			engine:    engine,
			kb:        kb,
			store:     store,
			obs:       obs,
		},
		cfg:      cfg,
		profiles: profiles,
		logger:   logging.NewComponentLogger(slog.Default(), "call_manager"),
		calls:    make(map[string]*Orchestrator),
	}
}

// Run consumes the transport's receive channel until the context is
// cancelled or the channel closes, then waits for active calls to
// finalize.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case f, ok := <-m.deps.transport.Recv():
			if !ok {
				m.shutdown()
				return nil
			}
			m.route(ctx, f)
		}
	}
}

func (m *Manager) route(ctx context.Context, f frames.Frame) {
	streamID := f.Meta()[frames.MetaStreamID]
	if streamID == "" {
		frames.ReleaseAudioFrame(f)
		return
	}

	if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == "call_start" {
		m.startCall(ctx, streamID, sf)
		return
	}

	m.mu.Lock()
	o := m.calls[streamID]
	m.mu.Unlock()
	if o == nil {
		frames.ReleaseAudioFrame(f)
		return
	}
	o.Deliver(f)
}

func (m *Manager) startCall(ctx context.Context, streamID string, sf frames.SystemFrame) {
	meta := sf.Meta()
	callSID := meta[frames.MetaCallSID]
	langKey := meta[frames.MetaLanguage]
	now := time.Now()

	call := &Call{
		ID:              CallIdentifier(callSID, now),
		StreamID:        streamID,
		CallSID:         callSID,
		TraceID:         meta[frames.MetaTraceID],
		PhoneNumber:     meta[frames.MetaToNumber],
		KnowledgeBaseID: meta[frames.MetaKnowledgeBase],
		CampaignID:      meta[frames.MetaCampaignID],
		Language:        m.profiles.Resolve(langKey),
		LanguageKey:     langKey,
		StartedAt:       now,
	}

	o := newOrchestrator(call, m.deps, m.cfg.Pipeline)

	m.mu.Lock()
	if prev := m.calls[streamID]; prev != nil {
		m.mu.Unlock()
		m.logger.Warn("duplicate_call_start",
			slog.String("stream_id", streamID),
			slog.String("call_sid", callSID))
		return
	}
	m.calls[streamID] = o
	m.mu.Unlock()

	m.logger.Info("call_accepted",
		slog.String("call_id", call.ID),
		slog.String("stream_id", streamID),
		slog.String("phone", redact.Phone(call.PhoneNumber)),
		slog.String("language", langKey),
		slog.String("kb_id", call.KnowledgeBaseID),
		slog.String("campaign_id", call.CampaignID))

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		o.run(ctx)
	}()
	go func() {
		defer m.wg.Done()
		<-o.Done()
		m.mu.Lock()
		if m.calls[streamID] == o {
			delete(m.calls, streamID)
		}
		m.mu.Unlock()
	}()
}

// ActiveCalls reports how many calls are currently routed.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	active := make([]*Orchestrator, 0, len(m.calls))
	for _, o := range m.calls {
		active = append(active, o)
	}
	m.mu.Unlock()

	for _, o := range active {
		o.finalize("shutdown", ledger.CallCompleted)
	}
	m.wg.Wait()
	m.deps.pool.ReleaseAll()
}

// Package voxlane wires configuration, providers, the call manager and
// the campaign machinery into one runnable engine.
package voxlane

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sttadapter "github.com/voxlane/voxlane/pkg/adapters/stt"
	ttsadapter "github.com/voxlane/voxlane/pkg/adapters/tts"
	"github.com/voxlane/voxlane/pkg/agent"
	"github.com/voxlane/voxlane/pkg/campaign"
	"github.com/voxlane/voxlane/pkg/config"
	"github.com/voxlane/voxlane/pkg/configutil"
	"github.com/voxlane/voxlane/pkg/knowledge"
	"github.com/voxlane/voxlane/pkg/ledger"
	"github.com/voxlane/voxlane/pkg/llm"
	"github.com/voxlane/voxlane/pkg/logging"
	"github.com/voxlane/voxlane/pkg/metrics"
	"github.com/voxlane/voxlane/pkg/observers"
	"github.com/voxlane/voxlane/pkg/providers/cartesia"
	"github.com/voxlane/voxlane/pkg/providers/deepgram"
	"github.com/voxlane/voxlane/pkg/providers/groq"
	"github.com/voxlane/voxlane/pkg/redact"
	"github.com/voxlane/voxlane/pkg/resilience"
	"github.com/voxlane/voxlane/pkg/session"
	"github.com/voxlane/voxlane/pkg/transports"
	twiliotransport "github.com/voxlane/voxlane/pkg/transports/twilio"
)

type Engine struct {
	cfg config.Config

	transport  *twiliotransport.Transport
	dialer     *twiliotransport.Dialer
	pool       *session.Pool
	store      ledger.Store
	kb         *knowledge.Store
	completion llm.Adapter
	manager    *agent.Manager
	dispatcher *campaign.Dispatcher
	scheduler  *campaign.Scheduler
	asyncObs   *metrics.AsyncObserver
	timeline   *observers.TimelineObserver

	logger      *slog.Logger
	cancel      context.CancelFunc
	managerDone chan struct{}
}

// New assembles an engine from configuration. The store is injected so
// deployments can swap the in-memory ledger for a real datastore.
func New(cfg config.Config, store ledger.Store) (*Engine, error) {
	if store == nil {
		store = ledger.NewMemoryStore()
	}

	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	if cfg.Privacy.RedactPII {
		redact.Enable()
	} else {
		redact.Disable()
	}

	e := &Engine{
		cfg:         cfg,
		store:       store,
		logger:      logging.NewComponentLogger(logger, "engine"),
		managerDone: make(chan struct{}),
	}

	e.timeline = observers.NewTimelineObserver(cfg.Observability.TimelineDir)
	multi := observers.NewMultiObserver(
		observers.NewLoggerObserver(logger),
		observers.NewLatencyObserver(logger),
		observers.NewCostObserver(observers.DefaultRates(), store, logger),
		e.timeline,
	)
	e.asyncObs = metrics.NewAsyncObserver(multi, 1024)

	e.kb = knowledge.NewStore(cfg.Knowledge.Dir)

	base := groq.NewAdapter(cfg.Groq.APIKey, cfg.Groq.Model)
	if cfg.Groq.BaseURL != "" {
		base.BaseURL = cfg.Groq.BaseURL
	}
	e.completion = llm.NewCircuitBreakerAdapter(base, resilience.NewCircuitBreaker(3, 30*time.Second))

	twCfg := twiliotransport.Config{
		ServerAddr:    cfg.Server.ListenAddr,
		PublicURL:     cfg.Server.PublicURL,
		AuthToken:     cfg.Twilio.AuthToken,
		AccountSID:    cfg.Twilio.AccountSID,
		FromNumber:    cfg.Twilio.FromNumber,
		VoiceGreeting: "Connecting you now.",
	}
	if len(cfg.Twilio.Settings) > 0 {
		if err := configutil.DecodeSettings(cfg.Twilio.Settings, &twCfg); err != nil {
			return nil, fmt.Errorf("decode twilio settings: %w", err)
		}
	}
	e.dialer = twiliotransport.NewDialer(twCfg)
	// An empty auth token disables webhook signature checks without
	// touching the dialer credentials.
	if !cfg.Twilio.ValidateSignatures {
		twCfg.AuthToken = ""
	}
	e.transport = twiliotransport.New(twCfg)

	e.pool = session.NewPool(session.Factory{
		NewSTT:  e.newRecognizer,
		NewTTS:  e.newSynthesizer,
		Connect: resilience.NewRetryPolicy(2, 200*time.Millisecond),
	})

	profiles := agent.DefaultProfiles()
	for key, lc := range cfg.Languages {
		prof := profiles[key]
		if lc.STTLanguage != "" {
			prof.STTLanguage = lc.STTLanguage
		}
		if lc.VoiceID != "" {
			prof.VoiceID = lc.VoiceID
		}
		profiles[key] = prof
	}

	e.manager = agent.NewManager(e.transport, e.pool, e.completion, e.kb, store, e.asyncObs, agent.ManagerConfig{
		Profiles: profiles,
		Pipeline: agent.PipelineConfig{
			SystemPrompt:     cfg.Agent.BasePrompt,
			HistoryWindow:    cfg.Agent.HistoryWindow,
			Temperature:      cfg.Agent.Temperature,
			MaxTokens:        cfg.Agent.MaxTokens,
			RetrievalTopK:    cfg.Knowledge.TopK,
			SynthIdleTimeout: cfg.Agent.SynthIdleTimeout(),
		},
	})

	e.dispatcher = campaign.NewDispatcher(campaign.DispatcherConfig{
		BatchSize:  cfg.Campaign.BatchSize,
		BatchPause: cfg.Campaign.BatchPause(),
		FromNumber: cfg.Twilio.FromNumber,
	}, e.dialer, store, e.asyncObs)
	e.scheduler = campaign.NewScheduler(cfg.Campaign.SchedulerPoll(), store, e.dispatcher)

	return e, nil
}

func (e *Engine) newRecognizer(cfg session.Config) sttadapter.StreamingSTT {
	return deepgram.New(deepgram.Config{
		APIKey:         e.cfg.Deepgram.APIKey,
		Model:          e.cfg.Deepgram.Model,
		Language:       cfg.Language,
		Interim:        true,
		VADEvents:      true,
		EndpointingMS:  e.cfg.Deepgram.EndpointingMS,
		UtteranceEndMS: e.cfg.Deepgram.UtteranceEndMS,
		StreamID:       cfg.StreamID,
		CallSID:        cfg.CallSID,
		TraceID:        cfg.TraceID,
	})
}

func (e *Engine) newSynthesizer(cfg session.Config) ttsadapter.StreamingTTS {
	return cartesia.New(cartesia.Config{
		APIKey:   e.cfg.Cartesia.APIKey,
		ModelID:  e.cfg.Cartesia.Model,
		VoiceID:  cfg.VoiceID,
		Language: cfg.Language,
		StreamID: cfg.StreamID,
		CallSID:  cfg.CallSID,
	})
}

// Start brings up the transport, the call manager and the campaign
// scheduler. It returns once everything is running.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if retention := e.cfg.Observability.RetentionDays; retention > 0 {
		if removed, err := observers.PurgeTraces(e.cfg.Observability.TimelineDir, time.Duration(retention)*24*time.Hour); err != nil {
			e.logger.Warn("trace_purge_error", slog.String("error", err.Error()))
		} else if removed > 0 {
			e.logger.Info("traces_purged", slog.Int("removed", removed))
		}
	}

	if err := e.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	go func() {
		defer close(e.managerDone)
		_ = e.manager.Run(ctx)
	}()
	e.scheduler.Start(ctx)

	e.logger.Info("engine_started",
		slog.String("listen_addr", e.cfg.Server.ListenAddr),
		slog.String("environment", e.cfg.Environment))
	return nil
}

// Drain stops intake and waits for live calls to finalize.
func (e *Engine) Drain() error {
	e.scheduler.Stop()
	_ = e.transport.Stop()
	select {
	case <-e.managerDone:
	case <-time.After(30 * time.Second):
		e.logger.Warn("drain_timeout_waiting_for_calls")
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.asyncObs.Close()
	_ = e.timeline.Close()
	e.logger.Info("engine_drained")
	return nil
}

// PlaceCall dials a single outbound call with the stream parameters the
// agent needs, outside of any campaign.
func (e *Engine) PlaceCall(ctx context.Context, to, kbID, language string) (string, error) {
	return e.dialer.Dial(ctx, to, e.cfg.Twilio.FromNumber, transports.DialOptions{
		Params: map[string]string{
			"kb_id":    kbID,
			"language": language,
			"phone":    to,
		},
	})
}

// StartCampaign persists a campaign and dispatches it immediately.
func (e *Engine) StartCampaign(ctx context.Context, c *ledger.Campaign) error {
	if err := e.store.CreateCampaign(ctx, c); err != nil {
		return err
	}
	go func() {
		if err := e.dispatcher.Run(context.Background(), c.ID); err != nil {
			e.logger.Error("campaign_dispatch_error",
				slog.String("campaign_id", c.ID),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Dispatcher exposes campaign operations such as retry-failed.
func (e *Engine) Dispatcher() *campaign.Dispatcher { return e.dispatcher }

// Store exposes the ledger for operational tooling.
func (e *Engine) Store() ledger.Store { return e.store }

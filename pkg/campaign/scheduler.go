package campaign

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/ledger"
	"github.com/voxlane/voxlane/pkg/logging"
)

const DefaultPollInterval = 60 * time.Second

// Scheduler polls the ledger for scheduled campaigns whose start time
// has arrived and hands them to the dispatcher.
type Scheduler struct {
	interval   time.Duration
	store      ledger.Store
	dispatcher *Dispatcher
	logger     *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(interval time.Duration, store ledger.Store, dispatcher *Dispatcher) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{
		interval:   interval,
		store:      store,
		dispatcher: dispatcher,
		logger:     logging.NewComponentLogger(slog.Default(), "campaign_scheduler"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the polling loop until Stop is called or the context is
// cancelled. One sweep runs immediately so campaigns already due do
// not wait a full interval.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for any in-flight dispatches to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
	s.wg.Wait()
}

// sweep claims every due campaign and dispatches each in its own
// goroutine so one long campaign cannot delay the others.
func (s *Scheduler) sweep(ctx context.Context) {
	due, err := s.store.ListDueScheduled(ctx, time.Now())
	if err != nil {
		s.logger.Error("scheduled_poll_error", slog.String("error", err.Error()))
		return
	}
	for _, camp := range due {
		claimed := false
		err := s.store.UpdateCampaign(ctx, camp.ID, func(c *ledger.Campaign) {
			if c.Status != ledger.CampaignScheduled {
				return
			}
			c.Status = ledger.CampaignPending
			claimed = true
		})
		if err != nil {
			s.logger.Warn("schedule_claim_error",
				slog.String("campaign_id", camp.ID),
				slog.String("error", err.Error()))
			continue
		}
		if !claimed {
			continue
		}

		s.logger.Info("scheduled_campaign_due",
			slog.String("campaign_id", camp.ID),
			slog.String("name", camp.Name))
		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			if err := s.dispatcher.Run(ctx, id); err != nil {
				s.logger.Error("scheduled_dispatch_error",
					slog.String("campaign_id", id),
					slog.String("error", err.Error()))
			}
		}(camp.ID)
	}
}

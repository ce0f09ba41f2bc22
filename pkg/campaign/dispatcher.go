// Package campaign drives outbound call campaigns: batched dispatch
// with bounded concurrency and pacing, scheduled starts, and retries
// over the numbers that failed.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxlane/voxlane/pkg/errorsx"
	"github.com/voxlane/voxlane/pkg/ledger"
	"github.com/voxlane/voxlane/pkg/logging"
	"github.com/voxlane/voxlane/pkg/metrics"
	"github.com/voxlane/voxlane/pkg/redact"
	"github.com/voxlane/voxlane/pkg/transports"
)

const (
	DefaultBatchSize  = 10
	DefaultBatchPause = 2 * time.Second
)

// DispatcherConfig tunes batch dispatch. Zero values fall back to the
// defaults above.
type DispatcherConfig struct {
	BatchSize  int
	BatchPause time.Duration
	FromNumber string
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchPause <= 0 {
		c.BatchPause = DefaultBatchPause
	}
	return c
}

// Dispatcher walks a campaign's number list in batches, placing one
// outbound call per number. Numbers within a batch are dialed
// concurrently; batches are separated by a pause so the telephony
// provider is not flooded.
type Dispatcher struct {
	cfg    DispatcherConfig
	dialer transports.OutboundDialer
	store  ledger.Store
	obs    metrics.Observer
	logger *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig, dialer transports.OutboundDialer, store ledger.Store, obs metrics.Observer) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg.withDefaults(),
		dialer: dialer,
		store:  store,
		obs:    obs,
		logger: logging.NewComponentLogger(slog.Default(), "campaign_dispatcher"),
	}
}

// Run executes one campaign to completion. A failed number never stops
// the batch or the campaign; the campaign itself only fails when its
// state cannot be read or written.
func (d *Dispatcher) Run(ctx context.Context, campaignID string) error {
	camp, err := d.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCampaignMissing)
	}

	started := time.Now()
	if err := d.store.UpdateCampaign(ctx, campaignID, func(c *ledger.Campaign) {
		c.Status = ledger.CampaignProcessing
		c.StartedAt = &started
	}); err != nil {
		return d.markFailed(campaignID, err)
	}

	batchSize := camp.BatchSize
	if batchSize <= 0 {
		batchSize = d.cfg.BatchSize
	}

	metrics.Emit(d.obs, metrics.EventCampaignStarted, 1, map[string]string{"campaign_id": campaignID})
	d.logger.Info("campaign_started",
		slog.String("campaign_id", campaignID),
		slog.String("name", camp.Name),
		slog.Int("numbers", len(camp.PhoneNumbers)),
		slog.Int("batch_size", batchSize))

	batches := chunk(camp.PhoneNumbers, batchSize)
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return d.markFailed(campaignID, err)
		}
		d.runBatch(ctx, camp, batch)
		metrics.Emit(d.obs, metrics.EventBatchDispatched, float64(len(batch)), map[string]string{
			"campaign_id": campaignID,
		})
		if i < len(batches)-1 {
			select {
			case <-time.After(d.cfg.BatchPause):
			case <-ctx.Done():
				return d.markFailed(campaignID, ctx.Err())
			}
		}
	}

	completed := time.Now()
	if err := d.store.UpdateCampaign(ctx, campaignID, func(c *ledger.Campaign) {
		c.Status = ledger.CampaignCompleted
		c.CompletedAt = &completed
	}); err != nil {
		return d.markFailed(campaignID, err)
	}

	metrics.Emit(d.obs, metrics.EventCampaignFinished, 1, map[string]string{"campaign_id": campaignID})
	d.logger.Info("campaign_completed",
		slog.String("campaign_id", campaignID),
		slog.Duration("elapsed", completed.Sub(started)))
	return nil
}

// runBatch dials every number in the batch concurrently and waits for
// all of them to settle before returning.
func (d *Dispatcher) runBatch(ctx context.Context, camp *ledger.Campaign, batch []string) {
	var wg sync.WaitGroup
	for _, number := range batch {
		wg.Add(1)
		go func(number string) {
			defer wg.Done()
			d.dialOne(ctx, camp, number)
		}(number)
	}
	wg.Wait()
}

func (d *Dispatcher) dialOne(ctx context.Context, camp *ledger.Campaign, number string) {
	if err := d.store.IncrementProgress(ctx, camp.ID, ledger.Progress{InProgress: 1}); err != nil {
		d.logger.Warn("progress_update_error",
			slog.String("campaign_id", camp.ID),
			slog.String("error", err.Error()))
	}

	callSID, err := d.dialer.Dial(ctx, number, d.cfg.FromNumber, transports.DialOptions{
		Params: map[string]string{
			"kb_id":       camp.KnowledgeBaseID,
			"language":    camp.Language,
			"campaign_id": camp.ID,
			"phone":       number,
		},
	})

	result := ledger.CallResult{
		PhoneNumber: number,
		At:          time.Now(),
	}
	delta := ledger.Progress{Completed: 1, InProgress: -1}
	if err != nil {
		result.Status = ledger.ResultFailed
		result.Error = err.Error()
		delta.Failed = 1
		metrics.Emit(d.obs, metrics.EventDialFailed, 1, map[string]string{"campaign_id": camp.ID})
		d.logger.Warn("dial_failed",
			slog.String("campaign_id", camp.ID),
			slog.String("phone", redact.Phone(number)),
			slog.String("error", err.Error()))
	} else {
		result.Status = ledger.ResultSuccess
		result.CallSID = callSID
		delta.Successful = 1
		metrics.Emit(d.obs, metrics.EventDialPlaced, 1, map[string]string{"campaign_id": camp.ID})
		d.logger.Info("dial_placed",
			slog.String("campaign_id", camp.ID),
			slog.String("phone", redact.Phone(number)),
			slog.String("call_sid", callSID))
	}

	if err := d.store.AppendCallResult(ctx, camp.ID, result); err != nil {
		d.logger.Warn("result_append_error",
			slog.String("campaign_id", camp.ID),
			slog.String("error", err.Error()))
	}
	if err := d.store.IncrementProgress(ctx, camp.ID, delta); err != nil {
		d.logger.Warn("progress_update_error",
			slog.String("campaign_id", camp.ID),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) markFailed(campaignID string, cause error) error {
	if err := d.store.UpdateCampaign(context.Background(), campaignID, func(c *ledger.Campaign) {
		c.Status = ledger.CampaignFailed
		c.Error = cause.Error()
	}); err != nil {
		d.logger.Error("campaign_fail_update_error",
			slog.String("campaign_id", campaignID),
			slog.String("error", err.Error()))
	}
	d.logger.Error("campaign_failed",
		slog.String("campaign_id", campaignID),
		slog.String("error", cause.Error()))
	return errorsx.Wrap(cause, errorsx.ReasonCampaignRun)
}

// RetryFailed creates a new campaign over exactly the numbers that
// failed in the source campaign, carrying over its settings, and
// dispatches it. The source campaign is left untouched.
func (d *Dispatcher) RetryFailed(ctx context.Context, campaignID string) (*ledger.Campaign, error) {
	src, err := d.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonCampaignMissing)
	}

	failed := failedNumbers(src)
	if len(failed) == 0 {
		return nil, fmt.Errorf("campaign %s has no failed calls to retry", campaignID)
	}

	retry := &ledger.Campaign{
		ID:              uuid.NewString(),
		Name:            src.Name + " (Retry)",
		PhoneNumbers:    failed,
		BatchSize:       src.BatchSize,
		Language:        src.Language,
		VoiceID:         src.VoiceID,
		KnowledgeBaseID: src.KnowledgeBaseID,
		Status:          ledger.CampaignPending,
		CreatedAt:       time.Now(),
	}
	if err := d.store.CreateCampaign(ctx, retry); err != nil {
		return nil, err
	}
	d.logger.Info("retry_campaign_created",
		slog.String("source_campaign_id", campaignID),
		slog.String("campaign_id", retry.ID),
		slog.Int("numbers", len(failed)))

	// The retry outlives the creating request.
	go func() {
		if err := d.Run(context.Background(), retry.ID); err != nil {
			d.logger.Error("retry_dispatch_error",
				slog.String("campaign_id", retry.ID),
				slog.String("error", err.Error()))
		}
	}()
	return retry, nil
}

// failedNumbers extracts the numbers whose most recent result failed,
// in first-failure order without duplicates.
func failedNumbers(c *ledger.Campaign) []string {
	last := make(map[string]string, len(c.Results))
	order := make([]string, 0, len(c.Results))
	for _, res := range c.Results {
		if _, seen := last[res.PhoneNumber]; !seen {
			order = append(order, res.PhoneNumber)
		}
		last[res.PhoneNumber] = res.Status
	}
	out := make([]string, 0, len(order))
	for _, number := range order {
		if last[number] == ledger.ResultFailed {
			out = append(out, number)
		}
	}
	return out
}

func chunk(items []string, size int) [][]string {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

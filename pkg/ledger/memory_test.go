package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voxlane/voxlane/pkg/errorsx"
)

func TestCallRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	rec := &CallRecord{ID: "call-1", PhoneNumber: "+100", Status: CallInitiated}
	if err := m.CreateCall(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateCall(ctx, rec); err == nil {
		t.Fatal("expected duplicate create to fail")
	}

	err := m.UpdateCall(ctx, "call-1", func(r *CallRecord) {
		r.Status = CallCompleted
		r.Summary = "caller asked about pricing"
		r.Transcript = append(r.Transcript, TranscriptEntry{Role: "user", Text: "hi"})
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.GetCall(ctx, "call-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != CallCompleted || got.Summary == "" || len(got.Transcript) != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}

	// Mutating the returned copy must not leak into the store.
	got.Transcript[0].Text = "mutated"
	again, _ := m.GetCall(ctx, "call-1")
	if again.Transcript[0].Text != "hi" {
		t.Fatal("GetCall must return a copy")
	}
}

func TestUpdateCallMissing(t *testing.T) {
	m := NewMemoryStore()
	err := m.UpdateCall(context.Background(), "nope", func(*CallRecord) {})
	if !errorsx.HasReason(err, errorsx.ReasonLedgerUpdate) {
		t.Fatalf("expected ledger update reason, got %v", err)
	}
}

func TestIncrementProgressIsAtomic(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.CreateCampaign(ctx, &Campaign{ID: "c-1", Status: CampaignProcessing}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.IncrementProgress(ctx, "c-1", Progress{InProgress: 1})
			_ = m.IncrementProgress(ctx, "c-1", Progress{Completed: 1, Successful: 1, InProgress: -1})
		}()
	}
	wg.Wait()

	c, err := m.GetCampaign(ctx, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Progress.Completed != 50 || c.Progress.Successful != 50 || c.Progress.InProgress != 0 {
		t.Fatalf("unexpected progress: %+v", c.Progress)
	}
}

func TestAppendCallResult(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateCampaign(ctx, &Campaign{ID: "c-1"})

	if err := m.AppendCallResult(ctx, "c-1", CallResult{PhoneNumber: "+100", Status: ResultFailed, Error: "busy"}); err != nil {
		t.Fatal(err)
	}
	c, _ := m.GetCampaign(ctx, "c-1")
	if len(c.Results) != 1 || c.Results[0].Status != ResultFailed || c.Results[0].At.IsZero() {
		t.Fatalf("unexpected results: %+v", c.Results)
	}
}

func TestGetCampaignMissingReason(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.GetCampaign(context.Background(), "nope")
	if !errorsx.HasReason(err, errorsx.ReasonCampaignMissing) {
		t.Fatalf("expected campaign missing reason, got %v", err)
	}
}

func TestListDueScheduled(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	started := now.Add(-time.Hour)

	_ = m.CreateCampaign(ctx, &Campaign{ID: "due", Status: CampaignScheduled, ScheduledAt: &past})
	_ = m.CreateCampaign(ctx, &Campaign{ID: "later", Status: CampaignScheduled, ScheduledAt: &future})
	_ = m.CreateCampaign(ctx, &Campaign{ID: "running", Status: CampaignScheduled, ScheduledAt: &past, StartedAt: &started})
	_ = m.CreateCampaign(ctx, &Campaign{ID: "plain", Status: CampaignPending})

	due, err := m.ListDueScheduled(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("unexpected due list: %+v", due)
	}
}

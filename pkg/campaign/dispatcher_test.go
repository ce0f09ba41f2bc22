package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxlane/voxlane/pkg/ledger"
	"github.com/voxlane/voxlane/pkg/metrics"
	mocktransport "github.com/voxlane/voxlane/pkg/transports/mock"
)

func newCampaign(t *testing.T, store ledger.Store, numbers []string, batchSize int) *ledger.Campaign {
	t.Helper()
	c := &ledger.Campaign{
		ID:              "camp_test",
		Name:            "renewal outreach",
		PhoneNumbers:    numbers,
		BatchSize:       batchSize,
		Language:        "en",
		KnowledgeBaseID: "kb_renewals",
		Status:          ledger.CampaignPending,
		CreatedAt:       time.Now(),
	}
	if err := store.CreateCampaign(context.Background(), c); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	return c
}

func TestRunDialsAllNumbersInBatches(t *testing.T) {
	store := ledger.NewMemoryStore()
	dialer := mocktransport.NewDialer()
	obs := metrics.NewMemoryObserver()
	numbers := []string{"+15550000001", "+15550000002", "+15550000003"}
	newCampaign(t, store, numbers, 2)

	d := NewDispatcher(DispatcherConfig{
		BatchSize:  2,
		BatchPause: time.Millisecond,
		FromNumber: "+15559990000",
	}, dialer, store, obs)

	if err := d.Run(context.Background(), "camp_test"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := dialer.Calls()
	if len(calls) != 3 {
		t.Fatalf("dial attempts = %d, want 3", len(calls))
	}
	dialed := map[string]bool{}
	for _, c := range calls {
		dialed[c.To] = true
		if c.From != "+15559990000" {
			t.Fatalf("from = %q", c.From)
		}
		if c.Params["campaign_id"] != "camp_test" || c.Params["kb_id"] != "kb_renewals" {
			t.Fatalf("dial params missing campaign context: %v", c.Params)
		}
		if c.Params["phone"] != c.To {
			t.Fatalf("phone param = %q for dial to %q", c.Params["phone"], c.To)
		}
	}
	for _, n := range numbers {
		if !dialed[n] {
			t.Fatalf("number %s was never dialed", n)
		}
	}

	camp, err := store.GetCampaign(context.Background(), "camp_test")
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if camp.Status != ledger.CampaignCompleted {
		t.Fatalf("status = %q, want completed", camp.Status)
	}
	if camp.StartedAt == nil || camp.CompletedAt == nil {
		t.Fatal("expected start and completion timestamps")
	}
	p := camp.Progress
	if p.Completed != 3 || p.Successful != 3 || p.Failed != 0 || p.InProgress != 0 {
		t.Fatalf("progress = %+v", p)
	}
	if len(camp.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(camp.Results))
	}
	if obs.Count(metrics.EventBatchDispatched) != 2 {
		t.Fatalf("batches = %d, want 2", obs.Count(metrics.EventBatchDispatched))
	}
}

func TestFailedNumberDoesNotStopBatch(t *testing.T) {
	store := ledger.NewMemoryStore()
	dialer := mocktransport.NewDialer()
	dialer.ErrFor = map[string]error{
		"+15550000002": errors.New("number unreachable"),
	}
	numbers := []string{"+15550000001", "+15550000002", "+15550000003", "+15550000004"}
	newCampaign(t, store, numbers, 2)

	d := NewDispatcher(DispatcherConfig{BatchSize: 2, BatchPause: time.Millisecond}, dialer, store, metrics.NewMemoryObserver())
	if err := d.Run(context.Background(), "camp_test"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(dialer.Calls()) != 4 {
		t.Fatalf("dial attempts = %d, want 4", len(dialer.Calls()))
	}

	camp, _ := store.GetCampaign(context.Background(), "camp_test")
	if camp.Status != ledger.CampaignCompleted {
		t.Fatalf("status = %q, want completed", camp.Status)
	}
	p := camp.Progress
	if p.Completed != 4 || p.Successful != 3 || p.Failed != 1 || p.InProgress != 0 {
		t.Fatalf("progress = %+v", p)
	}
	var failed []string
	for _, res := range camp.Results {
		if res.Status == ledger.ResultFailed {
			failed = append(failed, res.PhoneNumber)
			if res.Error == "" {
				t.Fatal("failed result carries no error message")
			}
		}
	}
	if len(failed) != 1 || failed[0] != "+15550000002" {
		t.Fatalf("failed numbers = %v", failed)
	}
}

func TestRunMissingCampaignFails(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, mocktransport.NewDialer(), ledger.NewMemoryStore(), metrics.NewMemoryObserver())
	if err := d.Run(context.Background(), "nope"); err == nil {
		t.Fatal("expected an error for a missing campaign")
	}
}

func TestBatchPauseSeparatesBatches(t *testing.T) {
	store := ledger.NewMemoryStore()
	dialer := mocktransport.NewDialer()
	newCampaign(t, store, []string{"+15550000001", "+15550000002"}, 1)

	pause := 60 * time.Millisecond
	d := NewDispatcher(DispatcherConfig{BatchSize: 1, BatchPause: pause}, dialer, store, metrics.NewMemoryObserver())

	started := time.Now()
	if err := d.Run(context.Background(), "camp_test"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(started); elapsed < pause {
		t.Fatalf("two batches finished in %v, want at least the %v pause", elapsed, pause)
	}
}

func TestRetryFailedCreatesCampaignOverFailedNumbers(t *testing.T) {
	store := ledger.NewMemoryStore()
	dialer := mocktransport.NewDialer()
	dialer.ErrFor = map[string]error{
		"+15550000002": errors.New("busy"),
		"+15550000004": errors.New("no answer"),
	}
	numbers := []string{"+15550000001", "+15550000002", "+15550000003", "+15550000004"}
	newCampaign(t, store, numbers, 4)

	d := NewDispatcher(DispatcherConfig{BatchPause: time.Millisecond}, dialer, store, metrics.NewMemoryObserver())
	if err := d.Run(context.Background(), "camp_test"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	retry, err := d.RetryFailed(context.Background(), "camp_test")
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if retry.Name != "renewal outreach (Retry)" {
		t.Fatalf("retry name = %q", retry.Name)
	}
	if retry.Status != ledger.CampaignPending {
		t.Fatalf("retry status = %q, want pending", retry.Status)
	}
	want := map[string]bool{"+15550000002": true, "+15550000004": true}
	if len(retry.PhoneNumbers) != len(want) {
		t.Fatalf("retry numbers = %v", retry.PhoneNumbers)
	}
	for _, n := range retry.PhoneNumbers {
		if !want[n] {
			t.Fatalf("unexpected retry number %s", n)
		}
	}
	if retry.KnowledgeBaseID != "kb_renewals" || retry.Language != "en" {
		t.Fatal("retry campaign did not carry over the source settings")
	}

	// The retry dispatches on its own and reaches a terminal status.
	deadline := time.Now().Add(2 * time.Second)
	var stored *ledger.Campaign
	for time.Now().Before(deadline) {
		stored, err = store.GetCampaign(context.Background(), retry.ID)
		if err == nil && stored.Status == ledger.CampaignCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GetCampaign(retry): %v", err)
	}
	if stored.Status != ledger.CampaignCompleted {
		t.Fatalf("retry status = %q, want completed", stored.Status)
	}
	if stored.Progress.Completed != 2 || stored.Progress.Failed != 2 {
		t.Fatalf("retry progress = %+v", stored.Progress)
	}

	// The source campaign is untouched.
	src, _ := store.GetCampaign(context.Background(), "camp_test")
	if src.Status != ledger.CampaignCompleted || len(src.Results) != 4 {
		t.Fatalf("source campaign mutated: status %q results %d", src.Status, len(src.Results))
	}
}

func TestRetryFailedWithNoFailures(t *testing.T) {
	store := ledger.NewMemoryStore()
	newCampaign(t, store, []string{"+15550000001"}, 1)
	d := NewDispatcher(DispatcherConfig{BatchPause: time.Millisecond}, mocktransport.NewDialer(), store, metrics.NewMemoryObserver())
	if err := d.Run(context.Background(), "camp_test"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := d.RetryFailed(context.Background(), "camp_test"); err == nil {
		t.Fatal("expected an error when no calls failed")
	}
}

func TestChunk(t *testing.T) {
	cases := []struct {
		n    int
		size int
		want []int
	}{
		{0, 3, nil},
		{1, 3, []int{1}},
		{3, 3, []int{3}},
		{4, 3, []int{3, 1}},
		{7, 2, []int{2, 2, 2, 1}},
	}
	for _, tc := range cases {
		items := make([]string, tc.n)
		got := chunk(items, tc.size)
		if len(got) != len(tc.want) {
			t.Fatalf("chunk(%d,%d) batches = %d, want %d", tc.n, tc.size, len(got), len(tc.want))
		}
		for i, b := range got {
			if len(b) != tc.want[i] {
				t.Fatalf("chunk(%d,%d)[%d] = %d, want %d", tc.n, tc.size, i, len(b), tc.want[i])
			}
		}
	}
}

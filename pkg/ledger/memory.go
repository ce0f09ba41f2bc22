package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/errorsx"
)

// MemoryStore is the in-process Store used in tests and single-node
// deployments.
type MemoryStore struct {
	mu        sync.Mutex
	calls     map[string]*CallRecord
	campaigns map[string]*Campaign
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:     make(map[string]*CallRecord),
		campaigns: make(map[string]*Campaign),
	}
}

func (m *MemoryStore) CreateCall(_ context.Context, rec *CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.calls[rec.ID]; exists {
		return fmt.Errorf("call %s already exists", rec.ID)
	}
	cp := cloneCall(rec)
	m.calls[rec.ID] = cp
	return nil
}

func (m *MemoryStore) GetCall(_ context.Context, id string) (*CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[id]
	if !ok {
		return nil, fmt.Errorf("call %s not found", id)
	}
	return cloneCall(rec), nil
}

// ListCalls returns a copy of every call record, newest first.
func (m *MemoryStore) ListCalls(_ context.Context) ([]*CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CallRecord, 0, len(m.calls))
	for _, rec := range m.calls {
		out = append(out, cloneCall(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateCall(_ context.Context, id string, fn func(*CallRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[id]
	if !ok {
		return errorsx.Wrap(fmt.Errorf("call %s not found", id), errorsx.ReasonLedgerUpdate)
	}
	fn(rec)
	return nil
}

func (m *MemoryStore) CreateCampaign(_ context.Context, c *Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.campaigns[c.ID]; exists {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (m *MemoryStore) GetCampaign(_ context.Context, id string) (*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, errorsx.Wrap(fmt.Errorf("campaign %s not found", id), errorsx.ReasonCampaignMissing)
	}
	return cloneCampaign(c), nil
}

func (m *MemoryStore) UpdateCampaign(_ context.Context, id string, fn func(*Campaign)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return errorsx.Wrap(fmt.Errorf("campaign %s not found", id), errorsx.ReasonCampaignMissing)
	}
	fn(c)
	return nil
}

func (m *MemoryStore) IncrementProgress(_ context.Context, id string, delta Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return errorsx.Wrap(fmt.Errorf("campaign %s not found", id), errorsx.ReasonCampaignMissing)
	}
	c.Progress = c.Progress.Add(delta)
	return nil
}

func (m *MemoryStore) AppendCallResult(_ context.Context, id string, res CallResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return errorsx.Wrap(fmt.Errorf("campaign %s not found", id), errorsx.ReasonCampaignMissing)
	}
	if res.At.IsZero() {
		res.At = time.Now()
	}
	c.Results = append(c.Results, res)
	return nil
}

func (m *MemoryStore) ListDueScheduled(_ context.Context, now time.Time) ([]*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Campaign
	for _, c := range m.campaigns {
		if c.Status != CampaignScheduled || c.ScheduledAt == nil {
			continue
		}
		if c.StartedAt != nil {
			continue
		}
		if !c.ScheduledAt.After(now) {
			due = append(due, cloneCampaign(c))
		}
	}
	return due, nil
}

func cloneCall(rec *CallRecord) *CallRecord {
	cp := *rec
	cp.Transcript = append([]TranscriptEntry(nil), rec.Transcript...)
	return &cp
}

func cloneCampaign(c *Campaign) *Campaign {
	cp := *c
	cp.PhoneNumbers = append([]string(nil), c.PhoneNumbers...)
	cp.Results = append([]CallResult(nil), c.Results...)
	if c.ScheduledAt != nil {
		v := *c.ScheduledAt
		cp.ScheduledAt = &v
	}
	if c.StartedAt != nil {
		v := *c.StartedAt
		cp.StartedAt = &v
	}
	if c.CompletedAt != nil {
		v := *c.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)

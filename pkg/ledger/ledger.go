// Package ledger defines durable storage for call records, campaign
// records and progress counters. The interface is the seam a datastore
// implementation plugs into; the core only needs CRUD plus atomic
// progress arithmetic.
package ledger

import (
	"context"
	"time"
)

type CallStatus string

const (
	CallInitiated  CallStatus = "initiated"
	CallInProgress CallStatus = "in_progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
)

// TranscriptEntry is one turn of a call conversation.
type TranscriptEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// CallRecord is the persisted state of one call attempt.
type CallRecord struct {
	ID              string
	CallSID         string
	PhoneNumber     string
	KnowledgeBaseID string
	CampaignID      string
	Language        string
	Status          CallStatus
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds float64
	Transcript      []TranscriptEntry
	Summary         string
	LeadLabel       string
	Cost            float64
}

type CampaignStatus string

const (
	CampaignPending    CampaignStatus = "pending"
	CampaignScheduled  CampaignStatus = "scheduled"
	CampaignProcessing CampaignStatus = "processing"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignFailed     CampaignStatus = "failed"
	// CampaignPaused exists in the data model; no transition semantics
	// are defined for it.
	CampaignPaused CampaignStatus = "paused"
)

// Progress counters for one campaign. Mutated only through atomic
// increments, never overwritten.
type Progress struct {
	Completed  int
	Successful int
	Failed     int
	InProgress int
	HotLeads   int
	ColdLeads  int
}

// Add returns p with delta applied field-wise.
func (p Progress) Add(delta Progress) Progress {
	p.Completed += delta.Completed
	p.Successful += delta.Successful
	p.Failed += delta.Failed
	p.InProgress += delta.InProgress
	p.HotLeads += delta.HotLeads
	p.ColdLeads += delta.ColdLeads
	return p
}

// CallResult is one per-number outcome appended during dispatch.
type CallResult struct {
	PhoneNumber string
	Status      string
	CallSID     string
	Error       string
	At          time.Time
}

const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Campaign is the persisted state of one outbound campaign. The phone
// number list is immutable after creation.
type Campaign struct {
	ID              string
	Name            string
	PhoneNumbers    []string
	BatchSize       int
	Language        string
	VoiceID         string
	KnowledgeBaseID string
	Status          CampaignStatus
	ScheduledAt     *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Error           string
	Progress        Progress
	Results         []CallResult
	CreatedAt       time.Time
}

// Store is the ledger contract. Implementations must be safe for
// concurrent use; IncrementProgress must apply deltas atomically since
// many per-number tasks finish at once.
type Store interface {
	CreateCall(ctx context.Context, rec *CallRecord) error
	GetCall(ctx context.Context, id string) (*CallRecord, error)
	UpdateCall(ctx context.Context, id string, fn func(*CallRecord)) error

	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	UpdateCampaign(ctx context.Context, id string, fn func(*Campaign)) error
	IncrementProgress(ctx context.Context, id string, delta Progress) error
	AppendCallResult(ctx context.Context, id string, res CallResult) error

	// ListDueScheduled returns scheduled campaigns whose ScheduledAt is
	// at or before now and that have not started yet.
	ListDueScheduled(ctx context.Context, now time.Time) ([]*Campaign, error)
}

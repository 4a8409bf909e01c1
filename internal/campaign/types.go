// Package campaign owns the campaign data model, lifecycle state machine,
// persistence, and audience population for the delivery engine.
package campaign

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/audience"
)

// Campaign lifecycle status constants.
const (
	StatusDraft     = "draft"
	StatusScheduled = "scheduled"
	StatusSending   = "sending"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Send record status constants.
const (
	SendQueued  = "queued"
	SendSending = "sending"
	SendSent    = "sent"
	SendFailed  = "failed"
	SendSkipped = "skipped"
	SendBounced = "bounced"
)

// lifecycle defines the permitted campaign status transitions. completed and
// cancelled are terminal.
var lifecycle = map[string][]string{
	StatusDraft:     {StatusScheduled, StatusCancelled},
	StatusScheduled: {StatusSending, StatusCancelled},
	StatusSending:   {StatusPaused, StatusCompleted, StatusCancelled},
	StatusPaused:    {StatusSending, StatusCancelled},
}

// CanTransition reports whether the lifecycle graph permits from → to.
func CanTransition(from, to string) bool {
	for _, next := range lifecycle[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether a campaign status is terminal.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// Campaign represents one email campaign. ParentCampaignID links a follow-up
// campaign to the campaign whose non-converting recipients it targets; it is
// immutable once set.
type Campaign struct {
	ID                  uuid.UUID        `json:"id" db:"id"`
	Name                string           `json:"name" db:"name"`
	Subject             string           `json:"subject" db:"subject"`
	HTMLContent         string           `json:"html_content" db:"html_content"`
	PlainContent        string           `json:"plain_content" db:"plain_content"`
	FromName            string           `json:"from_name" db:"from_name"`
	FromEmail           string           `json:"from_email" db:"from_email"`
	ReplyTo             string           `json:"reply_to" db:"reply_to"`
	Filter              *audience.Filter `json:"filter" db:"filter"`
	Status              string           `json:"status" db:"status"`
	ScheduledAt         *time.Time       `json:"scheduled_at" db:"scheduled_at"`
	ParentCampaignID    *uuid.UUID       `json:"parent_campaign_id" db:"parent_campaign_id"`
	FollowUpWindowHours int              `json:"follow_up_window_hours" db:"follow_up_window_hours"`
	TotalRecipients     int              `json:"total_recipients" db:"total_recipients"`
	StartedAt           *time.Time       `json:"started_at" db:"started_at"`
	CompletedAt         *time.Time       `json:"completed_at" db:"completed_at"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}

// IsFollowUp reports whether this campaign derives its audience from a parent.
func (c *Campaign) IsFollowUp() bool {
	return c.ParentCampaignID != nil
}

// Variant is an A/B test arm with its own subject/body override and share of
// the audience. Percentages across a campaign's variants sum to 100. Variants
// are immutable once sends have been populated.
type Variant struct {
	ID              uuid.UUID `json:"id" db:"id"`
	CampaignID      uuid.UUID `json:"campaign_id" db:"campaign_id"`
	Label           string    `json:"label" db:"label"`
	SubjectOverride string    `json:"subject_override" db:"subject_override"`
	HTMLOverride    string    `json:"html_override" db:"html_override"`
	Percentage      int       `json:"percentage" db:"percentage"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// SendRecord is one row representing the delivery attempts of one campaign to
// one recipient. Email is denormalized at creation so later subscriber edits
// do not alter an in-flight send. IdempotencyKey is generated exactly once at
// creation and reused on every retry.
type SendRecord struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	CampaignID     uuid.UUID  `json:"campaign_id" db:"campaign_id"`
	VariantLabel   string     `json:"variant_label" db:"variant_label"`
	RecipientID    uuid.UUID  `json:"recipient_id" db:"recipient_id"`
	Email          string     `json:"email" db:"email"`
	IdempotencyKey uuid.UUID  `json:"idempotency_key" db:"idempotency_key"`
	Status         string     `json:"status" db:"status"`
	ErrorMessage   string     `json:"error_message" db:"error_message"`
	AttemptCount   int        `json:"attempt_count" db:"attempt_count"`
	MaxAttempts    int        `json:"max_attempts" db:"max_attempts"`
	NextRetryAt    *time.Time `json:"next_retry_at" db:"next_retry_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	SentAt         *time.Time `json:"sent_at" db:"sent_at"`
}

// IsTerminal reports whether the record needs no further processing: sent,
// skipped, bounced, or failed with attempts exhausted.
func (r *SendRecord) IsTerminal() bool {
	switch r.Status {
	case SendSent, SendSkipped, SendBounced:
		return true
	case SendFailed:
		return r.AttemptCount >= r.MaxAttempts
	}
	return false
}

// Claimable reports whether a worker may claim the record right now. It is
// the in-memory form of the claim query's predicate: only sending campaigns
// hand out work, queued records are always due, and failed records wait for
// their retry window and must still have attempts left.
func (r *SendRecord) Claimable(campaignStatus string, now time.Time) bool {
	if campaignStatus != StatusSending {
		return false
	}
	switch r.Status {
	case SendQueued:
		return true
	case SendFailed:
		return r.AttemptCount < r.MaxAttempts &&
			r.NextRetryAt != nil && !r.NextRetryAt.After(now)
	}
	return false
}

// Progress is the derived per-campaign counter set. It is recomputed from
// send records on demand and never persisted.
type Progress struct {
	Total           int     `json:"total"`
	Queued          int     `json:"queued"`
	Sending         int     `json:"sending"`
	Sent            int     `json:"sent"`
	Failed          int     `json:"failed"`
	Skipped         int     `json:"skipped"`
	Bounced         int     `json:"bounced"`
	ProgressPercent float64 `json:"progress_percent"`
}

// VariantProgress is Progress broken out for one A/B arm, for the external
// analytics collaborator to pair with open/click counts.
type VariantProgress struct {
	Label string `json:"label"`
	Progress
}

// Finalize derives progress_percent = (sent+failed+skipped+bounced)/total.
// failed counts every failed record, including those still awaiting a retry
// window; the controller only completes a campaign once nothing non-terminal
// remains.
func (p *Progress) Finalize() {
	if p.Total == 0 {
		p.ProgressPercent = 0
		return
	}
	p.ProgressPercent = float64(p.Sent+p.Failed+p.Skipped+p.Bounced) / float64(p.Total) * 100
}

// MarshalFilter serializes the filter for the jsonb column. A nil filter is
// stored as SQL NULL and resolves to "all subscribed recipients".
func MarshalFilter(f *audience.Filter) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

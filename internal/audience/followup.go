package audience

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// FollowUpFilter narrows a parent campaign's recipients to those eligible
// for a follow-up send. A recipient is eligible when the parent send record
// is sent, the conversion window has fully elapsed without a recorded
// conversion, the recipient is still subscribed, and no follow-up of the
// same parent has already targeted them. Getting any of the three exclusions
// wrong either double-sends or mails unsubscribed users.
type FollowUpFilter struct {
	db *sql.DB
}

// NewFollowUpFilter creates a follow-up eligibility filter.
func NewFollowUpFilter(db *sql.DB) *FollowUpFilter {
	return &FollowUpFilter{db: db}
}

// FollowUpCandidate is one parent-campaign recipient with everything the
// eligibility rule needs, already loaded in memory.
type FollowUpCandidate struct {
	Recipient       Recipient
	ParentSentAt    time.Time
	ConvertedAt     *time.Time // earliest conversion for the parent, nil if none
	HasFollowUpSend bool       // some follow-up of the same parent already targeted them
}

// EligibleNow is the in-memory form of the SQL predicate in Eligible. The
// recipient qualifies when the conversion window after the parent send has
// fully elapsed, no conversion landed inside that window, they are still
// subscribed, and no follow-up has already reached them.
func (c FollowUpCandidate) EligibleNow(windowHours int, now time.Time) bool {
	if !c.Recipient.Subscribed || c.Recipient.UnsubscribedAt != nil {
		return false
	}
	if c.HasFollowUpSend {
		return false
	}
	windowEnd := c.ParentSentAt.Add(time.Duration(windowHours) * time.Hour)
	if now.Before(windowEnd) {
		return false
	}
	if c.ConvertedAt != nil && !c.ConvertedAt.Before(c.ParentSentAt) && !c.ConvertedAt.After(windowEnd) {
		return false
	}
	return true
}

// Eligible returns the recipients of parentCampaignID who may receive a
// follow-up with the given conversion window in hours.
func (f *FollowUpFilter) Eligible(ctx context.Context, parentCampaignID uuid.UUID, windowHours int) ([]Recipient, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT s.id, s.email, s.first_name, s.last_name, s.tags, s.subscribed, s.unsubscribed_at
		FROM send_records pr
		JOIN subscribers s ON s.id = pr.recipient_id
		WHERE pr.campaign_id = $1
		  AND pr.status = 'sent'
		  AND pr.sent_at <= NOW() - ($2 * INTERVAL '1 hour')
		  AND s.subscribed = TRUE
		  AND s.unsubscribed_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM conversion_events ce
			WHERE ce.campaign_id = pr.campaign_id
			  AND ce.recipient_id = pr.recipient_id
			  AND ce.occurred_at >= pr.sent_at
			  AND ce.occurred_at <= pr.sent_at + ($2 * INTERVAL '1 hour')
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM send_records fr
			JOIN campaigns fc ON fc.id = fr.campaign_id
			WHERE fc.parent_campaign_id = $1
			  AND fr.recipient_id = pr.recipient_id
		  )
		ORDER BY pr.sent_at
	`, parentCampaignID, windowHours)
	if err != nil {
		return nil, fmt.Errorf("follow-up eligibility: %w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var recipients []Recipient
	for rows.Next() {
		var rec Recipient
		var unsubAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Email, &rec.FirstName, &rec.LastName,
			pq.Array(&rec.Tags), &rec.Subscribed, &unsubAt); err != nil {
			return nil, fmt.Errorf("scan follow-up recipient: %w", err)
		}
		if unsubAt.Valid {
			t := unsubAt.Time
			rec.UnsubscribedAt = &t
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

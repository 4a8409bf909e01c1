package campaign

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/audience"
)

// Store is the persistence layer for campaigns, variants, and send records.
type Store struct {
	db *sql.DB
}

// NewStore creates a campaign store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for collaborators that share the
// connection pool (resolver, follow-up filter, delivery workers).
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateCampaign inserts a new draft campaign. The ID is assigned here when
// unset.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Status = StatusDraft

	filterJSON, err := MarshalFilter(c.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (
			id, name, subject, html_content, plain_content, from_name, from_email,
			reply_to, filter, status, scheduled_at, parent_campaign_id,
			follow_up_window_hours, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'draft', $10, $11, $12, NOW(), NOW())
	`, c.ID, c.Name, c.Subject, c.HTMLContent, c.PlainContent, c.FromName,
		c.FromEmail, c.ReplyTo, filterJSON, c.ScheduledAt, c.ParentCampaignID,
		c.FollowUpWindowHours)
	if err != nil {
		return storeErr("create campaign", err)
	}
	return nil
}

// GetCampaign loads one campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, subject, COALESCE(html_content, ''), COALESCE(plain_content, ''),
			   COALESCE(from_name, ''), COALESCE(from_email, ''), COALESCE(reply_to, ''),
			   filter, status, scheduled_at, parent_campaign_id,
			   COALESCE(follow_up_window_hours, 0), total_recipients,
			   started_at, completed_at, created_at, updated_at
		FROM campaigns WHERE id = $1
	`, id)
	return scanCampaign(row)
}

// ListCampaigns returns all campaigns, newest first.
func (s *Store) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, subject, COALESCE(html_content, ''), COALESCE(plain_content, ''),
			   COALESCE(from_name, ''), COALESCE(from_email, ''), COALESCE(reply_to, ''),
			   filter, status, scheduled_at, parent_campaign_id,
			   COALESCE(follow_up_window_hours, 0), total_recipients,
			   started_at, completed_at, created_at, updated_at
		FROM campaigns ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, storeErr("list campaigns", err)
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*Campaign, error) {
	var c Campaign
	var filterJSON []byte
	var scheduledAt, startedAt, completedAt sql.NullTime
	var parentID uuid.NullUUID

	err := row.Scan(&c.ID, &c.Name, &c.Subject, &c.HTMLContent, &c.PlainContent,
		&c.FromName, &c.FromEmail, &c.ReplyTo, &filterJSON, &c.Status,
		&scheduledAt, &parentID, &c.FollowUpWindowHours, &c.TotalRecipients,
		&startedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("scan campaign", err)
	}

	if len(filterJSON) > 0 {
		f, err := audience.ParseFilter(filterJSON)
		if err != nil {
			return nil, err
		}
		c.Filter = f
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		c.ScheduledAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		c.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	if parentID.Valid {
		id := parentID.UUID
		c.ParentCampaignID = &id
	}
	return &c, nil
}

// transitionTimestamps maps a target status to the timestamp column stamped
// alongside it.
func transitionTimestamp(to string) string {
	switch to {
	case StatusSending:
		return ", started_at = COALESCE(started_at, NOW())"
	case StatusCompleted, StatusCancelled:
		return ", completed_at = NOW()"
	}
	return ""
}

// TransitionStatus atomically moves a campaign from → to, returning
// InvalidTransitionError when the row is not currently in the expected
// status. The conditional UPDATE makes concurrent operator actions safe.
func (s *Store) TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $1, updated_at = NOW()`+transitionTimestamp(to)+
			` WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return storeErr("transition campaign", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Row moved out from under us: report against its current status.
		current, err := s.GetStatus(ctx, id)
		if err != nil {
			return err
		}
		return &InvalidTransitionError{From: current, To: to}
	}
	return nil
}

// GetStatus returns the current lifecycle status of a campaign.
func (s *Store) GetStatus(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storeErr("get campaign status", err)
	}
	return status, nil
}

// SetScheduledAt stamps the schedule time while the campaign is still
// editable (draft or scheduled).
func (s *Store) SetScheduledAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET scheduled_at = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ('draft', 'scheduled')
	`, at, id)
	if err != nil {
		return storeErr("set schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.GetStatus(ctx, id)
		if err != nil {
			return err
		}
		return &InvalidTransitionError{From: current, To: StatusScheduled}
	}
	return nil
}

// SetTotalRecipients records the populated audience size.
func (s *Store) SetTotalRecipients(ctx context.Context, id uuid.UUID, total int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET total_recipients = $1, updated_at = NOW() WHERE id = $2
	`, total, id)
	if err != nil {
		return storeErr("set total recipients", err)
	}
	return nil
}

// CreateVariants inserts the A/B arms for a campaign. Percentage validation
// and the sends-exist immutability check live here so every code path that
// writes variants enforces them.
func (s *Store) CreateVariants(ctx context.Context, campaignID uuid.UUID, variants []Variant) error {
	total := 0
	for _, v := range variants {
		total += v.Percentage
	}
	if total != 100 {
		return ErrBadVariantSplit
	}

	populated, err := s.HasSends(ctx, campaignID)
	if err != nil {
		return err
	}
	if populated {
		return ErrVariantsLocked
	}

	for _, v := range variants {
		id := v.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO campaign_variants (id, campaign_id, label, subject_override, html_override, percentage, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
		`, id, campaignID, v.Label, v.SubjectOverride, v.HTMLOverride, v.Percentage)
		if err != nil {
			return storeErr("create variant", err)
		}
	}
	return nil
}

// GetVariants returns a campaign's A/B arms in label order.
func (s *Store) GetVariants(ctx context.Context, campaignID uuid.UUID) ([]Variant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, label, COALESCE(subject_override, ''),
			   COALESCE(html_override, ''), percentage, created_at
		FROM campaign_variants WHERE campaign_id = $1 ORDER BY label
	`, campaignID)
	if err != nil {
		return nil, storeErr("get variants", err)
	}
	defer rows.Close()

	var variants []Variant
	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.ID, &v.CampaignID, &v.Label, &v.SubjectOverride,
			&v.HTMLOverride, &v.Percentage, &v.CreatedAt); err != nil {
			return nil, storeErr("scan variant", err)
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// HasSends reports whether any send records exist for the campaign.
func (s *Store) HasSends(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM send_records WHERE campaign_id = $1)`,
		campaignID).Scan(&exists)
	if err != nil {
		return false, storeErr("check sends", err)
	}
	return exists, nil
}

// InsertSendRecords materializes one queued record per recipient, stamping
// the variant label when set. Recipients that already have a record for this
// campaign are skipped (ON CONFLICT DO NOTHING), making re-population
// idempotent. Returns the number of records actually created.
func (s *Store) InsertSendRecords(ctx context.Context, campaignID uuid.UUID, variantLabel string, recipients []audience.Recipient, maxAttempts int) (int, error) {
	inserted := 0
	for _, rec := range recipients {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO send_records (
				id, campaign_id, variant_label, recipient_id, email, idempotency_key,
				status, attempt_count, max_attempts, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, 'queued', 0, $7, NOW())
			ON CONFLICT (campaign_id, recipient_id) DO NOTHING
		`, uuid.New(), campaignID, nullIfEmpty(variantLabel), rec.ID, rec.Email, uuid.New(), maxAttempts)
		if err != nil {
			return inserted, storeErr("insert send record", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// Progress aggregates send record counts by status for one campaign.
func (s *Store) Progress(ctx context.Context, campaignID uuid.UUID) (*Progress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM send_records
		WHERE campaign_id = $1 GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, storeErr("campaign progress", err)
	}
	defer rows.Close()

	p := &Progress{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storeErr("scan progress", err)
		}
		p.Total += count
		switch status {
		case SendQueued:
			p.Queued = count
		case SendSending:
			p.Sending = count
		case SendSent:
			p.Sent = count
		case SendFailed:
			p.Failed = count
		case SendSkipped:
			p.Skipped = count
		case SendBounced:
			p.Bounced = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("campaign progress", err)
	}
	p.Finalize()
	return p, nil
}

// VariantProgress aggregates send record counts per A/B arm.
func (s *Store) VariantProgress(ctx context.Context, campaignID uuid.UUID) ([]VariantProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(variant_label, ''), status, COUNT(*) FROM send_records
		WHERE campaign_id = $1 GROUP BY variant_label, status
		ORDER BY variant_label
	`, campaignID)
	if err != nil {
		return nil, storeErr("variant progress", err)
	}
	defer rows.Close()

	byLabel := make(map[string]*VariantProgress)
	var order []string
	for rows.Next() {
		var label, status string
		var count int
		if err := rows.Scan(&label, &status, &count); err != nil {
			return nil, storeErr("scan variant progress", err)
		}
		vp, ok := byLabel[label]
		if !ok {
			vp = &VariantProgress{Label: label}
			byLabel[label] = vp
			order = append(order, label)
		}
		vp.Total += count
		switch status {
		case SendQueued:
			vp.Queued = count
		case SendSending:
			vp.Sending = count
		case SendSent:
			vp.Sent = count
		case SendFailed:
			vp.Failed = count
		case SendSkipped:
			vp.Skipped = count
		case SendBounced:
			vp.Bounced = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("variant progress", err)
	}

	result := make([]VariantProgress, 0, len(order))
	for _, label := range order {
		byLabel[label].Finalize()
		result = append(result, *byLabel[label])
	}
	return result, nil
}

// SkipNonTerminal bulk-transitions every non-terminal send record of a
// campaign to skipped. Records a worker has claimed (status sending) are
// skipped too; the worker's result update is conditional on status and
// becomes a no-op when cancellation won the race. Returns the number of
// records skipped.
func (s *Store) SkipNonTerminal(ctx context.Context, campaignID uuid.UUID, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE send_records
		SET status = 'skipped', error_message = $2, next_retry_at = NULL
		WHERE campaign_id = $1
		  AND (status IN ('queued', 'sending')
		       OR (status = 'failed' AND attempt_count < max_attempts))
	`, campaignID, reason)
	if err != nil {
		return 0, storeErr("skip send records", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountNonTerminal returns how many send records still need processing.
func (s *Store) CountNonTerminal(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM send_records
		WHERE campaign_id = $1
		  AND (status IN ('queued', 'sending')
		       OR (status = 'failed' AND attempt_count < max_attempts))
	`, campaignID).Scan(&count)
	if err != nil {
		return 0, storeErr("count pending sends", err)
	}
	return count, nil
}

// DueScheduled returns campaigns in scheduled status whose start time has
// arrived.
func (s *Store) DueScheduled(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= NOW()
		ORDER BY scheduled_at
	`)
	if err != nil {
		return nil, storeErr("due scheduled campaigns", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan campaign id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SendingWithNoPending returns sending campaigns whose every send record is
// terminal, ready to flip to completed. A sending campaign with no records
// at all never qualifies: that state means population was interrupted, and
// completing it would bury the failure.
func (s *Store) SendingWithNoPending(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM campaigns c
		WHERE c.status = 'sending'
		  AND EXISTS (
			SELECT 1 FROM send_records r
			WHERE r.campaign_id = c.id
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM send_records r
			WHERE r.campaign_id = c.id
			  AND (r.status IN ('queued', 'sending')
			       OR (r.status = 'failed' AND r.attempt_count < r.max_attempts))
		  )
	`)
	if err != nil {
		return nil, storeErr("completable campaigns", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan campaign id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/audit"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Controller owns the campaign lifecycle. All operator actions and scheduler
// ticks go through it; workers only ever observe status, never change it.
type Controller struct {
	store     *Store
	populator *Populator
	audit     audit.Emitter
}

// NewController creates a campaign controller.
func NewController(store *Store, populator *Populator, emitter audit.Emitter) *Controller {
	return &Controller{store: store, populator: populator, audit: emitter}
}

// Schedule moves a draft to scheduled at the given future time, or re-stamps
// the schedule time of an already-scheduled campaign.
func (c *Controller) Schedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	if !at.After(time.Now()) {
		return fmt.Errorf("scheduled start %s is not in the future", at.Format(time.RFC3339))
	}

	status, err := c.store.GetStatus(ctx, id)
	if err != nil {
		return err
	}

	switch status {
	case StatusDraft:
		if err := c.store.SetScheduledAt(ctx, id, at); err != nil {
			return err
		}
		if err := c.store.TransitionStatus(ctx, id, StatusDraft, StatusScheduled); err != nil {
			return err
		}
		c.recordTransition(ctx, id, StatusScheduled)
		return nil
	case StatusScheduled:
		return c.store.SetScheduledAt(ctx, id, at)
	default:
		return &InvalidTransitionError{From: status, To: StatusScheduled}
	}
}

// Start populates a scheduled campaign's sends when they do not yet exist,
// then moves it to sending. Population happens before the status flip: if
// the audience query fails the campaign stays scheduled and the next
// scheduler tick retries it. A populated audience of zero is not an error:
// the campaign completes immediately with zero total.
func (c *Controller) Start(ctx context.Context, id uuid.UUID) error {
	status, err := c.store.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if status != StatusScheduled {
		return &InvalidTransitionError{From: status, To: StatusSending}
	}

	populated, err := c.store.HasSends(ctx, id)
	if err != nil {
		return err
	}

	count := -1
	if !populated {
		camp, err := c.store.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		count, err = c.populator.Populate(ctx, camp)
		if err != nil {
			return err
		}
	}

	if err := c.store.TransitionStatus(ctx, id, StatusScheduled, StatusSending); err != nil {
		return err
	}
	c.recordTransition(ctx, id, StatusSending)

	if count == 0 {
		logger.Info("campaign audience empty, completing immediately", "campaign_id", id.String())
		return c.Complete(ctx, id)
	}
	return nil
}

// PopulateSends materializes send records ahead of the start transition so
// operators can inspect the resolved audience size. Repeating the call is
// harmless; existing records are never duplicated.
func (c *Controller) PopulateSends(ctx context.Context, id uuid.UUID) (int, error) {
	status, err := c.store.GetStatus(ctx, id)
	if err != nil {
		return 0, err
	}
	if status != StatusDraft && status != StatusScheduled {
		return 0, ErrPopulateLocked
	}

	camp, err := c.store.GetCampaign(ctx, id)
	if err != nil {
		return 0, err
	}
	return c.populator.Populate(ctx, camp)
}

// Pause stops workers from claiming further sends for the campaign.
// In-flight mailer calls finish and their results are recorded.
func (c *Controller) Pause(ctx context.Context, id uuid.UUID) error {
	if err := c.store.TransitionStatus(ctx, id, StatusSending, StatusPaused); err != nil {
		return err
	}
	c.recordTransition(ctx, id, StatusPaused)
	return nil
}

// Resume reopens a paused campaign for claiming.
func (c *Controller) Resume(ctx context.Context, id uuid.UUID) error {
	if err := c.store.TransitionStatus(ctx, id, StatusPaused, StatusSending); err != nil {
		return err
	}
	c.recordTransition(ctx, id, StatusSending)
	return nil
}

// Cancel terminates a campaign from any non-terminal status. The campaign
// row is flipped first so workers stop claiming at their next poll, then
// every non-terminal send record is bulk-skipped. A worker that already
// claimed a record loses the race harmlessly: its result update is
// conditional on status and no-ops once the record is skipped.
func (c *Controller) Cancel(ctx context.Context, id uuid.UUID) error {
	status, err := c.store.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if IsTerminalStatus(status) {
		return &InvalidTransitionError{From: status, To: StatusCancelled}
	}

	if err := c.store.TransitionStatus(ctx, id, status, StatusCancelled); err != nil {
		return err
	}

	skipped, err := c.store.SkipNonTerminal(ctx, id, "campaign cancelled")
	if err != nil {
		return err
	}

	logger.Info("campaign cancelled", "campaign_id", id.String(), "records_skipped", fmt.Sprintf("%d", skipped))
	c.recordTransition(ctx, id, StatusCancelled)
	return nil
}

// Complete flips a sending campaign to completed. The scheduler calls this
// once no non-terminal send records remain.
func (c *Controller) Complete(ctx context.Context, id uuid.UUID) error {
	if err := c.store.TransitionStatus(ctx, id, StatusSending, StatusCompleted); err != nil {
		return err
	}
	c.recordTransition(ctx, id, StatusCompleted)
	return nil
}

// Progress returns the derived counter set for a campaign.
func (c *Controller) Progress(ctx context.Context, id uuid.UUID) (*Progress, error) {
	if _, err := c.store.GetStatus(ctx, id); err != nil {
		return nil, err
	}
	return c.store.Progress(ctx, id)
}

// VariantProgress returns per-arm counters for A/B campaigns.
func (c *Controller) VariantProgress(ctx context.Context, id uuid.UUID) ([]VariantProgress, error) {
	return c.store.VariantProgress(ctx, id)
}

func (c *Controller) recordTransition(ctx context.Context, id uuid.UUID, to string) {
	metrics.Get().CampaignTransitions.WithLabelValues(to).Inc()
	audit.Record(ctx, c.audit, audit.Event{
		Type:       audit.EventCampaignTransitioned,
		CampaignID: id,
		Detail:     map[string]string{"to": to},
	})
}

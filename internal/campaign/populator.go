package campaign

import (
	"context"
	"fmt"

	"github.com/ignite/campaign-engine/internal/audience"
	"github.com/ignite/campaign-engine/internal/audit"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Populator materializes send records for a campaign's eligible audience.
// Re-running population is idempotent: recipients that already hold a record
// for the campaign are skipped.
type Populator struct {
	store       *Store
	resolver    *audience.Resolver
	followUp    *audience.FollowUpFilter
	maxAttempts int
	audit       audit.Emitter
}

// NewPopulator creates a send populator. maxAttempts is stamped onto every
// record at creation so retry policy changes never alter in-flight sends.
func NewPopulator(store *Store, resolver *audience.Resolver, followUp *audience.FollowUpFilter, maxAttempts int, emitter audit.Emitter) *Populator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Populator{
		store:       store,
		resolver:    resolver,
		followUp:    followUp,
		maxAttempts: maxAttempts,
		audit:       emitter,
	}
}

// Populate resolves the campaign's audience and creates one queued send
// record per recipient, returning the number of records created. Follow-up
// campaigns derive their audience from the parent's non-converting
// recipients; A/B campaigns are split across variants before insertion.
func (p *Populator) Populate(ctx context.Context, c *Campaign) (int, error) {
	recipients, err := p.resolveAudience(ctx, c)
	if err != nil {
		return 0, err
	}

	variants, err := p.store.GetVariants(ctx, c.ID)
	if err != nil {
		return 0, err
	}

	var created int
	if len(variants) >= 2 {
		arms := make([]audience.SplitArm, len(variants))
		for i, v := range variants {
			arms[i] = audience.SplitArm{Label: v.Label, Percentage: v.Percentage}
		}
		split, err := audience.Split(c.ID, recipients, arms)
		if err != nil {
			return 0, err
		}
		for label, members := range split {
			n, err := p.store.InsertSendRecords(ctx, c.ID, label, members, p.maxAttempts)
			if err != nil {
				return created, err
			}
			created += n
		}
	} else {
		created, err = p.store.InsertSendRecords(ctx, c.ID, "", recipients, p.maxAttempts)
		if err != nil {
			return created, err
		}
	}

	if err := p.store.SetTotalRecipients(ctx, c.ID, len(recipients)); err != nil {
		return created, err
	}

	logger.Info("campaign populated",
		"campaign_id", c.ID.String(),
		"audience", fmt.Sprintf("%d", len(recipients)),
		"records_created", fmt.Sprintf("%d", created),
		"follow_up", fmt.Sprintf("%t", c.IsFollowUp()))

	audit.Record(ctx, p.audit, audit.Event{
		Type:       audit.EventCampaignPopulated,
		CampaignID: c.ID,
		Detail: map[string]string{
			"audience": fmt.Sprintf("%d", len(recipients)),
			"created":  fmt.Sprintf("%d", created),
		},
	})
	return created, nil
}

func (p *Populator) resolveAudience(ctx context.Context, c *Campaign) ([]audience.Recipient, error) {
	if c.IsFollowUp() {
		if c.FollowUpWindowHours <= 0 {
			return nil, fmt.Errorf("follow-up campaign %s has no conversion window", c.ID)
		}
		return p.followUp.Eligible(ctx, *c.ParentCampaignID, c.FollowUpWindowHours)
	}
	return p.resolver.Resolve(ctx, c.Filter)
}

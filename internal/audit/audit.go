// Package audit emits engine lifecycle events to an external audit
// collaborator. The engine only produces the notifications; their transport
// and retention belong to the collaborator.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Event types emitted by the engine.
const (
	EventCampaignTransitioned = "campaign.transitioned"
	EventCampaignPopulated    = "campaign.populated"
	EventSendAttempted        = "send.attempted"
	EventSendExhausted        = "send.exhausted"
	EventSendBounced          = "send.bounced"
)

// Event is one audit notification.
type Event struct {
	Type         string            `json:"type"`
	CampaignID   uuid.UUID         `json:"campaign_id"`
	SendRecordID uuid.UUID         `json:"send_record_id,omitempty"`
	Detail       map[string]string `json:"detail,omitempty"`
	At           time.Time         `json:"at"`
}

// Emitter is the side channel to the audit collaborator. Implementations
// must not block the delivery path.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// LogEmitter writes audit events to the structured log. It stands in for
// the external collaborator in single-process deployments.
type LogEmitter struct{}

// Emit logs the event.
func (LogEmitter) Emit(_ context.Context, e Event) {
	fields := []interface{}{
		"event", e.Type,
		"campaign_id", e.CampaignID.String(),
	}
	if e.SendRecordID != uuid.Nil {
		fields = append(fields, "send_record_id", e.SendRecordID.String())
	}
	for k, v := range e.Detail {
		fields = append(fields, k, v)
	}
	logger.Info("audit", fields...)
}

// NopEmitter discards events.
type NopEmitter struct{}

// Emit does nothing.
func (NopEmitter) Emit(context.Context, Event) {}

// Record stamps the event time and forwards to the emitter. A nil emitter
// is a no-op so callers need no guards.
func Record(ctx context.Context, em Emitter, e Event) {
	if em == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	em.Emit(ctx, e)
}

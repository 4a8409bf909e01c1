// Package mailer defines the outbound email collaborator interface and its
// result taxonomy. The engine never talks to a raw transport; every send
// goes through a Mailer with an idempotency key so the collaborator can
// deduplicate after a worker crash.
package mailer

import (
	"context"
)

// Message is one rendered email handed to the mailer.
type Message struct {
	// IdempotencyKey is generated once at send-record creation and reused
	// verbatim on every retry of the same record.
	IdempotencyKey string
	Email          string
	FromName       string
	FromEmail      string
	ReplyTo        string
	Subject        string
	HTMLContent    string
	TextContent    string
	CampaignID     string
	VariantLabel   string
}

// Result reports one send attempt. Exactly one of three outcomes holds:
// delivered, permanent failure (never retried), or transient failure
// (Delivered false, Permanent false; retried until attempts run out).
type Result struct {
	Delivered bool
	Permanent bool
	MessageID string
	Reason    string
}

// Mailer is the outbound transport collaborator.
type Mailer interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// Transient builds a transient-failure result.
func Transient(reason string) *Result {
	return &Result{Reason: reason}
}

// Permanent builds a permanent-failure result.
func PermanentFailure(reason string) *Result {
	return &Result{Permanent: true, Reason: reason}
}

// Delivered builds a success result.
func Delivered(messageID string) *Result {
	return &Result{Delivered: true, MessageID: messageID}
}

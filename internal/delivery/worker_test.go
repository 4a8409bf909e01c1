package delivery

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/mailer"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

// fakeMailer returns scripted results in order, then repeats the last one.
type fakeMailer struct {
	results []*mailer.Result
	errs    []error
	calls   int
	lastMsg *mailer.Message
}

func (f *fakeMailer) Send(_ context.Context, msg *mailer.Message) (*mailer.Result, error) {
	f.lastMsg = msg
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	if f.errs != nil && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.results[i], nil
}

func testItem() Item {
	return Item{
		SendRecordID:   uuid.New(),
		CampaignID:     uuid.New(),
		RecipientID:    uuid.New(),
		Email:          "ada@example.com",
		FirstName:      "Ada",
		LastName:       "Lovelace",
		Subscribed:     true,
		IdempotencyKey: uuid.New(),
		AttemptCount:   1,
		MaxAttempts:    3,
		Subject:        "Hello {{ first_name }}",
		HTMLContent:    "<p>Hi {{ first_name }}</p>",
		PlainContent:   "Hi {{ first_name }}",
		FromName:       "Ignite",
		FromEmail:      "send@ignite.test",
	}
}

func TestProcessItemDelivered(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	fm := &fakeMailer{results: []*mailer.Result{mailer.Delivered("msg-1")}}
	pool := NewWorkerPool(db, fm, 1)

	item := testItem()
	mock.ExpectExec(`UPDATE send_records\s+SET status = 'sent'`).
		WithArgs(item.SendRecordID, "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := pool.processItem(item); err != nil {
		t.Fatalf("processItem() error: %v", err)
	}
	if fm.calls != 1 {
		t.Errorf("mailer called %d times, want 1", fm.calls)
	}
	if fm.lastMsg.Subject != "Hello Ada" {
		t.Errorf("rendered subject = %q, want %q", fm.lastMsg.Subject, "Hello Ada")
	}
	if fm.lastMsg.IdempotencyKey != item.IdempotencyKey.String() {
		t.Errorf("idempotency key not forwarded to mailer")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcessItemPermanentFailure(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	fm := &fakeMailer{results: []*mailer.Result{mailer.PermanentFailure("address rejected")}}
	pool := NewWorkerPool(db, fm, 1)

	item := testItem()
	mock.ExpectExec(`UPDATE send_records\s+SET status = 'bounced'`).
		WithArgs(item.SendRecordID, "address rejected").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := pool.processItem(item); err != nil {
		t.Fatalf("processItem() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcessItemTransientSchedulesRetry(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	fm := &fakeMailer{results: []*mailer.Result{mailer.Transient("throttled")}}
	pool := NewWorkerPool(db, fm, 1)
	pool.SetBackoff(BackoffPolicy{Base: time.Minute, Cap: time.Hour, JitterFrac: 0})

	item := testItem() // attempt 1 of 3, retries remain
	mock.ExpectExec(`UPDATE send_records\s+SET status = 'failed', error_message = \$2, next_retry_at = \$3`).
		WithArgs(item.SendRecordID, "throttled", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := pool.processItem(item); err != nil {
		t.Fatalf("processItem() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcessItemTransientExhausted(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	fm := &fakeMailer{results: []*mailer.Result{mailer.Transient("throttled")}}
	pool := NewWorkerPool(db, fm, 1)

	item := testItem()
	item.AttemptCount = 3 // final attempt just failed

	mock.ExpectExec(`UPDATE send_records\s+SET status = 'failed', error_message = \$2, next_retry_at = NULL`).
		WithArgs(item.SendRecordID, "throttled").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := pool.processItem(item); err != nil {
		t.Fatalf("processItem() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcessItemMailerErrorTreatedTransient(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	fm := &fakeMailer{
		results: []*mailer.Result{nil},
		errs:    []error{errors.New("connection reset")},
	}
	pool := NewWorkerPool(db, fm, 1)

	item := testItem()
	mock.ExpectExec(`UPDATE send_records\s+SET status = 'failed', error_message = \$2, next_retry_at = \$3`).
		WithArgs(item.SendRecordID, "connection reset", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := pool.processItem(item); err != nil {
		t.Fatalf("processItem() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcessItemUnsubscribedSkipped(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	fm := &fakeMailer{results: []*mailer.Result{mailer.Delivered("never")}}
	pool := NewWorkerPool(db, fm, 1)

	item := testItem()
	item.Subscribed = false

	mock.ExpectExec(`UPDATE send_records\s+SET status = 'skipped'`).
		WithArgs(item.SendRecordID, "recipient unsubscribed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := pool.processItem(item); err != nil {
		t.Fatalf("processItem() error: %v", err)
	}
	if fm.calls != 0 {
		t.Errorf("mailer called %d times for unsubscribed recipient, want 0", fm.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcessItemRenderFailureTerminal(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	fm := &fakeMailer{results: []*mailer.Result{mailer.Delivered("never")}}
	pool := NewWorkerPool(db, fm, 1)

	item := testItem()
	item.Subject = "{{ broken" // unterminated tag

	mock.ExpectExec(`UPDATE send_records\s+SET status = 'failed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := pool.processItem(item); err != nil {
		t.Fatalf("processItem() error: %v", err)
	}
	if fm.calls != 0 {
		t.Errorf("mailer called %d times after render failure, want 0", fm.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClaimBatchReturnsClaimedItems(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	pool := NewWorkerPool(db, &fakeMailer{results: []*mailer.Result{mailer.Delivered("x")}}, 1)
	pool.SetBatchSize(10)

	recordID := uuid.New()
	campaignID := uuid.New()
	recipientID := uuid.New()
	key := uuid.New()

	cols := []string{
		"id", "campaign_id", "recipient_id", "email", "idempotency_key",
		"variant_label", "attempt_count", "max_attempts",
		"first_name", "last_name", "subscribed",
		"subject", "html_content", "plain_content",
		"from_name", "from_email", "reply_to",
	}
	mock.ExpectQuery(`FOR UPDATE OF r SKIP LOCKED`).
		WithArgs(pool.workerID, 10).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			recordID, campaignID, recipientID, "ada@example.com", key,
			"A", 1, 3,
			"Ada", "Lovelace", true,
			"Subject A", "<p>body</p>", "body",
			"Ignite", "send@ignite.test", "",
		))

	items, err := pool.claimBatch()
	if err != nil {
		t.Fatalf("claimBatch() error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("claimBatch() returned %d items, want 1", len(items))
	}
	got := items[0]
	if got.SendRecordID != recordID || got.VariantLabel != "A" || got.AttemptCount != 1 {
		t.Errorf("unexpected item: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecoverStaleReclaimsAbandonedClaims(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	pool := NewWorkerPool(db, &fakeMailer{results: []*mailer.Result{mailer.Delivered("x")}}, 1)

	// Rows left in sending past the stale age go back to queued (or
	// terminal failed when out of attempts) so another pool can claim them.
	mock.ExpectExec(`UPDATE send_records\s+SET\s+status = CASE WHEN attempt_count >= max_attempts`).
		WithArgs("5m0s").
		WillReturnResult(sqlmock.NewResult(0, 2))

	pool.recoverStale()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestOutcomeRecordedAfterPoolStopped(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	fm := &fakeMailer{results: []*mailer.Result{mailer.Delivered("msg-9")}}
	pool := NewWorkerPool(db, fm, 1)

	// Shut the pool context down before the outcome is written. The sent
	// status must still reach the database; otherwise the record stays in
	// sending forever.
	pool.cancel()

	item := testItem()
	mock.ExpectExec(`UPDATE send_records\s+SET status = 'sent'`).
		WithArgs(item.SendRecordID, "msg-9").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := pool.processItem(item); err != nil {
		t.Fatalf("processItem() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTransientTwiceThenDelivered(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	fm := &fakeMailer{results: []*mailer.Result{
		mailer.Transient("throttled"),
		mailer.Transient("throttled"),
		mailer.Delivered("msg-3"),
	}}
	pool := NewWorkerPool(db, fm, 1)

	item := testItem()

	// Attempts 1 and 2 fail transiently and schedule retries; the claim on
	// attempt 3 delivers. No retry may be scheduled past max_attempts.
	mock.ExpectExec(`UPDATE send_records\s+SET status = 'failed', error_message = \$2, next_retry_at = \$3`).
		WithArgs(item.SendRecordID, "throttled", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE send_records\s+SET status = 'failed', error_message = \$2, next_retry_at = \$3`).
		WithArgs(item.SendRecordID, "throttled", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE send_records\s+SET status = 'sent'`).
		WithArgs(item.SendRecordID, "msg-3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	for attempt := 1; attempt <= 3; attempt++ {
		item.AttemptCount = attempt
		if err := pool.processItem(item); err != nil {
			t.Fatalf("processItem() attempt %d error: %v", attempt, err)
		}
	}

	if fm.calls != 3 {
		t.Errorf("mailer called %d times, want 3", fm.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

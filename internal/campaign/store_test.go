package campaign

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/audience"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func TestTransitionStatusValid(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	id := uuid.New()

	mock.ExpectExec(`UPDATE campaigns SET status = \$1, updated_at = NOW\(\), started_at = COALESCE`).
		WithArgs(StatusSending, id, StatusScheduled).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.TransitionStatus(context.Background(), id, StatusScheduled, StatusSending); err != nil {
		t.Fatalf("TransitionStatus() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTransitionStatusRejectsInvalidPair(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	// draft cannot jump straight to sending, no SQL should run
	err := store.TransitionStatus(context.Background(), uuid.New(), StatusDraft, StatusSending)
	if !IsInvalidTransition(err) {
		t.Fatalf("TransitionStatus() = %v, want InvalidTransitionError", err)
	}
}

func TestTransitionStatusLostRace(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	id := uuid.New()

	// Conditional update misses because another actor moved the row first.
	mock.ExpectExec(`UPDATE campaigns SET status = \$1`).
		WithArgs(StatusPaused, id, StatusSending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM campaigns WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(StatusCancelled))

	err := store.TransitionStatus(context.Background(), id, StatusSending, StatusPaused)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("TransitionStatus() = %v, want InvalidTransitionError", err)
	}
	if invalid.From != StatusCancelled || invalid.To != StatusPaused {
		t.Errorf("error reports %s -> %s, want cancelled -> paused", invalid.From, invalid.To)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetCampaignNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	mock.ExpectQuery(`FROM campaigns WHERE id = \$1`).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetCampaign(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetCampaign() = %v, want ErrNotFound", err)
	}
}

func TestCreateVariantsRejectsBadSplit(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	variants := []Variant{
		{Label: "A", Percentage: 60},
		{Label: "B", Percentage: 30},
	}

	err := store.CreateVariants(context.Background(), uuid.New(), variants)
	if !errors.Is(err, ErrBadVariantSplit) {
		t.Fatalf("CreateVariants() = %v, want ErrBadVariantSplit", err)
	}
}

func TestCreateVariantsLockedAfterPopulation(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	id := uuid.New()

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM send_records`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	variants := []Variant{
		{Label: "A", Percentage: 50},
		{Label: "B", Percentage: 50},
	}
	err := store.CreateVariants(context.Background(), id, variants)
	if !errors.Is(err, ErrVariantsLocked) {
		t.Fatalf("CreateVariants() = %v, want ErrVariantsLocked", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestInsertSendRecordsSkipsExisting(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	campaignID := uuid.New()
	recipients := []audience.Recipient{
		{ID: uuid.New(), Email: "a@example.com"},
		{ID: uuid.New(), Email: "b@example.com"},
	}

	// First insert lands, second hits the (campaign_id, recipient_id)
	// conflict and is a no-op.
	mock.ExpectExec(`INSERT INTO send_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO send_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := store.InsertSendRecords(context.Background(), campaignID, "", recipients, 3)
	if err != nil {
		t.Fatalf("InsertSendRecords() error: %v", err)
	}
	if inserted != 1 {
		t.Errorf("InsertSendRecords() = %d, want 1", inserted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProgressAggregation(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	id := uuid.New()

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM send_records`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow(SendQueued, 2).
			AddRow(SendSent, 5).
			AddRow(SendFailed, 1).
			AddRow(SendSkipped, 1).
			AddRow(SendBounced, 1))

	p, err := store.Progress(context.Background(), id)
	if err != nil {
		t.Fatalf("Progress() error: %v", err)
	}
	if p.Total != 10 {
		t.Errorf("Total = %d, want 10", p.Total)
	}
	if p.Sent != 5 || p.Queued != 2 || p.Failed != 1 || p.Skipped != 1 || p.Bounced != 1 {
		t.Errorf("unexpected partition: %+v", p)
	}
	// 8 of 10 records terminal
	if p.ProgressPercent != 80 {
		t.Errorf("ProgressPercent = %v, want 80", p.ProgressPercent)
	}
}

func TestSkipNonTerminalCountsRows(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	id := uuid.New()

	mock.ExpectExec(`UPDATE send_records\s+SET status = 'skipped'`).
		WithArgs(id, "campaign cancelled").
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := store.SkipNonTerminal(context.Background(), id, "campaign cancelled")
	if err != nil {
		t.Fatalf("SkipNonTerminal() error: %v", err)
	}
	if n != 5 {
		t.Errorf("SkipNonTerminal() = %d, want 5", n)
	}
}

func TestStoreFailureWrapsSentinel(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM send_records`).
		WillReturnError(errors.New("connection refused"))

	_, err := store.Progress(context.Background(), uuid.New())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Progress() = %v, want wrapped ErrStoreUnavailable", err)
	}
}

func TestSendingWithNoPendingRequiresRecords(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	id := uuid.New()

	// The sweep only proposes campaigns that actually have send records:
	// a sending campaign where population was interrupted must stay
	// visible rather than being quietly completed.
	mock.ExpectQuery(`WHERE c.status = 'sending'\s+AND EXISTS \(\s+SELECT 1 FROM send_records r\s+WHERE r.campaign_id = c.id\s+\)\s+AND NOT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))

	ids, err := store.SendingWithNoPending(context.Background())
	if err != nil {
		t.Fatalf("SendingWithNoPending() error: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("SendingWithNoPending() = %v, want [%s]", ids, id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

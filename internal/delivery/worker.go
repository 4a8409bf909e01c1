package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/audit"
	"github.com/ignite/campaign-engine/internal/mailer"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/template"
)

// WorkerPool claims batches of due send records and delivers them through
// the mailer. Claiming uses FOR UPDATE SKIP LOCKED so any number of pool
// instances can run against the same database without double delivery.
type WorkerPool struct {
	db           *sql.DB
	mailer       mailer.Mailer
	renderer     *template.Renderer
	audit        audit.Emitter
	backoff      BackoffPolicy
	workerID     string
	numWorkers    int
	batchSize     int
	pollInterval  time.Duration
	sendTimeout   time.Duration
	staleClaimAge time.Duration

	totalSent    int64
	totalFailed  int64
	totalSkipped int64
	totalBounced int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// Item is one claimed send record joined with its campaign, variant and
// recipient data, everything a worker needs to render and deliver.
type Item struct {
	SendRecordID   uuid.UUID
	CampaignID     uuid.UUID
	RecipientID    uuid.UUID
	Email          string
	FirstName      string
	LastName       string
	Subscribed     bool
	IdempotencyKey uuid.UUID
	AttemptCount   int
	MaxAttempts    int
	VariantLabel   string
	Subject        string
	HTMLContent    string
	PlainContent   string
	FromName       string
	FromEmail      string
	ReplyTo        string
}

// NewWorkerPool creates a delivery pool.
func NewWorkerPool(db *sql.DB, m mailer.Mailer, numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 4
	}

	p := &WorkerPool{
		db:            db,
		mailer:        m,
		renderer:      template.NewRenderer(),
		workerID:      fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		numWorkers:    numWorkers,
		batchSize:     100,
		pollInterval:  500 * time.Millisecond,
		sendTimeout:   30 * time.Second,
		staleClaimAge: 5 * time.Minute,
		backoff:       DefaultBackoff(),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// SetBatchSize overrides the claim batch size.
func (p *WorkerPool) SetBatchSize(n int) {
	if n > 0 {
		p.batchSize = n
	}
}

// SetPollInterval overrides the idle polling cadence.
func (p *WorkerPool) SetPollInterval(d time.Duration) {
	if d > 0 {
		p.pollInterval = d
	}
}

// SetSendTimeout overrides the per-attempt mailer timeout.
func (p *WorkerPool) SetSendTimeout(d time.Duration) {
	if d > 0 {
		p.sendTimeout = d
	}
}

// SetBackoff overrides the retry backoff policy.
func (p *WorkerPool) SetBackoff(b BackoffPolicy) {
	p.backoff = b
}

// SetStaleClaimAge overrides how long a claim may sit in sending before the
// recovery sweep reclaims it. Must comfortably exceed the send timeout.
func (p *WorkerPool) SetStaleClaimAge(d time.Duration) {
	if d > 0 {
		p.staleClaimAge = d
	}
}

// SetAuditEmitter connects the pool to the audit collaborator.
func (p *WorkerPool) SetAuditEmitter(em audit.Emitter) {
	p.audit = em
}

// Start begins the worker pool.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	logger.Info("delivery pool starting",
		"worker_id", p.workerID, "workers", p.numWorkers, "batch_size", p.batchSize)

	p.registerWorker()
	go p.heartbeatLoop()
	go p.recoveryLoop()

	metrics.Get().WorkersActive.Set(float64(p.numWorkers))

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop drains the pool. In-flight attempts finish; unclaimed records stay
// queued for the next pool.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.deregisterWorker()
	metrics.Get().WorkersActive.Set(0)

	logger.Info("delivery pool stopped",
		"sent", atomic.LoadInt64(&p.totalSent),
		"failed", atomic.LoadInt64(&p.totalFailed),
		"skipped", atomic.LoadInt64(&p.totalSkipped),
		"bounced", atomic.LoadInt64(&p.totalBounced))
}

// Stats returns running counters.
func (p *WorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":    atomic.LoadInt64(&p.totalSent),
		"total_failed":  atomic.LoadInt64(&p.totalFailed),
		"total_skipped": atomic.LoadInt64(&p.totalSkipped),
		"total_bounced": atomic.LoadInt64(&p.totalBounced),
	}
}

func (p *WorkerPool) worker(workerNum int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			items, err := p.claimBatch()
			if err != nil {
				logger.Error("claim batch", "worker", workerNum, "error", err.Error())
				time.Sleep(time.Second)
				continue
			}

			if len(items) == 0 {
				time.Sleep(p.pollInterval)
				continue
			}

			metrics.Get().ClaimBatchSize.Observe(float64(len(items)))

			for _, item := range items {
				if err := p.processItem(item); err != nil {
					logger.Error("process send record",
						"worker", workerNum, "send_record_id", item.SendRecordID.String(),
						"error", err.Error())
				}
			}
		}
	}
}

// claimBatch atomically claims due records. Only records of campaigns in
// the sending state qualify: a paused or cancelled campaign stops handing
// out work without touching its rows. Claiming bumps attempt_count so a
// worker crash mid-send still consumes the attempt.
func (p *WorkerPool) claimBatch() ([]Item, error) {
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE send_records
			SET
				status = 'sending',
				attempt_count = attempt_count + 1,
				worker_id = $1,
				locked_at = NOW()
			WHERE id IN (
				SELECT r.id FROM send_records r
				JOIN campaigns c ON c.id = r.campaign_id
				WHERE c.status = 'sending'
				  AND (
					r.status = 'queued'
					OR (r.status = 'failed'
						AND r.next_retry_at <= NOW()
						AND r.attempt_count < r.max_attempts)
				  )
				ORDER BY r.created_at ASC
				LIMIT $2
				FOR UPDATE OF r SKIP LOCKED
			)
			RETURNING id, campaign_id, recipient_id, email, idempotency_key,
				variant_label, attempt_count, max_attempts
		)
		SELECT
			cl.id,
			cl.campaign_id,
			cl.recipient_id,
			cl.email,
			cl.idempotency_key,
			COALESCE(cl.variant_label, ''),
			cl.attempt_count,
			cl.max_attempts,
			COALESCE(s.first_name, ''),
			COALESCE(s.last_name, ''),
			COALESCE(s.subscribed, FALSE),
			COALESCE(v.subject_override, c.subject),
			COALESCE(NULLIF(v.html_override, ''), c.html_content),
			c.plain_content,
			c.from_name,
			c.from_email,
			COALESCE(c.reply_to, '')
		FROM claimed cl
		JOIN campaigns c ON c.id = cl.campaign_id
		LEFT JOIN subscribers s ON s.id = cl.recipient_id
		LEFT JOIN campaign_variants v
			ON v.campaign_id = cl.campaign_id AND v.label = cl.variant_label
	`, p.workerID, p.batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		err := rows.Scan(
			&item.SendRecordID,
			&item.CampaignID,
			&item.RecipientID,
			&item.Email,
			&item.IdempotencyKey,
			&item.VariantLabel,
			&item.AttemptCount,
			&item.MaxAttempts,
			&item.FirstName,
			&item.LastName,
			&item.Subscribed,
			&item.Subject,
			&item.HTMLContent,
			&item.PlainContent,
			&item.FromName,
			&item.FromEmail,
			&item.ReplyTo,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// processItem delivers one claimed record and writes the outcome.
func (p *WorkerPool) processItem(item Item) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.sendTimeout)
	defer cancel()

	metrics.Get().SendAttemptsTotal.Inc()
	audit.Record(ctx, p.audit, audit.Event{
		Type:         audit.EventSendAttempted,
		CampaignID:   item.CampaignID,
		SendRecordID: item.SendRecordID,
		Detail:       map[string]string{"attempt": fmt.Sprintf("%d", item.AttemptCount)},
	})

	// Recheck subscription at delivery time. Unsubscribes that land after
	// enqueue must still be honored.
	if !item.Subscribed {
		atomic.AddInt64(&p.totalSkipped, 1)
		metrics.Get().SendsTotal.WithLabelValues("skipped").Inc()
		return p.markSkipped(item.SendRecordID, "recipient unsubscribed")
	}

	msg, err := p.buildMessage(item)
	if err != nil {
		// A template that will not render will not render on retry either.
		atomic.AddInt64(&p.totalFailed, 1)
		metrics.Get().SendsTotal.WithLabelValues("failed").Inc()
		return p.markFailedTerminal(item, "render: "+err.Error())
	}

	result, err := p.mailer.Send(ctx, msg)
	if err != nil {
		// Transport-level errors (timeouts included) are transient.
		if errors.Is(err, context.DeadlineExceeded) {
			return p.handleTransient(item, "mailer timeout")
		}
		return p.handleTransient(item, err.Error())
	}

	switch {
	case result.Delivered:
		atomic.AddInt64(&p.totalSent, 1)
		metrics.Get().SendsTotal.WithLabelValues("sent").Inc()
		return p.markSent(item.SendRecordID, result.MessageID)
	case result.Permanent:
		atomic.AddInt64(&p.totalBounced, 1)
		metrics.Get().SendsTotal.WithLabelValues("bounced").Inc()
		audit.Record(ctx, p.audit, audit.Event{
			Type:         audit.EventSendBounced,
			CampaignID:   item.CampaignID,
			SendRecordID: item.SendRecordID,
			Detail:       map[string]string{"reason": result.Reason},
		})
		return p.markBounced(item.SendRecordID, result.Reason)
	default:
		return p.handleTransient(item, result.Reason)
	}
}

func (p *WorkerPool) buildMessage(item Item) (*mailer.Message, error) {
	bindings := template.BindingsForSend(item.Email, item.FirstName, item.LastName)

	subject, err := p.renderer.Render(item.Subject, bindings)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	html, err := p.renderer.Render(item.HTMLContent, bindings)
	if err != nil {
		return nil, fmt.Errorf("html body: %w", err)
	}
	text, err := p.renderer.Render(item.PlainContent, bindings)
	if err != nil {
		return nil, fmt.Errorf("text body: %w", err)
	}

	return &mailer.Message{
		IdempotencyKey: item.IdempotencyKey.String(),
		Email:          item.Email,
		FromName:       item.FromName,
		FromEmail:      item.FromEmail,
		ReplyTo:        item.ReplyTo,
		Subject:        subject,
		HTMLContent:    html,
		TextContent:    text,
		CampaignID:     item.CampaignID.String(),
		VariantLabel:   item.VariantLabel,
	}, nil
}

// handleTransient either schedules a retry or exhausts the record.
// item.AttemptCount is the attempt that just failed (claiming bumped it).
func (p *WorkerPool) handleTransient(item Item, reason string) error {
	ctx, cancel := outcomeCtx()
	defer cancel()

	if item.AttemptCount >= item.MaxAttempts {
		atomic.AddInt64(&p.totalFailed, 1)
		metrics.Get().SendsTotal.WithLabelValues("failed").Inc()
		audit.Record(ctx, p.audit, audit.Event{
			Type:         audit.EventSendExhausted,
			CampaignID:   item.CampaignID,
			SendRecordID: item.SendRecordID,
			Detail:       map[string]string{"reason": reason, "attempts": fmt.Sprintf("%d", item.AttemptCount)},
		})
		return p.markFailedTerminal(item, reason)
	}

	retryAt := p.backoff.NextRetryAt(time.Now().UTC(), item.AttemptCount)
	metrics.Get().RetriesScheduled.Inc()
	logger.Warn("send failed, retry scheduled",
		"send_record_id", item.SendRecordID.String(),
		"attempt", item.AttemptCount,
		"retry_at", retryAt.Format(time.RFC3339),
		"reason", reason)

	return p.markFailedRetry(item.SendRecordID, reason, retryAt)
}

// outcomeCtx returns a context for recording an attempt's outcome. It is
// deliberately detached from the pool context: once the mailer has answered,
// the result must reach the database even if the pool is stopping or the
// send timeout has already fired.
func outcomeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// All outcome writes are conditional on status = 'sending'. If an operator
// cancelled the campaign while this attempt was in flight, SkipNonTerminal
// already moved the row to skipped and the worker's write is a no-op: the
// cancellation wins.
func (p *WorkerPool) markSent(id uuid.UUID, messageID string) error {
	ctx, cancel := outcomeCtx()
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		UPDATE send_records
		SET status = 'sent', message_id = $2, sent_at = NOW(), next_retry_at = NULL
		WHERE id = $1 AND status = 'sending'
	`, id, messageID)
	return err
}

func (p *WorkerPool) markBounced(id uuid.UUID, reason string) error {
	ctx, cancel := outcomeCtx()
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		UPDATE send_records
		SET status = 'bounced', error_message = $2, next_retry_at = NULL
		WHERE id = $1 AND status = 'sending'
	`, id, reason)
	return err
}

func (p *WorkerPool) markSkipped(id uuid.UUID, reason string) error {
	ctx, cancel := outcomeCtx()
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		UPDATE send_records
		SET status = 'skipped', error_message = $2, next_retry_at = NULL
		WHERE id = $1 AND status = 'sending'
	`, id, reason)
	return err
}

func (p *WorkerPool) markFailedRetry(id uuid.UUID, reason string, retryAt time.Time) error {
	ctx, cancel := outcomeCtx()
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		UPDATE send_records
		SET status = 'failed', error_message = $2, next_retry_at = $3
		WHERE id = $1 AND status = 'sending'
	`, id, reason, retryAt)
	return err
}

func (p *WorkerPool) markFailedTerminal(item Item, reason string) error {
	ctx, cancel := outcomeCtx()
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		UPDATE send_records
		SET status = 'failed', error_message = $2, next_retry_at = NULL,
			attempt_count = max_attempts
		WHERE id = $1 AND status = 'sending'
	`, item.SendRecordID, reason)
	return err
}

// recoveryLoop periodically reclaims records stranded in sending. A worker
// that dies between claiming and writing the outcome leaves its rows locked;
// without the sweep those rows never become claimable again and their
// campaign never completes.
func (p *WorkerPool) recoveryLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	p.recoverStale()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.recoverStale()
		}
	}
}

// recoverStale requeues sending records whose claim is older than
// staleClaimAge. The claim already consumed the attempt, so rows out of
// attempts go terminal instead of back to queued.
func (p *WorkerPool) recoverStale() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `
		UPDATE send_records
		SET
			status = CASE WHEN attempt_count >= max_attempts THEN 'failed' ELSE 'queued' END,
			error_message = CASE WHEN attempt_count >= max_attempts
				THEN 'worker lost before recording outcome' ELSE error_message END,
			worker_id = NULL,
			locked_at = NULL,
			next_retry_at = NULL
		WHERE status = 'sending'
		  AND locked_at < NOW() - $1::interval
	`, p.staleClaimAge.String())
	if err != nil {
		logger.Error("recover stale claims", "error", err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Warn("reclaimed stale send records", "count", fmt.Sprintf("%d", n))
	}
}

// registerWorker records this pool instance for operator visibility.
func (p *WorkerPool) registerWorker() {
	_, err := p.db.Exec(`
		INSERT INTO delivery_workers (id, hostname, status, capacity, started_at, last_heartbeat_at)
		VALUES ($1, $2, 'running', $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = 'running',
			started_at = NOW(),
			last_heartbeat_at = NOW()
	`, p.workerID, hostname(), p.numWorkers*p.batchSize)
	if err != nil {
		logger.Warn("register worker", "error", err.Error())
	}
}

func (p *WorkerPool) deregisterWorker() {
	p.db.Exec(`UPDATE delivery_workers SET status = 'stopped' WHERE id = $1`, p.workerID)
}

func (p *WorkerPool) heartbeatLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			var depth int64
			if err := p.db.QueryRow(`SELECT COUNT(*) FROM send_records WHERE status = 'queued'`).Scan(&depth); err == nil {
				metrics.Get().QueueDepth.Set(float64(depth))
			}

			stats := p.Stats()
			statsJSON, _ := json.Marshal(stats)
			p.db.Exec(`
				UPDATE delivery_workers
				SET last_heartbeat_at = NOW(),
					total_processed = $2,
					total_errors = $3,
					metadata = $4
				WHERE id = $1
			`, p.workerID, stats["total_sent"], stats["total_failed"], string(statsJSON))
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "campaign-engine"
	}
	return h
}

package audience

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// ErrStoreUnavailable wraps subscriber store failures. The resolver does not
// retry internally; retry is the caller's responsibility.
var ErrStoreUnavailable = errors.New("subscriber store unavailable")

// Resolver produces the recipient set matching a filter from the subscriber
// store.
type Resolver struct {
	db *sql.DB
}

// NewResolver creates a resolver over the given database.
func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve returns every recipient matching the filter. A nil filter resolves
// to all subscribed recipients.
func (r *Resolver) Resolve(ctx context.Context, f *Filter) ([]Recipient, error) {
	query, args := buildFilterQuery(f)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var recipients []Recipient
	for rows.Next() {
		var rec Recipient
		var unsubAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Email, &rec.FirstName, &rec.LastName,
			pq.Array(&rec.Tags), &rec.Subscribed, &unsubAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if unsubAt.Valid {
			t := unsubAt.Time
			rec.UnsubscribedAt = &t
		}
		recipients = append(recipients, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolve audience: %w: %v", ErrStoreUnavailable, err)
	}
	return recipients, nil
}

// buildFilterQuery translates a filter into a subscribers query. Tag
// conditions use Postgres array operators: @> for AND semantics, && for OR
// and exclusion.
func buildFilterQuery(f *Filter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.Subscribed() {
		conditions = append(conditions, "subscribed = TRUE")
	}
	if f != nil {
		if len(f.Tags) > 0 {
			args = append(args, pq.Array(f.Tags))
			conditions = append(conditions, fmt.Sprintf("tags @> $%d", len(args)))
		}
		if len(f.TagsAny) > 0 {
			args = append(args, pq.Array(f.TagsAny))
			conditions = append(conditions, fmt.Sprintf("tags && $%d", len(args)))
		}
		if len(f.ExcludeTags) > 0 {
			args = append(args, pq.Array(f.ExcludeTags))
			conditions = append(conditions, fmt.Sprintf("NOT (tags && $%d)", len(args)))
		}
	}

	query := `SELECT id, email, first_name, last_name, tags, subscribed, unsubscribed_at
		FROM subscribers`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at"

	return query, args
}

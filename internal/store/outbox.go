package store

import (
	"context"
	"fmt"

	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
)

// InsertOutbox stores an event to be relayed after the surrounding transaction commits
func (q *Queries) InsertOutbox(ctx context.Context, rec *models.OutboxRecord) error {
	query := `
		INSERT INTO outbox (event_id, event_type, key, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	// payload goes over the wire as text; lib/pq would send []byte as bytea
	row := q.ext.QueryRowxContext(ctx, query, rec.EventID, rec.EventType, rec.Key, string(rec.Payload))
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert outbox record: %w", translate(err))
	}
	return nil
}

// FetchPendingOutbox returns unsent records in insertion order
func (q *Queries) FetchPendingOutbox(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	var out []models.OutboxRecord
	err := sqlx.SelectContext(ctx, q.ext, &out,
		`SELECT id, event_id, event_type, key, payload, created_at, sent_at
		 FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox: %w", translate(err))
	}
	return out, nil
}

// MarkOutboxSent marks a record as relayed
func (q *Queries) MarkOutboxSent(ctx context.Context, id int64) error {
	if _, err := q.ext.ExecContext(ctx, "UPDATE outbox SET sent_at = NOW() WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to mark outbox record %d sent: %w", id, translate(err))
	}
	return nil
}

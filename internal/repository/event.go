package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"booking-points-service/internal/model"
)

// EventRepository handles processed payment event markers used for webhook
// deduplication. The marker insert runs inside the same transaction as the
// point grant it guards.
type EventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository creates a new EventRepository instance.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// MarkProcessed inserts the dedup marker for an event id. It reports false
// when the event was already recorded, in which case nothing was inserted.
func (r *EventRepository) MarkProcessed(ctx context.Context, q Querier, eventID string, userID int64) (int64, bool, error) {
	const query = `
		INSERT INTO processed_events (event_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id
	`

	var id int64
	err := q.QueryRow(ctx, query, eventID, userID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return id, true, nil
}

// LinkTransaction attaches the created point transaction to the dedup marker.
func (r *EventRepository) LinkTransaction(ctx context.Context, q Querier, markerID, transactionID int64) error {
	const query = `
		UPDATE processed_events SET transaction_id = $2 WHERE id = $1
	`

	if _, err := q.Exec(ctx, query, markerID, transactionID); err != nil {
		return fmt.Errorf("failed to link event transaction: %w", err)
	}
	return nil
}

// GetByEventID retrieves a processed event marker.
func (r *EventRepository) GetByEventID(ctx context.Context, eventID string) (*model.ProcessedEvent, error) {
	const query = `
		SELECT id, event_id, user_id, transaction_id, description, processed_at
		FROM processed_events
		WHERE event_id = $1
	`

	var e model.ProcessedEvent
	err := r.pool.QueryRow(ctx, query, eventID).Scan(
		&e.ID,
		&e.EventID,
		&e.UserID,
		&e.TransactionID,
		&e.Description,
		&e.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get processed event: %w", err)
	}
	return &e, nil
}

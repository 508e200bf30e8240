package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"booking-points-service/internal/model"
)

const grantColumns = `id, user_id, amount, remaining, point_source, status,
	rule_id, related_id, related_table, created_at, confirmed_at`

// PendingGrantRepository handles pending grant persistence.
// A grant tracks how much of a promised pending credit is still
// unconfirmed, so confirmations can never exceed what was granted.
type PendingGrantRepository struct {
	pool *pgxpool.Pool
}

// NewPendingGrantRepository creates a new PendingGrantRepository instance.
func NewPendingGrantRepository(pool *pgxpool.Pool) *PendingGrantRepository {
	return &PendingGrantRepository{pool: pool}
}

func scanGrant(row pgx.Row) (*model.PendingGrant, error) {
	var g model.PendingGrant
	err := row.Scan(
		&g.ID,
		&g.UserID,
		&g.Amount,
		&g.Remaining,
		&g.PointSource,
		&g.Status,
		&g.RuleID,
		&g.RelatedID,
		&g.RelatedTable,
		&g.CreatedAt,
		&g.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Create inserts a new pending grant with remaining = amount.
func (r *PendingGrantRepository) Create(ctx context.Context, q Querier, g *model.PendingGrant) (*model.PendingGrant, error) {
	query := fmt.Sprintf(`
		INSERT INTO pending_grants
			(user_id, amount, remaining, point_source, status, rule_id, related_id, related_table)
		VALUES ($1, $2, $2, $3, 'pending', $4, $5, $6)
		RETURNING %s
	`, grantColumns)

	created, err := scanGrant(q.QueryRow(ctx, query,
		g.UserID, g.Amount, g.PointSource, g.RuleID, g.RelatedID, g.RelatedTable))
	if err != nil {
		return nil, fmt.Errorf("failed to create pending grant: %w", err)
	}
	return created, nil
}

// GetByID retrieves a grant without locking it.
func (r *PendingGrantRepository) GetByID(ctx context.Context, id int64) (*model.PendingGrant, error) {
	query := fmt.Sprintf(`SELECT %s FROM pending_grants WHERE id = $1`, grantColumns)

	g, err := scanGrant(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get pending grant: %w", err)
	}
	return g, nil
}

// GetForUpdate locks a grant row for the enclosing transaction.
func (r *PendingGrantRepository) GetForUpdate(ctx context.Context, q Querier, id int64) (*model.PendingGrant, error) {
	query := fmt.Sprintf(`SELECT %s FROM pending_grants WHERE id = $1 FOR UPDATE`, grantColumns)

	g, err := scanGrant(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to lock pending grant: %w", err)
	}
	return g, nil
}

// Consume reduces a locked grant's remaining amount, flipping its status to
// confirmed when nothing is left. The caller must hold the row lock.
func (r *PendingGrantRepository) Consume(ctx context.Context, q Querier, id int64, amount int64) (*model.PendingGrant, error) {
	query := fmt.Sprintf(`
		UPDATE pending_grants
		SET remaining = remaining - $2,
		    status = CASE WHEN remaining - $2 = 0 THEN 'confirmed' ELSE status END,
		    confirmed_at = CASE WHEN remaining - $2 = 0 THEN NOW() ELSE confirmed_at END
		WHERE id = $1
		RETURNING %s
	`, grantColumns)

	g, err := scanGrant(q.QueryRow(ctx, query, id, amount))
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending grant: %w", err)
	}
	return g, nil
}

// MarkExpired flips a locked grant to expired.
func (r *PendingGrantRepository) MarkExpired(ctx context.Context, q Querier, id int64) (*model.PendingGrant, error) {
	query := fmt.Sprintf(`
		UPDATE pending_grants
		SET status = 'expired', remaining = 0
		WHERE id = $1
		RETURNING %s
	`, grantColumns)

	g, err := scanGrant(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to expire pending grant: %w", err)
	}
	return g, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"booking-points-service/internal/model"
)

const balanceColumns = `user_id, regular_point_balance, bonus_point_balance,
	pending_point_balance, total_point_balance, last_updated`

// BalanceRepository handles point balance persistence.
type BalanceRepository struct {
	pool *pgxpool.Pool
}

// NewBalanceRepository creates a new BalanceRepository instance.
func NewBalanceRepository(pool *pgxpool.Pool) *BalanceRepository {
	return &BalanceRepository{pool: pool}
}

func scanBalance(row pgx.Row) (*model.PointBalance, error) {
	var b model.PointBalance
	err := row.Scan(
		&b.UserID,
		&b.RegularPointBalance,
		&b.BonusPointBalance,
		&b.PendingPointBalance,
		&b.TotalPointBalance,
		&b.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Get retrieves a user's balance row.
// Returns ErrBalanceNotFound if the user has never earned or spent points.
func (r *BalanceRepository) Get(ctx context.Context, userID int64) (*model.PointBalance, error) {
	query := fmt.Sprintf(`SELECT %s FROM point_balances WHERE user_id = $1`, balanceColumns)

	b, err := scanBalance(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBalanceNotFound
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

// GetForUpdate locks the user's balance row for the duration of the
// enclosing transaction, creating a zero-initialized row first if the user
// has none yet. Every balance mutation goes through this lock, so two
// concurrent writers for the same user serialize at the database.
func (r *BalanceRepository) GetForUpdate(ctx context.Context, q Querier, userID int64) (*model.PointBalance, error) {
	_, err := q.Exec(ctx, `
		INSERT INTO point_balances (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to init balance: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM point_balances WHERE user_id = $1 FOR UPDATE`, balanceColumns)

	b, err := scanBalance(q.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}
	return b, nil
}

// Save writes all buckets of a locked balance row back.
// The caller must hold the row lock taken by GetForUpdate.
func (r *BalanceRepository) Save(ctx context.Context, q Querier, b *model.PointBalance) (*model.PointBalance, error) {
	query := fmt.Sprintf(`
		UPDATE point_balances
		SET regular_point_balance = $2,
		    bonus_point_balance = $3,
		    pending_point_balance = $4,
		    total_point_balance = $5,
		    last_updated = NOW()
		WHERE user_id = $1
		RETURNING %s
	`, balanceColumns)

	saved, err := scanBalance(q.QueryRow(ctx, query,
		b.UserID,
		b.RegularPointBalance,
		b.BonusPointBalance,
		b.PendingPointBalance,
		b.TotalPointBalance,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to save balance: %w", err)
	}
	return saved, nil
}

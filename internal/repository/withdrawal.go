package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"booking-points-service/internal/model"
)

const withdrawalColumns = `id, cast_id, amount, regular_amount, bonus_amount, status,
	requested_at, approved_at, paid_at, rejected_at, cancelled_at,
	point_transaction_id, admin_memo`

// WithdrawalRepository handles cast withdrawal request persistence.
type WithdrawalRepository struct {
	pool *pgxpool.Pool
}

// NewWithdrawalRepository creates a new WithdrawalRepository instance.
func NewWithdrawalRepository(pool *pgxpool.Pool) *WithdrawalRepository {
	return &WithdrawalRepository{pool: pool}
}

func scanWithdrawal(row pgx.Row) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	err := row.Scan(
		&w.ID,
		&w.CastID,
		&w.Amount,
		&w.RegularAmount,
		&w.BonusAmount,
		&w.Status,
		&w.RequestedAt,
		&w.ApprovedAt,
		&w.PaidAt,
		&w.RejectedAt,
		&w.CancelledAt,
		&w.PointTransactionID,
		&w.AdminMemo,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Create inserts a new pending withdrawal request.
func (r *WithdrawalRepository) Create(ctx context.Context, q Querier, w *model.WithdrawalRequest) (*model.WithdrawalRequest, error) {
	query := fmt.Sprintf(`
		INSERT INTO withdrawal_requests
			(cast_id, amount, regular_amount, bonus_amount, status, admin_memo)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		RETURNING %s
	`, withdrawalColumns)

	created, err := scanWithdrawal(q.QueryRow(ctx, query,
		w.CastID, w.Amount, w.RegularAmount, w.BonusAmount, w.AdminMemo))
	if err != nil {
		return nil, fmt.Errorf("failed to create withdrawal request: %w", err)
	}
	return created, nil
}

// LinkTransaction attaches the debit point transaction to the request.
func (r *WithdrawalRepository) LinkTransaction(ctx context.Context, q Querier, id, transactionID int64) error {
	const query = `
		UPDATE withdrawal_requests SET point_transaction_id = $2 WHERE id = $1
	`

	if _, err := q.Exec(ctx, query, id, transactionID); err != nil {
		return fmt.Errorf("failed to link withdrawal transaction: %w", err)
	}
	return nil
}

// GetByID retrieves a withdrawal request.
func (r *WithdrawalRepository) GetByID(ctx context.Context, id int64) (*model.WithdrawalRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM withdrawal_requests WHERE id = $1`, withdrawalColumns)

	w, err := scanWithdrawal(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("failed to get withdrawal request: %w", err)
	}
	return w, nil
}

// GetForUpdate locks a withdrawal request row for a status transition.
func (r *WithdrawalRepository) GetForUpdate(ctx context.Context, q Querier, id int64) (*model.WithdrawalRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, withdrawalColumns)

	w, err := scanWithdrawal(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("failed to lock withdrawal request: %w", err)
	}
	return w, nil
}

// SetStatus updates the request status and stamps the matching timestamp
// column. The caller must hold the row lock and have validated the
// transition.
func (r *WithdrawalRepository) SetStatus(ctx context.Context, q Querier, id int64, status string) (*model.WithdrawalRequest, error) {
	query := fmt.Sprintf(`
		UPDATE withdrawal_requests
		SET status = $2,
		    approved_at = CASE WHEN $2 = 'approved' THEN NOW() ELSE approved_at END,
		    paid_at = CASE WHEN $2 = 'paid' THEN NOW() ELSE paid_at END,
		    rejected_at = CASE WHEN $2 = 'rejected' THEN NOW() ELSE rejected_at END,
		    cancelled_at = CASE WHEN $2 = 'cancelled' THEN NOW() ELSE cancelled_at END
		WHERE id = $1
		RETURNING %s
	`, withdrawalColumns)

	w, err := scanWithdrawal(q.QueryRow(ctx, query, id, status))
	if err != nil {
		return nil, fmt.Errorf("failed to set withdrawal status: %w", err)
	}
	return w, nil
}

// ListByCast retrieves a cast's withdrawal requests, newest first.
func (r *WithdrawalRepository) ListByCast(ctx context.Context, castID int64, limit, offset int) ([]*model.WithdrawalRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM withdrawal_requests
		WHERE cast_id = $1
		ORDER BY requested_at DESC
		LIMIT $2 OFFSET $3
	`, withdrawalColumns)

	rows, err := r.pool.Query(ctx, query, castID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawal requests: %w", err)
	}
	defer rows.Close()

	var requests []*model.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal request: %w", err)
		}
		requests = append(requests, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating withdrawal requests: %w", err)
	}

	return requests, nil
}

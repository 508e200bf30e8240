package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"booking-points-service/internal/model"
)

// TransactionRepository handles the append-only point transaction log.
// Rows are only ever inserted; history and audit queries read them back.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository creates a new TransactionRepository instance.
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

// Create appends one transaction row. The caller supplies balance_after as
// observed under the balance row lock, so the per-user delta chain stays
// consistent with commit order.
func (r *TransactionRepository) Create(ctx context.Context, q Querier, tx *model.PointTransaction) (*model.PointTransaction, error) {
	const query = `
		INSERT INTO point_transactions
			(user_id, rule_id, transaction_type, point_change, point_source,
			 balance_after, related_id, related_table, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		tx.UserID,
		tx.RuleID,
		tx.TransactionType,
		tx.PointChange,
		tx.PointSource,
		tx.BalanceAfter,
		tx.RelatedID,
		tx.RelatedTable,
		tx.Description,
	).Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create point transaction: %w", err)
	}

	return tx, nil
}

// History retrieves a user's transactions newer than since, newest first,
// joined with the rule description for display, plus the total row count
// for the window.
func (r *TransactionRepository) History(ctx context.Context, userID int64, since time.Time, limit, offset int) ([]*model.HistoryEntry, int64, error) {
	const countQuery = `
		SELECT COUNT(*)
		FROM point_transactions
		WHERE user_id = $1 AND created_at >= $2
	`

	var total int64
	if err := r.pool.QueryRow(ctx, countQuery, userID, since).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count history: %w", err)
	}

	const query = `
		SELECT t.id, t.user_id, t.rule_id, t.transaction_type, t.point_change,
		       t.point_source, t.balance_after, t.related_id, t.related_table,
		       t.description, t.created_at,
		       COALESCE(r.rule_description, '') AS rule_description
		FROM point_transactions t
		LEFT JOIN point_rules r ON t.rule_id = r.id
		WHERE t.user_id = $1 AND t.created_at >= $2
		ORDER BY t.id DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.pool.Query(ctx, query, userID, since, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var entries []*model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.RuleID,
			&e.TransactionType,
			&e.PointChange,
			&e.PointSource,
			&e.BalanceAfter,
			&e.RelatedID,
			&e.RelatedTable,
			&e.Description,
			&e.CreatedAt,
			&e.RuleDescription,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating history: %w", err)
	}

	return entries, total, nil
}

// GetByUserID retrieves a user's transactions in id order (oldest first).
// Used by reconciliation and tests to replay the delta chain.
func (r *TransactionRepository) GetByUserID(ctx context.Context, userID int64) ([]*model.PointTransaction, error) {
	const query = `
		SELECT id, user_id, rule_id, transaction_type, point_change, point_source,
		       balance_after, related_id, related_table, description, created_at
		FROM point_transactions
		WHERE user_id = $1
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*model.PointTransaction
	for rows.Next() {
		var tx model.PointTransaction
		err := rows.Scan(
			&tx.ID,
			&tx.UserID,
			&tx.RuleID,
			&tx.TransactionType,
			&tx.PointChange,
			&tx.PointSource,
			&tx.BalanceAfter,
			&tx.RelatedID,
			&tx.RelatedTable,
			&tx.Description,
			&tx.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, &tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return transactions, nil
}

// SumPointChanges returns the sum of all deltas logged for a user.
// A user's balance total must always equal this sum.
func (r *TransactionRepository) SumPointChanges(ctx context.Context, userID int64) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(point_change), 0)
		FROM point_transactions
		WHERE user_id = $1
	`

	var sum int64
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum point changes: %w", err)
	}
	return sum, nil
}

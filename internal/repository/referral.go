package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"booking-points-service/internal/model"
)

const trackingColumns = `id, inviter_user_id, invited_user_id, display_number,
	total_earned_point, pending_grant_id, created_at`

// ReferralRepository handles referral codes and invite trackings.
type ReferralRepository struct {
	pool *pgxpool.Pool
}

// NewReferralRepository creates a new ReferralRepository instance.
func NewReferralRepository(pool *pgxpool.Pool) *ReferralRepository {
	return &ReferralRepository{pool: pool}
}

// CreateCode registers a user's invitation code.
func (r *ReferralRepository) CreateCode(ctx context.Context, code string, userID int64) error {
	const query = `
		INSERT INTO referral_codes (code, user_id) VALUES ($1, $2)
	`

	if _, err := r.pool.Exec(ctx, query, code, userID); err != nil {
		return fmt.Errorf("failed to create referral code: %w", err)
	}
	return nil
}

// ResolveCode returns the user id owning an invitation code.
// Returns ErrCodeNotFound for unknown codes.
func (r *ReferralRepository) ResolveCode(ctx context.Context, q Querier, code string) (int64, error) {
	const query = `SELECT user_id FROM referral_codes WHERE code = $1`

	var userID int64
	err := q.QueryRow(ctx, query, code).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrCodeNotFound
		}
		return 0, fmt.Errorf("failed to resolve referral code: %w", err)
	}
	return userID, nil
}

func scanTracking(row pgx.Row) (*model.InviteTracking, error) {
	var t model.InviteTracking
	err := row.Scan(
		&t.ID,
		&t.InviterUserID,
		&t.InvitedUserID,
		&t.DisplayNumber,
		&t.TotalEarnedPoint,
		&t.PendingGrantID,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// LockInviter takes a transaction-scoped advisory lock on the inviter so
// concurrent signups cannot read the same tracking count.
func (r *ReferralRepository) LockInviter(ctx context.Context, q Querier, inviterID int64) error {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, inviterID); err != nil {
		return fmt.Errorf("failed to lock inviter: %w", err)
	}
	return nil
}

// CountByInviter returns how many invite trackings an inviter already has.
// Used to assign the next display number.
func (r *ReferralRepository) CountByInviter(ctx context.Context, q Querier, inviterID int64) (int, error) {
	const query = `
		SELECT COUNT(*) FROM user_invite_trackings WHERE inviter_user_id = $1
	`

	var count int
	if err := q.QueryRow(ctx, query, inviterID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count invite trackings: %w", err)
	}
	return count, nil
}

// CreateTracking inserts one referrer/referred pair.
func (r *ReferralRepository) CreateTracking(ctx context.Context, q Querier, t *model.InviteTracking) (*model.InviteTracking, error) {
	query := fmt.Sprintf(`
		INSERT INTO user_invite_trackings
			(inviter_user_id, invited_user_id, display_number, total_earned_point, pending_grant_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING %s
	`, trackingColumns)

	created, err := scanTracking(q.QueryRow(ctx, query,
		t.InviterUserID, t.InvitedUserID, t.DisplayNumber, t.TotalEarnedPoint, t.PendingGrantID))
	if err != nil {
		return nil, fmt.Errorf("failed to create invite tracking: %w", err)
	}
	return created, nil
}

// GetByInvitedUserForUpdate locks the tracking row for an invited user.
// The milestone hook holds this lock while confirming the linked grant so a
// retried attendance event cannot confirm twice.
func (r *ReferralRepository) GetByInvitedUserForUpdate(ctx context.Context, q Querier, invitedUserID int64) (*model.InviteTracking, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM user_invite_trackings WHERE invited_user_id = $1 FOR UPDATE
	`, trackingColumns)

	t, err := scanTracking(q.QueryRow(ctx, query, invitedUserID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTrackingNotFound
		}
		return nil, fmt.Errorf("failed to lock invite tracking: %w", err)
	}
	return t, nil
}

// AddEarnedPoints accumulates confirmed referral points on a tracking row.
func (r *ReferralRepository) AddEarnedPoints(ctx context.Context, q Querier, id int64, amount int64) error {
	const query = `
		UPDATE user_invite_trackings
		SET total_earned_point = total_earned_point + $2
		WHERE id = $1
	`

	if _, err := q.Exec(ctx, query, id, amount); err != nil {
		return fmt.Errorf("failed to add earned points: %w", err)
	}
	return nil
}

// ListByInviter retrieves an inviter's trackings in display order.
func (r *ReferralRepository) ListByInviter(ctx context.Context, inviterID int64) ([]*model.InviteTracking, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM user_invite_trackings
		WHERE inviter_user_id = $1
		ORDER BY display_number
	`, trackingColumns)

	rows, err := r.pool.Query(ctx, query, inviterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invite trackings: %w", err)
	}
	defer rows.Close()

	var trackings []*model.InviteTracking
	for rows.Next() {
		t, err := scanTracking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invite tracking: %w", err)
		}
		trackings = append(trackings, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invite trackings: %w", err)
	}

	return trackings, nil
}

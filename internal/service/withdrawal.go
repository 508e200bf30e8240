package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"booking-points-service/internal/model"
	"booking-points-service/internal/pkg/lock"
	"booking-points-service/internal/repository"
)

// Withdrawal workflow errors.
var (
	ErrBelowMinimumWithdrawal  = errors.New("withdrawal amount below minimum")
	ErrEmptyWithdrawal         = errors.New("withdrawal request has no amount")
	ErrWithdrawalNotFound      = errors.New("withdrawal request not found")
	ErrInvalidStatusTransition = errors.New("invalid withdrawal status transition")
)

// WithdrawalInput carries a cast's payout request. Each bucket is requested
// independently; a zero bucket is simply not part of the request.
type WithdrawalInput struct {
	RegularAmount int64
	BonusAmount   int64
	Memo          *string
}

// WithdrawalService handles cast payout requests. Points are debited up
// front when the request is created; a rejected or cancelled request
// refunds the same per-bucket split.
type WithdrawalService struct {
	pool        *pgxpool.Pool
	minAmount   int64
	balances    *repository.BalanceRepository
	txs         *repository.TransactionRepository
	withdrawals *repository.WithdrawalRepository
	userLock    *lock.UserLock
}

// NewWithdrawalService creates a new WithdrawalService instance.
func NewWithdrawalService(
	pool *pgxpool.Pool,
	minAmount int64,
	balances *repository.BalanceRepository,
	txs *repository.TransactionRepository,
	withdrawals *repository.WithdrawalRepository,
	userLock *lock.UserLock,
) *WithdrawalService {
	return &WithdrawalService{
		pool:        pool,
		minAmount:   minAmount,
		balances:    balances,
		txs:         txs,
		withdrawals: withdrawals,
		userLock:    userLock,
	}
}

// Create files a payout request and debits the requested buckets in one
// transaction. Each requested bucket must meet the configured minimum and
// be covered by that bucket's balance. The per-cast lock serializes
// concurrent requests before any database work.
func (s *WithdrawalService) Create(ctx context.Context, castID int64, input WithdrawalInput) (*model.WithdrawalRequest, error) {
	if input.RegularAmount < 0 || input.BonusAmount < 0 {
		return nil, fmt.Errorf("%w: negative bucket amount", ErrBelowMinimumWithdrawal)
	}
	if input.RegularAmount == 0 && input.BonusAmount == 0 {
		return nil, ErrEmptyWithdrawal
	}
	if input.RegularAmount > 0 && input.RegularAmount < s.minAmount {
		return nil, fmt.Errorf("%w: regular %d < %d", ErrBelowMinimumWithdrawal, input.RegularAmount, s.minAmount)
	}
	if input.BonusAmount > 0 && input.BonusAmount < s.minAmount {
		return nil, fmt.Errorf("%w: bonus %d < %d", ErrBelowMinimumWithdrawal, input.BonusAmount, s.minAmount)
	}

	var request *model.WithdrawalRequest
	err := s.userLock.WithLock(castID, func() error {
		return inTx(ctx, s.pool, func(tx pgx.Tx) error {
			balance, err := s.balances.GetForUpdate(ctx, tx, castID)
			if err != nil {
				return err
			}
			if balance.RegularPointBalance < input.RegularAmount {
				return fmt.Errorf("%w: regular need %d, have %d",
					ErrInsufficientBalance, input.RegularAmount, balance.RegularPointBalance)
			}
			if balance.BonusPointBalance < input.BonusAmount {
				return fmt.Errorf("%w: bonus need %d, have %d",
					ErrInsufficientBalance, input.BonusAmount, balance.BonusPointBalance)
			}

			balance.RegularPointBalance -= input.RegularAmount
			balance.BonusPointBalance -= input.BonusAmount
			balance.TotalPointBalance = balance.RegularPointBalance +
				balance.BonusPointBalance + balance.PendingPointBalance

			saved, err := s.balances.Save(ctx, tx, balance)
			if err != nil {
				return err
			}

			request, err = s.withdrawals.Create(ctx, tx, &model.WithdrawalRequest{
				CastID:        castID,
				Amount:        input.RegularAmount + input.BonusAmount,
				RegularAmount: input.RegularAmount,
				BonusAmount:   input.BonusAmount,
				AdminMemo:     input.Memo,
			})
			if err != nil {
				return err
			}

			firstTxID, err := s.logBuckets(ctx, tx, request, saved.TotalPointBalance,
				model.TxTypeWithdrawalRequest, -input.RegularAmount, -input.BonusAmount)
			if err != nil {
				return err
			}
			if err := s.withdrawals.LinkTransaction(ctx, tx, request.ID, firstTxID); err != nil {
				return err
			}
			request.PointTransactionID = &firstTxID
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("cast_id", castID).
		Int64("withdrawal_id", request.ID).
		Int64("regular", input.RegularAmount).
		Int64("bonus", input.BonusAmount).
		Msg("Withdrawal request created")

	return request, nil
}

// logBuckets appends one transaction row per non-zero bucket delta.
// finalBalance is the total after both deltas; the rows are chained so
// replaying them lands on it exactly. Returns the first row's id.
func (s *WithdrawalService) logBuckets(ctx context.Context, tx pgx.Tx, w *model.WithdrawalRequest, finalBalance int64, txType string, regularDelta, bonusDelta int64) (int64, error) {
	table := "withdrawal"
	var firstTxID int64

	running := finalBalance - bonusDelta
	if regularDelta != 0 {
		entry := &model.PointTransaction{
			UserID:          w.CastID,
			TransactionType: txType,
			PointChange:     regularDelta,
			PointSource:     model.SourceRegular,
			BalanceAfter:    running,
			RelatedID:       &w.ID,
			RelatedTable:    &table,
		}
		if _, err := s.txs.Create(ctx, tx, entry); err != nil {
			return 0, err
		}
		firstTxID = entry.ID
	}
	if bonusDelta != 0 {
		entry := &model.PointTransaction{
			UserID:          w.CastID,
			TransactionType: txType,
			PointChange:     bonusDelta,
			PointSource:     model.SourceBonus,
			BalanceAfter:    finalBalance,
			RelatedID:       &w.ID,
			RelatedTable:    &table,
		}
		if _, err := s.txs.Create(ctx, tx, entry); err != nil {
			return 0, err
		}
		if firstTxID == 0 {
			firstTxID = entry.ID
		}
	}
	return firstTxID, nil
}

// ListByCast returns a cast's withdrawal requests, newest first.
func (s *WithdrawalService) ListByCast(ctx context.Context, castID int64, limit, offset int) ([]*model.WithdrawalRequest, error) {
	return s.withdrawals.ListByCast(ctx, castID, limit, offset)
}

// GetByID returns one withdrawal request.
func (s *WithdrawalService) GetByID(ctx context.Context, id int64) (*model.WithdrawalRequest, error) {
	w, err := s.withdrawals.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrWithdrawalNotFound) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return w, nil
}

// Approve moves a pending request to approved.
func (s *WithdrawalService) Approve(ctx context.Context, id int64) (*model.WithdrawalRequest, error) {
	return s.transition(ctx, id, model.WithdrawalStatusApproved, model.WithdrawalStatusPending)
}

// MarkPaid moves an approved request to paid.
func (s *WithdrawalService) MarkPaid(ctx context.Context, id int64) (*model.WithdrawalRequest, error) {
	return s.transition(ctx, id, model.WithdrawalStatusPaid, model.WithdrawalStatusApproved)
}

// Reject moves a pending request to rejected and refunds the debited buckets.
func (s *WithdrawalService) Reject(ctx context.Context, id int64) (*model.WithdrawalRequest, error) {
	return s.refundTransition(ctx, id, model.WithdrawalStatusRejected)
}

// Cancel moves a pending request to cancelled and refunds the debited
// buckets. Casts may cancel their own requests before approval.
func (s *WithdrawalService) Cancel(ctx context.Context, id int64) (*model.WithdrawalRequest, error) {
	return s.refundTransition(ctx, id, model.WithdrawalStatusCancelled)
}

// transition applies a pure status change under the request row lock.
func (s *WithdrawalService) transition(ctx context.Context, id int64, to string, from ...string) (*model.WithdrawalRequest, error) {
	var updated *model.WithdrawalRequest
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		w, err := s.withdrawals.GetForUpdate(ctx, tx, id)
		if err != nil {
			if errors.Is(err, repository.ErrWithdrawalNotFound) {
				return ErrWithdrawalNotFound
			}
			return err
		}
		if !statusIn(w.Status, from) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, w.Status, to)
		}
		updated, err = s.withdrawals.SetStatus(ctx, tx, id, to)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("withdrawal_id", id).
		Str("status", to).
		Msg("Withdrawal status updated")

	return updated, nil
}

// refundTransition moves a pending request to a terminal refunding status
// and returns the debited points to their original buckets, all in one
// transaction.
func (s *WithdrawalService) refundTransition(ctx context.Context, id int64, to string) (*model.WithdrawalRequest, error) {
	var updated *model.WithdrawalRequest
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		w, err := s.withdrawals.GetForUpdate(ctx, tx, id)
		if err != nil {
			if errors.Is(err, repository.ErrWithdrawalNotFound) {
				return ErrWithdrawalNotFound
			}
			return err
		}
		if w.Status != model.WithdrawalStatusPending {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, w.Status, to)
		}

		balance, err := s.balances.GetForUpdate(ctx, tx, w.CastID)
		if err != nil {
			return err
		}
		balance.RegularPointBalance += w.RegularAmount
		balance.BonusPointBalance += w.BonusAmount
		balance.TotalPointBalance = balance.RegularPointBalance +
			balance.BonusPointBalance + balance.PendingPointBalance

		saved, err := s.balances.Save(ctx, tx, balance)
		if err != nil {
			return err
		}

		if _, err := s.logBuckets(ctx, tx, w, saved.TotalPointBalance,
			model.TxTypeWithdrawalRefund, w.RegularAmount, w.BonusAmount); err != nil {
			return err
		}

		updated, err = s.withdrawals.SetStatus(ctx, tx, id, to)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("withdrawal_id", id).
		Int64("cast_id", updated.CastID).
		Str("status", to).
		Int64("refunded", updated.Amount).
		Msg("Withdrawal refunded")

	return updated, nil
}

func statusIn(status string, allowed []string) bool {
	for _, s := range allowed {
		if status == s {
			return true
		}
	}
	return false
}

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"booking-points-service/internal/model"
	"booking-points-service/internal/repository"
)

// Pending workflow errors.
var (
	ErrGrantNotFound       = errors.New("pending grant not found")
	ErrGrantNotConfirmable = errors.New("pending grant is not confirmable")
	ErrGrantExhausted      = errors.New("confirmation exceeds remaining grant amount")
	ErrInvalidGrantAmount  = errors.New("grant amount must be positive")
	ErrInvalidGrantSource  = errors.New("grant point source must be regular or bonus")
)

// GrantOpts carries optional attributes for a pending grant.
type GrantOpts struct {
	Description  *string
	RuleID       *int64
	RelatedID    *int64
	RelatedTable *string
}

// PendingService implements the two-phase pending-points workflow: a grant
// promises points into the pending bucket; a later confirmation moves them
// into a spendable bucket against the same grant record, which caps how
// much can ever be confirmed.
type PendingService struct {
	pool     *pgxpool.Pool
	balances *repository.BalanceRepository
	txs      *repository.TransactionRepository
	grants   *repository.PendingGrantRepository
}

// NewPendingService creates a new PendingService instance.
func NewPendingService(
	pool *pgxpool.Pool,
	balances *repository.BalanceRepository,
	txs *repository.TransactionRepository,
	grants *repository.PendingGrantRepository,
) *PendingService {
	return &PendingService{
		pool:     pool,
		balances: balances,
		txs:      txs,
		grants:   grants,
	}
}

// Grant promises amount points to a user. Only the pending bucket and the
// total grow; the points are not spendable until confirmed. pointSource
// names the bucket the points will land in on confirmation.
func (s *PendingService) Grant(ctx context.Context, userID, amount int64, pointSource string, opts GrantOpts) (*model.PointBalance, *model.PendingGrant, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidGrantAmount
	}
	if pointSource != model.SourceRegular && pointSource != model.SourceBonus {
		return nil, nil, ErrInvalidGrantSource
	}

	var (
		balance *model.PointBalance
		grant   *model.PendingGrant
	)
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		balance, grant, err = s.grantTx(ctx, tx, userID, amount, pointSource, opts)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	log.Info().
		Int64("user_id", userID).
		Int64("amount", amount).
		Int64("grant_id", grant.ID).
		Msg("Pending points granted")

	return balance, grant, nil
}

func (s *PendingService) grantTx(ctx context.Context, tx pgx.Tx, userID, amount int64, pointSource string, opts GrantOpts) (*model.PointBalance, *model.PendingGrant, error) {
	balance, err := s.balances.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, nil, err
	}

	balance.PendingPointBalance += amount
	balance.TotalPointBalance = balance.RegularPointBalance +
		balance.BonusPointBalance + balance.PendingPointBalance

	saved, err := s.balances.Save(ctx, tx, balance)
	if err != nil {
		return nil, nil, err
	}

	grant, err := s.grants.Create(ctx, tx, &model.PendingGrant{
		UserID:       userID,
		Amount:       amount,
		PointSource:  pointSource,
		RuleID:       opts.RuleID,
		RelatedID:    opts.RelatedID,
		RelatedTable: opts.RelatedTable,
	})
	if err != nil {
		return nil, nil, err
	}

	grantTable := "pending_grant"
	_, err = s.txs.Create(ctx, tx, &model.PointTransaction{
		UserID:          userID,
		RuleID:          opts.RuleID,
		TransactionType: model.TxTypeReferralBonusPending,
		PointChange:     amount,
		PointSource:     model.SourcePending,
		BalanceAfter:    saved.TotalPointBalance,
		RelatedID:       &grant.ID,
		RelatedTable:    &grantTable,
		Description:     opts.Description,
	})
	if err != nil {
		return nil, nil, err
	}

	return saved, grant, nil
}

// Confirm moves amount points out of the pending bucket into the grant's
// target bucket. The total balance does not change; the log records the
// bucket move as a debit/credit pair so replaying deltas stays exact.
// Confirming more than the grant's remaining amount is rejected.
func (s *PendingService) Confirm(ctx context.Context, grantID, amount int64, opts GrantOpts) (*model.PointBalance, error) {
	if amount <= 0 {
		return nil, ErrInvalidGrantAmount
	}

	var balance *model.PointBalance
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		balance, err = s.confirmTx(ctx, tx, grantID, amount, opts)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("grant_id", grantID).
		Int64("amount", amount).
		Msg("Pending points confirmed")

	return balance, nil
}

func (s *PendingService) confirmTx(ctx context.Context, tx pgx.Tx, grantID, amount int64, opts GrantOpts) (*model.PointBalance, error) {
	grant, err := s.grants.GetForUpdate(ctx, tx, grantID)
	if err != nil {
		if errors.Is(err, repository.ErrGrantNotFound) {
			return nil, ErrGrantNotFound
		}
		return nil, err
	}
	if grant.Status != model.GrantStatusPending {
		return nil, fmt.Errorf("%w: status %s", ErrGrantNotConfirmable, grant.Status)
	}
	if amount > grant.Remaining {
		return nil, fmt.Errorf("%w: remaining %d, requested %d",
			ErrGrantExhausted, grant.Remaining, amount)
	}

	balance, err := s.balances.GetForUpdate(ctx, tx, grant.UserID)
	if err != nil {
		return nil, err
	}

	balance.PendingPointBalance -= amount
	if grant.PointSource == model.SourceBonus {
		balance.BonusPointBalance += amount
	} else {
		balance.RegularPointBalance += amount
	}
	balance.TotalPointBalance = balance.RegularPointBalance +
		balance.BonusPointBalance + balance.PendingPointBalance

	saved, err := s.balances.Save(ctx, tx, balance)
	if err != nil {
		return nil, err
	}

	if _, err := s.grants.Consume(ctx, tx, grantID, amount); err != nil {
		return nil, err
	}

	// The bucket move nets to zero, logged as a pending debit followed by
	// a credit so the per-row delta chain reconciles.
	grantTable := "pending_grant"
	_, err = s.txs.Create(ctx, tx, &model.PointTransaction{
		UserID:          grant.UserID,
		RuleID:          opts.RuleID,
		TransactionType: model.TxTypeReferralBonusCompleted,
		PointChange:     -amount,
		PointSource:     model.SourcePending,
		BalanceAfter:    saved.TotalPointBalance - amount,
		RelatedID:       &grant.ID,
		RelatedTable:    &grantTable,
		Description:     opts.Description,
	})
	if err != nil {
		return nil, err
	}
	_, err = s.txs.Create(ctx, tx, &model.PointTransaction{
		UserID:          grant.UserID,
		RuleID:          opts.RuleID,
		TransactionType: model.TxTypeReferralBonusCompleted,
		PointChange:     amount,
		PointSource:     grant.PointSource,
		BalanceAfter:    saved.TotalPointBalance,
		RelatedID:       &grant.ID,
		RelatedTable:    &grantTable,
		Description:     opts.Description,
	})
	if err != nil {
		return nil, err
	}

	return saved, nil
}

// Expire cancels the unconfirmed remainder of a grant, reversing it out of
// the pending bucket and the total.
func (s *PendingService) Expire(ctx context.Context, grantID int64) (*model.PointBalance, error) {
	var balance *model.PointBalance
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		grant, err := s.grants.GetForUpdate(ctx, tx, grantID)
		if err != nil {
			if errors.Is(err, repository.ErrGrantNotFound) {
				return ErrGrantNotFound
			}
			return err
		}
		if grant.Status != model.GrantStatusPending {
			return fmt.Errorf("%w: status %s", ErrGrantNotConfirmable, grant.Status)
		}

		balance, err = s.balances.GetForUpdate(ctx, tx, grant.UserID)
		if err != nil {
			return err
		}

		balance.PendingPointBalance -= grant.Remaining
		balance.TotalPointBalance = balance.RegularPointBalance +
			balance.BonusPointBalance + balance.PendingPointBalance

		balance, err = s.balances.Save(ctx, tx, balance)
		if err != nil {
			return err
		}

		if _, err := s.grants.MarkExpired(ctx, tx, grantID); err != nil {
			return err
		}

		grantTable := "pending_grant"
		_, err = s.txs.Create(ctx, tx, &model.PointTransaction{
			UserID:          grant.UserID,
			RuleID:          grant.RuleID,
			TransactionType: model.TxTypeReferralBonusExpired,
			PointChange:     -grant.Remaining,
			PointSource:     model.SourcePending,
			BalanceAfter:    balance.TotalPointBalance,
			RelatedID:       &grant.ID,
			RelatedTable:    &grantTable,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().Int64("grant_id", grantID).Msg("Pending grant expired")
	return balance, nil
}

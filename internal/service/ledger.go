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

// Common errors for ledger operations.
var (
	ErrRuleNotFound              = errors.New("point rule not found")
	ErrRuleInactive              = errors.New("point rule is inactive")
	ErrInvalidPointType          = errors.New("rule point type cannot be credited directly")
	ErrInsufficientRegularPoints = errors.New("insufficient regular points")
	ErrInsufficientBalance       = errors.New("insufficient balance")
)

// ApplyVars carries caller-supplied overrides for one rule application.
type ApplyVars struct {
	// Amount overrides the rule's default point value when set.
	Amount *int64
	// ReservationID links the logged transaction to a reservation.
	ReservationID *int64
	// RelatedID/RelatedTable link the transaction to any other entity.
	// Ignored when ReservationID is set.
	RelatedID    *int64
	RelatedTable *string
	Description  *string
	// TransactionType overrides the rule's transaction type. A pinned type
	// on the rule itself still wins.
	TransactionType *string
}

// ApplyResult reports one committed rule application.
type ApplyResult struct {
	PointChange   int64
	NewBalance    int64
	TransactionID int64
	Balance       *model.PointBalance
}

// LedgerService is the rule application engine. It resolves a named rule,
// mutates the account's balance under a row lock, and appends the
// transaction log entry, all inside one database transaction.
//
// The engine is not idempotent: applying the same logical event twice
// double-applies. Webhook-facing callers deduplicate first (PurchaseService
// folds the dedup marker into the same transaction).
type LedgerService struct {
	pool     *pgxpool.Pool
	rules    *repository.RuleRepository
	balances *repository.BalanceRepository
	txs      *repository.TransactionRepository
}

// NewLedgerService creates a new LedgerService instance.
func NewLedgerService(
	pool *pgxpool.Pool,
	rules *repository.RuleRepository,
	balances *repository.BalanceRepository,
	txs *repository.TransactionRepository,
) *LedgerService {
	return &LedgerService{
		pool:     pool,
		rules:    rules,
		balances: balances,
		txs:      txs,
	}
}

// ApplyRule applies the named rule to a user's balance as one atomic unit.
// On any failure nothing is persisted; persistence failures are safe to
// retry as a whole.
func (s *LedgerService) ApplyRule(ctx context.Context, userID int64, ruleName string, vars ApplyVars) (*ApplyResult, error) {
	var result *ApplyResult
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		result, err = s.applyTx(ctx, tx, userID, ruleName, vars)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("user_id", userID).
		Str("rule", ruleName).
		Int64("point_change", result.PointChange).
		Int64("new_balance", result.NewBalance).
		Int64("transaction_id", result.TransactionID).
		Msg("Point rule applied")

	return result, nil
}

// applyTx runs the rule application inside the caller's transaction, so
// other services can compose it with their own writes (dedup markers,
// reward guards) in a single atomic unit.
func (s *LedgerService) applyTx(ctx context.Context, tx pgx.Tx, userID int64, ruleName string, vars ApplyVars) (*ApplyResult, error) {
	rule, err := s.rules.GetByName(ctx, tx, ruleName)
	if err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleName)
		}
		return nil, err
	}
	if !rule.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrRuleInactive, ruleName)
	}

	balance, err := s.balances.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	magnitude := rule.PointValue
	if vars.Amount != nil {
		magnitude = *vars.Amount
	}

	var pointChange int64
	if rule.IsAddition {
		pointChange, err = credit(balance, rule.PointType, magnitude)
	} else {
		pointChange, err = debit(balance, rule.DeductionPolicy, magnitude)
	}
	if err != nil {
		return nil, err
	}
	balance.TotalPointBalance = balance.RegularPointBalance +
		balance.BonusPointBalance + balance.PendingPointBalance

	saved, err := s.balances.Save(ctx, tx, balance)
	if err != nil {
		return nil, err
	}

	entry := &model.PointTransaction{
		UserID:          userID,
		RuleID:          &rule.ID,
		TransactionType: recordedTransactionType(rule, vars.TransactionType),
		PointChange:     pointChange,
		PointSource:     rule.PointType,
		BalanceAfter:    saved.TotalPointBalance,
		Description:     vars.Description,
	}
	if vars.ReservationID != nil {
		entry.RelatedID = vars.ReservationID
		table := "reservation"
		entry.RelatedTable = &table
	} else {
		entry.RelatedID = vars.RelatedID
		entry.RelatedTable = vars.RelatedTable
	}

	if _, err := s.txs.Create(ctx, tx, entry); err != nil {
		return nil, err
	}

	return &ApplyResult{
		PointChange:   pointChange,
		NewBalance:    saved.TotalPointBalance,
		TransactionID: entry.ID,
		Balance:       saved,
	}, nil
}

// credit adds magnitude to the bucket named by pointType.
// Returns the signed delta applied.
func credit(b *model.PointBalance, pointType string, magnitude int64) (int64, error) {
	switch pointType {
	case model.SourceRegular:
		b.RegularPointBalance += magnitude
	case model.SourceBonus:
		b.BonusPointBalance += magnitude
	default:
		// Pending credits go through the pending workflow, never a plain
		// addition rule.
		return 0, fmt.Errorf("%w: %s", ErrInvalidPointType, pointType)
	}
	return magnitude, nil
}

// debit removes abs(magnitude) from the balance according to the rule's
// deduction policy. Both policies fail closed: an insufficient balance
// leaves the buckets untouched.
func debit(b *model.PointBalance, policy string, magnitude int64) (int64, error) {
	amount := magnitude
	if amount < 0 {
		amount = -amount
	}

	switch policy {
	case model.DeductRegularOnly:
		if b.RegularPointBalance < amount {
			return 0, fmt.Errorf("%w: need %d, have %d",
				ErrInsufficientRegularPoints, amount, b.RegularPointBalance)
		}
		b.RegularPointBalance -= amount
	default: // bonus_first
		fromBonus, fromRegular, err := splitBonusFirst(b.BonusPointBalance, b.RegularPointBalance, amount)
		if err != nil {
			return 0, err
		}
		b.BonusPointBalance -= fromBonus
		b.RegularPointBalance -= fromRegular
	}
	return -amount, nil
}

// splitBonusFirst computes the bonus-first deduction split: bonus points up
// to their balance, the remainder from regular points.
func splitBonusFirst(bonus, regular, amount int64) (fromBonus, fromRegular int64, err error) {
	if bonus+regular < amount {
		return 0, 0, fmt.Errorf("%w: need %d, have %d",
			ErrInsufficientBalance, amount, bonus+regular)
	}
	fromBonus = amount
	if bonus < amount {
		fromBonus = bonus
	}
	return fromBonus, amount - fromBonus, nil
}

// recordedTransactionType resolves the transaction type written to the log:
// a type pinned on the rule always wins, then the caller's override, then
// the rule's own type.
func recordedTransactionType(rule *model.PointRule, override *string) string {
	if rule.PinnedTransactionType != nil && *rule.PinnedTransactionType != "" {
		return *rule.PinnedTransactionType
	}
	if override != nil && *override != "" {
		return *override
	}
	return rule.TransactionType
}

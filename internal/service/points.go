package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"booking-points-service/internal/model"
	"booking-points-service/internal/repository"
)

// HistoryPage is one page of a user's transaction history.
type HistoryPage struct {
	Entries []*model.HistoryEntry
	Total   int64
	Limit   int
	Offset  int
}

// PointsService is the read and admin surface over the ledger: balance
// lookups, history pages, and rule management.
type PointsService struct {
	windowDays  int
	pageSize    int
	balances    *repository.BalanceRepository
	txs         *repository.TransactionRepository
	rules       *repository.RuleRepository
}

// NewPointsService creates a new PointsService instance.
func NewPointsService(
	windowDays int,
	pageSize int,
	balances *repository.BalanceRepository,
	txs *repository.TransactionRepository,
	rules *repository.RuleRepository,
) *PointsService {
	return &PointsService{
		windowDays: windowDays,
		pageSize:   pageSize,
		balances:   balances,
		txs:        txs,
		rules:      rules,
	}
}

// GetBalance returns a user's balance. Users without a balance row get an
// all-zero balance rather than an error.
func (s *PointsService) GetBalance(ctx context.Context, userID int64) (*model.PointBalance, error) {
	balance, err := s.balances.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotFound) {
			return &model.PointBalance{UserID: userID, LastUpdated: time.Now()}, nil
		}
		return nil, err
	}
	return balance, nil
}

// GetHistory returns a page of the user's transactions within the
// configured window, newest first. A non-positive limit falls back to the
// configured page size.
func (s *PointsService) GetHistory(ctx context.Context, userID int64, limit, offset int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	if offset < 0 {
		offset = 0
	}
	since := time.Now().AddDate(0, 0, -s.windowDays)

	entries, total, err := s.txs.History(ctx, userID, since, limit, offset)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{
		Entries: entries,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	}, nil
}

// ListRules returns all rules, active or not, for the admin surface.
func (s *PointsService) ListRules(ctx context.Context) ([]*model.PointRule, error) {
	return s.rules.List(ctx)
}

// UpdateRule patches a rule's description, value, or active flag. The
// change is never retroactive: logged transactions keep the values they
// were written with.
func (s *PointsService) UpdateRule(ctx context.Context, id int64, patch repository.RulePatch) (*model.PointRule, error) {
	rule, err := s.rules.Update(ctx, id, patch)
	if err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}

	log.Info().
		Int64("rule_id", rule.ID).
		Str("rule", rule.RuleName).
		Int64("point_value", rule.PointValue).
		Bool("is_active", rule.IsActive).
		Msg("Point rule updated")

	return rule, nil
}

// Reconcile replays a user's transaction log and compares the summed
// deltas against the stored total. Used by audit tooling and tests.
func (s *PointsService) Reconcile(ctx context.Context, userID int64) (bool, int64, int64, error) {
	sum, err := s.txs.SumPointChanges(ctx, userID)
	if err != nil {
		return false, 0, 0, err
	}
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return false, 0, 0, err
	}
	return sum == balance.TotalPointBalance, sum, balance.TotalPointBalance, nil
}

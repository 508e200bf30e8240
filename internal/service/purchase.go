package service

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"booking-points-service/internal/model"
	"booking-points-service/internal/repository"
)

// Purchase webhook errors.
var (
	ErrDuplicateEvent        = errors.New("payment event already processed")
	ErrInvalidPurchaseAmount = errors.New("purchase amount must be positive")
)

// PurchaseService handles successful payment events from the payment
// provider's webhook. The dedup marker and the point grant share one
// database transaction, so a retried webhook can never credit twice and a
// recorded event can never be missing its points.
type PurchaseService struct {
	pool   *pgxpool.Pool
	ledger *LedgerService
	events *repository.EventRepository
}

// NewPurchaseService creates a new PurchaseService instance.
func NewPurchaseService(pool *pgxpool.Pool, ledger *LedgerService, events *repository.EventRepository) *PurchaseService {
	return &PurchaseService{
		pool:   pool,
		ledger: ledger,
		events: events,
	}
}

// ProcessPurchaseEvent credits purchased points for a payment event.
// Returns ErrDuplicateEvent when the event id was seen before; the ledger
// is not touched in that case.
func (s *PurchaseService) ProcessPurchaseEvent(ctx context.Context, eventID string, userID, amount int64) (*ApplyResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidPurchaseAmount
	}

	var result *ApplyResult
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		markerID, inserted, err := s.events.MarkProcessed(ctx, tx, eventID, userID)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrDuplicateEvent
		}

		result, err = s.ledger.applyTx(ctx, tx, userID, model.RulePurchase, ApplyVars{
			Amount: &amount,
		})
		if err != nil {
			return err
		}

		return s.events.LinkTransaction(ctx, tx, markerID, result.TransactionID)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			log.Info().Str("event_id", eventID).Msg("Duplicate payment event ignored")
		}
		return nil, err
	}

	log.Info().
		Str("event_id", eventID).
		Int64("user_id", userID).
		Int64("amount", amount).
		Msg("Purchase event processed")

	return result, nil
}

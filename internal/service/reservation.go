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

// Reservation trigger errors.
var (
	ErrAlreadyRewarded          = errors.New("reservation already rewarded")
	ErrInvalidReservationAmount = errors.New("reservation amount must be positive")
)

// InsufficientPointsError reports how many points a customer is short for a
// reservation, so the caller can surface an actionable top-up message.
type InsufficientPointsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: need %d, have %d (short %d)",
		e.Required, e.Available, e.Shortfall())
}

// Shortfall returns how many points are missing.
func (e *InsufficientPointsError) Shortfall() int64 {
	return e.Required - e.Available
}

// Is lets callers match the error against ErrInsufficientRegularPoints.
func (e *InsufficientPointsError) Is(target error) bool {
	return target == ErrInsufficientRegularPoints
}

// ReservationHooks is the boundary the booking state machine calls into:
// confirmation debits the customer, completion credits the cast once.
type ReservationHooks struct {
	pool     *pgxpool.Pool
	ledger   *LedgerService
	balances *repository.BalanceRepository
}

// NewReservationHooks creates a new ReservationHooks instance.
func NewReservationHooks(pool *pgxpool.Pool, ledger *LedgerService, balances *repository.BalanceRepository) *ReservationHooks {
	return &ReservationHooks{
		pool:     pool,
		ledger:   ledger,
		balances: balances,
	}
}

// OnConfirmed charges the customer for a confirmed reservation. Only
// regular points pay for reservations; bonus points are never drawn on. An
// insufficient balance fails the whole confirmation with the shortfall.
func (h *ReservationHooks) OnConfirmed(ctx context.Context, reservationID, customerID, totalPoints int64) (*ApplyResult, error) {
	if totalPoints <= 0 {
		return nil, ErrInvalidReservationAmount
	}

	// Pre-check so the caller gets the shortfall without consuming a rule
	// application; the engine re-checks under the row lock.
	balance, err := h.balances.Get(ctx, customerID)
	available := int64(0)
	if err == nil {
		available = balance.RegularPointBalance
	} else if !errors.Is(err, repository.ErrBalanceNotFound) {
		return nil, err
	}
	if available < totalPoints {
		return nil, &InsufficientPointsError{Required: totalPoints, Available: available}
	}

	desc := fmt.Sprintf("Point payment for reservation %d", reservationID)
	result, err := h.ledger.ApplyRule(ctx, customerID, model.RuleReservationPayment, ApplyVars{
		Amount:        &totalPoints,
		ReservationID: &reservationID,
		Description:   &desc,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientRegularPoints) {
			// Balance changed between the pre-check and the lock.
			return nil, &InsufficientPointsError{Required: totalPoints, Available: available}
		}
		return nil, err
	}

	log.Info().
		Int64("reservation_id", reservationID).
		Int64("customer_id", customerID).
		Int64("points", totalPoints).
		Msg("Reservation payment collected")

	return result, nil
}

// OnCompleted credits the cast's reward for a completed reservation.
// The reward guard row and the credit commit together, so a replayed
// completion event returns ErrAlreadyRewarded and changes nothing.
func (h *ReservationHooks) OnCompleted(ctx context.Context, reservationID, castID, rewardPoints int64) (*ApplyResult, error) {
	if rewardPoints <= 0 {
		return nil, ErrInvalidReservationAmount
	}

	var result *ApplyResult
	err := inTx(ctx, h.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO reservation_rewards (reservation_id, cast_id)
			VALUES ($1, $2)
			ON CONFLICT (reservation_id) DO NOTHING
		`, reservationID, castID)
		if err != nil {
			return fmt.Errorf("failed to insert reward guard: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyRewarded
		}

		txType := model.TxTypeReservationPayment
		result, err = h.ledger.applyTx(ctx, tx, castID, model.RuleCastReward, ApplyVars{
			Amount:          &rewardPoints,
			ReservationID:   &reservationID,
			TransactionType: &txType,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("reservation_id", reservationID).
		Int64("cast_id", castID).
		Int64("points", rewardPoints).
		Msg("Cast reward granted")

	return result, nil
}

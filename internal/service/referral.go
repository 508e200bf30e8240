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

// Referral hook errors.
var (
	ErrNoReferrer       = errors.New("no referrer for user")
	ErrAlreadyConfirmed = errors.New("referral bonus already confirmed")
)

// ReferralService implements the referral hooks: a tracked signup promises
// the referrer a pending bonus, and the referred user's first attendance
// confirms it.
type ReferralService struct {
	pool      *pgxpool.Pool
	rules     *repository.RuleRepository
	referrals *repository.ReferralRepository
	grants    *repository.PendingGrantRepository
	pending   *PendingService
}

// NewReferralService creates a new ReferralService instance.
func NewReferralService(
	pool *pgxpool.Pool,
	rules *repository.RuleRepository,
	referrals *repository.ReferralRepository,
	grants *repository.PendingGrantRepository,
	pending *PendingService,
) *ReferralService {
	return &ReferralService{
		pool:      pool,
		rules:     rules,
		referrals: referrals,
		grants:    grants,
		pending:   pending,
	}
}

// RegisterSignup records that invitedUserID signed up through trackingCode.
// When the code resolves to a referrer and an active signup rule exists,
// the referrer is granted the rule's pending bonus; the tracking row keeps
// the grant id so the milestone hook can confirm exactly that grant.
// An unknown code is not an error: the signup simply isn't tracked.
func (s *ReferralService) RegisterSignup(ctx context.Context, invitedUserID int64, trackingCode string) (*model.InviteTracking, error) {
	inviterID, err := s.referrals.ResolveCode(ctx, s.pool, trackingCode)
	if err != nil {
		if errors.Is(err, repository.ErrCodeNotFound) {
			log.Warn().
				Int64("invited_user_id", invitedUserID).
				Str("tracking_code", trackingCode).
				Msg("Referral signup skipped: unknown tracking code")
			return nil, nil
		}
		return nil, err
	}

	var tracking *model.InviteTracking
	err = inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.referrals.LockInviter(ctx, tx, inviterID); err != nil {
			return err
		}
		displayNumber, err := s.referrals.CountByInviter(ctx, tx, inviterID)
		if err != nil {
			return err
		}

		var grantID *int64
		rule, err := s.rules.GetByEventTypeAndTarget(ctx, tx,
			model.EventUserRegisteredByReferral, model.TargetReferrer)
		switch {
		case err == nil:
			desc := fmt.Sprintf("%s (referrer)", rule.RuleName)
			userTable := "user"
			_, grant, err := s.pending.grantTx(ctx, tx, inviterID, rule.PointValue, rule.PointType, GrantOpts{
				Description:  &desc,
				RuleID:       &rule.ID,
				RelatedID:    &invitedUserID,
				RelatedTable: &userTable,
			})
			if err != nil {
				return err
			}
			grantID = &grant.ID
		case errors.Is(err, repository.ErrRuleNotFound):
			// No active signup rule; track the referral without a bonus.
		default:
			return err
		}

		tracking, err = s.referrals.CreateTracking(ctx, tx, &model.InviteTracking{
			InviterUserID:  inviterID,
			InvitedUserID:  invitedUserID,
			DisplayNumber:  displayNumber,
			PendingGrantID: grantID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("inviter_user_id", inviterID).
		Int64("invited_user_id", invitedUserID).
		Int("display_number", tracking.DisplayNumber).
		Msg("Referral signup tracked")

	return tracking, nil
}

// RegisterFirstAttendance confirms the referrer's pending bonus when the
// referred user reaches their first attendance. The tracking row lock makes
// a replayed milestone event fail with ErrAlreadyConfirmed instead of
// confirming twice.
func (s *ReferralService) RegisterFirstAttendance(ctx context.Context, attendedUserID int64) (*model.PointBalance, error) {
	var balance *model.PointBalance
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		tracking, err := s.referrals.GetByInvitedUserForUpdate(ctx, tx, attendedUserID)
		if err != nil {
			if errors.Is(err, repository.ErrTrackingNotFound) {
				return ErrNoReferrer
			}
			return err
		}
		if tracking.PendingGrantID == nil {
			return ErrNoReferrer
		}

		grant, err := s.grants.GetForUpdate(ctx, tx, *tracking.PendingGrantID)
		if err != nil {
			return err
		}
		if grant.Status != model.GrantStatusPending {
			return ErrAlreadyConfirmed
		}

		desc := "Referral bonus confirmed (first attendance)"
		balance, err = s.pending.confirmTx(ctx, tx, grant.ID, grant.Remaining, GrantOpts{
			Description: &desc,
			RuleID:      grant.RuleID,
		})
		if err != nil {
			return err
		}

		return s.referrals.AddEarnedPoints(ctx, tx, tracking.ID, grant.Remaining)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("attended_user_id", attendedUserID).
		Msg("Referral bonus confirmed")

	return balance, nil
}

// ListInvitees returns an inviter's tracked referrals in display order.
func (s *ReferralService) ListInvitees(ctx context.Context, inviterID int64) ([]*model.InviteTracking, error) {
	return s.referrals.ListByInviter(ctx, inviterID)
}

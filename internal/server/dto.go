package server

import (
	"time"

	"booking-points-service/internal/model"
)

// ErrorResponse is the JSON body for all error statuses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// BalanceResponse mirrors a point_balances row.
type BalanceResponse struct {
	UserID              int64     `json:"user_id"`
	RegularPointBalance int64     `json:"regular_point_balance"`
	BonusPointBalance   int64     `json:"bonus_point_balance"`
	PendingPointBalance int64     `json:"pending_point_balance"`
	TotalPointBalance   int64     `json:"total_point_balance"`
	LastUpdated         time.Time `json:"last_updated"`
}

func toBalanceResponse(b *model.PointBalance) BalanceResponse {
	return BalanceResponse{
		UserID:              b.UserID,
		RegularPointBalance: b.RegularPointBalance,
		BonusPointBalance:   b.BonusPointBalance,
		PendingPointBalance: b.PendingPointBalance,
		TotalPointBalance:   b.TotalPointBalance,
		LastUpdated:         b.LastUpdated,
	}
}

// HistoryEntryDTO is one transaction row joined with its rule description.
type HistoryEntryDTO struct {
	ID              int64     `json:"id"`
	TransactionType string    `json:"transaction_type"`
	PointChange     int64     `json:"point_change"`
	PointSource     string    `json:"point_source"`
	BalanceAfter    int64     `json:"balance_after"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
}

// HistoryResponse is one page of history.
type HistoryResponse struct {
	Entries []HistoryEntryDTO `json:"entries"`
	Total   int64             `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// RuleResponse mirrors a point_rules row for the admin surface.
type RuleResponse struct {
	ID              int64  `json:"id"`
	RuleName        string `json:"rule_name"`
	RuleDescription string `json:"rule_description"`
	EventType       string `json:"event_type"`
	TargetUserType  string `json:"target_user_type"`
	TransactionType string `json:"transaction_type"`
	PointType       string `json:"point_type"`
	PointValue      int64  `json:"point_value"`
	IsAddition      bool   `json:"is_addition"`
	IsActive        bool   `json:"is_active"`
	DeductionPolicy string `json:"deduction_policy"`
}

func toRuleResponse(r *model.PointRule) RuleResponse {
	return RuleResponse{
		ID:              r.ID,
		RuleName:        r.RuleName,
		RuleDescription: r.RuleDescription,
		EventType:       r.EventType,
		TargetUserType:  r.TargetUserType,
		TransactionType: r.TransactionType,
		PointType:       r.PointType,
		PointValue:      r.PointValue,
		IsAddition:      r.IsAddition,
		IsActive:        r.IsActive,
		DeductionPolicy: r.DeductionPolicy,
	}
}

// UpdateRuleRequest carries the admin-editable rule fields. Omitted fields
// are left unchanged.
type UpdateRuleRequest struct {
	RuleDescription *string `json:"rule_description"`
	PointValue      *int64  `json:"point_value"`
	IsActive        *bool   `json:"is_active"`
}

// PurchaseWebhookRequest is the payment provider's completed-purchase event.
type PurchaseWebhookRequest struct {
	EventID string `json:"event_id"`
	UserID  int64  `json:"user_id"`
	Amount  int64  `json:"amount"`
}

// PurchaseWebhookResponse acknowledges the event. Duplicate deliveries get
// a 200 with Duplicate set, so the provider stops retrying.
type PurchaseWebhookResponse struct {
	Duplicate     bool  `json:"duplicate"`
	PointChange   int64 `json:"point_change,omitempty"`
	NewBalance    int64 `json:"new_balance,omitempty"`
	TransactionID int64 `json:"transaction_id,omitempty"`
}

// ApplyResponse reports one committed rule application.
type ApplyResponse struct {
	PointChange   int64 `json:"point_change"`
	NewBalance    int64 `json:"new_balance"`
	TransactionID int64 `json:"transaction_id"`
}

// ReferralSignupRequest registers a referred user at signup time.
type ReferralSignupRequest struct {
	InvitedUserID int64  `json:"invited_user_id"`
	TrackingCode  string `json:"tracking_code"`
}

// ReferralSignupResponse reports the created tracking row, if any. A signup
// with an unknown code is not an error; ReferrerFound is just false.
type ReferralSignupResponse struct {
	ReferrerFound  bool   `json:"referrer_found"`
	InviterUserID  int64  `json:"inviter_user_id,omitempty"`
	DisplayNumber  int    `json:"display_number,omitempty"`
	PendingGrantID *int64 `json:"pending_grant_id,omitempty"`
}

// ReferralAttendanceRequest reports a referred user's first attendance.
type ReferralAttendanceRequest struct {
	UserID int64 `json:"user_id"`
}

// InviteeDTO is one referred user for the inviter's display list.
type InviteeDTO struct {
	InvitedUserID    int64     `json:"invited_user_id"`
	DisplayNumber    int       `json:"display_number"`
	TotalEarnedPoint int64     `json:"total_earned_point"`
	CreatedAt        time.Time `json:"created_at"`
}

// ReservationConfirmRequest charges the customer for a confirmed reservation.
type ReservationConfirmRequest struct {
	CustomerID  int64 `json:"customer_id"`
	TotalPoints int64 `json:"total_points"`
}

// ReservationCompleteRequest rewards the cast for a completed reservation.
type ReservationCompleteRequest struct {
	CastID       int64 `json:"cast_id"`
	RewardPoints int64 `json:"reward_points"`
}

// CreateWithdrawalRequest files a cast payout request.
type CreateWithdrawalRequest struct {
	CastID        int64   `json:"cast_id"`
	RegularAmount int64   `json:"regular_amount"`
	BonusAmount   int64   `json:"bonus_amount"`
	Memo          *string `json:"memo"`
}

// WithdrawalResponse mirrors a withdrawal_requests row.
type WithdrawalResponse struct {
	ID            int64      `json:"id"`
	CastID        int64      `json:"cast_id"`
	Amount        int64      `json:"amount"`
	RegularAmount int64      `json:"regular_amount"`
	BonusAmount   int64      `json:"bonus_amount"`
	Status        string     `json:"status"`
	RequestedAt   time.Time  `json:"requested_at"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	RejectedAt    *time.Time `json:"rejected_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
}

func toWithdrawalResponse(w *model.WithdrawalRequest) WithdrawalResponse {
	return WithdrawalResponse{
		ID:            w.ID,
		CastID:        w.CastID,
		Amount:        w.Amount,
		RegularAmount: w.RegularAmount,
		BonusAmount:   w.BonusAmount,
		Status:        w.Status,
		RequestedAt:   w.RequestedAt,
		ApprovedAt:    w.ApprovedAt,
		PaidAt:        w.PaidAt,
		RejectedAt:    w.RejectedAt,
		CancelledAt:   w.CancelledAt,
	}
}

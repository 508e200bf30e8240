// Package model defines the data models for the booking points service.
package model

import "time"

// Point source buckets. Every balance mutation touches exactly one bucket.
const (
	SourceRegular = "regular" // earned/purchased points, freely spendable
	SourceBonus   = "bonus"   // promotional points, consumed first in generic debits
	SourcePending = "pending" // provisional points awaiting confirmation
)

// ValidSource reports whether s names a known balance bucket.
func ValidSource(s string) bool {
	return s == SourceRegular || s == SourceBonus || s == SourcePending
}

// PointBalance holds a user's per-bucket point balances.
// The row is created lazily on first mutation and is only ever written by
// the ledger engine, the pending workflow, or the withdrawal workflow.
// Invariant: TotalPointBalance == Regular + Bonus + Pending after every commit.
type PointBalance struct {
	UserID              int64     `db:"user_id"`
	RegularPointBalance int64     `db:"regular_point_balance"`
	BonusPointBalance   int64     `db:"bonus_point_balance"`
	PendingPointBalance int64     `db:"pending_point_balance"`
	TotalPointBalance   int64     `db:"total_point_balance"`
	LastUpdated         time.Time `db:"last_updated"`
}

// Deduction policies carried on a rule. They replace per-rule-name branches
// in the engine: new debit behaviors are added as policies, not code edits.
const (
	DeductBonusFirst  = "bonus_first"  // bonus bucket first, remainder from regular
	DeductRegularOnly = "regular_only" // regular bucket only, fail if short
)

// PointRule is a named policy record describing one point mutation:
// its direction, target bucket, default magnitude, and debit behavior.
// Rules referenced by logged transactions are never deleted, only disabled.
type PointRule struct {
	ID                    int64     `db:"id"`
	RuleName              string    `db:"rule_name"`
	RuleDescription       string    `db:"rule_description"`
	EventType             string    `db:"event_type"`
	TargetUserType        string    `db:"target_user_type"`
	TransactionType       string    `db:"transaction_type"`
	PointType             string    `db:"point_type"`
	PointValue            int64     `db:"point_value"`
	IsAddition            bool      `db:"is_addition"`
	IsActive              bool      `db:"is_active"`
	DeductionPolicy       string    `db:"deduction_policy"`
	PinnedTransactionType *string   `db:"pinned_transaction_type"`
	CreatedAt             time.Time `db:"created_at"`
	UpdatedAt             time.Time `db:"updated_at"`
}

// PointTransaction is one immutable row of the balance history.
// BalanceAfter snapshots the total balance immediately after the delta,
// so replaying a user's rows in id order reproduces the final balance.
type PointTransaction struct {
	ID              int64     `db:"id"`
	UserID          int64     `db:"user_id"`
	RuleID          *int64    `db:"rule_id"`
	TransactionType string    `db:"transaction_type"`
	PointChange     int64     `db:"point_change"`
	PointSource     string    `db:"point_source"`
	BalanceAfter    int64     `db:"balance_after"`
	RelatedID       *int64    `db:"related_id"`
	RelatedTable    *string   `db:"related_table"`
	Description     *string   `db:"description"`
	CreatedAt       time.Time `db:"created_at"`
}

// HistoryEntry is a transaction joined with its rule's description for display.
type HistoryEntry struct {
	PointTransaction
	RuleDescription string
}

// Transaction types written into the point_transactions log.
const (
	TxTypeBuyin                  = "buyin"                    // point purchase via payment webhook
	TxTypeDeposit                = "deposit"                  // reservation payment debit
	TxTypeReservationPayment     = "reservation_payment"      // cast reward credit on completion
	TxTypeReferralBonusPending   = "referral_bonus_pending"   // pending referral grant
	TxTypeReferralBonusCompleted = "referral_bonus_completed" // pending-to-confirmed conversion
	TxTypeReferralBonusExpired   = "referral_bonus_expired"   // pending grant reversal
	TxTypeWithdrawalRequest      = "withdrawal_request"       // payout debit
	TxTypeWithdrawalRefund       = "withdrawal_refund"        // rejected/cancelled payout refund
)

// Rule names seeded by migration.
const (
	RulePurchase           = "purchase"
	RuleReservationPayment = "reservation_payment"
	RuleCastReward         = "cast_reward"
	RuleReferralSignup     = "referral_signup_bonus"
	RuleReferralMilestone  = "referral_milestone_bonus"
)

// Referral event types matched against point_rules.event_type.
const (
	EventUserRegisteredByReferral = "user_registered_by_referral"
	EventReferredFirstAttendance  = "referred_user_first_attendance"
)

// Target user types classifying which actor a rule applies to.
const (
	TargetReferrer = "referrer"
	TargetReferred = "referred"
	TargetSelf     = "self"
	TargetOther    = "other"
)

// Pending grant statuses.
const (
	GrantStatusPending   = "pending"
	GrantStatusConfirmed = "confirmed"
	GrantStatusExpired   = "expired"
)

// PendingGrant links a specific pending-point grant to its eventual
// confirmation, so a grant can never be confirmed twice or for more than
// was promised.
type PendingGrant struct {
	ID           int64      `db:"id"`
	UserID       int64      `db:"user_id"`
	Amount       int64      `db:"amount"`
	Remaining    int64      `db:"remaining"`
	PointSource  string     `db:"point_source"`
	Status       string     `db:"status"`
	RuleID       *int64     `db:"rule_id"`
	RelatedID    *int64     `db:"related_id"`
	RelatedTable *string    `db:"related_table"`
	CreatedAt    time.Time  `db:"created_at"`
	ConfirmedAt  *time.Time `db:"confirmed_at"`
}

// ProcessedEvent marks an external payment event as handled. The insert
// shares a database transaction with the point grant it guards, so the
// marker and the grant commit or roll back together.
type ProcessedEvent struct {
	ID            int64     `db:"id"`
	EventID       string    `db:"event_id"`
	UserID        *int64    `db:"user_id"`
	TransactionID *int64    `db:"transaction_id"`
	Description   *string   `db:"description"`
	ProcessedAt   time.Time `db:"processed_at"`
}

// Withdrawal request statuses.
const (
	WithdrawalStatusPending   = "pending"
	WithdrawalStatusApproved  = "approved"
	WithdrawalStatusPaid      = "paid"
	WithdrawalStatusRejected  = "rejected"
	WithdrawalStatusCancelled = "cancelled"
)

// WithdrawalRequest is a cast's payout request. The requested amount is
// split across the regular and bonus buckets and debited up front; a
// rejected or cancelled request refunds the same split.
type WithdrawalRequest struct {
	ID                 int64      `db:"id"`
	CastID             int64      `db:"cast_id"`
	Amount             int64      `db:"amount"`
	RegularAmount      int64      `db:"regular_amount"`
	BonusAmount        int64      `db:"bonus_amount"`
	Status             string     `db:"status"`
	RequestedAt        time.Time  `db:"requested_at"`
	ApprovedAt         *time.Time `db:"approved_at"`
	PaidAt             *time.Time `db:"paid_at"`
	RejectedAt         *time.Time `db:"rejected_at"`
	CancelledAt        *time.Time `db:"cancelled_at"`
	PointTransactionID *int64     `db:"point_transaction_id"`
	AdminMemo          *string    `db:"admin_memo"`
}

// ReferralCode maps a user's invitation code to the user, used to resolve
// the referrer from a referred user's stored tracking code.
type ReferralCode struct {
	Code      string    `db:"code"`
	UserID    int64     `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
}

// InviteTracking records one referrer/referred pair. PendingGrantID points
// at the grant promised at signup; the milestone hook confirms that grant
// and accumulates TotalEarnedPoint.
type InviteTracking struct {
	ID               int64     `db:"id"`
	InviterUserID    int64     `db:"inviter_user_id"`
	InvitedUserID    int64     `db:"invited_user_id"`
	DisplayNumber    int       `db:"display_number"`
	TotalEarnedPoint int64     `db:"total_earned_point"`
	PendingGrantID   *int64    `db:"pending_grant_id"`
	CreatedAt        time.Time `db:"created_at"`
}

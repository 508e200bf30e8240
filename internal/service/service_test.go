// Integration tests for the ledger and its workflows, against a real
// PostgreSQL container.
package service

import (
	"context"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"booking-points-service/internal/model"
	"booking-points-service/internal/pkg/db"
	"booking-points-service/internal/pkg/lock"
	"booking-points-service/internal/repository"
)

func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	err = db.Migrate(ctx, pool)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}

	return pool, cleanup
}

// services bundles everything wired against one test database.
type services struct {
	balances     *repository.BalanceRepository
	rules        *repository.RuleRepository
	txs          *repository.TransactionRepository
	ledger       *LedgerService
	pending      *PendingService
	purchases    *PurchaseService
	reservation  *ReservationHooks
	referrals    *ReferralService
	withdrawals  *WithdrawalService
	referralRepo *repository.ReferralRepository
}

func newServices(pool *pgxpool.Pool) *services {
	balances := repository.NewBalanceRepository(pool)
	rules := repository.NewRuleRepository(pool)
	txs := repository.NewTransactionRepository(pool)
	grants := repository.NewPendingGrantRepository(pool)
	events := repository.NewEventRepository(pool)
	withdrawalRepo := repository.NewWithdrawalRepository(pool)
	referralRepo := repository.NewReferralRepository(pool)

	ledger := NewLedgerService(pool, rules, balances, txs)
	pending := NewPendingService(pool, balances, txs, grants)

	return &services{
		balances:     balances,
		rules:        rules,
		txs:          txs,
		ledger:       ledger,
		pending:      pending,
		purchases:    NewPurchaseService(pool, ledger, events),
		reservation:  NewReservationHooks(pool, ledger, balances),
		referrals:    NewReferralService(pool, rules, referralRepo, grants, pending),
		withdrawals:  NewWithdrawalService(pool, 10000, balances, txs, withdrawalRepo, lock.NewUserLock()),
		referralRepo: referralRepo,
	}
}

// seedBalance writes a balance row directly, for tests that don't care
// about the transaction log.
func seedBalance(t *testing.T, s *services, userID, regular, bonus int64) {
	t.Helper()
	ctx := context.Background()
	b, err := s.balances.GetForUpdate(ctx, poolOf(t, s), userID)
	require.NoError(t, err)
	b.RegularPointBalance = regular
	b.BonusPointBalance = bonus
	b.TotalPointBalance = regular + bonus + b.PendingPointBalance
	_, err = s.balances.Save(ctx, poolOf(t, s), b)
	require.NoError(t, err)
}

// poolOf exposes the ledger's pool to seed helpers.
func poolOf(t *testing.T, s *services) *pgxpool.Pool {
	t.Helper()
	return s.ledger.pool
}

// ============================================================================
// Purchase webhook
// ============================================================================

func TestPurchaseService_ProcessPurchaseEvent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	result, err := s.purchases.ProcessPurchaseEvent(ctx, "evt_1", 42, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), result.PointChange)
	assert.Equal(t, int64(5000), result.NewBalance)

	balance, err := s.balances.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance.RegularPointBalance)
	assert.Equal(t, int64(5000), balance.TotalPointBalance)

	// The purchase rule pins the logged type to buyin
	txs, err := s.txs.GetByUserID(ctx, 42)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TxTypeBuyin, txs[0].TransactionType)
	assert.Equal(t, model.SourceRegular, txs[0].PointSource)
	assert.Equal(t, int64(5000), txs[0].BalanceAfter)
}

func TestPurchaseService_DuplicateEvent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	_, err := s.purchases.ProcessPurchaseEvent(ctx, "evt_dup", 42, 5000)
	require.NoError(t, err)

	_, err = s.purchases.ProcessPurchaseEvent(ctx, "evt_dup", 42, 5000)
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	// The retry credited nothing
	balance, err := s.balances.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance.TotalPointBalance)

	txs, err := s.txs.GetByUserID(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestPurchaseService_InvalidAmount(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)

	_, err := s.purchases.ProcessPurchaseEvent(context.Background(), "evt_bad", 42, 0)
	assert.ErrorIs(t, err, ErrInvalidPurchaseAmount)
}

// ============================================================================
// Ledger engine
// ============================================================================

func TestLedgerService_InactiveRule(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	rule, err := s.rules.GetByName(ctx, pool, model.RulePurchase)
	require.NoError(t, err)
	inactive := false
	_, err = s.rules.Update(ctx, rule.ID, repository.RulePatch{IsActive: &inactive})
	require.NoError(t, err)

	amount := int64(100)
	_, err = s.ledger.ApplyRule(ctx, 42, model.RulePurchase, ApplyVars{Amount: &amount})
	assert.ErrorIs(t, err, ErrRuleInactive)

	_, err = s.ledger.ApplyRule(ctx, 42, "no_such_rule", ApplyVars{})
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestLedgerService_BonusFirstDeduction(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	// A generic penalty rule deducting bonus points first
	_, err := pool.Exec(ctx, `
		INSERT INTO point_rules
			(rule_name, transaction_type, point_type, point_value, is_addition, deduction_policy)
		VALUES ('penalty', 'manual_adjustment', 'regular', 0, FALSE, 'bonus_first')
	`)
	require.NoError(t, err)

	seedBalance(t, s, 7, 500, 300)

	amount := int64(400)
	result, err := s.ledger.ApplyRule(ctx, 7, "penalty", ApplyVars{Amount: &amount})
	require.NoError(t, err)
	assert.Equal(t, int64(-400), result.PointChange)
	assert.Equal(t, int64(400), result.NewBalance)

	// 300 bonus points drained first, then 100 regular
	assert.Equal(t, int64(0), result.Balance.BonusPointBalance)
	assert.Equal(t, int64(400), result.Balance.RegularPointBalance)
}

func TestLedgerService_BonusFirstInsufficiency(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO point_rules
			(rule_name, transaction_type, point_type, point_value, is_addition, deduction_policy)
		VALUES ('penalty', 'manual_adjustment', 'regular', 0, FALSE, 'bonus_first')
	`)
	require.NoError(t, err)

	seedBalance(t, s, 7, 100, 100)

	amount := int64(300)
	_, err = s.ledger.ApplyRule(ctx, 7, "penalty", ApplyVars{Amount: &amount})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Nothing persisted
	balance, err := s.balances.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance.TotalPointBalance)
	txs, err := s.txs.GetByUserID(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

// TestLedgerService_AtomicityOnLogFailure rejects the transaction-type
// override at the database (it exceeds the column width), so the log insert
// fails after the balance row has already been written. The whole
// application must roll back.
func TestLedgerService_AtomicityOnLogFailure(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	seedBalance(t, s, 11, 1000, 0)

	amount := int64(500)
	oversized := strings.Repeat("x", 60)
	_, err := s.ledger.ApplyRule(ctx, 11, model.RuleCastReward, ApplyVars{
		Amount:          &amount,
		TransactionType: &oversized,
	})
	require.Error(t, err)

	// The credit that succeeded before the failed insert is gone too
	balance, err := s.balances.Get(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.RegularPointBalance)
	assert.Equal(t, int64(1000), balance.TotalPointBalance)
	txs, err := s.txs.GetByUserID(ctx, 11)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestPointsService_ReadIdempotence(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	points := NewPointsService(90, 20, s.balances, s.txs, s.rules)

	_, err := s.purchases.ProcessPurchaseEvent(ctx, "evt_reads_1", 12, 5000)
	require.NoError(t, err)

	first, err := points.GetBalance(ctx, 12)
	require.NoError(t, err)
	second, err := points.GetBalance(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, first.RegularPointBalance, second.RegularPointBalance)
	assert.Equal(t, first.BonusPointBalance, second.BonusPointBalance)
	assert.Equal(t, first.PendingPointBalance, second.PendingPointBalance)
	assert.Equal(t, first.TotalPointBalance, second.TotalPointBalance)

	page1, err := points.GetHistory(ctx, 12, 10, 0)
	require.NoError(t, err)
	page2, err := points.GetHistory(ctx, 12, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, page1.Total, page2.Total)
	require.Len(t, page2.Entries, len(page1.Entries))

	// Reading never appends to the log
	txs, err := s.txs.GetByUserID(ctx, 12)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

// ============================================================================
// Reservation hooks
// ============================================================================

func TestReservationHooks_OnConfirmed(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	seedBalance(t, s, 42, 3000, 0)

	result, err := s.reservation.OnConfirmed(ctx, 555, 42, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(-2000), result.PointChange)
	assert.Equal(t, int64(1000), result.NewBalance)

	// The reservation payment rule pins the logged type to deposit
	txs, err := s.txs.GetByUserID(ctx, 42)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TxTypeDeposit, txs[0].TransactionType)
	require.NotNil(t, txs[0].RelatedID)
	assert.Equal(t, int64(555), *txs[0].RelatedID)
	require.NotNil(t, txs[0].RelatedTable)
	assert.Equal(t, "reservation", *txs[0].RelatedTable)
}

func TestReservationHooks_OnConfirmed_BonusNeverPays(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	// Plenty of bonus points, not enough regular
	seedBalance(t, s, 42, 700, 100000)

	_, err := s.reservation.OnConfirmed(ctx, 555, 42, 1000)
	require.Error(t, err)

	var insufficient *InsufficientPointsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(300), insufficient.Shortfall())
	assert.ErrorIs(t, err, ErrInsufficientRegularPoints)

	// Failed confirmation leaves the balance untouched
	balance, err := s.balances.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance.RegularPointBalance)
	assert.Equal(t, int64(100000), balance.BonusPointBalance)
}

func TestReservationHooks_OnCompleted_Once(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	result, err := s.reservation.OnCompleted(ctx, 555, 9, 1500)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), result.PointChange)

	// Replayed completion event changes nothing
	_, err = s.reservation.OnCompleted(ctx, 555, 9, 1500)
	assert.ErrorIs(t, err, ErrAlreadyRewarded)

	balance, err := s.balances.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), balance.RegularPointBalance)

	txs, err := s.txs.GetByUserID(ctx, 9)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TxTypeReservationPayment, txs[0].TransactionType)
}

// ============================================================================
// Pending points
// ============================================================================

func TestPendingService_GrantConfirmRoundTrip(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	balance, grant, err := s.pending.Grant(ctx, 11, 1000, model.SourceRegular, GrantOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.PendingPointBalance)
	assert.Equal(t, int64(1000), balance.TotalPointBalance)
	assert.Equal(t, int64(0), balance.RegularPointBalance)

	// Confirmation moves the bucket, not the total
	confirmed, err := s.pending.Confirm(ctx, grant.ID, 1000, GrantOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), confirmed.PendingPointBalance)
	assert.Equal(t, int64(1000), confirmed.RegularPointBalance)
	assert.Equal(t, int64(1000), confirmed.TotalPointBalance)

	// A confirmed grant cannot confirm again
	_, err = s.pending.Confirm(ctx, grant.ID, 1, GrantOpts{})
	assert.ErrorIs(t, err, ErrGrantNotConfirmable)
}

func TestPendingService_OverConfirmation(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	_, grant, err := s.pending.Grant(ctx, 11, 1000, model.SourceBonus, GrantOpts{})
	require.NoError(t, err)

	_, err = s.pending.Confirm(ctx, grant.ID, 600, GrantOpts{})
	require.NoError(t, err)

	// Only 400 left on the grant
	_, err = s.pending.Confirm(ctx, grant.ID, 600, GrantOpts{})
	assert.ErrorIs(t, err, ErrGrantExhausted)

	balance, err := s.balances.Get(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance.BonusPointBalance)
	assert.Equal(t, int64(400), balance.PendingPointBalance)
	assert.Equal(t, int64(1000), balance.TotalPointBalance)
}

func TestPendingService_Expire(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	_, grant, err := s.pending.Grant(ctx, 11, 1000, model.SourceRegular, GrantOpts{})
	require.NoError(t, err)

	balance, err := s.pending.Expire(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.PendingPointBalance)
	assert.Equal(t, int64(0), balance.TotalPointBalance)

	_, err = s.pending.Confirm(ctx, grant.ID, 1, GrantOpts{})
	assert.ErrorIs(t, err, ErrGrantNotConfirmable)
}

// ============================================================================
// Referral hooks
// ============================================================================

func TestReferralService_SignupAndAttendance(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	require.NoError(t, s.referralRepo.CreateCode(ctx, "INVITE1", 100))

	tracking, err := s.referrals.RegisterSignup(ctx, 200, "INVITE1")
	require.NoError(t, err)
	require.NotNil(t, tracking)
	assert.Equal(t, int64(100), tracking.InviterUserID)
	assert.Equal(t, 1, tracking.DisplayNumber)
	require.NotNil(t, tracking.PendingGrantID)

	// The signup promised the referrer 1000 pending points
	balance, err := s.balances.Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.PendingPointBalance)
	assert.Equal(t, int64(0), balance.RegularPointBalance)

	// First attendance converts the promise into spendable points
	confirmed, err := s.referrals.RegisterFirstAttendance(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(0), confirmed.PendingPointBalance)
	assert.Equal(t, int64(1000), confirmed.RegularPointBalance)

	invitees, err := s.referrals.ListInvitees(ctx, 100)
	require.NoError(t, err)
	require.Len(t, invitees, 1)
	assert.Equal(t, int64(1000), invitees[0].TotalEarnedPoint)

	// A second attendance report cannot double-pay
	_, err = s.referrals.RegisterFirstAttendance(ctx, 200)
	assert.ErrorIs(t, err, ErrAlreadyConfirmed)
}

func TestReferralService_UnknownCode(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)

	tracking, err := s.referrals.RegisterSignup(context.Background(), 200, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, tracking)
}

func TestReferralService_DisplayNumbersIncrement(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	require.NoError(t, s.referralRepo.CreateCode(ctx, "INVITE1", 100))

	first, err := s.referrals.RegisterSignup(ctx, 201, "INVITE1")
	require.NoError(t, err)
	second, err := s.referrals.RegisterSignup(ctx, 202, "INVITE1")
	require.NoError(t, err)

	assert.Equal(t, 0, first.DisplayNumber)
	assert.Equal(t, 1, second.DisplayNumber)
}

// TestReferralService_ConcurrentSignupsUniqueNumbers signs up several
// invitees for one inviter at once and checks the advisory lock hands out
// distinct display numbers.
func TestReferralService_ConcurrentSignupsUniqueNumbers(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	require.NoError(t, s.referralRepo.CreateCode(ctx, "INVITE9", 300))

	const invitees = 6
	var wg sync.WaitGroup
	errs := make(chan error, invitees)
	for i := 0; i < invitees; i++ {
		wg.Add(1)
		go func(invitedID int64) {
			defer wg.Done()
			_, err := s.referrals.RegisterSignup(ctx, invitedID, "INVITE9")
			errs <- err
		}(int64(301 + i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	trackings, err := s.referralRepo.ListByInviter(ctx, 300)
	require.NoError(t, err)
	require.Len(t, trackings, invitees)

	numbers := make([]int, 0, invitees)
	for _, tr := range trackings {
		numbers = append(numbers, tr.DisplayNumber)
	}
	sort.Ints(numbers)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, numbers)
}

// ============================================================================
// Withdrawals
// ============================================================================

func TestWithdrawalService_Create(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	seedBalance(t, s, 9, 30000, 15000)

	request, err := s.withdrawals.Create(ctx, 9, WithdrawalInput{
		RegularAmount: 20000,
		BonusAmount:   10000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30000), request.Amount)
	assert.Equal(t, model.WithdrawalStatusPending, request.Status)
	require.NotNil(t, request.PointTransactionID)

	// Both buckets were debited up front
	balance, err := s.balances.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance.RegularPointBalance)
	assert.Equal(t, int64(5000), balance.BonusPointBalance)
	assert.Equal(t, int64(15000), balance.TotalPointBalance)

	// One log row per bucket, chained
	txs, err := s.txs.GetByUserID(ctx, 9)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(-20000), txs[0].PointChange)
	assert.Equal(t, model.SourceRegular, txs[0].PointSource)
	assert.Equal(t, int64(25000), txs[0].BalanceAfter)
	assert.Equal(t, int64(-10000), txs[1].PointChange)
	assert.Equal(t, model.SourceBonus, txs[1].PointSource)
	assert.Equal(t, int64(15000), txs[1].BalanceAfter)
}

func TestWithdrawalService_Validation(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	seedBalance(t, s, 9, 30000, 0)

	// Below the per-bucket minimum
	_, err := s.withdrawals.Create(ctx, 9, WithdrawalInput{RegularAmount: 9999})
	assert.ErrorIs(t, err, ErrBelowMinimumWithdrawal)

	// Nothing requested
	_, err = s.withdrawals.Create(ctx, 9, WithdrawalInput{})
	assert.ErrorIs(t, err, ErrEmptyWithdrawal)

	// More than the bucket holds
	_, err = s.withdrawals.Create(ctx, 9, WithdrawalInput{RegularAmount: 40000})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Bonus bucket cannot cover a bonus request with regular points
	_, err = s.withdrawals.Create(ctx, 9, WithdrawalInput{BonusAmount: 10000})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Failed attempts left the balance alone
	balance, err := s.balances.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), balance.TotalPointBalance)
}

func TestWithdrawalService_CancelRefunds(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	seedBalance(t, s, 9, 20000, 12000)

	request, err := s.withdrawals.Create(ctx, 9, WithdrawalInput{
		RegularAmount: 15000,
		BonusAmount:   12000,
	})
	require.NoError(t, err)

	cancelled, err := s.withdrawals.Cancel(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	// The refund restored the exact per-bucket split
	balance, err := s.balances.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), balance.RegularPointBalance)
	assert.Equal(t, int64(12000), balance.BonusPointBalance)

	// A cancelled request cannot be approved or cancelled again
	_, err = s.withdrawals.Approve(ctx, request.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
	_, err = s.withdrawals.Cancel(ctx, request.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestWithdrawalService_ApprovePayFlow(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	seedBalance(t, s, 9, 20000, 0)

	request, err := s.withdrawals.Create(ctx, 9, WithdrawalInput{RegularAmount: 20000})
	require.NoError(t, err)

	// Paid requires approved first
	_, err = s.withdrawals.MarkPaid(ctx, request.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	approved, err := s.withdrawals.Approve(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusApproved, approved.Status)

	// Approved requests are past the refund window
	_, err = s.withdrawals.Cancel(ctx, request.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	paid, err := s.withdrawals.MarkPaid(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusPaid, paid.Status)

	// Paid points stay gone
	balance, err := s.balances.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.TotalPointBalance)
}

func TestWithdrawalService_RejectRefunds(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	seedBalance(t, s, 9, 20000, 0)

	request, err := s.withdrawals.Create(ctx, 9, WithdrawalInput{RegularAmount: 20000})
	require.NoError(t, err)

	rejected, err := s.withdrawals.Reject(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusRejected, rejected.Status)

	balance, err := s.balances.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), balance.RegularPointBalance)

	// The refund is on the log as a withdrawal_refund credit
	txs, err := s.txs.GetByUserID(ctx, 9)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, model.TxTypeWithdrawalRefund, txs[1].TransactionType)
	assert.Equal(t, int64(20000), txs[1].PointChange)
}

// ============================================================================
// Log replay
// ============================================================================

// TestTransactionLogReplay drives a user through every workflow and checks
// that replaying the log reproduces the stored balance exactly, row by row.
func TestTransactionLogReplay(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	userID := int64(77)

	_, err := s.purchases.ProcessPurchaseEvent(ctx, "evt_replay_1", userID, 50000)
	require.NoError(t, err)

	_, err = s.reservation.OnConfirmed(ctx, 1, userID, 2000)
	require.NoError(t, err)

	_, grant, err := s.pending.Grant(ctx, userID, 1000, model.SourceRegular, GrantOpts{})
	require.NoError(t, err)
	_, err = s.pending.Confirm(ctx, grant.ID, 1000, GrantOpts{})
	require.NoError(t, err)

	request, err := s.withdrawals.Create(ctx, userID, WithdrawalInput{RegularAmount: 10000})
	require.NoError(t, err)
	_, err = s.withdrawals.Cancel(ctx, request.ID)
	require.NoError(t, err)

	balance, err := s.balances.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(49000), balance.TotalPointBalance)

	txs, err := s.txs.GetByUserID(ctx, userID)
	require.NoError(t, err)

	var running int64
	for _, tx := range txs {
		running += tx.PointChange
		assert.Equal(t, tx.BalanceAfter, running, "balance_after chain broken at tx %d", tx.ID)
	}
	assert.Equal(t, balance.TotalPointBalance, running)

	sum, err := s.txs.SumPointChanges(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, balance.TotalPointBalance, sum)
}

// TestConcurrentApplyRuleSerialized hammers one user's balance from many
// goroutines and checks the row lock keeps the log chain intact.
func TestConcurrentApplyRuleSerialized(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	s := newServices(pool)
	ctx := context.Background()

	userID := int64(90)
	const workers = 8
	const perWorker = 5

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				amount := int64(100)
				_, err := s.ledger.ApplyRule(ctx, userID, model.RulePurchase, ApplyVars{Amount: &amount})
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	balance, err := s.balances.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker*100), balance.RegularPointBalance)
	assert.Equal(t, int64(workers*perWorker*100), balance.TotalPointBalance)

	txs, err := s.txs.GetByUserID(ctx, userID)
	require.NoError(t, err)
	require.Len(t, txs, workers*perWorker)

	var running int64
	for _, tx := range txs {
		running += tx.PointChange
		assert.Equal(t, tx.BalanceAfter, running)
	}
	assert.Equal(t, balance.TotalPointBalance, running)
}

// Package server exposes the points ledger over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"booking-points-service/internal/model"
	"booking-points-service/internal/repository"
	"booking-points-service/internal/service"
)

// HealthChecker reports whether the backing database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler holds the service dependencies for all HTTP handlers.
type Handler struct {
	health      HealthChecker
	points      *service.PointsService
	purchases   *service.PurchaseService
	reservation *service.ReservationHooks
	referrals   *service.ReferralService
	withdrawals *service.WithdrawalService
}

// NewHandler creates a new Handler instance.
func NewHandler(
	health HealthChecker,
	points *service.PointsService,
	purchases *service.PurchaseService,
	reservation *service.ReservationHooks,
	referrals *service.ReferralService,
	withdrawals *service.WithdrawalService,
) *Handler {
	return &Handler{
		health:      health,
		points:      points,
		purchases:   purchases,
		reservation: reservation,
		referrals:   referrals,
		withdrawals: withdrawals,
	}
}

// GetBalance returns a user's per-bucket balances.
// GET /api/points/{userID}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	balance, err := h.points.GetBalance(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceResponse(balance))
}

// GetHistory returns one page of a user's transaction history.
// GET /api/points/{userID}/history?limit=&offset=
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	page, err := h.points.GetHistory(r.Context(), userID, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	entries := make([]HistoryEntryDTO, len(page.Entries))
	for i, e := range page.Entries {
		description := e.RuleDescription
		if e.Description != nil && *e.Description != "" {
			description = *e.Description
		}
		entries[i] = HistoryEntryDTO{
			ID:              e.ID,
			TransactionType: e.TransactionType,
			PointChange:     e.PointChange,
			PointSource:     e.PointSource,
			BalanceAfter:    e.BalanceAfter,
			Description:     description,
			CreatedAt:       e.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		Entries: entries,
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
	})
}

// ListRules returns all point rules.
// GET /api/admin/rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.points.ListRules(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	dtos := make([]RuleResponse, len(rules))
	for i, rule := range rules {
		dtos[i] = toRuleResponse(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpdateRule patches one rule's description, value, or active flag.
// PUT /api/admin/rules/{id}
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateRuleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rule, err := h.points.UpdateRule(r.Context(), id, repository.RulePatch{
		RuleDescription: req.RuleDescription,
		PointValue:      req.PointValue,
		IsActive:        req.IsActive,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleResponse(rule))
}

// PurchaseWebhook grants purchased points for a payment provider event.
// Duplicate deliveries are acknowledged with 200 so the provider stops
// retrying.
// POST /api/webhooks/purchase
func (h *Handler) PurchaseWebhook(w http.ResponseWriter, r *http.Request) {
	var req PurchaseWebhookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EventID == "" {
		writeError(w, http.StatusBadRequest, "event_id is required", nil)
		return
	}

	result, err := h.purchases.ProcessPurchaseEvent(r.Context(), req.EventID, req.UserID, req.Amount)
	if err != nil {
		if errors.Is(err, service.ErrDuplicateEvent) {
			writeJSON(w, http.StatusOK, PurchaseWebhookResponse{Duplicate: true})
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PurchaseWebhookResponse{
		PointChange:   result.PointChange,
		NewBalance:    result.NewBalance,
		TransactionID: result.TransactionID,
	})
}

// ReferralSignup registers a referred user's signup with a tracking code.
// POST /api/referrals/signup
func (h *Handler) ReferralSignup(w http.ResponseWriter, r *http.Request) {
	var req ReferralSignupRequest
	if !decodeBody(w, r, &req) {
		return
	}

	tracking, err := h.referrals.RegisterSignup(r.Context(), req.InvitedUserID, req.TrackingCode)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if tracking == nil {
		writeJSON(w, http.StatusOK, ReferralSignupResponse{ReferrerFound: false})
		return
	}
	writeJSON(w, http.StatusOK, ReferralSignupResponse{
		ReferrerFound:  true,
		InviterUserID:  tracking.InviterUserID,
		DisplayNumber:  tracking.DisplayNumber,
		PendingGrantID: tracking.PendingGrantID,
	})
}

// ReferralAttendance confirms the referrer's pending bonus on the referred
// user's first attendance.
// POST /api/referrals/attendance
func (h *Handler) ReferralAttendance(w http.ResponseWriter, r *http.Request) {
	var req ReferralAttendanceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	balance, err := h.referrals.RegisterFirstAttendance(r.Context(), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceResponse(balance))
}

// ListInvitees returns the inviter's referred users.
// GET /api/referrals/{userID}/invitees
func (h *Handler) ListInvitees(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	trackings, err := h.referrals.ListInvitees(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	dtos := make([]InviteeDTO, len(trackings))
	for i, t := range trackings {
		dtos[i] = InviteeDTO{
			InvitedUserID:    t.InvitedUserID,
			DisplayNumber:    t.DisplayNumber,
			TotalEarnedPoint: t.TotalEarnedPoint,
			CreatedAt:        t.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReservationConfirm charges the customer for a confirmed reservation.
// POST /api/reservations/{id}/confirm
func (h *Handler) ReservationConfirm(w http.ResponseWriter, r *http.Request) {
	reservationID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req ReservationConfirmRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.reservation.OnConfirmed(r.Context(), reservationID, req.CustomerID, req.TotalPoints)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ApplyResponse{
		PointChange:   result.PointChange,
		NewBalance:    result.NewBalance,
		TransactionID: result.TransactionID,
	})
}

// ReservationComplete rewards the cast for a completed reservation. A
// second completion for the same reservation is rejected.
// POST /api/reservations/{id}/complete
func (h *Handler) ReservationComplete(w http.ResponseWriter, r *http.Request) {
	reservationID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req ReservationCompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.reservation.OnCompleted(r.Context(), reservationID, req.CastID, req.RewardPoints)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ApplyResponse{
		PointChange:   result.PointChange,
		NewBalance:    result.NewBalance,
		TransactionID: result.TransactionID,
	})
}

// CreateWithdrawal files a cast payout request.
// POST /api/withdrawals
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req CreateWithdrawalRequest
	if !decodeBody(w, r, &req) {
		return
	}

	request, err := h.withdrawals.Create(r.Context(), req.CastID, service.WithdrawalInput{
		RegularAmount: req.RegularAmount,
		BonusAmount:   req.BonusAmount,
		Memo:          req.Memo,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalResponse(request))
}

// ListWithdrawals returns a cast's withdrawal requests.
// GET /api/withdrawals?cast_id=&limit=&offset=
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	castID, err := strconv.ParseInt(r.URL.Query().Get("cast_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cast_id is required", err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	requests, err := h.withdrawals.ListByCast(r.Context(), castID, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	dtos := make([]WithdrawalResponse, len(requests))
	for i, request := range requests {
		dtos[i] = toWithdrawalResponse(request)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CancelWithdrawal cancels a pending request and refunds the debit.
// POST /api/withdrawals/{id}/cancel
func (h *Handler) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.withdrawalTransition(w, r, h.withdrawals.Cancel)
}

// ApproveWithdrawal moves a pending request to approved.
// POST /api/admin/withdrawals/{id}/approve
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.withdrawalTransition(w, r, h.withdrawals.Approve)
}

// PayWithdrawal moves an approved request to paid.
// POST /api/admin/withdrawals/{id}/pay
func (h *Handler) PayWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.withdrawalTransition(w, r, h.withdrawals.MarkPaid)
}

// RejectWithdrawal rejects a pending request and refunds the debit.
// POST /api/admin/withdrawals/{id}/reject
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.withdrawalTransition(w, r, h.withdrawals.Reject)
}

func (h *Handler) withdrawalTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) (*model.WithdrawalRequest, error)) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	request, err := fn(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalResponse(request))
}

// Healthz reports liveness and database reachability.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.health.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pathID parses an int64 URL parameter, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name, err)
		return 0, false
	}
	return id, true
}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// writeServiceError maps service errors to HTTP statuses. Missing rules are
// a deployment problem, not a caller problem, so they map to 500.
func writeServiceError(w http.ResponseWriter, err error) {
	var insufficient *service.InsufficientPointsError
	switch {
	case errors.As(err, &insufficient):
		writeError(w, http.StatusBadRequest, insufficient.Error(), nil)
	case errors.Is(err, service.ErrInsufficientBalance),
		errors.Is(err, service.ErrInsufficientRegularPoints),
		errors.Is(err, service.ErrBelowMinimumWithdrawal),
		errors.Is(err, service.ErrEmptyWithdrawal),
		errors.Is(err, service.ErrInvalidPurchaseAmount),
		errors.Is(err, service.ErrInvalidReservationAmount):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, service.ErrWithdrawalNotFound),
		errors.Is(err, service.ErrNoReferrer),
		errors.Is(err, repository.ErrBalanceNotFound),
		errors.Is(err, repository.ErrTrackingNotFound):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, service.ErrInvalidStatusTransition),
		errors.Is(err, service.ErrAlreadyRewarded),
		errors.Is(err, service.ErrAlreadyConfirmed):
		writeError(w, http.StatusConflict, err.Error(), nil)
	default:
		log.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"booking-points-service/internal/config"
)

// NewRouter creates the router with all routes configured.
func NewRouter(cfg *config.ServerConfig, h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Route("/points/{userID}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/history", h.GetHistory)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/rules", h.ListRules)
			r.Put("/rules/{id}", h.UpdateRule)
			r.Post("/withdrawals/{id}/approve", h.ApproveWithdrawal)
			r.Post("/withdrawals/{id}/pay", h.PayWithdrawal)
			r.Post("/withdrawals/{id}/reject", h.RejectWithdrawal)
		})

		r.Post("/webhooks/purchase", h.PurchaseWebhook)

		r.Route("/referrals", func(r chi.Router) {
			r.Post("/signup", h.ReferralSignup)
			r.Post("/attendance", h.ReferralAttendance)
			r.Get("/{userID}/invitees", h.ListInvitees)
		})

		r.Route("/reservations/{id}", func(r chi.Router) {
			r.Post("/confirm", h.ReservationConfirm)
			r.Post("/complete", h.ReservationComplete)
		})

		r.Route("/withdrawals", func(r chi.Router) {
			r.Post("/", h.CreateWithdrawal)
			r.Get("/", h.ListWithdrawals)
			r.Post("/{id}/cancel", h.CancelWithdrawal)
		})
	})

	return r
}

// requestLogger logs each request with its chi request id and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

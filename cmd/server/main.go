// Package main is the entry point for the booking points service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"booking-points-service/internal/config"
	"booking-points-service/internal/pkg/db"
	"booking-points-service/internal/pkg/lock"
	"booking-points-service/internal/repository"
	"booking-points-service/internal/server"
	"booking-points-service/internal/service"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// Run database migrations
	if err := db.Migrate(ctx, dbPool.Pool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize repositories
	balanceRepo := repository.NewBalanceRepository(dbPool.Pool)
	ruleRepo := repository.NewRuleRepository(dbPool.Pool)
	txRepo := repository.NewTransactionRepository(dbPool.Pool)
	pendingRepo := repository.NewPendingGrantRepository(dbPool.Pool)
	eventRepo := repository.NewEventRepository(dbPool.Pool)
	withdrawalRepo := repository.NewWithdrawalRepository(dbPool.Pool)
	referralRepo := repository.NewReferralRepository(dbPool.Pool)

	// Initialize user lock
	userLock := lock.NewUserLock()

	// Initialize services
	ledgerService := service.NewLedgerService(dbPool.Pool, ruleRepo, balanceRepo, txRepo)
	pendingService := service.NewPendingService(dbPool.Pool, balanceRepo, txRepo, pendingRepo)
	pointsService := service.NewPointsService(
		cfg.Points.HistoryWindowDays,
		cfg.Points.HistoryPageSize,
		balanceRepo,
		txRepo,
		ruleRepo,
	)
	purchaseService := service.NewPurchaseService(dbPool.Pool, ledgerService, eventRepo)
	reservationHooks := service.NewReservationHooks(dbPool.Pool, ledgerService, balanceRepo)
	referralService := service.NewReferralService(dbPool.Pool, ruleRepo, referralRepo, pendingRepo, pendingService)
	withdrawalService := service.NewWithdrawalService(
		dbPool.Pool,
		cfg.Points.MinWithdrawalAmount,
		balanceRepo,
		txRepo,
		withdrawalRepo,
		userLock,
	)

	// Build the HTTP surface
	handler := server.NewHandler(
		dbPool,
		pointsService,
		purchaseService,
		reservationHooks,
		referralService,
		withdrawalService,
	)
	router := server.NewRouter(&cfg.Server, handler)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Server is starting...")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	log.Info().Msg("Server stopped gracefully")
}

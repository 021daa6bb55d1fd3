/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the pet-care marketplace engine: availability
  calendar and billing payout dispatcher. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the zap logger
  3. Open SQLite and apply goose migrations
  4. Select the transfer gateway (Stripe, or in-memory without a key)
  5. Wire calendar, editor and payout services into the API handler
  6. Start the optional payout scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  ENV, PORT, DB_PATH, JWT_SECRET, CRON_SECRET, STRIPE_SECRET_KEY,
  PAYOUT_INTERVAL, PAYOUT_GRACE_DAYS, PAYOUT_LOCK_WAIT, PAYOUT_LEASE_TTL,
  PAYOUT_BATCH_LIMIT, ALLOWED_ORIGINS (see config/config.go)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the payout scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/petcare-engine/api"
	"github.com/warp/petcare-engine/availability"
	"github.com/warp/petcare-engine/billing"
	"github.com/warp/petcare-engine/config"
	"github.com/warp/petcare-engine/gateway"
	"github.com/warp/petcare-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	logger, err := config.NewLogger(cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	os.Exit(exitCode(logger, run(cfg, *port, *dbPath, logger)))
}

// exitCode logs a failed run and flushes the logger before main exits.
func exitCode(logger *zap.Logger, err error) int {
	defer logger.Sync()
	if err != nil {
		logger.Error("server exited", zap.Error(err))
		return 1
	}
	return 0
}

func run(cfg *config.Config, port int, dbPath string, logger *zap.Logger) error {
	ctx := context.Background()

	store, err := sqlite.New(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	var gw billing.Gateway
	if cfg.StripeSecretKey != "" {
		gw = gateway.NewStripe(cfg.StripeSecretKey)
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, using in-memory transfer gateway")
		gw = gateway.NewMemory()
	}

	calendar := availability.NewCalendar(store.Availability(), logger.Named("calendar"))
	editor := availability.NewEditor(store.Availability(), store, logger.Named("overrides"))

	payouts := billing.NewService(store.Billing(), gw, store, logger.Named("payouts"))
	payouts.GracePeriod = cfg.GracePeriod()
	payouts.LockWait = cfg.PayoutLockWait
	payouts.LeaseTTL = cfg.PayoutLeaseTTL
	payouts.BatchLimit = cfg.PayoutBatchLimit

	handler := api.NewHandler(calendar, editor, payouts, logger.Named("api"))
	if cfg.Environment == "development" {
		handler.Seeder = store
	}
	auth := &api.Authenticator{Secret: []byte(cfg.JWTSecret), CronSecret: cfg.CronSecret}
	router := api.NewRouter(handler, auth, cfg.AllowedOrigins)

	scheduler := api.NewPayoutScheduler(payouts, logger.Named("scheduler"))
	scheduler.Interval = cfg.PayoutInterval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", port), zap.String("db", dbPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

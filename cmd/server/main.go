/*
main.go - Application entry point

PURPOSE:
  Starts the affiliate ledger server: loads configuration, opens the
  store, wires the domain components and runs the HTTP server next to the
  withdrawal sweeper until a signal arrives.

STARTUP SEQUENCE:
  1. Load config (.env, environment, flags)
  2. Build the zap logger
  3. Open the SQL store (SQLite or PostgreSQL) and migrate
  4. Load the referral graph index from the store
  5. Wire commission engine, checkout, withdrawal processor, query facade
  6. Run HTTP server and sweeper in one errgroup

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: 8080, env PORT)
  -db         database DSN (default: affiliate.db, env DB_DSN)
              Use ":memory:" for an in-memory SQLite database
  -driver     sqlite3 or pgx (env DB_DRIVER)
  -log-level  debug, info, warn, error (env LOG_LEVEL)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweeper
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/affiliate.db"
  DB_DRIVER=pgx ./server -db="postgres://ledger@localhost/ledger"

SEE ALSO:
  - config/config.go: all keys
  - api/server.go: router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/affiliate-ledger/api"
	"github.com/warp/affiliate-ledger/checkout"
	"github.com/warp/affiliate-ledger/commission"
	"github.com/warp/affiliate-ledger/config"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/logging"
	"github.com/warp/affiliate-ledger/query"
	"github.com/warp/affiliate-ledger/referral"
	"github.com/warp/affiliate-ledger/store/sqlstore"
	"github.com/warp/affiliate-ledger/withdrawal"
)

const (
	shutdownTimeout = 30 * time.Second
	tokenTTL        = 24 * time.Hour
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "affiliate-ledger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel, cfg.Production())
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := sqlstore.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	// Domain components
	l := ledger.New(store, log)
	graph := referral.NewGraph(l)
	if err := graph.Load(ctx); err != nil {
		return fmt.Errorf("load referral graph: %w", err)
	}
	engine, err := commission.NewEngine(l, graph, cfg.Rates(), cfg.Prices())
	if err != nil {
		return fmt.Errorf("commission engine: %w", err)
	}

	var payout withdrawal.Payout = withdrawal.NoopPayout{}
	if cfg.PayoutURL != "" {
		payout = withdrawal.NewHTTPPayout(withdrawal.HTTPPayoutConfig{
			URL:     cfg.PayoutURL,
			Token:   cfg.PayoutToken,
			Timeout: cfg.PayoutTimeout,
			Retries: cfg.PayoutRetries,
		})
	} else {
		log.Warn("PAYOUT_URL not set, withdrawals complete without sending money")
	}
	processor := withdrawal.NewProcessor(l, payout, cfg.Withdrawal())
	sweeper := withdrawal.NewSweeper(processor, cfg.SweepInterval)

	secret := cfg.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn("JWT_SECRET not set, using a random secret; tokens die with the process")
	}

	h := api.NewHandler(api.Services{
		Ledger:    l,
		Graph:     graph,
		Directory: referral.NewDirectory(l, graph),
		Engine:    engine,
		Checkout:  checkout.New(l, engine),
		Processor: processor,
		Query:     query.New(l, graph, cfg.PublicURL, cfg.TeamDepth),
	}, api.NewAuth(secret, tokenTTL), log, cfg.DevTools())
	if cfg.DevTools() {
		log.Warn("DEV_TOKENS enabled: anyone can mint user tokens and load demo data")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(h, cfg.AllowOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.PayoutTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("driver", cfg.DBDriver),
			zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server stopped")
	return nil
}

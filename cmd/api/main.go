package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/oracle"
	"escrowflow/outbox"
	"escrowflow/party"
	"escrowflow/proof"
	"escrowflow/rating"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	var verifier oracle.FundVerifier = oracle.StaticVerifier{Verified: true}
	if cfg.FundVerifierBaseURL != "" {
		verifier = oracle.NewHTTPVerifier(cfg.FundVerifierBaseURL, cfg.FundVerifierToken, cfg.OracleTimeout)
	}
	var arbiter oracle.ArbitrationOracle = oracle.StaticArbitrationOracle{}
	if cfg.OracleBaseURL != "" {
		arbiter = oracle.NewHTTPArbitrationOracle(cfg.OracleBaseURL, cfg.OracleToken, cfg.OracleTimeout)
	}
	if cfg.FundVerifierBaseURL == "" || cfg.OracleBaseURL == "" {
		logger.Warn().Msg("static oracle in use; set ORACLE_BASE_URL and FUND_VERIFIER_BASE_URL outside development")
	}

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	escrowRepo := escrow.NewRepository(pool)
	proofRepo := proof.NewRepository(pool)
	disputeRepo := dispute.NewRepository(pool)
	ratingRepo := rating.NewRepository(pool)

	escrowService := escrow.NewService(pool, escrowRepo, proofRepo, disputeRepo, ratingRepo, verifier, arbiter).
		WithLogger(logger).
		WithHoldDuration(cfg.HoldDuration())

	server := &Server{
		authService:    authService,
		escrowService:  escrowService,
		disputeService: dispute.NewService(disputeRepo),
		partyService:   party.NewService(party.NewRepository(pool)),
		ratingService:  ratingRepo,
		log:            logger,
		limiter:        newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	if cfg.MetricsEnabled {
		server.metrics = newMetrics()
	}

	relay := outbox.NewRelay(pool, outbox.NewStore(), outbox.LogPublisher{Log: logger}).
		WithLogger(logger).
		WithInterval(cfg.RelayInterval)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.SweepSchedule, func() {
		n, err := escrowService.ExpireStale(context.Background())
		if err != nil {
			logger.Error().Err(err).Msg("expiry sweep failed")
			return
		}
		if n > 0 {
			logger.Info().Int("count", n).Msg("expired stale escrows")
		}
	}); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("invalid sweep schedule")
	}
	if server.metrics != nil {
		if _, err := sweeper.AddFunc("@every 30s", func() {
			counts, err := outbox.CountByStatus(context.Background(), pool)
			if err != nil {
				logger.Error().Err(err).Msg("sample outbox depth")
				return
			}
			server.metrics.setOutboxDepth(counts)
		}); err != nil {
			logger.Fatal().Err(err).Msg("schedule outbox depth sampling")
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("escrowflow api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sweeper.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	sweeper.Start()

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("shutdown complete")
}

func newLogger(cfg config.Config) zerolog.Logger {
	var w io.Writer = os.Stdout
	if cfg.Development() {
		w = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(w).With().Timestamp().Str("service", "escrowflow-api").Logger()
}

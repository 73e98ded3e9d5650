package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/spf13/cobra"

	"github.com/dreamphoto/trainer/internal/auth"
	"github.com/dreamphoto/trainer/internal/database"
	"github.com/dreamphoto/trainer/internal/execution"
	"github.com/dreamphoto/trainer/internal/ledger"
	"github.com/dreamphoto/trainer/internal/lock"
	"github.com/dreamphoto/trainer/internal/registry"
	"github.com/dreamphoto/trainer/internal/router"
	"github.com/dreamphoto/trainer/internal/training"
	"github.com/dreamphoto/trainer/internal/validator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background reconciler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to PostgreSQL")

	if err := database.Migrate(ctx, pool, logger); err != nil {
		return err
	}

	redisClient, err := lock.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	locker := lock.NewLocker(redisClient, "trainer:dispatch:", cfg.Lock.TTL, cfg.Lock.Wait)

	a, err := newApp(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}

	// River insert funcs are set after the client exists (breaks init cycle)
	var insertMu sync.Mutex
	var riverClient *river.Client[pgx.Tx]
	client := func() *river.Client[pgx.Tx] {
		insertMu.Lock()
		defer insertMu.Unlock()
		if riverClient == nil {
			panic("river client not wired")
		}
		return riverClient
	}
	enqueue := func(ctx context.Context, modelID uuid.UUID, delay time.Duration) error {
		_, err := client().Insert(ctx, execution.ReconcileModelArgs{ModelID: modelID}, execution.ScheduledCheck(delay))
		return err
	}
	insertMany := func(ctx context.Context, params []river.InsertManyParams) error {
		_, err := client().InsertMany(ctx, params)
		return err
	}

	trainingSvc := a.trainingService(locker, enqueue, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewReconcileModelWorker(trainingSvc, cfg.Reconcile.JobTimeout, logger))
	river.AddWorker(workers, execution.NewReconcileSweepWorker(trainingSvc, insertMany, cfg.Reconcile.BatchSize, logger))

	rc, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Reconcile.Workers},
		},
		Workers:      workers,
		PeriodicJobs: execution.PeriodicJobs(cfg.Reconcile.SweepInterval),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	insertMu.Lock()
	riverClient = rc
	insertMu.Unlock()

	v, err := validator.New()
	if err != nil {
		return err
	}
	authSvc := auth.NewService(a.users, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	handler := router.New(router.Handlers{
		Auth:     auth.NewHandler(authSvc, cfg.Auth.ServiceKey, logger),
		Training: training.NewHandler(trainingSvc, v, cfg.Training.MaxUploadBytes, logger),
		Registry: registry.NewHandler(registry.NewService(a.registry), logger),
		Ledger:   ledger.NewHandler(a.ledger, logger),
	}, router.Options{
		Verifier:    authSvc,
		DB:          pool,
		CORSOrigins: cfg.CORSOrigins,
		Log:         logger,
	})

	if err := rc.Start(ctx); err != nil {
		return fmt.Errorf("start river: %w", err)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := rc.Stop(shutdownCtx); err != nil {
		logger.Warn("river shutdown incomplete", "error", err)
	}
	return nil
}

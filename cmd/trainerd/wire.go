package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dreamphoto/trainer/internal/archive"
	"github.com/dreamphoto/trainer/internal/config"
	"github.com/dreamphoto/trainer/internal/intake"
	"github.com/dreamphoto/trainer/internal/ledger"
	"github.com/dreamphoto/trainer/internal/provider"
	"github.com/dreamphoto/trainer/internal/registry"
	"github.com/dreamphoto/trainer/internal/storage"
	"github.com/dreamphoto/trainer/internal/training"
	"github.com/dreamphoto/trainer/internal/users"
)

// app holds the components shared by the serve and sweep commands.
type app struct {
	cfg       config.Config
	pool      *pgxpool.Pool
	users     *users.Repository
	ledger    ledger.Service
	ledgerRep *ledger.Repository
	registry  *registry.Repository
	stager    *intake.Stager
	uploader  *storage.Uploader
	provider  *provider.Client
}

func newApp(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*app, error) {
	uploader, err := storage.NewS3Uploader(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	ledgerRepo := ledger.NewRepository(pool)
	return &app{
		cfg:       cfg,
		pool:      pool,
		users:     users.NewRepository(pool),
		ledger:    ledger.NewService(ledgerRepo, logger),
		ledgerRep: ledgerRepo,
		registry:  registry.NewRepository(pool),
		stager:    intake.NewStager(cfg.Training.StagingDir, cfg.Training.MaxImages, cfg.Training.NormalizeWorkers, logger),
		uploader:  uploader,
		provider:  provider.NewClient(cfg.Provider, logger),
	}, nil
}

// trainingService assembles the pipeline. locker and enqueue may be nil for
// commands that only reconcile.
func (a *app) trainingService(locker training.Locker, enqueue training.EnqueueReconcileFunc, logger *slog.Logger) training.Service {
	return training.NewService(training.Deps{
		Users:    a.users,
		Stager:   a.stager,
		Archives: archive.NewBuilder(a.cfg.Training.ArchiveDir),
		Uploader: a.uploader,
		Provider: a.provider,
		Locker:   locker,
		Models:   a.registry,
		Ledger:   a.ledger,
		Settler:  training.NewPGSettler(a.pool, a.registry, a.ledgerRep),
		Enqueue:  enqueue,
		Log:      logger,
	}, training.Options{
		Cost:               a.cfg.Training.Cost,
		DefaultTriggerWord: a.cfg.Training.DefaultTriggerWord,
		InitialDelay:       a.cfg.Reconcile.InitialDelay,
		BaseBackoff:        a.cfg.Reconcile.BaseBackoff,
		MaxBackoff:         a.cfg.Reconcile.MaxBackoff,
		StaleAfter:         a.cfg.Reconcile.StaleAfter,
	})
}

// Package execution holds the River jobs that reconcile training models in
// the background.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"golang.org/x/sync/errgroup"

	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/training"
)

// ReconcileModelArgs asks for one status check of a training model.
type ReconcileModelArgs struct {
	ModelID uuid.UUID `json:"model_id"`
}

func (ReconcileModelArgs) Kind() string { return "reconcile_model" }

// InsertOpts keeps at most one pending check per model; a completed check
// does not block the next one.
func (ReconcileModelArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 3,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
			ByState: []rivertype.JobState{
				rivertype.JobStateAvailable,
				rivertype.JobStatePending,
				rivertype.JobStateRetryable,
				rivertype.JobStateRunning,
				rivertype.JobStateScheduled,
			},
		},
	}
}

// ReconcileSweepArgs is the periodic job that fans out checks for due models.
type ReconcileSweepArgs struct{}

func (ReconcileSweepArgs) Kind() string { return "reconcile_sweep" }

// Reconciler defines what the workers need from the training service.
type Reconciler interface {
	ReconcileModel(ctx context.Context, modelID uuid.UUID) (*training.Status, error)
	DueModels(ctx context.Context, limit int) ([]uuid.UUID, error)
}

type ReconcileModelWorker struct {
	river.WorkerDefaults[ReconcileModelArgs]
	svc     Reconciler
	timeout time.Duration
	log     *slog.Logger
}

func NewReconcileModelWorker(svc Reconciler, timeout time.Duration, log *slog.Logger) *ReconcileModelWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ReconcileModelWorker{svc: svc, timeout: timeout, log: log}
}

// Timeout bounds a single provider check.
func (w *ReconcileModelWorker) Timeout(*river.Job[ReconcileModelArgs]) time.Duration {
	return w.timeout
}

func (w *ReconcileModelWorker) Work(ctx context.Context, job *river.Job[ReconcileModelArgs]) error {
	st, err := w.svc.ReconcileModel(ctx, job.Args.ModelID)
	if errors.Is(err, errs.ErrNotFound) {
		return river.JobCancel(err)
	}
	if err != nil {
		return fmt.Errorf("reconcile model %s: %w", job.Args.ModelID, err)
	}
	w.log.Debug("model reconciled", "model_id", job.Args.ModelID, "job", job.ID,
		"model_status", st.ModelStatus, "provider_status", st.ProviderStatus)
	return nil
}

// InsertManyFunc is the River client's InsertMany, late-bound by main.
type InsertManyFunc func(ctx context.Context, params []river.InsertManyParams) error

type ReconcileSweepWorker struct {
	river.WorkerDefaults[ReconcileSweepArgs]
	svc       Reconciler
	insert    InsertManyFunc
	batchSize int
	log       *slog.Logger
}

func NewReconcileSweepWorker(svc Reconciler, insert InsertManyFunc, batchSize int, log *slog.Logger) *ReconcileSweepWorker {
	if log == nil {
		log = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ReconcileSweepWorker{svc: svc, insert: insert, batchSize: batchSize, log: log}
}

func (w *ReconcileSweepWorker) Work(ctx context.Context, job *river.Job[ReconcileSweepArgs]) error {
	ids, err := w.svc.DueModels(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("list due models: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	params := make([]river.InsertManyParams, 0, len(ids))
	for _, id := range ids {
		params = append(params, river.InsertManyParams{Args: ReconcileModelArgs{ModelID: id}})
	}
	if err := w.insert(ctx, params); err != nil {
		return fmt.Errorf("enqueue reconcile jobs: %w", err)
	}
	w.log.Info("reconcile sweep enqueued checks", "count", len(ids))
	return nil
}

// PeriodicJobs schedules the sweep every interval, starting immediately.
func PeriodicJobs(interval time.Duration) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return ReconcileSweepArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}

// ScheduledCheck returns insert options delaying a reconcile job.
func ScheduledCheck(delay time.Duration) *river.InsertOpts {
	return &river.InsertOpts{ScheduledAt: time.Now().Add(delay)}
}

// SweepNow runs one reconciliation pass inline, outside River. Each model is
// checked with its own timeout; failures are logged and counted.
func SweepNow(ctx context.Context, svc Reconciler, batchSize, workers int, timeout time.Duration, log *slog.Logger) (checked, failed int, err error) {
	if log == nil {
		log = slog.Default()
	}
	ids, err := svc.DueModels(ctx, batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("list due models: %w", err)
	}
	if workers < 1 {
		workers = 1
	}

	results := make([]error, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, id := range ids {
		g.Go(func() error {
			jctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			_, results[i] = svc.ReconcileModel(jctx, id)
			return nil
		})
	}
	_ = g.Wait()

	for i, rerr := range results {
		if rerr != nil {
			failed++
			log.Warn("reconcile failed", "model_id", ids[i], "error", rerr)
		}
	}
	return len(ids), failed, ctx.Err()
}

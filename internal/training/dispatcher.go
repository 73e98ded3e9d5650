package training

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/intake"
	"github.com/dreamphoto/trainer/internal/metrics"
	"github.com/dreamphoto/trainer/internal/models"
	"github.com/dreamphoto/trainer/internal/provider"
	"github.com/dreamphoto/trainer/internal/registry"
)

// StartTraining turns the user's staged batch into a paid provider job.
//
// The order is fixed: nothing is charged or recorded until the provider has
// accepted the job, and the debit follows the model row so the ledger entry
// can reference it. A debit that fails after dispatch leaves the model failed
// and raises an accounting alert. Running twice against the same batch
// returns the first dispatch without charging again.
func (s *service) StartTraining(ctx context.Context, req StartRequest) (*Dispatch, error) {
	name := strings.TrimSpace(req.ModelName)
	if name == "" {
		return nil, errs.Validation("model_name", "is required")
	}
	if utf8.RuneCountInString(name) > s.opts.MaxModelNameLen {
		return nil, errs.Validation("model_name", fmt.Sprintf("must be at most %d characters", s.opts.MaxModelNameLen))
	}
	trigger := strings.TrimSpace(req.TriggerWord)
	if trigger == "" {
		trigger = s.opts.DefaultTriggerWord
	}

	user, err := s.Users.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	release, err := s.Locker.Acquire(ctx, userLockKey(req.UserID))
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues("busy").Inc()
		return nil, err
	}
	defer release()

	batch, err := s.Stager.Load(req.UserID, stagingName(user, req.Username))
	if err != nil {
		return nil, err
	}

	existing, err := s.Models.FindByBatch(ctx, batch.ID)
	switch {
	case err == nil:
		metrics.DispatchesTotal.WithLabelValues("replayed").Inc()
		s.Log.Info("training already dispatched for batch", "user_id", req.UserID, "batch_id", batch.ID, "model_id", existing.ID)
		return replayOf(existing), nil
	case !errors.Is(err, errs.ErrNotFound):
		return nil, err
	}

	balance, err := s.Ledger.Balance(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if balance < s.opts.Cost {
		metrics.DispatchesTotal.WithLabelValues("insufficient_balance").Inc()
		return nil, &errs.InsufficientBalanceError{Required: s.opts.Cost, Available: balance}
	}

	timer := metrics.NewTimer()
	training, err := s.submit(ctx, batch, name, trigger)
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	timer.ObserveDuration(metrics.DispatchDuration)

	// The provider job exists from here on; a client disconnect must not
	// abandon the bookkeeping.
	ctx = context.WithoutCancel(ctx)

	model, err := s.Models.Create(ctx, registry.CreateParams{
		UserID:         req.UserID,
		Name:           name,
		TriggerWord:    trigger,
		JobID:          training.ID,
		BatchID:        batch.ID,
		ProviderStatus: training.Status,
		NextCheckAt:    s.now().Add(s.opts.InitialDelay),
	})
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues("unrecorded").Inc()
		if cerr := s.Provider.Cancel(ctx, training.ID); cerr != nil {
			s.Log.Warn("failed to cancel unrecorded job", "job_id", training.ID, "error", cerr)
		}
		s.alert(ctx, &models.AccountingAlert{
			UserID:  req.UserID,
			Kind:    models.AlertUnpaidDispatch,
			Details: fmt.Sprintf("job %s accepted by provider but not recorded: %v", training.ID, err),
		})
		return nil, fmt.Errorf("record model for job %s: %w", training.ID, err)
	}

	if _, err := s.Ledger.Debit(ctx, req.UserID, s.opts.Cost, models.LedgerTrainingDebit, &model.ID); err != nil {
		return nil, s.unpaid(ctx, model, training, err)
	}

	metrics.DispatchesTotal.WithLabelValues("dispatched").Inc()
	s.Log.Info("training started",
		"user_id", req.UserID, "model_id", model.ID, "job_id", training.ID,
		"batch_id", batch.ID, "tokens_spent", s.opts.Cost)

	if s.Enqueue != nil {
		if err := s.Enqueue(ctx, model.ID, s.opts.InitialDelay); err != nil {
			// the periodic sweep picks the model up from next_check_at
			s.Log.Warn("failed to enqueue status check", "model_id", model.ID, "error", err)
		}
	}

	return &Dispatch{ModelID: model.ID, JobID: training.ID, TokensSpent: s.opts.Cost}, nil
}

// submit packages the batch, stores it and hands it to the provider.
func (s *service) submit(ctx context.Context, batch *intake.Batch, name, trigger string) (*provider.Training, error) {
	path, err := s.Archives.Build(batch)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.Archives.Remove(path); err != nil {
			s.Log.Warn("failed to remove archive", "path", path, "error", err)
		}
	}()

	key := fmt.Sprintf("%s/%s.zip", batch.ID, intake.UserDirName(batch.UserID, batch.Username))
	archiveURL, err := s.Uploader.Upload(ctx, path, key)
	if err != nil {
		return nil, err
	}

	return s.Provider.Dispatch(ctx, provider.DispatchRequest{
		ArchiveURL:  archiveURL,
		ModelName:   name,
		TriggerWord: trigger,
	})
}

// unpaid handles a debit that failed after the provider accepted the job.
func (s *service) unpaid(ctx context.Context, model *models.Model, training *provider.Training, cause error) error {
	metrics.DispatchesTotal.WithLabelValues("unpaid").Inc()
	if _, err := s.Models.MarkFailed(ctx, model.ID, models.FailureUnpaidDispatch, training.Status); err != nil {
		s.Log.Error("failed to mark unpaid model failed", "model_id", model.ID, "error", err)
	} else {
		metrics.ModelTransitionsTotal.WithLabelValues(models.ModelStatusFailed, models.FailureUnpaidDispatch).Inc()
	}
	if err := s.Provider.Cancel(ctx, training.ID); err != nil {
		s.Log.Warn("failed to cancel unpaid job", "job_id", training.ID, "error", err)
	}
	s.alert(ctx, &models.AccountingAlert{
		UserID:  model.UserID,
		ModelID: &model.ID,
		Kind:    models.AlertUnpaidDispatch,
		Details: fmt.Sprintf("debit of %d failed after dispatch of job %s: %v", s.opts.Cost, training.ID, cause),
	})
	if errors.Is(cause, errs.ErrInsufficientBalance) {
		return cause
	}
	return errors.Join(&errs.AccountingInconsistencyError{
		UserID: model.UserID,
		Kind:   models.AlertUnpaidDispatch,
		Detail: fmt.Sprintf("job %s dispatched without debit", training.ID),
	}, cause)
}

func (s *service) alert(ctx context.Context, a *models.AccountingAlert) {
	if err := s.Ledger.RecordAlert(ctx, a); err != nil {
		s.Log.Error("failed to persist accounting alert", "kind", a.Kind, "user_id", a.UserID, "error", err)
	}
}

func replayOf(m *models.Model) *Dispatch {
	d := &Dispatch{ModelID: m.ID, Replayed: true}
	if m.JobID != nil {
		d.JobID = *m.JobID
	}
	return d
}

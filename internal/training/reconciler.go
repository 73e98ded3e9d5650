package training

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/metrics"
	"github.com/dreamphoto/trainer/internal/models"
	"github.com/dreamphoto/trainer/internal/provider"
)

// CheckStatus reconciles the model behind jobID with the provider on behalf
// of its owner. Terminal models are answered from the registry without a
// provider call, so repeated checks return the same result.
func (s *service) CheckStatus(ctx context.Context, jobID string, userID int64) (*Status, error) {
	if jobID == "" {
		return nil, errs.Validation("training_id", "is required")
	}
	m, err := s.Models.GetByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, &errs.AuthorizationError{Message: "training job belongs to another user"}
	}
	return s.reconcile(ctx, m)
}

// ReconcileModel runs one background check and schedules the next one while
// the model is still training. Provider errors only push the next check out.
func (s *service) ReconcileModel(ctx context.Context, modelID uuid.UUID) (*Status, error) {
	m, err := s.Models.GetByID(ctx, modelID)
	if err != nil {
		return nil, err
	}
	st, err := s.reconcile(ctx, m)
	if err != nil {
		s.Log.Warn("background status check failed", "model_id", m.ID, "attempt", m.CheckAttempts, "error", err)
		if serr := s.scheduleNext(ctx, m, m.LastProviderStatus); serr != nil {
			return nil, serr
		}
		return statusOf(m), nil
	}
	if st.ModelStatus == models.ModelStatusTraining {
		if err := s.scheduleNext(ctx, m, st.ProviderStatus); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// DueModels lists training models whose next check time has passed.
func (s *service) DueModels(ctx context.Context, limit int) ([]uuid.UUID, error) {
	due, err := s.Models.ListDue(ctx, s.now(), limit)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(due))
	for _, m := range due {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (s *service) reconcile(ctx context.Context, m *models.Model) (*Status, error) {
	if m.IsTerminal() {
		return statusOf(m), nil
	}
	if m.JobID == nil {
		return nil, fmt.Errorf("model %s is training without a job id", m.ID)
	}

	training, err := s.Provider.GetStatus(ctx, *m.JobID)
	if err != nil {
		if s.isStale(m) {
			return s.expire(ctx, m, m.LastProviderStatus)
		}
		return nil, err
	}
	metrics.ReconcileChecksTotal.WithLabelValues(training.Status).Inc()

	switch training.Status {
	case models.ProviderStatusSucceeded:
		return s.complete(ctx, m, training)
	case models.ProviderStatusFailed:
		s.Log.Info("provider reported failure", "model_id", m.ID, "job_id", *m.JobID, "error", training.ErrorMessage())
		return s.fail(ctx, m, models.FailureProviderFailed, training.Status)
	case models.ProviderStatusCanceled:
		return s.fail(ctx, m, models.FailureProviderCanceled, training.Status)
	}

	if s.isStale(m) {
		if err := s.Provider.Cancel(ctx, *m.JobID); err != nil {
			s.Log.Warn("failed to cancel stale job", "job_id", *m.JobID, "error", err)
		}
		return s.expire(ctx, m, training.Status)
	}
	st := statusOf(m)
	st.ProviderStatus = training.Status
	return st, nil
}

func (s *service) complete(ctx context.Context, m *models.Model, training *provider.Training) (*Status, error) {
	applied, err := s.Models.MarkReady(ctx, m.ID, training.ResultURL(), training.Status)
	if err != nil {
		return nil, err
	}
	if applied {
		metrics.ModelTransitionsTotal.WithLabelValues(models.ModelStatusReady, "").Inc()
		s.Log.Info("model ready", "model_id", m.ID, "user_id", m.UserID, "job_id", *m.JobID)
	}
	return s.reread(ctx, m.ID)
}

func (s *service) expire(ctx context.Context, m *models.Model, providerStatus string) (*Status, error) {
	s.Log.Warn("training exceeded stale timeout", "model_id", m.ID, "age", s.now().Sub(m.CreatedAt).Round(time.Second))
	return s.fail(ctx, m, models.FailureStale, providerStatus)
}

// fail settles a model as failed. The settlement refunds the debit exactly
// once no matter how many reconcilers race on the same model.
func (s *service) fail(ctx context.Context, m *models.Model, reason, providerStatus string) (*Status, error) {
	res, err := s.Settler.FailAndRefund(ctx, m, reason, providerStatus)
	if err != nil {
		return nil, err
	}
	if res.Applied {
		metrics.ModelTransitionsTotal.WithLabelValues(models.ModelStatusFailed, reason).Inc()
		s.Log.Info("model failed", "model_id", m.ID, "user_id", m.UserID, "reason", reason, "refunded", res.Refunded)
	}
	if res.MissingDebit {
		s.alert(ctx, &models.AccountingAlert{
			UserID:  m.UserID,
			ModelID: &m.ID,
			Kind:    models.AlertMissingDebit,
			Details: fmt.Sprintf("model failed (%s) with no training debit to refund", reason),
		})
	}
	return s.reread(ctx, m.ID)
}

func (s *service) reread(ctx context.Context, id uuid.UUID) (*Status, error) {
	m, err := s.Models.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return statusOf(m), nil
}

func (s *service) isStale(m *models.Model) bool {
	return s.opts.StaleAfter > 0 && s.now().Sub(m.CreatedAt) > s.opts.StaleAfter
}

func (s *service) scheduleNext(ctx context.Context, m *models.Model, providerStatus string) error {
	at := s.now().Add(nextCheckDelay(m.CheckAttempts, s.opts.BaseBackoff, s.opts.MaxBackoff))
	return s.Models.ScheduleNextCheck(ctx, m.ID, providerStatus, at)
}

// nextCheckDelay doubles base per attempt, capped at ceiling.
func nextCheckDelay(attempts int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return ceiling
	}
	if attempts > 30 {
		return ceiling
	}
	d := base << attempts
	if d <= 0 || (ceiling > 0 && d > ceiling) {
		return ceiling
	}
	return d
}

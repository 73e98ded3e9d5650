package ledger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/metrics"
	"github.com/dreamphoto/trainer/internal/models"
)

const defaultEntriesLimit = 50

type Service interface {
	Debit(ctx context.Context, userID, amount int64, reason string, modelID *uuid.UUID) (*models.LedgerEntry, error)
	Credit(ctx context.Context, userID, amount int64, reason string, modelID *uuid.UUID) (*models.LedgerEntry, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	Entries(ctx context.Context, userID int64, limit int) ([]*models.LedgerEntry, error)
	// RecordAlert persists an accounting alert. It never fails silently: the
	// alert is logged even when the insert does not go through.
	RecordAlert(ctx context.Context, alert *models.AccountingAlert) error
}

type store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	DebitTx(ctx context.Context, tx pgx.Tx, userID, amount int64, reason string, modelID *uuid.UUID) (*models.LedgerEntry, error)
	CreditTx(ctx context.Context, tx pgx.Tx, userID, amount int64, reason string, modelID *uuid.UUID) (*models.LedgerEntry, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	Entries(ctx context.Context, userID int64, limit int) ([]*models.LedgerEntry, error)
	RecordAlert(ctx context.Context, a *models.AccountingAlert) error
}

type service struct {
	repo store
	log  *slog.Logger
}

func NewService(repo *Repository, log *slog.Logger) Service {
	return newService(repo, log)
}

func newService(repo store, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	return &service{repo: repo, log: log}
}

var _ Service = (*service)(nil)

func (s *service) Debit(ctx context.Context, userID, amount int64, reason string, modelID *uuid.UUID) (*models.LedgerEntry, error) {
	return s.apply(ctx, userID, amount, reason, modelID, s.repo.DebitTx)
}

func (s *service) Credit(ctx context.Context, userID, amount int64, reason string, modelID *uuid.UUID) (*models.LedgerEntry, error) {
	return s.apply(ctx, userID, amount, reason, modelID, s.repo.CreditTx)
}

type txOp func(ctx context.Context, tx pgx.Tx, userID, amount int64, reason string, modelID *uuid.UUID) (*models.LedgerEntry, error)

func (s *service) apply(ctx context.Context, userID, amount int64, reason string, modelID *uuid.UUID, op txOp) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, errs.Validation("amount", "must be positive")
	}
	if reason == "" {
		return nil, errs.Validation("reason", "is required")
	}
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	entry, err := op(ctx, tx, userID, amount, reason, modelID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(reason).Inc()
	return entry, nil
}

func (s *service) Balance(ctx context.Context, userID int64) (int64, error) {
	return s.repo.Balance(ctx, userID)
}

func (s *service) Entries(ctx context.Context, userID int64, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultEntriesLimit
	}
	return s.repo.Entries(ctx, userID, limit)
}

func (s *service) RecordAlert(ctx context.Context, alert *models.AccountingAlert) error {
	metrics.AccountingAlertsTotal.WithLabelValues(alert.Kind).Inc()
	s.log.Error("accounting inconsistency",
		"alert", true,
		"kind", alert.Kind,
		"user_id", alert.UserID,
		"model_id", alert.ModelID,
		"details", alert.Details,
	)
	if err := s.repo.RecordAlert(ctx, alert); err != nil {
		s.log.Error("failed to persist accounting alert", "kind", alert.Kind, "user_id", alert.UserID, "error", err)
		return err
	}
	return nil
}

package training

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dreamphoto/trainer/internal/metrics"
	"github.com/dreamphoto/trainer/internal/models"
)

type SettleResult struct {
	// Applied is false when another reconciler already settled the model.
	Applied      bool
	Refunded     int64
	MissingDebit bool
}

// Settler fails a training model and refunds its debit as one unit.
type Settler interface {
	FailAndRefund(ctx context.Context, m *models.Model, reason, providerStatus string) (SettleResult, error)
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type failMarker interface {
	MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason, providerStatus string) (bool, error)
}

type refundLedger interface {
	DebitedForTx(ctx context.Context, tx pgx.Tx, modelID uuid.UUID) (int64, error)
	CreditTx(ctx context.Context, tx pgx.Tx, userID, amount int64, reason string, modelID *uuid.UUID) (*models.LedgerEntry, error)
}

// PGSettler runs the guarded status update and the refund in a single
// Postgres transaction. Concurrent settlements serialize on the model row
// and only the first sees status 'training'.
type PGSettler struct {
	db     txBeginner
	models failMarker
	ledger refundLedger
}

func NewPGSettler(db txBeginner, store failMarker, ledger refundLedger) *PGSettler {
	return &PGSettler{db: db, models: store, ledger: ledger}
}

var _ Settler = (*PGSettler)(nil)

func (p *PGSettler) FailAndRefund(ctx context.Context, m *models.Model, reason, providerStatus string) (SettleResult, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return SettleResult{}, fmt.Errorf("begin settlement: %w", err)
	}
	defer tx.Rollback(ctx)

	applied, err := p.models.MarkFailedTx(ctx, tx, m.ID, reason, providerStatus)
	if err != nil {
		return SettleResult{}, fmt.Errorf("mark model %s failed: %w", m.ID, err)
	}
	if !applied {
		return SettleResult{}, nil
	}

	res := SettleResult{Applied: true}
	debited, err := p.ledger.DebitedForTx(ctx, tx, m.ID)
	if err != nil {
		return SettleResult{}, fmt.Errorf("look up debit for model %s: %w", m.ID, err)
	}
	if debited > 0 {
		if _, err := p.ledger.CreditTx(ctx, tx, m.UserID, debited, models.LedgerTrainingRefund, &m.ID); err != nil {
			return SettleResult{}, fmt.Errorf("refund model %s: %w", m.ID, err)
		}
		res.Refunded = debited
	} else {
		res.MissingDebit = true
	}

	if err := tx.Commit(ctx); err != nil {
		return SettleResult{}, fmt.Errorf("commit settlement: %w", err)
	}
	if res.Refunded > 0 {
		metrics.LedgerEntriesTotal.WithLabelValues(models.LedgerTrainingRefund).Inc()
	}
	return res, nil
}

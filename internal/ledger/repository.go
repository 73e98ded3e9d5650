package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// DebitTx runs inside the caller's transaction. The balance check and the
// decrement are one conditional UPDATE, so two concurrent debits can never
// both pass against the same tokens.
func (r *Repository) DebitTx(ctx context.Context, tx pgx.Tx, userID, amount int64, reason string, modelID *uuid.UUID) (*models.LedgerEntry, error) {
	var balanceAfter int64
	err := tx.QueryRow(ctx, `
		UPDATE users
		SET token_balance = token_balance - $1, updated_at = now()
		WHERE id = $2 AND token_balance >= $1
		RETURNING token_balance
	`, amount, userID).Scan(&balanceAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		available, lookupErr := r.balanceTx(ctx, tx, userID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return nil, &errs.InsufficientBalanceError{Required: amount, Available: available}
	}
	if err != nil {
		return nil, fmt.Errorf("debit user %d: %w", userID, err)
	}
	return r.insertEntry(ctx, tx, userID, -amount, reason, modelID, balanceAfter)
}

// CreditTx adds tokens unconditionally inside the caller's transaction.
func (r *Repository) CreditTx(ctx context.Context, tx pgx.Tx, userID, amount int64, reason string, modelID *uuid.UUID) (*models.LedgerEntry, error) {
	var balanceAfter int64
	err := tx.QueryRow(ctx, `
		UPDATE users
		SET token_balance = token_balance + $1, updated_at = now()
		WHERE id = $2
		RETURNING token_balance
	`, amount, userID).Scan(&balanceAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("user", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("credit user %d: %w", userID, err)
	}
	return r.insertEntry(ctx, tx, userID, amount, reason, modelID, balanceAfter)
}

func (r *Repository) insertEntry(ctx context.Context, tx pgx.Tx, userID, delta int64, reason string, modelID *uuid.UUID, balanceAfter int64) (*models.LedgerEntry, error) {
	e := &models.LedgerEntry{
		UserID:       userID,
		Delta:        delta,
		Reason:       reason,
		ModelID:      modelID,
		BalanceAfter: balanceAfter,
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (user_id, delta, reason, model_id, balance_after)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, userID, delta, reason, modelID, balanceAfter).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	return e, nil
}

func (r *Repository) balanceTx(ctx context.Context, tx pgx.Tx, userID int64) (int64, error) {
	var bal int64
	err := tx.QueryRow(ctx, `SELECT token_balance FROM users WHERE id = $1`, userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errs.NotFound("user", userID)
	}
	return bal, err
}

func (r *Repository) Balance(ctx context.Context, userID int64) (int64, error) {
	var bal int64
	err := r.pool.QueryRow(ctx, `SELECT token_balance FROM users WHERE id = $1`, userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errs.NotFound("user", userID)
	}
	return bal, err
}

// DebitedForTx returns the tokens charged for a model's training, as a positive number.
func (r *Repository) DebitedForTx(ctx context.Context, tx pgx.Tx, modelID uuid.UUID) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(-SUM(delta), 0)::BIGINT FROM ledger_entries
		WHERE model_id = $1 AND reason = $2
	`, modelID, models.LedgerTrainingDebit).Scan(&total)
	return total, err
}

func (r *Repository) Entries(ctx context.Context, userID int64, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, delta, reason, model_id, balance_after, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e := &models.LedgerEntry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Reason, &e.ModelID, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

func (r *Repository) RecordAlert(ctx context.Context, a *models.AccountingAlert) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO accounting_alerts (user_id, model_id, kind, details)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, a.UserID, a.ModelID, a.Kind, a.Details).Scan(&a.ID, &a.CreatedAt)
}

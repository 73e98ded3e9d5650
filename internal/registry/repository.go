package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/models"
)

const modelColumns = `id, user_id, name, trigger_word, status, job_id, result_url, batch_id,
	last_provider_status, failure_reason, check_attempts, next_check_at, created_at, updated_at`

// ErrDuplicateBatch is returned when a model already exists for the intake batch.
var ErrDuplicateBatch = errors.New("model already exists for batch")

// dbtx is satisfied by both the pool and a pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type CreateParams struct {
	UserID         int64
	Name           string
	TriggerWord    string
	JobID          string
	BatchID        uuid.UUID
	ProviderStatus string
	NextCheckAt    time.Time
}

// Create inserts a model that has already been accepted by the provider.
func (r *Repository) Create(ctx context.Context, p CreateParams) (*models.Model, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO models (user_id, name, trigger_word, status, job_id, batch_id, last_provider_status, next_check_at)
		VALUES ($1, $2, $3, 'training', $4, $5, $6, $7)
		RETURNING `+modelColumns,
		p.UserID, p.Name, p.TriggerWord, p.JobID, p.BatchID, p.ProviderStatus, p.NextCheckAt)
	m, err := scanModel(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateBatch
		}
		return nil, fmt.Errorf("insert model: %w", err)
	}
	return m, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Model, error) {
	return r.getOne(ctx, r.pool, `SELECT `+modelColumns+` FROM models WHERE id = $1`, id)
}

func (r *Repository) GetByJobID(ctx context.Context, jobID string) (*models.Model, error) {
	return r.getOne(ctx, r.pool, `SELECT `+modelColumns+` FROM models WHERE job_id = $1`, jobID)
}

func (r *Repository) FindByBatch(ctx context.Context, batchID uuid.UUID) (*models.Model, error) {
	return r.getOne(ctx, r.pool, `SELECT `+modelColumns+` FROM models WHERE batch_id = $1`, batchID)
}

func (r *Repository) getOne(ctx context.Context, q dbtx, sql string, arg any) (*models.Model, error) {
	m, err := scanModel(q.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("model", arg)
	}
	return m, err
}

func (r *Repository) ListByUser(ctx context.Context, userID int64) ([]*models.Model, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+modelColumns+` FROM models WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectModels(rows)
}

// ListDue returns training models whose next check time has passed, oldest check first.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Model, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+modelColumns+` FROM models
		WHERE status = 'training' AND (next_check_at IS NULL OR next_check_at <= $1)
		ORDER BY next_check_at NULLS FIRST
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectModels(rows)
}

// MarkReady finishes a training model. It returns false when the model was
// no longer in training, in which case nothing was written.
func (r *Repository) MarkReady(ctx context.Context, id uuid.UUID, resultURL, providerStatus string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE models
		SET status = 'ready', result_url = $2, last_provider_status = $3, next_check_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'training'
	`, id, resultURL, providerStatus)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed is MarkFailedTx outside a caller's transaction.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason, providerStatus string) (bool, error) {
	return markFailed(ctx, r.pool, id, reason, providerStatus)
}

func (r *Repository) MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason, providerStatus string) (bool, error) {
	return markFailed(ctx, tx, id, reason, providerStatus)
}

func markFailed(ctx context.Context, q dbtx, id uuid.UUID, reason, providerStatus string) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE models
		SET status = 'failed', failure_reason = $2, last_provider_status = $3, next_check_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'training'
	`, id, reason, providerStatus)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ScheduleNextCheck records a non-terminal observation and pushes out the next poll.
func (r *Repository) ScheduleNextCheck(ctx context.Context, id uuid.UUID, providerStatus string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE models
		SET last_provider_status = $2, next_check_at = $3, check_attempts = check_attempts + 1, updated_at = now()
		WHERE id = $1 AND status = 'training'
	`, id, providerStatus, at)
	return err
}

func collectModels(rows pgx.Rows) ([]*models.Model, error) {
	var list []*models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

func scanModel(row pgx.Row) (*models.Model, error) {
	m := &models.Model{}
	err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.TriggerWord, &m.Status, &m.JobID, &m.ResultURL, &m.BatchID,
		&m.LastProviderStatus, &m.FailureReason, &m.CheckAttempts, &m.NextCheckAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Package training runs the model-training pipeline: staging photos,
// dispatching paid training jobs and reconciling them with the provider.
package training

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dreamphoto/trainer/internal/intake"
	"github.com/dreamphoto/trainer/internal/ledger"
	"github.com/dreamphoto/trainer/internal/models"
	"github.com/dreamphoto/trainer/internal/provider"
	"github.com/dreamphoto/trainer/internal/registry"
)

type Service interface {
	Upload(ctx context.Context, userID int64, username string, uploads []intake.Upload) (*intake.Batch, error)
	StartTraining(ctx context.Context, req StartRequest) (*Dispatch, error)
	CheckStatus(ctx context.Context, jobID string, userID int64) (*Status, error)
	// ReconcileModel is the background variant of CheckStatus: no ownership
	// check, and a non-terminal result schedules the next poll.
	ReconcileModel(ctx context.Context, modelID uuid.UUID) (*Status, error)
	DueModels(ctx context.Context, limit int) ([]uuid.UUID, error)
}

type StartRequest struct {
	UserID      int64
	Username    string
	ModelName   string
	TriggerWord string
}

type Dispatch struct {
	ModelID     uuid.UUID `json:"model_id"`
	JobID       string    `json:"job_id"`
	TokensSpent int64     `json:"tokens_spent"`
	// Replayed is set when the staged batch had already been dispatched.
	Replayed bool `json:"replayed,omitempty"`
}

type Status struct {
	ModelID        uuid.UUID `json:"model_id"`
	ModelName      string    `json:"model_name"`
	TriggerWord    string    `json:"trigger_word"`
	ModelStatus    string    `json:"model_status"`
	ProviderStatus string    `json:"provider_status"`
	ResultURL      string    `json:"result_url,omitempty"`
}

func statusOf(m *models.Model) *Status {
	st := &Status{
		ModelID:        m.ID,
		ModelName:      m.Name,
		TriggerWord:    m.TriggerWord,
		ModelStatus:    m.Status,
		ProviderStatus: m.LastProviderStatus,
	}
	if m.ResultURL != nil {
		st.ResultURL = *m.ResultURL
	}
	return st
}

// --- collaborators ---

type UserLookup interface {
	Get(ctx context.Context, id int64) (*models.User, error)
}

type Stager interface {
	Stage(ctx context.Context, userID int64, username string, uploads []intake.Upload) (*intake.Batch, error)
	Load(userID int64, username string) (*intake.Batch, error)
}

type ArchiveBuilder interface {
	Build(batch *intake.Batch) (string, error)
	Remove(path string) error
}

type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

type Provider interface {
	Dispatch(ctx context.Context, req provider.DispatchRequest) (*provider.Training, error)
	GetStatus(ctx context.Context, jobID string) (*provider.Training, error)
	Cancel(ctx context.Context, jobID string) error
}

type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

type ModelStore interface {
	Create(ctx context.Context, p registry.CreateParams) (*models.Model, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Model, error)
	GetByJobID(ctx context.Context, jobID string) (*models.Model, error)
	FindByBatch(ctx context.Context, batchID uuid.UUID) (*models.Model, error)
	MarkReady(ctx context.Context, id uuid.UUID, resultURL, providerStatus string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason, providerStatus string) (bool, error)
	ScheduleNextCheck(ctx context.Context, id uuid.UUID, providerStatus string, at time.Time) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Model, error)
}

// EnqueueReconcileFunc schedules a background status check for a model.
// Provided by main as a closure over the River client.
type EnqueueReconcileFunc func(ctx context.Context, modelID uuid.UUID, delay time.Duration) error

type Options struct {
	Cost               int64
	DefaultTriggerWord string
	MaxModelNameLen    int
	InitialDelay       time.Duration
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	StaleAfter         time.Duration
}

type Deps struct {
	Users    UserLookup
	Stager   Stager
	Archives ArchiveBuilder
	Uploader Uploader
	Provider Provider
	Locker   Locker
	Models   ModelStore
	Ledger   ledger.Service
	Settler  Settler
	Enqueue  EnqueueReconcileFunc
	Log      *slog.Logger
}

type service struct {
	Deps
	opts Options
	now  func() time.Time
}

func NewService(deps Deps, opts Options) Service {
	return newService(deps, opts)
}

func newService(deps Deps, opts Options) *service {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if opts.DefaultTriggerWord == "" {
		opts.DefaultTriggerWord = models.DefaultTriggerWord
	}
	if opts.MaxModelNameLen <= 0 {
		opts.MaxModelNameLen = 100
	}
	return &service{Deps: deps, opts: opts, now: time.Now}
}

var _ Service = (*service)(nil)

// Upload stages a fresh batch for an existing user, replacing any earlier one.
// It holds the same per-user lock as StartTraining so a dispatch never reads
// a batch that is being replaced.
func (s *service) Upload(ctx context.Context, userID int64, username string, uploads []intake.Upload) (*intake.Batch, error) {
	user, err := s.Users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	release, err := s.Locker.Acquire(ctx, userLockKey(userID))
	if err != nil {
		return nil, err
	}
	defer release()
	return s.Stager.Stage(ctx, userID, stagingName(user, username), uploads)
}

func userLockKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// stagingName picks the username that keys the staging directory.
func stagingName(user *models.User, requested string) string {
	if name := strings.TrimSpace(requested); name != "" {
		return name
	}
	return user.Username
}

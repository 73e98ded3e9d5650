package training

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dreamphoto/trainer/internal/archive"
	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/intake"
	"github.com/dreamphoto/trainer/internal/ledger"
	"github.com/dreamphoto/trainer/internal/models"
	"github.com/dreamphoto/trainer/internal/provider"
	"github.com/dreamphoto/trainer/internal/registry"
)

// ---------------------------------------------------------------------------
// world is an in-memory registry + ledger + settler sharing one mutex, so a
// settlement is as atomic as the Postgres transaction it stands in for.
// ---------------------------------------------------------------------------

type world struct {
	mu       sync.Mutex
	users    map[int64]*models.User
	balances map[int64]int64
	entries  []*models.LedgerEntry
	alerts   []*models.AccountingAlert
	rows      map[uuid.UUID]*models.Model
	debitErr  error
	createErr error
}

func newWorld() *world {
	return &world{
		users:    map[int64]*models.User{},
		balances: map[int64]int64{},
		rows:     map[uuid.UUID]*models.Model{},
	}
}

func (w *world) addUser(id int64, username string, balance int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.users[id] = &models.User{ID: id, Username: username, TokenBalance: balance}
	w.balances[id] = balance
}

func (w *world) balance(id int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[id]
}

func (w *world) modelCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

func (w *world) entriesFor(reason string) []*models.LedgerEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range w.entries {
		if e.Reason == reason {
			out = append(out, e)
		}
	}
	return out
}

func (w *world) alertKinds() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, a := range w.alerts {
		out = append(out, a.Kind)
	}
	return out
}

// user lookup

func (w *world) Get(_ context.Context, id int64) (*models.User, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	u, ok := w.users[id]
	if !ok {
		return nil, errs.NotFound("user", id)
	}
	cp := *u
	cp.TokenBalance = w.balances[id]
	return &cp, nil
}

// model store

func (w *world) Create(_ context.Context, p registry.CreateParams) (*models.Model, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.createErr != nil {
		return nil, w.createErr
	}
	for _, m := range w.rows {
		if m.BatchID == p.BatchID {
			return nil, registry.ErrDuplicateBatch
		}
	}
	jobID := p.JobID
	next := p.NextCheckAt
	now := time.Now()
	m := &models.Model{
		ID:                 uuid.New(),
		UserID:             p.UserID,
		Name:               p.Name,
		TriggerWord:        p.TriggerWord,
		Status:             models.ModelStatusTraining,
		JobID:              &jobID,
		BatchID:            p.BatchID,
		LastProviderStatus: p.ProviderStatus,
		NextCheckAt:        &next,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	w.rows[m.ID] = m
	cp := *m
	return &cp, nil
}

func (w *world) find(match func(*models.Model) bool, what string, id any) (*models.Model, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.rows {
		if match(m) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, errs.NotFound(what, id)
}

func (w *world) GetByID(_ context.Context, id uuid.UUID) (*models.Model, error) {
	return w.find(func(m *models.Model) bool { return m.ID == id }, "model", id)
}

func (w *world) GetByJobID(_ context.Context, jobID string) (*models.Model, error) {
	return w.find(func(m *models.Model) bool { return m.JobID != nil && *m.JobID == jobID }, "training job", jobID)
}

func (w *world) FindByBatch(_ context.Context, batchID uuid.UUID) (*models.Model, error) {
	return w.find(func(m *models.Model) bool { return m.BatchID == batchID }, "model for batch", batchID)
}

func (w *world) MarkReady(_ context.Context, id uuid.UUID, resultURL, providerStatus string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.rows[id]
	if !ok || m.Status != models.ModelStatusTraining {
		return false, nil
	}
	m.Status = models.ModelStatusReady
	m.ResultURL = &resultURL
	m.LastProviderStatus = providerStatus
	m.NextCheckAt = nil
	return true, nil
}

func (w *world) MarkFailed(_ context.Context, id uuid.UUID, reason, providerStatus string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.markFailedLocked(id, reason, providerStatus), nil
}

func (w *world) markFailedLocked(id uuid.UUID, reason, providerStatus string) bool {
	m, ok := w.rows[id]
	if !ok || m.Status != models.ModelStatusTraining {
		return false
	}
	m.Status = models.ModelStatusFailed
	m.FailureReason = &reason
	m.LastProviderStatus = providerStatus
	m.NextCheckAt = nil
	return true
}

func (w *world) ScheduleNextCheck(_ context.Context, id uuid.UUID, providerStatus string, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.rows[id]
	if !ok || m.Status != models.ModelStatusTraining {
		return nil
	}
	m.LastProviderStatus = providerStatus
	m.NextCheckAt = &at
	m.CheckAttempts++
	return nil
}

func (w *world) ListDue(_ context.Context, now time.Time, limit int) ([]*models.Model, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*models.Model
	for _, m := range w.rows {
		if m.Status == models.ModelStatusTraining && (m.NextCheckAt == nil || !m.NextCheckAt.After(now)) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// backdate ages a model to exercise the stale timeout.
func (w *world) backdate(id uuid.UUID, age time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows[id].CreatedAt = time.Now().Add(-age)
}

// ledger.Service

var _ ledger.Service = (*world)(nil)

func (w *world) Debit(_ context.Context, userID, amount int64, reason string, modelID *uuid.UUID) (*models.LedgerEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debitErr != nil {
		return nil, w.debitErr
	}
	bal, ok := w.balances[userID]
	if !ok {
		return nil, errs.NotFound("user", userID)
	}
	if bal < amount {
		return nil, &errs.InsufficientBalanceError{Required: amount, Available: bal}
	}
	return w.appendLocked(userID, -amount, reason, modelID), nil
}

func (w *world) Credit(_ context.Context, userID, amount int64, reason string, modelID *uuid.UUID) (*models.LedgerEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(userID, amount, reason, modelID), nil
}

func (w *world) appendLocked(userID, delta int64, reason string, modelID *uuid.UUID) *models.LedgerEntry {
	w.balances[userID] += delta
	e := &models.LedgerEntry{ID: uuid.New(), UserID: userID, Delta: delta, Reason: reason, ModelID: modelID, BalanceAfter: w.balances[userID]}
	w.entries = append(w.entries, e)
	return e
}

func (w *world) Balance(_ context.Context, userID int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	bal, ok := w.balances[userID]
	if !ok {
		return 0, errs.NotFound("user", userID)
	}
	return bal, nil
}

func (w *world) Entries(_ context.Context, userID int64, limit int) ([]*models.LedgerEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*models.LedgerEntry
	for i := len(w.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if w.entries[i].UserID == userID {
			out = append(out, w.entries[i])
		}
	}
	return out, nil
}

func (w *world) RecordAlert(_ context.Context, a *models.AccountingAlert) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alerts = append(w.alerts, a)
	return nil
}

// Settler

func (w *world) FailAndRefund(_ context.Context, m *models.Model, reason, providerStatus string) (SettleResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.markFailedLocked(m.ID, reason, providerStatus) {
		return SettleResult{}, nil
	}
	var debited int64
	for _, e := range w.entries {
		if e.ModelID != nil && *e.ModelID == m.ID && e.Reason == models.LedgerTrainingDebit {
			debited -= e.Delta
		}
	}
	if debited == 0 {
		return SettleResult{Applied: true, MissingDebit: true}, nil
	}
	w.appendLocked(m.UserID, debited, models.LedgerTrainingRefund, &m.ID)
	return SettleResult{Applied: true, Refunded: debited}, nil
}

// ---------------------------------------------------------------------------
// Provider, uploader and lock fakes
// ---------------------------------------------------------------------------

type fakeProvider struct {
	mu          sync.Mutex
	next        int
	dispatched  []provider.DispatchRequest
	statuses    map[string]*provider.Training
	statusCalls int
	canceled    []string
	dispatchErr error
	statusErr   error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{statuses: map[string]*provider.Training{}}
}

func (p *fakeProvider) Dispatch(_ context.Context, req provider.DispatchRequest) (*provider.Training, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dispatchErr != nil {
		return nil, p.dispatchErr
	}
	p.next++
	p.dispatched = append(p.dispatched, req)
	t := &provider.Training{ID: fmt.Sprintf("tr_%d", p.next), Status: models.ProviderStatusStarting}
	p.statuses[t.ID] = &provider.Training{ID: t.ID, Status: t.Status}
	return t, nil
}

func (p *fakeProvider) GetStatus(_ context.Context, jobID string) (*provider.Training, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusCalls++
	if p.statusErr != nil {
		return nil, p.statusErr
	}
	t, ok := p.statuses[jobID]
	if !ok {
		return nil, errs.NotFound("training job", jobID)
	}
	cp := *t
	return &cp, nil
}

func (p *fakeProvider) Cancel(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, jobID)
	return nil
}

func (p *fakeProvider) set(jobID, status, weights string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := &provider.Training{ID: jobID, Status: status}
	if weights != "" {
		t.Output = &provider.TrainingOutput{Weights: weights}
	}
	p.statuses[jobID] = t
}

func (p *fakeProvider) calls() (dispatches, statusChecks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dispatched), p.statusCalls
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (u *fakeUploader) Upload(_ context.Context, _, key string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.keys = append(u.keys, key)
	return "https://bucket.example/" + key + "?sig=1", nil
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, errs.ErrBusy
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

const testCost = 300

type harness struct {
	svc      *service
	world    *world
	provider *fakeProvider
	uploader *fakeUploader
	locker   *memLocker
	stager   *intake.Stager
	enqueued []uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		world:    newWorld(),
		provider: newFakeProvider(),
		uploader: &fakeUploader{},
		locker:   &memLocker{},
		stager:   intake.NewStager(t.TempDir(), 25, 4, nil),
	}
	h.svc = newService(Deps{
		Users:    h.world,
		Stager:   h.stager,
		Archives: archive.NewBuilder(t.TempDir()),
		Uploader: h.uploader,
		Provider: h.provider,
		Locker:   h.locker,
		Models:   h.world,
		Ledger:   h.world,
		Settler:  h.world,
		Enqueue: func(_ context.Context, id uuid.UUID, _ time.Duration) error {
			h.enqueued = append(h.enqueued, id)
			return nil
		},
	}, Options{
		Cost:         testCost,
		InitialDelay: time.Minute,
		BaseBackoff:  30 * time.Second,
		MaxBackoff:   30 * time.Minute,
		StaleAfter:   6 * time.Hour,
	})
	return h
}

// stage uploads n small PNGs for the user.
func (h *harness) stage(t *testing.T, userID int64, username string, n int) *intake.Batch {
	t.Helper()
	batch, err := h.svc.Upload(context.Background(), userID, username, pngUploads(t, n))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	return batch
}

func (h *harness) start(t *testing.T, userID int64, username string) *Dispatch {
	t.Helper()
	d, err := h.svc.StartTraining(context.Background(), StartRequest{UserID: userID, Username: username, ModelName: "Portrait"})
	if err != nil {
		t.Fatalf("start training: %v", err)
	}
	return d
}

func pngUploads(t *testing.T, n int) []intake.Upload {
	t.Helper()
	out := make([]intake.Upload, 0, n)
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		img.Set(1, 1, color.RGBA{R: uint8(i), A: 255})
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			t.Fatal(err)
		}
		out = append(out, intake.Upload{Filename: fmt.Sprintf("p%d.png", i), ContentType: "image/png", Data: buf.Bytes()})
	}
	return out
}

var errBoom = errors.New("boom")

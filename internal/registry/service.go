package registry

import (
	"context"

	"github.com/google/uuid"

	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/models"
)

// Service is the read side of the model registry exposed to HTTP callers.
type Service interface {
	ListModels(ctx context.Context, userID int64) ([]*models.Model, error)
	GetModel(ctx context.Context, userID int64, id uuid.UUID) (*models.Model, error)
}

type reader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Model, error)
	ListByUser(ctx context.Context, userID int64) ([]*models.Model, error)
}

type service struct {
	repo reader
}

func NewService(repo *Repository) Service {
	return &service{repo: repo}
}

var _ Service = (*service)(nil)

func (s *service) ListModels(ctx context.Context, userID int64) ([]*models.Model, error) {
	list, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.Model{}
	}
	return list, nil
}

// GetModel hides models owned by other users behind an authorization error.
func (s *service) GetModel(ctx context.Context, userID int64, id uuid.UUID) (*models.Model, error) {
	m, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, &errs.AuthorizationError{Message: "model belongs to another user"}
	}
	return m, nil
}

package ledger

import (
	"context"
	"errors"
)

// RepositoryPort abstracts the read surface for the service.
type RepositoryPort interface {
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

// Service exposes the chronological ledger view.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// List returns entries matching the filter in chronological order. The
// before/after aggregate quantities stored on each entry give the running
// balance without recomputation.
func (s *Service) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if filter.From.After(filter.To) && !filter.To.IsZero() {
		return nil, errors.New("ledger: from date after to date")
	}
	return s.repo.List(ctx, filter)
}

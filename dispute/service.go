package dispute

import "context"

// Reader abstracts repository reads for the listing service.
type Reader interface {
	List(ctx context.Context, filters Filters) ([]Record, error)
	GetByID(ctx context.Context, id string) (Record, error)
}

// Service exposes read access for arbiters and operational tooling. Dispute
// writes go through the escrow lifecycle service so they commit atomically
// with the owning transaction's status change.
type Service struct {
	repo Reader
}

func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, filters Filters) ([]Record, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) GetByID(ctx context.Context, id string) (Record, error) {
	return s.repo.GetByID(ctx, id)
}

package stores

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Service exposes the store directory.
type Service struct {
	repo Repository
}

// NewService constructs Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, filters ListFilters) ([]Store, error) {
	filters.Search = strings.TrimSpace(filters.Search)
	return s.repo.List(ctx, filters)
}

func (s *Service) Get(ctx context.Context, id int64) (Store, error) {
	if id <= 0 {
		return Store{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) Create(ctx context.Context, st Store) (Store, error) {
	st.Code = strings.ToUpper(strings.TrimSpace(st.Code))
	st.Name = strings.TrimSpace(st.Name)
	if err := s.validate(st); err != nil {
		return Store{}, err
	}
	created, err := s.repo.Create(ctx, st)
	if err != nil {
		return Store{}, fmt.Errorf("create store %s: %w", st.Code, err)
	}
	return created, nil
}

// Exists reports whether id names an active store.
func (s *Service) Exists(ctx context.Context, id int64) (bool, error) {
	if id <= 0 {
		return false, nil
	}
	st, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return st.Active, nil
}

// CountActive returns how many stores can currently receive goods.
func (s *Service) CountActive(ctx context.Context) (int, error) {
	return s.repo.CountActive(ctx)
}

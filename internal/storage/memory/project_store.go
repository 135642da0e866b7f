package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"credit-ledger-indexer/internal/domain"
	"credit-ledger-indexer/internal/storage"
)

// ProjectStore is an in-memory implementation of storage.ProjectStore.
type ProjectStore struct {
	mu         sync.RWMutex
	data       map[string]*domain.Project // keyed by id
	byContract map[string]string          // contract -> id
}

var _ storage.ProjectStore = (*ProjectStore)(nil)

// NewProjectStore creates a new in-memory project store.
func NewProjectStore() *ProjectStore {
	return &ProjectStore{
		data:       make(map[string]*domain.Project),
		byContract: make(map[string]string),
	}
}

// Insert adds a new project. Returns ErrDuplicateKey if the id or contract exists.
func (s *ProjectStore) Insert(_ context.Context, p *domain.Project) error {
	if p == nil || domain.IsZero(p.ContractAddress) || !p.CreditType.IsValid() {
		return storage.ErrInvalidInput
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if _, err := uuid.Parse(p.ID); err != nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.ID]; exists {
		return storage.ErrDuplicateKey
	}
	if _, exists := s.byContract[p.Contract()]; exists {
		return storage.ErrDuplicateKey
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	s.data[p.ID] = copyProject(p)
	s.byContract[p.Contract()] = p.ID
	return nil
}

// GetByID retrieves a project by its ID. Returns ErrNotFound if not exists.
func (s *ProjectStore) GetByID(_ context.Context, id string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyProject(p), nil
}

// List retrieves all projects ordered by created_at ASC.
func (s *ProjectStore) List(_ context.Context) ([]*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Project, 0, len(s.data))
	for _, p := range s.data {
		result = append(result, copyProject(p))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

func copyProject(p *domain.Project) *domain.Project {
	c := *p
	if p.ABI != nil {
		c.ABI = append([]byte(nil), p.ABI...)
	}
	return &c
}

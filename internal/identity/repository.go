package identity

import (
	"context"
	"sync"

	"github.com/gocomet/ride-coordination/internal/domain/user"
)

// MemoryRepository keeps accounts in process
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]*user.User
	byEmail map[string]string
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]*user.User),
		byEmail: make(map[string]string),
	}
}

var _ user.Repository = (*MemoryRepository)(nil)

// Create stores u, rejecting duplicate emails
func (r *MemoryRepository) Create(ctx context.Context, u *user.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byEmail[u.Email]; taken {
		return user.ErrEmailTaken
	}
	c := *u
	r.byID[u.ID] = &c
	r.byEmail[u.Email] = u.ID
	return nil
}

// GetByID returns a copy of the user
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*user.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

// GetByEmail returns a copy of the user
func (r *MemoryRepository) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	r.mu.RLock()
	id, ok := r.byEmail[email]
	r.mu.RUnlock()
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return r.GetByID(ctx, id)
}

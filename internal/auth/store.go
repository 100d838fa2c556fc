package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"campusid.org/internal/ids"
)

// AdminStore persists administrative accounts.
type AdminStore interface {
	Create(ctx context.Context, a *Admin) error
	Find(ctx context.Context, id string) (*Admin, error)
	FindByEmail(ctx context.Context, email string) (*Admin, error)
}

// InMemoryAdmins implements AdminStore in process, for tests and for running
// the service without a database.
type InMemoryAdmins struct {
	mu      sync.RWMutex
	byID    map[string]*Admin
	byEmail map[string]string
}

var _ AdminStore = (*InMemoryAdmins)(nil)

func NewInMemoryAdmins() *InMemoryAdmins {
	return &InMemoryAdmins{
		byID:    make(map[string]*Admin),
		byEmail: make(map[string]string),
	}
}

func (s *InMemoryAdmins) Create(ctx context.Context, a *Admin) error {
	email := normalizeEmail(a.Email)
	if email == "" || a.PasswordHash == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return ErrAlreadyExists
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Role == "" {
		a.Role = RoleAdmin
	}
	now := time.Now().UTC()
	a.Email = email
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := *a
	s.byID[a.ID] = &cp
	s.byEmail[email] = a.ID
	return nil
}

func (s *InMemoryAdmins) Find(ctx context.Context, id string) (*Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *InMemoryAdmins) FindByEmail(ctx context.Context, email string) (*Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

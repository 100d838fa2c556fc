package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// TokenTTL is how long issued admin tokens stay valid.
const TokenTTL = 12 * time.Hour

// Service authenticates administrators and issues bearer tokens.
type Service struct {
	store AdminStore
}

func NewService(store AdminStore) *Service {
	return &Service{store: store}
}

// Login verifies the email/password pair and returns the admin with a signed
// token. Unknown email and wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*Admin, string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, "", ErrInvalidCredentials
	}
	admin, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if err := VerifyPassword(admin.PasswordHash, password); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	token, err := GenerateToken(admin.ID, admin.Email, []string{admin.Role}, TokenTTL)
	if err != nil {
		return nil, "", err
	}
	return admin, token, nil
}

// EnsureAdmin creates an administrative account if the email is not taken.
// Used by the migrate tool to seed the first operator.
func (s *Service) EnsureAdmin(ctx context.Context, name, email, password, role string) (*Admin, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrInvalidInput
	}
	if existing, err := s.store.FindByEmail(ctx, email); err == nil {
		return existing, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	role = strings.TrimSpace(strings.ToLower(role))
	if role != RoleSuperAdmin {
		role = RoleAdmin
	}
	admin := &Admin{
		Name:         strings.TrimSpace(name),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
	}
	if err := s.store.Create(ctx, admin); err != nil {
		return nil, err
	}
	return admin, nil
}

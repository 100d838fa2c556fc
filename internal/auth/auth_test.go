package auth

import (
	"context"
	"slices"
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	t.Setenv(secretEnvVariable, "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken("admin-1", "ops@example.edu", []string{"Admin", "admin", "superadmin"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "admin-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Email != "ops@example.edu" {
		t.Fatalf("unexpected email: %s", claims.Email)
	}
	if !slices.Contains(claims.Roles, "admin") || !slices.Contains(claims.Roles, "superadmin") {
		t.Fatalf("roles were not preserved: %v", claims.Roles)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", claims.Roles)
	}
}

func TestParseRejectsGarbageAndMissingSecret(t *testing.T) {
	t.Setenv(secretEnvVariable, "test-secret")
	ResetSecretForTests()

	if _, err := ParseAndValidate("not-a-token"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	token, err := GenerateToken("admin-1", "", []string{"admin"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	t.Setenv(secretEnvVariable, "")
	ResetSecretForTests()
	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("expected failure with missing secret")
	}
	ResetSecretForTests()
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "admin-7", "ops@example.edu", []string{"Admin", "Admin", "viewer"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "admin-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	email, ok := EmailFromContext(ctx)
	if !ok || email != "ops@example.edu" {
		t.Fatalf("unexpected email: %s, ok=%v", email, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "viewer") || !HasRole(ctx, "admin") {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, "operator") {
		t.Fatal("unexpected role found")
	}
}

func TestLoginFlow(t *testing.T) {
	t.Setenv(secretEnvVariable, "test-secret")
	ResetSecretForTests()

	store := NewInMemoryAdmins()
	svc := NewService(store)
	ctx := context.Background()

	admin, err := svc.EnsureAdmin(ctx, "Registrar", "Registrar@Example.EDU", "hunter22", "admin")
	if err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	if admin.Email != "registrar@example.edu" {
		t.Fatalf("email not normalized: %q", admin.Email)
	}

	// second call reports the existing account
	if _, err := svc.EnsureAdmin(ctx, "Registrar", "registrar@example.edu", "other", "admin"); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	got, token, err := svc.Login(ctx, "registrar@example.edu", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != admin.ID || token == "" {
		t.Fatalf("unexpected login result: %+v token=%q", got, token)
	}

	if _, _, err := svc.Login(ctx, "registrar@example.edu", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.edu", "hunter22"); err != ErrInvalidCredentials {
		t.Fatalf("unknown email: expected ErrInvalidCredentials, got %v", err)
	}
}

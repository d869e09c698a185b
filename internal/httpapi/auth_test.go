package httpapi

import (
	"context"
	"testing"
	"time"

	"tillpoint/terminal/internal/domain"
	"tillpoint/terminal/internal/store/memory"
)

func newTestAuth(t *testing.T) *AuthManager {
	t.Helper()
	return NewAuthManager("test-secret-key", time.Hour, memory.NewSeeded())
}

func TestLoginIssuesParsableToken(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Role != "admin" {
		t.Fatalf("expected admin role, got %s", resp.Role)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.ID != "admin" || actor.Role != "admin" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "nope"}); err == nil {
		t.Fatalf("expected wrong password to be rejected")
	}
	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "nope"}); err == nil {
		t.Fatalf("expected unknown user to be rejected")
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	repo := memory.NewSeeded()
	issuer := NewAuthManager("secret-a-secret-a-secret-a-secret", time.Hour, repo)
	validator := NewAuthManager("secret-b-secret-b-secret-b-secret", time.Hour, repo)

	resp, err := issuer.Login(context.Background(), domain.LoginRequest{Username: "cashier", Password: "cashier123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := validator.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("token signed with another secret must be rejected")
	}
}

func TestCreateCashierValidatesInput(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	if _, err := auth.CreateCashier(ctx, "ab", "longenough"); err == nil {
		t.Fatalf("short username should be rejected")
	}
	if _, err := auth.CreateCashier(ctx, "newcashier", "tiny"); err == nil {
		t.Fatalf("short password should be rejected")
	}
	if _, err := auth.CreateCashier(ctx, "cashier", "longenough"); err == nil {
		t.Fatalf("existing username should be rejected")
	}

	user, err := auth.CreateCashier(ctx, "newcashier", "longenough")
	if err != nil {
		t.Fatalf("create cashier: %v", err)
	}
	if user.Password != "" {
		t.Fatalf("password hash must not be returned")
	}
	if user.Role != "cashier" {
		t.Fatalf("expected cashier role, got %s", user.Role)
	}

	if _, err := auth.Login(ctx, domain.LoginRequest{Username: "newcashier", Password: "longenough"}); err != nil {
		t.Fatalf("new cashier should be able to log in: %v", err)
	}
}

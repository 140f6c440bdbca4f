package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"trenerka/internal/models"
)

func TestService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := NewService(ctx, time.Hour)

	t.Run("GrantAndIdentify", func(t *testing.T) {
		token, err := svc.Grant("alice")
		if err != nil {
			t.Fatalf("Grant failed: %v", err)
		}
		if token == "" {
			t.Fatal("empty token")
		}

		identity, err := svc.Identify(token)
		if err != nil {
			t.Fatalf("Identify failed: %v", err)
		}
		if identity != "alice" {
			t.Errorf("expected alice, got %q", identity)
		}
	})

	t.Run("TokensAreUnique", func(t *testing.T) {
		t1, err := svc.Grant("alice")
		if err != nil {
			t.Fatal(err)
		}
		t2, err := svc.Grant("alice")
		if err != nil {
			t.Fatal(err)
		}
		if t1 == t2 {
			t.Error("expected distinct tokens per grant")
		}
	})

	t.Run("EmptyToken", func(t *testing.T) {
		if _, err := svc.Identify(""); !errors.Is(err, models.ErrAuthFailed) {
			t.Errorf("expected ErrAuthFailed, got %v", err)
		}
	})

	t.Run("UnknownToken", func(t *testing.T) {
		if _, err := svc.Identify("forged"); !errors.Is(err, models.ErrAuthFailed) {
			t.Errorf("expected ErrAuthFailed, got %v", err)
		}
	})

	t.Run("Revoke", func(t *testing.T) {
		token, err := svc.Grant("bob")
		if err != nil {
			t.Fatal(err)
		}
		svc.Revoke(token)
		if _, err := svc.Identify(token); !errors.Is(err, models.ErrAuthFailed) {
			t.Errorf("expected ErrAuthFailed after revoke, got %v", err)
		}
	})
}

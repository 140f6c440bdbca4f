// Package auth is the boundary to the external authentication collaborator.
// Identity issuance lives outside this subsystem; here a token is an opaque
// bearer credential that either maps to an identity or does not.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/c-pro/geche"

	"trenerka/internal/models"
)

const DefaultTokenExpiry = 24 * time.Hour

type Service struct {
	liveTokens geche.Geche[string, string]
}

func NewService(ctx context.Context, tokenExpiry time.Duration) *Service {
	if tokenExpiry <= 0 {
		tokenExpiry = DefaultTokenExpiry
	}
	return &Service{
		liveTokens: geche.NewMapTTLCache[string, string](ctx, tokenExpiry, time.Minute),
	}
}

// Grant issues a bearer token for the identity. In production the outer
// product's login flow calls this after it has verified the user.
func (s *Service) Grant(identity string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.StdEncoding.EncodeToString(b)
	s.liveTokens.Set(token, identity)
	return token, nil
}

// Revoke invalidates a token.
func (s *Service) Revoke(token string) {
	_ = s.liveTokens.Del(token)
}

// Identify resolves a bearer token to an identity.
func (s *Service) Identify(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing credential", models.ErrAuthFailed)
	}
	identity, err := s.liveTokens.Get(token)
	if err != nil {
		return "", fmt.Errorf("%w: unknown credential", models.ErrAuthFailed)
	}
	return identity, nil
}

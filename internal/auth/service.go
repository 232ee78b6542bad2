package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kantor-pay/kantor/internal/identity"
)

// ErrUnauthenticated is returned for missing, malformed, expired or revoked tokens.
var ErrUnauthenticated = errors.New("unauthenticated")

// UserLookup resolves the current token version of a user.
type UserLookup interface {
	FindByID(ctx context.Context, id string) (identity.User, error)
}

// Token is an issued access token.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Service issues and verifies bearer tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	users  UserLookup
	now    func() time.Time
}

// NewService builds a token service signing with secret.
func NewService(secret string, ttl time.Duration, users UserLookup) *Service {
	return &Service{secret: []byte(secret), ttl: ttl, users: users, now: time.Now}
}

// Issue signs a token bound to the user's current token version.
func (s *Service) Issue(user identity.User) (Token, error) {
	now := s.now()
	signed, err := signToken(s.secret, user.ID, user.TokenVersion, now, s.ttl)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{AccessToken: signed, ExpiresAt: now.Add(s.ttl)}, nil
}

// Verify checks the signature, expiry and token version and returns the
// authenticated user id.
func (s *Service) Verify(ctx context.Context, raw string) (string, error) {
	claims, err := parseToken(s.secret, raw, s.now)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	user, err := s.users.FindByID(ctx, claims.Subject)
	if errors.Is(err, identity.ErrUserNotFound) {
		return "", fmt.Errorf("%w: unknown subject", ErrUnauthenticated)
	}
	if err != nil {
		return "", err
	}
	if user.TokenVersion != claims.Version {
		return "", fmt.Errorf("%w: token revoked", ErrUnauthenticated)
	}
	return user.ID, nil
}

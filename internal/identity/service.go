package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// WalletProvisioner creates the zero-balance wallet for a new user.
type WalletProvisioner interface {
	Create(ctx context.Context, userID string) error
}

// Service manages identity lifecycle.
type Service struct {
	repo    Repository
	wallets WalletProvisioner
	logger  *slog.Logger
	cost    int
}

// NewService creates a new identity service.
func NewService(repo Repository, wallets WalletProvisioner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, wallets: wallets, logger: logger, cost: bcrypt.DefaultCost}
}

// Register creates a user together with its wallet. If the wallet cannot be
// provisioned the user is removed again so the email stays available.
func (s *Service) Register(ctx context.Context, creds Credentials) (User, error) {
	email, err := normalizeEmail(creds.Email)
	if err != nil {
		return User{}, err
	}
	if len(creds.Password) < MinPasswordLength {
		return User{}, fmt.Errorf("%w: at least %d characters", ErrWeakPassword, MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), s.cost)
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return User{}, err
	}

	if s.wallets != nil {
		if err := s.wallets.Create(ctx, user.ID); err != nil {
			if delErr := s.repo.Delete(context.WithoutCancel(ctx), user.ID); delErr != nil {
				s.logger.Error("registration rollback failed", slog.String("user_id", user.ID), slog.Any("error", delErr))
			}
			return User{}, fmt.Errorf("provision wallet: %w", err)
		}
	}

	s.logger.Info("user registered", slog.String("user_id", user.ID))
	return user, nil
}

// Authenticate verifies an email and password pair.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (User, error) {
	email, err := normalizeEmail(creds.Email)
	if err != nil {
		return User{}, ErrInvalidCredentials
	}
	user, err := s.repo.FindByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(creds.Password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// ChangePassword replaces the password after verifying the current one.
// Tokens issued before the change stop verifying.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) (User, error) {
	if len(newPassword) < MinPasswordLength {
		return User{}, fmt.Errorf("%w: at least %d characters", ErrWeakPassword, MinPasswordLength)
	}
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(oldPassword)); err != nil {
		return User{}, ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cost)
	if err != nil {
		return User{}, err
	}
	version, err := s.repo.UpdatePassword(ctx, userID, hash)
	if err != nil {
		return User{}, err
	}
	user.PasswordHash = hash
	user.TokenVersion = version
	s.logger.Info("password changed", slog.String("user_id", userID), slog.Int("token_version", version))
	return user, nil
}

// Get returns the user by identifier.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	return s.repo.FindByID(ctx, userID)
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

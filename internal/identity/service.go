// Package identity signs users up and in and resolves session tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/pkg/logger"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid session token")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrInvalidEmail       = errors.New("invalid email")
)

const minPasswordLength = 8

// Session is the result of a successful sign-in
type Session struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      *user.User `json:"user"`
}

// Service implements sign-up, sign-in, current-user and sign-out
type Service struct {
	users  user.Repository
	tokens *TokenManager
	logger *logger.Logger

	mu       sync.Mutex
	revoked  map[string]time.Time
	onLogout []func(userID string)
}

// NewService creates an identity service
func NewService(users user.Repository, tokens *TokenManager, log *logger.Logger) *Service {
	return &Service{
		users:   users,
		tokens:  tokens,
		logger:  log.Named("identity"),
		revoked: make(map[string]time.Time),
	}
}

// OnSignOut registers fn to run for every sign-out. Used to flush the
// signed-out user's pool listener and tracking sessions.
func (s *Service) OnSignOut(fn func(userID string)) {
	s.mu.Lock()
	s.onLogout = append(s.onLogout, fn)
	s.mu.Unlock()
}

// SignUp creates an account and returns it
func (s *Service) SignUp(ctx context.Context, email, password string, profile user.Profile) (*user.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	u := &user.User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  strings.TrimSpace(profile.DisplayName),
		Phone:        strings.TrimSpace(profile.Phone),
		Role:         profile.Role,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}

	s.logger.Info("user signed up", logger.UserID(u.ID), logger.Role(string(u.Role)))
	return u, nil
}

// SignIn checks credentials and issues a session token
func (s *Service) SignIn(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, user.ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, claims, err := s.tokens.Generate(u)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: claims.ExpiresAt.Time, User: u}, nil
}

// CurrentUser resolves a session token to its user
func (s *Service) CurrentUser(ctx context.Context, token string) (*user.User, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	if s.isRevoked(claims.ID) {
		return nil, fmt.Errorf("%w: signed out", ErrInvalidToken)
	}
	u, err := s.users.GetByID(ctx, claims.UserID)
	if errors.Is(err, user.ErrUserNotFound) {
		return nil, ErrInvalidToken
	}
	return u, err
}

// SignOut revokes token and runs the sign-out hooks for its user
func (s *Service) SignOut(ctx context.Context, token string) error {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.revoked[claims.ID] = claims.ExpiresAt.Time
	s.pruneLocked()
	hooks := append([]func(string){}, s.onLogout...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(claims.UserID)
	}
	s.logger.Info("user signed out", logger.UserID(claims.UserID))
	return nil
}

func (s *Service) isRevoked(tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[tokenID]
	return ok
}

// pruneLocked forgets revocations whose tokens have expired anyway
func (s *Service) pruneLocked() {
	now := time.Now()
	for id, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, id)
		}
	}
}

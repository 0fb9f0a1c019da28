// Package auth authenticates internal and public users and issues the
// bearer tokens both APIs and the backoffice accept.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/db"
)

// ErrInvalidCredentials covers unknown users, wrong passwords and users of
// the other class.
var ErrInvalidCredentials = errors.New("invalid credentials")

// UserStore looks up users by email within one class.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string, internal bool) (*db.User, error)
}

// LoginResult is returned on a successful login.
type LoginResult struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"-"`
	User        *db.User  `json:"user"`
}

type Service struct {
	users  UserStore
	tokens *TokenManager
	logger *zap.Logger
}

func NewService(users UserStore, tokens *TokenManager, logger *zap.Logger) *Service {
	return &Service{users: users, tokens: tokens, logger: logger}
}

// Tokens returns the manager used to verify issued tokens.
func (s *Service) Tokens() *TokenManager {
	return s.tokens
}

// Login checks credentials for a user of the given class.
func (s *Service) Login(ctx context.Context, email, password string, internal bool) (*LoginResult, error) {
	user, err := s.users.GetUserByEmail(ctx, email, internal)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.logger.Info("login rejected: unknown user",
				zap.String("email", email),
				zap.Bool("internal", internal),
			)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if !VerifyPassword(user.PasswordHash, password) {
		s.logger.Info("login rejected: wrong password",
			zap.String("email", email),
			zap.Bool("internal", internal),
		)
		return nil, ErrInvalidCredentials
	}

	token, exp, err := s.tokens.Issue(user.Email, user.IsInternal)
	if err != nil {
		return nil, err
	}

	s.logger.Info("login succeeded",
		zap.String("email", user.Email),
		zap.Bool("internal", internal),
	)

	return &LoginResult{AccessToken: token, ExpiresAt: exp, User: user}, nil
}

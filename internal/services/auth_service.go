package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/treebot/internal/auth"
	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/repo"
)

// AuthService creates the first account and exchanges credentials for
// session tokens.
type AuthService struct {
	DB     *gorm.DB
	Tokens *auth.Tokens
}

// Session is a signed-in user and the token proving it.
type Session struct {
	User  *domain.User `json:"user"`
	Token string       `json:"-"`
}

// NeedsSetup reports whether no account exists yet.
func (s *AuthService) NeedsSetup(ctx context.Context) (bool, error) {
	n, err := repo.CountUsers(ctx, s.DB)
	return n == 0, err
}

// Setup creates the admin account. It only succeeds while the users table is
// empty.
func (s *AuthService) Setup(ctx context.Context, username, password string) (*Session, error) {
	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "Setup")
	defer span.End()

	username = strings.TrimSpace(username)
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	var u *domain.User
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := repo.CountUsers(ctx, tx)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrSetupClosed
		}
		u, err = repo.CreateUser(ctx, tx, username, hash, true)
		if errors.Is(err, repo.ErrDuplicate) {
			return ErrSetupClosed
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.session(u)
}

// Login verifies a username and password.
func (s *AuthService) Login(ctx context.Context, username, password string) (*Session, error) {
	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "Login")
	defer span.End()

	u, err := repo.GetUserByUsername(ctx, s.DB, username)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	span.SetAttributes(attribute.String("user.id", u.ID))
	return s.session(u)
}

// Authenticate resolves a session token to its user id.
func (s *AuthService) Authenticate(token string) (string, error) {
	return s.Tokens.Verify(token)
}

// Me returns the account behind userID.
func (s *AuthService) Me(ctx context.Context, userID string) (*domain.User, error) {
	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "Me", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	u, err := repo.GetUser(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, auth.ErrInvalidToken
	}
	return u, err
}

func (s *AuthService) session(u *domain.User) (*Session, error) {
	tok, err := s.Tokens.Issue(u.ID)
	if err != nil {
		return nil, err
	}
	return &Session{User: u, Token: tok}, nil
}

func validateCredentials(username, password string) error {
	if n := utf8.RuneCountInString(username); n < 3 || n > 64 {
		return ErrInvalidUsername
	}
	if utf8.RuneCountInString(password) < 8 {
		return ErrWeakPassword
	}
	return nil
}

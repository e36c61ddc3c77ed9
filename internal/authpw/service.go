// Package authpw provides email/password authentication with an
// approval gate: new accounts cannot touch shared data until a
// privileged user lets them in. The configured admin address skips the
// gate so a fresh deployment is never locked out.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"worksite/api/internal/auth"
	"worksite/api/internal/store"
	"worksite/api/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrNotApproved        = errors.New("account pending approval")
)

// UserStore defines the storage interface for accounts. The shared
// remote store implements it.
type UserStore interface {
	User(ctx context.Context, email string) (store.User, bool, error)
	SaveUser(ctx context.Context, u store.User) error
	PendingUsers(ctx context.Context) ([]store.User, error)
}

type Service struct {
	users       UserStore
	tokenSecret []byte
	adminEmail  string
	accessTTL   time.Duration
}

func NewService(users UserStore, tokenSecret, adminEmail string, accessTTL time.Duration) *Service {
	return &Service{
		users:       users,
		tokenSecret: []byte(tokenSecret),
		adminEmail:  strings.ToLower(strings.TrimSpace(adminEmail)),
		accessTTL:   accessTTL,
	}
}

func (s *Service) isAdmin(email string) bool {
	return s.adminEmail != "" && strings.EqualFold(strings.TrimSpace(email), s.adminEmail)
}

// SignUp creates a new account. The admin address comes out approved
// and privileged; everyone else waits for approval.
func (s *Service) SignUp(ctx context.Context, email, password string) (store.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return store.User{}, errors.New("email and password are required")
	}
	if len(password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	if _, exists, err := s.users.User(ctx, email); err != nil {
		return store.User{}, fmt.Errorf("check existing user: %w", err)
	} else if exists {
		return store.User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Email:        email,
		PasswordHash: string(hash),
		Approved:     s.isAdmin(email),
		Privileged:   s.isAdmin(email),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.SaveUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignIn authenticates a user and issues an access token. Unapproved
// accounts fail with ErrNotApproved; the admin address is approved on
// the spot if an older record predates the gate.
func (s *Service) SignIn(ctx context.Context, email, password string) (string, store.User, error) {
	if email == "" || password == "" {
		return "", store.User{}, ErrInvalidCredentials
	}

	user, ok, err := s.users.User(ctx, email)
	if err != nil {
		return "", store.User{}, fmt.Errorf("look up user: %w", err)
	}
	if !ok {
		return "", store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", store.User{}, ErrInvalidCredentials
	}

	if !user.Approved {
		if !s.isAdmin(user.Email) {
			return "", store.User{}, ErrNotApproved
		}
		user.Approved = true
		user.Privileged = true
		user.ApprovedBy = user.Email
		user.ApprovedAt = time.Now().UTC()
		if err := s.users.SaveUser(ctx, user); err != nil {
			return "", store.User{}, fmt.Errorf("approve admin account: %w", err)
		}
	}

	token, err := auth.IssueToken(s.tokenSecret, auth.Claims{
		Sub:        user.ID,
		Email:      user.Email,
		Privileged: user.Privileged || s.isAdmin(user.Email),
		JTI:        util.NewID("jti"),
		Exp:        time.Now().Add(s.accessTTL).Unix(),
	})
	if err != nil {
		return "", store.User{}, fmt.Errorf("issue token: %w", err)
	}
	return token, user, nil
}

// Verify parses and validates an access token.
func (s *Service) Verify(token string) (auth.Claims, error) {
	return auth.ParseToken(s.tokenSecret, token)
}

// Approve marks the account under email as approved.
func (s *Service) Approve(ctx context.Context, email, approvedBy string) error {
	user, ok, err := s.users.User(ctx, email)
	if err != nil {
		return fmt.Errorf("look up user: %w", err)
	}
	if !ok {
		return errors.New("no such user")
	}
	if user.Approved {
		return nil
	}
	user.Approved = true
	user.ApprovedBy = approvedBy
	user.ApprovedAt = time.Now().UTC()
	if err := s.users.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("save approval: %w", err)
	}
	return nil
}

// Pending lists accounts waiting for approval.
func (s *Service) Pending(ctx context.Context) ([]store.User, error) {
	return s.users.PendingUsers(ctx)
}

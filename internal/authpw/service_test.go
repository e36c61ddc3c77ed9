package authpw

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"worksite/api/internal/store"
)

// memUserStore is an in-memory UserStore for testing.
type memUserStore struct {
	users map[string]store.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[string]store.User)}
}

func (m *memUserStore) User(ctx context.Context, email string) (store.User, bool, error) {
	u, ok := m.users[strings.ToLower(strings.TrimSpace(email))]
	return u, ok, nil
}

func (m *memUserStore) SaveUser(ctx context.Context, u store.User) error {
	m.users[strings.ToLower(strings.TrimSpace(u.Email))] = u
	return nil
}

func (m *memUserStore) PendingUsers(ctx context.Context) ([]store.User, error) {
	var out []store.User
	for _, u := range m.users {
		if !u.Approved {
			out = append(out, u)
		}
	}
	return out, nil
}

func newTestService() *Service {
	return NewService(newMemUserStore(), "test-secret", "admin@site.test", time.Hour)
}

func TestSignUpAndApprovalGate(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	user, err := svc.SignUp(ctx, "worker@site.test", "longenough")
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if user.Approved || user.Privileged {
		t.Fatalf("new account must start unapproved: %+v", user)
	}

	if _, _, err := svc.SignIn(ctx, "worker@site.test", "longenough"); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("unapproved sign-in: got %v, want ErrNotApproved", err)
	}

	if err := svc.Approve(ctx, "worker@site.test", "admin@site.test"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	token, signed, err := svc.SignIn(ctx, "worker@site.test", "longenough")
	if err != nil {
		t.Fatalf("approved sign-in failed: %v", err)
	}
	if token == "" || signed.ApprovedBy != "admin@site.test" {
		t.Fatalf("unexpected sign-in result: token=%q user=%+v", token, signed)
	}

	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Email != "worker@site.test" || claims.Privileged {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestAdminBypassesApproval(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	user, err := svc.SignUp(ctx, "admin@site.test", "longenough")
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if !user.Approved || !user.Privileged {
		t.Fatalf("admin account must be approved on sign-up: %+v", user)
	}

	token, _, err := svc.SignIn(ctx, "admin@site.test", "longenough")
	if err != nil {
		t.Fatalf("admin sign-in failed: %v", err)
	}
	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if !claims.Privileged {
		t.Fatal("admin claims must be privileged")
	}
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, "worker@site.test", "longenough"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.SignIn(ctx, "worker@site.test", "wrongpass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v", err)
	}
	if _, _, err := svc.SignIn(ctx, "nobody@site.test", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: got %v", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, "worker@site.test", "short"); err == nil {
		t.Fatal("short password must be rejected")
	}
	if _, err := svc.SignUp(ctx, "", "longenough"); err == nil {
		t.Fatal("empty email must be rejected")
	}

	if _, err := svc.SignUp(ctx, "worker@site.test", "longenough"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SignUp(ctx, "worker@site.test", "longenough"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("duplicate email: got %v", err)
	}
}

func TestPendingLists(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, "a@site.test", "longenough"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SignUp(ctx, "admin@site.test", "longenough"); err != nil {
		t.Fatal(err)
	}

	pending, err := svc.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Email != "a@site.test" {
		t.Fatalf("pending = %+v", pending)
	}
}

package authpw

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"rentlink/api/internal/store"
)

type fakeUserStore struct {
	usersByEmail map[string]store.User
	usersByID    map[string]store.User
	resets       map[string]string
	resetUsed    map[string]bool
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		usersByEmail: make(map[string]store.User),
		usersByID:    make(map[string]store.User),
		resets:       make(map[string]string),
		resetUsed:    make(map[string]bool),
	}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.usersByEmail[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUserStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := f.usersByID[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	f.usersByEmail[user.Email] = user
	f.usersByID[user.ID] = user
	return nil
}

func (f *fakeUserStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	user := f.usersByID[userID]
	user.PasswordHash = passwordHash
	f.usersByID[userID] = user
	f.usersByEmail[user.Email] = user
	return nil
}

func (f *fakeUserStore) CreatePasswordReset(_ context.Context, userID, token string, _ time.Time) error {
	f.resets[token] = userID
	return nil
}

func (f *fakeUserStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	if f.resetUsed[token] {
		return "", sql.ErrNoRows
	}
	userID, ok := f.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeUserStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	f.resetUsed[token] = true
	return nil
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{
		Email:    "lena@rentlink.dev",
		Password: "password123",
		Name:     "Lena Brooks",
		Role:     "BROKER",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if user.Role != "BROKER" {
		t.Errorf("expected BROKER role, got %q", user.Role)
	}
	if user.PasswordHash == "password123" {
		t.Error("expected password to be hashed")
	}

	signedIn, err := svc.SignIn(ctx, "lena@rentlink.dev", "password123")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if signedIn.ID != user.ID {
		t.Errorf("expected same user, got %q vs %q", signedIn.ID, user.ID)
	}

	if _, err := svc.SignIn(ctx, "lena@rentlink.dev", "wrong-password"); err == nil {
		t.Error("expected wrong password to fail")
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@b.c", Password: "short", Name: "A"}); err == nil {
		t.Error("expected short password to fail")
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Password: "password123", Name: "A"}); err == nil {
		t.Error("expected missing email to fail")
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	req := SignUpRequest{Email: "lena@rentlink.dev", Password: "password123", Name: "Lena"}
	if _, err := svc.SignUp(ctx, req); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if _, err := svc.SignUp(ctx, req); err == nil {
		t.Error("expected duplicate email to fail")
	}
}

func TestSignUpDefaultsUnknownRoleToTenant(t *testing.T) {
	svc := NewService(newFakeUserStore())

	user, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:    "x@y.z",
		Password: "password123",
		Name:     "X",
		Role:     "WIZARD",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if user.Role != "TENANT" {
		t.Errorf("expected TENANT fallback, got %q", user.Role)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "lena@rentlink.dev", Password: "password123", Name: "Lena"}); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	token, err := svc.RequestPasswordReset(ctx, "lena@rentlink.dev")
	if err != nil {
		t.Fatalf("RequestPasswordReset() error = %v", err)
	}
	if token == "" {
		t.Fatal("expected a reset token for a known email")
	}

	if err := svc.ResetPassword(ctx, token, "newpassword456"); err != nil {
		t.Fatalf("ResetPassword() error = %v", err)
	}

	user := fs.usersByEmail["lena@rentlink.dev"]
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("newpassword456")); err != nil {
		t.Errorf("expected new password to verify: %v", err)
	}

	// Token is single-use.
	if err := svc.ResetPassword(ctx, token, "anotherpassword"); err == nil {
		t.Error("expected used token to be rejected")
	}
}

func TestRequestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	svc := NewService(newFakeUserStore())

	token, err := svc.RequestPasswordReset(context.Background(), "nobody@rentlink.dev")
	if err != nil {
		t.Fatalf("RequestPasswordReset() error = %v", err)
	}
	if token != "" {
		t.Error("expected no token for unknown email")
	}
}

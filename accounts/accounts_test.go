package accounts

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"termchat/models"
	"termchat/store"

	"golang.org/x/crypto/bcrypt"
)

func setupDirectory(t *testing.T) *Directory {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, bcrypt.MinCost)
}

func TestCreateTwice(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	if err := d.Create(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	if err := d.Create(ctx, "alice", "other"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	tests := []struct {
		login, password string
		want            error
	}{
		{"", "secret", ErrInvalidLogin},
		{"bad\x1flogin", "secret", ErrInvalidLogin},
		{"line\nbreak", "secret", ErrInvalidLogin},
		{strings.Repeat("x", MaxLoginLength+1), "secret", ErrInvalidLogin},
		{"a/b", "secret", ErrInvalidLogin},
		{`x\y`, "secret", ErrInvalidLogin},
		{".", "secret", ErrInvalidLogin},
		{"..", "secret", ErrInvalidLogin},
		{"bob", "", ErrEmptyPassword},
		{"bob", strings.Repeat("p", MaxPasswordLength+1), ErrPasswordTooLong},
	}
	for _, tt := range tests {
		if err := d.Create(ctx, tt.login, tt.password); !errors.Is(err, tt.want) {
			t.Errorf("Create(%q): expected %v, got %v", tt.login, tt.want, err)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	if err := d.Create(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}

	tests := []struct {
		login, password string
		want            bool
	}{
		{"alice", "secret", true},
		{"alice", "Secret", false},
		{"alice", "", false},
		{"Alice", "secret", false},
		{"mallory", "secret", false},
	}
	for _, tt := range tests {
		got, err := d.Authenticate(ctx, tt.login, tt.password)
		if err != nil {
			t.Fatalf("Authenticate(%q) returned error: %v", tt.login, err)
		}
		if got != tt.want {
			t.Errorf("Authenticate(%q, %q) = %v, expected %v", tt.login, tt.password, got, tt.want)
		}
	}
}

func TestPasswordNeverStoredPlain(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	if err := d.Create(ctx, "alice", "plaintext-secret"); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	raw, err := d.store.Get(ctx, Collection, "alice")
	if err != nil {
		t.Fatalf("Failed to read record: %v", err)
	}
	if strings.Contains(string(raw), "plaintext-secret") {
		t.Errorf("Stored record contains the raw password: %s", raw)
	}
}

func TestProfile(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	if _, err := d.Profile(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := d.Create(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	p, err := d.Profile(ctx, "alice")
	if err != nil {
		t.Fatalf("Failed to get profile: %v", err)
	}
	if p != (models.Profile{Login: "alice"}) {
		t.Errorf("Expected empty profile slots, got %+v", p)
	}

	name, city := "Alice", "Kyiv"
	if err := d.UpdateProfile(ctx, "alice", models.ProfileUpdate{Name: &name, City: &city}); err != nil {
		t.Fatalf("Failed to update profile: %v", err)
	}
	info := "hello there"
	if err := d.UpdateProfile(ctx, "alice", models.ProfileUpdate{Info: &info}); err != nil {
		t.Fatalf("Failed to update profile: %v", err)
	}

	p, _ = d.Profile(ctx, "alice")
	if p.Name != "Alice" || p.City != "Kyiv" || p.Info != "hello there" || p.Country != "" {
		t.Errorf("Unexpected profile %+v", p)
	}

	if err := d.UpdateProfile(ctx, "ghost", models.ProfileUpdate{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	ok, _ := d.Authenticate(ctx, "alice", "secret")
	if !ok {
		t.Error("Profile update must not touch the credential")
	}
}

func TestChangePassword(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	if err := d.Create(ctx, "alice", "old"); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}

	if err := d.ChangePassword(ctx, "alice", "wrong", "new"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Expected ErrWrongPassword, got %v", err)
	}
	if ok, _ := d.Authenticate(ctx, "alice", "old"); !ok {
		t.Error("Old password must still work after a rejected change")
	}

	if err := d.ChangePassword(ctx, "alice", "old", "new"); err != nil {
		t.Fatalf("Failed to change password: %v", err)
	}
	if ok, _ := d.Authenticate(ctx, "alice", "old"); ok {
		t.Error("Old password must stop working")
	}
	if ok, _ := d.Authenticate(ctx, "alice", "new"); !ok {
		t.Error("New password must work")
	}

	if err := d.ChangePassword(ctx, "ghost", "x", "y"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := d.ChangePassword(ctx, "alice", "new", ""); !errors.Is(err, ErrEmptyPassword) {
		t.Errorf("Expected ErrEmptyPassword, got %v", err)
	}
	if err := d.ChangePassword(ctx, "alice", "new", strings.Repeat("p", 80)); !errors.Is(err, ErrPasswordTooLong) {
		t.Errorf("Expected ErrPasswordTooLong, got %v", err)
	}
	if ok, _ := d.Authenticate(ctx, "alice", "new"); !ok {
		t.Error("Rejected change must keep the current password")
	}
}

func TestConcurrentCreate(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	passwords := []string{"p1", "p2"}
	results := make([]error, len(passwords))

	var wg sync.WaitGroup
	for i, p := range passwords {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.Create(ctx, "carol", p)
		}()
	}
	wg.Wait()

	winner := -1
	for i, err := range results {
		switch {
		case err == nil:
			if winner != -1 {
				t.Fatal("Both creates succeeded")
			}
			winner = i
		case !errors.Is(err, ErrAlreadyExists):
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if winner == -1 {
		t.Fatal("Neither create succeeded")
	}

	loser := 1 - winner
	if ok, _ := d.Authenticate(ctx, "carol", passwords[winner]); !ok {
		t.Error("Winner's password must authenticate")
	}
	if ok, _ := d.Authenticate(ctx, "carol", passwords[loser]); ok {
		t.Error("Loser's password must not authenticate")
	}
}

func TestRecordPresence(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	if err := d.Create(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	if err := d.RecordPresence(ctx, "alice", true); err != nil {
		t.Fatalf("Failed to record presence: %v", err)
	}
	p, _ := d.Profile(ctx, "alice")
	if p.LastOnline.IsZero() {
		t.Error("Expected LastOnline to be set")
	}
	if !p.LastOffline.IsZero() {
		t.Error("Expected LastOffline to stay zero")
	}

	if err := d.RecordPresence(ctx, "ghost", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRequire(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	d.Create(ctx, "alice", "secret")
	if err := d.Require(ctx, "alice"); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
	if err := d.Require(ctx, "alice", "ghost"); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("Expected ErrUnknownAccount, got %v", err)
	}
}

package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "token"))

	if _, err := store.Load(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Load before Save: %v, want ErrNoToken", err)
	}

	if err := store.Save("  tok-123\n"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "tok-123" {
		t.Errorf("token = %q, want whitespace trimmed", got)
	}

	if err := store.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load(); !errors.Is(err, ErrNoToken) {
		t.Errorf("Load after Delete: %v, want ErrNoToken", err)
	}
	// Deleting an absent token is fine.
	if err := store.Delete(); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	store := NewStore(path)
	if err := store.Save("tok"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("mode = %o, want 0600", perm)
	}
}

func TestInspect(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signToken(t, jwt.MapClaims{
		"sub": "device-42",
		"exp": exp.Unix(),
	})

	info, err := Inspect(token)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Subject != "device-42" {
		t.Errorf("subject = %q", info.Subject)
	}
	if !info.ExpiresAt.Equal(exp) {
		t.Errorf("expiresAt = %v, want %v", info.ExpiresAt, exp)
	}
	if info.Expired() {
		t.Error("future token reported expired")
	}
}

func TestInspectExpired(t *testing.T) {
	token := signToken(t, jwt.MapClaims{
		"sub": "device-42",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	info, err := Inspect(token)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !info.Expired() {
		t.Error("past token not reported expired")
	}
}

func TestInspectNoExpiry(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"sub": "device-42"})
	info, err := Inspect(token)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !info.ExpiresAt.IsZero() {
		t.Errorf("expiresAt = %v, want zero", info.ExpiresAt)
	}
	if info.Expired() {
		t.Error("token without exp reported expired")
	}
}

func TestInspectGarbage(t *testing.T) {
	if _, err := Inspect("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}

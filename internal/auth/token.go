// Package auth handles the device token the client presents on the
// WebSocket handshake. Tokens are JWTs minted by the backend; the
// client never verifies signatures (the server does), but it inspects
// claims so expiry is reported before dialing instead of as a 401.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when the token file does not exist.
var ErrNoToken = errors.New("no device token; run perch login")

// Store reads and writes the device token file.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the stored token.
func (s *Store) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes the token with owner-only permissions.
func (s *Store) Save(token string) error {
	return os.WriteFile(s.path, []byte(strings.TrimSpace(token)+"\n"), 0600)
}

// Delete removes the stored token.
func (s *Store) Delete() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// TokenInfo is what the client can read out of an unverified JWT.
type TokenInfo struct {
	Subject   string
	ExpiresAt time.Time // zero when the token never expires
}

// Expired reports whether the token's expiry has passed.
func (t TokenInfo) Expired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// Inspect parses the token without signature verification and returns
// its claims of interest.
func Inspect(token string) (TokenInfo, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("parse token: %w", err)
	}

	var info TokenInfo
	if sub, err := claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}

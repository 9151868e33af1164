// Package authstub is the minimal auth collaborator sitting behind every
// Bearer-token-protected route: opaque token issuance backed by an
// in-memory map, and password hashing. It is kept out of the trading
// packages so a real auth service can replace it without touching
// order/balance/asset/matching.
package authstub

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// TokenStore maps opaque bearer tokens to user ids.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// New returns an empty TokenStore.
func New() *TokenStore {
	return &TokenStore{tokens: make(map[string]string)}
}

// Issue mints a new token for userID.
func (t *TokenStore) Issue(userID string) string {
	token := uuid.NewString()
	t.mu.Lock()
	t.tokens[token] = userID
	t.mu.Unlock()
	return token
}

// UserID resolves a bearer token to a user id.
func (t *TokenStore) UserID(token string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	userID, ok := t.tokens[token]
	return userID, ok
}

// Revoke invalidates a token, e.g. on logout.
func (t *TokenStore) Revoke(token string) {
	t.mu.Lock()
	delete(t.tokens, token)
	t.mu.Unlock()
}

// HashPassword hashes a plaintext password with bcrypt's default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ComparePassword reports whether password matches hash.
func ComparePassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

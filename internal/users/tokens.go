package users

import (
	"crypto/subtle"
	"sync"
)

// Validator validates a bearer token and resolves it to a username.
type Validator interface {
	Validate(token string) (string, error)
}

// TokenStore issues and validates in-memory session tokens. Tokens do not
// survive a daemon restart; clients re-authenticate.
type TokenStore struct {
	mu      sync.Mutex
	byToken map[string]string
}

func NewTokenStore() *TokenStore {
	return &TokenStore{byToken: make(map[string]string)}
}

// Issue mints a fresh token bound to username.
func (ts *TokenStore) Issue(username string) string {
	token := randAlphanumeric(32)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.byToken[token] = username
	return token
}

// Validate resolves a token to its username or fails with ErrUnauthorized.
func (ts *TokenStore) Validate(token string) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	username, ok := ts.byToken[token]
	if !ok {
		return "", ErrUnauthorized
	}
	return username, nil
}

// Revoke forgets a token. Revoking an unknown token is a no-op.
func (ts *TokenStore) Revoke(token string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.byToken, token)
}

// ConstantTimeEquals compares two secrets without leaking length-prefix
// timing, for setup-key checks.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

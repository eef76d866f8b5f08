// Package users holds user records, their JSON store codec, and the token
// validation boundary used by the request layer.
package users

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var ErrUnauthorized = errors.New("users: unauthorized")

// User is one stored account. The owner flag drives first-run detection.
type User struct {
	Username       string    `json:"username"`
	HashedPassword string    `json:"hashed_password"`
	IsOwner        bool      `json:"is_owner"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store maps username to user record. It is the value wrapped by the
// crash-consistent container at runtime.
type Store map[string]User

// Load reads the users file. A missing file means no users yet, not an error.
func Load(path string) (Store, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Store{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("users: read store %q: %w", path, err)
	}
	if len(raw) == 0 {
		return Store{}, nil
	}
	var store Store
	if err := json.Unmarshal(raw, &store); err != nil {
		return nil, fmt.Errorf("users: parse store %q: %w", path, err)
	}
	return store, nil
}

// Save rewrites the whole users file. Simple full rewrite, matching the
// checkpoint and final-flush strategies both.
func Save(path string, store Store) error {
	raw, err := json.Marshal(store)
	if err != nil {
		return fmt.Errorf("users: encode store: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("users: write store %q: %w", path, err)
	}
	return nil
}

// HasOwner reports whether any stored user holds owner privileges.
func HasOwner(store Store) bool {
	for _, user := range store {
		if user.IsOwner {
			return true
		}
	}
	return false
}

// HashPassword derives a bcrypt hash at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("users: hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored bcrypt hash.
func CheckPassword(hashed, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}

const setupKeyLength = 16

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewSetupKey generates the one-shot first-run setup key.
func NewSetupKey() string {
	return randAlphanumeric(setupKeyLength)
}

func randAlphanumeric(n int) string {
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphanumeric))))
		if err != nil {
			// crypto/rand only fails when the platform source is broken.
			panic(fmt.Sprintf("users: rand: %v", err))
		}
		out[i] = alphanumeric[idx.Int64()]
	}
	return string(out)
}

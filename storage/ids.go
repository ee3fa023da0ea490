package storage

import (
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

// NewClientID returns a random 36 character client identifier.
func NewClientID() string {
	return uuid.NewString()
}

// NewClientSecret returns a random URL-safe client secret with 256 bits of entropy.
func NewClientSecret() string {
	return oauth2.GenerateVerifier()
}

// NewTokenID returns a random URL-safe identifier for codes and tokens.
func NewTokenID() string {
	return oauth2.GenerateVerifier()
}

// HashSecret bcrypt-hashes a client secret or user password for storage.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// dummyHash is compared against when the subject does not exist so that lookups
// of unknown clients and users cost the same as a wrong secret.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// CompareSecret checks secret against hash. An empty hash is compared against a
// dummy value and always fails.
func CompareSecret(hash, secret string) error {
	target := hash
	if target == "" {
		target = dummyHash
	}
	if err := bcrypt.CompareHashAndPassword([]byte(target), []byte(secret)); err != nil || hash == "" {
		return ErrInvalidCredentials
	}
	return nil
}

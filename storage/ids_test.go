package storage

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestNewClientID(t *testing.T) {
	id := NewClientID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("NewClientID() = %q is not a UUID: %v", id, err)
	}
	if id == NewClientID() {
		t.Error("NewClientID() returned the same id twice")
	}
}

func TestNewTokenID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewTokenID()
		if len(id) < 43 {
			t.Fatalf("NewTokenID() = %q, want at least 43 characters", id)
		}
		if seen[id] {
			t.Fatalf("NewTokenID() returned duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestHashAndCompareSecret(t *testing.T) {
	secret := NewClientSecret()
	hash, err := HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	if hash == secret {
		t.Fatal("HashSecret() returned the plaintext")
	}

	if err := CompareSecret(hash, secret); err != nil {
		t.Errorf("CompareSecret(correct) error = %v", err)
	}
	if err := CompareSecret(hash, "nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("CompareSecret(wrong) error = %v, want ErrInvalidCredentials", err)
	}
	if err := CompareSecret("", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("CompareSecret(empty hash) error = %v, want ErrInvalidCredentials", err)
	}
}

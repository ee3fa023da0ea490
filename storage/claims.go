package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ClaimsSealer encrypts user claims at rest. security.Encryptor implements it.
type ClaimsSealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	IsEnabled() bool
}

// EncodeClaims marshals claims to JSON and seals it when sealer is enabled.
// A nil map is stored as "{}".
func EncodeClaims(claims map[string]any, sealer ClaimsSealer) (string, error) {
	if claims == nil {
		claims = map[string]any{}
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	if sealer == nil || !sealer.IsEnabled() {
		return string(raw), nil
	}
	sealed, err := sealer.Encrypt(string(raw))
	if err != nil {
		return "", fmt.Errorf("encrypt claims: %w", err)
	}
	return sealed, nil
}

// DecodeClaims reverses EncodeClaims. Plain JSON written before a sealer was
// configured is still accepted.
func DecodeClaims(stored string, sealer ClaimsSealer) (map[string]any, error) {
	raw := stored
	if !strings.HasPrefix(strings.TrimSpace(stored), "{") {
		if sealer == nil {
			return nil, fmt.Errorf("decode claims: value is encrypted but no key is configured")
		}
		var err error
		if raw, err = sealer.Decrypt(stored); err != nil {
			return nil, fmt.Errorf("decrypt claims: %w", err)
		}
	}
	var claims map[string]any
	if err := json.Unmarshal([]byte(raw), &claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	return claims, nil
}

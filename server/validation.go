package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// resolveScopes parses the scope parameter, applies the default scope when
// it is empty, and checks that every scope exists and is allowed for the
// client. The result is deduplicated in request order.
func (s *Server) resolveScopes(ctx context.Context, client *storage.Client, scope string) ([]*storage.Scope, error) {
	requested := util.ParseScopes(scope)
	if len(requested) == 0 {
		requested = util.ParseScopes(s.Config.DefaultScope)
	}
	if len(requested) == 0 {
		return nil, ErrInvalidScope("Specify a scope in the request or set a default scope")
	}

	out := make([]*storage.Scope, 0, len(requested))
	for _, id := range requested {
		sc, err := s.stores.Scopes().GetScope(ctx, id)
		if errors.Is(err, storage.ErrScopeNotFound) {
			return nil, ErrInvalidScope(fmt.Sprintf("The requested scope %q is invalid, unknown, or malformed", util.SafeTruncate(id, 64)))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve scope: %w", err)
		}
		out = append(out, sc)
	}

	if !client.AllowsScopes(requested) {
		return nil, ErrInvalidScope("The requested scope exceeds the scopes allowed for the client")
	}
	return out, nil
}

func scopeIDs(scopes []*storage.Scope) []string {
	out := make([]string, len(scopes))
	for i, sc := range scopes {
		out[i] = sc.ID
	}
	return out
}

// narrowScopes returns the scopes requested on a code exchange or refresh.
// An empty request keeps the original grant; anything outside it is
// invalid_scope.
func narrowScopes(original []string, scope string) ([]string, error) {
	requested := util.ParseScopes(scope)
	if len(requested) == 0 {
		return original, nil
	}
	if !util.ContainsAll(original, requested) {
		return nil, ErrInvalidScope("The requested scope exceeds the scope granted by the resource owner")
	}
	return requested, nil
}

// validateCodeChallenge checks the PKCE parameters of an authorization
// request and returns the effective method.
func (s *Server) validateCodeChallenge(challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", fmt.Errorf("code_challenge_method given without code_challenge")
		}
		if s.Config.RequirePKCE {
			return "", fmt.Errorf("code_challenge is required")
		}
		return "", nil
	}
	if method == "" {
		method = PKCEMethodPlain
	}
	switch method {
	case PKCEMethodS256:
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return "", fmt.Errorf("'%s' code_challenge_method is not allowed", PKCEMethodPlain)
		}
	default:
		return "", fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
	if err := checkVerifierSyntax(challenge); err != nil {
		return "", fmt.Errorf("malformed code_challenge: %w", err)
	}
	return method, nil
}

// checkVerifierSyntax enforces the RFC 7636 alphabet and length. The same
// rule applies to plain challenges; S256 challenges are always 43 chars.
func checkVerifierSyntax(v string) error {
	if len(v) < MinCodeVerifierLength {
		return fmt.Errorf("must be at least %d characters", MinCodeVerifierLength)
	}
	if len(v) > MaxCodeVerifierLength {
		return fmt.Errorf("must be at most %d characters", MaxCodeVerifierLength)
	}
	for _, ch := range v {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636
func validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if err := checkVerifierSyntax(verifier); err != nil {
		return fmt.Errorf("code_verifier %w", err)
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// Package claims maps granted OIDC scopes to the user claims they release,
// following OpenID Connect Core 1.0 section 5.4.
package claims

import (
	"fmt"
	"maps"
	"slices"
)

// Standard claim names.
const (
	Subject  = "sub"
	Audience = "aud"
)

// ClaimSet is the list of claims released by one scope.
type ClaimSet struct {
	Scope  string
	Claims []string
}

var standardSets = []ClaimSet{
	{
		Scope: "profile",
		Claims: []string{
			"name", "family_name", "given_name", "middle_name", "nickname",
			"preferred_username", "profile", "picture", "website", "gender",
			"birthdate", "zoneinfo", "locale", "updated_at",
		},
	},
	{Scope: "email", Claims: []string{"email", "email_verified"}},
	{Scope: "phone", Claims: []string{"phone_number", "phone_number_verified"}},
	{Scope: "address", Claims: []string{"address"}},
}

// Extractor filters a user's raw claims down to what the granted scopes
// release. The zero value is not usable; call New.
type Extractor struct {
	sets map[string][]string
}

// Option configures an Extractor.
type Option func(*Extractor) error

// WithClaimSet releases claims for a custom scope. The standard scopes
// profile, email, phone and address cannot be redefined.
func WithClaimSet(scope string, claims ...string) Option {
	return func(e *Extractor) error {
		if scope == "" {
			return fmt.Errorf("claim set scope is required")
		}
		if isStandard(scope) {
			return fmt.Errorf("claim set for standard scope %q cannot be overridden", scope)
		}
		for _, c := range claims {
			if c == Subject || c == Audience {
				return fmt.Errorf("claim %q cannot be part of a claim set", c)
			}
		}
		e.sets[scope] = slices.Clone(claims)
		return nil
	}
}

// New creates an Extractor with the standard claim sets plus opts.
func New(opts ...Option) (*Extractor, error) {
	e := &Extractor{sets: make(map[string][]string, len(standardSets))}
	for _, set := range standardSets {
		e.sets[set.Scope] = set.Claims
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func isStandard(scope string) bool {
	return slices.ContainsFunc(standardSets, func(s ClaimSet) bool { return s.Scope == scope })
}

// ClaimSets returns every scope the extractor knows, sorted by scope.
func (e *Extractor) ClaimSets() []ClaimSet {
	out := make([]ClaimSet, 0, len(e.sets))
	for _, scope := range slices.Sorted(maps.Keys(e.sets)) {
		out = append(out, ClaimSet{Scope: scope, Claims: slices.Clone(e.sets[scope])})
	}
	return out
}

// Extract returns the subset of raw released by scopes. Scopes without a
// claim set and claims absent from raw contribute nothing.
func (e *Extractor) Extract(scopes []string, raw map[string]any) map[string]any {
	out := make(map[string]any)
	for _, scope := range scopes {
		for _, name := range e.sets[scope] {
			if v, ok := raw[name]; ok {
				out[name] = v
			}
		}
	}
	return out
}

// UserInfo is Extract plus the mandatory sub and aud claims.
func (e *Extractor) UserInfo(sub, aud string, scopes []string, raw map[string]any) map[string]any {
	out := e.Extract(scopes, raw)
	out[Subject] = sub
	out[Audience] = aud
	return out
}

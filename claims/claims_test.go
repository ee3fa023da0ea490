package claims

import (
	"reflect"
	"testing"
)

var alice = map[string]any{
	"name":                  "Alice Liddell",
	"given_name":            "Alice",
	"preferred_username":    "alice",
	"email":                 "alice@example.com",
	"email_verified":        true,
	"phone_number":          "+1 555 0100",
	"phone_number_verified": false,
	"address":               map[string]any{"country": "UK"},
	"department":            "wonderland",
	"sub":                   "spoofed",
}

func mustNew(t *testing.T, opts ...Option) *Extractor {
	t.Helper()
	e, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func TestExtract(t *testing.T) {
	e := mustNew(t)

	tests := []struct {
		name   string
		scopes []string
		want   map[string]any
	}{
		{
			name:   "openid only",
			scopes: []string{"openid"},
			want:   map[string]any{},
		},
		{
			name:   "email",
			scopes: []string{"openid", "email"},
			want:   map[string]any{"email": "alice@example.com", "email_verified": true},
		},
		{
			name:   "profile skips absent claims",
			scopes: []string{"profile"},
			want:   map[string]any{"name": "Alice Liddell", "given_name": "Alice", "preferred_username": "alice"},
		},
		{
			name:   "phone and address",
			scopes: []string{"phone", "address"},
			want: map[string]any{
				"phone_number":          "+1 555 0100",
				"phone_number_verified": false,
				"address":               map[string]any{"country": "UK"},
			},
		},
		{
			name:   "unknown scope",
			scopes: []string{"admin"},
			want:   map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Extract(tt.scopes, alice)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Extract() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserInfoOpenIDEmail(t *testing.T) {
	e := mustNew(t)
	got := e.UserInfo("u-1", "client-1", []string{"openid", "email"}, alice)
	want := map[string]any{
		"sub":            "u-1",
		"aud":            "client-1",
		"email":          "alice@example.com",
		"email_verified": true,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("UserInfo() = %v, want %v", got, want)
	}
}

func TestWithClaimSet(t *testing.T) {
	e := mustNew(t, WithClaimSet("org", "department"))
	got := e.Extract([]string{"org"}, alice)
	if got["department"] != "wonderland" || len(got) != 1 {
		t.Errorf("Extract() = %v", got)
	}

	sets := e.ClaimSets()
	if len(sets) != 5 || sets[2].Scope != "org" {
		t.Errorf("ClaimSets() = %v", sets)
	}

	for _, opt := range []Option{
		WithClaimSet("email", "department"),
		WithClaimSet(""),
		WithClaimSet("org", "sub"),
	} {
		if _, err := New(opt); err == nil {
			t.Error("New() expected error")
		}
	}
}

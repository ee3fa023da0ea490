package storage

import (
	"fmt"
	"strings"
)

// Role names one repository contract the servers depend on.
type Role string

const (
	RoleClient       Role = "client"
	RoleScope        Role = "scope"
	RoleAuthCode     Role = "auth_code"
	RoleAccessToken  Role = "access_token"
	RoleRefreshToken Role = "refresh_token"
	RoleUser         Role = "user"
	RoleIdentity     Role = "identity"
)

// Roles returns every role in a stable order.
func Roles() []Role {
	return []Role{
		RoleClient,
		RoleScope,
		RoleAuthCode,
		RoleAccessToken,
		RoleRefreshToken,
		RoleUser,
		RoleIdentity,
	}
}

// ParseRole converts a configuration key into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.valid() {
		return "", fmt.Errorf("unknown repository role %q", s)
	}
	return r, nil
}

func (r Role) valid() bool {
	for _, known := range Roles() {
		if r == known {
			return true
		}
	}
	return false
}

// satisfiedBy reports whether handle implements the contract of the role.
func (r Role) satisfiedBy(handle any) bool {
	switch r {
	case RoleClient:
		_, ok := handle.(ClientStore)
		return ok
	case RoleScope:
		_, ok := handle.(ScopeStore)
		return ok
	case RoleAuthCode:
		_, ok := handle.(AuthCodeStore)
		return ok
	case RoleAccessToken:
		_, ok := handle.(AccessTokenStore)
		return ok
	case RoleRefreshToken:
		_, ok := handle.(RefreshTokenStore)
		return ok
	case RoleUser:
		_, ok := handle.(UserStore)
		return ok
	case RoleIdentity:
		_, ok := handle.(IdentityStore)
		return ok
	default:
		return false
	}
}

// Registry maps each role to the store that serves it. Bind it fully before handing
// it to a server; it is not safe for concurrent mutation.
type Registry struct {
	handles map[Role]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[Role]any)}
}

// Bind assigns handle to role after checking it satisfies the role's contract.
func (r *Registry) Bind(role Role, handle any) error {
	if !role.valid() {
		return fmt.Errorf("unknown repository role %q", role)
	}
	if handle == nil {
		return fmt.Errorf("repository for role %s is nil", role)
	}
	if !role.satisfiedBy(handle) {
		return fmt.Errorf("repository %T does not satisfy role %s", handle, role)
	}
	r.handles[role] = handle
	return nil
}

// BindAll binds handle to every role it satisfies and returns those roles.
func (r *Registry) BindAll(handle any) []Role {
	var bound []Role
	for _, role := range Roles() {
		if role.satisfiedBy(handle) {
			r.handles[role] = handle
			bound = append(bound, role)
		}
	}
	return bound
}

// Has reports whether role is bound.
func (r *Registry) Has(role Role) bool {
	_, ok := r.handles[role]
	return ok
}

// Require returns an error naming the first unbound role.
func (r *Registry) Require(roles ...Role) error {
	for _, role := range roles {
		if !r.Has(role) {
			return fmt.Errorf("no repository bound for role %s", role)
		}
	}
	return nil
}

// Handle returns the raw store bound to role, or nil.
func (r *Registry) Handle(role Role) any {
	return r.handles[role]
}

func (r *Registry) Clients() ClientStore {
	h, _ := r.handles[RoleClient].(ClientStore)
	return h
}

func (r *Registry) Scopes() ScopeStore {
	h, _ := r.handles[RoleScope].(ScopeStore)
	return h
}

func (r *Registry) AuthCodes() AuthCodeStore {
	h, _ := r.handles[RoleAuthCode].(AuthCodeStore)
	return h
}

func (r *Registry) AccessTokens() AccessTokenStore {
	h, _ := r.handles[RoleAccessToken].(AccessTokenStore)
	return h
}

func (r *Registry) RefreshTokens() RefreshTokenStore {
	h, _ := r.handles[RoleRefreshToken].(RefreshTokenStore)
	return h
}

func (r *Registry) Users() UserStore {
	h, _ := r.handles[RoleUser].(UserStore)
	return h
}

func (r *Registry) Identities() IdentityStore {
	h, _ := r.handles[RoleIdentity].(IdentityStore)
	return h
}

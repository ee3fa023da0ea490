package storage

// Standard OpenID Connect scope identifiers.
const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
	ScopePhone   = "phone"
	ScopeAddress = "address"
)

// DefaultScopes is the seed set of OIDC scopes with their consent descriptions.
func DefaultScopes() []*Scope {
	return []*Scope{
		{ID: ScopeOpenID, Description: "Access to your user account"},
		{ID: ScopeAddress, Description: "Your address"},
		{ID: ScopeEmail, Description: "Your e-mail address"},
		{ID: ScopePhone, Description: "Your phone number"},
		{ID: ScopeProfile, Description: "Your profile details"},
	}
}

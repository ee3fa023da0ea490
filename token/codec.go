package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/giantswarm/oauth-server/keys"
)

// Kind selects the encoding and validation rules for a token.
type Kind int

const (
	// KindAccessToken is a signed JWT presented as a bearer token.
	KindAccessToken Kind = iota + 1
	// KindIDToken is a signed OIDC ID token.
	KindIDToken
	// KindAuthCode is an encrypted authorization code.
	KindAuthCode
	// KindRefreshToken is an encrypted refresh token.
	KindRefreshToken
)

func (k Kind) String() string {
	switch k {
	case KindAccessToken:
		return "access_token"
	case KindIDToken:
		return "id_token"
	case KindAuthCode:
		return "authorization_code"
	case KindRefreshToken:
		return "refresh_token"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// signed reports whether the kind is a JWS rather than a JWE.
func (k Kind) signed() bool {
	return k == KindAccessToken || k == KindIDToken
}

var (
	// ErrInvalid is wrapped by every Parse failure: bad signature or
	// ciphertext, malformed payload, wrong issuer or kind.
	ErrInvalid = errors.New("token is invalid")

	// ErrExpired is additionally wrapped when the token is past its expiry.
	ErrExpired = errors.New("token is expired")
)

const (
	claimClientID = "client_id"
	claimScopes   = "scopes"
	claimTokenUse = "token_use"
	claimNonce    = "nonce"
	claimAuthTime = "auth_time"
	claimAZP      = "azp"

	tokenUseAccess = "access"

	// DefaultClockSkew is the leeway applied to nbf and iat. Expiry is exact.
	DefaultClockSkew = 30 * time.Second
)

// registered JWT claims that Extra may not override
var reservedClaims = []string{
	jwt.IssuerKey, jwt.SubjectKey, jwt.AudienceKey, jwt.ExpirationKey,
	jwt.NotBeforeKey, jwt.IssuedAtKey, jwt.JwtIDKey,
	claimClientID, claimScopes, claimTokenUse, claimNonce, claimAuthTime, claimAZP,
}

// Config configures a Codec.
type Config struct {
	// Issuer is the "iss" of every signed token and is required on parse.
	Issuer string

	// ClockSkew is the tolerance for nbf/iat checks on signed tokens.
	// Zero selects DefaultClockSkew. It never extends exp.
	ClockSkew time.Duration

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Codec issues and parses the four token kinds. Access and ID tokens are
// JWS-signed JWTs; authorization codes and refresh tokens are JWE compact
// blobs using direct encryption with A256GCM, so clients cannot read them.
type Codec struct {
	material *keys.Material
	issuer   string
	skew     time.Duration
	now      func() time.Time
}

// NewCodec creates a codec over m.
func NewCodec(m *keys.Material, cfg Config) (*Codec, error) {
	if m == nil {
		return nil, fmt.Errorf("key material is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Codec{
		material: m,
		issuer:   cfg.Issuer,
		skew:     cfg.ClockSkew,
		now:      cfg.Now,
	}, nil
}

// Issuer returns the configured issuer.
func (c *Codec) Issuer() string { return c.issuer }

// Now returns the codec's current time. Callers use it to compute expiries
// so that issuance and validation share one clock.
func (c *Codec) Now() time.Time { return c.now() }

// JWKS returns the public keys that verify signed tokens.
func (c *Codec) JWKS() jwk.Set { return c.material.PublicJWKS() }

// SigningAlgorithm returns the JWS algorithm, e.g. "RS256".
func (c *Codec) SigningAlgorithm() string { return c.material.Algorithm().String() }

// Issue encodes claims as kind. ID, ClientID and ExpiresAt are required;
// IssuedAt defaults to now. All timestamps are truncated to whole seconds.
// The caller's claims are not modified.
func (c *Codec) Issue(kind Kind, claims *Claims) (string, error) {
	if claims == nil {
		return "", fmt.Errorf("claims are required")
	}
	claims = claims.Clone()
	if claims.ID == "" {
		return "", fmt.Errorf("%s: id is required", kind)
	}
	if claims.ClientID == "" {
		return "", fmt.Errorf("%s: client id is required", kind)
	}
	if claims.ExpiresAt.IsZero() {
		return "", fmt.Errorf("%s: expiry is required", kind)
	}
	if claims.IssuedAt.IsZero() {
		claims.IssuedAt = c.now()
	}
	claims.truncate()

	switch kind {
	case KindAccessToken, KindIDToken:
		return c.sign(kind, claims)
	case KindAuthCode, KindRefreshToken:
		return c.seal(kind, claims)
	default:
		return "", fmt.Errorf("unknown token kind %d", int(kind))
	}
}

// Parse verifies raw as kind and returns its claims. Every failure wraps
// ErrInvalid; expired tokens also wrap ErrExpired.
func (c *Codec) Parse(kind Kind, raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty %s", ErrInvalid, kind)
	}
	switch {
	case kind.signed():
		return c.verify(kind, raw)
	case kind == KindAuthCode || kind == KindRefreshToken:
		return c.open(kind, raw)
	default:
		return nil, fmt.Errorf("%w: unknown token kind %d", ErrInvalid, int(kind))
	}
}

// ============================================================
// Signed tokens
// ============================================================

func (c *Codec) sign(kind Kind, claims *Claims) (string, error) {
	b := jwt.NewBuilder().
		Issuer(c.issuer).
		Audience([]string{claims.ClientID}).
		JwtID(claims.ID).
		IssuedAt(claims.IssuedAt).
		Expiration(claims.ExpiresAt)
	if claims.Subject != "" {
		b = b.Subject(claims.Subject)
	}

	switch kind {
	case KindAccessToken:
		nbf := claims.NotBefore
		if nbf.IsZero() {
			nbf = claims.IssuedAt
		}
		scopes := claims.Scopes
		if scopes == nil {
			scopes = []string{}
		}
		b = b.NotBefore(nbf).
			Claim(claimClientID, claims.ClientID).
			Claim(claimScopes, scopes).
			Claim(claimTokenUse, tokenUseAccess)
	case KindIDToken:
		if claims.Subject == "" {
			return "", fmt.Errorf("id_token: subject is required")
		}
		b = b.Claim(claimAZP, claims.ClientID)
		if claims.Nonce != "" {
			b = b.Claim(claimNonce, claims.Nonce)
		}
		if !claims.AuthTime.IsZero() {
			b = b.Claim(claimAuthTime, claims.AuthTime.Unix())
		}
		for k, v := range claims.Extra {
			if slices.Contains(reservedClaims, k) {
				continue
			}
			b = b.Claim(k, v)
		}
	}

	tok, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build %s: %w", kind, err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(c.material.Algorithm(), c.material.SigningKey()))
	if err != nil {
		return "", fmt.Errorf("failed to sign %s: %w", kind, err)
	}
	return string(signed), nil
}

func (c *Codec) verify(kind Kind, raw string) (*Claims, error) {
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(c.material.Algorithm(), c.material.PublicKey()),
		jwt.WithValidate(true),
		jwt.WithIssuer(c.issuer),
		jwt.WithClock(jwt.ClockFunc(c.now)),
		jwt.WithAcceptableSkew(c.skew),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, ErrExpired)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if exp := tok.Expiration(); exp.IsZero() || !c.now().Before(exp) {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, ErrExpired)
	}

	private := tok.PrivateClaims()
	use, _ := private[claimTokenUse].(string)
	switch {
	case kind == KindAccessToken && use != tokenUseAccess:
		return nil, fmt.Errorf("%w: not an access token", ErrInvalid)
	case kind == KindIDToken && use != "":
		return nil, fmt.Errorf("%w: not an id token", ErrInvalid)
	}

	claims := &Claims{
		ID:        tok.JwtID(),
		Issuer:    tok.Issuer(),
		Subject:   tok.Subject(),
		Audience:  tok.Audience(),
		IssuedAt:  tok.IssuedAt(),
		NotBefore: tok.NotBefore(),
		ExpiresAt: tok.Expiration(),
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalid)
	}

	if kind == KindAccessToken {
		claims.ClientID, _ = private[claimClientID].(string)
		scopes, err := stringList(private[claimScopes])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		claims.Scopes = scopes
	} else {
		claims.ClientID, _ = private[claimAZP].(string)
		claims.Nonce, _ = private[claimNonce].(string)
		if at, ok := private[claimAuthTime].(float64); ok {
			claims.AuthTime = time.Unix(int64(at), 0)
		}
		for k, v := range private {
			if slices.Contains(reservedClaims, k) {
				continue
			}
			if claims.Extra == nil {
				claims.Extra = make(map[string]any)
			}
			claims.Extra[k] = v
		}
	}
	if claims.ClientID == "" && len(claims.Audience) > 0 {
		claims.ClientID = claims.Audience[0]
	}
	return claims, nil
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("scopes claim holds %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("scopes claim has type %T", v)
	}
}

// ============================================================
// Encrypted tokens
// ============================================================

// sealedPayload is the plaintext inside a code or refresh token JWE.
type sealedPayload struct {
	Kind                string   `json:"kind"`
	ID                  string   `json:"id"`
	ClientID            string   `json:"client_id"`
	UserID              string   `json:"user_id,omitempty"`
	Scopes              []string `json:"scopes"`
	RedirectURI         string   `json:"redirect_uri,omitempty"`
	AccessTokenID       string   `json:"access_token_id,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	AuthTime            int64    `json:"auth_time,omitempty"`
	IssuedAt            int64    `json:"iat"`
	ExpireTime          int64    `json:"expire_time"`
}

func (c *Codec) seal(kind Kind, claims *Claims) (string, error) {
	p := sealedPayload{
		Kind:                kind.String(),
		ID:                  claims.ID,
		ClientID:            claims.ClientID,
		UserID:              claims.Subject,
		Scopes:              claims.Scopes,
		RedirectURI:         claims.RedirectURI,
		AccessTokenID:       claims.AccessTokenID,
		Nonce:               claims.Nonce,
		CodeChallenge:       claims.CodeChallenge,
		CodeChallengeMethod: claims.CodeChallengeMethod,
		IssuedAt:            claims.IssuedAt.Unix(),
		ExpireTime:          claims.ExpiresAt.Unix(),
	}
	if !claims.AuthTime.IsZero() {
		p.AuthTime = claims.AuthTime.Unix()
	}
	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", kind, err)
	}

	enc, err := jwe.Encrypt(plaintext,
		jwe.WithKey(jwa.DIRECT, c.material.EncryptionKey()),
		jwe.WithContentEncryption(jwa.A256GCM),
	)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt %s: %w", kind, err)
	}
	return string(enc), nil
}

func (c *Codec) open(kind Kind, raw string) (*Claims, error) {
	plaintext, err := jwe.Decrypt([]byte(raw), jwe.WithKey(jwa.DIRECT, c.material.EncryptionKey()))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot decrypt %s", ErrInvalid, kind)
	}

	var p sealedPayload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed %s payload", ErrInvalid, kind)
	}
	if p.Kind != kind.String() {
		return nil, fmt.Errorf("%w: payload is a %s, not a %s", ErrInvalid, p.Kind, kind)
	}
	if p.ID == "" || p.ClientID == "" || p.ExpireTime == 0 {
		return nil, fmt.Errorf("%w: incomplete %s payload", ErrInvalid, kind)
	}

	claims := &Claims{
		ID:                  p.ID,
		Issuer:              c.issuer,
		Subject:             p.UserID,
		ClientID:            p.ClientID,
		Scopes:              p.Scopes,
		RedirectURI:         p.RedirectURI,
		AccessTokenID:       p.AccessTokenID,
		Nonce:               p.Nonce,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		IssuedAt:            time.Unix(p.IssuedAt, 0),
		ExpiresAt:           time.Unix(p.ExpireTime, 0),
	}
	if p.AuthTime != 0 {
		claims.AuthTime = time.Unix(p.AuthTime, 0)
	}

	if !c.now().Before(claims.ExpiresAt) {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, ErrExpired)
	}
	return claims, nil
}

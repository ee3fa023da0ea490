package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/storage"
)

// Storage backends accepted in Storage.Repositories.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// DefaultListenAddress is used when Listen is empty.
const DefaultListenAddress = ":8080"

// Config is the file representation of a complete server deployment.
type Config struct {
	BaseDir string `yaml:"-"`

	Issuer        string `yaml:"issuer" validate:"required,url"`
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
	LoginURL      string `yaml:"login_url" validate:"omitempty,url"`

	// SessionHeader names a header set by a trusted login proxy that carries
	// the authenticated user id.
	SessionHeader string `yaml:"session_header"`

	Keys KeysConfig `yaml:"keys"`

	DefaultScope string     `yaml:"default_scope"`
	GrantTypes   []string   `yaml:"grant_types" validate:"omitempty,dive,oneof=authorization_code refresh_token implicit password client_credentials"`
	TTL          TTLConfig  `yaml:"ttl"`
	ClockSkew    Duration   `yaml:"clock_skew"`
	Extensions   Extensions `yaml:"extensions"`

	// RefreshTokensEnabled defaults to true.
	RefreshTokensEnabled *bool `yaml:"refresh_tokens_enabled"`
	// RevokeRefreshTokens revokes a refresh token once it is exchanged.
	// Defaults to true.
	RevokeRefreshTokens *bool `yaml:"revoke_refresh_tokens"`

	RequirePKCE           bool   `yaml:"require_pkce"`
	AllowPKCEPlain        bool   `yaml:"allow_pkce_plain"`
	ClientRegistrationURL string `yaml:"client_registration_url" validate:"omitempty,url"`

	Endpoints Endpoints       `yaml:"endpoints"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Audit enables security audit logging.
	Audit bool `yaml:"audit"`
}

// KeysConfig locates the signing key pair and the symmetric key.
type KeysConfig struct {
	PrivateKeyPath string `yaml:"private_key_path" validate:"required"`
	PublicKeyPath  string `yaml:"public_key_path"`
	Passphrase     string `yaml:"passphrase"`
	// EncryptionKey is a base64 32 byte key or a secret to derive one from.
	EncryptionKey string `yaml:"encryption_key" validate:"required"`
}

// TTLConfig holds per token kind lifetimes. Zero selects the server default.
type TTLConfig struct {
	AuthorizationCode Duration `yaml:"authorization_code"`
	AccessToken       Duration `yaml:"access_token"`
	RefreshToken      Duration `yaml:"refresh_token"`
	IDToken           Duration `yaml:"id_token"`
}

// Extensions toggles protocol extensions.
type Extensions struct {
	// OpenIDConnect defaults to true.
	OpenIDConnect *bool `yaml:"openid_connect"`
}

// Endpoints switches endpoints off.
type Endpoints struct {
	ServiceDisabled       bool `yaml:"service_disabled"`
	StatusDisabled        bool `yaml:"status_disabled"`
	IndexRedirectDisabled bool `yaml:"index_redirect_disabled"`
	UserinfoDisabled      bool `yaml:"userinfo_disabled"`
}

// StorageConfig binds repository roles to backends.
type StorageConfig struct {
	// Default is the backend for roles missing from Repositories.
	Default      string            `yaml:"default" validate:"omitempty,oneof=memory redis sqlite"`
	Repositories map[string]string `yaml:"repositories" validate:"omitempty,dive,keys,oneof=client scope auth_code access_token refresh_token user identity,endkeys,oneof=memory redis sqlite"`
	Redis        RedisConfig       `yaml:"redis"`
	SQLite       SQLiteConfig      `yaml:"sqlite"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path string `yaml:"path"`
	// PurgeInterval controls how often expired rows are deleted.
	PurgeInterval Duration `yaml:"purge_interval"`
}

// RateLimitConfig limits the token endpoints per client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
	TrustProxy        bool    `yaml:"trust_proxy"`
	TrustedProxyCount int     `yaml:"trusted_proxy_count" validate:"gte=0"`
}

// TelemetryConfig selects OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ServiceName     string `yaml:"service_name"`
	MetricsExporter string `yaml:"metrics_exporter" validate:"omitempty,oneof=none prometheus"`
	TracesExporter  string `yaml:"traces_exporter" validate:"omitempty,oneof=none otlp"`
	OTLPEndpoint    string `yaml:"otlp_endpoint"`
	OTLPInsecure    bool   `yaml:"otlp_insecure"`
}

// LoadFile reads, expands and validates a YAML configuration file.
// Relative paths inside it are resolved against the file's directory.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return Parse(content, filepath.Dir(path))
}

// Parse decodes YAML after expanding ${VAR} references from the environment.
func Parse(content []byte, baseDir string) (*Config, error) {
	expanded := os.ExpandEnv(string(content))

	cfg := new(Config)
	cfg.BaseDir = baseDir

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Storage.uses(BackendRedis) && c.Storage.Redis.Address == "" {
		return fmt.Errorf("invalid config: storage.redis.address is required when a repository uses redis")
	}
	if c.Storage.uses(BackendSQLite) && c.Storage.SQLite.Path == "" {
		return fmt.Errorf("invalid config: storage.sqlite.path is required when a repository uses sqlite")
	}
	return nil
}

// Backend returns the backend bound to role.
func (s StorageConfig) Backend(role storage.Role) string {
	if b, ok := s.Repositories[string(role)]; ok {
		return b
	}
	if s.Default != "" {
		return s.Default
	}
	return BackendMemory
}

func (s StorageConfig) uses(backend string) bool {
	for _, role := range storage.Roles() {
		if s.Backend(role) == backend {
			return true
		}
	}
	return false
}

// Path resolves p against the config file's directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.BaseDir == "" {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

// ListenAddress returns Listen or the default.
func (c *Config) ListenAddress() string {
	if c.Listen == "" {
		return DefaultListenAddress
	}
	return c.Listen
}

func (t TelemetryConfig) instrumentation(version string) instrumentation.Config {
	return instrumentation.Config{
		ServiceName:     t.ServiceName,
		ServiceVersion:  version,
		Enabled:         t.Enabled,
		MetricsExporter: t.MetricsExporter,
		TracesExporter:  t.TracesExporter,
		OTLPEndpoint:    t.OTLPEndpoint,
		OTLPInsecure:    t.OTLPInsecure,
	}
}

func enabled(v *bool) bool {
	return v == nil || *v
}

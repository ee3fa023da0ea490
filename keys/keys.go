package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/hkdf"

	"github.com/giantswarm/oauth-server/security"
)

// EncryptionKeySize is the size of the symmetric key used for codes and refresh tokens.
const EncryptionKeySize = 32

// DefaultRSAKeyBits is the modulus size used by Generate.
const DefaultRSAKeyBits = 2048

const hkdfInfo = "oauth-server token encryption"

var (
	// ErrNoPrivateKey is returned when no signing key is configured.
	ErrNoPrivateKey = errors.New("private key is required")

	// ErrNoEncryptionKey is returned when no encryption key is configured.
	ErrNoEncryptionKey = errors.New("encryption key is required")

	// ErrKeyMismatch is returned when the configured public key does not belong
	// to the private key.
	ErrKeyMismatch = errors.New("public key does not match private key")
)

// Source describes where key material comes from.
type Source struct {
	// PrivateKeyPath is a PEM file holding an RSA or P-256 private key.
	PrivateKeyPath string

	// Passphrase decrypts an encrypted private key. Ignored for plain keys.
	Passphrase string

	// PublicKeyPath optionally names the matching public key. When empty the
	// public key is derived from the private key.
	PublicKeyPath string

	// EncryptionKey is either a base64 encoded 32 byte key or an arbitrary
	// secret from which a key is derived with HKDF-SHA256.
	EncryptionKey string
}

// Material is the server's signing key pair and symmetric encryption key.
// It is immutable after construction and safe for concurrent use.
type Material struct {
	signer        crypto.Signer
	private       jwk.Key
	public        jwk.Key
	alg           jwa.SignatureAlgorithm
	encryptionKey []byte
}

// Load reads the key files named by src.
func Load(src Source) (*Material, error) {
	if src.PrivateKeyPath == "" {
		return nil, ErrNoPrivateKey
	}
	data, err := os.ReadFile(src.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ParsePrivateKeyPEM(data, []byte(src.Passphrase))
	if err != nil {
		return nil, err
	}

	if src.PublicKeyPath != "" {
		pubData, err := os.ReadFile(src.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key: %w", err)
		}
		pub, err := ParsePublicKeyPEM(pubData)
		if err != nil {
			return nil, err
		}
		if !publicKeysEqual(signer.Public(), pub) {
			return nil, ErrKeyMismatch
		}
	}

	encKey, err := ParseEncryptionKey(src.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return New(signer, encKey)
}

// New builds Material from an in-memory signer and encryption key.
func New(signer crypto.Signer, encryptionKey []byte) (*Material, error) {
	if signer == nil {
		return nil, ErrNoPrivateKey
	}
	if len(encryptionKey) != EncryptionKeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", EncryptionKeySize, len(encryptionKey))
	}

	var alg jwa.SignatureAlgorithm
	switch k := signer.(type) {
	case *rsa.PrivateKey:
		if k.N.BitLen() < DefaultRSAKeyBits {
			return nil, fmt.Errorf("RSA key must be at least %d bits, got %d", DefaultRSAKeyBits, k.N.BitLen())
		}
		alg = jwa.RS256
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("unsupported EC curve %s, only P-256 is supported", k.Curve.Params().Name)
		}
		alg = jwa.ES256
	default:
		return nil, fmt.Errorf("unsupported private key type %T", signer)
	}

	private, err := jwk.FromRaw(signer)
	if err != nil {
		return nil, fmt.Errorf("could not create jwk from private key: %w", err)
	}
	public, err := jwk.PublicKeyOf(private)
	if err != nil {
		return nil, fmt.Errorf("could not derive public jwk: %w", err)
	}

	kid, err := thumbprint(public)
	if err != nil {
		return nil, err
	}
	for _, k := range []jwk.Key{private, public} {
		if err := k.Set(jwk.KeyIDKey, kid); err != nil {
			return nil, fmt.Errorf("could not set kid: %w", err)
		}
		if err := k.Set(jwk.AlgorithmKey, alg); err != nil {
			return nil, fmt.Errorf("could not set alg: %w", err)
		}
		if err := k.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
			return nil, fmt.Errorf("could not set use: %w", err)
		}
	}

	return &Material{
		signer:        signer,
		private:       private,
		public:        public,
		alg:           alg,
		encryptionKey: append([]byte(nil), encryptionKey...),
	}, nil
}

// Generate creates fresh material with a 2048 bit RSA key and a random
// encryption key. Used by tests and the development server.
func Generate() (*Material, error) {
	priv, err := rsa.GenerateKey(rand.Reader, DefaultRSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	encKey, err := security.GenerateKey()
	if err != nil {
		return nil, err
	}
	return New(priv, encKey)
}

// SigningKey returns the private JWK used to sign access and ID tokens.
func (m *Material) SigningKey() jwk.Key { return m.private }

// PublicKey returns the public JWK used to verify signatures.
func (m *Material) PublicKey() jwk.Key { return m.public }

// Algorithm returns the JWS algorithm matching the key type.
func (m *Material) Algorithm() jwa.SignatureAlgorithm { return m.alg }

// KeyID returns the RFC 7638 thumbprint used as "kid".
func (m *Material) KeyID() string { return m.public.KeyID() }

// Signer returns the raw private key.
func (m *Material) Signer() crypto.Signer { return m.signer }

// EncryptionKey returns a copy of the symmetric key.
func (m *Material) EncryptionKey() []byte {
	return append([]byte(nil), m.encryptionKey...)
}

// PublicJWKS returns a JWK Set holding only the public key.
func (m *Material) PublicJWKS() jwk.Set {
	set := jwk.NewSet()
	_ = set.AddKey(m.public)
	return set
}

// ParsePrivateKeyPEM decodes an RSA or EC private key. Supported encodings are
// PKCS#8 (plain or passphrase-encrypted), PKCS#1 and SEC 1, including legacy
// "Proc-Type: 4,ENCRYPTED" PEM blocks.
func ParsePrivateKeyPEM(data, passphrase []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}

	der := block.Bytes
	//nolint:staticcheck // legacy encrypted PEM is still produced by openssl genrsa -aes256
	if x509.IsEncryptedPEMBlock(block) {
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("private key is encrypted but no passphrase was given")
		}
		var err error
		//nolint:staticcheck // see above
		if der, err = x509.DecryptPEMBlock(block, passphrase); err != nil {
			return nil, fmt.Errorf("failed to decrypt private key: %w", err)
		}
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "ENCRYPTED PRIVATE KEY":
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("private key is encrypted but no passphrase was given")
		}
		key, err = pkcs8.ParsePKCS8PrivateKey(der, passphrase)
	case "PRIVATE KEY":
		key, err = pkcs8.ParsePKCS8PrivateKey(der)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(der)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(der)
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

// ParsePublicKeyPEM decodes a PKIX public key or the key of a certificate.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return pub, nil
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		return cert.PublicKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// EncodePrivateKeyPEM encodes key as PKCS#8. A non-empty passphrase produces
// an "ENCRYPTED PRIVATE KEY" block (PBES2, AES-256-CBC).
func EncodePrivateKeyPEM(key crypto.Signer, passphrase []byte) ([]byte, error) {
	var pass []byte
	if len(passphrase) > 0 {
		pass = passphrase
	}
	der, err := pkcs8.MarshalPrivateKey(key, pass, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	blockType := "PRIVATE KEY"
	if pass != nil {
		blockType = "ENCRYPTED PRIVATE KEY"
	}
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), nil
}

// EncodePublicKeyPEM encodes the public half of key as PKIX.
func EncodePublicKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParseEncryptionKey accepts a base64 encoded 32 byte key. Any other non-empty
// value is treated as a secret and stretched to 32 bytes with HKDF-SHA256.
func ParseEncryptionKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrNoEncryptionKey
	}
	if key, err := security.KeyFromBase64(value); err == nil {
		return key, nil
	}
	if key, err := base64.RawURLEncoding.DecodeString(value); err == nil && len(key) == EncryptionKeySize {
		return key, nil
	}
	return DeriveEncryptionKey([]byte(value))
}

// DeriveEncryptionKey derives a 32 byte key from secret with HKDF-SHA256.
func DeriveEncryptionKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrNoEncryptionKey
	}
	key := make([]byte, EncryptionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return key, nil
}

// SubKey derives a purpose-bound 32 byte key from the encryption key, so the
// key that seals tokens is never reused for data at rest.
func (m *Material) SubKey(purpose string) ([]byte, error) {
	if purpose == "" {
		return nil, fmt.Errorf("sub-key purpose is required")
	}
	key := make([]byte, EncryptionKeySize)
	r := hkdf.New(sha256.New, m.encryptionKey, nil, []byte(hkdfInfo+": "+purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	return key, nil
}

func thumbprint(key jwk.Key) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("could not create thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	return ok && ea.Equal(b)
}

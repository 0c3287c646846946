// Package keys holds the tool's own signing key and the platform's remote
// verification key set.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/mind-engage/gradebridge/internal/apperr"
)

// SigningKey is the tool's RSA key. It is loaded once and never mutated.
type SigningKey struct {
	KeyID     string
	Algorithm jwa.SignatureAlgorithm
	Private   *rsa.PrivateKey

	public jwk.Key
}

// Source names where the signing key comes from. Exactly one of JWK and
// PEMFile is normally set; JWK wins when both are.
type Source struct {
	JWK       string // private JWK as JSON
	PEMFile   string // path to a PEM encoded private key
	PublicJWK string // optional; must describe the same key
}

// Load parses the configured signing key. All failures wrap
// apperr.ErrConfiguration since they can only happen at startup.
func Load(src Source) (*SigningKey, error) {
	var (
		key jwk.Key
		err error
	)
	switch {
	case strings.TrimSpace(src.JWK) != "":
		key, err = jwk.ParseKey([]byte(src.JWK))
		if err != nil {
			return nil, fmt.Errorf("%w: parse private jwk: %v", apperr.ErrConfiguration, err)
		}
	case src.PEMFile != "":
		data, rerr := os.ReadFile(src.PEMFile)
		if rerr != nil {
			return nil, fmt.Errorf("%w: read private key file: %v", apperr.ErrConfiguration, rerr)
		}
		key, err = jwk.ParseKey(data, jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key file: %v", apperr.ErrConfiguration, err)
		}
	default:
		return nil, fmt.Errorf("%w: no signing key configured", apperr.ErrConfiguration)
	}

	sk, err := FromJWK(key)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(src.PublicJWK) != "" {
		if err := sk.checkPublic([]byte(src.PublicJWK)); err != nil {
			return nil, err
		}
	}
	return sk, nil
}

// FromJWK builds a SigningKey from an already parsed private JWK. The key id
// defaults to the RFC 7638 thumbprint when the JWK has none.
func FromJWK(key jwk.Key) (*SigningKey, error) {
	if key.KeyType() != jwa.RSA {
		return nil, fmt.Errorf("%w: signing key must be RSA, got %s", apperr.ErrConfiguration, key.KeyType())
	}
	var priv rsa.PrivateKey
	if err := key.Raw(&priv); err != nil {
		return nil, fmt.Errorf("%w: signing key is not a private RSA key: %v", apperr.ErrConfiguration, err)
	}
	if priv.D == nil {
		return nil, fmt.Errorf("%w: signing key has no private exponent", apperr.ErrConfiguration)
	}

	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		return nil, fmt.Errorf("%w: derive public jwk: %v", apperr.ErrConfiguration, err)
	}
	kid := key.KeyID()
	if kid == "" {
		if kid, err = Thumbprint(pub); err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrConfiguration, err)
		}
	}
	_ = pub.Set(jwk.KeyIDKey, kid)
	_ = pub.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = pub.Set(jwk.KeyUsageKey, jwk.ForSignature)

	return &SigningKey{
		KeyID:     kid,
		Algorithm: jwa.RS256,
		Private:   &priv,
		public:    pub,
	}, nil
}

// Generate creates a fresh 2048 bit key. Used by tests and local development
// when no key is configured.
func Generate(bits int) (*SigningKey, error) {
	if bits == 0 {
		bits = 2048
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	key, err := jwk.FromRaw(priv)
	if err != nil {
		return nil, err
	}
	return FromJWK(key)
}

// PublicJWK returns the public half, with kid, alg and use set.
func (k *SigningKey) PublicJWK() jwk.Key { return k.public }

// PublicSet returns a one-key set suitable for the JWKS endpoint.
func (k *SigningKey) PublicSet() jwk.Set {
	set := jwk.NewSet()
	_ = set.AddKey(k.public)
	return set
}

// PublicSetJSON encodes PublicSet.
func (k *SigningKey) PublicSetJSON() ([]byte, error) {
	return json.Marshal(k.PublicSet())
}

// Seed returns key material for deriving symmetric keys when no dedicated
// secret is configured.
func (k *SigningKey) Seed() []byte {
	return x509.MarshalPKCS1PrivateKey(k.Private)
}

func (k *SigningKey) checkPublic(data []byte) error {
	given, err := jwk.ParseKey(data)
	if err != nil {
		return fmt.Errorf("%w: parse public jwk: %v", apperr.ErrConfiguration, err)
	}
	want, err := Thumbprint(k.public)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrConfiguration, err)
	}
	got, err := Thumbprint(given)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrConfiguration, err)
	}
	if got != want {
		return fmt.Errorf("%w: PUBLIC_JWK does not match the private key", apperr.ErrConfiguration)
	}
	if kid := given.KeyID(); kid != "" && kid != k.KeyID {
		return fmt.Errorf("%w: PUBLIC_JWK kid %q differs from private kid %q", apperr.ErrConfiguration, kid, k.KeyID)
	}
	return nil
}

// Thumbprint returns the base64url SHA-256 JWK thumbprint.
func Thumbprint(key jwk.Key) (string, error) {
	t, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("jwk thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(t), nil
}

package lti

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/mind-engage/gradebridge/internal/apperr"
)

// KeyResolver finds a platform verification key by kid.
type KeyResolver interface {
	LookupKey(ctx context.Context, kid string) (jwk.Key, error)
}

// AssertionVerifier checks platform id_tokens.
type AssertionVerifier interface {
	Verify(ctx context.Context, token, expectedIssuer, expectedAudience string) (Claims, error)
}

var allowedAlgs = map[jwa.SignatureAlgorithm]bool{
	jwa.RS256: true,
	jwa.RS384: true,
	jwa.RS512: true,
	jwa.PS256: true,
	jwa.ES256: true,
}

// Verifier is the jwx backed AssertionVerifier.
type Verifier struct {
	keys  KeyResolver
	skew  time.Duration
	clock jwt.Clock
}

func NewVerifier(keys KeyResolver, skew time.Duration) *Verifier {
	return &Verifier{keys: keys, skew: skew, clock: jwt.ClockFunc(time.Now)}
}

// Verify resolves the signing key by kid, checks the signature and the
// registered claims, and requires exp, iat and nonce. Every failure wraps
// apperr.ErrAssertionInvalid.
func (v *Verifier) Verify(ctx context.Context, token, expectedIssuer, expectedAudience string) (Claims, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, invalid("parse", err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, invalid("signatures", fmt.Errorf("expected 1, got %d", len(sigs)))
	}
	hdr := sigs[0].ProtectedHeaders()
	alg := hdr.Algorithm()
	if !allowedAlgs[alg] {
		return nil, invalid("alg", fmt.Errorf("%q not accepted", alg))
	}
	kid := hdr.KeyID()
	if kid == "" {
		return nil, invalid("kid", fmt.Errorf("missing"))
	}
	key, err := v.keys.LookupKey(ctx, kid)
	if err != nil {
		return nil, invalid("key", err)
	}

	tok, err := jwt.Parse([]byte(token),
		jwt.WithKey(alg, key),
		jwt.WithValidate(true),
		jwt.WithIssuer(expectedIssuer),
		jwt.WithAudience(expectedAudience),
		jwt.WithAcceptableSkew(v.skew),
		jwt.WithClock(v.clock),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithRequiredClaim(jwt.IssuedAtKey),
		jwt.WithRequiredClaim("nonce"),
	)
	if err != nil {
		return nil, invalid("validate", err)
	}
	m, err := tok.AsMap(ctx)
	if err != nil {
		return nil, invalid("claims", err)
	}
	claims := Claims(m)
	if claims.Subject() == "" {
		return nil, invalid("sub", fmt.Errorf("missing"))
	}
	return claims, nil
}

func invalid(step string, err error) error {
	return fmt.Errorf("%w: %s: %v", apperr.ErrAssertionInvalid, step, err)
}

package lti

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mind-engage/gradebridge/internal/apperr"
	"github.com/mind-engage/gradebridge/internal/keys"
)

// Identity is what the tool knows about a launched user.
type Identity struct {
	Subject string
	Name    string
	Roles   []string
	Context Context
	LIS     LIS
}

// SessionClaims is the payload of the session token handed to the dashboard.
type SessionClaims struct {
	Name    string   `json:"name,omitempty"`
	Roles   []string `json:"https://purl.imsglobal.org/spec/lti/claim/roles"`
	Context Context  `json:"https://purl.imsglobal.org/spec/lti/claim/context"`
	LIS     LIS      `json:"https://purl.imsglobal.org/spec/lti/claim/lis"`
	jwt.RegisteredClaims
}

func (c *SessionClaims) Identity() Identity {
	return Identity{
		Subject: c.Subject,
		Name:    c.Name,
		Roles:   append([]string(nil), c.Roles...),
		Context: c.Context,
		LIS:     c.LIS,
	}
}

// SessionIssuer mints and checks the RS256 session tokens.
type SessionIssuer struct {
	key    *keys.SigningKey
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewSessionIssuer(key *keys.SigningKey, issuer string, ttl time.Duration) *SessionIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionIssuer{key: key, issuer: issuer, ttl: ttl, now: time.Now}
}

func (s *SessionIssuer) Issue(id Identity) (string, error) {
	if id.Subject == "" {
		return "", errors.New("session: subject is required")
	}
	now := s.now()
	claims := &SessionClaims{
		Name:    id.Name,
		Roles:   id.Roles,
		Context: id.Context,
		LIS:     id.LIS,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.key.KeyID
	signed, err := t.SignedString(s.key.Private)
	if err != nil {
		return "", fmt.Errorf("session: sign: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm, issuer and expiry. Failures wrap
// apperr.ErrAssertionInvalid.
func (s *SessionIssuer) Verify(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			if kid, _ := t.Header["kid"].(string); kid != s.key.KeyID {
				return nil, fmt.Errorf("unknown kid %q", kid)
			}
			return &s.key.Private.PublicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: session token: %v", apperr.ErrAssertionInvalid, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: session token has no subject", apperr.ErrAssertionInvalid)
	}
	return claims, nil
}

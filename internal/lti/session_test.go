package lti

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/gradebridge/internal/apperr"
	"github.com/mind-engage/gradebridge/internal/keys"
)

func newIssuer(t *testing.T) (*SessionIssuer, *keys.SigningKey) {
	t.Helper()
	k, err := keys.Generate(2048)
	if err != nil {
		t.Fatal(err)
	}
	return NewSessionIssuer(k, "gradebridge", time.Hour), k
}

func TestSessionIssuer_IssueVerify(t *testing.T) {
	s, k := newIssuer(t)
	id := Identity{
		Subject: "u1",
		Name:    "Grace",
		Roles:   []string{"r1", "r2"},
		Context: Context{ID: "c1", Label: "L", Title: "T"},
		LIS:     LIS{PersonSourcedID: "p", CourseSectionSourcedID: "cs"},
	}
	tok, err := s.Issue(id)
	if err != nil {
		t.Fatal(err)
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(tok, &SessionClaims{})
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Header["kid"] != k.KeyID || parsed.Header["alg"] != "RS256" {
		t.Fatalf("header = %v", parsed.Header)
	}

	claims, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got := claims.Identity(); got.Subject != "u1" || got.LIS.CourseSectionSourcedID != "cs" || len(got.Roles) != 2 {
		t.Fatalf("identity = %+v", got)
	}
	if ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time); ttl != time.Hour {
		t.Fatalf("ttl = %v", ttl)
	}
	if claims.ID == "" {
		t.Fatal("jti missing")
	}
}

func TestSessionIssuer_RejectsExpired(t *testing.T) {
	s, _ := newIssuer(t)
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, err := s.Issue(Identity{Subject: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	s.now = time.Now
	if _, err := s.Verify(tok); !errors.Is(err, apperr.ErrAssertionInvalid) {
		t.Fatalf("want ErrAssertionInvalid, got %v", err)
	}
}

func TestSessionIssuer_RejectsForeignKeyAndTampering(t *testing.T) {
	s, _ := newIssuer(t)
	other, _ := newIssuer(t)

	tok, _ := other.Issue(Identity{Subject: "u1"})
	if _, err := s.Verify(tok); err == nil {
		t.Fatal("token from another key verified")
	}

	tok, _ = s.Issue(Identity{Subject: "u1"})
	parts := strings.Split(tok, ".")
	parts[1] = parts[1][:len(parts[1])-2] + "AA"
	if _, err := s.Verify(strings.Join(parts, ".")); err == nil {
		t.Fatal("tampered token verified")
	}
}

func TestSessionIssuer_RejectsHMACDowngrade(t *testing.T) {
	s, k := newIssuer(t)
	claims := &SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "gradebridge",
		Subject:   "u1",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = k.KeyID
	signed, err := tok.SignedString([]byte("guess"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Verify(signed); err == nil {
		t.Fatal("HS256 token verified")
	}
}

func TestSessionIssuer_RequiresSubject(t *testing.T) {
	s, _ := newIssuer(t)
	if _, err := s.Issue(Identity{}); err == nil {
		t.Fatal("issued a token without subject")
	}
}

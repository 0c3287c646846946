package lti

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/mind-engage/gradebridge/internal/keys"
)

const (
	testIssuer    = "https://blackboard.com"
	testClientID  = "tool-client-id"
	testAuthURL   = "https://developer.blackboard.com/api/v1/gateway/oidcauth"
	testDashboard = "https://tool.example.edu/dashboard"
	testTarget    = "https://tool.example.edu/launch"
)

// platform plays the LMS: it owns a signing key and mints id_tokens.
type platform struct {
	priv jwk.Key
	pub  jwk.Key
}

func newPlatform(t *testing.T, kid string) *platform {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	priv, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatal(err)
	}
	_ = priv.Set(jwk.KeyIDKey, kid)
	_ = priv.Set(jwk.AlgorithmKey, jwa.RS256)
	pub, err := jwk.PublicKeyOf(priv)
	if err != nil {
		t.Fatal(err)
	}
	return &platform{priv: priv, pub: pub}
}

type tokenOpts struct {
	nonce  string
	iss    string
	aud    string
	expiry time.Duration
	iat    time.Time
}

func (p *platform) idToken(t *testing.T, o tokenOpts) string {
	t.Helper()
	if o.iss == "" {
		o.iss = testIssuer
	}
	if o.aud == "" {
		o.aud = testClientID
	}
	if o.expiry == 0 {
		o.expiry = 5 * time.Minute
	}
	if o.iat.IsZero() {
		o.iat = time.Now()
	}
	tok, err := jwt.NewBuilder().
		Issuer(o.iss).
		Audience([]string{o.aud}).
		Subject("_7_1").
		IssuedAt(o.iat).
		Expiration(o.iat.Add(o.expiry)).
		Claim("nonce", o.nonce).
		Claim("name", "Ada Lovelace").
		Claim(ClaimRoles, []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"}).
		Claim(ClaimContext, map[string]any{"id": "ctx-1", "label": "MATH101", "title": "Calculus"}).
		Claim(ClaimLIS, map[string]any{"person_sourcedid": "p-1", "course_section_sourcedid": "MATH101-F24"}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, p.priv))
	if err != nil {
		t.Fatal(err)
	}
	return string(signed)
}

type staticKeys map[string]jwk.Key

func (s staticKeys) LookupKey(_ context.Context, kid string) (jwk.Key, error) {
	if k, ok := s[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: %s", keys.ErrKeyNotFound, kid)
}

type harness struct {
	flow   *Flow
	issuer *SessionIssuer
	plat   *platform
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	plat := newPlatform(t, "platform-key-1")
	toolKey, err := keys.Generate(2048)
	if err != nil {
		t.Fatal(err)
	}
	jar, err := NewCookieJar([]byte("test-cookie-secret"), CookieOptions{Secure: true})
	if err != nil {
		t.Fatal(err)
	}
	issuer := NewSessionIssuer(toolKey, "gradebridge", time.Hour)
	flow, err := NewFlow(FlowConfig{
		Issuer:          testIssuer,
		ClientID:        testClientID,
		PlatformAuthURL: testAuthURL,
		DashboardURL:    testDashboard,
	}, jar, NewVerifier(staticKeys{"platform-key-1": plat.pub}, time.Minute), issuer, NewMemoryReplay(0), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return &harness{flow: flow, issuer: issuer, plat: plat}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// login runs the initiation and returns the redirect query and the cookies
// the browser would hold.
func (h *harness) login(t *testing.T) (url.Values, []*http.Cookie) {
	t.Helper()
	q := url.Values{
		"iss":              {testIssuer},
		"login_hint":       {"hint-1"},
		"target_link_uri":  {testTarget},
		"lti_message_hint": {"msg-hint"},
	}
	rr := httptest.NewRecorder()
	h.flow.LoginHandler()(rr, httptest.NewRequest(http.MethodGet, "/login?"+q.Encode(), nil))
	if rr.Code != http.StatusFound {
		t.Fatalf("login status = %d body=%s", rr.Code, rr.Body.String())
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	return loc.Query(), rr.Result().Cookies()
}

func (h *harness) launch(t *testing.T, state, idToken string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	if state != "" {
		form.Set("state", state)
	}
	if idToken != "" {
		form.Set("id_token", idToken)
	}
	req := httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	rr := httptest.NewRecorder()
	h.flow.LaunchHandler()(rr, req)
	return rr
}

package auth

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/gradebridge/internal/lti"
	"github.com/mind-engage/gradebridge/internal/rbac"
)

type fakeVerifier map[string]lti.Identity

func (f fakeVerifier) Verify(token string) (*lti.SessionClaims, error) {
	id, ok := f[token]
	if !ok {
		return nil, errors.New("bad token")
	}
	return &lti.SessionClaims{
		Roles:            id.Roles,
		LIS:              id.LIS,
		RegisteredClaims: jwt.RegisteredClaims{Subject: id.Subject},
	}, nil
}

func serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, *lti.Identity, string) {
	t.Helper()
	v := fakeVerifier{"good": {Subject: "user-1", Roles: []string{"r"}}}
	var (
		seen *lti.Identity
		body string
	)
	h := SessionMiddleware(v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := rbac.IdentityFromContext(r.Context()); ok {
			seen = &id
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr, seen, body
}

func TestSessionMiddleware_TokenInBody(t *testing.T) {
	payload := `{"token":"good","course_section_sourcedid":"MATH101"}`
	rr, id, body := serve(t, httptest.NewRequest(http.MethodPost, "/grades", strings.NewReader(payload)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if id == nil || id.Subject != "user-1" {
		t.Fatalf("identity not stored: %+v", id)
	}
	if body != payload {
		t.Fatalf("body not restored: %q", body)
	}
}

func TestSessionMiddleware_BearerHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/grades", strings.NewReader(`{"token":"ignored"}`))
	req.Header.Set("Authorization", "bEaReR good")
	rr, id, _ := serve(t, req)
	if rr.Code != http.StatusOK || id == nil {
		t.Fatalf("status %d id %v", rr.Code, id)
	}
}

func TestSessionMiddleware_Rejections(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"missing token", `{"course_section_sourcedid":"x"}`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
		{"bad json", `{"token":`, http.StatusBadRequest},
		{"unknown token", `{"token":"forged"}`, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, id, _ := serve(t, httptest.NewRequest(http.MethodPost, "/grades", strings.NewReader(tc.body)))
			if rr.Code != tc.want {
				t.Fatalf("status %d, want %d", rr.Code, tc.want)
			}
			if id != nil {
				t.Fatal("next handler must not run")
			}
			if !strings.Contains(rr.Body.String(), `"message"`) {
				t.Fatalf("body %q", rr.Body.String())
			}
		})
	}
}

func TestExtractBearer(t *testing.T) {
	for hdr, want := range map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Bearer ":      "",
		"Basic abc":    "",
		"":             "",
	} {
		got, ok := extractBearer(hdr)
		if got != want || ok != (want != "") {
			t.Errorf("extractBearer(%q) = %q, %v", hdr, got, ok)
		}
	}
}

// Package auth authenticates dashboard API calls with the session token
// minted at the end of an LTI launch.
package auth

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mind-engage/gradebridge/internal/lti"
	"github.com/mind-engage/gradebridge/internal/rbac"
)

// MaxBodyBytes bounds request bodies read while looking for the token.
const MaxBodyBytes = 4 << 20

// SessionVerifier validates a session token.
type SessionVerifier interface {
	Verify(token string) (*lti.SessionClaims, error)
}

// SessionMiddleware verifies the session token from the Authorization
// header or, as the dashboard sends it, the "token" field of a JSON body.
// The body is restored for the next handler. On success the identity is
// stored with rbac.WithIdentity.
func SessionMiddleware(v SessionVerifier, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := extractBearer(r.Header.Get("Authorization"))
			if !ok {
				var err error
				token, err = tokenFromBody(r)
				if err != nil {
					writeErr(w, http.StatusBadRequest, "Invalid request body")
					return
				}
			}
			if token == "" {
				writeErr(w, http.StatusBadRequest, "Missing required parameters")
				return
			}
			claims, err := v.Verify(token)
			if err != nil {
				log.Info("session token rejected", "err", err)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				writeErr(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(rbac.WithIdentity(r.Context(), claims.Identity())))
		})
	}
}

func tokenFromBody(r *http.Request) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	_ = r.Body.Close()
	if err != nil {
		return "", err
	}
	if len(b) > MaxBodyBytes {
		return "", io.ErrUnexpectedEOF
	}
	r.Body = io.NopCloser(bytes.NewReader(b))
	if len(bytes.TrimSpace(b)) == 0 {
		return "", nil
	}
	var probe struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return "", err
	}
	return strings.TrimSpace(probe.Token), nil
}

// extractBearer reads an RFC 6750 bearer token; the scheme is case-insensitive.
func extractBearer(hdr string) (string, bool) {
	const prefix = "bearer "
	if len(hdr) < len(prefix) || !strings.EqualFold(hdr[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(hdr[len(prefix):])
	return token, token != ""
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}

// Package jwks serves the tool's public key set so the dashboard (or any
// other verifier of session tokens) can pick the key by kid.
package jwks

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Handler serves GET and HEAD /.well-known/jwks.json.
type Handler struct {
	// Set is the public key set. A nil or empty set answers 404.
	Set jwk.Set
	// CacheMaxAge defaults to 10 minutes.
	CacheMaxAge time.Duration
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Set == nil || h.Set.Len() == 0 {
		writeErr(w, http.StatusNotFound, "JWK not found")
		return
	}
	payload, err := json.Marshal(h.Set)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	maxAge := h.CacheMaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	etag := computeETag(payload)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(maxAge.Seconds())))
	w.Header().Set("ETag", etag)

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func computeETag(b []byte) string {
	sum := sha256.Sum256(b)
	// weak ETag is fine here
	return `W/"` + base64.RawURLEncoding.EncodeToString(sum[:]) + `"`
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}

package lti

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/segmentio/ksuid"
	"golang.org/x/crypto/hkdf"

	"github.com/mind-engage/gradebridge/internal/apperr"
)

const (
	StateCookie = "lti_state"
	NonceCookie = "lti_nonce"
)

// LaunchState binds a login initiation to its callback.
type LaunchState struct {
	State string
	Nonce string
}

// NewLaunchState draws a fresh state and nonce. A ksuid carries 128 random
// bits after its timestamp.
func NewLaunchState() (LaunchState, error) {
	s, err := ksuid.NewRandom()
	if err != nil {
		return LaunchState{}, fmt.Errorf("launch state: %w", err)
	}
	n, err := ksuid.NewRandom()
	if err != nil {
		return LaunchState{}, fmt.Errorf("launch state: %w", err)
	}
	return LaunchState{State: s.String(), Nonce: n.String()}, nil
}

type cookiePayload struct {
	Name  string `json:"n"`
	Value string `json:"v"`
	Exp   int64  `json:"exp"`
}

// CookieJar writes and reads the launch state cookies. Values are compact
// HS256 JWS so the browser can hold them without being able to forge them.
type CookieJar struct {
	key      []byte
	ttl      time.Duration
	sameSite http.SameSite
	secure   bool
	now      func() time.Time
}

type CookieOptions struct {
	TTL      time.Duration
	SameSite http.SameSite
	Secure   bool
}

// NewCookieJar derives a MAC key from secret with HKDF-SHA256.
func NewCookieJar(secret []byte, opts CookieOptions) (*CookieJar, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: cookie secret is empty", apperr.ErrConfiguration)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("gradebridge/lti-launch-state")), key); err != nil {
		return nil, fmt.Errorf("%w: derive cookie key: %v", apperr.ErrConfiguration, err)
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.SameSite == 0 {
		opts.SameSite = http.SameSiteStrictMode
	}
	return &CookieJar{key: key, ttl: opts.TTL, sameSite: opts.SameSite, secure: opts.Secure, now: time.Now}, nil
}

// Set writes both cookies.
func (j *CookieJar) Set(w http.ResponseWriter, ls LaunchState) error {
	exp := j.now().Add(j.ttl)
	for _, c := range []struct{ name, value string }{{StateCookie, ls.State}, {NonceCookie, ls.Nonce}} {
		v, err := j.seal(c.name, c.value, exp)
		if err != nil {
			return err
		}
		http.SetCookie(w, j.cookie(c.name, v, int(j.ttl.Seconds())))
	}
	return nil
}

// Read returns the saved state and nonce. A missing cookie is
// ErrInvalidRequest; a forged, swapped or expired one is ErrStateMismatch or
// ErrNonceMismatch.
func (j *CookieJar) Read(r *http.Request) (LaunchState, error) {
	sc, err := r.Cookie(StateCookie)
	if err != nil || sc.Value == "" {
		return LaunchState{}, fmt.Errorf("%w: missing %s cookie", apperr.ErrInvalidRequest, StateCookie)
	}
	nc, err := r.Cookie(NonceCookie)
	if err != nil || nc.Value == "" {
		return LaunchState{}, fmt.Errorf("%w: missing %s cookie", apperr.ErrInvalidRequest, NonceCookie)
	}
	state, err := j.open(StateCookie, sc.Value)
	if err != nil {
		return LaunchState{}, fmt.Errorf("%w: %v", apperr.ErrStateMismatch, err)
	}
	nonce, err := j.open(NonceCookie, nc.Value)
	if err != nil {
		return LaunchState{}, fmt.Errorf("%w: %v", apperr.ErrNonceMismatch, err)
	}
	return LaunchState{State: state, Nonce: nonce}, nil
}

// Clear expires both cookies.
func (j *CookieJar) Clear(w http.ResponseWriter) {
	http.SetCookie(w, j.cookie(StateCookie, "", -1))
	http.SetCookie(w, j.cookie(NonceCookie, "", -1))
}

func (j *CookieJar) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: j.sameSite,
	}
}

func (j *CookieJar) seal(name, value string, exp time.Time) (string, error) {
	payload, err := json.Marshal(cookiePayload{Name: name, Value: value, Exp: exp.Unix()})
	if err != nil {
		return "", err
	}
	signed, err := jws.Sign(payload, jws.WithKey(jwa.HS256, j.key))
	if err != nil {
		return "", fmt.Errorf("sign %s cookie: %w", name, err)
	}
	return string(signed), nil
}

func (j *CookieJar) open(name, raw string) (string, error) {
	payload, err := jws.Verify([]byte(raw), jws.WithKey(jwa.HS256, j.key))
	if err != nil {
		return "", fmt.Errorf("%s cookie signature: %w", name, err)
	}
	var p cookiePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("%s cookie payload: %w", name, err)
	}
	if p.Name != name {
		return "", errors.New(name + " cookie carries a different cookie's value")
	}
	if j.now().Unix() > p.Exp {
		return "", errors.New(name + " cookie expired")
	}
	if p.Value == "" {
		return "", errors.New(name + " cookie is empty")
	}
	return p.Value, nil
}

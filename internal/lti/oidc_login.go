// internal/lti/oidc_login.go
package lti

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mind-engage/gradebridge/internal/apperr"
)

// TokenIssuer mints the session token for a verified launch.
type TokenIssuer interface {
	Issue(id Identity) (string, error)
}

// FlowConfig is the tool's registration at the platform.
type FlowConfig struct {
	Issuer          string // platform issuer, e.g. https://blackboard.com
	ClientID        string // tool client id at the platform
	Audience        string // expected id_token audience; defaults to ClientID
	PlatformAuthURL string // OIDC authorization endpoint
	DashboardURL    string // where verified users are sent with ?token=
	StateTTL        time.Duration
}

// Flow runs the OIDC third-party initiated login: Initiate redirects the
// browser to the platform, Callback checks what the platform posts back.
type Flow struct {
	cfg      FlowConfig
	cookies  *CookieJar
	verifier AssertionVerifier
	issuer   TokenIssuer
	replay   ReplayGuard
	log      *slog.Logger
}

// NewFlow validates the registration once so requests never meet a
// half-configured flow.
func NewFlow(cfg FlowConfig, cookies *CookieJar, verifier AssertionVerifier, issuer TokenIssuer, replay ReplayGuard, log *slog.Logger) (*Flow, error) {
	if cfg.Audience == "" {
		cfg.Audience = cfg.ClientID
	}
	var missing []string
	for name, v := range map[string]string{
		"issuer":            cfg.Issuer,
		"client id":         cfg.ClientID,
		"platform auth url": cfg.PlatformAuthURL,
		"dashboard url":     cfg.DashboardURL,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: lti flow missing %s", apperr.ErrConfiguration, strings.Join(missing, ", "))
	}
	if _, err := url.Parse(cfg.PlatformAuthURL); err != nil {
		return nil, fmt.Errorf("%w: platform auth url: %v", apperr.ErrConfiguration, err)
	}
	if _, err := url.Parse(cfg.DashboardURL); err != nil {
		return nil, fmt.Errorf("%w: dashboard url: %v", apperr.ErrConfiguration, err)
	}
	if cookies == nil || verifier == nil || issuer == nil {
		return nil, fmt.Errorf("%w: lti flow dependencies are required", apperr.ErrConfiguration)
	}
	if replay == nil {
		replay = NewMemoryReplay(0)
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Flow{cfg: cfg, cookies: cookies, verifier: verifier, issuer: issuer, replay: replay, log: log}, nil
}

// InitiateRequest holds the platform's login initiation parameters.
type InitiateRequest struct {
	Issuer         string
	LoginHint      string
	TargetLinkURI  string
	LTIMessageHint string
}

// Initiate validates the request, draws a LaunchState, sets the cookies and
// returns the platform authorization URL to redirect to.
func (f *Flow) Initiate(w http.ResponseWriter, req InitiateRequest) (string, error) {
	phase := PhaseIdle
	phase = f.step(phase, PhaseInitiated)

	if req.LoginHint == "" || req.TargetLinkURI == "" || req.LTIMessageHint == "" {
		f.step(phase, PhaseRejected)
		return "", fmt.Errorf("%w: login_hint, target_link_uri and lti_message_hint are required", apperr.ErrInvalidRequest)
	}
	if req.Issuer != "" && req.Issuer != f.cfg.Issuer {
		f.step(phase, PhaseRejected)
		return "", fmt.Errorf("%w: unknown issuer %q", apperr.ErrInvalidRequest, req.Issuer)
	}
	if _, err := url.ParseRequestURI(req.TargetLinkURI); err != nil {
		f.step(phase, PhaseRejected)
		return "", fmt.Errorf("%w: target_link_uri: %v", apperr.ErrInvalidRequest, err)
	}

	ls, err := NewLaunchState()
	if err != nil {
		return "", err
	}
	if err := f.cookies.Set(w, ls); err != nil {
		return "", err
	}

	u, _ := url.Parse(f.cfg.PlatformAuthURL)
	q := u.Query()
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("client_id", f.cfg.ClientID)
	q.Set("redirect_uri", req.TargetLinkURI)
	q.Set("login_hint", req.LoginHint)
	q.Set("state", ls.State)
	q.Set("response_mode", "form_post")
	q.Set("nonce", ls.Nonce)
	q.Set("prompt", "none")
	q.Set("lti_message_hint", req.LTIMessageHint)
	u.RawQuery = q.Encode()

	f.step(phase, PhaseAwaitingCallback)
	return u.String(), nil
}

// LoginHandler serves GET and POST /login.
func (f *Flow) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeErr(w, http.StatusBadRequest, "Missing required parameters")
			return
		}
		target, err := f.Initiate(w, InitiateRequest{
			Issuer:         r.Form.Get("iss"),
			LoginHint:      r.Form.Get("login_hint"),
			TargetLinkURI:  r.Form.Get("target_link_uri"),
			LTIMessageHint: r.Form.Get("lti_message_hint"),
		})
		if err != nil {
			f.log.Warn("lti login rejected", "err", err)
			if apperr.HTTPStatus(err) == http.StatusBadRequest {
				writeErr(w, http.StatusBadRequest, "Missing required parameters")
				return
			}
			writeErr(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func (f *Flow) step(from, to Phase) Phase {
	next, err := from.To(to)
	if err != nil {
		f.log.Error("lti flow", "err", err)
		return from
	}
	f.log.Debug("lti flow", "from", from.String(), "to", next.String())
	return next
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errResp struct {
	Message string `json:"message"`
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Message: msg})
}

package lti

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mind-engage/gradebridge/internal/apperr"
)

// CallbackRequest is what the platform posts to the launch endpoint plus the
// launch state recovered from the cookies.
type CallbackRequest struct {
	State   string
	IDToken string
	Saved   LaunchState
}

// Callback checks state and nonce against the saved LaunchState, verifies the
// id_token and mints a session token. It returns the dashboard URL carrying
// the token.
func (f *Flow) Callback(ctx context.Context, req CallbackRequest) (string, Identity, error) {
	phase := PhaseAwaitingCallback
	reject := func(err error) (string, Identity, error) {
		f.step(phase, PhaseRejected)
		return "", Identity{}, err
	}

	if req.State == "" || req.IDToken == "" || req.Saved.State == "" || req.Saved.Nonce == "" {
		return reject(fmt.Errorf("%w: state, id_token and launch cookies are required", apperr.ErrInvalidRequest))
	}
	if !equal(req.State, req.Saved.State) {
		return reject(apperr.ErrStateMismatch)
	}
	claims, err := f.verifier.Verify(ctx, req.IDToken, f.cfg.Issuer, f.cfg.Audience)
	if err != nil {
		return reject(err)
	}
	if !equal(claims.Nonce(), req.Saved.Nonce) {
		return reject(apperr.ErrNonceMismatch)
	}
	first, err := f.replay.Use(ctx, "nonce", req.Saved.Nonce, f.cfg.StateTTL)
	if err != nil {
		return "", Identity{}, fmt.Errorf("replay ledger: %w", err)
	}
	if !first {
		return reject(fmt.Errorf("%w: nonce already consumed", apperr.ErrNonceMismatch))
	}
	phase = f.step(phase, PhaseVerified)

	id := claims.Identity()
	token, err := f.issuer.Issue(id)
	if err != nil {
		return "", Identity{}, err
	}
	u, _ := url.Parse(f.cfg.DashboardURL)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	f.step(phase, PhaseCompleted)
	return u.String(), id, nil
}

// LaunchHandler serves POST /launch (form_post) and GET /launch (query).
// Launch cookies are cleared whatever the outcome. Rejections share one
// response; the cause is only logged.
func (f *Flow) LaunchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.cookies.Clear(w)
		if err := r.ParseForm(); err != nil {
			writeErr(w, http.StatusBadRequest, "Missing required parameters")
			return
		}
		req := CallbackRequest{
			State:   r.Form.Get("state"),
			IDToken: r.Form.Get("id_token"),
		}
		saved, err := f.cookies.Read(r)
		if err != nil && !errors.Is(err, apperr.ErrInvalidRequest) && req.State != "" && req.IDToken != "" {
			f.log.Warn("lti launch rejected", "err", err)
			writeErr(w, http.StatusUnauthorized, "Authentication failed")
			return
		}
		req.Saved = saved

		target, id, err := f.Callback(r.Context(), req)
		switch {
		case err == nil:
			f.log.Info("lti launch completed", "sub", id.Subject, "context", id.Context.ID, "roles", len(id.Roles))
			http.Redirect(w, r, target, http.StatusFound)
		case errors.Is(err, apperr.ErrInvalidRequest):
			f.log.Warn("lti launch rejected", "err", err)
			writeErr(w, http.StatusBadRequest, "Missing required parameters")
		case apperr.IsAuthFailure(err):
			f.log.Warn("lti launch rejected", "err", err)
			writeErr(w, http.StatusUnauthorized, "Authentication failed")
		default:
			f.log.Error("lti launch failed", "err", err)
			writeErr(w, http.StatusInternalServerError, "Internal server error")
		}
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

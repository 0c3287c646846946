package rbac

import (
	"context"
	"strings"

	"github.com/mind-engage/gradebridge/internal/lti"
)

// Checker grants access when a user holds at least one allowed LTI role.
// Roles are compared as full URIs.
type Checker struct {
	allowed map[string]struct{}
}

func NewChecker(roles []string) *Checker {
	c := &Checker{allowed: make(map[string]struct{}, len(roles))}
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			c.allowed[r] = struct{}{}
		}
	}
	return c
}

// Allowed reports whether any of roles is on the allow-list.
func (c *Checker) Allowed(roles []string) bool {
	_, ok := c.Match(roles)
	return ok
}

// Match returns the first role that grants access.
func (c *Checker) Match(roles []string) (string, bool) {
	for _, r := range roles {
		if _, ok := c.allowed[strings.TrimSpace(r)]; ok {
			return r, true
		}
	}
	return "", false
}

// ---- identity in context ----

type ctxKey struct{}

var ctxKeyIdentity = ctxKey{}

func WithIdentity(ctx context.Context, id lti.Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

func IdentityFromContext(ctx context.Context) (lti.Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(lti.Identity)
	return id, ok
}

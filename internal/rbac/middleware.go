package rbac

import (
	"encoding/json"
	"net/http"
)

const deniedMessage = "Access denied. You do not have the required role."

// Require lets the request through only when the identity stored by the
// authentication middleware holds an allowed role.
func Require(c *Checker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok || !c.Allowed(id.Roles) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"message": deniedMessage})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

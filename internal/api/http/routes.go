package http

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	auth "github.com/mind-engage/gradebridge/internal/auth/middleware"
	"github.com/mind-engage/gradebridge/internal/rbac"
)

type Deps struct {
	Sessions auth.SessionVerifier
	Roles    *rbac.Checker
	Grades   GradesService
	Users    UserLookup
	Logger   *slog.Logger
}

// Mount registers the session-authenticated grade API on r.
func Mount(r chi.Router, d Deps) {
	r.Group(func(pr chi.Router) {
		pr.Use(auth.SessionMiddleware(d.Sessions, d.Logger))
		pr.Use(rbac.Require(d.Roles))

		pr.Post("/grades", ReadGradesHandler(d.Grades, d.Logger))
		pr.Post("/grades/submit", SubmitGradesHandler(d.Grades, d.Logger))
		pr.Post("/users", GetUserHandler(d.Users, d.Logger))
	})
}

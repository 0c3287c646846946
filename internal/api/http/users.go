package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mind-engage/gradebridge/internal/apperr"
	"github.com/mind-engage/gradebridge/internal/blackboard"
)

type UserLookup interface {
	GetUser(ctx context.Context, userID string) (blackboard.User, error)
}

// POST /users {token, userId}
func GetUserHandler(lms UserLookup, log *slog.Logger) http.HandlerFunc {
	log = orDefault(log)
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"userId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
			writeErr(w, http.StatusBadRequest, msgMissingParams)
			return
		}
		u, err := lms.GetUser(r.Context(), strings.TrimSpace(req.UserID))
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, u)
		case errors.Is(err, apperr.ErrNotFound):
			writeErr(w, http.StatusNotFound, "User not found")
		default:
			log.Error("get user", "user", req.UserID, "err", err)
			writeErr(w, http.StatusInternalServerError, msgInternal)
		}
	}
}

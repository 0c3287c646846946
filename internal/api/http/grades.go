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
	"github.com/mind-engage/gradebridge/internal/gradebook"
	"github.com/mind-engage/gradebridge/internal/lti"
	"github.com/mind-engage/gradebridge/internal/rbac"
)

const (
	msgMissingParams  = "Missing required parameters"
	msgCourseNotFound = "Course ID not found"
	msgColumnNotFound = "Grade column ID not found"
	msgCourseMismatch = "Course does not match the launch context"
	msgInternal       = "Internal server error"
	msgUpdateFailed   = "Error updating grades"
)

type GradesService interface {
	Read(ctx context.Context, courseCode string) (gradebook.Grades, error)
	Submit(ctx context.Context, req gradebook.SubmitRequest) (gradebook.Result, error)
}

// POST /grades {token, course_section_sourcedid}
func ReadGradesHandler(svc GradesService, log *slog.Logger) http.HandlerFunc {
	log = orDefault(log)
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CourseSection string `json:"course_section_sourcedid"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, msgMissingParams)
			return
		}
		id, _ := rbac.IdentityFromContext(r.Context())
		code, err := courseCode(id, req.CourseSection)
		if err != nil {
			writeErr(w, statusOf(err), messageOf(err))
			return
		}
		if code == "" {
			writeErr(w, http.StatusBadRequest, msgMissingParams)
			return
		}

		grades, err := svc.Read(r.Context(), code)
		if err != nil {
			if apperr.HTTPStatus(err) == http.StatusInternalServerError {
				log.Error("read grades", "course", code, "err", err)
			}
			writeErr(w, statusOf(err), messageOf(err))
			return
		}
		writeJSON(w, http.StatusOK, grades)
	}
}

type submitResponse struct {
	Message string `json:"message,omitempty"`
	gradebook.Result
}

// POST /grades/submit {token, courseId?, course_section_sourcedid?, overall?, final?}
func SubmitGradesHandler(svc GradesService, log *slog.Logger) http.HandlerFunc {
	log = orDefault(log)
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CourseID      string                `json:"courseId"`
			CourseSection string                `json:"course_section_sourcedid"`
			Overall       []blackboard.GradeRow `json:"overall"`
			Final         []blackboard.GradeRow `json:"final"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, msgMissingParams)
			return
		}
		id, _ := rbac.IdentityFromContext(r.Context())
		code, err := courseCode(id, req.CourseSection)
		if err != nil {
			writeErr(w, statusOf(err), messageOf(err))
			return
		}
		courseID := strings.TrimSpace(req.CourseID)
		if code == "" && courseID == "" {
			writeErr(w, http.StatusBadRequest, msgMissingParams)
			return
		}

		res, err := svc.Submit(r.Context(), gradebook.SubmitRequest{
			CourseCode: code,
			CourseID:   courseID,
			Actor:      id.Subject,
			Overall:    req.Overall,
			Final:      req.Final,
		})
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, submitResponse{Result: res})
		case errors.Is(err, gradebook.ErrNothingWritten):
			log.Error("submit grades: every write failed", "course", courseID, "code", code, "failed", len(res.Errors))
			writeJSON(w, http.StatusInternalServerError, submitResponse{Message: msgUpdateFailed, Result: res})
		case errors.Is(err, gradebook.ErrColumnNotFound):
			// nothing can be written without the target column
			log.Error("submit grades", "course", courseID, "code", code, "err", err)
			writeErr(w, http.StatusInternalServerError, msgColumnNotFound)
		default:
			if apperr.HTTPStatus(err) == http.StatusInternalServerError {
				log.Error("submit grades", "course", courseID, "code", code, "err", err)
			}
			writeErr(w, statusOf(err), messageOf(err))
		}
	}
}

// courseCode picks the course section for a request. The launch context in
// the session token is authoritative; a body value may only repeat it.
func courseCode(id lti.Identity, fromBody string) (string, error) {
	fromBody = strings.TrimSpace(fromBody)
	fromToken := strings.TrimSpace(id.LIS.CourseSectionSourcedID)
	switch {
	case fromToken == "":
		return fromBody, nil
	case fromBody != "" && fromBody != fromToken:
		return "", gradebook.ErrCourseMismatch
	default:
		return fromToken, nil
	}
}

func statusOf(err error) int {
	return apperr.HTTPStatus(err)
}

func messageOf(err error) string {
	switch {
	case errors.Is(err, gradebook.ErrCourseNotFound):
		return msgCourseNotFound
	case errors.Is(err, gradebook.ErrColumnNotFound):
		return msgColumnNotFound
	case errors.Is(err, gradebook.ErrCourseMismatch):
		return msgCourseMismatch
	case errors.Is(err, apperr.ErrInvalidRequest):
		return msgMissingParams
	default:
		return msgInternal
	}
}

package blackboard

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mind-engage/gradebridge/internal/apperr"
)

// ResolveCourseID finds the primary id of the course whose courseId matches
// courseCode. Learn treats the filter as a search, so an exact match wins
// and otherwise the first result is used.
func (c *Client) ResolveCourseID(ctx context.Context, courseCode string) (string, error) {
	if strings.TrimSpace(courseCode) == "" {
		return "", fmt.Errorf("%w: course code is required", apperr.ErrInvalidRequest)
	}
	u := c.endpoint("/learn/api/public/v3/courses", url.Values{
		"courseId": {courseCode},
		"fields":   {"id,courseId"},
	})
	courses, err := collect[Course](ctx, c, u, "resolve course")
	if err != nil {
		return "", err
	}
	if len(courses) == 0 {
		return "", fmt.Errorf("%w: course %q", apperr.ErrNotFound, courseCode)
	}
	if len(courses) > 1 {
		c.log.Info("course code matched several courses", "course_code", courseCode, "matches", len(courses))
	}
	for _, co := range courses {
		if co.CourseID == courseCode {
			return co.ID, nil
		}
	}
	return courses[0].ID, nil
}

// ResolveColumnID finds a gradebook column by display name. An exact
// case-insensitive match is preferred over the first result.
func (c *Client) ResolveColumnID(ctx context.Context, courseID, name string) (string, error) {
	if courseID == "" || name == "" {
		return "", fmt.Errorf("%w: course id and column name are required", apperr.ErrInvalidRequest)
	}
	u := c.endpoint("/learn/api/public/v2/courses/"+url.PathEscape(courseID)+"/gradebook/columns", url.Values{
		"name":   {name},
		"fields": {"id,name"},
	})
	cols, err := collect[Column](ctx, c, u, "resolve column")
	if err != nil {
		return "", err
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("%w: column %q in course %s", apperr.ErrNotFound, name, courseID)
	}
	for _, col := range cols {
		if strings.EqualFold(col.Name, name) {
			return col.ID, nil
		}
	}
	return cols[0].ID, nil
}

// FetchColumnUsers returns every grade row of a column, pages concatenated
// in server order.
func (c *Client) FetchColumnUsers(ctx context.Context, courseID, columnID string) ([]GradeRow, error) {
	if courseID == "" || columnID == "" {
		return nil, fmt.Errorf("%w: course id and column id are required", apperr.ErrInvalidRequest)
	}
	u := c.endpoint(columnPath(courseID, columnID)+"/users", nil)
	rows, err := collect[GradeRow](ctx, c, u, "fetch column users")
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []GradeRow{}
	}
	return rows, nil
}

// PatchGradeRow applies a partial update to one user's grade. A non-2xx
// answer is an *apperr.UpstreamError wrapping ErrUpstreamWrite (or
// ErrUpstreamAuth on 401) with the upstream status.
func (c *Client) PatchGradeRow(ctx context.Context, courseID, columnID, userID string, upd GradeUpdate) (GradeRow, error) {
	if courseID == "" || columnID == "" || userID == "" {
		return GradeRow{}, fmt.Errorf("%w: course, column and user ids are required", apperr.ErrInvalidRequest)
	}
	u := c.endpoint(columnPath(courseID, columnID)+"/users/"+url.PathEscape(userID), nil)
	var out GradeRow
	if err := c.call(ctx, http.MethodPatch, u, upd, &out, apperr.ErrUpstreamWrite, "patch grade"); err != nil {
		return GradeRow{}, err
	}
	return out, nil
}

// GetUser looks up a user by primary id.
func (c *Client) GetUser(ctx context.Context, userID string) (User, error) {
	if userID == "" {
		return User{}, fmt.Errorf("%w: user id is required", apperr.ErrInvalidRequest)
	}
	u := c.endpoint("/learn/api/public/v1/users/"+url.PathEscape(userID), url.Values{"fields": {"id,name.given,name.family"}})
	var out User
	if err := c.call(ctx, http.MethodGet, u, nil, &out, apperr.ErrUpstreamRead, "get user"); err != nil {
		return User{}, err
	}
	return out, nil
}

func columnPath(courseID, columnID string) string {
	return "/learn/api/public/v2/courses/" + url.PathEscape(courseID) + "/gradebook/columns/" + url.PathEscape(columnID)
}

// Package learntest provides an in-memory Learn REST server for tests.
package learntest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/gradebridge/internal/blackboard"
)

const (
	ClientID     = "learn-test-id"
	ClientSecret = "learn-test-secret"
)

// Patch records one PATCH received by the server.
type Patch struct {
	CourseID string
	ColumnID string
	UserID   string
	Body     blackboard.GradeUpdate
}

// Server fakes the slice of Learn the client uses. Fields may be edited
// between requests; handlers hold the lock while reading them.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	Courses       []blackboard.Course
	Columns       map[string][]blackboard.Column   // by course id
	Rows          map[string][]blackboard.GradeRow // by column id
	Users         map[string]blackboard.User
	PageSize      int
	FailPatch     map[string]int // user id -> status to answer
	RejectToken   bool
	ExpiresIn     int
	patches       []Patch
	tokenRequests int
	token         string
}

func New() *Server {
	s := &Server{
		Columns:   map[string][]blackboard.Column{},
		Rows:      map[string][]blackboard.GradeRow{},
		Users:     map[string]blackboard.User{},
		FailPatch: map[string]int{},
		PageSize:  100,
		ExpiresIn: 3600,
	}
	r := chi.NewRouter()
	r.Post("/learn/api/public/v1/oauth2/token", s.handleToken)
	r.Group(func(ar chi.Router) {
		ar.Use(s.requireBearer)
		ar.Get("/learn/api/public/v3/courses", s.handleCourses)
		ar.Get("/learn/api/public/v2/courses/{courseID}/gradebook/columns", s.handleColumns)
		ar.Get("/learn/api/public/v2/courses/{courseID}/gradebook/columns/{columnID}/users", s.handleRows)
		ar.Patch("/learn/api/public/v2/courses/{courseID}/gradebook/columns/{columnID}/users/{userID}", s.handlePatch)
		ar.Get("/learn/api/public/v1/users/{userID}", s.handleUser)
	})
	s.Server = httptest.NewServer(r)
	return s
}

func (s *Server) Lock()   { s.mu.Lock() }
func (s *Server) Unlock() { s.mu.Unlock() }

// Patches returns the PATCH requests received so far.
func (s *Server) Patches() []Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Patch(nil), s.patches...)
}

func (s *Server) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

// RevokeToken makes the current access token invalid.
func (s *Server) RevokeToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenRequests++
	id, secret, ok := r.BasicAuth()
	if s.RejectToken || !ok || id != ClientID || secret != ClientSecret {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
		return
	}
	_ = r.ParseForm()
	if r.Form.Get("grant_type") != "client_credentials" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.token = fmt.Sprintf("tok-%d", s.tokenRequests)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": s.token,
		"token_type":   "bearer",
		"expires_in":   s.ExpiresIn,
	})
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		want := s.token
		s.mu.Unlock()
		if want == "" || r.Header.Get("Authorization") != "Bearer "+want {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"status": 401, "message": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCourses(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := r.URL.Query().Get("courseId")
	var out []blackboard.Course
	for _, c := range s.Courses {
		if code == "" || strings.Contains(strings.ToLower(c.CourseID), strings.ToLower(code)) {
			out = append(out, c)
		}
	}
	writePage(w, r, out, s.PageSize)
}

func (s *Server) handleColumns(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := r.URL.Query().Get("name")
	var out []blackboard.Column
	for _, c := range s.Columns[chi.URLParam(r, "courseID")] {
		if name == "" || strings.Contains(strings.ToLower(c.Name), strings.ToLower(name)) {
			out = append(out, c)
		}
	}
	writePage(w, r, out, s.PageSize)
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writePage(w, r, s.Rows[chi.URLParam(r, "columnID")], s.PageSize)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	var body blackboard.GradeUpdate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": "bad body"})
		return
	}
	courseID, columnID, userID := chi.URLParam(r, "courseID"), chi.URLParam(r, "columnID"), chi.URLParam(r, "userID")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches = append(s.patches, Patch{CourseID: courseID, ColumnID: columnID, UserID: userID, Body: body})
	if status := s.FailPatch[userID]; status != 0 {
		writeJSON(w, status, map[string]any{"status": status, "message": "rejected"})
		return
	}
	row := blackboard.GradeRow{
		UserID:          userID,
		ColumnID:        columnID,
		Status:          "Graded",
		Text:            body.Text,
		Score:           body.Score,
		Notes:           body.Notes,
		Feedback:        body.Feedback,
		Exempt:          body.Exempt,
		GradeNotationID: body.GradeNotationID,
	}
	rows := s.Rows[columnID]
	replaced := false
	for i := range rows {
		if rows[i].UserID == userID {
			rows[i] = row
			replaced = true
		}
	}
	if !replaced {
		rows = append(rows, row)
	}
	s.Rows[columnID] = rows
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.Users[chi.URLParam(r, "userID")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": 404, "message": "User not found"})
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// writePage answers with one offset page and a relative nextPage link, the
// way Learn does.
func writePage[T any](w http.ResponseWriter, r *http.Request, all []T, size int) {
	if size <= 0 {
		size = 100
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + size
	if end > len(all) {
		end = len(all)
	}
	body := map[string]any{"results": append([]T{}, all[offset:end]...)}
	if end < len(all) {
		q := r.URL.Query()
		q.Set("offset", strconv.Itoa(end))
		body["paging"] = map[string]string{"nextPage": (&url.URL{Path: r.URL.Path, RawQuery: q.Encode()}).String()}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

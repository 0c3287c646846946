package blackboard_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/gradebridge/internal/apperr"
	"github.com/mind-engage/gradebridge/internal/blackboard"
	"github.com/mind-engage/gradebridge/internal/blackboard/learntest"
)

func newClient(t *testing.T, srv *learntest.Server, mod ...func(*blackboard.Config)) *blackboard.Client {
	t.Helper()
	cfg := blackboard.Config{
		Host:         srv.URL,
		ClientID:     learntest.ClientID,
		ClientSecret: learntest.ClientSecret,
		HTTPClient:   srv.Client(),
	}
	for _, m := range mod {
		m(&cfg)
	}
	c, err := blackboard.New(cfg)
	require.NoError(t, err)
	return c
}

func score(v float64) *float64 { return &v }

func TestFetchColumnUsers_FollowsCursorInOrder(t *testing.T) {
	srv := learntest.New()
	defer srv.Close()
	srv.PageSize = 2
	for i := 1; i <= 5; i++ {
		srv.Rows["col-1"] = append(srv.Rows["col-1"], blackboard.GradeRow{UserID: fmt.Sprintf("u%d", i), Score: score(float64(i))})
	}

	rows, err := newClient(t, srv).FetchColumnUsers(context.Background(), "course-1", "col-1")
	require.NoError(t, err)
	require.Len(t, rows, 5, "3 pages of 2+2+1")
	for i, r := range rows {
		assert.Equal(t, fmt.Sprintf("u%d", i+1), r.UserID)
	}
}

func TestFetchColumnUsers_EmptyColumn(t *testing.T) {
	srv := learntest.New()
	defer srv.Close()

	rows, err := newClient(t, srv).FetchColumnUsers(context.Background(), "course-1", "col-empty")
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestFetchColumnUsers_PageCap(t *testing.T) {
	srv := learntest.New()
	defer srv.Close()
	srv.PageSize = 1
	for i := 0; i < 3; i++ {
		srv.Rows["col-1"] = append(srv.Rows["col-1"], blackboard.GradeRow{UserID: fmt.Sprint(i)})
	}

	c := newClient(t, srv, func(cfg *blackboard.Config) { cfg.MaxPages = 2 })
	_, err := c.FetchColumnUsers(context.Background(), "course-1", "col-1")
	assert.ErrorIs(t, err, apperr.ErrPaginationExceeded)
}

func TestFetchColumnUsers_RepeatedCursor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/learn/api/public/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"t","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/learn/api/public/v2/courses/c/gradebook/columns/k/users", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"userId":"u"}],"paging":{"nextPage":"/learn/api/public/v2/courses/c/gradebook/columns/k/users?offset=1"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := blackboard.New(blackboard.Config{Host: srv.URL, ClientID: "a", ClientSecret: "b", HTTPClient: srv.Client()})
	require.NoError(t, err)
	_, err = c.FetchColumnUsers(context.Background(), "c", "k")
	assert.ErrorIs(t, err, apperr.ErrPaginationExceeded)
}

func TestEnsureAccessToken_CachesUntilNearExpiry(t *testing.T) {
	srv := learntest.New()
	defer srv.Close()
	ctx := context.Background()

	c := newClient(t, srv)
	tok1, err := c.EnsureAccessToken(ctx)
	require.NoError(t, err)
	tok2, err := c.EnsureAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)
	assert.Equal(t, 1, srv.TokenRequests())

	// expires inside the refresh leeway: every call fetches again
	srv.ExpiresIn = 10
	c = newClient(t, srv)
	_, _ = c.EnsureAccessToken(ctx)
	_, _ = c.EnsureAccessToken(ctx)
	assert.Equal(t, 3, srv.TokenRequests())
}

func TestEnsureAccessToken_Rejected(t *testing.T) {
	srv := learntest.New()
	defer srv.Close()
	srv.RejectToken = true

	_, err := newClient(t, srv).EnsureAccessToken(context.Background())
	require.ErrorIs(t, err, apperr.ErrUpstreamAuth)
	var ue *apperr.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusUnauthorized, ue.StatusCode)
	assert.Contains(t, ue.StatusText(), "401")
}

func TestEnsureAccessToken_NetworkFailure(t *testing.T) {
	srv := learntest.New()
	c := newClient(t, srv)
	srv.Close()

	_, err := c.EnsureAccessToken(context.Background())
	assert.ErrorIs(t, err, apperr.ErrUpstreamAuth)
}

func TestCall_RevokedTokenIsDropped(t *testing.T) {
	srv := learntest.New()
	defer srv.Close()
	srv.Users["_1_1"] = blackboard.User{ID: "_1_1"}
	ctx := context.Background()
	c := newClient(t, srv)

	_, err := c.GetUser(ctx, "_1_1")
	require.NoError(t, err)

	srv.RevokeToken()
	_, err = c.GetUser(ctx, "_1_1")
	require.ErrorIs(t, err, apperr.ErrUpstreamAuth)

	// the rejected token is not reused
	_, err = c.GetUser(ctx, "_1_1")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.TokenRequests())
}

func TestResolveCourseID(t *testing.T) {
	srv := learntest.New()
	defer srv.Close()
	srv.Courses = []blackboard.Course{
		{ID: "_10_1", CourseID: "MATH101-F24-LAB"},
		{ID: "_11_1", CourseID: "MATH101-F24"},
		{ID: "_12_1", CourseID: "HIST200"},
	}
	c := newClient(t, srv)
	ctx := context.Background()

	id, err := c.ResolveCourseID(ctx, "MATH101-F24")
	require.NoError(t, err)
	assert.Equal(t, "_11_1", id, "exact match wins over first result")

	id, err = c.ResolveCourseID(ctx, "HIST")
	require.NoError(t, err)
	assert.Equal(t, "_12_1", id)

	_, err = c.ResolveCourseID(ctx, "CHEM")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestResolveColumnID(t *testing.T) {
	srv := learntest.New()
	defer srv.Close()
	srv.Columns["_11_1"] = []blackboard.Column{
		{ID: "_900_1", Name: "Overall Grade (weighted)"},
		{ID: "_901_1", Name: "overall grade"},
		{ID: "_902_1", Name: "Final Grade"},
	}
	c := newClient(t, srv)
	ctx := context.Background()

	id, err := c.ResolveColumnID(ctx, "_11_1", "Overall Grade")
	require.NoError(t, err)
	assert.Equal(t, "_901_1", id)

	id, err = c.ResolveColumnID(ctx, "_11_1", "Final")
	require.NoError(t, err)
	assert.Equal(t, "_902_1", id)

	_, err = c.ResolveColumnID(ctx, "_12_1", "Overall Grade")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPatchGradeRow(t *testing.T) {
	srv := learntest.New()
	defer srv.Close()
	srv.FailPatch["bad"] = http.StatusConflict
	c := newClient(t, srv)
	ctx := context.Background()

	row, err := c.PatchGradeRow(ctx, "_11_1", "_902_1", "good", blackboard.GradeUpdate{Text: "A", Score: score(95)})
	require.NoError(t, err)
	assert.Equal(t, "A", row.Text)

	_, err = c.PatchGradeRow(ctx, "_11_1", "_902_1", "bad", blackboard.GradeUpdate{Text: "B"})
	require.ErrorIs(t, err, apperr.ErrUpstreamWrite)
	var ue *apperr.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusConflict, ue.StatusCode)
	assert.Equal(t, "409 Conflict", ue.StatusText())

	patches := srv.Patches()
	require.Len(t, patches, 2)
	assert.Equal(t, "_902_1", patches[0].ColumnID)
	assert.Equal(t, 95.0, *patches[0].Body.Score)
}

func TestGetUser(t *testing.T) {
	srv := learntest.New()
	defer srv.Close()
	srv.Users["_5_1"] = blackboard.User{ID: "_5_1", Name: blackboard.UserName{Given: "Ada", Family: "Lovelace"}}
	c := newClient(t, srv)

	u, err := c.GetUser(context.Background(), "_5_1")
	require.NoError(t, err)
	assert.Equal(t, "Lovelace", u.Name.Family)

	_, err = c.GetUser(context.Background(), "_6_1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestNew_HostForms(t *testing.T) {
	for _, host := range []string{"learn.example.edu", "https://learn.example.edu/", "http://127.0.0.1:8080"} {
		_, err := blackboard.New(blackboard.Config{Host: host, ClientID: "a", ClientSecret: "b"})
		assert.NoError(t, err, host)
	}
	_, err := blackboard.New(blackboard.Config{Host: "", ClientID: "a", ClientSecret: "b"})
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
	_, err = blackboard.New(blackboard.Config{Host: "learn.example.edu"})
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

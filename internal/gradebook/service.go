package gradebook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/gradebridge/internal/apperr"
	"github.com/mind-engage/gradebridge/internal/blackboard"
)

var (
	ErrCourseNotFound = fmt.Errorf("course id: %w", apperr.ErrNotFound)
	ErrColumnNotFound = fmt.Errorf("grade column id: %w", apperr.ErrNotFound)
	// ErrCourseMismatch is returned when a request names a course other
	// than the one the session was launched from.
	ErrCourseMismatch = fmt.Errorf("course mismatch: %w", apperr.ErrAuthorizationDenied)
	// ErrNothingWritten means every attempted final grade write failed.
	ErrNothingWritten = errors.New("no final grade could be written")
)

// LMS is the part of the Learn client the service needs.
type LMS interface {
	Patcher
	ResolveCourseID(ctx context.Context, courseCode string) (string, error)
	ResolveColumnID(ctx context.Context, courseID, name string) (string, error)
	FetchColumnUsers(ctx context.Context, courseID, columnID string) ([]blackboard.GradeRow, error)
}

// Run is the audit record of one submit.
type Run struct {
	ID          string
	CourseID    string
	ColumnID    string
	Actor       string
	Attempted   int
	Applied     int
	Failed      int
	Skipped     int
	FailedUsers []string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// RunRecorder persists Runs. Recording failures are logged, never returned.
type RunRecorder interface {
	RecordRun(ctx context.Context, run Run) error
}

type Options struct {
	OverallColumn string
	FinalColumn   string
	Concurrency   int
	Runs          RunRecorder
	Logger        *slog.Logger
	Now           func() time.Time
}

type Service struct {
	lms     LMS
	rec     *Reconciler
	runs    RunRecorder
	overall string
	final   string
	log     *slog.Logger
	now     func() time.Time
}

func NewService(lms LMS, opts Options) *Service {
	if opts.OverallColumn == "" {
		opts.OverallColumn = "Overall Grade"
	}
	if opts.FinalColumn == "" {
		opts.FinalColumn = "Final Grade"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		lms:     lms,
		rec:     NewReconciler(lms, opts.Concurrency, opts.Logger),
		runs:    opts.Runs,
		overall: opts.OverallColumn,
		final:   opts.FinalColumn,
		log:     opts.Logger,
		now:     opts.Now,
	}
}

// Grades is the gradebook view handed to the dashboard.
type Grades struct {
	CourseID        string                `json:"courseId"`
	OverallColumnID string                `json:"overallColumnId"`
	FinalColumnID   string                `json:"finalColumnId"`
	Overall         []blackboard.GradeRow `json:"overall"`
	Final           []blackboard.GradeRow `json:"final"`
}

// Read resolves the course and both columns and returns their rows.
func (s *Service) Read(ctx context.Context, courseCode string) (Grades, error) {
	courseID, err := s.course(ctx, courseCode)
	if err != nil {
		return Grades{}, err
	}
	overallID, err := s.column(ctx, courseID, s.overall)
	if err != nil {
		return Grades{}, err
	}
	finalID, err := s.column(ctx, courseID, s.final)
	if err != nil {
		return Grades{}, err
	}
	overall, err := s.lms.FetchColumnUsers(ctx, courseID, overallID)
	if err != nil {
		return Grades{}, fmt.Errorf("fetch overall grades: %w", err)
	}
	final, err := s.lms.FetchColumnUsers(ctx, courseID, finalID)
	if err != nil {
		return Grades{}, fmt.Errorf("fetch final grades: %w", err)
	}
	return Grades{
		CourseID:        courseID,
		OverallColumnID: overallID,
		FinalColumnID:   finalID,
		Overall:         overall,
		Final:           final,
	}, nil
}

type SubmitRequest struct {
	// CourseCode is the LIS course section sourcedid; it takes precedence
	// over CourseID when both are set and they must agree.
	CourseCode string
	CourseID   string
	Actor      string
	// Overall rows to copy; fetched from Learn when nil.
	Overall []blackboard.GradeRow
	// Final rows the caller already knows about. They are unioned with the
	// live final column so a stale client cannot cause an overwrite.
	Final []blackboard.GradeRow
}

// Submit writes final grades for every overall row that lacks one. The
// returned Result is always populated when the reconciler ran, including
// alongside ErrNothingWritten.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	started := s.now()
	courseID := req.CourseID
	if req.CourseCode != "" {
		resolved, err := s.course(ctx, req.CourseCode)
		if err != nil {
			return Result{}, err
		}
		if courseID != "" && courseID != resolved {
			return Result{}, ErrCourseMismatch
		}
		courseID = resolved
	}
	if courseID == "" {
		return Result{}, fmt.Errorf("%w: course is required", apperr.ErrInvalidRequest)
	}

	finalID, err := s.column(ctx, courseID, s.final)
	if err != nil {
		return Result{}, err
	}
	current, err := s.lms.FetchColumnUsers(ctx, courseID, finalID)
	if err != nil {
		return Result{}, fmt.Errorf("fetch final grades: %w", err)
	}
	overall := req.Overall
	if overall == nil {
		overallID, err := s.column(ctx, courseID, s.overall)
		if err != nil {
			return Result{}, err
		}
		if overall, err = s.lms.FetchColumnUsers(ctx, courseID, overallID); err != nil {
			return Result{}, fmt.Errorf("fetch overall grades: %w", err)
		}
	}

	res := s.rec.Reconcile(ctx, Input{
		CourseID:      courseID,
		FinalColumnID: finalID,
		Overall:       overall,
		Final:         append(current, req.Final...),
	})
	s.record(ctx, Run{
		ID:          uuid.NewString(),
		CourseID:    courseID,
		ColumnID:    finalID,
		Actor:       req.Actor,
		Attempted:   res.Attempted(),
		Applied:     len(res.Updates),
		Failed:      len(res.Errors),
		Skipped:     len(res.Skipped),
		FailedUsers: failedUsers(res),
		StartedAt:   started,
		FinishedAt:  s.now(),
	})
	if res.Attempted() > 0 && len(res.Updates) == 0 {
		return res, ErrNothingWritten
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, run Run) {
	if s.runs == nil {
		return
	}
	if err := s.runs.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		s.log.Error("record reconcile run", "run", run.ID, "err", err)
	}
}

func (s *Service) course(ctx context.Context, code string) (string, error) {
	id, err := s.lms.ResolveCourseID(ctx, code)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", fmt.Errorf("%w: %v", ErrCourseNotFound, err)
	}
	return id, err
}

func (s *Service) column(ctx context.Context, courseID, name string) (string, error) {
	id, err := s.lms.ResolveColumnID(ctx, courseID, name)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", fmt.Errorf("%w: %v", ErrColumnNotFound, err)
	}
	return id, err
}

func failedUsers(res Result) []string {
	out := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		out = append(out, e.UserID)
	}
	return out
}

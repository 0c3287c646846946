// Package gradebook copies the Overall Grade column into the Final Grade
// column without touching rows a grader has already finalised.
package gradebook

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mind-engage/gradebridge/internal/apperr"
	"github.com/mind-engage/gradebridge/internal/blackboard"
)

// Skip reasons.
const (
	SkipAlreadyGraded = "already-graded"
	SkipNoScore       = "no-score"
	SkipNoUser        = "missing-user-id"
	SkipDuplicate     = "duplicate"
)

// Patcher writes one grade row.
type Patcher interface {
	PatchGradeRow(ctx context.Context, courseID, columnID, userID string, upd blackboard.GradeUpdate) (blackboard.GradeRow, error)
}

type Input struct {
	CourseID      string
	FinalColumnID string
	Overall       []blackboard.GradeRow
	Final         []blackboard.GradeRow
}

// Planned is a write the reconciler intends to make.
type Planned struct {
	UserID string
	Body   blackboard.GradeUpdate
}

type Update struct {
	UserID string              `json:"userId"`
	Text   string              `json:"text"`
	Score  float64             `json:"score"`
	Row    blackboard.GradeRow `json:"row"`
}

type RowError struct {
	UserID     string `json:"userId"`
	Error      string `json:"error"`
	StatusCode int    `json:"status,omitempty"`
}

type Skip struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

type Result struct {
	Updates []Update   `json:"updates"`
	Errors  []RowError `json:"errors"`
	Skipped []Skip     `json:"skipped"`
}

// Attempted counts the writes that were sent upstream.
func (r Result) Attempted() int { return len(r.Updates) + len(r.Errors) }

// Plan decides, without any I/O, which overall rows become final-column
// writes. Output follows the order of in.Overall.
func Plan(in Input) ([]Planned, []Skip) {
	graded := make(map[string]struct{}, len(in.Final))
	for _, r := range in.Final {
		if r.UserID != "" {
			graded[r.UserID] = struct{}{}
		}
	}

	var (
		planned []Planned
		skipped []Skip
	)
	seen := make(map[string]struct{}, len(in.Overall))
	for _, row := range in.Overall {
		switch {
		case row.UserID == "":
			skipped = append(skipped, Skip{Reason: SkipNoUser})
			continue
		case has(seen, row.UserID):
			skipped = append(skipped, Skip{UserID: row.UserID, Reason: SkipDuplicate})
			continue
		}
		seen[row.UserID] = struct{}{}

		if has(graded, row.UserID) {
			skipped = append(skipped, Skip{UserID: row.UserID, Reason: SkipAlreadyGraded})
			continue
		}
		score, ok := usableScore(row)
		if !ok {
			skipped = append(skipped, Skip{UserID: row.UserID, Reason: SkipNoScore})
			continue
		}
		text := strings.TrimSpace(row.Text)
		if text == "" {
			text = LetterGrade(percent(score, row.DisplayGrade))
		}
		planned = append(planned, Planned{
			UserID: row.UserID,
			Body: blackboard.GradeUpdate{
				Text:            text,
				Score:           &score,
				Notes:           row.Notes,
				Feedback:        row.Feedback,
				Exempt:          row.Exempt,
				GradeNotationID: row.GradeNotationID,
			},
		})
	}
	return planned, skipped
}

// usableScore prefers the row score and falls back to the display score.
// Zero counts as absent.
func usableScore(row blackboard.GradeRow) (float64, bool) {
	if row.Score != nil && *row.Score != 0 {
		return *row.Score, true
	}
	if dg := row.DisplayGrade; dg != nil && dg.Score != nil && *dg.Score != 0 {
		return *dg.Score, true
	}
	return 0, false
}

func percent(score float64, dg *blackboard.DisplayGrade) float64 {
	if dg != nil && dg.Possible != nil && *dg.Possible > 0 {
		return score / *dg.Possible * 100
	}
	return score
}

func has(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

type Reconciler struct {
	LMS         Patcher
	Concurrency int
	Log         *slog.Logger
}

func NewReconciler(lms Patcher, concurrency int, log *slog.Logger) *Reconciler {
	if concurrency <= 0 {
		concurrency = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{LMS: lms, Concurrency: concurrency, Log: log}
}

// Reconcile applies Plan to the final column. A failed row never stops the
// others; every outcome is reported in input order.
func (r *Reconciler) Reconcile(ctx context.Context, in Input) Result {
	planned, skipped := Plan(in)
	res := Result{
		Updates: []Update{},
		Errors:  []RowError{},
		Skipped: skipped,
	}
	if res.Skipped == nil {
		res.Skipped = []Skip{}
	}

	type outcome struct {
		row blackboard.GradeRow
		err error
	}
	outcomes := make([]outcome, len(planned))

	var g errgroup.Group
	g.SetLimit(r.Concurrency)
	for i, p := range planned {
		g.Go(func() error {
			row, err := r.LMS.PatchGradeRow(ctx, in.CourseID, in.FinalColumnID, p.UserID, p.Body)
			outcomes[i] = outcome{row: row, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range planned {
		o := outcomes[i]
		if o.err != nil {
			re := RowError{UserID: p.UserID, Error: o.err.Error()}
			var ue *apperr.UpstreamError
			if errors.As(o.err, &ue) {
				re.StatusCode = ue.StatusCode
				re.Error = ue.StatusText()
			}
			r.Log.Warn("final grade write failed", "user", p.UserID, "err", o.err)
			res.Errors = append(res.Errors, re)
			continue
		}
		res.Updates = append(res.Updates, Update{
			UserID: p.UserID,
			Text:   p.Body.Text,
			Score:  *p.Body.Score,
			Row:    o.row,
		})
	}
	r.Log.Info("reconciled final grades",
		"course", in.CourseID,
		"column", in.FinalColumnID,
		"applied", len(res.Updates),
		"failed", len(res.Errors),
		"skipped", len(res.Skipped))
	return res
}

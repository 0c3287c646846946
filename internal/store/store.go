package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mind-engage/gradebridge/internal/gradebook"
)

type Store struct {
	DB  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store { return &Store{DB: db, now: time.Now} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// Use marks (kind, value) as consumed until ttl elapses. It returns false
// when the pair is already consumed and unexpired. An expired entry is
// taken over in the same statement.
func (s *Store) Use(ctx context.Context, kind, value string, ttl time.Duration) (bool, error) {
	kind = strings.TrimSpace(strings.ToLower(kind))
	value = strings.TrimSpace(value)
	if kind == "" || value == "" {
		return false, fmt.Errorf("replay: kind and value are required")
	}
	now := s.now()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO used_tokens (kind, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (kind, value)
		DO UPDATE SET expires_at = excluded.expires_at
		WHERE used_tokens.expires_at <= $4`,
		kind, value, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("replay: record %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replay: rows affected: %w", err)
	}
	return n == 1, nil
}

// PurgeExpired deletes consumed entries whose ttl has elapsed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM used_tokens WHERE expires_at <= $1`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordRun appends one reconcile audit row.
func (s *Store) RecordRun(ctx context.Context, r gradebook.Run) error {
	failed := r.FailedUsers
	if failed == nil {
		failed = []string{}
	}
	users, err := json.Marshal(failed)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO reconcile_runs
		  (id, course_id, column_id, actor, attempted, applied, failed, skipped, failed_users, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.CourseID, r.ColumnID, r.Actor, r.Attempted, r.Applied, r.Failed, r.Skipped,
		string(users), r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs for a course, newest first.
func (s *Store) ListRuns(ctx context.Context, courseID string, limit int) ([]gradebook.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, course_id, column_id, actor, attempted, applied, failed, skipped, failed_users, started_at, finished_at
		  FROM reconcile_runs
		 WHERE course_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2`, courseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gradebook.Run
	for rows.Next() {
		var (
			r               gradebook.Run
			users           string
			started, finish int64
		)
		if err := rows.Scan(&r.ID, &r.CourseID, &r.ColumnID, &r.Actor, &r.Attempted, &r.Applied,
			&r.Failed, &r.Skipped, &users, &started, &finish); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(users), &r.FailedUsers); err != nil {
			return nil, fmt.Errorf("run %s failed_users: %w", r.ID, err)
		}
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finish)
		out = append(out, r)
	}
	return out, rows.Err()
}

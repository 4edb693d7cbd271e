package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/lobwife/internal/shared"
)

const (
	JobSuccess = "success"
	JobFailed  = "failed"
	JobTimeout = "timeout"
	JobError   = "error"
)

// JobState is the persisted run history of one scheduled job.
type JobState struct {
	Name         string     `json:"name"`
	LastRun      *time.Time `json:"last_run"`
	LastStatus   string     `json:"last_status"`
	LastDuration *float64   `json:"last_duration"`
	LastOutput   string     `json:"last_output"`
	RunCount     int        `json:"run_count"`
	FailCount    int        `json:"fail_count"`
	Enabled      bool       `json:"enabled"`
}

const jobColumns = `name, last_run, COALESCE(last_status, ''), last_duration, COALESCE(last_output, ''),
	run_count, fail_count, enabled`

func scanJob(scan func(dest ...any) error) (*JobState, error) {
	var (
		js       JobState
		lastRun  sql.NullString
		duration sql.NullFloat64
		enabled  int
	)
	if err := scan(&js.Name, &lastRun, &js.LastStatus, &duration, &js.LastOutput, &js.RunCount, &js.FailCount, &enabled); err != nil {
		return nil, err
	}
	js.LastRun = nullTime(lastRun)
	if duration.Valid {
		d := duration.Float64
		js.LastDuration = &d
	}
	js.Enabled = enabled != 0
	return &js, nil
}

// EnsureJobState creates a row for name if missing. Existing rows keep their
// history and enabled flag.
func (s *Store) EnsureJobState(ctx context.Context, name string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO job_state (name) VALUES (?);`, name)
		if err != nil {
			return fmt.Errorf("ensure job_state: %w", err)
		}
		return nil
	})
}

func (s *Store) GetJobState(ctx context.Context, name string) (*JobState, error) {
	js, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_state WHERE name = ?;`, name).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.Errorf(shared.ErrNotFound, "Unknown job: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("select job_state: %w", err)
	}
	return js, nil
}

func (s *Store) ListJobStates(ctx context.Context) ([]JobState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM job_state ORDER BY name;`)
	if err != nil {
		return nil, fmt.Errorf("list job_state: %w", err)
	}
	defer rows.Close()
	var out []JobState
	for rows.Next() {
		js, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job_state: %w", err)
		}
		out = append(out, *js)
	}
	return out, rows.Err()
}

// JobStarted stamps last_run and counts the run.
func (s *Store) JobStarted(ctx context.Context, name string, at time.Time) error {
	return s.execJob(ctx, `UPDATE job_state SET last_run = ?, run_count = run_count + 1 WHERE name = ?;`, formatTime(at), name)
}

// JobFinished records a run outcome. Non-success outcomes count as failures.
func (s *Store) JobFinished(ctx context.Context, name, status string, duration float64, output string) error {
	fail := 0
	if status != JobSuccess {
		fail = 1
	}
	return s.execJob(ctx, `
		UPDATE job_state
		SET last_status = ?, last_duration = ?, last_output = ?, fail_count = fail_count + ?
		WHERE name = ?;
	`, status, duration, output, fail, name)
}

// JobErrored records a run that never started (missing script). Counters are
// left alone.
func (s *Store) JobErrored(ctx context.Context, name, output string) error {
	return s.execJob(ctx, `UPDATE job_state SET last_status = 'error', last_output = ? WHERE name = ?;`, output, name)
}

func (s *Store) SetJobEnabled(ctx context.Context, name string, enabled bool) error {
	return s.execJob(ctx, `UPDATE job_state SET enabled = ? WHERE name = ?;`, boolToInt(enabled), name)
}

func (s *Store) execJob(ctx context.Context, q string, args ...any) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("update job_state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return shared.Errorf(shared.ErrNotFound, "Unknown job: %v", args[len(args)-1])
		}
		return nil
	})
}

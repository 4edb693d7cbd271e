package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

type legacyJob struct {
	LastRun      *string  `json:"last_run"`
	LastStatus   *string  `json:"last_status"`
	LastDuration *float64 `json:"last_duration"`
	LastOutput   *string  `json:"last_output"`
	RunCount     int      `json:"run_count"`
	FailCount    int      `json:"fail_count"`
	Enabled      *bool    `json:"enabled"`
}

type legacyBrokerTask struct {
	Repos        []string `json:"repos"`
	LobsterType  string   `json:"lobster_type"`
	RegisteredAt string   `json:"registered_at"`
	Status       string   `json:"status"`
	TokenCount   int      `json:"token_count"`
}

type legacyAudit struct {
	Timestamp string   `json:"timestamp"`
	TaskID    string   `json:"task_id"`
	Repos     []string `json:"repos"`
	Action    string   `json:"action"`
}

// ImportLegacyState imports jobs.json, tasks.json and token-audit.json from
// stateDir if present. Rows that already exist are kept. Each imported file is
// renamed to *.json.migrated so the import runs once. A file that fails to
// import is logged and left in place.
func (s *Store) ImportLegacyState(ctx context.Context, stateDir string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	imports := []struct {
		file string
		fn   func(ctx context.Context, tx *sql.Tx, raw []byte) (int, error)
	}{
		{"jobs.json", s.importJobs},
		{"tasks.json", s.importBrokerTasks},
		{"token-audit.json", s.importAudit},
	}
	migrated := 0
	for _, imp := range imports {
		path := filepath.Join(stateDir, imp.file)
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			logger.Warn("legacy import read failed", "file", imp.file, "error", err)
			continue
		}
		var n int
		err = s.withTx(ctx, func(tx *sql.Tx) error {
			var err error
			n, err = imp.fn(ctx, tx, raw)
			return err
		})
		if err != nil {
			logger.Warn("legacy import failed", "file", imp.file, "error", err)
			continue
		}
		if err := os.Rename(path, path+".migrated"); err != nil {
			return migrated, fmt.Errorf("rename %s: %w", imp.file, err)
		}
		logger.Info("legacy state imported", "file", imp.file, "rows", n)
		migrated++
	}
	return migrated, nil
}

func (s *Store) importJobs(ctx context.Context, tx *sql.Tx, raw []byte) (int, error) {
	var data map[string]legacyJob
	if err := json.Unmarshal(raw, &data); err != nil {
		return 0, fmt.Errorf("decode jobs.json: %w", err)
	}
	for name, j := range data {
		enabled := j.Enabled == nil || *j.Enabled
		var lastRun any
		if j.LastRun != nil {
			lastRun = s.legacyTime(*j.LastRun)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO job_state
				(name, last_run, last_status, last_duration, last_output, run_count, fail_count, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, name, lastRun, j.LastStatus, j.LastDuration, j.LastOutput, j.RunCount, j.FailCount, boolToInt(enabled)); err != nil {
			return 0, fmt.Errorf("insert job %s: %w", name, err)
		}
	}
	return len(data), nil
}

func (s *Store) importBrokerTasks(ctx context.Context, tx *sql.Tx, raw []byte) (int, error) {
	var data map[string]legacyBrokerTask
	if err := json.Unmarshal(raw, &data); err != nil {
		return 0, fmt.Errorf("decode tasks.json: %w", err)
	}
	for taskID, t := range data {
		if t.LobsterType == "" {
			t.LobsterType = "unknown"
		}
		if t.Status == "" {
			t.Status = BrokerActive
		}
		repos, _ := json.Marshal(t.Repos)
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO broker_tasks (task_id, repos, worker_type, registered_at, status, token_count)
			VALUES (?, ?, ?, ?, ?, ?);
		`, taskID, string(repos), t.LobsterType, s.legacyTime(t.RegisteredAt), t.Status, t.TokenCount); err != nil {
			return 0, fmt.Errorf("insert broker task %s: %w", taskID, err)
		}
	}
	return len(data), nil
}

func (s *Store) importAudit(ctx context.Context, tx *sql.Tx, raw []byte) (int, error) {
	var data []legacyAudit
	if err := json.Unmarshal(raw, &data); err != nil {
		return 0, fmt.Errorf("decode token-audit.json: %w", err)
	}
	for _, e := range data {
		repos, _ := json.Marshal(e.Repos)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO token_audit (task_id, repos, action, created_at) VALUES (?, ?, ?, ?);
		`, e.TaskID, string(repos), e.Action, s.legacyTime(e.Timestamp)); err != nil {
			return 0, fmt.Errorf("insert audit entry: %w", err)
		}
	}
	return len(data), nil
}

// legacyTime normalizes an ISO timestamp to the store layout, falling back
// to now for missing or unparseable values.
func (s *Store) legacyTime(v string) string {
	if t, err := ParseTime(v); err == nil {
		return formatTime(t)
	}
	return s.nowText()
}

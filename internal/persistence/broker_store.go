package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/lobwife/internal/shared"
)

const (
	BrokerActive  = "active"
	BrokerExpired = "expired"
)

// DefaultAuditCap bounds the token_audit ring.
const DefaultAuditCap = 500

// BrokerRegistration is a task's repo scope for token issuance. It lives
// either on the task row (Embedded) or in broker_tasks for ids that do not
// resolve to a task.
type BrokerRegistration struct {
	TaskID       string    `json:"task_id"`
	Repos        []string  `json:"repos"`
	WorkerType   string    `json:"lobster_type"`
	RegisteredAt time.Time `json:"registered_at"`
	Status       string    `json:"status"`
	TokenCount   int       `json:"token_count"`
	Embedded     bool      `json:"-"`
	RowID        int64     `json:"-"`
}

type AuditEntry struct {
	ID        int64     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	Repos     []string  `json:"repos"`
	Action    string    `json:"action"`
}

func validRegistration(repos []string, workerType string) (string, error) {
	if len(repos) == 0 {
		return "", shared.Errorf(shared.ErrValidation, "repos required")
	}
	if workerType == "" {
		workerType = "unknown"
	}
	return workerType, nil
}

// RegisterBroker stores a registration keyed by ref. A ref that resolves to a
// task (T-id, numeric id, slug or name) is written onto that row with a
// broker_registered event; anything else goes to broker_tasks.
func (s *Store) RegisterBroker(ctx context.Context, ref string, repos []string, workerType string) (*BrokerRegistration, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, shared.Errorf(shared.ErrValidation, "task_id required")
	}
	workerType, err := validRegistration(repos, workerType)
	if err != nil {
		return nil, err
	}
	task, err := s.ResolveTask(ctx, ref)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	if task != nil {
		return s.registerOnTask(ctx, task, repos, workerType, "compat")
	}
	now := s.nowText()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO broker_tasks (task_id, repos, worker_type, registered_at, status, token_count)
			VALUES (?, ?, ?, ?, 'active', 0)
			ON CONFLICT(task_id) DO UPDATE SET
				repos = excluded.repos,
				worker_type = excluded.worker_type,
				registered_at = excluded.registered_at,
				status = 'active',
				token_count = 0;
		`, ref, encodeList(repos), workerType, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert broker_tasks: %w", err)
	}
	return &BrokerRegistration{
		TaskID: ref, Repos: repos, WorkerType: workerType, RegisteredAt: mustTime(now), Status: BrokerActive,
	}, nil
}

// RegisterTaskBroker stores a registration on the task row with id.
func (s *Store) RegisterTaskBroker(ctx context.Context, id int64, repos []string, workerType string) (*BrokerRegistration, error) {
	workerType, err := validRegistration(repos, workerType)
	if err != nil {
		return nil, err
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.registerOnTask(ctx, task, repos, workerType, "")
}

func (s *Store) registerOnTask(ctx context.Context, task *Task, repos []string, workerType, note string) (*BrokerRegistration, error) {
	now := s.nowText()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET broker_repos = ?, broker_status = 'active', broker_registered_at = ?, token_count = 0, updated_at = ?
			WHERE id = ?;
		`, encodeList(repos), now, now, task.ID); err != nil {
			return fmt.Errorf("register broker on task: %w", err)
		}
		detail := fmt.Sprintf("repos=[%s]", strings.Join(repos, ", "))
		if note != "" {
			detail += " (" + note + ")"
		}
		_, err := s.appendTaskEventTx(ctx, tx, task.ID, EventBrokerRegistered, detail, workerType)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BrokerRegistration{
		TaskID: task.TaskID, Repos: repos, WorkerType: workerType, RegisteredAt: mustTime(now),
		Status: BrokerActive, Embedded: true, RowID: task.ID,
	}, nil
}

// Registration looks ref up on the task table first, then in broker_tasks.
// It returns ErrNotFound when neither holds a registration.
func (s *Store) Registration(ctx context.Context, ref string) (*BrokerRegistration, error) {
	task, err := s.ResolveTask(ctx, ref)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	if task != nil && task.BrokerStatus != "" {
		return embeddedRegistration(task), nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, repos, worker_type, registered_at, status, token_count
		FROM broker_tasks WHERE task_id = ?;
	`, ref)
	reg, err := scanBrokerRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.Errorf(shared.ErrNotFound, "Task %s not registered", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("select broker_tasks: %w", err)
	}
	return reg, nil
}

func embeddedRegistration(t *Task) *BrokerRegistration {
	reg := &BrokerRegistration{
		TaskID: t.TaskID, Repos: t.BrokerRepos, WorkerType: t.Type, Status: t.BrokerStatus,
		TokenCount: t.TokenCount, Embedded: true, RowID: t.ID,
	}
	if t.BrokerRegisteredAt != nil {
		reg.RegisteredAt = *t.BrokerRegisteredAt
	}
	return reg
}

func scanBrokerRow(scan func(dest ...any) error) (*BrokerRegistration, error) {
	var (
		reg   BrokerRegistration
		repos sql.NullString
		at    string
	)
	if err := scan(&reg.TaskID, &repos, &reg.WorkerType, &at, &reg.Status, &reg.TokenCount); err != nil {
		return nil, err
	}
	reg.Repos = decodeList(repos)
	reg.RegisteredAt = mustTime(at)
	return &reg, nil
}

// Registrations lists every broker registration, embedded ones first.
func (s *Store) Registrations(ctx context.Context) ([]BrokerRegistration, error) {
	tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE broker_status IS NOT NULL ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	out := make([]BrokerRegistration, 0, len(tasks))
	for i := range tasks {
		out = append(out, *embeddedRegistration(&tasks[i]))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, repos, worker_type, registered_at, status, token_count
		FROM broker_tasks ORDER BY registered_at;
	`)
	if err != nil {
		return nil, fmt.Errorf("list broker_tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		reg, err := scanBrokerRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan broker_tasks: %w", err)
		}
		out = append(out, *reg)
	}
	return out, rows.Err()
}

// IncrementTokenCount bumps the issued-token counter on a registration.
func (s *Store) IncrementTokenCount(ctx context.Context, reg *BrokerRegistration) error {
	return retryOnBusy(ctx, 5, func() error {
		var err error
		if reg.Embedded {
			_, err = s.db.ExecContext(ctx, `UPDATE tasks SET token_count = token_count + 1 WHERE id = ?;`, reg.RowID)
		} else {
			_, err = s.db.ExecContext(ctx, `UPDATE broker_tasks SET token_count = token_count + 1 WHERE task_id = ?;`, reg.TaskID)
		}
		if err != nil {
			return fmt.Errorf("increment token_count: %w", err)
		}
		return nil
	})
}

// RemoveRegistration deletes a registration. Embedded ones are cleared from
// the task row, or marked expired when expire is set.
func (s *Store) RemoveRegistration(ctx context.Context, reg *BrokerRegistration, expire bool) error {
	return retryOnBusy(ctx, 5, func() error {
		var err error
		switch {
		case reg.Embedded && expire:
			_, err = s.db.ExecContext(ctx, `UPDATE tasks SET broker_status = 'expired', updated_at = ? WHERE id = ?;`, s.nowText(), reg.RowID)
		case reg.Embedded:
			_, err = s.db.ExecContext(ctx, `
				UPDATE tasks
				SET broker_repos = NULL, broker_status = NULL, broker_registered_at = NULL, updated_at = ?
				WHERE id = ?;
			`, s.nowText(), reg.RowID)
		default:
			_, err = s.db.ExecContext(ctx, `DELETE FROM broker_tasks WHERE task_id = ?;`, reg.TaskID)
		}
		if err != nil {
			return fmt.Errorf("remove registration: %w", err)
		}
		return nil
	})
}

// ExpiredRegistrations returns active registrations registered before cutoff.
func (s *Store) ExpiredRegistrations(ctx context.Context, cutoff time.Time) ([]BrokerRegistration, error) {
	all, err := s.Registrations(ctx)
	if err != nil {
		return nil, err
	}
	var out []BrokerRegistration
	for _, reg := range all {
		if reg.Status == BrokerActive && reg.RegisteredAt.Before(cutoff) {
			out = append(out, reg)
		}
	}
	return out, nil
}

// AppendAudit inserts an audit row and trims the ring to max entries in the
// same transaction.
func (s *Store) AppendAudit(ctx context.Context, taskID string, repos []string, action string, max int) error {
	if max <= 0 {
		max = DefaultAuditCap
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO token_audit (task_id, repos, action, created_at) VALUES (?, ?, ?, ?);
		`, taskID, encodeList(repos), action, s.nowText()); err != nil {
			return fmt.Errorf("insert token_audit: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM token_audit WHERE id NOT IN (
				SELECT id FROM token_audit ORDER BY id DESC LIMIT ?
			);
		`, max); err != nil {
			return fmt.Errorf("trim token_audit: %w", err)
		}
		return nil
	})
}

// ListAudit returns audit rows newest first, optionally for one task.
func (s *Store) ListAudit(ctx context.Context, taskID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	q := `SELECT id, task_id, repos, action, created_at FROM token_audit`
	args := []any{}
	if taskID != "" {
		q += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list token_audit: %w", err)
	}
	defer rows.Close()
	out := []AuditEntry{}
	for rows.Next() {
		var (
			e     AuditEntry
			repos sql.NullString
			at    string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &repos, &e.Action, &at); err != nil {
			return nil, fmt.Errorf("scan token_audit: %w", err)
		}
		e.Repos = decodeList(repos)
		e.Timestamp = mustTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// BrokerCounts feeds the broker summary.
type BrokerCounts struct {
	ActiveTasks  int
	TokensIssued int
	AuditEntries int
}

func (s *Store) BrokerCounts(ctx context.Context) (BrokerCounts, error) {
	var c BrokerCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tasks WHERE broker_status = 'active') +
			(SELECT COUNT(*) FROM broker_tasks WHERE status = 'active'),
			(SELECT COALESCE(SUM(token_count), 0) FROM tasks WHERE broker_status IS NOT NULL) +
			(SELECT COALESCE(SUM(token_count), 0) FROM broker_tasks),
			(SELECT COUNT(*) FROM token_audit);
	`).Scan(&c.ActiveTasks, &c.TokensIssued, &c.AuditEntries)
	if err != nil {
		return BrokerCounts{}, fmt.Errorf("broker counts: %w", err)
	}
	return c, nil
}

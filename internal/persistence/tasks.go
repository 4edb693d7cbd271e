package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/basket/lobwife/internal/bus"
	"github.com/basket/lobwife/internal/shared"
)

type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusActive    TaskStatus = "active"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
	StatusBlocked   TaskStatus = "blocked"
)

// Statuses lists every valid status, in display order.
var Statuses = []TaskStatus{StatusQueued, StatusActive, StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled}

// allowedTransitions is the status graph. completed and cancelled have no
// outgoing edges.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusQueued: {
		StatusActive:    {},
		StatusBlocked:   {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusActive: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusQueued:    {}, // Re-queue.
		StatusBlocked:   {},
		StatusCancelled: {},
	},
	StatusBlocked: {
		StatusQueued:    {},
		StatusActive:    {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusFailed: {
		StatusQueued:    {}, // Manual retry.
		StatusCancelled: {},
	},
}

func ValidStatus(s string) bool {
	for _, st := range Statuses {
		if string(st) == s {
			return true
		}
	}
	return false
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether no further status writes are allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

const (
	TypeSWE      = "swe"
	TypeQA       = "qa"
	TypeResearch = "research"
	TypeSystem   = "system"
	TypeImageGen = "image-gen"
)

var validTypes = map[string]bool{TypeSWE: true, TypeQA: true, TypeResearch: true, TypeSystem: true, TypeImageGen: true}

const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
	PriorityLow      = "low"
)

// PriorityRank orders priorities for dispatch; lower runs first.
var PriorityRank = map[string]int{PriorityCritical: 0, PriorityHigh: 1, PriorityNormal: 2, PriorityLow: 3}

// TimeoutState tracks which timeout thresholds have already been announced.
type TimeoutState string

const (
	TimeoutNone   TimeoutState = "none"
	TimeoutWarned TimeoutState = "warned"
	TimeoutFailed TimeoutState = "failed"
)

// Reserved event types.
const (
	EventCreated          = "created"
	EventUpdated          = "updated"
	EventStarted          = "started"
	EventSpawned          = "spawned"
	EventTimeoutWarning   = "timeout_warning"
	EventTimeoutFailure   = "timeout_failure"
	EventRequeued         = "requeued"
	EventFallbackPR       = "fallback_pr"
	EventFailed           = "failed"
	EventCompleted        = "completed"
	EventMigrated         = "migrated"
	EventCancelled        = "cancelled"
	EventBrokerRegistered = "broker_registered"
	EventInvestigation    = "investigation_created"
)

type Task struct {
	ID                  int64        `json:"id"`
	TaskID              string       `json:"task_id"`
	Name                string       `json:"name"`
	Slug                string       `json:"slug,omitempty"`
	Type                string       `json:"type"`
	Status              TaskStatus   `json:"status"`
	Priority            string       `json:"priority"`
	Model               string       `json:"model,omitempty"`
	AssignedTo          string       `json:"assigned_to,omitempty"`
	Repos               []string     `json:"repos,omitempty"`
	ThreadRef           string       `json:"thread_id,omitempty"`
	EstimateMinutes     *int         `json:"estimate_minutes,omitempty"`
	RequiresQA          bool         `json:"requires_qa"`
	Workflow            string       `json:"workflow,omitempty"`
	Objective           string       `json:"objective,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	QueuedAt            *time.Time   `json:"queued_at,omitempty"`
	AssignedAt          *time.Time   `json:"assigned_at,omitempty"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
	BrokerRepos         []string     `json:"broker_repos,omitempty"`
	BrokerStatus        string       `json:"broker_status,omitempty"`
	BrokerRegisteredAt  *time.Time   `json:"broker_registered_at,omitempty"`
	TokenCount          int          `json:"token_count"`
	TimeoutState        TimeoutState `json:"timeout_state"`
	InvestigationTaskID *int64       `json:"investigation_task_id,omitempty"`
}

// DisplayID formats a numeric id as T<id>.
func DisplayID(id int64) string {
	return "T" + strconv.FormatInt(id, 10)
}

// ParseTaskID accepts "42" or "T42" (case-insensitive prefix).
func ParseTaskID(ref string) (int64, bool) {
	ref = strings.TrimSpace(ref)
	if len(ref) > 1 && (ref[0] == 'T' || ref[0] == 't') {
		ref = ref[1:]
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	EventType string    `json:"event_type"`
	Detail    string    `json:"detail,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskInput carries the fields accepted on create.
type TaskInput struct {
	Name            string   `json:"name"`
	Slug            string   `json:"slug,omitempty"`
	Type            string   `json:"type,omitempty"`
	Status          string   `json:"status,omitempty"`
	Priority        string   `json:"priority,omitempty"`
	Model           string   `json:"model,omitempty"`
	AssignedTo      string   `json:"assigned_to,omitempty"`
	Repos           []string `json:"repos,omitempty"`
	ThreadRef       string   `json:"thread_id,omitempty"`
	EstimateMinutes *int     `json:"estimate_minutes,omitempty"`
	RequiresQA      bool     `json:"requires_qa,omitempty"`
	Workflow        string   `json:"workflow,omitempty"`
	Objective       string   `json:"objective,omitempty"`
	Actor           string   `json:"actor,omitempty"`
}

func (in *TaskInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return shared.Errorf(shared.ErrValidation, "name is required")
	}
	if in.Type == "" {
		in.Type = TypeSWE
	}
	if !validTypes[in.Type] {
		return shared.Errorf(shared.ErrValidation, "invalid type: %s", in.Type)
	}
	if in.Status == "" {
		in.Status = string(StatusQueued)
	}
	if !ValidStatus(in.Status) {
		return shared.Errorf(shared.ErrValidation, "invalid status: %s", in.Status)
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if _, ok := PriorityRank[in.Priority]; !ok {
		return shared.Errorf(shared.ErrValidation, "invalid priority: %s", in.Priority)
	}
	in.Slug = strings.TrimSpace(in.Slug)
	if in.Slug != "" && !ValidSlug(in.Slug) {
		return shared.Errorf(shared.ErrValidation, "invalid slug: %s", in.Slug)
	}
	if in.EstimateMinutes != nil && *in.EstimateMinutes < 0 {
		return shared.Errorf(shared.ErrValidation, "estimate_minutes must be >= 0")
	}
	return nil
}

// ValidSlug reports whether slug can name a vault file: no path separators,
// no "..", and not shaped like a task id.
func ValidSlug(slug string) bool {
	if slug == "" || slug == "." || strings.ContainsAny(slug, `/\`) || strings.Contains(slug, "..") {
		return false
	}
	_, isID := ParseTaskID(slug)
	return !isID
}

const taskColumns = `id, name, COALESCE(slug, ''), type, status, priority, COALESCE(model, ''),
	COALESCE(assigned_to, ''), repos, COALESCE(thread_ref, ''), estimate_minutes, requires_qa,
	COALESCE(workflow, ''), COALESCE(objective, ''), created_at, updated_at, queued_at, assigned_at,
	completed_at, broker_repos, COALESCE(broker_status, ''), broker_registered_at, token_count,
	timeout_state, investigation_task_id`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		repos, brokerRepos                         sql.NullString
		estimate, investigation                    sql.NullInt64
		requiresQA                                 int
		createdAt, updatedAt                       string
		queuedAt, assignedAt, completedAt, brokerAt sql.NullString
	)
	if err := scanFn(
		&task.ID,
		&task.Name,
		&task.Slug,
		&task.Type,
		&task.Status,
		&task.Priority,
		&task.Model,
		&task.AssignedTo,
		&repos,
		&task.ThreadRef,
		&estimate,
		&requiresQA,
		&task.Workflow,
		&task.Objective,
		&createdAt,
		&updatedAt,
		&queuedAt,
		&assignedAt,
		&completedAt,
		&brokerRepos,
		&task.BrokerStatus,
		&brokerAt,
		&task.TokenCount,
		&task.TimeoutState,
		&investigation,
	); err != nil {
		return err
	}
	task.TaskID = DisplayID(task.ID)
	task.Repos = decodeList(repos)
	task.BrokerRepos = decodeList(brokerRepos)
	if estimate.Valid {
		v := int(estimate.Int64)
		task.EstimateMinutes = &v
	}
	if investigation.Valid {
		v := investigation.Int64
		task.InvestigationTaskID = &v
	}
	task.RequiresQA = requiresQA != 0
	task.CreatedAt = mustTime(createdAt)
	task.UpdatedAt = mustTime(updatedAt)
	task.QueuedAt = nullTime(queuedAt)
	task.AssignedAt = nullTime(assignedAt)
	task.CompletedAt = nullTime(completedAt)
	task.BrokerRegisteredAt = nullTime(brokerAt)
	return nil
}

func decodeList(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil
	}
	return out
}

func encodeList(list []string) any {
	if len(list) == 0 {
		return nil
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) getTaskTx(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id int64) (*Task, error) {
	var t Task
	err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id).Scan, &t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shared.Errorf(shared.ErrNotFound, "Task %s not found", DisplayID(id))
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &t, nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID int64, eventType, detail, actor string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, detail, actor, created_at)
		VALUES (?, ?, ?, ?, ?);
	`, taskID, eventType, nullString(shared.Redact(detail)), nullString(actor), s.nowText())
	if err != nil {
		return 0, fmt.Errorf("insert task_event: %w", err)
	}
	return res.LastInsertId()
}

// withTx runs f inside a transaction, retrying the whole unit on BUSY.
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (s *Store) insertTaskTx(ctx context.Context, tx *sql.Tx, in TaskInput) (int64, error) {
	now := s.nowText()
	var queuedAt, assignedAt any
	if in.Status == string(StatusQueued) {
		queuedAt = now
	}
	if in.AssignedTo != "" {
		assignedAt = now
	}
	var estimate any
	if in.EstimateMinutes != nil {
		estimate = *in.EstimateMinutes
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (name, slug, type, status, priority, model, assigned_to, repos, thread_ref,
			estimate_minutes, requires_qa, workflow, objective, created_at, updated_at, queued_at, assigned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, in.Name, nullString(in.Slug), in.Type, in.Status, in.Priority, nullString(in.Model),
		nullString(in.AssignedTo), encodeList(in.Repos), nullString(in.ThreadRef), estimate,
		boolToInt(in.RequiresQA), nullString(in.Workflow), nullString(in.Objective), now, now, queuedAt, assignedAt)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("task last insert id: %w", err)
	}
	if _, err := s.appendTaskEventTx(ctx, tx, id, EventCreated, "Task created with status="+in.Status, in.Actor); err != nil {
		return 0, err
	}
	return id, nil
}

// CreateTask inserts a task and its created event.
func (s *Store) CreateTask(ctx context.Context, in TaskInput) (*Task, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	var task *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.insertTaskTx(ctx, tx, in)
		if err != nil {
			return err
		}
		task, err = s.getTaskTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskCreated, bus.TaskChanged{ID: task.ID, TaskID: task.TaskID, NewStatus: string(task.Status), Actor: in.Actor})
	return task, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	return s.getTaskTx(ctx, s.db, id)
}

// ResolveTask finds a task by display id, numeric id, slug or name. A ref
// shaped like an id ("T42", "42") only ever resolves by row id, so a task
// named after another task's id cannot take its place.
func (s *Store) ResolveTask(ctx context.Context, ref string) (*Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, shared.Errorf(shared.ErrValidation, "task reference required")
	}
	if id, ok := ParseTaskID(ref); ok {
		return s.GetTask(ctx, id)
	}
	for _, col := range []string{"slug", "name"} {
		var id int64
		err := s.db.QueryRowContext(ctx, `SELECT id FROM tasks WHERE `+col+` = ? ORDER BY id DESC LIMIT 1;`, ref).Scan(&id)
		if err == nil {
			return s.GetTask(ctx, id)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("resolve task by %s: %w", col, err)
		}
	}
	return nil, shared.Errorf(shared.ErrNotFound, "Task %s not found", ref)
}

type TaskFilter struct {
	Status string
	Type   string
	Limit  int
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// ListTasks returns tasks newest-id-first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY id DESC LIMIT ?;`, args...)
}

// TasksUpdatedSince returns tasks with updated_at strictly after since, oldest
// id first. A zero since returns every task.
func (s *Store) TasksUpdatedSince(ctx context.Context, since time.Time) ([]Task, error) {
	if since.IsZero() {
		return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id;`)
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE updated_at > ? ORDER BY id;`, formatTime(since))
}

// QueuedTasks returns queued tasks in dispatch order: priority, then oldest.
func (s *Store) QueuedTasks(ctx context.Context, excludeType string) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'queued' AND type != ?
		ORDER BY CASE priority
			WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 WHEN 'low' THEN 3 ELSE 2 END,
			COALESCE(queued_at, created_at), id;
	`, excludeType)
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	out := []Task{}
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tasks rows: %w", err)
	}
	return out, nil
}

// StatusCounts returns the number of tasks per status.
func (s *Store) StatusCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var st TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// CancelTask moves a task to cancelled unless it is already terminal.
func (s *Store) CancelTask(ctx context.Context, id int64, actor string) (*Task, error) {
	var (
		task *Task
		old  TaskStatus
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return shared.Errorf(shared.ErrConflict, "Task %s is already %s", cur.TaskID, cur.Status)
		}
		old = cur.Status
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'cancelled', updated_at = ? WHERE id = ?;
		`, s.nowText(), id); err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
		if _, err := s.appendTaskEventTx(ctx, tx, id, EventCancelled, "Task cancelled via API", actor); err != nil {
			return err
		}
		task, err = s.getTaskTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskStatusChanged, bus.TaskChanged{ID: id, TaskID: task.TaskID, OldStatus: string(old), NewStatus: string(StatusCancelled), Actor: actor})
	return task, nil
}

// LogEvent appends an event to a task's history.
func (s *Store) LogEvent(ctx context.Context, id int64, eventType, detail, actor string) (*TaskEvent, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, shared.Errorf(shared.ErrValidation, "event_type is required")
	}
	var ev *TaskEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getTaskTx(ctx, tx, id); err != nil {
			return err
		}
		evID, err := s.appendTaskEventTx(ctx, tx, id, eventType, detail, actor)
		if err != nil {
			return err
		}
		ev = &TaskEvent{ID: evID, TaskID: id, EventType: eventType, Detail: shared.Redact(detail), Actor: actor, CreatedAt: mustTime(s.nowText())}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskEvent, bus.TaskChanged{ID: id, TaskID: DisplayID(id), EventType: eventType, Detail: ev.Detail, Actor: actor})
	return ev, nil
}

// ListEvents returns a task's events newest first. limit <= 0 returns all.
func (s *Store) ListEvents(ctx context.Context, id int64, limit int) ([]TaskEvent, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	q := `SELECT id, task_id, event_type, COALESCE(detail, ''), COALESCE(actor, ''), created_at
		FROM task_events WHERE task_id = ? ORDER BY id DESC`
	args := []any{id}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()
	out := []TaskEvent{}
	for rows.Next() {
		var ev TaskEvent
		var created string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.EventType, &ev.Detail, &ev.Actor, &created); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.CreatedAt = mustTime(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEvents counts a task's events of one type.
func (s *Store) CountEvents(ctx context.Context, id int64, eventType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_events WHERE task_id = ? AND event_type = ?;`, id, eventType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count task events: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

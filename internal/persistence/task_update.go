package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/basket/lobwife/internal/bus"
	"github.com/basket/lobwife/internal/shared"
)

// patchFields is the PATCH whitelist in the order changes are reported.
// discord_thread_id is accepted as an alias of thread_id.
var patchFields = []string{
	"name", "type", "status", "priority", "model", "assigned_to", "repos",
	"thread_id", "discord_thread_id", "estimate_minutes", "requires_qa", "workflow",
	"assigned_at", "completed_at", "broker_repos", "broker_status", "token_count",
	"broker_registered_at",
}

var patchColumn = map[string]string{
	"thread_id":         "thread_ref",
	"discord_thread_id": "thread_ref",
}

// UpdateResult names the whitelisted fields a PATCH applied.
type UpdateResult struct {
	ID      int64    `json:"id"`
	TaskID  string   `json:"task_id"`
	Updated []string `json:"updated"`
}

type assignment struct {
	col string
	val any
}

// UpdateTask applies whitelisted fields from a decoded JSON object. Unknown
// keys are ignored. An invalid value rejects the whole update and leaves the
// row untouched.
func (s *Store) UpdateTask(ctx context.Context, id int64, fields map[string]any, actor string) (UpdateResult, error) {
	result := UpdateResult{ID: id, TaskID: DisplayID(id)}
	var (
		oldStatus, newStatus TaskStatus
		statusChanged        bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		sets, changed, err := s.buildPatch(cur, fields)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			return shared.Errorf(shared.ErrValidation, "no valid fields to update")
		}
		oldStatus, newStatus = cur.Status, cur.Status
		for _, a := range sets {
			if a.col == "status" {
				newStatus = TaskStatus(a.val.(string))
			}
		}
		statusChanged = newStatus != oldStatus

		cols := make([]string, 0, len(sets)+1)
		args := make([]any, 0, len(sets)+2)
		for _, a := range sets {
			cols = append(cols, a.col+" = ?")
			args = append(args, a.val)
		}
		cols = append(cols, "updated_at = ?")
		args = append(args, s.nowText(), id)
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(cols, ", ")+` WHERE id = ?;`, args...); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if _, err := s.appendTaskEventTx(ctx, tx, id, EventUpdated, "Updated: "+strings.Join(changed, ", "), actor); err != nil {
			return err
		}
		result.Updated = changed
		return nil
	})
	if err != nil {
		return UpdateResult{}, err
	}
	if statusChanged {
		s.publish(bus.TopicTaskStatusChanged, bus.TaskChanged{ID: id, TaskID: result.TaskID, OldStatus: string(oldStatus), NewStatus: string(newStatus), Actor: actor})
	} else {
		s.publish(bus.TopicTaskUpdated, bus.TaskChanged{ID: id, TaskID: result.TaskID, Detail: strings.Join(result.Updated, ","), Actor: actor})
	}
	return result, nil
}

func (s *Store) buildPatch(cur *Task, fields map[string]any) ([]assignment, []string, error) {
	var (
		sets    []assignment
		changed []string
		seen    = map[string]bool{}
	)
	set := func(col string, val any) {
		for i := range sets {
			if sets[i].col == col {
				sets[i].val = val
				return
			}
		}
		sets = append(sets, assignment{col: col, val: val})
	}

	for _, key := range patchFields {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		col := key
		if c, ok := patchColumn[key]; ok {
			col = c
		}
		var (
			val any
			err error
		)
		switch key {
		case "name":
			str, e := asString(key, raw)
			if e == nil && strings.TrimSpace(str) == "" {
				e = shared.Errorf(shared.ErrValidation, "name must not be empty")
			}
			val, err = strings.TrimSpace(str), e
		case "type":
			str, e := asString(key, raw)
			if e == nil && !validTypes[str] {
				e = shared.Errorf(shared.ErrValidation, "invalid type: %v", raw)
			}
			val, err = str, e
		case "status":
			str, e := asString(key, raw)
			if e != nil || !ValidStatus(str) {
				return nil, nil, shared.Errorf(shared.ErrValidation, "invalid status: %v", raw)
			}
			to := TaskStatus(str)
			if to != cur.Status && !canTransition(cur.Status, to) {
				return nil, nil, shared.Errorf(shared.ErrConflict, "Task %s cannot move from %s to %s", cur.TaskID, cur.Status, to)
			}
			val = str
		case "priority":
			str, e := asString(key, raw)
			if _, ok := PriorityRank[str]; e == nil && !ok {
				e = shared.Errorf(shared.ErrValidation, "invalid priority: %v", raw)
			}
			val, err = str, e
		case "model", "assigned_to", "thread_id", "discord_thread_id", "workflow", "broker_status":
			val, err = asNullableString(key, raw)
		case "repos", "broker_repos":
			var list []string
			list, err = asStringList(key, raw)
			val = encodeList(list)
		case "estimate_minutes":
			val, err = asNullableInt(key, raw)
		case "token_count":
			var n any
			n, err = asNullableInt(key, raw)
			if n == nil {
				n = 0
			}
			val = n
		case "requires_qa":
			b, ok := raw.(bool)
			if !ok {
				err = shared.Errorf(shared.ErrValidation, "requires_qa must be a boolean")
			}
			val = boolToInt(b)
		case "assigned_at", "completed_at", "broker_registered_at":
			val, err = asNullableTime(key, raw)
		}
		if err != nil {
			return nil, nil, err
		}
		set(col, val)
		seen[key] = true
		changed = append(changed, key)
	}

	now := s.nowText()
	if st, ok := fields["status"].(string); ok && TaskStatus(st) != cur.Status {
		switch TaskStatus(st) {
		case StatusQueued:
			set("queued_at", now)
			set("timeout_state", string(TimeoutNone))
		case StatusActive:
			if !seen["assigned_at"] && cur.AssignedAt == nil {
				set("assigned_at", now)
			}
			set("timeout_state", string(TimeoutNone))
		case StatusCompleted, StatusFailed:
			if !seen["completed_at"] {
				set("completed_at", now)
			}
			// A finished worker keeps no token scope.
			if !seen["broker_status"] && cur.BrokerStatus != "" {
				set("broker_repos", nil)
				set("broker_status", nil)
				set("broker_registered_at", nil)
			}
		}
	}

	// assigned_to and assigned_at move together.
	if seen["assigned_to"] && !seen["assigned_at"] {
		if fields["assigned_to"] == nil {
			set("assigned_at", nil)
		} else if cur.AssignedAt == nil {
			set("assigned_at", now)
		}
	}
	if seen["assigned_at"] && !seen["assigned_to"] && fields["assigned_at"] == nil {
		set("assigned_to", nil)
	}
	return sets, changed, nil
}

func asString(key string, raw any) (string, error) {
	str, ok := raw.(string)
	if !ok {
		return "", shared.Errorf(shared.ErrValidation, "%s must be a string", key)
	}
	return str, nil
}

func asNullableString(key string, raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return nullString(v), nil
	case float64:
		// Chat thread ids often arrive as numbers.
		return fmt.Sprintf("%.0f", v), nil
	default:
		return nil, shared.Errorf(shared.ErrValidation, "%s must be a string", key)
	}
}

func asStringList(key string, raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, shared.Errorf(shared.ErrValidation, "%s must be a list of strings", key)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, shared.Errorf(shared.ErrValidation, "%s must be a list of strings", key)
	}
}

func asNullableInt(key string, raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case float64:
		if v < 0 || v != float64(int64(v)) {
			return nil, shared.Errorf(shared.ErrValidation, "%s must be a non-negative integer", key)
		}
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return nil, shared.Errorf(shared.ErrValidation, "%s must be an integer", key)
	}
}

func asNullableTime(key string, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	str, ok := raw.(string)
	if !ok {
		return nil, shared.Errorf(shared.ErrValidation, "%s must be a timestamp string", key)
	}
	if str == "" {
		return nil, nil
	}
	t, err := ParseTime(str)
	if err != nil {
		return nil, shared.Errorf(shared.ErrValidation, "%s: %v", key, err)
	}
	return formatTime(t), nil
}

// ClaimTask moves a queued task to active for worker. Exactly one of any
// number of concurrent claims on the same task succeeds; the rest get
// ErrConflict.
func (s *Store) ClaimTask(ctx context.Context, id int64, worker, actor string) (*Task, error) {
	if strings.TrimSpace(worker) == "" {
		return nil, shared.Errorf(shared.ErrValidation, "worker required")
	}
	var task *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowText()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'active', assigned_to = ?, assigned_at = ?, timeout_state = 'none', updated_at = ?
			WHERE id = ? AND status = 'queued';
		`, worker, now, now, id)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if n != 1 {
			cur, err := s.getTaskTx(ctx, tx, id)
			if err != nil {
				return err
			}
			return shared.Errorf(shared.ErrConflict, "Task %s is %s, not queued", cur.TaskID, cur.Status)
		}
		if _, err := s.appendTaskEventTx(ctx, tx, id, EventStarted, "Claimed by "+worker, actor); err != nil {
			return err
		}
		task, err = s.getTaskTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskStatusChanged, bus.TaskChanged{ID: id, TaskID: task.TaskID, OldStatus: string(StatusQueued), NewStatus: string(StatusActive), Actor: actor})
	return task, nil
}

// RequeueTask returns an active task to the queue, clearing its assignment
// and broker scope. It reports false when the task is no longer active.
func (s *Store) RequeueTask(ctx context.Context, id int64, detail, actor string) (bool, error) {
	return s.conditionalTransition(ctx, id, StatusActive, StatusQueued, `
		status = 'queued', assigned_to = NULL, assigned_at = NULL,
		broker_repos = NULL, broker_status = NULL, broker_registered_at = NULL,
		timeout_state = 'none', queued_at = :now, updated_at = :now`, EventRequeued, detail, actor)
}

// FailTask marks an active task failed. It reports false when the task is no
// longer active.
func (s *Store) FailTask(ctx context.Context, id int64, detail, actor string) (bool, error) {
	return s.conditionalTransition(ctx, id, StatusActive, StatusFailed, `
		status = 'failed', completed_at = :now, updated_at = :now`, EventFailed, detail, actor)
}

func (s *Store) conditionalTransition(ctx context.Context, id int64, from, to TaskStatus, setClause, eventType, detail, actor string) (bool, error) {
	var moved bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowText()
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+setClause+` WHERE id = :id AND status = :from;`,
			sql.Named("now", now), sql.Named("id", id), sql.Named("from", string(from)))
		if err != nil {
			return fmt.Errorf("transition %s -> %s: %w", from, to, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if n != 1 {
			return nil
		}
		moved = true
		_, err = s.appendTaskEventTx(ctx, tx, id, eventType, detail, actor)
		return err
	})
	if err != nil {
		return false, err
	}
	if moved {
		s.publish(bus.TopicTaskStatusChanged, bus.TaskChanged{ID: id, TaskID: DisplayID(id), OldStatus: string(from), NewStatus: string(to), EventType: eventType, Actor: actor})
	}
	return moved, nil
}

var timeoutFrom = map[TimeoutState][]TimeoutState{
	TimeoutWarned: {TimeoutNone},
	TimeoutFailed: {TimeoutNone, TimeoutWarned},
}

// MarkTimeout advances an active task's timeout_state and records eventType in
// the same transaction. It reports false when the state was already at or
// past the target, so each threshold is announced once.
func (s *Store) MarkTimeout(ctx context.Context, id int64, to TimeoutState, eventType, detail, actor string) (bool, error) {
	from, ok := timeoutFrom[to]
	if !ok {
		return false, shared.Errorf(shared.ErrValidation, "invalid timeout state: %s", to)
	}
	var marked bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
		args := []any{string(to), id}
		for _, f := range from {
			args = append(args, string(f))
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET timeout_state = ?
			WHERE id = ? AND status = 'active' AND timeout_state IN (`+placeholders+`);
		`, args...)
		if err != nil {
			return fmt.Errorf("mark timeout: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark timeout rows affected: %w", err)
		}
		if n != 1 {
			return nil
		}
		marked = true
		_, err = s.appendTaskEventTx(ctx, tx, id, eventType, detail, actor)
		return err
	})
	if err != nil {
		return false, err
	}
	if marked {
		s.publish(bus.TopicTaskEvent, bus.TaskChanged{ID: id, TaskID: DisplayID(id), EventType: eventType, Detail: detail, Actor: actor})
	}
	return marked, nil
}

// CreateInvestigation creates a follow-up task for original unless one was
// already recorded. The marker on the original row and the new task commit
// together. created is false when an earlier sweep already made it.
func (s *Store) CreateInvestigation(ctx context.Context, original int64, in TaskInput) (task *Task, created bool, err error) {
	if err := in.normalize(); err != nil {
		return nil, false, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		orig, err := s.getTaskTx(ctx, tx, original)
		if err != nil {
			return err
		}
		if orig.InvestigationTaskID != nil {
			task, err = s.getTaskTx(ctx, tx, *orig.InvestigationTaskID)
			return err
		}
		id, err := s.insertTaskTx(ctx, tx, in)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET investigation_task_id = ? WHERE id = ? AND investigation_task_id IS NULL;
		`, id, original)
		if err != nil {
			return fmt.Errorf("mark investigation: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return shared.Errorf(shared.ErrConflict, "investigation for %s raced", orig.TaskID)
		}
		if _, err := s.appendTaskEventTx(ctx, tx, original, EventInvestigation, "Investigation task "+DisplayID(id), in.Actor); err != nil {
			return err
		}
		task, err = s.getTaskTx(ctx, tx, id)
		created = true
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.publish(bus.TopicTaskCreated, bus.TaskChanged{ID: task.ID, TaskID: task.TaskID, NewStatus: string(task.Status), Actor: in.Actor})
	}
	return task, created, nil
}

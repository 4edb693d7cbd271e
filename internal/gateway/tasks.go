package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/lobwife/internal/persistence"
	"github.com/basket/lobwife/internal/shared"
)

const defaultEventLimit = 100

type createTaskRequest struct {
	persistence.TaskInput
	// DiscordThreadID is the older spelling of thread_id.
	DiscordThreadID string `json:"discord_thread_id"`
}

type taskEventRequest struct {
	EventType string `json:"event_type"`
	Detail    string `json:"detail"`
	Actor     string `json:"actor"`
}

type registerRequest struct {
	Repos       []string `json:"repos"`
	LobsterType string   `json:"lobster_type"`
}

// actorOf prefers an explicit actor, then the X-Actor header, then "api".
func actorOf(r *http.Request, explicit string) string {
	if a := strings.TrimSpace(explicit); a != "" {
		return a
	}
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "api"
}

// taskRef resolves the {id} path value to a numeric task id.
func taskRef(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, ok := persistence.ParseTaskID(raw)
	if !ok {
		return 0, shared.Errorf(shared.ErrNotFound, "Task %s not found", raw)
	}
	return id, nil
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := s.schemas.decode(r, "create_task.json", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	in := req.TaskInput
	if in.ThreadRef == "" {
		in.ThreadRef = req.DiscordThreadID
	}
	in.Actor = actorOf(r, in.Actor)
	task, err := s.cfg.Store.CreateTask(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("task created", "task_id", task.TaskID, "type", task.Type, "actor", in.Actor)
	writeJSON(w, http.StatusCreated, map[string]any{"id": task.ID, "task_id": task.TaskID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := persistence.TaskFilter{Status: q.Get("status"), Type: q.Get("type")}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		f.Limit = n
	}
	if f.Status != "" && !persistence.ValidStatus(f.Status) {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid status: "+f.Status))
		return
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var fields map[string]any
	if err := s.schemas.decode(r, "update_task.json", &fields); err != nil {
		s.writeError(w, r, err)
		return
	}
	explicit, _ := fields["actor"].(string)
	delete(fields, "actor")
	res, err := s.cfg.Store.UpdateTask(r.Context(), id, fields, actorOf(r, explicit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.cfg.Store.CancelTask(r.Context(), id, actorOf(r, ""))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cfg.Broker != nil {
		if err := s.cfg.Broker.Deregister(r.Context(), task.TaskID); err != nil {
			s.logger.Warn("deregister cancelled task", "task_id", task.TaskID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": task.ID, "task_id": task.TaskID, "status": task.Status})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := taskRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.cfg.Store.ListEvents(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	id, err := taskRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req taskEventRequest
	if err := s.schemas.decode(r, "task_event.json", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, err := s.cfg.Store.LogEvent(r.Context(), id, req.EventType, req.Detail, actorOf(r, req.Actor))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "logged", "task_id": persistence.DisplayID(id), "event_id": ev.ID})
}

func (s *Server) handleRegisterV1(w http.ResponseWriter, r *http.Request) {
	id, err := taskRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.brokerOrUnavailable(w) {
		return
	}
	if _, err := s.cfg.Store.GetTask(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.register(w, r, func(ctx context.Context, repos []string, workerType string) (*persistence.BrokerRegistration, error) {
		return s.cfg.Broker.RegisterTask(ctx, id, repos, workerType)
	})
}

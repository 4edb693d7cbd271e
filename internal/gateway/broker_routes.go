package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/lobwife/internal/persistence"
)

const defaultAuditLimit = 50

type tokenRequest struct {
	TaskID any `json:"task_id"`
}

// ref renders task_id whether it arrived as a string or a bare number.
func (t tokenRequest) ref() string {
	switch v := t.TaskID.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}

func (s *Server) brokerOrUnavailable(w http.ResponseWriter) bool {
	if s.cfg.Broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("Token broker not configured"))
		return false
	}
	return true
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.brokerOrUnavailable(w) {
		return
	}
	var req tokenRequest
	if err := s.schemas.decode(r, "token.json", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ref := req.ref()
	if ref == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("task_id required"))
		return
	}
	if !s.limiter.Allow(ref) {
		s.cfg.OTelMetrics.AddRateLimitReject(r.Context())
		s.logger.Warn("token rate limited", "task_id", ref)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorBody("rate limit exceeded"))
		return
	}
	tok, err := s.cfg.Broker.IssueToken(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

type registerFunc func(ctx context.Context, repos []string, workerType string) (*persistence.BrokerRegistration, error)

// register is shared by the v1 and legacy register routes.
func (s *Server) register(w http.ResponseWriter, r *http.Request, fn registerFunc) {
	if !s.brokerOrUnavailable(w) {
		return
	}
	var req registerRequest
	if err := s.schemas.decode(r, "register.json", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reg, err := fn(r.Context(), req.Repos, req.LobsterType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "registered",
		"task_id":      reg.TaskID,
		"repos":        reg.Repos,
		"lobster_type": reg.WorkerType,
	})
}

func (s *Server) handleRegisterLegacy(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("task_id")
	s.register(w, r, func(ctx context.Context, repos []string, workerType string) (*persistence.BrokerRegistration, error) {
		return s.cfg.Broker.Register(ctx, ref, repos, workerType)
	})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if !s.brokerOrUnavailable(w) {
		return
	}
	ref := r.PathValue("task_id")
	if err := s.cfg.Broker.Deregister(r.Context(), ref); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered", "task_id": ref})
}

func (s *Server) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	if !s.brokerOrUnavailable(w) {
		return
	}
	regs, err := s.cfg.Broker.Registrations(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, regs)
}

func (s *Server) handleTokenAudit(w http.ResponseWriter, r *http.Request) {
	if !s.brokerOrUnavailable(w) {
		return
	}
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("invalid limit: %s", raw)))
			return
		}
		limit = n
	}
	entries, err := s.cfg.Broker.AuditLog(r.Context(), r.URL.Query().Get("task_id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

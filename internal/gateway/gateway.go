// Package gateway serves the lobwife HTTP API: task CRUD, the token broker,
// job control, health and a WebSocket stream of task changes.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/basket/lobwife/internal/broker"
	"github.com/basket/lobwife/internal/bus"
	"github.com/basket/lobwife/internal/config"
	"github.com/basket/lobwife/internal/jobs"
	"github.com/basket/lobwife/internal/metrics"
	lwotel "github.com/basket/lobwife/internal/otel"
	"github.com/basket/lobwife/internal/persistence"
	"github.com/basket/lobwife/internal/shared"
)

// Jobs is the job runner surface the API exposes.
type Jobs interface {
	Trigger(name string) error
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	Status(ctx context.Context) (map[string]jobs.JobStatus, error)
	Detail(ctx context.Context, name string) (*jobs.JobDetail, error)
	RunningCount() int
}

// Broker is the token broker surface the API exposes.
type Broker interface {
	Register(ctx context.Context, ref string, repos []string, workerType string) (*persistence.BrokerRegistration, error)
	RegisterTask(ctx context.Context, id int64, repos []string, workerType string) (*persistence.BrokerRegistration, error)
	Deregister(ctx context.Context, ref string) error
	IssueToken(ctx context.Context, ref string) (*broker.Token, error)
	Summary(ctx context.Context) (broker.Summary, error)
	Registrations(ctx context.Context) (map[string]broker.RegistrationView, error)
	AuditLog(ctx context.Context, taskID string, limit int) ([]persistence.AuditEntry, error)
}

// SyncRequester asks the vault syncer for a cycle.
type SyncRequester interface {
	RequestSync()
}

type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Broker Broker
	Jobs   Jobs
	Sync   SyncRequester

	Server      config.ServerConfig
	Metrics     *metrics.Metrics
	Telemetry   *lwotel.Provider
	OTelMetrics *lwotel.Metrics
	Logger      *slog.Logger

	// StartedAt anchors uptime_seconds in /health.
	StartedAt time.Time
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	auth    *AuthMiddleware
	limiter *RateLimiter
	schemas *schemas
	now     func() time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = lwotel.Noop()
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	sc, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "api"),
		auth:    NewAuthMiddleware(cfg.Server.APIToken),
		limiter: NewRateLimiter(cfg.Server.TokenRateLimit),
		schemas: sc,
		now:     time.Now,
	}, nil
}

// StartEviction drops idle rate-limit buckets until ctx ends.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, h))
	}

	route("GET /health", s.handleHealth)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}
	route("GET /api/status", s.handleStatus)

	route("POST /api/v1/tasks", s.handleCreateTask)
	route("GET /api/v1/tasks", s.handleListTasks)
	route("GET /api/v1/tasks/{id}", s.handleGetTask)
	route("PATCH /api/v1/tasks/{id}", s.handleUpdateTask)
	route("DELETE /api/v1/tasks/{id}", s.handleCancelTask)
	route("GET /api/v1/tasks/{id}/events", s.handleListEvents)
	route("POST /api/v1/tasks/{id}/events", s.handleCreateEvent)
	route("POST /api/v1/tasks/{id}/register", s.handleRegisterV1)
	route("POST /api/v1/token", s.handleToken)
	route("POST /api/v1/sync", s.handleSync)
	route("GET /api/v1/stream", s.handleStream)

	route("POST /api/token", s.handleToken)
	route("GET /api/token/audit", s.handleTokenAudit)
	route("POST /api/tasks/{task_id}/register", s.handleRegisterLegacy)
	route("DELETE /api/tasks/{task_id}", s.handleDeregister)
	route("GET /api/tasks", s.handleRegistrations)

	route("GET /api/jobs", s.handleJobs)
	route("GET /api/jobs/{name}", s.handleJobDetail)
	route("POST /api/jobs/{name}/trigger", s.handleJobTrigger)
	route("POST /api/jobs/{name}/enable", s.handleJobEnable)
	route("POST /api/jobs/{name}/disable", s.handleJobDisable)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.Server.MaxBodyBytes)(h)
	h = s.auth.Wrap(h)
	h = NewCORSMiddleware(s.cfg.Server.CORS)(h)
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is needed for the WebSocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) instrument(pattern string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := lwotel.StartServerSpan(r.Context(), s.cfg.Telemetry.Tracer, "http "+pattern, lwotel.AttrHTTPRoute.String(pattern))
		defer span.End()
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
		ctx = shared.WithActor(ctx, actorOf(r, ""))

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r.WithContext(ctx))

		s.cfg.Metrics.HTTPRequest(pattern, rec.code)
		s.cfg.OTelMetrics.RecordRequest(ctx, pattern, time.Since(start).Seconds())
		if rec.code >= http.StatusInternalServerError {
			s.logger.ErrorContext(ctx, "request failed", "route", pattern, "code", rec.code)
		} else {
			s.logger.Debug("request", "route", pattern, "code", rec.code, "duration_ms", time.Since(start).Milliseconds())
		}
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, shared.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, shared.ErrUnavailable), errors.Is(err, shared.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "internal error", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, errorBody(err.Error()))
}

func (s *Server) brokerSummary(ctx context.Context) any {
	if s.cfg.Broker == nil {
		return broker.Summary{}
	}
	sum, err := s.cfg.Broker.Summary(ctx)
	if err != nil {
		return errorBody(err.Error())
	}
	return sum
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	db := s.cfg.Store.Stats(ctx)
	running := 0
	if s.cfg.Jobs != nil {
		running = s.cfg.Jobs.RunningCount()
	}
	body := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(s.now().Sub(s.cfg.StartedAt).Seconds()),
		"jobs_running":   running,
		"broker":         s.brokerSummary(ctx),
		"db":             db,
	}
	code := http.StatusOK
	if !db.OK {
		body["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(s.now().Sub(s.cfg.StartedAt).Seconds()),
		"broker":         s.brokerSummary(ctx),
	}
	if s.cfg.Jobs != nil {
		st, err := s.cfg.Jobs.Status(ctx)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		body["jobs"] = st
	}
	if counts, err := s.cfg.Store.StatusCounts(ctx); err == nil {
		body["tasks"] = counts
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Sync == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("Vault sync not configured"))
		return
	}
	s.cfg.Sync.RequestSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}

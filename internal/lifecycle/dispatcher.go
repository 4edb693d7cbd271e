package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/lobwife/internal/metrics"
	lwotel "github.com/basket/lobwife/internal/otel"
	"github.com/basket/lobwife/internal/persistence"
	"github.com/basket/lobwife/internal/shared"
)

const DefaultMaxConcurrent = 5

type DispatcherConfig struct {
	MaxConcurrent int
	// VaultRepo is always included in a spawned worker's broker scope.
	VaultRepo string
}

// Dispatcher moves queued tasks onto workers, highest priority first, while
// staying under the worker capacity.
type Dispatcher struct {
	cfg       DispatcherConfig
	store     *persistence.Store
	substrate Substrate
	broker    ScopeRegistrar
	notifier  Notifier
	logger    *slog.Logger
	metrics   *metrics.Metrics
	telemetry *lwotel.Provider
	otelm     *lwotel.Metrics
	nameFn    func(task *persistence.Task) string
}

type DispatcherOption func(*Dispatcher)

func WithScopeRegistrar(r ScopeRegistrar) DispatcherOption {
	return func(d *Dispatcher) { d.broker = r }
}

func WithDispatchNotifier(n Notifier) DispatcherOption {
	return func(d *Dispatcher) { d.notifier = n }
}

func WithDispatchMetrics(pm *metrics.Metrics, p *lwotel.Provider, om *lwotel.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics, d.telemetry, d.otelm = pm, p, om }
}

// WithWorkerNames overrides worker name generation.
func WithWorkerNames(fn func(task *persistence.Task) string) DispatcherOption {
	return func(d *Dispatcher) { d.nameFn = fn }
}

func NewDispatcher(cfg DispatcherConfig, store *persistence.Store, substrate Substrate, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		substrate: substrate,
		logger:    logger.With("component", "task-poller"),
		telemetry: lwotel.Noop(),
		nameFn:    WorkerName,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WorkerName builds a unique worker name such as lobster-swe-t42-1a2b3c4d.
func WorkerName(task *persistence.Task) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("lobster-%s-%s-%s", task.Type, strings.ToLower(task.TaskID), suffix)
}

// Poll runs one dispatch cycle and returns the number of workers spawned.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	ctx, span := lwotel.StartSpan(ctx, d.telemetry.Tracer, "dispatcher.poll")
	defer span.End()

	workers, err := d.substrate.Workers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list workers: %w", err)
	}
	active := 0
	for _, running := range workers {
		if running {
			active++
		}
	}
	d.metrics.ActiveWorkers(active)
	available := d.cfg.MaxConcurrent - active
	if available <= 0 {
		d.logger.Debug("at capacity, skipping", "active", active, "max", d.cfg.MaxConcurrent)
		return 0, nil
	}

	queued, err := d.store.QueuedTasks(ctx, persistence.TypeSystem)
	if err != nil {
		return 0, err
	}
	if len(queued) == 0 {
		return 0, nil
	}
	d.logger.Info("found queued tasks", "queued", len(queued), "slots", available)

	spawned := 0
	for i := range queued {
		if spawned >= available {
			break
		}
		if ctx.Err() != nil {
			break
		}
		ok, err := d.dispatch(ctx, &queued[i])
		if err != nil {
			d.logger.Error("dispatch failed", "task_id", queued[i].TaskID, "error", err)
			continue
		}
		if ok {
			spawned++
		}
	}
	if spawned > 0 {
		d.logger.Info("poll cycle complete", "spawned", spawned)
	}
	return spawned, nil
}

// Job adapts Poll to the scheduler's in-process job signature.
func (d *Dispatcher) Job(ctx context.Context) (string, error) {
	n, err := d.Poll(ctx)
	return fmt.Sprintf("spawned=%d", n), err
}

// dispatch claims task for a new worker name, then spawns it. A lost claim
// spawns nothing; a failed spawn puts the task back in the queue.
func (d *Dispatcher) dispatch(ctx context.Context, task *persistence.Task) (bool, error) {
	exists, err := d.substrate.WorkerExistsForTask(ctx, task.TaskID)
	if err != nil {
		return false, fmt.Errorf("check existing worker: %w", err)
	}
	if exists {
		d.logger.Warn("worker already exists for task, skipping", "task_id", task.TaskID)
		d.metrics.Spawn("skipped")
		return false, nil
	}

	name := d.nameFn(task)
	if _, err := d.store.ClaimTask(ctx, task.ID, name, shared.ActorTaskPoller); err != nil {
		if errors.Is(err, shared.ErrConflict) {
			d.logger.Info("claim lost", "task_id", task.TaskID, "error", err)
			d.metrics.Spawn("claim_lost")
			return false, nil
		}
		return false, err
	}

	spec := WorkerSpec{Name: name, TaskID: task.TaskID, Type: task.Type, Workflow: task.Workflow, Model: task.Model}
	if err := d.substrate.Spawn(ctx, spec); err != nil {
		d.metrics.Spawn("error")
		detail := "Spawn failed: " + err.Error()
		if _, rqErr := d.store.RequeueTask(context.WithoutCancel(ctx), task.ID, detail, shared.ActorTaskPoller); rqErr != nil {
			d.logger.Error("requeue after spawn failure", "task_id", task.TaskID, "error", rqErr)
		}
		return false, fmt.Errorf("spawn %s: %w", name, err)
	}

	if _, err := d.store.LogEvent(ctx, task.ID, persistence.EventSpawned, fmt.Sprintf("Job %s (%s)", name, task.Type), shared.ActorTaskPoller); err != nil {
		d.logger.Warn("log spawned event", "task_id", task.TaskID, "error", err)
	}
	d.register(ctx, task)
	d.metrics.Spawn("spawned")
	d.otelm.AddSpawn(ctx)
	d.logger.Info("spawned and claimed", "task_id", task.TaskID, "worker", name)

	if d.notifier != nil && task.ThreadRef != "" {
		msg := fmt.Sprintf("[poller] Spawned %s worker %s for %s", task.Type, name, task.TaskID)
		if err := d.notifier.Notify(ctx, task.ThreadRef, msg); err != nil {
			d.logger.Warn("notify failed", "task_id", task.TaskID, "error", err)
		}
	}
	return true, nil
}

func (d *Dispatcher) register(ctx context.Context, task *persistence.Task) {
	if d.broker == nil {
		return
	}
	var repos []string
	if d.cfg.VaultRepo != "" {
		repos = append(repos, d.cfg.VaultRepo)
	}
	repos = append(repos, task.Repos...)
	if len(repos) == 0 {
		return
	}
	if _, err := d.broker.RegisterTask(ctx, task.ID, repos, task.Type); err != nil {
		d.logger.Warn("broker register failed", "task_id", task.TaskID, "error", err)
	}
}

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/basket/lobwife/internal/metrics"
	lwotel "github.com/basket/lobwife/internal/otel"
	"github.com/basket/lobwife/internal/persistence"
	"github.com/basket/lobwife/internal/shared"
)

const (
	defaultWarnMinutes = 45
	defaultFailMinutes = 90
	estimateGrace      = 15
	// Orphans younger than this are requeued; older ones are failed.
	requeueWindowMinutes = 30
	activeScanLimit      = 500
	notifyPrefix         = "[task-manager] "
)

type Config struct {
	// BaseBranch is the branch fallback PRs target.
	BaseBranch string
}

type Monitor struct {
	cfg       Config
	store     *persistence.Store
	substrate Substrate
	repos     RepoHost
	broker    Registrar
	notifier  Notifier
	logger    *slog.Logger
	metrics   *metrics.Metrics
	telemetry *lwotel.Provider
	otelm     *lwotel.Metrics
	now       func() time.Time
}

type MonitorOption func(*Monitor)

func WithRepoHost(h RepoHost) MonitorOption   { return func(m *Monitor) { m.repos = h } }
func WithRegistrar(r Registrar) MonitorOption { return func(m *Monitor) { m.broker = r } }
func WithNotifier(n Notifier) MonitorOption   { return func(m *Monitor) { m.notifier = n } }
func WithMonitorMetrics(pm *metrics.Metrics, p *lwotel.Provider, om *lwotel.Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics, m.telemetry, m.otelm = pm, p, om }
}

// WithMonitorClock sets the time source used for elapsed-minute math.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(cfg Config, store *persistence.Store, substrate Substrate, logger *slog.Logger, opts ...MonitorOption) *Monitor {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		cfg:       cfg,
		store:     store,
		substrate: substrate,
		logger:    logger.With("component", "task-manager"),
		telemetry: lwotel.Noop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Checked        int
	Warnings       int
	TimeoutFails   int
	Requeued       int
	Failed         int
	FallbackPRs    int
	Investigations int
	Errors         int
}

func (r SweepResult) String() string {
	return fmt.Sprintf("checked=%d warnings=%d timeout_failures=%d requeued=%d failed=%d fallback_prs=%d investigations=%d errors=%d",
		r.Checked, r.Warnings, r.TimeoutFails, r.Requeued, r.Failed, r.FallbackPRs, r.Investigations, r.Errors)
}

// Sweep runs timeout detection then orphan detection over active tasks.
// Per-task failures are logged and counted; they never abort the sweep.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := lwotel.StartSpan(ctx, m.telemetry.Tracer, "monitor.sweep")
	defer span.End()
	ctx = shared.WithActor(ctx, shared.ActorTaskManager)
	start := time.Now()

	var res SweepResult
	prs := m.openPRs(ctx)
	if err := m.detectTimeouts(ctx, prs, &res); err != nil {
		return res, err
	}
	if err := m.detectOrphans(ctx, prs, &res); err != nil {
		return res, err
	}

	m.metrics.SweepCompleted(m.now())
	m.otelm.RecordSweep(ctx, time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("lobwife.checked", res.Checked), lwotel.AttrRecoveries.Int(res.Requeued+res.Failed+res.FallbackPRs))
	m.logger.Info("sweep complete", "result", res.String())
	return res, nil
}

// Job adapts Sweep to the scheduler's in-process job signature.
func (m *Monitor) Job(ctx context.Context) (string, error) {
	res, err := m.Sweep(ctx)
	return res.String(), err
}

// DetectTimeouts runs only the timeout pass.
func (m *Monitor) DetectTimeouts(ctx context.Context) (SweepResult, error) {
	ctx = shared.WithActor(ctx, shared.ActorTaskManager)
	var res SweepResult
	err := m.detectTimeouts(ctx, m.openPRs(ctx), &res)
	return res, err
}

// DetectOrphans runs only the orphan pass.
func (m *Monitor) DetectOrphans(ctx context.Context) (SweepResult, error) {
	ctx = shared.WithActor(ctx, shared.ActorTaskManager)
	var res SweepResult
	err := m.detectOrphans(ctx, m.openPRs(ctx), &res)
	return res, err
}

func (m *Monitor) activeTasks(ctx context.Context) ([]persistence.Task, error) {
	tasks, err := m.store.ListTasks(ctx, persistence.TaskFilter{Status: string(persistence.StatusActive), Limit: activeScanLimit})
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return tasks, nil
}

// thresholds returns the warn and fail limits in minutes.
func thresholds(estimate *int) (warn, fail int) {
	if estimate != nil && *estimate > 0 {
		return *estimate + estimateGrace, *estimate * 2
	}
	return defaultWarnMinutes, defaultFailMinutes
}

func (m *Monitor) elapsedMinutes(since *time.Time) int {
	if since == nil {
		return 0
	}
	d := m.now().Sub(*since)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

func (m *Monitor) detectTimeouts(ctx context.Context, prs openPRSet, res *SweepResult) error {
	tasks, err := m.activeTasks(ctx)
	if err != nil {
		return err
	}
	if prs.err != nil && len(tasks) > 0 {
		// In-review tasks cannot be told apart from stalled ones.
		m.logger.WarnContext(ctx, "open PRs unknown; skipping timeout pass", "error", prs.err)
		res.Errors++
		return nil
	}
	for i := range tasks {
		task := &tasks[i]
		res.Checked++
		if task.AssignedAt == nil {
			continue
		}
		if prs.has(task.TaskID) {
			continue
		}
		tctx := shared.WithTaskID(ctx, task.TaskID)
		elapsed := m.elapsedMinutes(task.AssignedAt)
		warn, fail := thresholds(task.EstimateMinutes)
		estimate := "?"
		if task.EstimateMinutes != nil && *task.EstimateMinutes > 0 {
			estimate = fmt.Sprint(*task.EstimateMinutes)
		}

		switch {
		case elapsed >= fail:
			marked, err := m.store.MarkTimeout(ctx, task.ID, persistence.TimeoutFailed, persistence.EventTimeoutFailure,
				fmt.Sprintf("%dm (limit %dm)", elapsed, fail), shared.Actor(ctx))
			if err != nil {
				res.Errors++
				m.logger.ErrorContext(tctx, "record timeout failure", "error", err)
				continue
			}
			if !marked {
				continue
			}
			res.TimeoutFails++
			m.metrics.MonitorAction("timeout_failure")
			m.logger.WarnContext(tctx, "timeout failure", "elapsed_min", elapsed, "limit_min", fail)
			m.notify(ctx, task, fmt.Sprintf("Timeout failure: %s has been active for %dm (limit: %dm) with no PR. Assigned to %s.",
				task.TaskID, elapsed, fail, task.AssignedTo))
		case elapsed >= warn:
			marked, err := m.store.MarkTimeout(ctx, task.ID, persistence.TimeoutWarned, persistence.EventTimeoutWarning,
				fmt.Sprintf("%dm (estimate %sm)", elapsed, estimate), shared.Actor(ctx))
			if err != nil {
				res.Errors++
				m.logger.ErrorContext(tctx, "record timeout warning", "error", err)
				continue
			}
			if !marked {
				continue
			}
			res.Warnings++
			m.metrics.MonitorAction("timeout_warning")
			m.logger.WarnContext(tctx, "timeout warning", "elapsed_min", elapsed, "warn_min", warn)
			m.notify(ctx, task, fmt.Sprintf("Timeout warning: %s active for %dm (estimate: %sm). %s, please post progress or submit a PR.",
				task.TaskID, elapsed, estimate, task.AssignedTo))
		}
	}
	return nil
}

func (m *Monitor) detectOrphans(ctx context.Context, prs openPRSet, res *SweepResult) error {
	tasks, err := m.activeTasks(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	workers, err := m.substrate.Workers(ctx)
	if err != nil {
		// Without a worker list every task would look orphaned.
		m.logger.Error("list workers; skipping orphan detection", "error", err)
		res.Errors++
		return nil
	}
	for i := range tasks {
		task := &tasks[i]
		if task.AssignedTo == "" {
			continue
		}
		if _, ok := workers[task.AssignedTo]; ok {
			continue
		}
		tctx := shared.WithTaskID(ctx, task.TaskID)
		if prs.err != nil {
			res.Errors++
			m.logger.WarnContext(tctx, "repo host unavailable; deferring orphan recovery", "worker", task.AssignedTo, "error", prs.err)
			continue
		}
		if err := m.recoverOrphan(tctx, task, prs, res); err != nil {
			res.Errors++
			m.logger.ErrorContext(tctx, "recover orphan", "worker", task.AssignedTo, "error", err)
		}
	}
	return nil
}

// recoverOrphan applies the recovery cascade to a task whose worker is gone:
// an open PR leaves it for review, a pushed branch gets a fallback PR, and
// otherwise the task is requeued or failed depending on how long it ran.
func (m *Monitor) recoverOrphan(ctx context.Context, task *persistence.Task, prs openPRSet, res *SweepResult) error {
	worker := task.AssignedTo
	elapsed := m.elapsedMinutes(task.AssignedAt)

	if prs.has(task.TaskID) {
		m.logger.InfoContext(ctx, "orphan has open PR", "worker", worker)
		m.notify(ctx, task, fmt.Sprintf("Note: %s is offline, but a PR for %s exists. Proceeding with review.", worker, task.TaskID))
		return nil
	}

	ok, err := m.tryFallbackPR(ctx, task.TaskID)
	if err != nil {
		// Work may exist on a branch we could not see; retry next sweep.
		return fmt.Errorf("fallback PR check: %w", err)
	}
	if ok {
		if _, err := m.store.LogEvent(ctx, task.ID, persistence.EventFallbackPR, "Created fallback PR for "+worker, shared.Actor(ctx)); err != nil {
			return err
		}
		res.FallbackPRs++
		m.metrics.MonitorAction("fallback_pr")
		m.otelm.AddRecovery(ctx, "fallback_pr")
		m.logger.InfoContext(ctx, "orphan recovered with fallback PR", "worker", worker)
		m.notify(ctx, task, fmt.Sprintf("%s is offline, but found work for %s. Created fallback PR.", worker, task.TaskID))
		return nil
	}

	m.deregister(ctx, task.TaskID)

	if elapsed < requeueWindowMinutes {
		moved, err := m.store.RequeueTask(ctx, task.ID, fmt.Sprintf("%s offline after %dm", worker, elapsed), shared.Actor(ctx))
		if err != nil {
			return err
		}
		if !moved {
			m.logger.InfoContext(ctx, "orphan no longer active, skipping requeue")
			return nil
		}
		res.Requeued++
		m.metrics.MonitorAction("requeued")
		m.otelm.AddRecovery(ctx, "requeued")
		m.logger.WarnContext(ctx, "orphan requeued", "worker", worker, "elapsed_min", elapsed)
		m.notify(ctx, task, fmt.Sprintf("Re-queued %s: %s went offline. Will reassign.", task.TaskID, worker))
		return nil
	}

	moved, err := m.store.FailTask(ctx, task.ID, fmt.Sprintf("Orphan: %s offline %dm, no PR", worker, elapsed), shared.Actor(ctx))
	if err != nil {
		return err
	}
	if !moved {
		m.logger.InfoContext(ctx, "orphan no longer active, skipping failure")
		return nil
	}
	res.Failed++
	m.metrics.MonitorAction("failed")
	m.otelm.AddRecovery(ctx, "failed")
	m.logger.WarnContext(ctx, "orphan failed", "worker", worker, "elapsed_min", elapsed)
	m.notify(ctx, task, fmt.Sprintf("Failed %s: %s offline for %dm with no PR.", task.TaskID, worker, elapsed))

	reason := fmt.Sprintf("Orphan: worker offline %dm, no PR, no fallback branch", elapsed)
	inv, created, err := m.store.CreateInvestigation(ctx, task.ID, persistence.TaskInput{
		Name:      "Investigate failed task: " + task.TaskID,
		Type:      persistence.TypeSystem,
		Priority:  persistence.PriorityHigh,
		Objective: investigationObjective(task, reason),
		Actor:     shared.Actor(ctx),
	})
	if err != nil {
		return fmt.Errorf("create investigation: %w", err)
	}
	if created {
		res.Investigations++
		m.metrics.MonitorAction("investigation")
		m.logger.Info("investigation task created", "task_id", inv.TaskID, "failed_task_id", task.TaskID)
	} else {
		m.logger.Info("investigation already exists", "task_id", inv.TaskID, "failed_task_id", task.TaskID)
	}
	return nil
}

func investigationObjective(task *persistence.Task, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s (type: %s) was assigned to %s and failed.\n", task.TaskID, task.Type, task.AssignedTo)
	fmt.Fprintf(&b, "Failure reason: %s\n\n", reason)
	b.WriteString("Find out why the worker did not finish its workflow and open a PR that fixes the root cause.\n\n")
	b.WriteString("## Investigation Steps\n\n")
	fmt.Fprintf(&b, "1. Read the task file at 010-tasks/failed/%s.md\n", task.TaskID)
	b.WriteString("2. Check whether the worker's branch exists and has commits\n")
	fmt.Fprintf(&b, "3. Read the worker log at 020-logs/lobsters/%s/\n", task.AssignedTo)
	fmt.Fprintf(&b, "4. Review the %s worker prompt and verification criteria\n", task.Type)
	b.WriteString("5. Identify the root cause and implement a fix\n\n")
	b.WriteString("## Scope\n\n")
	b.WriteString("- Fix the worker tooling, not the original task\n")
	return b.String()
}

func (m *Monitor) tryFallbackPR(ctx context.Context, taskID string) (bool, error) {
	if m.repos == nil {
		return false, nil
	}
	branches, err := m.repos.Branches(ctx)
	if err != nil {
		return false, fmt.Errorf("list branches: %w", err)
	}
	var branch string
	for _, b := range branches {
		if mentionsTask(b, taskID) {
			branch = b
			break
		}
	}
	if branch == "" {
		return false, nil
	}
	n, err := m.repos.PRCount(ctx, branch)
	if err != nil {
		return false, fmt.Errorf("count PRs for %s: %w", branch, err)
	}
	if n > 0 {
		m.logger.Info("PR already exists for branch", "task_id", taskID, "branch", branch)
		return true, nil
	}
	ahead, err := m.repos.AheadBy(ctx, m.cfg.BaseBranch, branch)
	if err != nil {
		return false, fmt.Errorf("compare %s: %w", branch, err)
	}
	if ahead <= 0 {
		return false, nil
	}
	err = m.repos.CreatePR(ctx, PullRequest{
		Head:  branch,
		Base:  m.cfg.BaseBranch,
		Title: fmt.Sprintf("Task %s (auto-submitted by task-manager)", taskID),
		Body:  fmt.Sprintf("[task-manager] Worker finished work on the branch but did not open a PR. %d commit(s) ahead of %s.", ahead, m.cfg.BaseBranch),
	})
	if err != nil {
		return false, fmt.Errorf("create PR for %s: %w", branch, err)
	}
	return true, nil
}

func (m *Monitor) deregister(ctx context.Context, taskID string) {
	if m.broker == nil {
		return
	}
	if err := m.broker.Deregister(ctx, taskID); err != nil {
		m.logger.Warn("broker deregister failed", "task_id", taskID, "error", err)
	}
}

func (m *Monitor) notify(ctx context.Context, task *persistence.Task, msg string) {
	if m.notifier == nil || task.ThreadRef == "" {
		return
	}
	if err := m.notifier.Notify(ctx, task.ThreadRef, notifyPrefix+msg); err != nil {
		m.logger.Warn("notify failed", "task_id", task.TaskID, "error", err)
	}
}

// mentionsTask reports whether branch names taskID as a whole token, so
// "lobster/t1-fix" mentions T1 but "lobster/t12-fix" does not.
func mentionsTask(branch, taskID string) bool {
	b := strings.ToLower(branch)
	needle := strings.ToLower(taskID)
	if needle == "" {
		return false
	}
	for off := 0; ; {
		i := strings.Index(b[off:], needle)
		if i < 0 {
			return false
		}
		start := off + i
		end := start + len(needle)
		if (start == 0 || !isAlnum(b[start-1])) && (end == len(b) || !isDigit(b[end])) {
			return true
		}
		off = start + 1
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isAlnum(c byte) bool { return isDigit(c) || (c >= 'a' && c <= 'z') }

// openPRSet holds head branch names of open PRs. err is set when the repo
// host could not be listed, in which case nothing is known about PRs.
type openPRSet struct {
	branches []string
	err      error
}

func (s openPRSet) has(taskID string) bool {
	for _, b := range s.branches {
		if mentionsTask(b, taskID) {
			return true
		}
	}
	return false
}

func (m *Monitor) openPRs(ctx context.Context) openPRSet {
	if m.repos == nil {
		return openPRSet{}
	}
	branches, err := m.repos.OpenPRBranches(ctx)
	if err != nil {
		m.logger.Warn("list open PRs failed", "error", err)
		return openPRSet{err: fmt.Errorf("list open PRs: %w", err)}
	}
	return openPRSet{branches: branches}
}

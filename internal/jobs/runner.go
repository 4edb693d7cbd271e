// Package jobs runs the daemon's scheduled jobs: shell scripts and in-process
// sweeps on 5-field cron schedules, with per-job overlap control, a hard
// timeout and run history in the store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/codes"

	"github.com/basket/lobwife/internal/bus"
	"github.com/basket/lobwife/internal/metrics"
	lwotel "github.com/basket/lobwife/internal/otel"
	"github.com/basket/lobwife/internal/persistence"
	"github.com/basket/lobwife/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("job already running")
)

type jobError struct {
	msg   string
	kinds []error
}

func (e *jobError) Error() string { return e.msg }

func (e *jobError) Is(target error) bool {
	for _, k := range e.kinds {
		if k == target {
			return true
		}
	}
	return false
}

func unknownJob(name string) error {
	return &jobError{msg: "Unknown job: " + name, kinds: []error{ErrUnknownJob, shared.ErrNotFound}}
}

func alreadyRunning(name string) error {
	return &jobError{msg: fmt.Sprintf("Job %s is already running", name), kinds: []error{ErrAlreadyRunning, shared.ErrConflict}}
}

type Config struct {
	ScriptDir    string
	VaultPath    string
	Timeout      time.Duration
	MisfireGrace time.Duration
	Env          map[string]string
}

// Override adjusts a built-in definition from configuration.
type Override struct {
	Schedule string `yaml:"schedule"`
	Enabled  *bool  `yaml:"enabled"`
}

type Runner struct {
	cfg       Config
	store     *persistence.Store
	logger    *slog.Logger
	locker    Locker
	bus       *bus.Bus
	metrics   *metrics.Metrics
	telemetry *lwotel.Provider
	otelm     *lwotel.Metrics
	now       func() time.Time

	cron  *cronlib.Cron
	order []string

	mu        sync.Mutex
	defs      map[string]*Definition
	schedules map[string]cronlib.Schedule
	entries   map[string]cronlib.EntryID
	nextDue   map[string]time.Time
	running   map[string]int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Runner)

func WithLocker(l Locker) Option              { return func(r *Runner) { r.locker = l } }
func WithBus(b *bus.Bus) Option               { return func(r *Runner) { r.bus = b } }
func WithMetrics(m *metrics.Metrics) Option   { return func(r *Runner) { r.metrics = m } }
func WithClock(now func() time.Time) Option   { return func(r *Runner) { r.now = now } }
func WithTelemetry(p *lwotel.Provider, m *lwotel.Metrics) Option {
	return func(r *Runner) { r.telemetry, r.otelm = p, m }
}

// NewRunner validates defs and builds a runner. Nothing is scheduled until
// Start.
func NewRunner(cfg Config, store *persistence.Store, defs []Definition, logger *slog.Logger, opts ...Option) (*Runner, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		cfg:       cfg,
		store:     store,
		logger:    logger.With("component", "jobs"),
		telemetry: lwotel.Noop(),
		now:       time.Now,
		cron:      cronlib.New(cronlib.WithParser(cronParser), cronlib.WithLocation(time.UTC)),
		defs:      make(map[string]*Definition),
		schedules: make(map[string]cronlib.Schedule),
		entries:   make(map[string]cronlib.EntryID),
		nextDue:   make(map[string]time.Time),
		running:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.baseCtx, r.cancel = context.WithCancel(context.Background())
	for i := range defs {
		d := defs[i]
		if d.Name == "" {
			return nil, fmt.Errorf("job definition %d has no name", i)
		}
		if (d.Script == "") == (d.Func == nil) {
			return nil, fmt.Errorf("job %s: exactly one of script or func is required", d.Name)
		}
		sched, err := cronParser.Parse(d.Schedule)
		if err != nil {
			return nil, fmt.Errorf("job %s: parse schedule %q: %w", d.Name, d.Schedule, err)
		}
		if d.Concurrency == "" {
			d.Concurrency = ConcurrencyAllow
		}
		if d.Timeout <= 0 {
			d.Timeout = cfg.Timeout
		}
		if _, dup := r.defs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate job %s", d.Name)
		}
		r.defs[d.Name] = &d
		r.schedules[d.Name] = sched
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

// Start ensures state rows exist, schedules every enabled job and starts the
// cron loop.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.ScheduleAll(ctx); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("job scheduler started", "jobs", len(r.order))
	return nil
}

// Stop halts scheduling, cancels in-flight runs and waits for them.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.cancel()
	r.wg.Wait()
	r.logger.Info("job scheduler stopped")
}

func (r *Runner) ScheduleAll(ctx context.Context) error {
	for _, name := range r.order {
		if err := r.store.EnsureJobState(ctx, name); err != nil {
			return err
		}
		state, err := r.store.GetJobState(ctx, name)
		if err != nil {
			return err
		}
		if !state.Enabled {
			r.logger.Info("skipping disabled job", "job", name)
			continue
		}
		r.schedule(name)
	}
	return nil
}

func (r *Runner) schedule(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.entries[name]; ok {
		r.cron.Remove(id)
	}
	sched := r.schedules[name]
	r.entries[name] = r.cron.Schedule(sched, cronlib.FuncJob(func() { r.fire(name) }))
	r.nextDue[name] = sched.Next(r.now())
	r.logger.Info("scheduled job", "job", name, "schedule", r.defs[name].Schedule)
}

func (r *Runner) unschedule(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.entries[name]; ok {
		r.cron.Remove(id)
		delete(r.entries, name)
		delete(r.nextDue, name)
	}
}

// fire is the cron callback. A fire later than the misfire grace after its
// due time is dropped; the next due time is always computed from now, so a
// stalled process never replays missed runs.
func (r *Runner) fire(name string) {
	now := r.now()
	r.mu.Lock()
	due := r.nextDue[name]
	if sched, ok := r.schedules[name]; ok {
		r.nextDue[name] = sched.Next(now)
	}
	r.mu.Unlock()
	if misfired(due, now, r.cfg.MisfireGrace) {
		r.logger.Warn("skipping misfired run", "job", name, "due", due, "late_by", now.Sub(due).String())
		r.metrics.JobSkipped(name, "misfire")
		return
	}
	_ = r.Run(r.baseCtx, name)
}

func misfired(due, now time.Time, grace time.Duration) bool {
	return !due.IsZero() && now.Sub(due) > grace
}

// Run executes name synchronously. A forbid job that is already in flight is
// skipped with ErrAlreadyRunning and no counters change.
func (r *Runner) Run(ctx context.Context, name string) error {
	def, err := r.definition(name)
	if err != nil {
		return err
	}
	if !r.begin(def) {
		r.logger.Warn("skipping job: previous run still active", "job", name)
		r.metrics.JobSkipped(name, "overlap")
		return alreadyRunning(name)
	}
	defer r.end(name)
	r.execute(ctx, def)
	return nil
}

// Trigger starts name in the background. The in-flight check and the running
// mark happen together, so two concurrent triggers of a forbid job yield one
// run and one ErrAlreadyRunning.
func (r *Runner) Trigger(name string) error {
	def, err := r.definition(name)
	if err != nil {
		return err
	}
	if !r.begin(def) {
		return alreadyRunning(name)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.end(name)
		r.execute(r.baseCtx, def)
	}()
	r.logger.Info("job triggered", "job", name)
	return nil
}

func (r *Runner) Enable(ctx context.Context, name string) error {
	if _, err := r.definition(name); err != nil {
		return err
	}
	if err := r.store.SetJobEnabled(ctx, name, true); err != nil {
		return err
	}
	r.schedule(name)
	return nil
}

// Disable stops future fires. A run already in flight is not interrupted.
func (r *Runner) Disable(ctx context.Context, name string) error {
	if _, err := r.definition(name); err != nil {
		return err
	}
	if err := r.store.SetJobEnabled(ctx, name, false); err != nil {
		return err
	}
	r.unschedule(name)
	return nil
}

// ApplyOverrides updates schedules and enable flags from configuration.
// Unknown names are logged and ignored.
func (r *Runner) ApplyOverrides(ctx context.Context, overrides map[string]Override) {
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ov := overrides[name]
		def, err := r.definition(name)
		if err != nil {
			r.logger.Warn("override for unknown job", "job", name)
			continue
		}
		if ov.Schedule != "" && ov.Schedule != def.Schedule {
			sched, err := cronParser.Parse(ov.Schedule)
			if err != nil {
				r.logger.Warn("invalid schedule override", "job", name, "schedule", ov.Schedule, "error", err)
				continue
			}
			r.mu.Lock()
			def.Schedule = ov.Schedule
			r.schedules[name] = sched
			_, scheduled := r.entries[name]
			r.mu.Unlock()
			if scheduled {
				r.schedule(name)
			}
		}
		if ov.Enabled != nil {
			var err error
			if *ov.Enabled {
				err = r.Enable(ctx, name)
			} else {
				err = r.Disable(ctx, name)
			}
			if err != nil {
				r.logger.Warn("apply enable override", "job", name, "error", err)
			}
		}
	}
}

func (r *Runner) definition(name string) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, unknownJob(name)
	}
	return def, nil
}

func (r *Runner) begin(def *Definition) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def.Concurrency == ConcurrencyForbid && r.running[def.Name] > 0 {
		return false
	}
	r.running[def.Name]++
	return true
}

func (r *Runner) end(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[name] <= 1 {
		delete(r.running, name)
		return
	}
	r.running[name]--
}

func (r *Runner) isRunning(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[name] > 0
}

// RunningCount returns the number of jobs with at least one run in flight.
func (r *Runner) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

func (r *Runner) execute(ctx context.Context, def *Definition) {
	name := def.Name
	var scriptPath string
	if def.Script != "" {
		scriptPath = filepath.Join(r.cfg.ScriptDir, def.Script)
		if _, err := os.Stat(scriptPath); err != nil {
			r.logger.Error("script not found", "job", name, "script", scriptPath)
			if err := r.store.JobErrored(ctx, name, "Script not found: "+scriptPath); err != nil {
				r.logger.Error("record job error", "job", name, "error", err)
			}
			return
		}
	}

	if def.Concurrency == ConcurrencyForbid && r.locker != nil {
		release, ok, err := r.locker.Acquire(ctx, name, def.Timeout+r.cfg.MisfireGrace)
		switch {
		case err != nil:
			r.logger.Warn("distributed lock unavailable, running with local guard only", "job", name, "error", err)
		case !ok:
			r.logger.Warn("skipping job: held by another instance", "job", name)
			r.metrics.JobSkipped(name, "locked")
			return
		default:
			defer release()
		}
	}

	ctx, span := lwotel.StartSpan(ctx, r.telemetry.Tracer, "job.run", lwotel.AttrJobName.String(name))
	defer span.End()

	start := r.now()
	if err := r.store.JobStarted(ctx, name, start); err != nil {
		r.logger.Error("record job start", "job", name, "error", err)
	}
	r.metrics.JobStarted()
	r.logger.Info("starting job", "job", name)
	began := time.Now()

	var (
		output string
		status string
	)
	if def.Func != nil {
		output, status = r.runFunc(ctx, def)
	} else {
		output, status = r.runScriptJob(ctx, def, scriptPath)
	}
	elapsed := time.Since(began)
	duration := roundDuration(elapsed)
	// Output is served by the API, so scripts that echo credentials must not
	// leak them.
	output = shared.Redact(output)

	if err := r.store.JobFinished(context.WithoutCancel(ctx), name, status, duration, output); err != nil {
		r.logger.Error("record job finish", "job", name, "error", err)
	}
	r.metrics.JobFinished(name, status, elapsed)
	r.otelm.RecordJob(ctx, name, status, elapsed.Seconds())
	span.SetAttributes(lwotel.AttrJobStatus.String(status))
	if status != persistence.JobSuccess {
		span.SetStatus(codes.Error, status)
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicJobFinished, bus.JobFinished{Name: name, Status: status, Duration: duration})
	}

	switch status {
	case persistence.JobSuccess:
		r.logger.Info("job completed", "job", name, "duration_s", duration)
	case persistence.JobTimeout:
		r.logger.Error("job timed out", "job", name, "duration_s", duration)
	default:
		r.logger.Warn("job failed", "job", name, "status", status, "duration_s", duration)
	}
}

func (r *Runner) timeoutOutput(def *Definition) string {
	return fmt.Sprintf("Job timed out after %.0fs", def.Timeout.Seconds())
}

func (r *Runner) runScriptJob(ctx context.Context, def *Definition, scriptPath string) (string, string) {
	out, code, err := runScript(ctx, scriptPath, scriptEnv(r.cfg), def.Timeout)
	switch {
	case errors.Is(err, errTimeout):
		return r.timeoutOutput(def), persistence.JobTimeout
	case err != nil:
		return err.Error(), persistence.JobError
	case code != 0:
		return truncateOutput(out), persistence.JobFailed
	default:
		return truncateOutput(out), persistence.JobSuccess
	}
}

func (r *Runner) runFunc(ctx context.Context, def *Definition) (output, status string) {
	ctx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			output, status = fmt.Sprintf("panic: %v", p), persistence.JobError
		}
	}()
	out, err := def.Func(ctx)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return r.timeoutOutput(def), persistence.JobTimeout
	case err != nil:
		if out != "" {
			out += "\n"
		}
		return truncateOutput(out + err.Error()), persistence.JobFailed
	default:
		return truncateOutput(out), persistence.JobSuccess
	}
}

// JobStatus is one row of the job status listing.
type JobStatus struct {
	Description  string     `json:"description"`
	Schedule     string     `json:"schedule"`
	Enabled      bool       `json:"enabled"`
	Running      bool       `json:"running"`
	LastRun      *time.Time `json:"last_run"`
	LastStatus   *string    `json:"last_status"`
	LastDuration *float64   `json:"last_duration"`
	RunCount     int        `json:"run_count"`
	FailCount    int        `json:"fail_count"`
	NextRun      *time.Time `json:"next_run"`
}

// JobDetail adds the definition and last output to JobStatus.
type JobDetail struct {
	Name        string `json:"name"`
	Script      string `json:"script,omitempty"`
	Concurrency string `json:"concurrency"`
	LastOutput  string `json:"last_output"`
	JobStatus
}

func (r *Runner) Status(ctx context.Context) (map[string]JobStatus, error) {
	out := make(map[string]JobStatus, len(r.order))
	for _, name := range r.order {
		st, err := r.status(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = st.JobStatus
	}
	return out, nil
}

func (r *Runner) Detail(ctx context.Context, name string) (*JobDetail, error) {
	if _, err := r.definition(name); err != nil {
		return nil, err
	}
	return r.status(ctx, name)
}

// Names lists job names in definition order.
func (r *Runner) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *Runner) status(ctx context.Context, name string) (*JobDetail, error) {
	state, err := r.store.GetJobState(ctx, name)
	if errors.Is(err, shared.ErrNotFound) {
		if err := r.store.EnsureJobState(ctx, name); err != nil {
			return nil, err
		}
		state, err = r.store.GetJobState(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	def := *r.defs[name]
	var next *time.Time
	if id, ok := r.entries[name]; ok {
		if e := r.cron.Entry(id); !e.Next.IsZero() {
			n := e.Next.UTC()
			next = &n
		} else if due := r.nextDue[name]; !due.IsZero() {
			n := due.UTC()
			next = &n
		}
	}
	r.mu.Unlock()

	d := &JobDetail{
		Name:        name,
		Script:      def.Script,
		Concurrency: def.Concurrency,
		LastOutput:  state.LastOutput,
		JobStatus: JobStatus{
			Description:  def.Description,
			Schedule:     def.Schedule,
			Enabled:      state.Enabled,
			Running:      r.isRunning(name),
			LastRun:      state.LastRun,
			LastDuration: state.LastDuration,
			RunCount:     state.RunCount,
			FailCount:    state.FailCount,
			NextRun:      next,
		},
	}
	if state.LastStatus != "" {
		s := state.LastStatus
		d.LastStatus = &s
	}
	return d, nil
}

// Package vault mirrors task state from the database into a git-backed
// markdown vault.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/basket/lobwife/internal/broker"
	"github.com/basket/lobwife/internal/bus"
	"github.com/basket/lobwife/internal/metrics"
	lwotel "github.com/basket/lobwife/internal/otel"
	"github.com/basket/lobwife/internal/persistence"
)

const (
	watermarkKey    = "vault.last_sync"
	defaultInterval = 300 * time.Second
	recentLimit     = 20
)

type Config struct {
	Path     string        `yaml:"path"`
	Repo     string        `yaml:"repo"`
	Branch   string        `yaml:"branch"`
	Interval time.Duration `yaml:"interval"`
}

// TokenSource mints the credential used for pushes.
type TokenSource interface {
	ServiceToken(ctx context.Context, repos []string) (*broker.Token, error)
}

// CycleResult summarizes one sync cycle.
type CycleResult struct {
	Skipped   bool
	Tasks     int
	Files     []string
	Committed bool
	Errors    int
}

type Syncer struct {
	cfg       Config
	store     *persistence.Store
	client    Client
	tokens    TokenSource
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *metrics.Metrics
	telemetry *lwotel.Provider
	otelm     *lwotel.Metrics
	now       func() time.Time

	requests chan struct{}
	cycleMu  sync.Mutex
}

type Option func(*Syncer)

func WithTokenSource(ts TokenSource) Option { return func(s *Syncer) { s.tokens = ts } }
func WithBus(b *bus.Bus) Option             { return func(s *Syncer) { s.bus = b } }
func WithMetrics(pm *metrics.Metrics, p *lwotel.Provider, om *lwotel.Metrics) Option {
	return func(s *Syncer) { s.metrics, s.telemetry, s.otelm = pm, p, om }
}
func WithClock(now func() time.Time) Option { return func(s *Syncer) { s.now = now } }

func NewSyncer(cfg Config, store *persistence.Store, client Client, logger *slog.Logger, opts ...Option) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Syncer{
		cfg:       cfg,
		store:     store,
		client:    client,
		logger:    logger.With("component", "vault-sync"),
		telemetry: lwotel.Noop(),
		now:       time.Now,
		requests:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestSync asks the run loop for a cycle. Requests made while one is
// pending collapse into it.
func (s *Syncer) RequestSync() {
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

// Run performs a cycle at start, then on every interval tick, sync request
// or task change until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	var events <-chan bus.Event
	var requested <-chan bus.Event
	if s.bus != nil {
		taskSub := s.bus.Subscribe("task.")
		reqSub := s.bus.Subscribe(bus.TopicSyncRequested)
		defer s.bus.Unsubscribe(taskSub)
		defer s.bus.Unsubscribe(reqSub)
		events, requested = taskSub.Ch(), reqSub.Ch()
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("vault sync started", "interval", s.cfg.Interval.String(), "root", s.client.Root())
	s.RequestSync()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("vault sync stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.requests:
			s.runCycle(ctx)
		case <-events:
			s.RequestSync()
		case <-requested:
			s.RequestSync()
		}
	}
}

func (s *Syncer) runCycle(ctx context.Context) {
	if _, err := s.Cycle(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("vault sync cycle failed", "error", err)
	}
}

// Cycle pulls, writes changed task files and the overview, then commits and
// pushes once. The watermark advances only when every step succeeded.
func (s *Syncer) Cycle(ctx context.Context) (CycleResult, error) {
	if !s.cycleMu.TryLock() {
		return CycleResult{Skipped: true}, nil
	}
	defer s.cycleMu.Unlock()

	ctx, span := lwotel.StartSpan(ctx, s.telemetry.Tracer, "vault.sync")
	defer span.End()
	start := time.Now()
	cycleAt := s.now()

	res, err := s.cycle(ctx, cycleAt)
	outcome := "success"
	switch {
	case err != nil:
		outcome = "failed"
		span.RecordError(err)
	case res.Errors > 0:
		outcome = "partial"
	}
	s.metrics.SyncCycle(outcome)
	s.otelm.RecordSync(ctx, time.Since(start).Seconds(), len(res.Files))
	span.SetAttributes(lwotel.AttrSyncFiles.Int(len(res.Files)), attribute.String("lobwife.sync.outcome", outcome))

	done := bus.SyncCompleted{FilesChanged: len(res.Files)}
	if err != nil {
		done.Error = err.Error()
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicSyncCompleted, done)
	}
	if err == nil {
		s.logger.Info("vault sync complete", "tasks", res.Tasks, "files", len(res.Files), "committed", res.Committed, "errors", res.Errors)
	}
	return res, err
}

func (s *Syncer) cycle(ctx context.Context, cycleAt time.Time) (CycleResult, error) {
	var res CycleResult
	s.refreshCredentials(ctx)

	if err := s.client.Pull(ctx); err != nil {
		return res, fmt.Errorf("vault pull: %w", err)
	}

	since, err := s.watermark(ctx)
	if err != nil {
		return res, err
	}
	tasks, err := s.store.TasksUpdatedSince(ctx, since)
	if err != nil {
		return res, err
	}
	res.Tasks = len(tasks)

	seen := map[string]bool{}
	for i := range tasks {
		files, err := s.syncTask(ctx, &tasks[i])
		if err != nil {
			res.Errors++
			s.logger.Warn("vault task sync failed", "task_id", tasks[i].TaskID, "error", err)
		}
		for _, f := range files {
			if !seen[f] {
				seen[f] = true
				res.Files = append(res.Files, f)
			}
		}
	}

	wrote, err := s.writeOverview(ctx, cycleAt)
	if err != nil {
		res.Errors++
		s.logger.Warn("vault overview failed", "error", err)
	} else if wrote {
		res.Files = append(res.Files, overviewFile)
	}

	msg := fmt.Sprintf("[sync] Update %d vault file(s)", len(res.Files))
	committed, err := s.client.CommitAndPush(ctx, msg, res.Files)
	res.Committed = committed
	if err != nil {
		return res, fmt.Errorf("vault push: %w", err)
	}
	if res.Errors > 0 {
		return res, nil
	}
	if err := s.store.KVSet(ctx, watermarkKey, cycleAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Syncer) watermark(ctx context.Context) (time.Time, error) {
	raw, err := s.store.KVGet(ctx, watermarkKey)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	t, err := persistence.ParseTime(raw)
	if err != nil {
		s.logger.Warn("ignoring unreadable vault watermark", "value", raw)
		return time.Time{}, nil
	}
	return t, nil
}

func (s *Syncer) refreshCredentials(ctx context.Context) {
	if s.tokens == nil {
		return
	}
	var repos []string
	if s.cfg.Repo != "" {
		repos = []string{s.cfg.Repo}
	}
	tok, err := s.tokens.ServiceToken(ctx, repos)
	if err != nil {
		s.logger.Warn("vault credential refresh failed", "error", err)
		return
	}
	if err := s.client.SetCredentials(ctx, s.cfg.Repo, tok.Token); err != nil {
		s.logger.Warn("vault remote update failed", "error", err)
	}
}

// syncTask brings one task file in line with the DB row and returns the
// paths it touched.
func (s *Syncer) syncTask(ctx context.Context, t *persistence.Task) ([]string, error) {
	root := s.client.Root()
	target := taskPath(t)
	existing := findTaskFile(root, t.TaskID)
	if existing == "" {
		existing = findTaskFile(root, t.Slug)
	}

	if existing == "" {
		doc := &Document{Meta: newMapping(), Body: newTaskBody(t)}
		merge(doc, t)
		out, err := doc.Render()
		if err != nil {
			return nil, err
		}
		if err := writeFile(root, target, out); err != nil {
			return nil, err
		}
		return []string{target}, nil
	}

	raw, err := os.ReadFile(filepath.Join(root, existing))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", existing, err)
	}
	doc, err := ParseDocument(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", existing, err)
	}
	changed := merge(doc, t)
	if !changed && existing == target {
		return nil, nil
	}

	var touched []string
	if existing != target {
		if err := s.client.Move(ctx, existing, target); err != nil {
			return nil, err
		}
		touched = append(touched, existing)
	}
	out, err := doc.Render()
	if err != nil {
		return touched, err
	}
	if err := writeFile(root, target, out); err != nil {
		return touched, err
	}
	return append(touched, target), nil
}

// writeOverview rewrites the overview when anything but synced_at differs.
func (s *Syncer) writeOverview(ctx context.Context, at time.Time) (bool, error) {
	counts, err := s.store.StatusCounts(ctx)
	if err != nil {
		return false, err
	}
	recent, err := s.store.ListTasks(ctx, persistence.TaskFilter{Limit: recentLimit})
	if err != nil {
		return false, err
	}
	doc := overviewDocument(counts, recent, at)

	root := s.client.Root()
	if raw, err := os.ReadFile(filepath.Join(root, overviewFile)); err == nil {
		if old, err := ParseDocument(string(raw)); err == nil && sameOverview(old, doc) {
			return false, nil
		}
	}
	out, err := doc.Render()
	if err != nil {
		return false, err
	}
	return true, writeFile(root, overviewFile, out)
}

func overviewDocument(counts map[persistence.TaskStatus]int, recent []persistence.Task, at time.Time) *Document {
	total := 0
	for _, n := range counts {
		total += n
	}
	doc := &Document{Meta: newMapping()}
	doc.Set("synced_at", strNode(vaultTime(at)))
	doc.Set("total_tasks", intNode(total))
	for _, st := range persistence.Statuses {
		doc.Set(string(st), intNode(counts[st]))
	}

	var b strings.Builder
	b.WriteString("# Task Overview\n\n_Auto-generated by vault sync daemon. Do not edit._\n\n## Summary\n\n")
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(&b, "- **%s**: %d\n", st, counts[persistence.TaskStatus(st)])
	}
	b.WriteString("\n## Recent Tasks\n\n")
	b.WriteString("| ID | Name | Type | Status | Assigned To | Created |\n")
	b.WriteString("|-----|------|------|--------|-------------|---------|\n")
	for _, t := range recent {
		name := t.Name
		if r := []rune(name); len(r) > 40 {
			name = string(r[:40])
		}
		fmt.Fprintf(&b, "| [%s](%s.md) | %s | %s | %s | %s | %s |\n",
			t.TaskID, t.TaskID, name, t.Type, t.Status, t.AssignedTo, t.CreatedAt.UTC().Format("2006-01-02"))
	}
	doc.Body = b.String()
	return doc
}

func sameOverview(old, cur *Document) bool {
	if strings.TrimSpace(old.Body) != strings.TrimSpace(cur.Body) {
		return false
	}
	strip := func(d *Document) *Document {
		c := &Document{Meta: newMapping()}
		for i := 0; i+1 < len(d.Meta.Content); i += 2 {
			if d.Meta.Content[i].Value != "synced_at" {
				c.Meta.Content = append(c.Meta.Content, d.Meta.Content[i], d.Meta.Content[i+1])
			}
		}
		return c
	}
	return sameValue(strip(old).Meta, strip(cur).Meta)
}

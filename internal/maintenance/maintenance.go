// Package maintenance runs the daemon's periodic housekeeping: WAL
// checkpoints, expiry of stale broker registrations, database snapshots and
// removal of exited workers.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/basket/lobwife/internal/persistence"
)

const (
	DefaultInterval       = 5 * time.Minute
	DefaultBackupInterval = time.Hour
	DefaultKeep           = 24
	DefaultExitedGrace    = 10 * time.Minute

	backupPrefix = "lobwife-"
	backupSuffix = ".db"
)

// Expirer drops registrations past their TTL.
type Expirer interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// Pruner removes exited worker containers for which keep returns false.
type Pruner interface {
	Prune(ctx context.Context, keep func(worker string, exitedAt time.Time) bool) (int, error)
}

// Uploader ships a finished snapshot off-host.
type Uploader interface {
	Upload(ctx context.Context, localPath, object string) error
}

type Config struct {
	BackupDir      string
	Interval       time.Duration
	BackupInterval time.Duration
	// Keep bounds the number of local snapshots retained.
	Keep int
	// ExitedGrace is how long an exited worker of an active task is kept
	// before it is removed and the task becomes an orphan.
	ExitedGrace time.Duration
}

// Result summarises one maintenance pass.
type Result struct {
	Expired  int
	Pruned   int
	Backup   string
	Uploaded bool
}

type Loop struct {
	cfg      Config
	store    *persistence.Store
	expirer  Expirer
	pruner   Pruner
	uploader Uploader
	logger   *slog.Logger
	now      func() time.Time

	lastBackup time.Time
}

type Option func(*Loop)

func WithExpirer(e Expirer) Option   { return func(l *Loop) { l.expirer = e } }
func WithPruner(p Pruner) Option     { return func(l *Loop) { l.pruner = p } }
func WithUploader(u Uploader) Option { return func(l *Loop) { l.uploader = u } }
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

func New(cfg Config, store *persistence.Store, logger *slog.Logger, opts ...Option) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BackupInterval <= 0 {
		cfg.BackupInterval = DefaultBackupInterval
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultKeep
	}
	if cfg.ExitedGrace <= 0 {
		cfg.ExitedGrace = DefaultExitedGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{cfg: cfg, store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := l.Tick(ctx)
			if err != nil {
				l.logger.Error("maintenance pass failed", "error", err)
				continue
			}
			if res.Expired+res.Pruned > 0 || res.Backup != "" {
				l.logger.Info("maintenance pass completed",
					"expired_registrations", res.Expired,
					"pruned_workers", res.Pruned,
					"backup", res.Backup,
					"uploaded", res.Uploaded,
				)
			}
		}
	}
}

// Tick performs one pass. Only the checkpoint is fatal; the remaining steps
// log and carry on.
func (l *Loop) Tick(ctx context.Context) (Result, error) {
	var res Result
	if err := l.store.Checkpoint(ctx); err != nil {
		return res, err
	}

	if l.expirer != nil {
		n, err := l.expirer.CleanupExpired(ctx)
		if err != nil {
			l.logger.Warn("expire registrations", "error", err)
		}
		res.Expired = n
	}

	if l.pruner != nil {
		n, err := l.pruneWorkers(ctx)
		if err != nil {
			l.logger.Warn("prune workers", "error", err)
		}
		res.Pruned = n
	}

	now := l.now()
	if l.cfg.BackupDir != "" && now.Sub(l.lastBackup) >= l.cfg.BackupInterval {
		path, err := l.Backup(ctx)
		if err != nil {
			l.logger.Warn("database backup", "error", err)
			return res, nil
		}
		l.lastBackup = now
		res.Backup = path
		if l.uploader != nil {
			if err := l.uploader.Upload(ctx, path, filepath.Base(path)); err != nil {
				l.logger.Warn("backup upload", "path", path, "error", err)
			} else {
				res.Uploaded = true
			}
		}
	}
	return res, nil
}

// Backup snapshots the database into BackupDir and trims old snapshots.
func (l *Loop) Backup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(l.cfg.BackupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	name := backupPrefix + l.now().UTC().Format("20060102T150405Z") + backupSuffix
	path := filepath.Join(l.cfg.BackupDir, name)
	if err := l.store.Backup(ctx, path); err != nil {
		return "", err
	}
	if err := trimBackups(l.cfg.BackupDir, l.cfg.Keep); err != nil {
		l.logger.Warn("trim backups", "error", err)
	}
	return path, nil
}

// pruneWorkers keeps containers still assigned to an active task until they
// have been stopped for ExitedGrace.
func (l *Loop) pruneWorkers(ctx context.Context) (int, error) {
	active, err := l.store.ListTasks(ctx, persistence.TaskFilter{Status: string(persistence.StatusActive), Limit: 500})
	if err != nil {
		return 0, err
	}
	busy := make(map[string]bool, len(active))
	for _, t := range active {
		if t.AssignedTo != "" {
			busy[t.AssignedTo] = true
		}
	}
	now := l.now()
	return l.pruner.Prune(ctx, func(worker string, exitedAt time.Time) bool {
		return busy[worker] && now.Sub(exitedAt) < l.cfg.ExitedGrace
	})
}

// trimBackups removes the oldest snapshots beyond keep. Names sort by time.
func trimBackups(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isBackupName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return nil
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func isBackupName(name string) bool {
	return strings.HasPrefix(name, backupPrefix) && strings.HasSuffix(name, backupSuffix)
}

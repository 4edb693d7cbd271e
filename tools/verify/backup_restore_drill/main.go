package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/lobwife/internal/maintenance"
	"github.com/basket/lobwife/internal/persistence"
)

func main() {
	os.Exit(run(os.Stdout))
}

func run(w io.Writer) int {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "lobwife-backup-drill-*")
	if err != nil {
		fmt.Fprintf(w, "mktemp_error=%v\n", err)
		return 1
	}
	defer os.RemoveAll(baseDir)

	store, err := persistence.Open(filepath.Join(baseDir, "lobwife.db"), nil)
	if err != nil {
		fmt.Fprintf(w, "open_store_error=%v\n", err)
		return 1
	}
	defer store.Close()

	const tasks = 40
	for i := 0; i < tasks; i++ {
		task, err := store.CreateTask(ctx, persistence.TaskInput{Name: fmt.Sprintf("backup-%d", i)})
		if err != nil {
			fmt.Fprintf(w, "create_task_error=%v\n", err)
			return 1
		}
		if _, err := store.UpdateTask(ctx, task.ID, map[string]any{"status": "active", "assigned_to": fmt.Sprintf("lobster-%d", i)}, "drill"); err != nil {
			fmt.Fprintf(w, "activate_task_error=%v\n", err)
			return 1
		}
		if _, err := store.UpdateTask(ctx, task.ID, map[string]any{"status": "completed"}, "drill"); err != nil {
			fmt.Fprintf(w, "complete_task_error=%v\n", err)
			return 1
		}
	}

	loop := maintenance.New(maintenance.Config{BackupDir: filepath.Join(baseDir, "backups")}, store,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	backupStart := time.Now().UTC()
	backupPath, err := loop.Backup(ctx)
	if err != nil {
		fmt.Fprintf(w, "backup_error=%v\n", err)
		return 1
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath, nil)
	if err != nil {
		fmt.Fprintf(w, "open_restore_error=%v\n", err)
		return 1
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	stats := restored.Stats(ctx)
	events := 0
	for i := int64(1); i <= tasks; i++ {
		evs, err := restored.ListEvents(ctx, i, 100)
		if err != nil {
			fmt.Fprintf(w, "list_events_error=%v\n", err)
			return 1
		}
		events += len(evs)
	}
	counts, err := restored.StatusCounts(ctx)
	if err != nil {
		fmt.Fprintf(w, "status_counts_error=%v\n", err)
		return 1
	}

	fmt.Fprintf(w, "backup_path=%s\n", backupPath)
	fmt.Fprintf(w, "rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Fprintf(w, "rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Fprintf(w, "restored_tasks=%d\n", stats.TaskCount)
	fmt.Fprintf(w, "restored_completed=%d\n", counts[persistence.StatusCompleted])
	fmt.Fprintf(w, "restored_task_events=%d\n", events)

	if !stats.OK || stats.TaskCount < tasks || counts[persistence.StatusCompleted] < tasks || events == 0 {
		fmt.Fprintln(w, "VERDICT FAIL")
		return 1
	}
	fmt.Fprintln(w, "VERDICT PASS")
	return 0
}

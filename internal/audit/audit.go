// Package audit appends credential broker decisions to <home>/logs/audit.jsonl.
// The token_audit table holds the bounded ring; this file is the unbounded
// append-only trail.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/lobwife/internal/shared"
)

const (
	ActionRegistered   = "task_registered"
	ActionDeregistered = "task_deregistered"
	ActionIssued       = "token_issued"
	ActionDenied       = "token_denied"
	ActionExpired      = "task_expired"
)

type entry struct {
	Timestamp string   `json:"timestamp"`
	Action    string   `json:"action"`
	TaskID    string   `json:"task_id"`
	Repos     []string `json:"repos,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	deniedCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DeniedCount returns the number of refused token requests since startup.
func DeniedCount() int64 {
	return deniedCount.Load()
}

// Record appends one line. It is a no-op until Init succeeds.
func Record(action, taskID string, repos []string, reason string) {
	if action == ActionDenied {
		deniedCount.Add(1)
	}
	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		TaskID:    taskID,
		Repos:     repos,
		Reason:    reason,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

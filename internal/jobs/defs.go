package jobs

import (
	"context"
	"time"
)

const (
	ConcurrencyForbid = "forbid"
	ConcurrencyAllow  = "allow"

	DefaultTimeout      = 300 * time.Second
	DefaultMisfireGrace = 60 * time.Second
	maxOutputLines      = 200
)

// Func is an in-process job body. The returned string becomes last_output.
type Func func(ctx context.Context) (string, error)

// Definition describes one scheduled job. Exactly one of Script or Func is set.
type Definition struct {
	Name        string
	Description string
	Schedule    string
	// Script is a file name under Config.ScriptDir, run with bash.
	Script      string
	Func        Func
	Concurrency string
	Timeout     time.Duration
}

// DefaultDefinitions returns the built-in job table. taskManager and
// taskPoller are the in-process lifecycle sweep and dispatcher; either may be
// nil to leave that job out.
func DefaultDefinitions(taskManager, taskPoller Func) []Definition {
	defs := []Definition{
		{
			Name:        "review-prs",
			Description: "Deterministic PR validation and auto-merge",
			Schedule:    "*/2 * * * *",
			Script:      "lobmob-review-prs.sh",
			Concurrency: ConcurrencyForbid,
		},
		{
			Name:        "status-reporter",
			Description: "Fleet summary posted to chat",
			Schedule:    "*/30 * * * *",
			Script:      "lobmob-status-reporter.sh",
			Concurrency: ConcurrencyForbid,
		},
		{
			Name:        "flush-logs",
			Description: "Flush event logs to vault",
			Schedule:    "*/30 * * * *",
			Script:      "lobmob-flush-logs.sh",
			Concurrency: ConcurrencyForbid,
		},
	}
	if taskManager != nil {
		defs = append([]Definition{{
			Name:        "task-manager",
			Description: "Task assignment, timeout detection, orphan recovery",
			Schedule:    "*/5 * * * *",
			Func:        taskManager,
			Concurrency: ConcurrencyForbid,
		}}, defs...)
	}
	if taskPoller != nil {
		defs = append(defs, Definition{
			Name:        "task-poller",
			Description: "Spawn workers for queued tasks",
			Schedule:    "* * * * *",
			Func:        taskPoller,
			Concurrency: ConcurrencyForbid,
		})
	}
	return defs
}

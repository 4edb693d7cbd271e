package gateway_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/basket/lobwife/internal/lifecycle"
	"github.com/basket/lobwife/internal/persistence"
)

// emptySubstrate reports no workers, so every assigned task is orphaned.
type emptySubstrate struct{}

func (emptySubstrate) Workers(context.Context) (map[string]bool, error) { return map[string]bool{}, nil }
func (emptySubstrate) WorkerExistsForTask(context.Context, string) (bool, error) {
	return false, nil
}
func (emptySubstrate) Spawn(context.Context, lifecycle.WorkerSpec) error { return nil }

func TestEndToEnd_TimedOutTaskGetsInvestigation(t *testing.T) {
	f := newFixture(t)

	code, raw, _ := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"name": "fix bug", "type": "swe", "priority": "high"})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, raw)
	}
	if got := decode[map[string]any](t, raw)["task_id"]; got != "T1" {
		t.Fatalf("task_id = %v", got)
	}

	_, raw, _ = f.do(t, http.MethodGet, "/api/v1/tasks/1", nil)
	if task := decode[persistence.Task](t, raw); task.Status != persistence.StatusQueued {
		t.Fatalf("initial status = %s", task.Status)
	}

	assignedAt := time.Now().UTC()
	code, raw, _ = f.do(t, http.MethodPatch, "/api/v1/tasks/1", map[string]any{
		"status":      "active",
		"assigned_to": "worker-7",
		"assigned_at": assignedAt.Format(time.RFC3339),
	})
	if code != http.StatusOK {
		t.Fatalf("patch = %d %s", code, raw)
	}

	later := assignedAt.Add(95 * time.Minute)
	mon := lifecycle.NewMonitor(lifecycle.Config{BaseBranch: "main"}, f.store, emptySubstrate{}, nil,
		lifecycle.WithMonitorClock(func() time.Time { return later }))
	res, err := mon.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Failed != 1 || res.Investigations != 1 {
		t.Fatalf("sweep result = %s", res)
	}

	_, raw, _ = f.do(t, http.MethodGet, "/api/v1/tasks/T1", nil)
	if task := decode[persistence.Task](t, raw); task.Status != persistence.StatusFailed {
		t.Fatalf("status after sweep = %s", task.Status)
	}

	_, raw, _ = f.do(t, http.MethodGet, "/api/v1/tasks?type=system", nil)
	system := decode[[]persistence.Task](t, raw)
	if len(system) != 1 || system[0].TaskID != "T2" || system[0].Type != persistence.TypeSystem {
		t.Fatalf("system tasks = %+v", system)
	}

	// A second sweep finds nothing active and creates no duplicate.
	if _, err := mon.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	_, raw, _ = f.do(t, http.MethodGet, "/api/v1/tasks?type=system", nil)
	if got := decode[[]persistence.Task](t, raw); len(got) != 1 {
		t.Fatalf("system tasks after resweep = %d", len(got))
	}
}

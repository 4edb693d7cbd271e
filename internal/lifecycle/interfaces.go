// Package lifecycle drives tasks through their life outside of API calls:
// the dispatcher claims queued tasks and spawns workers, and the monitor
// detects timeouts and orphaned work and recovers it.
package lifecycle

import (
	"context"

	"github.com/basket/lobwife/internal/persistence"
)

// WorkerSpec is what the substrate needs to start a worker for one task.
type WorkerSpec struct {
	Name     string
	TaskID   string
	Type     string
	Workflow string
	Model    string
}

// Substrate runs worker processes. Worker names are unique per spawn.
type Substrate interface {
	// Workers lists every known worker (running or exited) with whether it
	// is still running.
	Workers(ctx context.Context) (map[string]bool, error)
	// WorkerExistsForTask reports whether any worker was spawned for taskID.
	WorkerExistsForTask(ctx context.Context, taskID string) (bool, error)
	Spawn(ctx context.Context, spec WorkerSpec) error
}

// PullRequest is the subset of a PR the monitor creates.
type PullRequest struct {
	Head  string
	Base  string
	Title string
	Body  string
}

// RepoHost answers pull request questions about the work repository.
type RepoHost interface {
	OpenPRBranches(ctx context.Context) ([]string, error)
	Branches(ctx context.Context) ([]string, error)
	// PRCount counts pull requests in any state with head branch.
	PRCount(ctx context.Context, branch string) (int, error)
	AheadBy(ctx context.Context, base, branch string) (int, error)
	CreatePR(ctx context.Context, pr PullRequest) error
}

// Notifier posts a message to a task's conversation thread. Delivery is best
// effort.
type Notifier interface {
	Notify(ctx context.Context, threadRef, msg string) error
}

// Registrar is the broker surface lifecycle code needs.
type Registrar interface {
	Deregister(ctx context.Context, ref string) error
}

// ScopeRegistrar can also grant a spawned worker its repository scope.
type ScopeRegistrar interface {
	Registrar
	RegisterTask(ctx context.Context, id int64, repos []string, workerType string) (*persistence.BrokerRegistration, error)
}

package lifecycle_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/basket/lobwife/internal/lifecycle"
	"github.com/basket/lobwife/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "lobmob.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeSubstrate struct {
	mu       sync.Mutex
	workers  map[string]bool
	spawned  []lifecycle.WorkerSpec
	listErr  error
	spawnErr error
}

func newFakeSubstrate() *fakeSubstrate {
	return &fakeSubstrate{workers: make(map[string]bool)}
}

func (f *fakeSubstrate) Workers(context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make(map[string]bool, len(f.workers))
	for k, v := range f.workers {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSubstrate) WorkerExistsForTask(_ context.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	needle := "-" + strings.ToLower(taskID) + "-"
	for name := range f.workers {
		if strings.Contains(name, needle) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSubstrate) Spawn(_ context.Context, spec lifecycle.WorkerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.workers[spec.Name] = true
	f.spawned = append(f.spawned, spec)
	return nil
}

func (f *fakeSubstrate) setWorker(name string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers[name] = running
}

type fakeRepoHost struct {
	mu        sync.Mutex
	openPRs   []string
	branches  []string
	prCounts  map[string]int
	ahead     map[string]int
	created   []lifecycle.PullRequest
	prErr     error
	branchErr error
}

func (f *fakeRepoHost) OpenPRBranches(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prErr != nil {
		return nil, f.prErr
	}
	return append([]string(nil), f.openPRs...), nil
}

func (f *fakeRepoHost) Branches(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.branchErr != nil {
		return nil, f.branchErr
	}
	return append([]string(nil), f.branches...), nil
}

func (f *fakeRepoHost) PRCount(_ context.Context, branch string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prCounts[branch], nil
}

func (f *fakeRepoHost) AheadBy(_ context.Context, _, branch string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ahead[branch], nil
}

func (f *fakeRepoHost) CreatePR(_ context.Context, pr lifecycle.PullRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, pr)
	if f.prCounts == nil {
		f.prCounts = make(map[string]int)
	}
	f.prCounts[pr.Head]++
	return nil
}

type fakeBroker struct {
	mu           sync.Mutex
	deregistered []string
	registered   map[string][]string
	registerErr  error
}

func (f *fakeBroker) Deregister(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, ref)
	return nil
}

func (f *fakeBroker) RegisterTask(_ context.Context, id int64, repos []string, workerType string) (*persistence.BrokerRegistration, error) {
	ref := persistence.DisplayID(id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	if f.registered == nil {
		f.registered = make(map[string][]string)
	}
	f.registered[ref] = repos
	return &persistence.BrokerRegistration{TaskID: ref, Repos: repos, WorkerType: workerType, Status: persistence.BrokerActive}, nil
}

type sentMessage struct {
	thread string
	msg    string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
}

func (f *fakeNotifier) Notify(_ context.Context, thread, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{thread, msg})
	if f.fail {
		return errors.New("chat api down")
	}
	return nil
}

func (f *fakeNotifier) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

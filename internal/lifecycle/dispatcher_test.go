package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/basket/lobwife/internal/lifecycle"
	"github.com/basket/lobwife/internal/persistence"
)

func createTask(t *testing.T, store *persistence.Store, in persistence.TaskInput) *persistence.Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestDispatcher_SpawnsByPriorityWithinCapacity(t *testing.T) {
	store := openTestStore(t)
	sub := newFakeSubstrate()
	sub.setWorker("lobster-qa-t99-old", true)
	b := &fakeBroker{}
	d := lifecycle.NewDispatcher(lifecycle.DispatcherConfig{MaxConcurrent: 3, VaultRepo: "org/vault"}, store, sub, nil,
		lifecycle.WithScopeRegistrar(b))

	low := createTask(t, store, persistence.TaskInput{Name: "low", Priority: persistence.PriorityLow})
	normal := createTask(t, store, persistence.TaskInput{Name: "normal", Repos: []string{"org/app"}})
	critical := createTask(t, store, persistence.TaskInput{Name: "critical", Priority: persistence.PriorityCritical, Type: persistence.TypeQA})
	system := createTask(t, store, persistence.TaskInput{Name: "investigate", Type: persistence.TypeSystem, Priority: persistence.PriorityCritical})

	n, err := d.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 2 {
		t.Fatalf("spawned = %d, want 2", n)
	}
	if len(sub.spawned) != 2 || sub.spawned[0].TaskID != critical.TaskID || sub.spawned[1].TaskID != normal.TaskID {
		t.Fatalf("spawn order = %+v", sub.spawned)
	}
	if !strings.HasPrefix(sub.spawned[0].Name, "lobster-qa-"+strings.ToLower(critical.TaskID)+"-") {
		t.Fatalf("worker name = %q", sub.spawned[0].Name)
	}

	got := getTask(t, store, critical.ID)
	if got.Status != persistence.StatusActive || got.AssignedTo != sub.spawned[0].Name || got.AssignedAt == nil {
		t.Fatalf("critical = %+v", got)
	}
	if n := countEvents(t, store, critical.ID, persistence.EventSpawned); n != 1 {
		t.Fatalf("spawned events = %d", n)
	}
	if getTask(t, store, low.ID).Status != persistence.StatusQueued {
		t.Fatal("low priority task dispatched over capacity")
	}
	if getTask(t, store, system.ID).Status != persistence.StatusQueued {
		t.Fatal("system task dispatched")
	}
	if repos := b.registered[normal.TaskID]; len(repos) != 2 || repos[0] != "org/vault" || repos[1] != "org/app" {
		t.Fatalf("broker scope = %v", repos)
	}
}

func TestDispatcher_AtCapacity(t *testing.T) {
	store := openTestStore(t)
	sub := newFakeSubstrate()
	sub.setWorker("a", true)
	sub.setWorker("b", true)
	sub.setWorker("c", false)
	d := lifecycle.NewDispatcher(lifecycle.DispatcherConfig{MaxConcurrent: 2}, store, sub, nil)
	createTask(t, store, persistence.TaskInput{Name: "x"})
	n, err := d.Poll(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("poll = %d, %v", n, err)
	}
}

func TestDispatcher_SkipsTaskWithExistingWorker(t *testing.T) {
	store := openTestStore(t)
	sub := newFakeSubstrate()
	task := createTask(t, store, persistence.TaskInput{Name: "x"})
	sub.setWorker("lobster-swe-"+strings.ToLower(task.TaskID)+"-prev", false)
	d := lifecycle.NewDispatcher(lifecycle.DispatcherConfig{}, store, sub, nil)
	n, err := d.Poll(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("poll = %d, %v", n, err)
	}
	if getTask(t, store, task.ID).Status != persistence.StatusQueued {
		t.Fatal("task claimed despite existing worker")
	}
}

func TestDispatcher_SpawnFailureRequeues(t *testing.T) {
	store := openTestStore(t)
	sub := newFakeSubstrate()
	sub.spawnErr = errors.New("image pull failed")
	task := createTask(t, store, persistence.TaskInput{Name: "x"})
	d := lifecycle.NewDispatcher(lifecycle.DispatcherConfig{}, store, sub, nil)
	n, err := d.Poll(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("poll = %d, %v", n, err)
	}
	got := getTask(t, store, task.ID)
	if got.Status != persistence.StatusQueued || got.AssignedTo != "" {
		t.Fatalf("task = %s assigned_to=%q", got.Status, got.AssignedTo)
	}
	if n := countEvents(t, store, task.ID, persistence.EventRequeued); n != 1 {
		t.Fatalf("requeued events = %d", n)
	}
}

func TestDispatcher_ConcurrentPollsClaimOnce(t *testing.T) {
	store := openTestStore(t)
	sub := newFakeSubstrate()
	task := createTask(t, store, persistence.TaskInput{Name: "x"})
	var seq int
	var mu sync.Mutex
	names := func(task *persistence.Task) string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("w%d", seq)
	}
	d1 := lifecycle.NewDispatcher(lifecycle.DispatcherConfig{}, store, sub, nil, lifecycle.WithWorkerNames(names))
	d2 := lifecycle.NewDispatcher(lifecycle.DispatcherConfig{}, store, sub, nil, lifecycle.WithWorkerNames(names))

	var wg sync.WaitGroup
	var total int
	var tmu sync.Mutex
	for _, d := range []*lifecycle.Dispatcher{d1, d2} {
		wg.Add(1)
		go func(d *lifecycle.Dispatcher) {
			defer wg.Done()
			n, _ := d.Poll(context.Background())
			tmu.Lock()
			total += n
			tmu.Unlock()
		}(d)
	}
	wg.Wait()
	if total != 1 {
		t.Fatalf("total spawned = %d, want 1", total)
	}
	if n := countEvents(t, store, task.ID, persistence.EventStarted); n != 1 {
		t.Fatalf("started events = %d, want 1", n)
	}
}

func TestDispatcher_NotifiesThread(t *testing.T) {
	store := openTestStore(t)
	sub := newFakeSubstrate()
	n := &fakeNotifier{}
	createTask(t, store, persistence.TaskInput{Name: "x", ThreadRef: "chat-9"})
	d := lifecycle.NewDispatcher(lifecycle.DispatcherConfig{}, store, sub, nil, lifecycle.WithDispatchNotifier(n))
	if _, err := d.Job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}
	msgs := n.messages()
	if len(msgs) != 1 || msgs[0].thread != "chat-9" || !strings.Contains(msgs[0].msg, "Spawned swe worker") {
		t.Fatalf("messages = %+v", msgs)
	}
}

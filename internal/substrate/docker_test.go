package substrate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/basket/lobwife/internal/lifecycle"
)

type fakeDocker struct {
	containers []container.Summary
	lastList   container.ListOptions
	created    []*container.Config
	names      []string
	started    []string
	removed    []string
	startErr   error
	finished   map[string]time.Time
}

func (f *fakeDocker) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	f.lastList = opts
	var out []container.Summary
	for _, c := range f.containers {
		match := true
		for _, kv := range opts.Filters.Get("label") {
			k, v, _ := strings.Cut(kv, "=")
			if c.Labels[k] != v {
				match = false
			}
		}
		for _, st := range opts.Filters.Get("status") {
			if c.State != st {
				match = false
			}
		}
		if match {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, _ *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.created = append(f.created, cfg)
	f.names = append(f.names, name)
	return container.CreateResponse{ID: "id-" + name}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	at, ok := f.finished[id]
	if !ok {
		return container.InspectResponse{}, errors.New("no such container: " + id)
	}
	return container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{
		ID:    id,
		State: &container.State{FinishedAt: at.UTC().Format(time.RFC3339Nano), ExitCode: 1},
	}}, nil
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, nil
}

func (f *fakeDocker) Close() error { return nil }

func worker(name, taskID, state string) container.Summary {
	return container.Summary{
		ID:     "id-" + name,
		Names:  []string{"/" + name},
		State:  state,
		Labels: map[string]string{LabelRole: roleWorker, LabelWorker: name, LabelTaskID: taskID},
	}
}

func TestDocker_Workers(t *testing.T) {
	f := &fakeDocker{containers: []container.Summary{
		worker("lobster-swe-t1-a", "t1", "running"),
		worker("lobster-qa-t2-b", "t2", "exited"),
		{ID: "other", Names: []string{"/postgres"}, State: "running", Labels: map[string]string{}},
	}}
	d := newDocker(f, Config{})
	got, err := d.Workers(context.Background())
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	if len(got) != 2 || !got["lobster-swe-t1-a"] || got["lobster-qa-t2-b"] {
		t.Fatalf("workers = %v", got)
	}
	if !f.lastList.All {
		t.Fatal("expected All=true so exited workers are listed")
	}
}

func TestDocker_WorkerExistsForTask(t *testing.T) {
	f := &fakeDocker{containers: []container.Summary{worker("lobster-swe-t1-a", "t1", "exited")}}
	d := newDocker(f, Config{})
	ok, err := d.WorkerExistsForTask(context.Background(), "T1")
	if err != nil || !ok {
		t.Fatalf("exists T1 = %v, %v", ok, err)
	}
	ok, err = d.WorkerExistsForTask(context.Background(), "T2")
	if err != nil || ok {
		t.Fatalf("exists T2 = %v, %v", ok, err)
	}
}

func TestDocker_Spawn(t *testing.T) {
	f := &fakeDocker{}
	d := newDocker(f, Config{Image: "worker:1", Env: map[string]string{"LOBWIFE_URL": "http://lobwife:8081"}})
	err := d.Spawn(context.Background(), lifecycle.WorkerSpec{Name: "lobster-swe-t7-x", TaskID: "T7", Type: "swe", Workflow: "default"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if len(f.created) != 1 || f.names[0] != "lobster-swe-t7-x" || f.created[0].Image != "worker:1" {
		t.Fatalf("created = %+v names = %v", f.created, f.names)
	}
	if f.created[0].Labels[LabelTaskID] != "t7" {
		t.Fatalf("labels = %v", f.created[0].Labels)
	}
	env := map[string]bool{}
	for _, e := range f.created[0].Env {
		env[e] = true
	}
	for _, want := range []string{"TASK_ID=T7", "LOBSTER_TYPE=swe", "LOBWIFE_URL=http://lobwife:8081"} {
		if !env[want] {
			t.Fatalf("env missing %s: %v", want, f.created[0].Env)
		}
	}
	if len(f.started) != 1 {
		t.Fatal("container not started")
	}
}

func TestDocker_SpawnStartFailureRemovesContainer(t *testing.T) {
	f := &fakeDocker{startErr: errors.New("no such image")}
	d := newDocker(f, Config{})
	if err := d.Spawn(context.Background(), lifecycle.WorkerSpec{Name: "w", TaskID: "T1", Type: "swe"}); err == nil {
		t.Fatal("expected error")
	}
	if len(f.removed) != 1 || f.removed[0] != "id-w" {
		t.Fatalf("removed = %v", f.removed)
	}
}

func TestDocker_Prune(t *testing.T) {
	f := &fakeDocker{containers: []container.Summary{
		worker("keep-me", "t1", "exited"),
		worker("drop-me", "t2", "exited"),
		worker("running", "t3", "running"),
	}}
	d := newDocker(f, Config{})
	n, err := d.Prune(context.Background(), func(w string, _ time.Time) bool { return w == "keep-me" })
	if err != nil || n != 1 || len(f.removed) != 1 || f.removed[0] != "id-drop-me" {
		t.Fatalf("prune = %d, %v, removed %v", n, err, f.removed)
	}
}

func TestDocker_PruneReportsExitTime(t *testing.T) {
	exited := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	created := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	crashed := worker("lobster-swe-t1-a", "t1", "exited")
	unknown := worker("lobster-swe-t2-b", "t2", "exited")
	unknown.Created = created.Unix()
	f := &fakeDocker{
		containers: []container.Summary{crashed, unknown},
		finished:   map[string]time.Time{"id-lobster-swe-t1-a": exited},
	}
	d := newDocker(f, Config{})
	seen := map[string]time.Time{}
	if _, err := d.Prune(context.Background(), func(w string, at time.Time) bool {
		seen[w] = at
		return true
	}); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !seen["lobster-swe-t1-a"].Equal(exited) {
		t.Fatalf("exit time = %v, want %v", seen["lobster-swe-t1-a"], exited)
	}
	if !seen["lobster-swe-t2-b"].Equal(created) {
		t.Fatalf("fallback exit time = %v, want creation %v", seen["lobster-swe-t2-b"], created)
	}
	if len(f.removed) != 0 {
		t.Fatalf("kept containers removed: %v", f.removed)
	}
}

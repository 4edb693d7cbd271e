// Package substrate runs worker containers on a Docker host.
package substrate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/basket/lobwife/internal/lifecycle"
)

const (
	LabelRole   = "lobwife.role"
	LabelWorker = "lobwife.worker"
	LabelTaskID = "lobwife.task-id"
	LabelType   = "lobwife.worker-type"
	roleWorker  = "lobster"
)

// dockerAPI is the part of the Docker client the substrate uses.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

type Config struct {
	Image       string            `yaml:"image"`
	MemoryMB    int64             `yaml:"memory_mb"`
	NetworkMode string            `yaml:"network_mode"`
	// Env is passed to every worker in addition to the task variables.
	Env map[string]string `yaml:"env"`
}

// Docker implements lifecycle.Substrate with one container per worker.
// Containers are not auto-removed so exited workers stay visible to the
// orphan check until Prune removes them.
type Docker struct {
	client   dockerAPI
	image    string
	memory   int64
	network  string
	extraEnv []string
}

var _ lifecycle.Substrate = (*Docker)(nil)

func NewDocker(cfg Config) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDocker(cli, cfg), nil
}

func newDocker(api dockerAPI, cfg Config) *Docker {
	if cfg.Image == "" {
		cfg.Image = "lobmob/lobster:latest"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 2048
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "bridge"
	}
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}
	return &Docker{
		client:   api,
		image:    cfg.Image,
		memory:   cfg.MemoryMB * 1024 * 1024,
		network:  cfg.NetworkMode,
		extraEnv: env,
	}
}

// TaskLabel normalizes a task id for use as a label value.
func TaskLabel(taskID string) string {
	return strings.ToLower(strings.TrimSpace(taskID))
}

func (d *Docker) list(ctx context.Context, extra ...filters.KeyValuePair) ([]container.Summary, error) {
	args := filters.NewArgs(append([]filters.KeyValuePair{filters.Arg("label", LabelRole+"="+roleWorker)}, extra...)...)
	out, err := d.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	return out, nil
}

func workerName(c container.Summary) string {
	if name := c.Labels[LabelWorker]; name != "" {
		return name
	}
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	return c.ID
}

func (d *Docker) Workers(ctx context.Context) (map[string]bool, error) {
	containers, err := d.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(containers))
	for _, c := range containers {
		out[workerName(c)] = c.State == "running" || c.State == "created" || c.State == "restarting"
	}
	return out, nil
}

func (d *Docker) WorkerExistsForTask(ctx context.Context, taskID string) (bool, error) {
	containers, err := d.list(ctx, filters.Arg("label", LabelTaskID+"="+TaskLabel(taskID)))
	if err != nil {
		return false, err
	}
	return len(containers) > 0, nil
}

func (d *Docker) Spawn(ctx context.Context, spec lifecycle.WorkerSpec) error {
	env := append([]string{
		"TASK_ID=" + spec.TaskID,
		"LOBSTER_TYPE=" + spec.Type,
		"LOBSTER_WORKFLOW=" + spec.Workflow,
		"LOBSTER_NAME=" + spec.Name,
	}, d.extraEnv...)
	if spec.Model != "" {
		env = append(env, "LOBSTER_MODEL="+spec.Model)
	}
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Env:   env,
		Labels: map[string]string{
			LabelRole:   roleWorker,
			LabelWorker: spec.Name,
			LabelTaskID: TaskLabel(spec.TaskID),
			LabelType:   spec.Type,
		},
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memory},
		NetworkMode: container.NetworkMode(d.network),
	}, nil, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// exitedAt returns when an exited container stopped, falling back to its
// creation time when the daemon does not report one.
func (d *Docker) exitedAt(ctx context.Context, c container.Summary) time.Time {
	created := time.Unix(c.Created, 0)
	info, err := d.client.ContainerInspect(ctx, c.ID)
	if err != nil || info.ContainerJSONBase == nil || info.State == nil {
		return created
	}
	at, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt)
	if err != nil || at.Year() < 2000 {
		return created
	}
	return at
}

// Prune removes exited workers. keep reports whether a worker's container
// should be retained given when it exited.
func (d *Docker) Prune(ctx context.Context, keep func(worker string, exitedAt time.Time) bool) (int, error) {
	containers, err := d.list(ctx, filters.Arg("status", "exited"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range containers {
		if keep(workerName(c), d.exitedAt(ctx, c)) {
			continue
		}
		if err := d.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{}); err != nil {
			return removed, fmt.Errorf("remove %s: %w", workerName(c), err)
		}
		removed++
	}
	return removed, nil
}

// Ping checks the Docker daemon and returns its API version.
func (d *Docker) Ping(ctx context.Context) (string, error) {
	p, err := d.client.Ping(ctx)
	if err != nil {
		return "", fmt.Errorf("docker ping: %w", err)
	}
	return p.APIVersion, nil
}

func (d *Docker) Close() error {
	return d.client.Close()
}

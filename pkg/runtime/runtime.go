// Package runtime is the Container Orchestrator of spec.md §4.6: one
// Container per Runner, driven over containerd exactly the way
// pkg/runtime/containerd.go in the teacher drives the cluster's
// workload containers, generalized to runner containers with an
// allow-list and hardened security defaults instead of user-supplied
// service specs.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/forgebay/runnerd/pkg/errors"
	"github.com/forgebay/runnerd/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// Namespace is the containerd namespace runnerd's containers live in.
	Namespace = "runnerd"

	// DefaultSocketPath is the default containerd control socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// AllowList validates a container spec against the permitted images and
// bind paths before it ever reaches containerd.
type AllowList struct {
	Images    []string
	BindPaths []string
}

// Validate rejects a spec whose image or mount sources fall outside
// the allow-list. A violation is never retryable (spec.md §4.6).
func (a AllowList) Validate(spec *types.Container) error {
	if len(a.Images) > 0 && !contains(a.Images, spec.Image) {
		return errors.Validationf("image %q is not on the allow-list", spec.Image)
	}
	for _, m := range spec.Mounts {
		if len(a.BindPaths) > 0 && !anyHasPrefix(a.BindPaths, m.Source) {
			return errors.Validationf("bind source %q is not on the allow-list", m.Source)
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func anyHasPrefix(prefixes []string, v string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}

// Runtime drives containerd to implement one Container per Runner.
type Runtime struct {
	client    *containerd.Client
	namespace string
	allowList AllowList

	logMu   sync.Mutex
	logHubs map[string]*logHub
}

// New connects to the containerd control socket at socketPath.
func New(socketPath string, allowList AllowList) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &Runtime{
		client:    client,
		namespace: Namespace,
		allowList: allowList,
		logHubs:   make(map[string]*logHub),
	}, nil
}

// Close disconnects from containerd.
func (r *Runtime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Runtime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// Create validates spec against the allow-list, applies hardened
// security defaults, and creates (but does not start) the container.
func (r *Runtime) Create(ctx context.Context, spec *types.Container) (string, error) {
	if err := r.allowList.Validate(spec); err != nil {
		return "", err
	}

	ctx = r.ctx(ctx)
	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", errors.Transient(err, "get image %s", spec.Image)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		securityDefaults(),
	}

	if spec.RequestedCPU > 0 {
		opts = append(opts, oci.WithCPUShares(uint64(spec.RequestedCPU)))
	}
	if spec.RequestedMemMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.RequestedMemMB)*1024*1024))
	}

	var mounts []specs.Mount
	for _, m := range spec.Mounts {
		opt := []string{"rbind"}
		if m.ReadOnly {
			opt = append(opt, "ro")
		} else {
			opt = append(opt, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Source:      m.Source,
			Destination: m.Target,
			Type:        "bind",
			Options:     opt,
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		spec.ContainerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ContainerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", errors.Transient(err, "create container %s", spec.ContainerID)
	}

	return ctrdContainer.ID(), nil
}

// securityDefaults drops all capabilities, disables privilege
// escalation, and forces a non-root user (spec.md §4.6).
func securityDefaults() oci.SpecOpts {
	return oci.Compose(
		oci.WithoutRunMount,
		oci.WithCapabilities(nil),
		oci.WithNoNewPrivileges,
		oci.WithUser("65534:65534"),
	)
}

// Start starts a previously created container.
func (r *Runtime) Start(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return errors.Transient(err, "load container %s", containerID)
	}

	hub := r.hubFor(containerID)
	creator := cio.NewCreator(cio.WithStreams(
		nil,
		&lineWriter{hub: hub, containerID: containerID, stream: "stdout"},
		&lineWriter{hub: hub, containerID: containerID, stream: "stderr"},
	))

	task, err := container.NewTask(ctx, creator)
	if err != nil {
		return errors.Transient(err, "create task for %s", containerID)
	}
	if err := task.Start(ctx); err != nil {
		return errors.Transient(err, "start task for %s", containerID)
	}
	return nil
}

// Stop sends SIGTERM, waits up to grace, then force-kills.
func (r *Runtime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return errors.Transient(err, "load container %s", containerID)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // not running
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return errors.Transient(err, "SIGTERM task for %s", containerID)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return errors.Transient(err, "wait on task for %s", containerID)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return errors.Transient(err, "SIGKILL task for %s", containerID)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return errors.Transient(err, "delete task for %s", containerID)
	}
	return nil
}

// Remove stops (if force) and deletes a container and its snapshot.
func (r *Runtime) Remove(ctx context.Context, containerID string, force bool) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil // already gone
	}

	if force {
		_ = r.Stop(ctx, containerID, 10*time.Second)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return errors.Transient(err, "delete container %s", containerID)
	}
	r.dropLogHub(containerID)
	return nil
}

// State returns the current lifecycle state of containerID.
func (r *Runtime) State(ctx context.Context, containerID string) (types.ContainerState, error) {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return types.ContainerErrored, errors.Transient(err, "load container %s", containerID)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.ContainerCreated, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.ContainerErrored, errors.Transient(err, "task status for %s", containerID)
	}

	switch status.Status {
	case containerd.Running:
		return types.ContainerRunning, nil
	case containerd.Stopped:
		return types.ContainerExited, nil
	default:
		return types.ContainerCreating, nil
	}
}

// List returns every container id in runnerd's namespace.
func (r *Runtime) List(ctx context.Context) ([]string, error) {
	ctx = r.ctx(ctx)
	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, errors.Transient(err, "list containers")
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

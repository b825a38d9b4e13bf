package runtime

import (
	"context"
	"time"

	"github.com/forgebay/runnerd/pkg/errors"
	"github.com/forgebay/runnerd/pkg/types"
	"github.com/forgebay/runnerd/pkg/volume"
)

// Orchestrator is the full C6 surface pkg/pool.Runtime and the
// control loop depend on: one container per runner, a scratch
// workspace per job, and the allow-list/security posture of Create.
type Orchestrator struct {
	rt        *Runtime
	workspace *volume.Manager
	stopGrace time.Duration
}

// NewOrchestrator wires a Runtime to a workspace Manager.
func NewOrchestrator(rt *Runtime, workspace *volume.Manager, stopGrace time.Duration) *Orchestrator {
	if stopGrace <= 0 {
		stopGrace = 30 * time.Second
	}
	return &Orchestrator{rt: rt, workspace: workspace, stopGrace: stopGrace}
}

// CreateRunnerContainer implements pkg/pool.Runtime: it prepares the
// runner's scratch workspace, creates the container with it bind
// mounted at /work, and starts it.
func (o *Orchestrator) CreateRunnerContainer(runner *types.Runner, profile types.ResourceProfile) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	workPath, err := o.workspace.Create(runner.RunnerID)
	if err != nil {
		return errors.Transient(err, "prepare workspace for runner %s", runner.RunnerID)
	}

	spec := &types.Container{
		ContainerID:    runner.RunnerID,
		RunnerID:       runner.RunnerID,
		Image:          profile.Image,
		RequestedCPU:   profile.CPUShares,
		RequestedMemMB: profile.MemoryBytes / (1024 * 1024),
		Mounts: []types.MountSpec{
			{Source: workPath, Target: "/work", ReadOnly: false},
		},
	}

	if _, err := o.rt.Create(ctx, spec); err != nil {
		_ = o.workspace.Remove(runner.RunnerID)
		return err
	}
	if err := o.rt.Start(ctx, spec.ContainerID); err != nil {
		_ = o.rt.Remove(ctx, spec.ContainerID, true)
		_ = o.workspace.Remove(runner.RunnerID)
		return err
	}

	runner.ContainerID = spec.ContainerID
	return nil
}

// RemoveRunnerContainer implements pkg/pool.Runtime: it force-stops
// and deletes the runner's container and removes its workspace.
func (o *Orchestrator) RemoveRunnerContainer(runnerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.stopGrace+10*time.Second)
	defer cancel()

	if err := o.rt.Remove(ctx, runnerID, true); err != nil {
		return err
	}
	return o.workspace.Remove(runnerID)
}

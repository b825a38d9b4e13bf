// Package jobstore is the durable, crash-recoverable job record: a
// single-node Raft group replicating Command entries onto a BoltDB-backed
// storage.Store, the way pkg/manager runs its cluster FSM in the teacher.
// A single-node Raft group still gives every job mutation a
// write-ahead log and a point-in-time snapshot, so a crashed process
// recovers its in-flight jobs on the next startup instead of losing them.
package jobstore

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/forgebay/runnerd/pkg/errors"
	"github.com/forgebay/runnerd/pkg/log"
	"github.com/forgebay/runnerd/pkg/storage"
	"github.com/forgebay/runnerd/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Config configures a JobStore's Raft group.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// JobStore is the Raft-backed durable job record.
type JobStore struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *FSM
	store storage.Store
}

// New opens the BoltDB-backed store and wires an FSM over it. Call
// Bootstrap to start the single-node Raft group before issuing writes.
func New(cfg Config) (*JobStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	return &JobStore{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(store),
		store:    store,
	}, nil
}

// Bootstrap starts a single-node Raft group rooted at this process.
// Timeouts are tuned short, matching the control loop's target of
// seconds-not-minutes recovery after a crash.
func (j *JobStore) Bootstrap() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(j.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	config.LogOutput = nil

	addr, err := net.ResolveTCPAddr("tcp", j.bindAddr)
	if err != nil {
		return fmt.Errorf("resolve raft bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(j.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(j.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(j.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("create raft log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(j.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(config, j.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("create raft: %w", err)
	}
	j.raft = r

	future := j.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return fmt.Errorf("bootstrap raft cluster: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if j.raft.State() == raft.Leader {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}

	log.WithComponent("jobstore").Info().Str("node_id", j.nodeID).Msg("job store raft group bootstrapped")
	return nil
}

// Shutdown stops the Raft group and closes the underlying store.
func (j *JobStore) Shutdown() error {
	if j.raft != nil {
		if err := j.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}
	return j.store.Close()
}

func (j *JobStore) apply(op string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}
	cmd := Command{Op: op, Data: data}
	cmdData, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	future := j.raft.Apply(cmdData, 5*time.Second)
	if err := future.Error(); err != nil {
		return errors.Transient(err, "raft apply failed for %s", op)
	}
	if resp := future.Response(); resp != nil {
		if respErr, ok := resp.(error); ok {
			return respErr
		}
	}
	return nil
}

// Submit creates a new job in the Received state, assigning a JobID if
// the caller left one unset.
func (j *JobStore) Submit(job *types.Job) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.State == "" {
		job.State = types.JobReceived
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 5
	}
	return j.apply(opCreateJob, job)
}

// TransitionJob moves job.JobID from its current state to `to`,
// rejecting the mutation if the edge is not in the allowed graph.
func (j *JobStore) TransitionJob(jobID string, to types.JobState, reason string) error {
	current, err := j.store.GetJob(jobID)
	if err != nil {
		return errors.Validation(err, "job %s not found", jobID)
	}
	if !types.CanTransition(current.State, to) {
		return errors.Conflictf("job %s: illegal transition %s -> %s", jobID, current.State, to)
	}

	from := current.State
	current.State = to
	if to.Terminal() {
		now := time.Now()
		current.FinishedAt = &now
	}
	if err := j.apply(opUpdateJob, current); err != nil {
		return err
	}
	return j.apply(opAppendTransition, transitionCmd{
		JobID: jobID,
		Entry: types.TransitionEntry{Timestamp: time.Now(), From: from, To: to, Reason: reason},
	})
}

// UpdateJob replaces job's stored record wholesale (used for field
// updates - runner/container assignment, retry bookkeeping - that don't
// themselves cross a state boundary).
func (j *JobStore) UpdateJob(job *types.Job) error {
	return j.apply(opUpdateJob, job)
}

// Archive moves a terminal job out of the active job set and into the
// retention-bounded archive summary.
func (j *JobStore) Archive(jobID string) error {
	job, err := j.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if !job.State.Terminal() {
		return errors.Conflictf("job %s: cannot archive non-terminal state %s", jobID, job.State)
	}
	finishedAt := job.CreatedAt
	if job.FinishedAt != nil {
		finishedAt = *job.FinishedAt
	}
	return j.apply(opArchiveJob, types.ArchivedJob{
		JobID:      job.JobID,
		Repository: job.Repository,
		FinalState: job.State,
		Attempts:   job.Attempts,
		CreatedAt:  job.CreatedAt,
		FinishedAt: finishedAt,
		ArchivedAt: time.Now(),
	})
}

// UpsertSchedule creates or updates a cron schedule.
func (j *JobStore) UpsertSchedule(sched *types.Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
		return j.apply(opCreateSchedule, sched)
	}
	return j.apply(opUpdateSchedule, sched)
}

// DeleteSchedule removes a cron schedule.
func (j *JobStore) DeleteSchedule(id string) error {
	return j.apply(opDeleteSchedule, id)
}

// Get returns a job by id.
func (j *JobStore) Get(jobID string) (*types.Job, error) {
	return j.store.GetJob(jobID)
}

// ListByStates returns every job currently in one of the given states.
func (j *JobStore) ListByStates(states ...types.JobState) ([]*types.Job, error) {
	return j.store.ListJobsByState(states...)
}

// Transitions returns a job's append-only transition history.
func (j *JobStore) Transitions(jobID string) ([]types.TransitionEntry, error) {
	return j.store.ListTransitions(jobID)
}

// Schedules lists every registered cron schedule.
func (j *JobStore) Schedules() ([]*types.Schedule, error) {
	return j.store.ListSchedules()
}

// IsLeader reports whether this node is the Raft group's current leader.
// In a single-node group this is true once Bootstrap completes.
func (j *JobStore) IsLeader() bool {
	return j.raft != nil && j.raft.State() == raft.Leader
}

// Recover rebuilds in-memory indexes (used by pkg/queue) from durable
// state after a restart, returning every non-terminal job so the
// caller can re-enqueue it.
func (j *JobStore) Recover() ([]*types.Job, error) {
	return j.store.ListJobsByState(
		types.JobReceived, types.JobQueued, types.JobScheduled,
		types.JobRouted, types.JobAssigned, types.JobRunning,
	)
}

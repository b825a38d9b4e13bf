package jobstore

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/forgebay/runnerd/pkg/storage"
	"github.com/forgebay/runnerd/pkg/types"
	"github.com/hashicorp/raft"
)

// Command is one state-change operation recorded in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opCreateJob         = "create_job"
	opUpdateJob         = "update_job"
	opDeleteJob         = "delete_job"
	opAppendTransition  = "append_transition"
	opArchiveJob        = "archive_job"
	opCreateSchedule    = "create_schedule"
	opUpdateSchedule    = "update_schedule"
	opDeleteSchedule    = "delete_schedule"
)

type transitionCmd struct {
	JobID string               `json:"job_id"`
	Entry types.TransitionEntry `json:"entry"`
}

// FSM applies committed Raft log entries against the job store's
// BoltDB-backed state.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM builds an FSM on top of store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Apply implements raft.FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCreateJob:
		var job types.Job
		if err := json.Unmarshal(cmd.Data, &job); err != nil {
			return err
		}
		return f.store.CreateJob(&job)

	case opUpdateJob:
		var job types.Job
		if err := json.Unmarshal(cmd.Data, &job); err != nil {
			return err
		}
		return f.store.UpdateJob(&job)

	case opDeleteJob:
		var jobID string
		if err := json.Unmarshal(cmd.Data, &jobID); err != nil {
			return err
		}
		return f.store.DeleteJob(jobID)

	case opAppendTransition:
		var tc transitionCmd
		if err := json.Unmarshal(cmd.Data, &tc); err != nil {
			return err
		}
		return f.store.AppendTransition(tc.JobID, tc.Entry)

	case opArchiveJob:
		var archived types.ArchivedJob
		if err := json.Unmarshal(cmd.Data, &archived); err != nil {
			return err
		}
		if err := f.store.ArchiveJob(&archived); err != nil {
			return err
		}
		return f.store.DeleteJob(archived.JobID)

	case opCreateSchedule:
		var sched types.Schedule
		if err := json.Unmarshal(cmd.Data, &sched); err != nil {
			return err
		}
		return f.store.CreateSchedule(&sched)

	case opUpdateSchedule:
		var sched types.Schedule
		if err := json.Unmarshal(cmd.Data, &sched); err != nil {
			return err
		}
		return f.store.UpdateSchedule(&sched)

	case opDeleteSchedule:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteSchedule(id)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	jobs, err := f.store.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	schedules, err := f.store.ListSchedules()
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	archived, err := f.store.ListArchivedJobs()
	if err != nil {
		return nil, fmt.Errorf("list archived jobs: %w", err)
	}

	return &Snapshot{Jobs: jobs, Schedules: schedules, Archived: archived}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, job := range snap.Jobs {
		if err := f.store.CreateJob(job); err != nil {
			return fmt.Errorf("restore job: %w", err)
		}
	}
	for _, sched := range snap.Schedules {
		if err := f.store.CreateSchedule(sched); err != nil {
			return fmt.Errorf("restore schedule: %w", err)
		}
	}
	for _, archived := range snap.Archived {
		if err := f.store.ArchiveJob(archived); err != nil {
			return fmt.Errorf("restore archived job: %w", err)
		}
	}
	return nil
}

// Snapshot is the point-in-time job-store state persisted by Raft.
type Snapshot struct {
	Jobs      []*types.Job
	Schedules []*types.Schedule
	Archived  []*types.ArchivedJob
}

// Persist implements raft.FSMSnapshot.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release implements raft.FSMSnapshot.
func (s *Snapshot) Release() {}

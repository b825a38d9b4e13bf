// Package storage provides BoltDB-backed persistence for the
// orchestrator's durable state: jobs, schedules, pool sizing, runner
// and container registries, intake dedup entries and the post-retention
// job archive.
package storage

import (
	"github.com/forgebay/runnerd/pkg/types"
)

// Store is the persistence surface used by the job store, pool manager,
// container registry, intake and cleanup reaper. It is implemented by
// BoltStore; the Raft FSM in pkg/jobstore applies committed log entries
// against it.
type Store interface {
	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByState(states ...types.JobState) ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	DeleteJob(id string) error

	// Transition log
	AppendTransition(jobID string, entry types.TransitionEntry) error
	ListTransitions(jobID string) ([]types.TransitionEntry, error)

	// Schedules
	CreateSchedule(schedule *types.Schedule) error
	GetSchedule(id string) (*types.Schedule, error)
	ListSchedules() ([]*types.Schedule, error)
	UpdateSchedule(schedule *types.Schedule) error
	DeleteSchedule(id string) error

	// Pools
	SavePool(pool *types.Pool) error
	GetPool(key types.PoolKey) (*types.Pool, error)
	ListPools() ([]*types.Pool, error)
	DeletePool(key types.PoolKey) error

	// Runners
	CreateRunner(runner *types.Runner) error
	GetRunner(id string) (*types.Runner, error)
	ListRunners() ([]*types.Runner, error)
	ListRunnersByPool(key types.PoolKey) ([]*types.Runner, error)
	UpdateRunner(runner *types.Runner) error
	DeleteRunner(id string) error

	// Containers
	CreateContainer(container *types.Container) error
	GetContainer(id string) (*types.Container, error)
	ListContainers() ([]*types.Container, error)
	UpdateContainer(container *types.Container) error
	DeleteContainer(id string) error

	// Intake dedup
	SeenDelivery(deliveryID string) (*types.IntakeDedupEntry, error)
	RecordDelivery(entry *types.IntakeDedupEntry) error
	PruneDeliveriesBefore(cutoffUnixNano int64) (int, error)

	// Archive
	ArchiveJob(archived *types.ArchivedJob) error
	ListArchivedJobs() ([]*types.ArchivedJob, error)

	// Utility
	Close() error
}

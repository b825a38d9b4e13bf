// Package types defines the entities shared across the orchestrator:
// jobs, queues, runners, containers, pools and secret hits.
package types

import "time"

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobReceived     JobState = "received"
	JobQueued       JobState = "queued"
	JobScheduled    JobState = "scheduled"
	JobRouted       JobState = "routed"
	JobAssigned     JobState = "assigned"
	JobRunning      JobState = "running"
	JobCompleted    JobState = "completed"
	JobFailed       JobState = "failed"
	JobDeadLettered JobState = "dead_lettered"
	JobCancelled    JobState = "cancelled"
)

// Terminal reports whether a state has no further transitions other
// than archival.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobDeadLettered, JobCancelled:
		return true
	default:
		return false
	}
}

// jobTransitions enumerates the allowed state graph from spec.md §4.3.
var jobTransitions = map[JobState]map[JobState]bool{
	JobReceived:  {JobQueued: true},
	JobQueued:    {JobScheduled: true, JobRouted: true},
	JobScheduled: {JobQueued: true},
	JobRouted:    {JobAssigned: true},
	JobAssigned:  {JobRunning: true},
	JobRunning:   {JobCompleted: true, JobFailed: true, JobCancelled: true},
	JobFailed:    {JobScheduled: true, JobDeadLettered: true},
}

// CanTransition reports whether from -> to is an allowed edge. Any
// non-terminal state may additionally transition to Cancelled.
func CanTransition(from, to JobState) bool {
	if to == JobCancelled && !from.Terminal() {
		return true
	}
	edges, ok := jobTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// ResourceProfile is a named bundle of container resource settings.
type ResourceProfile struct {
	Name        string
	CPUShares   int64
	MemoryBytes int64
	GPUCount    int
	Image       string
}

// Job is a unit of work created from one "job requested" webhook and
// executed by one runner container.
type Job struct {
	JobID           string
	DeliveryID      string
	Repository      string
	Workflow        string
	RequestedLabels []string
	Priority        int

	QueueName       string
	ResourceProfile ResourceProfile
	RequiredLabels  []string

	State         JobState
	Attempts      int
	MaxAttempts   int
	NextAttemptAt *time.Time
	DelayUntil    *time.Time

	RunnerID    string
	ContainerID string

	EnqueuedAt   time.Time
	CreatedAt    time.Time
	FinishedAt   *time.Time
	RecoveryNote string

	LastFailureReason string
	LastRetryable     bool
}

// TransitionEntry is one row of a Job's append-only transition log.
type TransitionEntry struct {
	Timestamp time.Time
	From      JobState
	To        JobState
	Reason    string
}

// Schedule is a recurring ("cron") job template.
type Schedule struct {
	ID             string
	TemplateJob    Job
	CronExpression string
	LastBoundary   time.Time
}

// QueueConfig holds the per-queue tunables of spec.md §4.3/§6.
type QueueConfig struct {
	Name               string
	ConcurrencyLimit   int
	RateLimitPerSecond float64
	RetentionWindow    time.Duration
	DeadLetterName     string
	RetryBaseMS        int64
	RetryFactor        float64
	RetryCapMS         int64
	RetryJitterMin     float64
	RetryJitterMax     float64
	Weight             int // weighted round-robin weight across queues
}

// RunnerState is the lifecycle state of a Runner.
type RunnerState string

const (
	RunnerProvisioning RunnerState = "provisioning"
	RunnerIdle         RunnerState = "idle"
	RunnerAssigned     RunnerState = "assigned"
	RunnerBusy         RunnerState = "busy"
	RunnerDraining     RunnerState = "draining"
	RunnerTerminated   RunnerState = "terminated"
	RunnerFailed       RunnerState = "failed"
)

// PoolKey identifies a runner pool by repository and resource profile.
type PoolKey struct {
	Repository string
	Profile    string
}

func (k PoolKey) String() string {
	return k.Repository + "|" + k.Profile
}

// Runner is a single ephemeral runner container hand-off unit.
type Runner struct {
	RunnerID     string
	PoolKey      PoolKey
	Labels       []string
	State        RunnerState
	CurrentJobID string
	ContainerID  string
	Resources    ResourceProfile
	Ephemeral    bool
	CreatedAt    time.Time
	LastStateAt  time.Time
}

// ContainerState mirrors the underlying container engine's lifecycle.
type ContainerState string

const (
	ContainerCreating ContainerState = "creating"
	ContainerCreated  ContainerState = "created"
	ContainerRunning  ContainerState = "running"
	ContainerExited   ContainerState = "exited"
	ContainerRemoving ContainerState = "removing"
	ContainerRemoved  ContainerState = "removed"
	ContainerErrored  ContainerState = "errored"
)

// MountSpec is a single bind mount applied to a container.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// SecretRef references a secret by handle; the secret's plaintext is
// never stored inline on the Container record.
type SecretRef struct {
	Name   string
	Handle string
}

// Container is one runner container: one per Runner.
type Container struct {
	ContainerID    string
	RunnerID       string
	JobID          string
	Image          string
	RequestedCPU   int64
	RequestedMemMB int64
	Mounts         []MountSpec
	Env            []string
	Secrets        []SecretRef
	Labels         map[string]string
	State          ContainerState
	CreatedAt      time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
	ExitCode       int
	ExitedOOM      bool
	ExitedSignaled bool
	Error          string
}

// StatsSample is one point of a Container's sampled metrics series.
type StatsSample struct {
	Timestamp       time.Time
	CPUPercent      float64
	MemoryBytes     int64
	MemoryPercent   float64
	NetRxBytes      int64
	NetTxBytes      int64
	BlockReadBytes  int64
	BlockWriteBytes int64
	PIDs            int64
	StatCallTime    time.Duration
}

// AlertType enumerates the container alert predicates of spec.md §4.6.
type AlertType string

const (
	AlertHighCPU        AlertType = "high_cpu"
	AlertHighMemory     AlertType = "high_memory"
	AlertSlowResponse   AlertType = "slow_response"
	AlertContainerState AlertType = "container_state"
)

// Alert tracks one (container, type) alert's lifecycle.
type Alert struct {
	ContainerID string
	Type        AlertType
	Severity    string
	FirstSeen   time.Time
	LastSeen    time.Time
	Count       int
	Active      bool
}

// LogLine is one line read off a container's stdout/stderr, tagged
// with the stream it came from so C9 can scan it and the log sink can
// attribute it.
type LogLine struct {
	ContainerID string
	Stream      string // "stdout" or "stderr"
	Timestamp   time.Time
	Line        string
}

// EngineEventKind enumerates the containerd task lifecycle events the
// orchestrator subscribes to (spec.md §4.6).
type EngineEventKind string

const (
	EngineEventStart EngineEventKind = "start"
	EngineEventDie   EngineEventKind = "die"
	EngineEventStop  EngineEventKind = "stop"
	EngineEventOOM   EngineEventKind = "oom"
)

// EngineEvent is one containerd task event filtered to runnerd's namespace.
type EngineEvent struct {
	ContainerID string
	Kind        EngineEventKind
	Timestamp   time.Time
	ExitCode    uint32
}

// Pool is the desired/current sizing record for a (repository, profile) key.
type Pool struct {
	Key           PoolKey
	Min           int
	Max           int
	Desired       int
	Ephemeral     bool
	Draining      bool
	LastScaleUp   time.Time
	LastScaleDown time.Time
	LastArrival   time.Time
}

// SecretPatternHit records a secret-scanner match without ever
// persisting the matched bytes themselves.
type SecretPatternHit struct {
	ContainerID string
	JobID       string
	PatternKind string
	ByteOffset  int64
	Severity    string
	Timestamp   time.Time
}

// IntakeDedupEntry is a delivery-id seen by the webhook intake, kept
// for TTL-bounded idempotency.
type IntakeDedupEntry struct {
	DeliveryID string
	JobID      string
	ReceivedAt time.Time
}

// ArchivedJob is the post-retention summary kept after a terminal
// Job's detail is dropped.
type ArchivedJob struct {
	JobID      string
	Repository string
	FinalState JobState
	Attempts   int
	CreatedAt  time.Time
	FinishedAt time.Time
	ArchivedAt time.Time
}

// Package reaper implements the Cleanup Reaper of spec.md §4.8, grounded
// directly on pkg/reconciler/reconciler.go's ticker loop and its split
// of one reconcile cycle into independent per-concern methods, applied
// here to TTL-based container, job, metrics and pool cleanup instead of
// node/container health reconciliation.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/forgebay/runnerd/pkg/log"
	"github.com/forgebay/runnerd/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config holds the TTLs of spec.md §4.8.
type Config struct {
	ContainerTTL     time.Duration
	JobRetention     time.Duration
	MetricsRetention time.Duration
	PoolIdleTTL      time.Duration
	Interval         time.Duration
}

// ContainerStore is the subset of storage the reaper sweeps for exited
// containers.
type ContainerStore interface {
	ListContainers() ([]*types.Container, error)
	DeleteContainer(id string) error
}

// JobArchiver moves terminal jobs out of live storage.
type JobArchiver interface {
	ListByStates(states ...types.JobState) ([]*types.Job, error)
	Archive(jobID string) error
}

// MetricsEvictor prunes in-memory stats history and resolved alerts.
type MetricsEvictor interface {
	EvictStale(retention time.Duration)
}

// PoolDrainer reports idle pools and drains them.
type PoolDrainer interface {
	ListPools() ([]*types.Pool, error)
	Drain(key types.PoolKey) error
}

// Runtime removes the underlying container for an exited record past
// its TTL. Removal is idempotent: removing an already-gone container
// is not an error.
type Runtime interface {
	Remove(ctx context.Context, containerID string, force bool) error
}

var cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "runnerd_reaper_cycles_total",
	Help: "Cleanup reaper cycles by outcome.",
}, []string{"outcome"})

var itemsReaped = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "runnerd_reaper_items_total",
	Help: "Items reaped per task.",
}, []string{"task"})

func init() {
	prometheus.MustRegister(cyclesTotal, itemsReaped)
}

// Reaper runs the four scheduled cleanup tasks on a fixed interval.
type Reaper struct {
	cfg       Config
	containers ContainerStore
	jobs      JobArchiver
	metrics   MetricsEvictor
	pools     PoolDrainer
	runtime   Runtime
	logger    zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds a Reaper. metrics may be nil if no in-memory stats
// history is wired (tests, or a deployment without C6 monitoring).
func New(cfg Config, containers ContainerStore, jobs JobArchiver, metrics MetricsEvictor, pools PoolDrainer, rt Runtime) *Reaper {
	return &Reaper{
		cfg:        cfg,
		containers: containers,
		jobs:       jobs,
		metrics:    metrics,
		pools:      pools,
		runtime:    rt,
		logger:     log.WithComponent("reaper"),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the cleanup loop.
func (r *Reaper) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop halts the cleanup loop.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run(ctx context.Context) {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cycle(ctx)
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		}
	}
}

// cycle runs every task once. A failure in one task is logged and
// retried next tick; it never blocks the others (spec.md §4.8).
func (r *Reaper) cycle(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcome := "ok"
	if err := r.reapContainers(ctx); err != nil {
		r.logger.Error().Err(err).Msg("container sweep failed")
		outcome = "error"
	}
	if err := r.archiveJobs(); err != nil {
		r.logger.Error().Err(err).Msg("job archival failed")
		outcome = "error"
	}
	r.evictMetrics()
	if err := r.drainIdlePools(); err != nil {
		r.logger.Error().Err(err).Msg("idle pool drain failed")
		outcome = "error"
	}
	cyclesTotal.WithLabelValues(outcome).Inc()
}

// reapContainers removes Exited containers older than ContainerTTL.
// Deleting an already-gone container is a no-op (idempotent).
func (r *Reaper) reapContainers(ctx context.Context) error {
	containers, err := r.containers.ListContainers()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, c := range containers {
		if c.State != types.ContainerExited {
			continue
		}
		if c.FinishedAt.IsZero() || now.Sub(c.FinishedAt) < r.cfg.ContainerTTL {
			continue
		}
		if err := r.runtime.Remove(ctx, c.ContainerID, false); err != nil {
			r.logger.Warn().Err(err).Str("container_id", c.ContainerID).Msg("container already gone")
		}
		if err := r.containers.DeleteContainer(c.ContainerID); err != nil {
			return err
		}
		itemsReaped.WithLabelValues("container").Inc()
	}
	return nil
}

// archiveJobs moves terminal jobs older than JobRetention to archival
// storage. Archiving an already-archived job id is a no-op.
func (r *Reaper) archiveJobs() error {
	jobs, err := r.jobs.ListByStates(types.JobCompleted, types.JobFailed, types.JobDeadLettered, types.JobCancelled)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, j := range jobs {
		if j.FinishedAt == nil || now.Sub(*j.FinishedAt) < r.cfg.JobRetention {
			continue
		}
		if err := r.jobs.Archive(j.JobID); err != nil {
			return err
		}
		itemsReaped.WithLabelValues("job").Inc()
	}
	return nil
}

// evictMetrics prunes stats history and resolved alerts beyond
// MetricsRetention. Never fails the cycle: it is a best-effort
// in-memory trim, not durable state.
func (r *Reaper) evictMetrics() {
	if r.metrics == nil {
		return
	}
	r.metrics.EvictStale(r.cfg.MetricsRetention)
}

// drainIdlePools drains pools with zero arrivals for PoolIdleTTL.
// Draining an already-draining pool is a no-op.
func (r *Reaper) drainIdlePools() error {
	pools, err := r.pools.ListPools()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, p := range pools {
		if p.Draining {
			continue
		}
		if p.LastArrival.IsZero() || now.Sub(p.LastArrival) < r.cfg.PoolIdleTTL {
			continue
		}
		if err := r.pools.Drain(p.Key); err != nil {
			return err
		}
		itemsReaped.WithLabelValues("pool").Inc()
	}
	return nil
}

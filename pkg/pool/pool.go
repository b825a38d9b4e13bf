// Package pool implements the Runner Pool Manager of spec.md §4.5:
// per pool_key lifecycle bookkeeping for Runners, grounded on
// pkg/manager's Node registry plus pkg/scheduler's replicated/global
// container counting, repurposed from "containers per node" to
// "runners per pool".
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/forgebay/runnerd/pkg/errors"
	"github.com/forgebay/runnerd/pkg/log"
	"github.com/forgebay/runnerd/pkg/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Store is the durable surface pool state is persisted through.
type Store interface {
	SavePool(pool *types.Pool) error
	GetPool(key types.PoolKey) (*types.Pool, error)
	ListPools() ([]*types.Pool, error)
	CreateRunner(runner *types.Runner) error
	GetRunner(id string) (*types.Runner, error)
	ListRunnersByPool(key types.PoolKey) ([]*types.Runner, error)
	UpdateRunner(runner *types.Runner) error
	DeleteRunner(id string) error
}

// Runtime is the container-orchestrator surface (C6) the pool manager
// drives to actually create and tear down a runner's container.
type Runtime interface {
	CreateRunnerContainer(runner *types.Runner, profile types.ResourceProfile) error
	RemoveRunnerContainer(runnerID string) error
}

type poolEntry struct {
	mu   sync.Mutex
	pool types.Pool
}

// Manager owns every pool's Runner set.
type Manager struct {
	mu      sync.RWMutex
	pools   map[types.PoolKey]*poolEntry
	store   Store
	runtime Runtime
	logger  zerolog.Logger

	demand   map[types.PoolKey]int
	demandMu sync.Mutex
}

var (
	poolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "runnerd_pool_desired_size",
		Help: "Desired runner pool size per pool_key.",
	}, []string{"pool_key"})
	poolIdle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "runnerd_pool_idle_runners",
		Help: "Idle runners per pool_key.",
	}, []string{"pool_key"})
	acquireMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runnerd_pool_acquire_misses_total",
		Help: "Acquire calls that found no idle runner, per pool_key.",
	}, []string{"pool_key"})
)

func init() {
	prometheus.MustRegister(poolSize, poolIdle, acquireMisses)
}

// New builds a Manager over store/runtime.
func New(store Store, runtime Runtime) *Manager {
	return &Manager{
		pools:   make(map[types.PoolKey]*poolEntry),
		store:   store,
		runtime: runtime,
		logger:  log.WithComponent("pool"),
		demand:  make(map[types.PoolKey]int),
	}
}

// Ensure registers pool_key with the given sizing, pre-provisioning
// `min` runners so the first job sees near-zero start latency.
func (m *Manager) Ensure(key types.PoolKey, profile types.ResourceProfile, min, max int, ephemeral bool) error {
	m.mu.Lock()
	entry, ok := m.pools[key]
	if !ok {
		entry = &poolEntry{pool: types.Pool{Key: key, Min: min, Max: max, Ephemeral: ephemeral}}
		m.pools[key] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.pool.Min, entry.pool.Max, entry.pool.Ephemeral = min, max, ephemeral
	if err := m.store.SavePool(&entry.pool); err != nil {
		return err
	}

	runners, err := m.store.ListRunnersByPool(key)
	if err != nil {
		return err
	}
	if len(runners) < min {
		return m.scaleUpLocked(entry, profile, min-len(runners))
	}
	return nil
}

// Acquire returns an Idle runner for key, transitioning it to
// Assigned. If none is idle it records demand and returns nil.
func (m *Manager) Acquire(key types.PoolKey, job *types.Job) (*types.Runner, error) {
	entry, err := m.entryFor(key)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	runners, err := m.store.ListRunnersByPool(key)
	if err != nil {
		return nil, err
	}

	for _, r := range runners {
		if r.State == types.RunnerIdle {
			r.State = types.RunnerAssigned
			r.CurrentJobID = job.JobID
			r.LastStateAt = time.Now()
			if err := m.store.UpdateRunner(r); err != nil {
				return nil, err
			}
			return r, nil
		}
	}

	acquireMisses.WithLabelValues(key.String()).Inc()
	m.demandMu.Lock()
	m.demand[key]++
	m.demandMu.Unlock()
	entry.pool.LastArrival = time.Now()
	_ = m.store.SavePool(&entry.pool)
	return nil, nil
}

// MarkBusy transitions an Assigned runner to Busy once the control
// loop confirms its container is actively serving job_id.
func (m *Manager) MarkBusy(runnerID, jobID string) error {
	runner, err := m.store.GetRunner(runnerID)
	if err != nil {
		return err
	}
	entry, err := m.entryFor(runner.PoolKey)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	runner.State = types.RunnerBusy
	runner.CurrentJobID = jobID
	runner.LastStateAt = time.Now()
	return m.store.UpdateRunner(runner)
}

// Release returns runner_id to Idle (reusable pools) or Draining then
// Terminated (ephemeral pools).
func (m *Manager) Release(runnerID string, outcome string) error {
	runner, err := m.store.GetRunner(runnerID)
	if err != nil {
		return err
	}
	entry, err := m.entryFor(runner.PoolKey)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	runner.CurrentJobID = ""
	runner.LastStateAt = time.Now()

	if runner.Ephemeral {
		runner.State = types.RunnerDraining
		if err := m.store.UpdateRunner(runner); err != nil {
			return err
		}
		if err := m.runtime.RemoveRunnerContainer(runner.RunnerID); err != nil {
			return errors.Transient(err, "remove runner container %s", runner.RunnerID)
		}
		runner.State = types.RunnerTerminated
		return m.store.UpdateRunner(runner)
	}

	runner.State = types.RunnerIdle
	return m.store.UpdateRunner(runner)
}

// Scale adjusts pool_key's runner count toward desired. Creation is
// delegated to C6; termination transitions Idle runners to Draining.
func (m *Manager) Scale(key types.PoolKey, desired int, profile types.ResourceProfile) error {
	entry, err := m.entryFor(key)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if desired < entry.pool.Min {
		desired = entry.pool.Min
	}
	if desired > entry.pool.Max {
		desired = entry.pool.Max
	}

	runners, err := m.store.ListRunnersByPool(key)
	if err != nil {
		return err
	}

	busy := 0
	for _, r := range runners {
		if r.State == types.RunnerBusy || r.State == types.RunnerAssigned {
			busy++
		}
	}
	if desired < busy {
		desired = busy
	}

	delta := desired - len(runners)
	entry.pool.Desired = desired
	if err := m.store.SavePool(&entry.pool); err != nil {
		return err
	}
	poolSize.WithLabelValues(key.String()).Set(float64(desired))

	if delta > 0 {
		entry.pool.LastScaleUp = time.Now()
		return m.scaleUpLocked(entry, profile, delta)
	}
	if delta < 0 {
		entry.pool.LastScaleDown = time.Now()
		return m.scaleDownLocked(key, runners, -delta)
	}
	return nil
}

// Drain marks pool_key as draining: no new runners are provisioned and
// Idle runners are transitioned out, for maintenance or decommission.
func (m *Manager) Drain(key types.PoolKey) error {
	entry, err := m.entryFor(key)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.pool.Draining = true
	if err := m.store.SavePool(&entry.pool); err != nil {
		return err
	}

	runners, err := m.store.ListRunnersByPool(key)
	if err != nil {
		return err
	}
	for _, r := range runners {
		if r.State != types.RunnerIdle {
			continue
		}
		r.State = types.RunnerDraining
		if err := m.store.UpdateRunner(r); err != nil {
			return err
		}
		if err := m.runtime.RemoveRunnerContainer(r.RunnerID); err != nil {
			m.logger.Error().Err(err).Str("runner_id", r.RunnerID).Msg("failed to remove drained runner container")
			continue
		}
		r.State = types.RunnerTerminated
		if err := m.store.UpdateRunner(r); err != nil {
			return err
		}
	}
	return nil
}

// Demand returns and resets the count of Acquire misses recorded since
// the last call, used by the Auto-Scaler's queue-pressure signal.
func (m *Manager) Demand(key types.PoolKey) int {
	m.demandMu.Lock()
	defer m.demandMu.Unlock()
	d := m.demand[key]
	m.demand[key] = 0
	return d
}

// Snapshot returns the current pool record and runner set for key.
func (m *Manager) Snapshot(key types.PoolKey) (*types.Pool, []*types.Runner, error) {
	entry, err := m.entryFor(key)
	if err != nil {
		return nil, nil, err
	}
	entry.mu.Lock()
	p := entry.pool
	entry.mu.Unlock()

	runners, err := m.store.ListRunnersByPool(key)
	return &p, runners, err
}

func (m *Manager) entryFor(key types.PoolKey) (*poolEntry, error) {
	m.mu.RLock()
	entry, ok := m.pools[key]
	m.mu.RUnlock()
	if ok {
		return entry, nil
	}

	pool, err := m.store.GetPool(key)
	if err != nil {
		return nil, fmt.Errorf("pool %s not registered: %w", key, err)
	}
	entry = &poolEntry{pool: *pool}
	m.mu.Lock()
	m.pools[key] = entry
	m.mu.Unlock()
	return entry, nil
}

// scaleUpLocked creates n new runners for entry's pool. Caller holds
// entry.mu.
func (m *Manager) scaleUpLocked(entry *poolEntry, profile types.ResourceProfile, n int) error {
	for i := 0; i < n; i++ {
		runner := &types.Runner{
			RunnerID:    uuid.NewString(),
			PoolKey:     entry.pool.Key,
			State:       types.RunnerProvisioning,
			Resources:   profile,
			Ephemeral:   entry.pool.Ephemeral,
			CreatedAt:   time.Now(),
			LastStateAt: time.Now(),
		}
		if err := m.store.CreateRunner(runner); err != nil {
			return err
		}
		if err := m.runtime.CreateRunnerContainer(runner, profile); err != nil {
			runner.State = types.RunnerFailed
			_ = m.store.UpdateRunner(runner)
			return errors.Transient(err, "create runner container for pool %s", entry.pool.Key)
		}
		runner.State = types.RunnerIdle
		if err := m.store.UpdateRunner(runner); err != nil {
			return err
		}
	}
	return nil
}

// scaleDownLocked transitions n Idle runners in runners to Draining
// then Terminated.
func (m *Manager) scaleDownLocked(key types.PoolKey, runners []*types.Runner, n int) error {
	removed := 0
	for _, r := range runners {
		if removed >= n {
			break
		}
		if r.State != types.RunnerIdle {
			continue
		}
		r.State = types.RunnerDraining
		if err := m.store.UpdateRunner(r); err != nil {
			return err
		}
		if err := m.runtime.RemoveRunnerContainer(r.RunnerID); err != nil {
			m.logger.Error().Err(err).Str("runner_id", r.RunnerID).Msg("failed to remove scaled-down runner container")
			continue
		}
		r.State = types.RunnerTerminated
		if err := m.store.UpdateRunner(r); err != nil {
			return err
		}
		removed++
	}
	return nil
}

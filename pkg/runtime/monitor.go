package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/forgebay/runnerd/pkg/events"
	"github.com/forgebay/runnerd/pkg/log"
	"github.com/forgebay/runnerd/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// AlertConfig holds the thresholds spec.md §4.6's monitoring loop
// evaluates on every sample.
type AlertConfig struct {
	Interval         time.Duration
	CPUThreshold     float64
	MemoryThreshold  float64
	ResponseMSThreshold int64
	RingBufferSize   int
	CooldownWindow   time.Duration
}

// DefaultAlertConfig returns spec.md's documented defaults.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		Interval:            20 * time.Second,
		CPUThreshold:        80,
		MemoryThreshold:     85,
		ResponseMSThreshold: 5000,
		RingBufferSize:      30,
		CooldownWindow:      60 * time.Second,
	}
}

// ring is a fixed-capacity circular buffer of stats samples per
// container.
type ring struct {
	samples []types.StatsSample
	next    int
	full    bool
}

func newRing(size int) *ring {
	return &ring{samples: make([]types.StatsSample, size)}
}

func (r *ring) push(s types.StatsSample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) snapshot() []types.StatsSample {
	if !r.full {
		return append([]types.StatsSample(nil), r.samples[:r.next]...)
	}
	out := make([]types.StatsSample, 0, len(r.samples))
	out = append(out, r.samples[r.next:]...)
	out = append(out, r.samples[:r.next]...)
	return out
}

type alertKey struct {
	containerID string
	alertType   types.AlertType
}

// Monitor runs the C6 monitoring loop: sample non-terminal containers
// on an interval, keep a ring buffer per container, and evaluate the
// four alert predicates of spec.md §4.6, generalizing the consecutive
// threshold bookkeeping of pkg/health/health.go's Status.Update from a
// single binary healthy/unhealthy flag to four independent alert
// types per container.
type Monitor struct {
	cfg     AlertConfig
	runtime *Runtime
	broker  *events.Broker
	logger  zerolog.Logger

	mu      sync.Mutex
	rings   map[string]*ring
	prev    map[string]rawSample
	prevSys map[string]uint64
	alerts  map[alertKey]*types.Alert

	containers func() []string
	stateOf    func(ctx context.Context, containerID string) (types.ContainerState, error)

	stopCh chan struct{}
}

var (
	containerCPUGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "runnerd_container_cpu_percent",
		Help: "Most recent CPU percent sample per container.",
	}, []string{"container_id"})
	containerMemGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "runnerd_container_memory_percent",
		Help: "Most recent memory percent sample per container.",
	}, []string{"container_id"})
	activeAlerts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "runnerd_container_active_alerts",
		Help: "Active alerts per type.",
	}, []string{"alert_type"})
)

func init() {
	prometheus.MustRegister(containerCPUGauge, containerMemGauge, activeAlerts)
}

// NewMonitor builds a Monitor over rt, polling containers() for the
// set of container ids to sample and stateOf() for container_state.
func NewMonitor(cfg AlertConfig, rt *Runtime, broker *events.Broker, containers func() []string) *Monitor {
	return &Monitor{
		cfg:        cfg,
		runtime:    rt,
		broker:     broker,
		logger:     log.WithComponent("runtime.monitor"),
		rings:      make(map[string]*ring),
		prev:       make(map[string]rawSample),
		prevSys:    make(map[string]uint64),
		alerts:     make(map[alertKey]*types.Alert),
		containers: containers,
		stateOf:    rt.State,
		stopCh:     make(chan struct{}),
	}
}

// Start runs the sampling loop until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.tick(ctx)
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sampling loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) tick(ctx context.Context) {
	systemNow := readSystemCPUUsage()
	for _, containerID := range m.containers() {
		m.sampleOne(ctx, containerID, systemNow)
	}
}

func (m *Monitor) sampleOne(ctx context.Context, containerID string, systemNow uint64) {
	raw, elapsed, err := m.runtime.readRaw(ctx, containerID)
	if err != nil {
		m.logger.Debug().Err(err).Str("container_id", containerID).Msg("stats read failed")
		return
	}

	m.mu.Lock()
	prev, hasPrev := m.prev[containerID]
	prevSys := m.prevSys[containerID]
	cpuPct := deriveCPUPercent(prev, raw, prevSys, systemNow, hasPrev)
	m.prev[containerID] = raw
	m.prevSys[containerID] = systemNow

	r, ok := m.rings[containerID]
	if !ok {
		r = newRing(m.cfg.RingBufferSize)
		m.rings[containerID] = r
	}
	sample := toStatsSample(raw, cpuPct, elapsed)
	r.push(sample)
	m.mu.Unlock()

	containerCPUGauge.WithLabelValues(containerID).Set(sample.CPUPercent)
	containerMemGauge.WithLabelValues(containerID).Set(sample.MemoryPercent)

	state, err := m.stateOf(ctx, containerID)
	if err != nil {
		state = types.ContainerErrored
	}

	m.evaluate(containerID, sample, state)
}

func (m *Monitor) evaluate(containerID string, sample types.StatsSample, state types.ContainerState) {
	triggered := map[types.AlertType]bool{
		types.AlertHighCPU:        sample.CPUPercent > m.cfg.CPUThreshold,
		types.AlertHighMemory:     sample.MemoryPercent > m.cfg.MemoryThreshold,
		types.AlertSlowResponse:   sample.StatCallTime.Milliseconds() > m.cfg.ResponseMSThreshold,
		types.AlertContainerState: state != types.ContainerRunning && state != types.ContainerExited,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for alertType, fired := range triggered {
		key := alertKey{containerID: containerID, alertType: alertType}
		existing, active := m.alerts[key]

		if fired {
			if !active || !existing.Active {
				alert := &types.Alert{
					ContainerID: containerID,
					Type:        alertType,
					Severity:    severityFor(alertType),
					FirstSeen:   time.Now(),
					LastSeen:    time.Now(),
					Count:       1,
					Active:      true,
				}
				m.alerts[key] = alert
				m.broker.Publish(&events.Event{
					Type:        events.TypeAlertTriggered,
					ContainerID: containerID,
					Message:     string(alertType),
				})
				activeAlerts.WithLabelValues(string(alertType)).Inc()
				continue
			}
			existing.Count++
			existing.LastSeen = time.Now()
			continue
		}

		if active && existing.Active && time.Since(existing.LastSeen) >= m.cfg.CooldownWindow {
			existing.Active = false
			m.broker.Publish(&events.Event{
				Type:        events.TypeAlertResolved,
				ContainerID: containerID,
				Message:     string(alertType),
			})
			activeAlerts.WithLabelValues(string(alertType)).Dec()
		}
	}
}

func severityFor(t types.AlertType) string {
	switch t {
	case types.AlertContainerState:
		return "critical"
	default:
		return "warning"
	}
}

// Snapshot returns the most recent ring buffer for containerID.
func (m *Monitor) Snapshot(containerID string) []types.StatsSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rings[containerID]
	if !ok {
		return nil
	}
	return r.snapshot()
}

// EvictStale drops resolved alerts and per-container stats history for
// containers with no sample newer than retention (spec.md §4.8: "evict
// metrics and alert rows beyond metrics_retention"). Active alerts are
// never evicted regardless of age.
func (m *Monitor) EvictStale(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, alert := range m.alerts {
		if !alert.Active && alert.LastSeen.Before(cutoff) {
			delete(m.alerts, key)
		}
	}

	for containerID, r := range m.rings {
		samples := r.snapshot()
		if len(samples) == 0 {
			continue
		}
		if samples[len(samples)-1].Timestamp.Before(cutoff) {
			delete(m.rings, containerID)
			delete(m.prev, containerID)
			delete(m.prevSys, containerID)
		}
	}
}

// ActiveAlerts returns every currently-active alert across containers.
func (m *Monitor) ActiveAlerts() []types.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Alert
	for _, a := range m.alerts {
		if a.Active {
			out = append(out, *a)
		}
	}
	return out
}

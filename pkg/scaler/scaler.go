// Package scaler implements the Auto-Scaler of spec.md §4.7: a
// periodic evaluation loop, grounded on pkg/scheduler's ticker-driven
// Start/Stop/run shape, that derives a desired pool size from queue
// pressure, EWMA utilization, and an optional arrival-rate forecast,
// and hands the decision to the Runner Pool Manager without ever
// touching Runner state itself.
package scaler

import (
	"math"
	"sync"
	"time"

	"github.com/forgebay/runnerd/pkg/log"
	"github.com/forgebay/runnerd/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config holds the thresholds and cooldowns of spec.md §4.7.
type Config struct {
	UpThreshold    float64
	DownThreshold  float64
	TargetPressure float64
	CooldownUp     time.Duration
	CooldownDown   time.Duration
	EvaluateEvery  time.Duration

	// UtilizationAlpha is the EWMA smoothing factor for utilization
	// (higher weighs the latest sample more heavily).
	UtilizationAlpha float64

	// ForecastWindow is how many past arrival-rate samples the linear
	// regression forecast considers. Zero disables forecasting.
	ForecastWindow int
}

// DefaultConfig matches pkg/config.Default()'s ScalerConfig.
func DefaultConfig() Config {
	return Config{
		UpThreshold:      0.8,
		DownThreshold:    0.2,
		TargetPressure:   1.0,
		CooldownUp:       30 * time.Second,
		CooldownDown:     2 * time.Minute,
		EvaluateEvery:    30 * time.Second,
		UtilizationAlpha: 0.3,
		ForecastWindow:   10,
	}
}

// PoolSource reports the signals the scaler needs for one pool: how
// many jobs are waiting for it, and its current runner counts.
type PoolSource interface {
	WaitingCountForPool(key types.PoolKey) int
	Snapshot(key types.PoolKey) (*types.Pool, []*types.Runner, error)
	Scale(key types.PoolKey, desired int, profile types.ResourceProfile) error
}

type poolState struct {
	mu            sync.Mutex
	utilEWMA      float64
	hasUtil       bool
	lastScaleUp   time.Time
	lastScaleDown time.Time
	arrivals      []arrivalSample
}

type arrivalSample struct {
	at   time.Time
	rate float64
}

// Decision records one evaluation's outcome, mainly for observability
// and tests.
type Decision struct {
	Key      types.PoolKey
	Pressure float64
	Util     float64
	Forecast float64
	Current  int
	Desired  int
	Reason   string
}

var decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "runnerd_scaler_decisions_total",
	Help: "Auto-scaler decisions by pool and direction.",
}, []string{"pool_key", "direction"})

func init() {
	prometheus.MustRegister(decisionsTotal)
}

// Scaler evaluates every tracked pool on a fixed interval.
type Scaler struct {
	cfg    Config
	pools  PoolSource
	logger zerolog.Logger

	mu     sync.Mutex
	states map[types.PoolKey]*poolState
	keys   func() []PoolEntry

	stopCh chan struct{}
}

type PoolEntry struct {
	Key     types.PoolKey
	Profile types.ResourceProfile
	Min     int
	Max     int
}

// New builds a Scaler. keys returns the current set of tracked pools
// each evaluation cycle (pools are created/removed by C5, not here).
func New(cfg Config, pools PoolSource, keys func() []PoolEntry) *Scaler {
	if cfg.EvaluateEvery <= 0 {
		cfg = DefaultConfig()
	}
	return &Scaler{
		cfg:    cfg,
		pools:  pools,
		keys:   keys,
		logger: log.WithComponent("scaler"),
		states: make(map[types.PoolKey]*poolState),
		stopCh: make(chan struct{}),
	}
}

// Start launches the evaluation loop.
func (s *Scaler) Start() {
	go s.run()
}

// Stop halts the evaluation loop.
func (s *Scaler) Stop() {
	close(s.stopCh)
}

func (s *Scaler) run() {
	ticker := time.NewTicker(s.cfg.EvaluateEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evaluateAll()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scaler) evaluateAll() {
	for _, entry := range s.keys() {
		d, err := s.Evaluate(entry)
		if err != nil {
			s.logger.Error().Err(err).Str("pool_key", entry.Key.String()).Msg("evaluation failed")
			continue
		}
		if d.Reason == "" {
			continue
		}
		s.logger.Info().
			Str("pool_key", entry.Key.String()).
			Float64("pressure", d.Pressure).
			Float64("util", d.Util).
			Int("current", d.Current).
			Int("desired", d.Desired).
			Str("reason", d.Reason).
			Msg("scale decision")
	}
}

func (s *Scaler) stateFor(key types.PoolKey) *poolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		st = &poolState{}
		s.states[key] = st
	}
	return st
}

// RecordArrival feeds one arrival-rate sample into the pool's
// forecast history (the control loop calls this whenever the router
// hands a job to a pool).
func (s *Scaler) RecordArrival(key types.PoolKey, rate float64, now time.Time) {
	st := s.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.arrivals = append(st.arrivals, arrivalSample{at: now, rate: rate})
	if len(st.arrivals) > s.cfg.ForecastWindow && s.cfg.ForecastWindow > 0 {
		st.arrivals = st.arrivals[len(st.arrivals)-s.cfg.ForecastWindow:]
	}
}

// Evaluate runs one scaling decision for a single pool and, if it
// calls for a change, applies it via PoolSource.Scale.
func (s *Scaler) Evaluate(entry PoolEntry) (Decision, error) {
	pool, runners, err := s.pools.Snapshot(entry.Key)
	if err != nil {
		return Decision{}, err
	}

	var idle, busy, total int
	for _, r := range runners {
		total++
		switch r.State {
		case types.RunnerIdle:
			idle++
		case types.RunnerBusy, types.RunnerAssigned:
			busy++
		}
	}

	waiting := s.pools.WaitingCountForPool(entry.Key)
	pressure := float64(waiting) / math.Max(1, float64(idle))

	instUtil := 0.0
	if total > 0 {
		instUtil = float64(busy) / float64(total)
	}

	st := s.stateFor(entry.Key)
	st.mu.Lock()
	if !st.hasUtil {
		st.utilEWMA = instUtil
		st.hasUtil = true
	} else {
		alpha := s.cfg.UtilizationAlpha
		st.utilEWMA = alpha*instUtil + (1-alpha)*st.utilEWMA
	}
	util := st.utilEWMA
	forecast := forecastArrivalRate(st.arrivals)
	lastUp := st.lastScaleUp
	lastDown := st.lastScaleDown
	st.mu.Unlock()

	current := pool.Desired
	desired := current
	reason := ""

	scaleUp := pressure > s.cfg.TargetPressure || util > s.cfg.UpThreshold || forecast > s.cfg.UpThreshold
	if scaleUp {
		k := int(math.Ceil(pressure - s.cfg.TargetPressure))
		if k < 1 {
			k = 1
		}
		desired = current + k
		reason = "scale_up"
	} else if util < s.cfg.DownThreshold && pressure < 1 && time.Since(lastDown) >= s.cfg.CooldownDown {
		desired = current - 1
		reason = "scale_down"
	}

	if desired < entry.Min {
		desired = entry.Min
	}
	if desired > entry.Max {
		desired = entry.Max
	}
	if desired < busy {
		desired = busy
	}

	d := Decision{
		Key:      entry.Key,
		Pressure: pressure,
		Util:     util,
		Forecast: forecast,
		Current:  current,
		Desired:  desired,
	}

	if desired == current {
		return d, nil
	}

	direction := "up"
	if desired < current {
		direction = "down"
	}
	if direction == "up" && time.Since(lastUp) < s.cfg.CooldownUp {
		return d, nil
	}

	if err := s.pools.Scale(entry.Key, desired, entry.Profile); err != nil {
		return d, err
	}

	st.mu.Lock()
	if direction == "up" {
		st.lastScaleUp = time.Now()
	} else {
		st.lastScaleDown = time.Now()
	}
	st.mu.Unlock()

	decisionsTotal.WithLabelValues(entry.Key.String(), direction).Inc()
	d.Reason = reason
	return d, nil
}

// forecastArrivalRate fits a simple linear regression over the
// arrival-rate history and projects one EvaluateEvery interval ahead,
// returning 0 when there are too few samples to fit a line.
func forecastArrivalRate(samples []arrivalSample) float64 {
	n := len(samples)
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	base := samples[0].at
	for _, s := range samples {
		x := s.at.Sub(base).Seconds()
		y := s.rate
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return samples[n-1].rate
	}
	slope := (nf*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / nf

	lastX := samples[n-1].at.Sub(base).Seconds()
	nextX := lastX + 30 // one default evaluation interval ahead
	forecast := slope*nextX + intercept
	if forecast < 0 {
		forecast = 0
	}
	return forecast
}

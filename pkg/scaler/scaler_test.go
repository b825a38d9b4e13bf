package scaler

import (
	"testing"
	"time"

	"github.com/forgebay/runnerd/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakePools struct {
	waiting map[types.PoolKey]int
	pools   map[types.PoolKey]*types.Pool
	runners map[types.PoolKey][]*types.Runner
	scaled  []scaleCall
}

type scaleCall struct {
	key     types.PoolKey
	desired int
}

func (f *fakePools) WaitingCountForPool(key types.PoolKey) int {
	return f.waiting[key]
}

func (f *fakePools) Snapshot(key types.PoolKey) (*types.Pool, []*types.Runner, error) {
	return f.pools[key], f.runners[key], nil
}

func (f *fakePools) Scale(key types.PoolKey, desired int, profile types.ResourceProfile) error {
	f.scaled = append(f.scaled, scaleCall{key: key, desired: desired})
	f.pools[key].Desired = desired
	return nil
}

var testKey = types.PoolKey{Repository: "acme/app", Profile: "default"}

func newFakePools(desired int, runners []*types.Runner, waiting int) *fakePools {
	return &fakePools{
		waiting: map[types.PoolKey]int{testKey: waiting},
		pools:   map[types.PoolKey]*types.Pool{testKey: {Key: testKey, Desired: desired}},
		runners: map[types.PoolKey][]*types.Runner{testKey: runners},
	}
}

func idleRunners(n int) []*types.Runner {
	out := make([]*types.Runner, n)
	for i := range out {
		out[i] = &types.Runner{State: types.RunnerIdle}
	}
	return out
}

func busyRunners(n int) []*types.Runner {
	out := make([]*types.Runner, n)
	for i := range out {
		out[i] = &types.Runner{State: types.RunnerBusy}
	}
	return out
}

func TestEvaluateScalesUpOnQueuePressure(t *testing.T) {
	pools := newFakePools(2, idleRunners(1), 5)
	s := New(DefaultConfig(), pools, nil)

	d, err := s.Evaluate(PoolEntry{Key: testKey, Min: 1, Max: 10})
	require.NoError(t, err)
	require.Equal(t, "scale_up", d.Reason)
	require.Greater(t, d.Desired, d.Current)
	require.Len(t, pools.scaled, 1)
}

func TestEvaluateScalesUpOnHighUtilization(t *testing.T) {
	pools := newFakePools(2, busyRunners(2), 0)
	s := New(DefaultConfig(), pools, nil)

	d, err := s.Evaluate(PoolEntry{Key: testKey, Min: 1, Max: 10})
	require.NoError(t, err)
	require.Equal(t, "scale_up", d.Reason)
}

func TestEvaluateScalesDownWhenQuietAndCooldownElapsed(t *testing.T) {
	pools := newFakePools(3, idleRunners(3), 0)
	s := New(DefaultConfig(), pools, nil)

	d, err := s.Evaluate(PoolEntry{Key: testKey, Min: 1, Max: 10})
	require.NoError(t, err)
	require.Equal(t, "scale_down", d.Reason)
	require.Equal(t, 2, d.Desired)
}

func TestEvaluateRespectsUpCooldown(t *testing.T) {
	pools := newFakePools(2, idleRunners(1), 5)
	s := New(DefaultConfig(), pools, nil)

	_, err := s.Evaluate(PoolEntry{Key: testKey, Min: 1, Max: 10})
	require.NoError(t, err)
	require.Len(t, pools.scaled, 1)

	// Immediately re-evaluating should be blocked by CooldownUp.
	pools.pools[testKey].Desired = pools.scaled[0].desired
	_, err = s.Evaluate(PoolEntry{Key: testKey, Min: 1, Max: 10})
	require.NoError(t, err)
	require.Len(t, pools.scaled, 1, "second evaluation within cooldown must not scale again")
}

func TestEvaluateNeverDropsBelowBusyCount(t *testing.T) {
	runners := append(busyRunners(3), idleRunners(0)...)
	pools := newFakePools(3, runners, 0)
	cfg := DefaultConfig()
	cfg.DownThreshold = 1.1 // force util below threshold despite all-busy
	s := New(cfg, pools, nil)

	d, err := s.Evaluate(PoolEntry{Key: testKey, Min: 0, Max: 10})
	require.NoError(t, err)
	require.GreaterOrEqual(t, d.Desired, 3)
}

func TestEvaluateEnforcesMinMax(t *testing.T) {
	pools := newFakePools(1, idleRunners(1), 100)
	cfg := DefaultConfig()
	s := New(cfg, pools, nil)

	d, err := s.Evaluate(PoolEntry{Key: testKey, Min: 1, Max: 2})
	require.NoError(t, err)
	require.LessOrEqual(t, d.Desired, 2)
}

func TestForecastArrivalRateRequiresAtLeastTwoSamples(t *testing.T) {
	require.Zero(t, forecastArrivalRate(nil))
	require.Zero(t, forecastArrivalRate([]arrivalSample{{at: time.Now(), rate: 1}}))
}

func TestForecastArrivalRateProjectsUpwardTrend(t *testing.T) {
	base := time.Now()
	samples := []arrivalSample{
		{at: base, rate: 1},
		{at: base.Add(10 * time.Second), rate: 2},
		{at: base.Add(20 * time.Second), rate: 3},
	}
	f := forecastArrivalRate(samples)
	require.Greater(t, f, 3.0)
}

func TestRecordArrivalTrimsToForecastWindow(t *testing.T) {
	pools := newFakePools(1, nil, 0)
	cfg := DefaultConfig()
	cfg.ForecastWindow = 2
	s := New(cfg, pools, nil)

	now := time.Now()
	s.RecordArrival(testKey, 1, now)
	s.RecordArrival(testKey, 2, now.Add(time.Second))
	s.RecordArrival(testKey, 3, now.Add(2*time.Second))

	st := s.stateFor(testKey)
	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.arrivals, 2)
	require.Equal(t, float64(2), st.arrivals[0].rate)
}

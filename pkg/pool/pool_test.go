package pool

import (
	"sync"
	"testing"

	"github.com/forgebay/runnerd/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	pools   map[types.PoolKey]*types.Pool
	runners map[string]*types.Runner
}

func newFakeStore() *fakeStore {
	return &fakeStore{pools: map[types.PoolKey]*types.Pool{}, runners: map[string]*types.Runner{}}
}

func (s *fakeStore) SavePool(p *types.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pools[p.Key] = &cp
	return nil
}

func (s *fakeStore) GetPool(key types.PoolKey) (*types.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[key]
	if !ok {
		return nil, errNotFound{}
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) ListPools() ([]*types.Pool, error) { return nil, nil }

func (s *fakeStore) CreateRunner(r *types.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runners[r.RunnerID] = &cp
	return nil
}

func (s *fakeStore) GetRunner(id string) (*types.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return nil, errNotFound{}
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) ListRunnersByPool(key types.PoolKey) ([]*types.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Runner
	for _, r := range s.runners {
		if r.PoolKey == key {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateRunner(r *types.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runners[r.RunnerID] = &cp
	return nil
}

func (s *fakeStore) DeleteRunner(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runners, id)
	return nil
}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type fakeRuntime struct {
	mu      sync.Mutex
	created int
	removed int
}

func (r *fakeRuntime) CreateRunnerContainer(runner *types.Runner, profile types.ResourceProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
	runner.ContainerID = "container-" + runner.RunnerID
	return nil
}

func (r *fakeRuntime) RemoveRunnerContainer(runnerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed++
	return nil
}

func testKey() types.PoolKey { return types.PoolKey{Repository: "acme/web", Profile: "default"} }

func TestEnsureWarmsUpMinRunners(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	mgr := New(store, runtime)

	require.NoError(t, mgr.Ensure(testKey(), types.ResourceProfile{Name: "default"}, 2, 5, true))

	runners, err := store.ListRunnersByPool(testKey())
	require.NoError(t, err)
	require.Len(t, runners, 2)
	for _, r := range runners {
		require.Equal(t, types.RunnerIdle, r.State)
	}
}

func TestAcquireIsAtomicAndReturnsNilWhenNoneIdle(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	mgr := New(store, runtime)
	key := testKey()

	require.NoError(t, mgr.Ensure(key, types.ResourceProfile{}, 1, 3, true))

	job := &types.Job{JobID: "job-1"}
	runner, err := mgr.Acquire(key, job)
	require.NoError(t, err)
	require.NotNil(t, runner)
	require.Equal(t, types.RunnerAssigned, runner.State)

	// no more idle runners now
	runner2, err := mgr.Acquire(key, &types.Job{JobID: "job-2"})
	require.NoError(t, err)
	require.Nil(t, runner2)
	require.Equal(t, 1, mgr.Demand(key))
}

func TestMarkBusyTransitionsAssignedRunner(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	mgr := New(store, runtime)
	key := testKey()

	require.NoError(t, mgr.Ensure(key, types.ResourceProfile{}, 1, 3, true))
	runner, err := mgr.Acquire(key, &types.Job{JobID: "job-1"})
	require.NoError(t, err)
	require.NotNil(t, runner)

	require.NoError(t, mgr.MarkBusy(runner.RunnerID, "job-1"))

	got, err := store.GetRunner(runner.RunnerID)
	require.NoError(t, err)
	require.Equal(t, types.RunnerBusy, got.State)
	require.Equal(t, "job-1", got.CurrentJobID)
}

func TestReleaseEphemeralTerminatesRunner(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	mgr := New(store, runtime)
	key := testKey()

	require.NoError(t, mgr.Ensure(key, types.ResourceProfile{}, 1, 3, true))
	runner, err := mgr.Acquire(key, &types.Job{JobID: "job-1"})
	require.NoError(t, err)

	require.NoError(t, mgr.Release(runner.RunnerID, "completed"))

	got, err := store.GetRunner(runner.RunnerID)
	require.NoError(t, err)
	require.Equal(t, types.RunnerTerminated, got.State)
	require.Equal(t, 1, runtime.removed)
}

func TestReleaseNonEphemeralReturnsToIdle(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	mgr := New(store, runtime)
	key := testKey()

	require.NoError(t, mgr.Ensure(key, types.ResourceProfile{}, 1, 3, false))
	runner, err := mgr.Acquire(key, &types.Job{JobID: "job-1"})
	require.NoError(t, err)

	require.NoError(t, mgr.Release(runner.RunnerID, "completed"))

	got, err := store.GetRunner(runner.RunnerID)
	require.NoError(t, err)
	require.Equal(t, types.RunnerIdle, got.State)
}

func TestScaleUpEnforcesMaxAndScaleDownKeepsBusy(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	mgr := New(store, runtime)
	key := testKey()

	require.NoError(t, mgr.Ensure(key, types.ResourceProfile{}, 1, 3, false))

	require.NoError(t, mgr.Scale(key, 10, types.ResourceProfile{}))
	runners, err := store.ListRunnersByPool(key)
	require.NoError(t, err)
	require.Len(t, runners, 3) // clamped to max

	runner, err := mgr.Acquire(key, &types.Job{JobID: "job-1"})
	require.NoError(t, err)
	require.NotNil(t, runner)

	require.NoError(t, mgr.Scale(key, 0, types.ResourceProfile{}))
	runners, err = store.ListRunnersByPool(key)
	require.NoError(t, err)

	busy := 0
	for _, r := range runners {
		if r.State == types.RunnerAssigned {
			busy++
		}
	}
	require.Equal(t, 1, busy, "assigned runner must survive scale-down to zero")
}

func TestDrainTerminatesIdleRunners(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	mgr := New(store, runtime)
	key := testKey()

	require.NoError(t, mgr.Ensure(key, types.ResourceProfile{}, 2, 5, true))
	require.NoError(t, mgr.Drain(key))

	runners, err := store.ListRunnersByPool(key)
	require.NoError(t, err)
	for _, r := range runners {
		require.Equal(t, types.RunnerTerminated, r.State)
	}
}

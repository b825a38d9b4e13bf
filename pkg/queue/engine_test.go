package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgebay/runnerd/pkg/config"
	"github.com/forgebay/runnerd/pkg/events"
	"github.com/forgebay/runnerd/pkg/types"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory JobStore used to unit test the dispatch
// engine without a Raft group.
type fakeStore struct {
	mu        sync.Mutex
	jobs      map[string]*types.Job
	schedules map[string]*types.Schedule
	seq       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*types.Job{}, schedules: map[string]*types.Schedule{}}
}

func (f *fakeStore) Submit(job *types.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.JobID == "" {
		f.seq++
		job.JobID = "job-gen"
	}
	job.State = types.JobReceived
	cp := *job
	f.jobs[job.JobID] = &cp
	return nil
}

func (f *fakeStore) TransitionJob(jobID string, to types.JobState, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil
	}
	job.State = to
	return nil
}

func (f *fakeStore) UpdateJob(job *types.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.JobID] = &cp
	return nil
}

func (f *fakeStore) Get(jobID string) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, errNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeStore) Recover() ([]*types.Job, error) { return nil, nil }

func (f *fakeStore) Schedules() ([]*types.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Schedule
	for _, s := range f.schedules {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) UpsertSchedule(sched *types.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[sched.ID] = sched
	return nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func testQueueConfig() map[string]config.QueueConfig {
	return map[string]config.QueueConfig{
		"default": {
			ConcurrencyLimit: 2,
			RateLimit:        1000,
			DeadLetterName:   "default-dlq",
			Weight:           1,
			Retry: config.RetryConfig{
				BaseMS: 10, Factor: 2, CapMS: 100, JitterMin: 1, JitterMax: 1,
			},
		},
		"default-dlq": {ConcurrencyLimit: 100, RateLimit: 1000, Weight: 1},
	}
}

func TestEnqueueAndDispatch(t *testing.T) {
	store := newFakeStore()
	var dispatched []string
	var mu sync.Mutex

	engine := New(testQueueConfig(), store, func(ctx context.Context, job *types.Job) bool {
		mu.Lock()
		dispatched = append(dispatched, job.JobID)
		mu.Unlock()
		return true
	}, nil)

	job := &types.Job{JobID: "job-1", QueueName: "default", MaxAttempts: 3}
	require.NoError(t, store.Submit(job))
	require.NoError(t, engine.Enqueue(job))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dispatched) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchOrderingByPriorityThenEnqueuedAt(t *testing.T) {
	store := newFakeStore()
	q := &queueState{
		cfg:    config.QueueConfig{ConcurrencyLimit: 10, RateLimit: 1000},
		active: map[string]*activeEntry{},
	}

	now := time.Now()
	jobs := []*types.Job{
		{JobID: "c", Priority: 5, EnqueuedAt: now},
		{JobID: "a", Priority: 1, EnqueuedAt: now.Add(time.Second)},
		{JobID: "b", Priority: 1, EnqueuedAt: now},
	}
	for _, j := range jobs {
		pushWaiting(q, j)
	}

	var order []string
	for q.waiting.Len() > 0 {
		order = append(order, popWaiting(q).JobID)
	}
	require.Equal(t, []string{"b", "a", "c"}, order)
}

func TestFailRetryableReschedulesWithBackoff(t *testing.T) {
	store := newFakeStore()
	engine := New(testQueueConfig(), store, func(ctx context.Context, job *types.Job) bool { return true }, nil)

	job := &types.Job{JobID: "job-1", QueueName: "default", MaxAttempts: 3}
	require.NoError(t, store.Submit(job))

	require.NoError(t, engine.Fail(job, true, "container crashed"))

	got, err := store.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobScheduled, got.State)
	require.Equal(t, 1, got.Attempts)
}

func TestFailExhaustedAttemptsDeadLetters(t *testing.T) {
	store := newFakeStore()
	engine := New(testQueueConfig(), store, func(ctx context.Context, job *types.Job) bool { return true }, nil)

	job := &types.Job{JobID: "job-1", QueueName: "default", MaxAttempts: 1, Attempts: 1}
	require.NoError(t, store.Submit(job))

	require.NoError(t, engine.Fail(job, true, "still failing"))

	got, err := store.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobDeadLettered, got.State)
	require.Equal(t, "default-dlq", got.QueueName)
}

func TestFailNonRetryableDeadLettersImmediately(t *testing.T) {
	store := newFakeStore()
	engine := New(testQueueConfig(), store, func(ctx context.Context, job *types.Job) bool { return true }, nil)

	job := &types.Job{JobID: "job-1", QueueName: "default", MaxAttempts: 5}
	require.NoError(t, store.Submit(job))

	require.NoError(t, engine.Fail(job, false, "allow-list violation"))

	got, err := store.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobDeadLettered, got.State)
}

func TestFailDeadLetterPublishesAlert(t *testing.T) {
	store := newFakeStore()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	engine := New(testQueueConfig(), store, func(ctx context.Context, job *types.Job) bool { return true }, broker)

	job := &types.Job{JobID: "job-1", QueueName: "default", MaxAttempts: 1, Attempts: 1}
	require.NoError(t, store.Submit(job))
	require.NoError(t, engine.Fail(job, true, "still failing"))

	var alert *events.Event
	require.Eventually(t, func() bool {
		select {
		case ev := <-sub:
			if ev.Type == events.TypeAlertTriggered && ev.Metadata["kind"] == "job_dead_lettered" {
				alert = ev
				return true
			}
			return false
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	require.NotNil(t, alert)
	require.Equal(t, "job-1", alert.JobID)
}

func TestWeightedOrderRespectsWeights(t *testing.T) {
	store := newFakeStore()
	cfgs := map[string]config.QueueConfig{
		"heavy": {Weight: 3},
		"light": {Weight: 1},
	}
	engine := New(cfgs, store, func(ctx context.Context, job *types.Job) bool { return true }, nil)

	order := engine.weightedOrder()
	require.Len(t, order, 4)

	counts := map[string]int{}
	for _, name := range order {
		counts[name]++
	}
	require.Equal(t, 3, counts["heavy"])
	require.Equal(t, 1, counts["light"])
}

// pushWaiting/popWaiting exercise the heap without the engine's locking,
// for pure comparator tests.
func pushWaiting(q *queueState, job *types.Job) {
	q.waiting = append(q.waiting, &waitingItem{job: job})
	fixWaiting(q)
}

func fixWaiting(q *queueState) {
	// simple resort since this is test-only and the set is tiny
	for i := 0; i < len(q.waiting); i++ {
		for j := i + 1; j < len(q.waiting); j++ {
			if q.waiting.Less(j, i) {
				q.waiting.Swap(i, j)
			}
		}
	}
}

func popWaiting(q *queueState) *types.Job {
	item := q.waiting[0]
	q.waiting = q.waiting[1:]
	return item.job
}

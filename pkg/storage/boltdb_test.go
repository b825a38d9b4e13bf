package storage

import (
	"testing"
	"time"

	"github.com/forgebay/runnerd/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestJobCRUD(t *testing.T) {
	store := newTestStore(t)

	job := &types.Job{JobID: "job-1", State: types.JobReceived, QueueName: "default"}
	require.NoError(t, store.CreateJob(job))

	got, err := store.GetJob("job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobReceived, got.State)

	job.State = types.JobQueued
	require.NoError(t, store.UpdateJob(job))

	got, err = store.GetJob("job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobQueued, got.State)

	jobs, err := store.ListJobsByState(types.JobQueued)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, store.DeleteJob("job-1"))
	_, err = store.GetJob("job-1")
	require.Error(t, err)
}

func TestTransitionLogAppendsInOrder(t *testing.T) {
	store := newTestStore(t)
	now := time.Unix(1000, 0)

	require.NoError(t, store.AppendTransition("job-1", types.TransitionEntry{Timestamp: now, From: types.JobReceived, To: types.JobQueued}))
	require.NoError(t, store.AppendTransition("job-1", types.TransitionEntry{Timestamp: now.Add(time.Second), From: types.JobQueued, To: types.JobRouted}))

	entries, err := store.ListTransitions("job-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, types.JobRouted, entries[1].To)
}

func TestPoolCRUDByKey(t *testing.T) {
	store := newTestStore(t)
	key := types.PoolKey{Repository: "acme/web", Profile: "default"}

	require.NoError(t, store.SavePool(&types.Pool{Key: key, Min: 1, Max: 5, Desired: 2}))

	got, err := store.GetPool(key)
	require.NoError(t, err)
	require.Equal(t, 2, got.Desired)

	pools, err := store.ListPools()
	require.NoError(t, err)
	require.Len(t, pools, 1)

	require.NoError(t, store.DeletePool(key))
	_, err = store.GetPool(key)
	require.Error(t, err)
}

func TestRunnersByPoolFiltersCorrectly(t *testing.T) {
	store := newTestStore(t)
	keyA := types.PoolKey{Repository: "acme/web", Profile: "default"}
	keyB := types.PoolKey{Repository: "acme/api", Profile: "default"}

	require.NoError(t, store.CreateRunner(&types.Runner{RunnerID: "r1", PoolKey: keyA}))
	require.NoError(t, store.CreateRunner(&types.Runner{RunnerID: "r2", PoolKey: keyA}))
	require.NoError(t, store.CreateRunner(&types.Runner{RunnerID: "r3", PoolKey: keyB}))

	runners, err := store.ListRunnersByPool(keyA)
	require.NoError(t, err)
	require.Len(t, runners, 2)
}

func TestSeenDeliveryReturnsNilWhenAbsent(t *testing.T) {
	store := newTestStore(t)

	entry, err := store.SeenDelivery("delivery-1")
	require.NoError(t, err)
	require.Nil(t, entry)

	require.NoError(t, store.RecordDelivery(&types.IntakeDedupEntry{DeliveryID: "delivery-1", JobID: "job-1", ReceivedAt: time.Now()}))

	entry, err = store.SeenDelivery("delivery-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "job-1", entry.JobID)
}

func TestPruneDeliveriesBeforeRemovesStaleOnly(t *testing.T) {
	store := newTestStore(t)
	old := time.Unix(1000, 0)
	recent := time.Unix(5000, 0)

	require.NoError(t, store.RecordDelivery(&types.IntakeDedupEntry{DeliveryID: "old", ReceivedAt: old}))
	require.NoError(t, store.RecordDelivery(&types.IntakeDedupEntry{DeliveryID: "recent", ReceivedAt: recent}))

	removed, err := store.PruneDeliveriesBefore(time.Unix(3000, 0).UnixNano())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	entry, err := store.SeenDelivery("recent")
	require.NoError(t, err)
	require.NotNil(t, entry)

	entry, err = store.SeenDelivery("old")
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestArchiveJobAccumulates(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.ArchiveJob(&types.ArchivedJob{JobID: "job-1", FinalState: types.JobCompleted}))
	require.NoError(t, store.ArchiveJob(&types.ArchivedJob{JobID: "job-2", FinalState: types.JobFailed}))

	archived, err := store.ListArchivedJobs()
	require.NoError(t, err)
	require.Len(t, archived, 2)
}

package jobstore

import (
	"net"
	"testing"

	"github.com/forgebay/runnerd/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestJobStore(t *testing.T) *JobStore {
	t.Helper()
	js, err := New(Config{
		NodeID:   "test-node",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)

	// raft.NewTCPTransport requires a concrete port; let the OS assign
	// one up front so BindAddr and the resolved transport address match.
	js.bindAddr = freeLoopbackAddr(t)

	require.NoError(t, js.Bootstrap())
	t.Cleanup(func() { js.Shutdown() })
	return js
}

func TestSubmitAndGet(t *testing.T) {
	js := newTestJobStore(t)

	job := &types.Job{Repository: "acme/web", QueueName: "default"}
	require.NoError(t, js.Submit(job))
	require.NotEmpty(t, job.JobID)

	got, err := js.Get(job.JobID)
	require.NoError(t, err)
	require.Equal(t, types.JobReceived, got.State)
}

func TestTransitionJobRejectsIllegalEdge(t *testing.T) {
	js := newTestJobStore(t)

	job := &types.Job{Repository: "acme/web"}
	require.NoError(t, js.Submit(job))

	err := js.TransitionJob(job.JobID, types.JobRunning, "skip ahead")
	require.Error(t, err)

	require.NoError(t, js.TransitionJob(job.JobID, types.JobQueued, "enqueued"))
	got, err := js.Get(job.JobID)
	require.NoError(t, err)
	require.Equal(t, types.JobQueued, got.State)

	transitions, err := js.Transitions(job.JobID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, types.JobReceived, transitions[0].From)
}

func TestArchiveRequiresTerminalState(t *testing.T) {
	js := newTestJobStore(t)

	job := &types.Job{Repository: "acme/web"}
	require.NoError(t, js.Submit(job))

	require.Error(t, js.Archive(job.JobID))

	require.NoError(t, js.TransitionJob(job.JobID, types.JobQueued, "enqueued"))
	require.NoError(t, js.TransitionJob(job.JobID, types.JobRouted, "routed"))
	require.NoError(t, js.TransitionJob(job.JobID, types.JobAssigned, "assigned"))
	require.NoError(t, js.TransitionJob(job.JobID, types.JobRunning, "started"))
	require.NoError(t, js.TransitionJob(job.JobID, types.JobCompleted, "done"))

	require.NoError(t, js.Archive(job.JobID))

	_, err := js.Get(job.JobID)
	require.Error(t, err)
}

func TestRecoverReturnsNonTerminalJobs(t *testing.T) {
	js := newTestJobStore(t)

	active := &types.Job{Repository: "acme/web"}
	require.NoError(t, js.Submit(active))

	done := &types.Job{Repository: "acme/api"}
	require.NoError(t, js.Submit(done))
	require.NoError(t, js.TransitionJob(done.JobID, types.JobQueued, "x"))
	require.NoError(t, js.TransitionJob(done.JobID, types.JobCancelled, "x"))

	recovered, err := js.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.Equal(t, active.JobID, recovered[0].JobID)
}

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

package types

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobState
		to   JobState
		want bool
	}{
		{"received to queued", JobReceived, JobQueued, true},
		{"queued to routed", JobQueued, JobRouted, true},
		{"queued to scheduled", JobQueued, JobScheduled, true},
		{"scheduled to queued", JobScheduled, JobQueued, true},
		{"routed to assigned", JobRouted, JobAssigned, true},
		{"assigned to running", JobAssigned, JobRunning, true},
		{"running to completed", JobRunning, JobCompleted, true},
		{"running to failed", JobRunning, JobFailed, true},
		{"failed to scheduled (retry)", JobFailed, JobScheduled, true},
		{"failed to dead lettered", JobFailed, JobDeadLettered, true},
		{"running to cancelled", JobRunning, JobCancelled, true},
		{"queued to cancelled", JobQueued, JobCancelled, true},
		{"completed to cancelled rejected", JobCompleted, JobCancelled, false},
		{"received to running rejected", JobReceived, JobRunning, false},
		{"completed to queued rejected", JobCompleted, JobQueued, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestJobStateTerminal(t *testing.T) {
	terminal := []JobState{JobCompleted, JobFailed, JobDeadLettered, JobCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	nonTerminal := []JobState{JobReceived, JobQueued, JobScheduled, JobRouted, JobAssigned, JobRunning}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPoolKeyString(t *testing.T) {
	k := PoolKey{Repository: "acme/web", Profile: "default"}
	if got, want := k.String(), "acme/web|default"; got != want {
		t.Errorf("PoolKey.String() = %q, want %q", got, want)
	}
}

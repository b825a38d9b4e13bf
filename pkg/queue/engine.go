// Package queue implements the priority, delayed-retry, dead-lettering
// job dispatch engine of spec.md §4.3: the hardest component in the
// system. Its dispatcher loop shape is grounded on pkg/scheduler's
// ticker-driven Start/Stop/run loop, generalized from "place a
// container on a node" to "hand a job to an available runner".
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/forgebay/runnerd/pkg/config"
	"github.com/forgebay/runnerd/pkg/events"
	"github.com/forgebay/runnerd/pkg/log"
	"github.com/forgebay/runnerd/pkg/types"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobStore is the durable persistence surface the engine mutates
// through. Every enqueue, delay, retry and dead-letter first commits
// here before the in-memory indexes change, so a crash never loses a
// job (spec.md §4.3 Persistence).
type JobStore interface {
	Submit(job *types.Job) error
	TransitionJob(jobID string, to types.JobState, reason string) error
	UpdateJob(job *types.Job) error
	Get(jobID string) (*types.Job, error)
	Recover() ([]*types.Job, error)
	Schedules() ([]*types.Schedule, error)
	UpsertSchedule(sched *types.Schedule) error
}

// DispatchFunc hands a job to an available worker (the Runner Pool /
// Container Orchestrator pipeline). It must return promptly; the
// engine treats a slow dispatch as failed after the hand-off timeout.
type DispatchFunc func(ctx context.Context, job *types.Job) bool

type queueState struct {
	mu      sync.Mutex
	cfg     config.QueueConfig
	waiting waitingHeap
	delayed delayedHeap
	active  map[string]*activeEntry

	tokens       float64
	lastRefill   time.Time
}

type activeEntry struct {
	job          *types.Job
	dispatchedAt time.Time
}

// Engine owns every named queue plus the dead-letter and cron
// scheduling concerns layered on top of them.
type Engine struct {
	mu       sync.RWMutex
	queues   map[string]*queueState
	store    JobStore
	dispatch DispatchFunc
	broker   *events.Broker
	logger   zerolog.Logger

	handoffTimeout time.Duration
	tickInterval   time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	roundRobinCursor int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an Engine over the given per-queue configuration. store
// is the durable job record; dispatch hands ready jobs to a worker.
// broker publishes job_state_changed on every transition and
// alertTriggered on dead-letter (spec.md §6); it may be nil in tests.
func New(queueCfgs map[string]config.QueueConfig, store JobStore, dispatch DispatchFunc, broker *events.Broker) *Engine {
	queues := make(map[string]*queueState, len(queueCfgs))
	for name, cfg := range queueCfgs {
		queues[name] = &queueState{
			cfg:        cfg,
			active:     make(map[string]*activeEntry),
			tokens:     cfg.RateLimit,
			lastRefill: time.Now(),
		}
	}
	return &Engine{
		queues:         queues,
		store:          store,
		dispatch:       dispatch,
		broker:         broker,
		logger:         log.WithComponent("queue"),
		handoffTimeout: 5 * time.Second,
		tickInterval:   100 * time.Millisecond,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// transition durably records a job's state change and publishes it as
// a job_state_changed event (spec.md §6).
func (e *Engine) transition(jobID string, to types.JobState, reason string) error {
	if err := e.store.TransitionJob(jobID, to, reason); err != nil {
		return err
	}
	e.publishStateChange(jobID, to, reason)
	return nil
}

func (e *Engine) publishStateChange(jobID string, to types.JobState, reason string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		Type:     events.TypeJobStateChanged,
		JobID:    jobID,
		Message:  reason,
		Metadata: map[string]string{"to_state": string(to)},
	})
}

// Enqueue durably records job as Queued and places it in its queue's
// waiting collection.
func (e *Engine) Enqueue(job *types.Job) error {
	q, err := e.queueFor(job.QueueName)
	if err != nil {
		return err
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	if err := e.transition(job.JobID, types.JobQueued, "enqueued"); err != nil {
		return err
	}

	q.mu.Lock()
	heap.Push(&q.waiting, &waitingItem{job: job})
	q.mu.Unlock()
	return nil
}

// Recover rebuilds in-memory indexes from durable state after a
// restart: Received jobs are re-routed by the caller, Queued/Scheduled
// jobs go back into waiting/delayed, and Assigned/Running jobs with no
// live container are requeued with a recovery note (spec.md §4.10).
func (e *Engine) Recover() error {
	jobs, err := e.store.Recover()
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	for _, job := range jobs {
		switch job.State {
		case types.JobReceived:
			// left for the router to re-classify and enqueue.
			continue
		case types.JobQueued:
			if err := e.requeueWaiting(job); err != nil {
				e.logger.Error().Err(err).Str("job_id", job.JobID).Msg("recovery requeue failed")
			}
		case types.JobScheduled:
			if err := e.requeueDelayed(job); err != nil {
				e.logger.Error().Err(err).Str("job_id", job.JobID).Msg("recovery reschedule failed")
			}
		case types.JobRouted, types.JobAssigned, types.JobRunning:
			job.RecoveryNote = "recovered: no live container after restart"
			if err := e.transition(job.JobID, types.JobQueued, job.RecoveryNote); err != nil {
				e.logger.Error().Err(err).Str("job_id", job.JobID).Msg("recovery transition failed")
				continue
			}
			if err := e.requeueWaiting(job); err != nil {
				e.logger.Error().Err(err).Str("job_id", job.JobID).Msg("recovery requeue failed")
			}
		}
	}
	return nil
}

func (e *Engine) requeueWaiting(job *types.Job) error {
	q, err := e.queueFor(job.QueueName)
	if err != nil {
		return err
	}
	q.mu.Lock()
	heap.Push(&q.waiting, &waitingItem{job: job})
	q.mu.Unlock()
	return nil
}

func (e *Engine) requeueDelayed(job *types.Job) error {
	q, err := e.queueFor(job.QueueName)
	if err != nil {
		return err
	}
	delayUntil := time.Now()
	if job.DelayUntil != nil {
		delayUntil = *job.DelayUntil
	}
	q.mu.Lock()
	heap.Push(&q.delayed, &delayedItem{job: job, delayUntil: delayUntil})
	q.mu.Unlock()
	return nil
}

func (e *Engine) queueFor(name string) (*queueState, error) {
	e.mu.RLock()
	q, ok := e.queues[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown queue %q", name)
	}
	return q, nil
}

// WaitingCountForPool counts waiting jobs across every queue whose
// repository and resource profile match key, the "waiting_jobs_for_pool"
// term of the Auto-Scaler's pressure signal (spec.md §4.7).
func (e *Engine) WaitingCountForPool(key types.PoolKey) int {
	e.mu.RLock()
	queues := make([]*queueState, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.RUnlock()

	count := 0
	for _, q := range queues {
		q.mu.Lock()
		for _, item := range q.waiting {
			if item.job.Repository == key.Repository && item.job.ResourceProfile.Name == key.Profile {
				count++
			}
		}
		q.mu.Unlock()
	}
	return count
}

// Start launches the dispatch loop and the cron-schedule loop.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop halts the dispatch loop and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	cronTicker := time.NewTicker(time.Second)
	defer cronTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-cronTicker.C:
			e.emitDueSchedules()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick performs one dispatch cycle: promote due delayed jobs, then
// dispatch from each queue in weighted-round-robin order.
func (e *Engine) tick(ctx context.Context) {
	e.mu.RLock()
	order := e.weightedOrder()
	e.mu.RUnlock()

	now := time.Now()
	for _, name := range order {
		q, err := e.queueFor(name)
		if err != nil {
			continue
		}
		e.promoteDelayed(q, now)
		e.dispatchOne(ctx, name, q)
	}
}

// weightedOrder expands each queue name by its configured weight and
// rotates the cursor, giving a fair round-robin across queues without
// starving low-weight ones (spec.md §4.3 Concurrency and fairness).
func (e *Engine) weightedOrder() []string {
	var expanded []string
	for name, q := range e.queues {
		w := q.cfg.Weight
		if w < 1 {
			w = 1
		}
		for i := 0; i < w; i++ {
			expanded = append(expanded, name)
		}
	}
	if len(expanded) == 0 {
		return nil
	}
	e.roundRobinCursor = (e.roundRobinCursor + 1) % len(expanded)
	return append(expanded[e.roundRobinCursor:], expanded[:e.roundRobinCursor]...)
}

func (e *Engine) promoteDelayed(q *queueState, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.delayed.Len() > 0 {
		head := q.delayed[0]
		if head.delayUntil.After(now) {
			break
		}
		item := heap.Pop(&q.delayed).(*delayedItem)
		heap.Push(&q.waiting, &waitingItem{job: item.job})
	}
}

func (e *Engine) dispatchOne(ctx context.Context, queueName string, q *queueState) {
	q.mu.Lock()
	if len(q.active) >= q.cfg.ConcurrencyLimit || q.waiting.Len() == 0 {
		q.mu.Unlock()
		return
	}
	if !e.takeToken(q) {
		q.mu.Unlock()
		return
	}
	item := heap.Pop(&q.waiting).(*waitingItem)
	job := item.job
	q.active[job.JobID] = &activeEntry{job: job, dispatchedAt: time.Now()}
	q.mu.Unlock()

	if err := e.transition(job.JobID, types.JobRouted, "dispatched"); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to record dispatch")
		e.returnToWaiting(q, job)
		return
	}

	hoCtx, cancel := context.WithTimeout(ctx, e.handoffTimeout)
	defer cancel()

	accepted := e.dispatch(hoCtx, job)

	if !accepted {
		q.mu.Lock()
		delete(q.active, job.JobID)
		q.mu.Unlock()
		if err := e.transition(job.JobID, types.JobQueued, "hand-off timed out"); err != nil {
			e.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to revert dispatch")
		}
		e.returnToWaiting(q, job)
		e.logger.Warn().Str("job_id", job.JobID).Str("queue", queueName).Msg("dispatch hand-off timed out, returned to waiting")
	}
}

func (e *Engine) returnToWaiting(q *queueState, job *types.Job) {
	q.mu.Lock()
	heap.Push(&q.waiting, &waitingItem{job: job})
	q.mu.Unlock()
}

// takeToken enforces the queue's per-second rate budget with a simple
// token bucket, refilled proportionally to elapsed time. Called with
// q.mu held.
func (e *Engine) takeToken(q *queueState) bool {
	if q.cfg.RateLimit <= 0 {
		return true
	}
	now := time.Now()
	elapsed := now.Sub(q.lastRefill).Seconds()
	q.tokens += elapsed * q.cfg.RateLimit
	if q.tokens > q.cfg.RateLimit {
		q.tokens = q.cfg.RateLimit
	}
	q.lastRefill = now
	if q.tokens < 1 {
		return false
	}
	q.tokens--
	return true
}

// Complete marks an active job finished and removes it from the
// active set, making room for the next dispatch.
func (e *Engine) Complete(job *types.Job) error {
	q, err := e.queueFor(job.QueueName)
	if err != nil {
		return err
	}
	q.mu.Lock()
	delete(q.active, job.JobID)
	q.mu.Unlock()
	return e.transition(job.JobID, types.JobCompleted, "completed")
}

// Fail reports a worker-observed failure. If retryable and attempts
// remain, the job is scheduled for retry with jittered backoff;
// otherwise it is dead-lettered.
func (e *Engine) Fail(job *types.Job, retryable bool, reason string) error {
	q, err := e.queueFor(job.QueueName)
	if err != nil {
		return err
	}
	q.mu.Lock()
	delete(q.active, job.JobID)
	q.mu.Unlock()

	job.Attempts++
	job.LastFailureReason = reason
	job.LastRetryable = retryable

	if retryable && job.Attempts < job.MaxAttempts {
		e.rngMu.Lock()
		delay := backoff(q.cfg.Retry, job.Attempts, e.rng)
		e.rngMu.Unlock()

		delayUntil := time.Now().Add(delay)
		job.DelayUntil = &delayUntil

		if err := e.transition(job.JobID, types.JobFailed, reason); err != nil {
			return err
		}
		if err := e.transition(job.JobID, types.JobScheduled, "retry scheduled"); err != nil {
			return err
		}
		if err := e.store.UpdateJob(job); err != nil {
			return err
		}
		return e.requeueDelayed(job)
	}

	if err := e.transition(job.JobID, types.JobFailed, reason); err != nil {
		return err
	}
	job.QueueName = q.cfg.DeadLetterName
	if err := e.store.UpdateJob(job); err != nil {
		return err
	}
	if err := e.transition(job.JobID, types.JobDeadLettered, "retries exhausted or non-retryable"); err != nil {
		return err
	}
	e.publishDeadLettered(job, reason)
	return nil
}

// publishDeadLettered emits the single alertTriggered event spec.md's
// dead-letter scenario requires, distinct from the job_state_changed
// event transition() already published for the DeadLettered move.
func (e *Engine) publishDeadLettered(job *types.Job, reason string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		Type:    events.TypeAlertTriggered,
		JobID:   job.JobID,
		Message: reason,
		Metadata: map[string]string{
			"kind":       "job_dead_lettered",
			"queue_name": job.QueueName,
			"attempts":   fmt.Sprintf("%d", job.Attempts),
		},
	})
}

// Cancel transitions any non-terminal job to Cancelled and drops it
// from its queue's in-memory indexes.
func (e *Engine) Cancel(jobID string) error {
	job, err := e.store.Get(jobID)
	if err != nil {
		return err
	}
	q, err := e.queueFor(job.QueueName)
	if err == nil {
		q.mu.Lock()
		delete(q.active, jobID)
		q.mu.Unlock()
	}
	return e.transition(jobID, types.JobCancelled, "cancelled")
}

// emitDueSchedules checks every registered cron schedule and emits a
// concrete Job for each elapsed boundary, using (schedule id, boundary
// timestamp) as an idempotency key so a restart never double-emits.
func (e *Engine) emitDueSchedules() {
	schedules, err := e.store.Schedules()
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list schedules")
		return
	}

	for _, sched := range schedules {
		spec, err := cron.ParseStandard(sched.CronExpression)
		if err != nil {
			e.logger.Error().Err(err).Str("schedule_id", sched.ID).Msg("invalid cron expression")
			continue
		}
		next := spec.Next(sched.LastBoundary)
		if next.After(time.Now()) {
			continue
		}

		job := sched.TemplateJob
		job.JobID = fmt.Sprintf("%s-%d", sched.ID, next.Unix())
		job.DeliveryID = job.JobID
		job.State = types.JobReceived
		job.EnqueuedAt = time.Now()
		job.CreatedAt = time.Now()

		if _, err := e.store.Get(job.JobID); err == nil {
			sched.LastBoundary = next
			_ = e.store.UpsertSchedule(sched)
			continue // already emitted this boundary
		}

		if err := e.store.Submit(&job); err != nil {
			e.logger.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to submit scheduled job")
			continue
		}
		if err := e.Enqueue(&job); err != nil {
			e.logger.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to enqueue scheduled job")
			continue
		}

		e.logger.Info().Str("schedule_id", sched.ID).Time("boundary", next).Msg("emitted scheduled job")
		sched.LastBoundary = next
		if err := e.store.UpsertSchedule(sched); err != nil {
			e.logger.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to advance schedule boundary")
		}
	}
}

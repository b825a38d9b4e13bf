// Package control is the Orchestrator Control Loop of spec.md §4.10
// (C10): it assembles every other component, brings them up in
// dependency order, recovers in-flight work left over from a crash,
// aggregates health, and tears everything back down within a bounded
// deadline. Grounded on pkg/manager/manager.go's NewManager component
// assembly and pkg/api/server.go's gRPC server construction, with the
// teacher's mTLS CA chain replaced by a single optional self-signed
// cert (no certificate rotation is needed for one local health
// listener).
package control

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/forgebay/runnerd/pkg/config"
	"github.com/forgebay/runnerd/pkg/events"
	"github.com/forgebay/runnerd/pkg/intake"
	"github.com/forgebay/runnerd/pkg/jobstore"
	"github.com/forgebay/runnerd/pkg/log"
	"github.com/forgebay/runnerd/pkg/metrics"
	"github.com/forgebay/runnerd/pkg/pool"
	"github.com/forgebay/runnerd/pkg/queue"
	"github.com/forgebay/runnerd/pkg/reaper"
	"github.com/forgebay/runnerd/pkg/router"
	"github.com/forgebay/runnerd/pkg/runtime"
	"github.com/forgebay/runnerd/pkg/scaler"
	"github.com/forgebay/runnerd/pkg/scanner"
	"github.com/forgebay/runnerd/pkg/storage"
	"github.com/forgebay/runnerd/pkg/types"
	"github.com/forgebay/runnerd/pkg/volume"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Config is the full set of knobs Control needs to assemble the
// orchestrator. It is built from pkg/config.Config plus the socket and
// workspace paths that have no YAML-level equivalent in the teacher.
type Config struct {
	Jobstore      jobstore.Config
	Intake        config.IntakeConfig
	Queues        map[string]config.QueueConfig
	Router        config.RouterConfig
	Container     config.ContainerConfig
	Cleanup       config.CleanupConfig
	Scanner       config.ScannerConfig
	Scaler        config.ScalerConfig
	Control       config.ControlConfig
	ContainerdSocket string
	AllowList     runtime.AllowList
	WorkspaceRoot string
	StopGrace     time.Duration

	// StateDir holds pool/runner/container/intake-dedup/archive state,
	// which spec.md §5 does not require Raft consensus for (only the
	// job record does) - a plain BoltDB file separate from the job
	// store's own data directory.
	StateDir string
}

// Control owns every component's lifecycle and the recovery logic that
// runs between Bootstrap and Start.
type Control struct {
	cfg    Config
	logger zerolog.Logger

	store    *storage.BoltStore
	jobs     *jobstore.JobStore
	engine   *queue.Engine
	rt       *runtime.Runtime
	orch     *runtime.Orchestrator
	monitor  *runtime.Monitor
	pools    *pool.Manager
	scan     *scanner.Scanner
	scale    *scaler.Scaler
	reap     *reaper.Reaper
	webhook  *intake.Handler
	broker   *events.Broker
	router   *router.Router

	healthSrv *health.Server
	grpcSrv   *grpc.Server
	httpSrv   *http.Server

	mu      sync.RWMutex
	tracked map[types.PoolKey]scaler.PoolEntry

	scannedMu sync.Mutex
	scanned   map[string]bool

	// activeJobs indexes dispatched, not-yet-terminal jobs by
	// container_id so a containerd task event can be matched back to
	// the job it belongs to (spec.md §2's runner-container -> C9/C2
	// closing data flow).
	activeMu   sync.Mutex
	activeJobs map[string]*types.Job

	stopCh chan struct{}
}

// logSink forwards a scanner's redacted lines to the component logger
// rather than persisting raw container output anywhere (spec.md §4.9:
// matched bytes never reach storage or the event bus - only the
// redacted line does, and only as a debug trace here).
type logSink struct {
	logger zerolog.Logger
}

func (s logSink) Write(containerID string, redacted string) {
	s.logger.Debug().Str("container_id", containerID).Str("line", redacted).Msg("container output")
}

// New assembles every component without starting anything. Call
// Bootstrap once (first boot or after a data-dir wipe) and then Start.
func New(cfg Config) (*Control, error) {
	if cfg.Control.ShutdownTimeout <= 0 {
		cfg.Control.ShutdownTimeout = 30 * time.Second
	}

	js, err := jobstore.New(cfg.Jobstore)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	broker := events.NewBroker()

	rt, err := runtime.New(cfg.ContainerdSocket, cfg.AllowList)
	if err != nil {
		return nil, fmt.Errorf("connect container runtime: %w", err)
	}
	workspace, err := volume.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("prepare workspace root: %w", err)
	}
	orch := runtime.NewOrchestrator(rt, workspace, cfg.StopGrace)
	monitor := runtime.NewMonitor(alertConfigFrom(cfg.Container), rt, broker, func() []string {
		ids, err := rt.List(context.Background())
		if err != nil {
			return nil
		}
		return ids
	})

	poolMgr := pool.New(store, orch)

	routerCfg, err := routerConfigFrom(cfg.Router)
	if err != nil {
		return nil, fmt.Errorf("build router config: %w", err)
	}
	rtr := router.New(routerCfg)

	c := &Control{
		cfg:        cfg,
		logger:     log.WithComponent("control"),
		store:      store,
		jobs:       js,
		rt:         rt,
		orch:       orch,
		monitor:    monitor,
		pools:      poolMgr,
		router:     rtr,
		broker:     broker,
		tracked:    make(map[types.PoolKey]scaler.PoolEntry),
		scanned:    make(map[string]bool),
		activeJobs: make(map[string]*types.Job),
		stopCh:     make(chan struct{}),
	}

	c.engine = queue.New(cfg.Queues, js, c.dispatch, broker)

	scn := scanner.New(builtinPatternsFor(cfg.Scanner), broker)
	c.scan = scn

	scl := scaler.New(scalerConfigFrom(cfg.Scaler), &poolSourceAdapter{engine: c.engine, pools: poolMgr}, c.trackedPools)
	c.scale = scl

	rp := reaper.New(reaperConfigFrom(cfg.Cleanup), store, js, monitor, &poolDrainerAdapter{store: store, pools: poolMgr}, rt)
	c.reap = rp

	c.webhook = intake.New(cfg.Intake.SignatureSecret, cfg.Intake.DedupTTL, store, rtr, &enqueuer{jobs: js, engine: c.engine}, broker)

	c.healthSrv = health.NewServer()

	return c, nil
}

// enqueuer adapts JobStore.Submit + Engine.Enqueue to intake.Enqueuer.
type enqueuer struct {
	jobs   *jobstore.JobStore
	engine *queue.Engine
}

func (e *enqueuer) Submit(job *types.Job) error  { return e.jobs.Submit(job) }
func (e *enqueuer) Enqueue(job *types.Job) error { return e.engine.Enqueue(job) }

// poolSourceAdapter satisfies scaler.PoolSource by pairing the queue
// engine's pressure signal with the pool manager's sizing surface.
type poolSourceAdapter struct {
	engine *queue.Engine
	pools  *pool.Manager
}

func (a *poolSourceAdapter) WaitingCountForPool(key types.PoolKey) int {
	return a.engine.WaitingCountForPool(key)
}

func (a *poolSourceAdapter) Snapshot(key types.PoolKey) (*types.Pool, []*types.Runner, error) {
	return a.pools.Snapshot(key)
}

func (a *poolSourceAdapter) Scale(key types.PoolKey, desired int, profile types.ResourceProfile) error {
	return a.pools.Scale(key, desired, profile)
}

// poolDrainerAdapter satisfies reaper.PoolDrainer: the pool manager
// owns Drain, but pool listing comes off the durable store since the
// manager only tracks pools it has been asked to Ensure this process
// lifetime.
type poolDrainerAdapter struct {
	store *storage.BoltStore
	pools *pool.Manager
}

func (a *poolDrainerAdapter) ListPools() ([]*types.Pool, error) {
	return a.store.ListPools()
}

func (a *poolDrainerAdapter) Drain(key types.PoolKey) error {
	return a.pools.Drain(key)
}

func (c *Control) trackedPools() []scaler.PoolEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]scaler.PoolEntry, 0, len(c.tracked))
	for _, e := range c.tracked {
		out = append(out, e)
	}
	return out
}

// TrackPool registers key for auto-scaling and ensures its pool exists
// with the given sizing. Called once per (repository, profile) the
// router is configured to route to.
func (c *Control) TrackPool(key types.PoolKey, profile types.ResourceProfile, min, max int, ephemeral bool) error {
	if err := c.pools.Ensure(key, profile, min, max, ephemeral); err != nil {
		return err
	}
	c.mu.Lock()
	c.tracked[key] = scaler.PoolEntry{Key: key, Profile: profile, Min: min, Max: max}
	c.mu.Unlock()
	return nil
}

// dispatch is the Queue Engine's DispatchFunc: it acquires a runner
// from the job's pool, hands the job to its already-running container,
// and registers the job so a later container exit event drives it to
// a terminal state. Returning false puts the job back to waiting for
// the next tick.
func (c *Control) dispatch(ctx context.Context, job *types.Job) bool {
	key := types.PoolKey{Repository: job.Repository, Profile: job.ResourceProfile.Name}
	runner, err := c.pools.Acquire(key, job)
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("pool acquire failed")
		return false
	}
	if runner == nil {
		return false
	}
	job.RunnerID = runner.RunnerID
	job.ContainerID = runner.ContainerID

	if err := c.jobs.TransitionJob(job.JobID, types.JobAssigned, "runner acquired"); err != nil {
		c.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to record assignment")
		if rerr := c.pools.Release(runner.RunnerID, "assignment failed"); rerr != nil {
			c.logger.Error().Err(rerr).Str("runner_id", runner.RunnerID).Msg("failed to release runner after failed assignment")
		}
		return false
	}
	c.publishJobState(job.JobID, types.JobAssigned, "runner acquired")

	if err := c.pools.MarkBusy(runner.RunnerID, job.JobID); err != nil {
		c.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to mark runner busy")
	}

	if err := c.jobs.TransitionJob(job.JobID, types.JobRunning, "runner container already serving the job"); err != nil {
		c.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to record running state")
		return false
	}
	c.publishJobState(job.JobID, types.JobRunning, "runner container already serving the job")

	c.trackActiveJob(job)
	return true
}

// publishJobState emits the job_state_changed event for a transition
// control.go itself drives directly against the job store, mirroring
// what queue.Engine publishes for the transitions it owns.
func (c *Control) publishJobState(jobID string, to types.JobState, reason string) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{
		Type:     events.TypeJobStateChanged,
		JobID:    jobID,
		Message:  reason,
		Metadata: map[string]string{"to_state": string(to)},
	})
}

func (c *Control) trackActiveJob(job *types.Job) {
	c.activeMu.Lock()
	c.activeJobs[job.ContainerID] = job
	c.activeMu.Unlock()
}

func (c *Control) untrackActiveJob(containerID string) (*types.Job, bool) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	job, ok := c.activeJobs[containerID]
	if ok {
		delete(c.activeJobs, containerID)
	}
	return job, ok
}

// consumeContainerEvents subscribes to the Container Orchestrator's
// task event stream and drives every dispatched job to a terminal
// state as its container exits, closing the Routed->Assigned->Running
// hand-off spec.md §2 describes ("runner container -> C9/C2 updates").
func (c *Control) consumeContainerEvents(ctx context.Context) {
	ch, err := c.rt.Events(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("subscribe to container events failed")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.handleContainerEvent(ev)
		}
	}
}

// handleContainerEvent maps a containerd task event back to the job
// whose runner container it belongs to and resolves that job to a
// terminal state. Events for containers with no tracked job (idle
// pool warm-up, already-finished jobs) are ignored.
func (c *Control) handleContainerEvent(ev types.EngineEvent) {
	switch ev.Kind {
	case types.EngineEventStart:
		return
	case types.EngineEventOOM:
		job, ok := c.untrackActiveJob(ev.ContainerID)
		if !ok {
			return
		}
		c.broker.Publish(&events.Event{
			Type:        events.TypeContainerDied,
			ContainerID: ev.ContainerID,
			JobID:       job.JobID,
			Message:     "container_oom",
		})
		// OOM is infrastructure pressure, not a job failure, so it is
		// worth retrying on a freshly scaled-up runner.
		c.finishJob(job, false, true, "container_oom")
	case types.EngineEventDie:
		job, ok := c.untrackActiveJob(ev.ContainerID)
		if !ok {
			return
		}
		reason := fmt.Sprintf("container exited with code %d", ev.ExitCode)
		c.broker.Publish(&events.Event{
			Type:        events.TypeContainerDied,
			ContainerID: ev.ContainerID,
			JobID:       job.JobID,
			Message:     reason,
		})
		c.finishJob(job, false, false, reason)
	case types.EngineEventStop:
		job, ok := c.untrackActiveJob(ev.ContainerID)
		if !ok {
			return
		}
		c.finishJob(job, true, false, "")
	}
}

// finishJob resolves a dispatched job to Completed or Failed and
// returns its runner to the pool. The runner is always released
// before the caller sees an error, so a finalize failure never leaks
// the runner as permanently Busy.
func (c *Control) finishJob(job *types.Job, success, retryable bool, reason string) {
	var err error
	if success {
		err = c.engine.Complete(job)
	} else {
		err = c.engine.Fail(job, retryable, reason)
	}
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to finalize job state")
	}

	if err := c.pools.Release(job.RunnerID, reason); err != nil {
		c.logger.Error().Err(err).Str("runner_id", job.RunnerID).Msg("failed to release runner")
	}
}

// attachScannerLoop periodically discovers running containers and
// starts a Secret Scanner consumer on any one that doesn't already
// have a live log subscription, the way pkg/reconciler polls cluster
// state rather than reacting to a push per container.
func (c *Control) attachScannerLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			ids, err := c.rt.List(ctx)
			if err != nil {
				continue
			}
			for _, id := range ids {
				c.attachScannerTo(ctx, id)
			}
		}
	}
}

func (c *Control) attachScannerTo(ctx context.Context, containerID string) {
	c.scannedMu.Lock()
	if c.scanned[containerID] {
		c.scannedMu.Unlock()
		return
	}
	c.scanned[containerID] = true
	c.scannedMu.Unlock()

	ch, cancel, err := c.rt.Logs(ctx, containerID, runtime.LogOptions{Follow: true})
	if err != nil {
		c.scannedMu.Lock()
		delete(c.scanned, containerID)
		c.scannedMu.Unlock()
		return
	}
	go func() {
		defer cancel()
		c.scan.Consume(containerID, "", ch, logSink{logger: c.logger})
		c.scannedMu.Lock()
		delete(c.scanned, containerID)
		c.scannedMu.Unlock()
	}()
}

// routerConfigFrom compiles the YAML-friendly rule patterns in a
// config.RouterConfig into a router.Config, the one place a regexp
// gets built from operator-supplied text.
func routerConfigFrom(cfg config.RouterConfig) (router.Config, error) {
	caps := make([]router.CapabilityRule, 0, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		caps = append(caps, router.CapabilityRule{
			Label:   c.Label,
			Profile: profileFrom(c.Profile),
			Queue:   c.Queue,
		})
	}

	repoRules := make([]router.RepoRule, 0, len(cfg.RepoRules))
	for _, r := range cfg.RepoRules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return router.Config{}, fmt.Errorf("compile repo rule pattern %q: %w", r.Pattern, err)
		}
		repoRules = append(repoRules, router.RepoRule{
			Pattern: re,
			Profile: profileFrom(r.Profile),
			Queue:   r.Queue,
		})
	}

	tiers := make(map[string]router.RepoTier, len(cfg.RepoTiers))
	for repo, tier := range cfg.RepoTiers {
		tiers[repo] = router.RepoTier(tier)
	}

	return router.Config{
		Capabilities:   caps,
		RepoRules:      repoRules,
		DefaultProfile: profileFrom(cfg.DefaultProfile),
		DefaultQueue:   cfg.DefaultQueue,
		RepoTiers:      tiers,
	}, nil
}

func profileFrom(spec config.ResourceProfileSpec) types.ResourceProfile {
	return types.ResourceProfile{
		Name:        spec.Name,
		CPUShares:   spec.CPUShares,
		MemoryBytes: spec.MemoryBytes,
		GPUCount:    spec.GPUCount,
		Image:       spec.Image,
	}
}

func alertConfigFrom(cfg config.ContainerConfig) runtime.AlertConfig {
	a := runtime.DefaultAlertConfig()
	if cfg.MonitoringInterval > 0 {
		a.Interval = cfg.MonitoringInterval
	}
	if cfg.AlertCPU > 0 {
		a.CPUThreshold = cfg.AlertCPU
	}
	if cfg.AlertMemory > 0 {
		a.MemoryThreshold = cfg.AlertMemory
	}
	if cfg.AlertResponse > 0 {
		a.ResponseMSThreshold = cfg.AlertResponse.Milliseconds()
	}
	return a
}

func scalerConfigFrom(cfg config.ScalerConfig) scaler.Config {
	d := scaler.DefaultConfig()
	if cfg.UpThreshold > 0 {
		d.UpThreshold = cfg.UpThreshold
	}
	if cfg.DownThreshold > 0 {
		d.DownThreshold = cfg.DownThreshold
	}
	if cfg.TargetPressure > 0 {
		d.TargetPressure = cfg.TargetPressure
	}
	if cfg.CooldownUp > 0 {
		d.CooldownUp = cfg.CooldownUp
	}
	if cfg.CooldownDown > 0 {
		d.CooldownDown = cfg.CooldownDown
	}
	if cfg.EvaluateEvery > 0 {
		d.EvaluateEvery = cfg.EvaluateEvery
	}
	return d
}

func reaperConfigFrom(cfg config.CleanupConfig) reaper.Config {
	return reaper.Config{
		ContainerTTL:     cfg.ContainerTTL,
		JobRetention:     cfg.JobRetention,
		MetricsRetention: cfg.MetricsRetention,
		PoolIdleTTL:      cfg.PoolIdleTTL,
		Interval:         cfg.Interval,
	}
}

func builtinPatternsFor(cfg config.ScannerConfig) []scanner.Pattern {
	if len(cfg.Patterns) == 0 {
		return scanner.BuiltinPatterns()
	}
	wanted := make(map[string]bool, len(cfg.Patterns))
	for _, name := range cfg.Patterns {
		wanted[name] = true
	}
	var out []scanner.Pattern
	for _, p := range scanner.BuiltinPatterns() {
		if wanted[p.Kind] {
			out = append(out, p)
		}
	}
	return out
}

// Bootstrap starts the single-node Raft group backing the job store.
// Call once on first boot of a fresh data directory; safe to call
// again on an existing one (BootstrapCluster no-ops on a non-empty
// log).
func (c *Control) Bootstrap() error {
	return c.jobs.Bootstrap()
}

// Start brings every component up in the order spec.md §4.10 fixes
// (Job Store, Queue Engine, Router, Container Orchestrator, Runner
// Pool Manager, Secret Scanner, Auto-Scaler, Cleanup Reaper, Webhook
// Intake), replays startup recovery, and serves health/ready/metrics.
func (c *Control) Start(ctx context.Context) error {
	if err := c.recover(); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	c.broker.Start()
	c.monitor.Start(ctx)
	c.engine.Start(ctx)
	c.scale.Start()
	c.reap.Start(ctx)

	go c.attachScannerLoop(ctx)
	go c.consumeContainerEvents(ctx)

	mux := http.NewServeMux()
	mux.Handle("/webhook", c.webhook)
	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/ready", c.handleReady)
	mux.Handle("/metrics", metrics.Handler())

	go c.reportHealthLoop(ctx)

	c.httpSrv = &http.Server{
		Addr:         c.cfg.Control.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcAddr := grpcHealthAddr(c.cfg.Control.HealthAddr)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen grpc health on %s: %w", grpcAddr, err)
	}
	c.grpcSrv, err = c.newGRPCServer()
	if err != nil {
		return fmt.Errorf("build grpc health server: %w", err)
	}
	healthpb.RegisterHealthServer(c.grpcSrv, c.healthSrv)
	c.healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := c.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error().Err(err).Msg("health http server exited")
		}
	}()
	go func() {
		if err := c.grpcSrv.Serve(lis); err != nil {
			c.logger.Error().Err(err).Msg("grpc health server exited")
		}
	}()

	c.logger.Info().Msg("orchestrator control loop started")
	return nil
}

// newGRPCServer builds a grpc.Server, optionally TLS over a single
// cert pair configured for the health endpoint. No CA or rotation: one
// process-lifetime self-signed (or operator-supplied) cert.
func (c *Control) newGRPCServer() (*grpc.Server, error) {
	if c.cfg.Control.TLSCertFile == "" || c.cfg.Control.TLSKeyFile == "" {
		return grpc.NewServer(), nil
	}
	cert, err := tls.LoadX509KeyPair(c.cfg.Control.TLSCertFile, c.cfg.Control.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load health tls cert: %w", err)
	}
	creds := credentials.NewTLS(&tls.Config{Certificates: []tls.Certificate{cert}})
	return grpc.NewServer(grpc.Creds(creds)), nil
}

// recover replays the startup recovery logic spec.md §4.10 requires:
// the Queue Engine classifies and requeues everything it already
// tracks (Queued/Scheduled/Assigned/Running), but a Job that was only
// ever Received never reached the engine, so Control re-routes those
// directly.
func (c *Control) recover() error {
	if err := c.engine.Recover(); err != nil {
		return fmt.Errorf("recover queue engine: %w", err)
	}

	received, err := c.jobs.ListByStates(types.JobReceived)
	if err != nil {
		return fmt.Errorf("list received jobs: %w", err)
	}
	for _, job := range received {
		decision := c.router.Route(job)
		job.ResourceProfile = decision.ResourceProfile
		job.Priority = decision.Priority
		job.QueueName = decision.QueueName
		if err := c.jobs.UpdateJob(job); err != nil {
			c.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to persist routed job during recovery")
			continue
		}
		if err := c.engine.Enqueue(job); err != nil {
			c.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to re-enqueue received job during recovery")
		}
	}
	return nil
}

// handleHealth is a liveness probe: reports healthy as long as the
// process is up and the job store's Raft group has a leader.
func (c *Control) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !c.jobs.IsLeader() {
		http.Error(w, "no raft leader", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady aggregates every component's self-reported health the
// way spec.md §4.10 defines readiness: every wired component healthy.
func (c *Control) handleReady(w http.ResponseWriter, r *http.Request) {
	failing := c.unhealthyComponents()
	if len(failing) > 0 {
		http.Error(w, fmt.Sprintf("not ready: %v", failing), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// reportHealthLoop mirrors each component's live status into the
// shared metrics registry every 10s so /ready and grpc_health_v1
// reflect a component that went unhealthy between requests, not just
// at the moment a probe happens to fire.
func (c *Control) reportHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			leader := c.jobs.IsLeader()
			metrics.UpdateComponent("jobstore", leader, "")

			_, rtErr := c.rt.List(ctx)
			metrics.UpdateComponent("runtime", rtErr == nil, errString(rtErr))

			metrics.UpdateComponent("queue", true, "")

			status := healthpb.HealthCheckResponse_SERVING
			if !leader || rtErr != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			c.healthSrv.SetServingStatus("", status)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (c *Control) unhealthyComponents() []string {
	var failing []string
	if !c.jobs.IsLeader() {
		failing = append(failing, "jobstore")
	}
	if _, err := c.rt.List(context.Background()); err != nil {
		failing = append(failing, "runtime")
	}
	for name, reported := range metrics.GetHealth().Components {
		if reported != "healthy" && !contains(failing, name) {
			failing = append(failing, name)
		}
	}
	return failing
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func grpcHealthAddr(healthAddr string) string {
	host, port, err := net.SplitHostPort(healthAddr)
	if err != nil {
		return healthAddr
	}
	p := 0
	_, _ = fmt.Sscanf(port, "%d", &p)
	return fmt.Sprintf("%s:%d", host, p+1)
}

// Shutdown stops every component in the reverse of Start's order,
// within cfg.Control.ShutdownTimeout; components still running past
// the deadline are force-stopped rather than leaving Shutdown hang
// indefinitely.
func (c *Control) Shutdown(ctx context.Context) error {
	deadline := c.cfg.Control.ShutdownTimeout
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	close(c.stopCh)

	done := make(chan struct{})
	go func() {
		if c.grpcSrv != nil {
			c.grpcSrv.GracefulStop()
		}
		if c.httpSrv != nil {
			_ = c.httpSrv.Shutdown(ctx)
		}
		c.reap.Stop()
		c.scale.Stop()
		c.engine.Stop()
		c.monitor.Stop()
		c.broker.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn().Msg("shutdown deadline exceeded, forcing stop")
		if c.grpcSrv != nil {
			c.grpcSrv.Stop()
		}
	}

	if err := c.jobs.Shutdown(); err != nil {
		return fmt.Errorf("shutdown job store: %w", err)
	}
	return c.rt.Close()
}

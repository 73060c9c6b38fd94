// Package orchestrator is the scheduler: it owns every service's
// Runner, drives dependency-gated startup, runs the per-service
// monitor loops, and applies cascade-failure and emergency-stop
// semantics on top of the static dependency graph.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/zero-robotics/krill/internal/dag"
	"github.com/zero-robotics/krill/internal/execspec"
	"github.com/zero-robotics/krill/internal/health"
	"github.com/zero-robotics/krill/internal/manifest"
	"github.com/zero-robotics/krill/internal/runner"
)

// ErrShuttingDown is returned by a dependency-gated startup task when
// the orchestrator's shutdown flag flips while it is still waiting.
var ErrShuttingDown = fmt.Errorf("orchestrator is shutting down")

// ErrExecutorUnsupported mirrors execspec.ErrExecutorUnsupported at the
// orchestrator boundary, surfaced when New refuses a container service
// outright at construction time.
var ErrExecutorUnsupported = execspec.ErrExecutorUnsupported

const dependencyPollInterval = 100 * time.Millisecond
const monitorTick = 1 * time.Second

// EventSink receives the orchestrator's broadcastable events. The
// Control Server implements this to fan status updates and log lines
// out to connected clients; tests can use a stub.
type EventSink interface {
	StatusUpdate(service string, status runner.Status)
	LogLine(service, line string)
}

// Snapshot is the wire-facing view of one service's live state.
type Snapshot struct {
	Status        runner.Status
	PID           int
	Uptime        time.Duration
	RestartCount  uint32
	LastError     string
	Namespace     string
	ExecutorType  manifest.ExecuteKind
	Dependencies  []string
	UsesGPU       bool
	Critical      bool
	RestartPolicy manifest.RestartKind
	MaxRestarts   uint32
}

type serviceEntry struct {
	mu      sync.Mutex // serializes start/stop/restart for this one service
	runner  *runner.Runner
	spec    *manifest.ServiceSpec
	healthM *health.Monitor // nil when the service declares no health_check
}

// Orchestrator is the scheduler over one loaded workspace.
type Orchestrator struct {
	workspace *manifest.Workspace
	graph     *dag.DAG
	log       *slog.Logger

	mu       sync.RWMutex
	sink     EventSink
	entries  map[string]*serviceEntry
	shutdown atomic

	gpuCheck func(spec *manifest.ServiceSpec) error
}

// SetSink replaces the event sink. It exists for composition roots
// where the sink (e.g. the control server) itself depends on the
// orchestrator as a Backend and so cannot be built before it — callers
// construct the orchestrator with a nil sink, build the sink, then
// call SetSink before StartAll.
func (o *Orchestrator) SetSink(sink EventSink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sink = sink
}

func (o *Orchestrator) getSink() EventSink {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sink
}

// atomic is a tiny bool flag safe for concurrent reads while one
// writer flips it once at shutdown.
type atomic struct {
	mu sync.RWMutex
	v  bool
}

func (a *atomic) set(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v = v
}

func (a *atomic) get() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.v
}

// New builds an Orchestrator for a workspace. gpuCheck, if non-nil, is
// consulted before starting any service with gpu: true; a non-nil
// error fails that service's start immediately without spawning it.
func New(ws *manifest.Workspace, sink EventSink, log *slog.Logger, gpuCheck func(*manifest.ServiceSpec) error) (*Orchestrator, error) {
	graph, err := dag.Build(ws.Services)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]*serviceEntry, len(ws.Services))
	for name, spec := range ws.Services {
		if spec.Execute.Type == manifest.ExecuteContainer {
			return nil, fmt.Errorf("service %s: %w", name, ErrExecutorUnsupported)
		}
		cmdSpec, err := execspec.Build(spec.Execute, ws.Dir())
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		env := mergeEnv(ws.Env)
		entries[name] = &serviceEntry{
			runner: runner.New(spec, cmdSpec, env, log),
			spec:   spec,
		}
	}

	o := &Orchestrator{
		workspace: ws,
		graph:     graph,
		sink:      sink,
		log:       log.With("component", "orchestrator"),
		entries:   entries,
		gpuCheck:  gpuCheck,
	}

	for name, entry := range entries {
		if entry.spec.Health == nil {
			continue
		}
		name, entry := name, entry
		entry.healthM = health.NewMonitor(healthConfig(entry.spec.Health), log, func(healthy bool) {
			entry.runner.UpdateHealth(healthy)
			o.getSink().StatusUpdate(name, entry.runner.GetStatus())
		})
	}

	return o, nil
}

func healthConfig(h *manifest.HealthCheck) health.Config {
	return health.Config{
		Type:               h.Type,
		Path:               h.Path,
		Port:               h.Port,
		Command:            h.Command,
		Interval:           h.Interval.Duration,
		Timeout:            h.Timeout.Duration,
		GracePeriod:        h.GracePeriod.Duration,
		UnhealthyThreshold: h.UnhealthyThreshold,
	}
}

func mergeEnv(workspaceEnv map[string]string) []string {
	env := os.Environ()
	for k, v := range workspaceEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// statusOf satisfies dag.DependenciesSatisfied's callback signature.
func (o *Orchestrator) statusOf(name string) dag.ServiceStatus {
	o.mu.RLock()
	entry, ok := o.entries[name]
	o.mu.RUnlock()
	if !ok {
		return dag.StatusUnknown
	}
	switch entry.runner.GetStatus() {
	case runner.StatusStarting:
		return dag.StatusStarting
	case runner.StatusRunning:
		return dag.StatusRunning
	case runner.StatusHealthy:
		return dag.StatusHealthy
	case runner.StatusDegraded:
		return dag.StatusDegraded
	case runner.StatusStopping:
		return dag.StatusStopping
	case runner.StatusStopped:
		return dag.StatusStopped
	case runner.StatusFailed:
		return dag.StatusFailed
	default:
		return dag.StatusUnknown
	}
}

// StartAll launches one dependency-gated startup task per service.
// Each task's own spawn failure is logged and contained to that
// service; it never aborts the others.
func (o *Orchestrator) StartAll(ctx context.Context) {
	for _, name := range o.graph.StartupOrder() {
		go o.startWhenReady(ctx, name)
	}
}

func (o *Orchestrator) entry(name string) *serviceEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.entries[name]
}

func (o *Orchestrator) startWhenReady(ctx context.Context, name string) {
	entry := o.entry(name)
	if entry == nil {
		return
	}

	for !o.graph.DependenciesSatisfied(name, o.statusOf) {
		if o.shutdown.get() {
			o.log.Warn("abandoning gated start, shutdown in progress", "service", name)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(dependencyPollInterval):
		}
	}

	if o.shutdown.get() {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.spec.GPU && o.gpuCheck != nil {
		if err := o.gpuCheck(entry.spec); err != nil {
			o.log.Error("gpu precheck failed, service will not start", "service", name, "error", err)
			return
		}
	}

	if err := entry.runner.Start(ctx); err != nil {
		o.log.Error("start_when_ready failed", "service", name, "error", err)
		return
	}

	o.getSink().StatusUpdate(name, entry.runner.GetStatus())
	o.forwardOutput(name, entry.runner)
	if entry.healthM != nil {
		entry.healthM.Start(ctx)
	}
	go o.monitor(ctx, name)
}

func (o *Orchestrator) forwardOutput(name string, r *runner.Runner) {
	if stdout := r.TakeStdout(); stdout != nil {
		go runner.ForwardLines(stdout, func(line string) { o.getSink().LogLine(name, line) })
	}
	if stderr := r.TakeStderr(); stderr != nil {
		go runner.ForwardLines(stderr, func(line string) { o.getSink().LogLine(name, line) })
	}
}

func (o *Orchestrator) monitor(ctx context.Context, name string) {
	defer func() {
		if rec := recover(); rec != nil {
			o.log.Error("monitor task panicked, ending monitor only", "service", name, "panic", rec)
		}
	}()

	entry := o.entry(name)
	if entry == nil {
		return
	}

	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if o.shutdown.get() {
			return
		}
		if entry.runner.IsRunning() {
			continue
		}

		state := entry.runner.State()
		if state == runner.StateStopping || state == runner.StateStopped || state == runner.StateFailed {
			return
		}

		if entry.healthM != nil {
			entry.healthM.Stop()
		}

		exitCode := entry.runner.ExitCode()
		shouldRestart := entry.runner.ShouldRestart(exitCode)
		entry.runner.MarkFailed(exitCode)
		o.getSink().StatusUpdate(name, entry.runner.GetStatus())

		if shouldRestart {
			delay := entry.spec.Policy.RestartDelay.Duration
			if delay <= 0 {
				delay = 5 * time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if o.shutdown.get() {
				return
			}
			go o.startWhenReady(ctx, name)
			return
		}

		if entry.spec.Critical {
			o.emergencyStop(ctx)
		} else {
			o.cascadeFailure(ctx, name)
		}
		return
	}
}

// stopEntry halts the health monitor (if any) before stopping the
// process, so a probe never fires against a runner mid-teardown.
func (o *Orchestrator) stopEntry(ctx context.Context, entry *serviceEntry) error {
	if entry.healthM != nil {
		entry.healthM.Stop()
	}
	return entry.runner.Stop(ctx)
}

func (o *Orchestrator) cascadeFailure(ctx context.Context, failed string) {
	for _, name := range o.graph.CascadeFailure(failed) {
		entry := o.entry(name)
		if entry == nil {
			continue
		}
		entry.mu.Lock()
		if err := o.stopEntry(ctx, entry); err != nil {
			o.log.Warn("cascade stop failed", "service", name, "error", err)
		}
		entry.mu.Unlock()
		o.getSink().StatusUpdate(name, entry.runner.GetStatus())
	}
}

func (o *Orchestrator) emergencyStop(ctx context.Context) {
	o.shutdown.set(true)
	o.mu.RLock()
	names := make([]string, 0, len(o.entries))
	for name := range o.entries {
		names = append(names, name)
	}
	o.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		entry := o.entry(name)
		if entry == nil {
			continue
		}
		wg.Add(1)
		go func(name string, entry *serviceEntry) {
			defer wg.Done()
			entry.mu.Lock()
			defer entry.mu.Unlock()
			_ = o.stopEntry(ctx, entry)
			o.getSink().StatusUpdate(name, entry.runner.GetStatus())
		}(name, entry)
	}
	wg.Wait()
}

// StopService stops one service by name.
func (o *Orchestrator) StopService(ctx context.Context, name string) error {
	entry := o.entry(name)
	if entry == nil {
		return fmt.Errorf("unknown service %q", name)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := o.stopEntry(ctx, entry); err != nil {
		return err
	}
	o.getSink().StatusUpdate(name, entry.runner.GetStatus())
	return nil
}

// RestartService stops and re-starts one service. The restart counter
// is incremented explicitly since this is a deliberate user action
// consuming a restart-budget slot, not a self-observed failure.
func (o *Orchestrator) RestartService(ctx context.Context, name string) error {
	entry := o.entry(name)
	if entry == nil {
		return fmt.Errorf("unknown service %q", name)
	}

	entry.mu.Lock()
	if err := o.stopEntry(ctx, entry); err != nil {
		entry.mu.Unlock()
		return err
	}
	entry.runner.IncrementRestartCount()
	entry.mu.Unlock()

	go o.startWhenReady(ctx, name)
	return nil
}

// ProcessHeartbeat updates a service's health from a client-reported
// heartbeat and broadcasts the resulting status.
func (o *Orchestrator) ProcessHeartbeat(service string, status string) {
	entry := o.entry(service)
	if entry == nil {
		return
	}
	healthy := status == string(runner.StatusRunning) || status == string(runner.StatusHealthy)
	entry.runner.UpdateHealth(healthy)
	o.getSink().StatusUpdate(service, entry.runner.GetStatus())
}

// GetSnapshot returns a consistent-enough read across all runners: each
// runner's own Snapshot call is internally locked, and only the
// orchestrator's map lock is held (for reading) across the loop; no
// per-service lock is taken, so in-flight start/stop operations are not
// blocked and the cross-service view may be slightly stale.
func (o *Orchestrator) GetSnapshot() map[string]Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]Snapshot, len(o.entries))
	for name, entry := range o.entries {
		snap := entry.runner.Snapshot()
		var uptime time.Duration
		if !snap.StartedAt.IsZero() {
			uptime = time.Since(snap.StartedAt)
		}
		var lastError string
		if snap.LastExitCode != nil && *snap.LastExitCode != 0 {
			lastError = fmt.Sprintf("exited with code %d", *snap.LastExitCode)
		}

		deps := make([]string, 0, len(entry.spec.Dependencies))
		for _, d := range entry.spec.Dependencies {
			deps = append(deps, d.Target)
		}

		out[name] = Snapshot{
			Status:        snap.Status,
			PID:           snap.PID,
			Uptime:        uptime,
			RestartCount:  snap.RestartCount,
			LastError:     lastError,
			Namespace:     o.workspace.Name,
			ExecutorType:  entry.spec.Execute.Type,
			Dependencies:  deps,
			UsesGPU:       entry.spec.GPU,
			Critical:      entry.spec.Critical,
			RestartPolicy: entry.spec.Policy.Restart,
			MaxRestarts:   entry.spec.Policy.MaxRestarts,
		}
	}
	return out
}

// Shutdown performs the sequential, dependency-order-respecting
// graceful stop: dependents are stopped before the services they
// depend on.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.shutdown.set(true)
	for _, name := range o.graph.ShutdownOrder() {
		entry := o.entry(name)
		if entry == nil {
			continue
		}
		entry.mu.Lock()
		if err := o.stopEntry(ctx, entry); err != nil {
			o.log.Warn("shutdown stop failed", "service", name, "error", err)
		}
		entry.mu.Unlock()
		o.getSink().StatusUpdate(name, entry.runner.GetStatus())
	}
}

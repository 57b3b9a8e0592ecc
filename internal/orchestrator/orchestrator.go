package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gryffen/internal/compose"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

// MaxRestartDelay caps the restart backoff.
const MaxRestartDelay = 30 * time.Second

// QuadraticBackoff waits attempt² seconds, capped at MaxRestartDelay.
func QuadraticBackoff(attempt int) time.Duration {
	d := time.Duration(attempt*attempt) * time.Second
	if d > MaxRestartDelay || d <= 0 {
		return MaxRestartDelay
	}
	return d
}

// Options configures an Orchestrator.
type Options struct {
	Driver  Driver
	Log     logger.Logger
	Metrics *Metrics

	// RestartBackoff returns the delay before restart attempt n (from 1).
	RestartBackoff func(attempt int) time.Duration
	// SuccessThreshold is the number of consecutive passing probes that
	// make a service healthy.
	SuccessThreshold int
	// StopTimeout bounds how long each service gets to exit on shutdown.
	StopTimeout time.Duration
}

// Orchestrator supervises the services of one compose project.
type Orchestrator struct {
	project *compose.Project
	opts    Options
	log     logger.Logger
	metrics *Metrics

	mu       sync.Mutex
	statuses map[string]*ServiceStatus
	started  map[string]bool
	procs    map[string]Process
	order    []string
	changed  chan struct{}
	stopping bool
	running  bool
}

// New validates the project and prepares a supervisor for it.
func New(project *compose.Project, opts Options) (*Orchestrator, error) {
	if opts.Driver == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidInput, "orchestrator needs a driver")
	}
	if err := compose.Validate(project); err != nil {
		return nil, err
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.RestartBackoff == nil {
		opts.RestartBackoff = QuadraticBackoff
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 1
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}

	o := &Orchestrator{
		project:  project,
		opts:     opts,
		log:      opts.Log.WithField("project", project.Name),
		metrics:  opts.Metrics,
		statuses: make(map[string]*ServiceStatus),
		started:  make(map[string]bool),
		procs:    make(map[string]Process),
		changed:  make(chan struct{}),
	}
	now := time.Now()
	for name := range project.Services {
		o.statuses[name] = &ServiceStatus{Name: name, State: StatePending, Since: now}
		o.metrics.setState(name, StatePending)
	}
	return o, nil
}

// Run starts every service once its dependencies allow it and supervises
// them until ctx is cancelled, then stops them in reverse start order.
// It returns early when every service has settled in a terminal state.
func (o *Orchestrator) Run(ctx context.Context) error {
	envs := make(map[string]map[string]string, len(o.project.Services))
	for name, svc := range o.project.Services {
		env, err := o.project.ResolveEnvironment(svc)
		if err != nil {
			return err
		}
		envs[name] = env
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return apperrors.Newf(apperrors.ErrCodeConflict, "project %s is already running", o.project.Name)
	}
	o.running = true
	o.mu.Unlock()

	o.log.Info("Starting stack", "services", compose.StartOrder(o.project))

	var wg sync.WaitGroup
	for _, name := range compose.StartOrder(o.project) {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			o.supervise(ctx, name, envs[name])
		}(name)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return o.firstFailure()
	case <-ctx.Done():
	}

	o.shutdown()
	<-done
	o.log.Info("Stack stopped")
	return nil
}

// WaitReady blocks until every service is healthy, running or succeeded.
// It fails as soon as any service fails, turns unhealthy or is blocked.
func (o *Orchestrator) WaitReady(ctx context.Context) error {
	for {
		o.mu.Lock()
		ready := true
		var failure error
		for _, name := range o.project.ServiceNames() {
			st := o.statuses[name]
			switch st.State {
			case StateHealthy, StateRunning, StateSucceeded:
			case StateFailed, StateUnhealthy, StateBlocked:
				if failure == nil {
					failure = statusError(st)
				}
			default:
				ready = false
			}
		}
		changed := o.changed
		o.mu.Unlock()

		if failure != nil {
			return failure
		}
		if ready {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Snapshot returns every service status in start order.
func (o *Orchestrator) Snapshot() []ServiceStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ServiceStatus, 0, len(o.statuses))
	for _, name := range compose.StartOrder(o.project) {
		out = append(out, *o.statuses[name])
	}
	return out
}

// Status returns the status of one service.
func (o *Orchestrator) Status(name string) (ServiceStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.statuses[name]
	if !ok {
		return ServiceStatus{}, false
	}
	return *st, true
}

// StartedOrder lists services in the order their first process started.
func (o *Orchestrator) StartedOrder() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

func (o *Orchestrator) supervise(ctx context.Context, name string, env map[string]string) {
	svc := o.project.Services[name]
	log := o.log.WithField("service", name)

	if err := o.waitGate(ctx, svc); err != nil {
		if ctx.Err() != nil {
			o.setState(name, StateStopped, "stopped before start", nil)
			return
		}
		o.setState(name, StateBlocked, err.Error(), err)
		log.Warn("Service blocked", "reason", err.Error())
		return
	}

	policy, limit := svc.RestartPolicy()
	oneShot := compose.OneShot(o.project, name)
	attempt := 0

	for {
		o.setState(name, StateStarting, "", nil)
		proc, err := o.opts.Driver.Start(context.WithoutCancel(ctx), o.project, svc, env)
		var code int
		if err != nil {
			log.Error("Failed to start service", "error", err)
			code = -1
		} else {
			if !o.register(name, proc) {
				o.stopProcess(name, proc)
				o.setState(name, StateStopped, "", nil)
				return
			}
			log.Info("Service started", "pid", proc.PID())
			code, err = o.watch(ctx, svc, proc)
			o.unregister(name)
		}

		if ctx.Err() != nil {
			o.setStateExit(name, StateStopped, code, "", nil)
			return
		}

		restart := false
		switch policy {
		case compose.RestartAlways, compose.RestartUnlessStopped:
			restart = true
		case compose.RestartOnFailure:
			restart = code != 0 && (limit == 0 || attempt < limit)
		}
		if oneShot {
			restart = false
		}

		if !restart {
			if code == 0 && err == nil {
				o.setStateExit(name, StateSucceeded, 0, "exited with code 0", nil)
				log.Info("Service completed")
			} else {
				msg := exitMessage(code, err)
				o.setStateExit(name, StateFailed, code, msg, err)
				log.Error("Service failed", "exit_code", code, "reason", msg)
			}
			return
		}

		attempt++
		delay := o.opts.RestartBackoff(attempt)
		o.mu.Lock()
		o.statuses[name].Restarts++
		o.mu.Unlock()
		o.metrics.restarts.WithLabelValues(name).Inc()
		o.setStateExit(name, StateStarting, code,
			fmt.Sprintf("%s, restarting in %s", exitMessage(code, err), delay), nil)
		log.Warn("Restarting service", "attempt", attempt, "delay", delay.String(), "exit_code", code)

		select {
		case <-ctx.Done():
			o.setState(name, StateStopped, "", nil)
			return
		case <-time.After(delay):
		}
	}
}

// watch waits for proc to exit while probing its health.
func (o *Orchestrator) watch(ctx context.Context, svc *compose.Service, proc Process) (int, error) {
	if !svc.HasHealthcheck() {
		o.setState(svc.Name, StateRunning, "", nil)
		return proc.Wait()
	}

	probeCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.probe(probeCtx, svc)
	}()
	code, err := proc.Wait()
	cancel()
	wg.Wait()
	return code, err
}

// probe runs the health test every interval. Failures inside start_period
// do not count. The service turns unhealthy after retries consecutive
// failures, or when it is still not healthy after the probes the budget
// allows.
func (o *Orchestrator) probe(ctx context.Context, svc *compose.Service) {
	hc := svc.Healthcheck.Effective()
	env, _ := o.project.ResolveEnvironment(svc)
	log := o.log.WithField("service", svc.Name)
	begun := time.Now()
	ticker := time.NewTicker(hc.Interval.Std())
	defer ticker.Stop()

	successes, failures, counted := 0, 0, 0
	healthy := false
	ceiling := hc.Retries + o.opts.SuccessThreshold - 1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pctx, cancel := context.WithTimeout(ctx, hc.Timeout.Std())
		t0 := time.Now()
		err := o.opts.Driver.Probe(pctx, o.project, svc, env)
		cancel()
		o.metrics.probeLatency.WithLabelValues(svc.Name).Observe(time.Since(t0).Seconds())
		if ctx.Err() != nil {
			return
		}

		inStartPeriod := time.Since(begun) < hc.StartPeriod.Std()
		if !inStartPeriod && !healthy {
			counted++
		}
		if err == nil {
			failures = 0
			successes++
			if !healthy && successes >= o.opts.SuccessThreshold {
				healthy = true
				o.setState(svc.Name, StateHealthy, "", nil)
				log.Info("Service healthy", "after", time.Since(begun).Round(time.Millisecond).String())
			}
			continue
		}

		successes = 0
		o.metrics.probeFailures.WithLabelValues(svc.Name).Inc()
		if inStartPeriod {
			log.Debug("Probe failed in start period", "error", err)
			continue
		}
		failures++
		log.Debug("Probe failed", "failures", failures, "retries", hc.Retries, "error", err)

		if failures >= hc.Retries || (!healthy && counted >= ceiling) {
			msg := fmt.Sprintf("%d consecutive probe failures: %v", failures, err)
			o.setState(svc.Name, StateUnhealthy, msg, err)
			log.Error("Service unhealthy", "failures", failures, "error", err)
			return
		}
	}
}

// waitGate blocks until every depends_on condition of svc holds. It
// returns an error once any of them can no longer hold.
func (o *Orchestrator) waitGate(ctx context.Context, svc *compose.Service) error {
	for {
		o.mu.Lock()
		satisfied := true
		var blocked error
		for _, dep := range svc.DependsOn.Names() {
			ok, err := o.conditionLocked(dep, svc.DependsOn[dep].Condition)
			if err != nil {
				blocked = err
				break
			}
			if !ok {
				satisfied = false
			}
		}
		changed := o.changed
		o.mu.Unlock()

		if blocked != nil {
			return blocked
		}
		if satisfied {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) conditionLocked(dep, condition string) (bool, error) {
	st := o.statuses[dep]
	switch condition {
	case compose.ConditionHealthy:
		switch st.State {
		case StateHealthy:
			return true, nil
		case StateUnhealthy:
			return false, apperrors.Newf(apperrors.ErrCodeDependencyUnhealthy, "dependency %s is unhealthy", dep).
				WithContext("dependency", dep)
		case StateFailed, StateSucceeded, StateBlocked, StateStopped:
			return false, apperrors.Newf(apperrors.ErrCodeDependencyFailed, "dependency %s is %s before becoming healthy", dep, st.State).
				WithContext("dependency", dep)
		}
	case compose.ConditionCompleted:
		switch st.State {
		case StateSucceeded:
			return true, nil
		case StateFailed, StateBlocked, StateStopped:
			return false, apperrors.Newf(apperrors.ErrCodeDependencyFailed, "dependency %s did not complete successfully (%s)", dep, st.State).
				WithContext("dependency", dep)
		}
	default:
		if o.started[dep] {
			return true, nil
		}
		if st.State == StateBlocked || st.State == StateStopped || st.State == StateFailed {
			return false, apperrors.Newf(apperrors.ErrCodeDependencyFailed, "dependency %s never started", dep).
				WithContext("dependency", dep)
		}
	}
	return false, nil
}

func (o *Orchestrator) register(name string, proc Process) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		return false
	}
	o.procs[name] = proc
	o.statuses[name].PID = proc.PID()
	if !o.started[name] {
		o.started[name] = true
		o.order = append(o.order, name)
	}
	return true
}

func (o *Orchestrator) unregister(name string) {
	o.mu.Lock()
	delete(o.procs, name)
	o.mu.Unlock()
}

func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	o.stopping = true
	order := append([]string(nil), o.order...)
	procs := make(map[string]Process, len(o.procs))
	for name, p := range o.procs {
		procs[name] = p
	}
	o.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if proc, ok := procs[name]; ok {
			o.stopProcess(name, proc)
		}
	}
}

func (o *Orchestrator) stopProcess(name string, proc Process) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.StopTimeout)
	defer cancel()
	o.log.Info("Stopping service", "service", name)
	if err := proc.Stop(ctx); err != nil {
		o.log.Warn("Failed to stop service", "service", name, "error", err)
	}
}

func (o *Orchestrator) setState(name string, state State, msg string, err error) {
	o.mu.Lock()
	st := o.statuses[name]
	o.update(st, state, msg, err)
	o.mu.Unlock()
}

func (o *Orchestrator) setStateExit(name string, state State, code int, msg string, err error) {
	o.mu.Lock()
	st := o.statuses[name]
	st.ExitCode = code
	st.PID = 0
	o.update(st, state, msg, err)
	o.mu.Unlock()
}

// update must be called with o.mu held.
func (o *Orchestrator) update(st *ServiceStatus, state State, msg string, err error) {
	st.State = state
	st.Since = time.Now()
	st.Message = msg
	st.Err = err
	o.metrics.setState(st.Name, state)
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *Orchestrator) firstFailure() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.statuses))
	for name := range o.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := o.statuses[name]
		if st.State == StateFailed || st.State == StateBlocked || st.State == StateUnhealthy {
			return statusError(st)
		}
	}
	return nil
}

func statusError(st *ServiceStatus) error {
	if st.State == StateBlocked && st.Err != nil {
		return st.Err
	}
	code := apperrors.ErrCodeDependencyFailed
	if st.State == StateUnhealthy {
		code = apperrors.ErrCodeDependencyUnhealthy
	}
	return apperrors.NewAppError(code, fmt.Sprintf("service %s is %s: %s", st.Name, st.State, st.Message), st.Err).
		WithContext("service", st.Name)
}

func exitMessage(code int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("exited with code %d", code)
}

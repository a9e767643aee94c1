// Package supervisor launches worker processes, watches them for readiness
// and restarts failed ones with jittered backoff until their restart budget
// runs out.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"idia-astro/go-toolvisor/pkg/config"
	helpers "idia-astro/go-toolvisor/pkg/shared"
	"idia-astro/go-toolvisor/pkg/shared/defs"
)

// spawnFailureCode is recorded as the exit code of an instance that could
// not be started, matching the shell's "command not found".
const spawnFailureCode = 127

var (
	ErrStopped       = errors.New("supervisor stopped")
	ErrUnknownWorker = errors.New("unknown worker")
	ErrNotRunning    = errors.New("worker is not running")
)

type Options struct {
	Descriptors []Descriptor
	// MaxRestarts applies to descriptors without their own cap.
	MaxRestarts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	// MaxUptime is measured per worker from its first spawn; zero disables it.
	MaxUptime         time.Duration
	FailFast          bool
	ExitCodeOnGiveUp  int // negative means unset
	HeartbeatInterval time.Duration
	// ShutdownGrace is how long terminated children get before being killed.
	ShutdownGrace time.Duration
	Launcher      Launcher
	Recorder      *Recorder
	Logger        *slog.Logger
	Rand          *rand.Rand
}

// OptionsFromConfig maps the supervisor section of the shared config.
func OptionsFromConfig(cfg config.SupervisorConfig, ds []Descriptor) Options {
	return Options{
		Descriptors:       ds,
		MaxRestarts:       cfg.MaxRestarts,
		BackoffMin:        cfg.BackoffMin,
		BackoffMax:        cfg.BackoffMax,
		MaxUptime:         cfg.MaxUptime,
		FailFast:          cfg.FailFast,
		ExitCodeOnGiveUp:  cfg.ExitCodeOnGiveUp,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}
}

// Result is the final outcome of a run.
type Result struct {
	ExitCode       int
	FailFastServer string
	Workers        []defs.WorkerStatus
}

type exitEvent struct {
	name string
	gen  int
	code int
	at   time.Time
}

type readyEvent struct {
	name string
	gen  int
	line defs.ReadyLine
	at   time.Time
}

type restartDueEvent struct {
	name  string
	token int
}

type deadlineEvent struct{ name string }

type graceEvent struct{ stage int }

type snapshotRequest struct{ reply chan []defs.WorkerStatus }

type killRequest struct {
	name  string
	reply chan error
}

// Supervisor owns all worker state. Every mutation happens on the goroutine
// running Run; process watchers, timers and API callers communicate with it
// through the events channel.
type Supervisor struct {
	opts    Options
	logger  *slog.Logger
	workers []*worker
	byName  map[string]*worker
	events  chan any
	done    chan struct{}

	startTime        time.Time
	shuttingDown     bool
	shutdownReason   string
	forceDone        bool
	failFastServer   string
	capabilitiesSent bool
}

func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = helpers.NopLogger()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 2 * time.Second
	}
	if opts.Launcher == nil {
		opts.Launcher = &ExecLauncher{Logger: opts.Logger}
	}
	s := &Supervisor{
		opts:   opts,
		logger: opts.Logger,
		byName: make(map[string]*worker, len(opts.Descriptors)),
		events: make(chan any, 64),
		done:   make(chan struct{}),
	}
	for _, d := range opts.Descriptors {
		w := newWorker(d, opts.MaxRestarts)
		s.workers = append(s.workers, w)
		s.byName[d.Name] = w
	}
	return s
}

// backoffDelay picks a uniform delay in [min, max].
func backoffDelay(min, max time.Duration, rng *rand.Rand) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)+1))
}

func (s *Supervisor) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Supervisor) record(event string, attrs ...any) {
	s.opts.Recorder.Record(event, attrs...)
}

// Run supervises until every worker is terminal or ctx is cancelled, then
// emits the summary and returns the exit code to use.
func (s *Supervisor) Run(ctx context.Context) Result {
	defer close(s.done)
	s.startTime = time.Now()

	if len(s.workers) == 0 {
		s.record("no-servers")
		return s.finish()
	}

	names := make([]string, 0, len(s.workers))
	for _, w := range s.workers {
		names = append(names, w.desc.Name)
	}
	s.record("started",
		"servers", names,
		"failFast", s.opts.FailFast,
		"heartbeatMs", s.opts.HeartbeatInterval.Milliseconds(),
		"exitCodeOnGiveUp", s.opts.ExitCodeOnGiveUp,
		"maxUptimeMs", s.opts.MaxUptime.Milliseconds(),
	)

	for _, w := range s.workers {
		// a fail-fast give-up during this pass stops the rest
		if s.shuttingDown {
			break
		}
		s.spawn(w)
	}

	var heartbeat <-chan time.Time
	if s.opts.HeartbeatInterval > 0 {
		t := time.NewTicker(s.opts.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}

	ctxDone := ctx.Done()
	for !s.complete() {
		select {
		case <-ctxDone:
			ctxDone = nil
			if s.shuttingDown {
				// a second stop request skips the remaining grace period
				s.record("shutdown-escalated", "reason", "signal")
				s.handleGrace(graceEvent{stage: 1})
			} else {
				s.shutdown("signal")
			}
		case <-heartbeat:
			s.record("heartbeat", "timestamp", time.Now().UnixMilli(), "servers", s.statusMap())
		case ev := <-s.events:
			s.handle(ev)
		}
	}
	return s.finish()
}

func (s *Supervisor) handle(ev any) {
	switch ev := ev.(type) {
	case exitEvent:
		s.handleExit(ev)
	case readyEvent:
		s.handleReady(ev)
	case restartDueEvent:
		s.handleRestartDue(ev)
	case deadlineEvent:
		s.handleDeadline(ev)
	case graceEvent:
		s.handleGrace(ev)
	case snapshotRequest:
		ev.reply <- s.statuses()
	case killRequest:
		ev.reply <- s.handleKill(ev.name)
	}
}

func (s *Supervisor) complete() bool {
	if s.forceDone {
		return true
	}
	for _, w := range s.workers {
		if w.alive() {
			return false
		}
	}
	if s.shuttingDown {
		return true
	}
	for _, w := range s.workers {
		if !w.state.Terminal() {
			return false
		}
	}
	return true
}

func (s *Supervisor) spawn(w *worker) {
	if s.shuttingDown {
		if !w.state.Terminal() {
			s.stop(w, s.shutdownReason)
		}
		return
	}
	now := time.Now()
	name := w.desc.Name
	w.gen++
	gen := w.gen
	w.spawns++
	w.ready = false
	w.startedAt = now
	w.state = StateSpawning
	if w.firstSpawn.IsZero() {
		w.firstSpawn = now
		if s.opts.MaxUptime > 0 {
			w.deadline = time.AfterFunc(s.opts.MaxUptime, func() { s.post(deadlineEvent{name: name}) })
		}
	}

	inst, err := s.opts.Launcher.Launch(w.desc, Hooks{
		OnReady: func(line defs.ReadyLine) {
			s.post(readyEvent{name: name, gen: gen, line: line, at: time.Now()})
		},
	})
	if err != nil {
		s.logger.Warn("Error spawning worker", "worker", name, "error", err)
		s.record("spawn-error", "server", name, "error", err.Error(), "attempt", w.spawns)
		s.handleExit(exitEvent{name: name, gen: gen, code: spawnFailureCode, at: now})
		return
	}

	w.inst = inst
	w.pid = inst.Pid()
	w.state = StateRunning
	s.record("spawn", "server", name, "pid", w.pid, "attempt", w.spawns)

	go func() {
		code := inst.Wait()
		s.post(exitEvent{name: name, gen: gen, code: code, at: time.Now()})
	}()
}

func (s *Supervisor) handleExit(ev exitEvent) {
	w := s.byName[ev.name]
	if w == nil || ev.gen != w.gen {
		return
	}
	uptime := ev.at.Sub(w.startedAt)
	if uptime < 0 {
		uptime = 0
	}
	code := ev.code
	w.inst = nil
	w.exits++
	w.lastExitCode = &code
	w.totalUptime += uptime
	w.state = StateExited
	reason := w.killReason
	w.killReason = ""

	attrs := []any{"server", w.desc.Name, "code", code, "restarts", w.restarts, "uptimeMs", uptime.Milliseconds()}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	s.record("exit", attrs...)

	switch {
	case reason == stopMaxUptime || w.deadlineHit:
		s.stop(w, stopMaxUptime)
	case s.shuttingDown:
		s.stop(w, s.shutdownReason)
	case code == 0:
		w.state = StateCompleted
	case w.restarts < w.maxRestarts:
		s.scheduleRestart(w)
	default:
		s.giveUp(w)
	}
}

func (s *Supervisor) scheduleRestart(w *worker) {
	w.cancelRestart()
	token := w.restartToken
	name := w.desc.Name
	delay := backoffDelay(s.opts.BackoffMin, s.opts.BackoffMax, s.opts.Rand)
	w.state = StateRestartScheduled
	w.restartTimer = time.AfterFunc(delay, func() { s.post(restartDueEvent{name: name, token: token}) })
	s.record("restart-scheduled",
		"server", name,
		"inMs", delay.Milliseconds(),
		"attempt", w.restarts+1,
		"serverMaxRestarts", w.maxRestarts,
	)
}

func (s *Supervisor) handleRestartDue(ev restartDueEvent) {
	w := s.byName[ev.name]
	if w == nil || ev.token != w.restartToken || w.state != StateRestartScheduled || s.shuttingDown {
		return
	}
	w.restartTimer = nil
	w.restarts++
	s.spawn(w)
}

func (s *Supervisor) giveUp(w *worker) {
	w.gaveUp = true
	w.state = StateGaveUp
	s.record("give-up", "server", w.desc.Name, "restarts", w.restarts, "lastExitCode", w.lastExitCode)
	if s.opts.FailFast && s.failFastServer == "" {
		s.failFastServer = w.desc.Name
		s.record("fail-fast-triggered", "server", w.desc.Name)
		s.shutdown(stopFailFast)
	}
}

func (s *Supervisor) stop(w *worker, reason string) {
	w.state = StateStopped
	w.stopReason = reason
}

func (s *Supervisor) handleReady(ev readyEvent) {
	w := s.byName[ev.name]
	if w == nil || ev.gen != w.gen || w.ready || !w.alive() {
		return
	}
	latency := ev.at.Sub(w.startedAt)
	w.ready = true
	w.readyLatency = &latency
	w.methods = ev.line.Methods
	w.state = StateReady
	s.record("ready", "server", w.desc.Name, "pid", w.pid, "latencyMs", latency.Milliseconds(), "methods", w.methods)

	if s.capabilitiesSent {
		return
	}
	caps := make(map[string][]string, len(s.workers))
	for _, o := range s.workers {
		if !o.ready {
			return
		}
		caps[o.desc.Name] = o.methods
	}
	s.capabilitiesSent = true
	s.record("capabilities", "servers", caps)
}

func (s *Supervisor) handleDeadline(ev deadlineEvent) {
	w := s.byName[ev.name]
	if w == nil || w.deadlineHit {
		return
	}
	w.deadlineHit = true
	if w.state.Terminal() {
		return
	}
	s.record("max-uptime-reached", "server", w.desc.Name, "maxUptimeMs", s.opts.MaxUptime.Milliseconds())
	if w.alive() {
		w.killReason = stopMaxUptime
		if err := w.inst.Kill(); err != nil {
			s.logger.Warn("Error killing worker", "worker", w.desc.Name, "error", err)
		}
		return
	}
	w.cancelRestart()
	s.stop(w, stopMaxUptime)
}

func (s *Supervisor) handleKill(name string) error {
	w := s.byName[name]
	if w == nil {
		return ErrUnknownWorker
	}
	if !w.alive() {
		return ErrNotRunning
	}
	w.killReason = killAPI
	return w.inst.Kill()
}

func (s *Supervisor) shutdown(reason string) {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	s.shutdownReason = reason
	s.record("shutdown", "reason", reason)

	anyAlive := false
	for _, w := range s.workers {
		w.cancelRestart()
		if w.alive() {
			anyAlive = true
			w.killReason = stopShutdown
			if err := w.inst.Terminate(); err != nil {
				s.logger.Debug("Error terminating worker", "worker", w.desc.Name, "error", err)
			}
			continue
		}
		if !w.state.Terminal() {
			s.stop(w, reason)
		}
	}
	if anyAlive {
		time.AfterFunc(s.opts.ShutdownGrace, func() { s.post(graceEvent{stage: 1}) })
	}
}

func (s *Supervisor) handleGrace(ev graceEvent) {
	if ev.stage == 1 {
		for _, w := range s.workers {
			if w.alive() {
				_ = w.inst.Kill()
			}
		}
		time.AfterFunc(s.opts.ShutdownGrace, func() { s.post(graceEvent{stage: 2}) })
		return
	}
	s.record("shutdown-timeout")
	for _, w := range s.workers {
		if w.alive() {
			w.inst = nil
			s.stop(w, s.shutdownReason)
		}
	}
	s.forceDone = true
}

func (s *Supervisor) statuses() []defs.WorkerStatus {
	now := time.Now()
	out := make([]defs.WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.status(now))
	}
	return out
}

func (s *Supervisor) statusMap() map[string]defs.WorkerStatus {
	out := make(map[string]defs.WorkerStatus, len(s.workers))
	for _, st := range s.statuses() {
		out[st.Name] = st
	}
	return out
}

func (s *Supervisor) exitCode() int {
	if s.failFastServer != "" {
		return 1
	}
	if s.opts.ExitCodeOnGiveUp >= 0 {
		for _, w := range s.workers {
			if w.gaveUp {
				return s.opts.ExitCodeOnGiveUp
			}
		}
	}
	return 0
}

func (s *Supervisor) finish() Result {
	for _, w := range s.workers {
		if w.deadline != nil {
			w.deadline.Stop()
		}
		w.cancelRestart()
	}
	end := time.Now()
	res := Result{ExitCode: s.exitCode(), FailFastServer: s.failFastServer, Workers: s.statuses()}

	s.opts.Recorder.RecordFinal("summary",
		"startTime", s.startTime.UnixMilli(),
		"endTime", end.UnixMilli(),
		"durationMs", end.Sub(s.startTime).Milliseconds(),
		"failFastEnabled", s.opts.FailFast,
		"failFastTriggered", s.failFastServer != "",
		"failFastServer", s.failFastServer,
		"servers", s.statusMap(),
	)
	s.opts.Recorder.RecordFinal("exiting", "code", res.ExitCode)
	return res
}

// Snapshot returns the current status of every worker.
func (s *Supervisor) Snapshot(ctx context.Context) ([]defs.WorkerStatus, error) {
	reply := make(chan []defs.WorkerStatus, 1)
	select {
	case s.events <- snapshotRequest{reply: reply}:
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-s.done:
		select {
		case st := <-reply:
			return st, nil
		default:
			return nil, ErrStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Kill hard-kills the live instance of a worker. The exit goes through the
// normal restart policy.
func (s *Supervisor) Kill(ctx context.Context, name string) error {
	reply := make(chan error, 1)
	select {
	case s.events <- killRequest{name: name, reply: reply}:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

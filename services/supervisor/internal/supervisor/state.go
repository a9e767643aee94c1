package supervisor

import (
	"time"

	"idia-astro/go-toolvisor/pkg/shared/defs"
)

type State string

const (
	StateNotStarted       State = "NotStarted"
	StateSpawning         State = "Spawning"
	StateRunning          State = "Running"
	StateReady            State = "Ready"
	StateExited           State = "Exited"
	StateRestartScheduled State = "RestartScheduled"
	StateGaveUp           State = "GaveUp"
	// StateCompleted marks a clean (code 0) exit.
	StateCompleted State = "Completed"
	// StateStopped marks a worker stopped by max-uptime or shutdown.
	StateStopped State = "Stopped"
)

func (s State) Terminal() bool {
	return s == StateGaveUp || s == StateCompleted || s == StateStopped
}

const (
	stopMaxUptime = "max-uptime"
	stopShutdown  = "shutdown"
	stopFailFast  = "fail-fast"
	killAPI       = "api"
)

// worker is the runtime state of one descriptor. Only the supervisor loop
// touches it.
type worker struct {
	desc        Descriptor
	maxRestarts int
	state       State

	inst Instance
	pid  int
	// gen identifies the current instance; events from older instances are
	// ignored.
	gen int

	spawns       int
	restarts     int
	exits        int
	lastExitCode *int
	ready        bool
	readyLatency *time.Duration
	methods      []string

	firstSpawn  time.Time
	startedAt   time.Time
	totalUptime time.Duration

	gaveUp     bool
	stopReason string
	killReason string

	restartTimer *time.Timer
	restartToken int
	deadlineHit  bool
	deadline     *time.Timer
}

func newWorker(d Descriptor, defaultMaxRestarts int) *worker {
	maxRestarts := defaultMaxRestarts
	if d.MaxRestarts != nil {
		maxRestarts = *d.MaxRestarts
	}
	return &worker{desc: d, maxRestarts: maxRestarts, state: StateNotStarted}
}

func (w *worker) alive() bool { return w.inst != nil }

func (w *worker) cancelRestart() {
	if w.restartTimer != nil {
		w.restartTimer.Stop()
		w.restartTimer = nil
	}
	w.restartToken++
}

func (w *worker) status(now time.Time) defs.WorkerStatus {
	uptime := w.totalUptime
	if w.alive() {
		uptime += now.Sub(w.startedAt)
	}
	st := defs.WorkerStatus{
		Name:          w.desc.Name,
		State:         string(w.state),
		Alive:         w.alive(),
		Spawns:        w.spawns,
		Restarts:      w.restarts,
		Exits:         w.exits,
		LastExitCode:  w.lastExitCode,
		Ready:         w.ready,
		TotalUptimeMs: uptime.Milliseconds(),
		GaveUp:        w.gaveUp,
		StopReason:    w.stopReason,
		Methods:       w.methods,
	}
	if w.alive() {
		st.ProcessId = w.pid
	}
	if w.readyLatency != nil {
		ms := w.readyLatency.Milliseconds()
		st.ReadyLatencyMs = &ms
	}
	return st
}

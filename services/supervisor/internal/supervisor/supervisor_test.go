package supervisor

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idia-astro/go-toolvisor/pkg/shared/defs"
)

type harnessT struct {
	sup      *Supervisor
	launcher *fakeLauncher
	out      *syncBuffer
}

func newSupervisor(t *testing.T, opts Options, script func(string, int) behavior) *harnessT {
	t.Helper()
	out := &syncBuffer{}
	rec, err := NewRecorder(out, "", nil)
	require.NoError(t, err)
	l := newFakeLauncher(script)
	opts.Launcher = l
	opts.Recorder = rec
	opts.Rand = rand.New(rand.NewSource(1))
	if opts.BackoffMax == 0 {
		opts.BackoffMin, opts.BackoffMax = time.Millisecond, 5*time.Millisecond
	}
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = 50 * time.Millisecond
	}
	return &harnessT{sup: New(opts), launcher: l, out: out}
}

func (h *harnessT) run(t *testing.T) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res := h.sup.Run(ctx)
	require.NoError(t, ctx.Err(), "supervisor did not finish on its own")
	return res
}

func statusOf(res Result, name string) defs.WorkerStatus {
	for _, w := range res.Workers {
		if w.Name == name {
			return w
		}
	}
	return defs.WorkerStatus{}
}

func TestImmediateExitWithZeroRestartCapGivesUp(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors:      []Descriptor{{Name: "echo", Cmd: "echo-server", MaxRestarts: intPtr(0)}},
		MaxRestarts:      3,
		ExitCodeOnGiveUp: -1,
	}, always(behavior{code: 1}))

	res := h.run(t)
	st := statusOf(res, "echo")
	assert.Equal(t, 1, st.Spawns)
	assert.Equal(t, 0, st.Restarts)
	assert.True(t, st.GaveUp)
	assert.Equal(t, string(StateGaveUp), st.State)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 1, *st.LastExitCode)
	assert.Equal(t, 0, res.ExitCode)
}

func TestGiveUpAfterRestartBudget(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors:      []Descriptor{{Name: "flaky", Cmd: "x"}},
		MaxRestarts:      2,
		ExitCodeOnGiveUp: 4,
	}, always(behavior{code: 2}))

	res := h.run(t)
	st := statusOf(res, "flaky")
	assert.Equal(t, 3, st.Spawns)
	assert.Equal(t, 2, st.Restarts)
	assert.Equal(t, 3, st.Exits)
	assert.True(t, st.GaveUp)
	assert.Equal(t, 4, res.ExitCode)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, h.launcher.count("flaky"), "never spawns past the budget")

	recs := parseRecords(t, h.out.String())
	assert.Len(t, eventsNamed(recs, "restart-scheduled"), 2)
	assert.Len(t, eventsNamed(recs, "give-up"), 1)
	exiting := eventsNamed(recs, "exiting")
	require.Len(t, exiting, 1)
	assert.Equal(t, float64(4), exiting[0]["code"])
}

func TestPerWorkerRestartCap(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors: []Descriptor{
			{Name: "a", Cmd: "x", MaxRestarts: intPtr(1)},
			{Name: "b", Cmd: "x"},
		},
		MaxRestarts:      0,
		ExitCodeOnGiveUp: -1,
	}, always(behavior{code: 1}))

	res := h.run(t)
	assert.Equal(t, 2, statusOf(res, "a").Spawns)
	assert.Equal(t, 1, statusOf(res, "b").Spawns)
	assert.True(t, statusOf(res, "a").GaveUp)
	assert.True(t, statusOf(res, "b").GaveUp)
}

func TestCleanExitIsNotRestarted(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors:      []Descriptor{{Name: "once", Cmd: "x"}},
		MaxRestarts:      3,
		ExitCodeOnGiveUp: 7,
	}, always(behavior{code: 0, exitAfter: 5 * time.Millisecond}))

	res := h.run(t)
	st := statusOf(res, "once")
	assert.Equal(t, string(StateCompleted), st.State)
	assert.Equal(t, 1, st.Spawns)
	assert.False(t, st.GaveUp)
	assert.Equal(t, 0, res.ExitCode)
}

func TestSpawnFailureCountsAsExit(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors:      []Descriptor{{Name: "missing", Cmd: "nope"}},
		MaxRestarts:      1,
		ExitCodeOnGiveUp: -1,
	}, func(_ string, attempt int) behavior {
		if attempt == 1 {
			return behavior{spawnErr: errNoBinary}
		}
		return behavior{code: 0}
	})

	res := h.run(t)
	st := statusOf(res, "missing")
	assert.Equal(t, 2, st.Spawns)
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, 2, st.Exits)
	assert.Equal(t, string(StateCompleted), st.State)

	recs := parseRecords(t, h.out.String())
	require.Len(t, eventsNamed(recs, "spawn-error"), 1)
	exits := eventsNamed(recs, "exit")
	require.Len(t, exits, 2)
	assert.Equal(t, float64(spawnFailureCode), exits[0]["code"])
}

func TestReadinessAndCapabilities(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors:      []Descriptor{{Name: "a", Cmd: "x"}, {Name: "b", Cmd: "x"}},
		ExitCodeOnGiveUp: -1,
	}, always(behavior{ready: true, exitAfter: 30 * time.Millisecond}))

	res := h.run(t)
	for _, name := range []string{"a", "b"} {
		st := statusOf(res, name)
		assert.True(t, st.Ready, name)
		assert.NotNil(t, st.ReadyLatencyMs, name)
		assert.Equal(t, []string{name + "/ping"}, st.Methods)
	}

	recs := parseRecords(t, h.out.String())
	assert.Len(t, eventsNamed(recs, "ready"), 2)
	caps := eventsNamed(recs, "capabilities")
	require.Len(t, caps, 1)
	assert.Equal(t, map[string]any{"a": []any{"a/ping"}, "b": []any{"b/ping"}}, caps[0]["servers"])
}

func TestRestartStartsFreshReadinessCycle(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors:      []Descriptor{{Name: "w", Cmd: "x"}},
		MaxRestarts:      1,
		ExitCodeOnGiveUp: -1,
	}, func(_ string, attempt int) behavior {
		if attempt == 1 {
			return behavior{ready: true, code: 1, exitAfter: 10 * time.Millisecond}
		}
		return behavior{ready: false, code: 0, exitAfter: 10 * time.Millisecond}
	})

	res := h.run(t)
	st := statusOf(res, "w")
	assert.False(t, st.Ready)
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, string(StateCompleted), st.State)
}

func TestMaxUptimeStopsWithoutConsumingBudget(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors:      []Descriptor{{Name: "long", Cmd: "x"}},
		MaxRestarts:      3,
		MaxUptime:        50 * time.Millisecond,
		ExitCodeOnGiveUp: 9,
	}, always(behavior{ready: true, exitAfter: -1}))

	res := h.run(t)
	st := statusOf(res, "long")
	assert.Equal(t, string(StateStopped), st.State)
	assert.Equal(t, stopMaxUptime, st.StopReason)
	assert.Equal(t, 0, st.Restarts)
	assert.Equal(t, 1, st.Spawns)
	assert.False(t, st.GaveUp)
	assert.Equal(t, 0, res.ExitCode)

	recs := parseRecords(t, h.out.String())
	require.Len(t, eventsNamed(recs, "max-uptime-reached"), 1)
	exits := eventsNamed(recs, "exit")
	require.Len(t, exits, 1)
	assert.Equal(t, stopMaxUptime, exits[0]["reason"])
}

func TestMaxUptimeCancelsPendingRestart(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors:      []Descriptor{{Name: "w", Cmd: "x"}},
		MaxRestarts:      3,
		BackoffMin:       10 * time.Second,
		BackoffMax:       10 * time.Second,
		MaxUptime:        50 * time.Millisecond,
		ExitCodeOnGiveUp: -1,
	}, always(behavior{code: 1}))

	start := time.Now()
	res := h.run(t)
	assert.Less(t, time.Since(start), 5*time.Second)
	st := statusOf(res, "w")
	assert.Equal(t, 1, st.Spawns)
	assert.Equal(t, string(StateStopped), st.State)
	assert.Equal(t, stopMaxUptime, st.StopReason)
}

func TestFailFastStopsEverything(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors: []Descriptor{
			{Name: "bad", Cmd: "x", MaxRestarts: intPtr(0)},
			{Name: "good", Cmd: "x"},
		},
		MaxRestarts:      3,
		FailFast:         true,
		ExitCodeOnGiveUp: 5,
	}, func(name string, _ int) behavior {
		if name == "bad" {
			return behavior{code: 1, exitAfter: 10 * time.Millisecond}
		}
		return behavior{ready: true, exitAfter: -1}
	})

	res := h.run(t)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "bad", res.FailFastServer)
	good := statusOf(res, "good")
	assert.Equal(t, string(StateStopped), good.State)
	assert.Equal(t, stopFailFast, good.StopReason)
	assert.False(t, good.Alive)

	recs := parseRecords(t, h.out.String())
	summary := eventsNamed(recs, "summary")
	require.Len(t, summary, 1)
	assert.Equal(t, true, summary[0]["failFastTriggered"])
	assert.Equal(t, "bad", summary[0]["failFastServer"])
}

func TestFailFastDuringFirstSpawnPassSkipsRemainingWorkers(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors: []Descriptor{
			{Name: "missing", Cmd: "nope", MaxRestarts: intPtr(0)},
			{Name: "long", Cmd: "x"},
		},
		FailFast:         true,
		ExitCodeOnGiveUp: -1,
	}, func(name string, _ int) behavior {
		if name == "missing" {
			return behavior{spawnErr: errNoBinary}
		}
		return behavior{exitAfter: -1}
	})

	res := h.run(t)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "missing", res.FailFastServer)
	assert.Equal(t, 0, h.launcher.count("long"))

	long := statusOf(res, "long")
	assert.Equal(t, string(StateStopped), long.State)
	assert.Equal(t, stopFailFast, long.StopReason)
	assert.Equal(t, 0, long.Spawns)
	assert.False(t, long.Alive)
}

func TestCancelDuringShutdownKillsImmediately(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors: []Descriptor{
			{Name: "bad", Cmd: "x", MaxRestarts: intPtr(0)},
			{Name: "stubborn", Cmd: "x"},
		},
		FailFast:         true,
		ShutdownGrace:    time.Minute,
		ExitCodeOnGiveUp: -1,
	}, func(name string, _ int) behavior {
		if name == "bad" {
			return behavior{code: 1, exitAfter: 5 * time.Millisecond}
		}
		return behavior{exitAfter: -1, ignoreTerm: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan Result, 1)
	go func() { done <- h.sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(eventsNamed(parseRecords(t, h.out.String()), "fail-fast-triggered")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	var res Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor ignored cancel during shutdown")
	}
	st := statusOf(res, "stubborn")
	assert.Equal(t, string(StateStopped), st.State)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, -1, *st.LastExitCode)
	assert.Len(t, eventsNamed(parseRecords(t, h.out.String()), "shutdown-escalated"), 1)
}

func TestCancelShutsDown(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors:      []Descriptor{{Name: "a", Cmd: "x"}, {Name: "b", Cmd: "x"}},
		ExitCodeOnGiveUp: -1,
	}, always(behavior{exitAfter: -1}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	res := h.sup.Run(ctx)

	for _, st := range res.Workers {
		assert.Equal(t, string(StateStopped), st.State)
		assert.Equal(t, "signal", st.StopReason)
		assert.Equal(t, 1, st.Spawns)
	}
	assert.Equal(t, 0, res.ExitCode)
}

func TestShutdownKillsWorkersIgnoringTerminate(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors:      []Descriptor{{Name: "stubborn", Cmd: "x"}},
		ShutdownGrace:    20 * time.Millisecond,
		ExitCodeOnGiveUp: -1,
	}, always(behavior{exitAfter: -1, ignoreTerm: true}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	res := h.sup.Run(ctx)

	st := statusOf(res, "stubborn")
	assert.Equal(t, string(StateStopped), st.State)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, -1, *st.LastExitCode)
}

func TestHeartbeatRecords(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors:       []Descriptor{{Name: "a", Cmd: "x"}},
		HeartbeatInterval: 10 * time.Millisecond,
		ExitCodeOnGiveUp:  -1,
	}, always(behavior{exitAfter: 80 * time.Millisecond}))

	h.run(t)
	recs := parseRecords(t, h.out.String())
	beats := eventsNamed(recs, "heartbeat")
	require.GreaterOrEqual(t, len(beats), 2)
	assert.Contains(t, beats[0]["servers"], "a")
}

func TestSnapshotAndKill(t *testing.T) {
	h := newSupervisor(t, Options{
		Descriptors:      []Descriptor{{Name: "w", Cmd: "x"}},
		MaxRestarts:      1,
		ExitCodeOnGiveUp: -1,
	}, func(_ string, attempt int) behavior {
		if attempt == 1 {
			return behavior{ready: true, exitAfter: -1}
		}
		return behavior{code: 0, exitAfter: 10 * time.Millisecond}
	})

	done := make(chan Result, 1)
	go func() { done <- h.sup.Run(context.Background()) }()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		st, err := h.sup.Snapshot(ctx)
		return err == nil && len(st) == 1 && st[0].Ready
	}, 2*time.Second, 5*time.Millisecond)

	st, err := h.sup.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, st[0].Alive)
	assert.Equal(t, 1001, st[0].ProcessId)
	assert.Equal(t, string(StateReady), st[0].State)

	assert.ErrorIs(t, h.sup.Kill(ctx, "nope"), ErrUnknownWorker)
	require.NoError(t, h.sup.Kill(ctx, "w"))

	var res Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not finish")
	}
	w := statusOf(res, "w")
	assert.Equal(t, 2, w.Spawns)
	assert.Equal(t, 1, w.Restarts)
	assert.Equal(t, string(StateCompleted), w.State)

	_, err = h.sup.Snapshot(ctx)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, h.sup.Kill(ctx, "w"), ErrStopped)
}

func TestNoServers(t *testing.T) {
	h := newSupervisor(t, Options{ExitCodeOnGiveUp: -1}, always(behavior{}))
	res := h.run(t)
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.Workers)
	recs := parseRecords(t, h.out.String())
	assert.Len(t, eventsNamed(recs, "no-servers"), 1)
}

func TestSummaryLogFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "supervisor.jsonl")
	out := &syncBuffer{}
	rec, err := NewRecorder(out, logPath, nil)
	require.NoError(t, err)

	sup := New(Options{
		Descriptors:      []Descriptor{{Name: "a", Cmd: "x"}},
		Launcher:         newFakeLauncher(always(behavior{code: 0})),
		Recorder:         rec,
		ExitCodeOnGiveUp: -1,
	})
	sup.Run(context.Background())
	require.NoError(t, rec.Close())

	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	recs := parseRecords(t, string(raw))
	assert.Len(t, eventsNamed(recs, "summary"), 1)
	assert.Len(t, eventsNamed(recs, "exiting"), 1)
	assert.Equal(t, string(raw), out.String())
}

func TestBackoffDelayBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		d := backoffDelay(500*time.Millisecond, 4*time.Second, rng)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
	assert.Equal(t, time.Second, backoffDelay(time.Second, time.Second, rng))
	assert.Equal(t, time.Second, backoffDelay(time.Second, 0, rng))
}

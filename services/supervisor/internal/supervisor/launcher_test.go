package supervisor

import (
	"bytes"
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idia-astro/go-toolvisor/pkg/shared/defs"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestParseReady(t *testing.T) {
	r, ok := parseReady([]byte(`{"type":"ready","server":"fs","methods":["fs/read"]}`))
	require.True(t, ok)
	assert.Equal(t, "fs", r.Server)
	assert.Equal(t, []string{"fs/read"}, r.Methods)

	for _, line := range []string{
		`server ready at :8080`,
		`{"type":"log","msg":"ready"}`,
		`{"type":"ready"`,
		``,
	} {
		_, ok := parseReady([]byte(line))
		assert.False(t, ok, line)
	}
}

func TestExecLauncherReadyOnDedicatedFD(t *testing.T) {
	requireShell(t)
	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	l := &ExecLauncher{Stdout: stdout, Stderr: stderr}

	ready := make(chan defs.ReadyLine, 2)
	script := `printf '%s\n' '{"type":"ready","server":"x","methods":["a/b"]}' >&"$TOOLVISOR_READY_FD"; echo hello; echo oops >&2; exit 3`
	inst, err := l.Launch(Descriptor{Name: "x", Cmd: "sh", Args: []string{"-c", script}}, Hooks{
		OnReady: func(r defs.ReadyLine) { ready <- r },
	})
	require.NoError(t, err)
	assert.Positive(t, inst.Pid())

	assert.Equal(t, 3, inst.Wait())
	select {
	case r := <-ready:
		assert.Equal(t, []string{"a/b"}, r.Methods)
	case <-time.After(2 * time.Second):
		t.Fatal("no readiness")
	}
	assert.Equal(t, "[x] hello\n", stdout.String())
	assert.Equal(t, "[x][err] oops\n", stderr.String())
}

func TestExecLauncherReadyOnStdoutFallback(t *testing.T) {
	requireShell(t)
	stdout := &syncBuffer{}
	l := &ExecLauncher{Stdout: stdout, Stderr: &bytes.Buffer{}}

	ready := make(chan defs.ReadyLine, 1)
	script := `echo 'booting'; echo '{"type":"ready","server":"y","methods":[]}'`
	inst, err := l.Launch(Descriptor{Name: "y", Cmd: "sh", Args: []string{"-c", script}}, Hooks{
		OnReady: func(r defs.ReadyLine) { ready <- r },
	})
	require.NoError(t, err)
	assert.Equal(t, 0, inst.Wait())

	select {
	case r := <-ready:
		assert.Equal(t, "y", r.Server)
	default:
		t.Fatal("readiness on stdout not detected")
	}
	assert.Equal(t, "[y] booting\n", stdout.String())
}

func TestExecLauncherKill(t *testing.T) {
	requireShell(t)
	l := &ExecLauncher{}
	inst, err := l.Launch(Descriptor{Name: "s", Cmd: "sh", Args: []string{"-c", "exec sleep 30"}}, Hooks{})
	require.NoError(t, err)
	require.NoError(t, inst.Kill())
	assert.Equal(t, -1, inst.Wait())
}

func TestExecLauncherWaitIgnoresBackgroundedChild(t *testing.T) {
	requireShell(t)
	l := &ExecLauncher{DrainTimeout: 100 * time.Millisecond}
	inst, err := l.Launch(Descriptor{Name: "bg", Cmd: "sh", Args: []string{"-c", "sleep 20 & exit 1"}}, Hooks{})
	require.NoError(t, err)

	code := make(chan int, 1)
	go func() { code <- inst.Wait() }()
	select {
	case c := <-code:
		assert.Equal(t, 1, c)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait blocked on a backgrounded child")
	}
}

func TestExecLauncherMissingBinary(t *testing.T) {
	l := &ExecLauncher{}
	_, err := l.Launch(Descriptor{Name: "m", Cmd: "definitely-not-a-real-binary-xyz"}, Hooks{})
	assert.Error(t, err)
}

func TestSupervisorWithRealProcesses(t *testing.T) {
	requireShell(t)
	out := &syncBuffer{}
	rec, err := NewRecorder(out, "", nil)
	require.NoError(t, err)

	sup := New(Options{
		Descriptors: []Descriptor{
			{Name: "fails", Cmd: "sh", Args: []string{"-c", "exit 1"}, MaxRestarts: intPtr(1)},
			{Name: "ok", Cmd: "sh", Args: []string{"-c", `printf '%s\n' '{"type":"ready","methods":["ok/ping"]}' >&3; exit 0`}},
			{Name: "missing", Cmd: "definitely-not-a-real-binary-xyz", MaxRestarts: intPtr(0)},
		},
		BackoffMin:       time.Millisecond,
		BackoffMax:       5 * time.Millisecond,
		ExitCodeOnGiveUp: 2,
		Launcher:         &ExecLauncher{Stdout: out, Stderr: out},
		Recorder:         rec,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res := sup.Run(ctx)
	require.NoError(t, ctx.Err())

	fails := statusOf(res, "fails")
	assert.Equal(t, 2, fails.Spawns)
	assert.True(t, fails.GaveUp)
	require.NotNil(t, fails.LastExitCode)
	assert.Equal(t, 1, *fails.LastExitCode)

	ok := statusOf(res, "ok")
	assert.Equal(t, string(StateCompleted), ok.State)
	assert.True(t, ok.Ready)
	assert.Equal(t, []string{"ok/ping"}, ok.Methods)

	missing := statusOf(res, "missing")
	require.NotNil(t, missing.LastExitCode)
	assert.Equal(t, spawnFailureCode, *missing.LastExitCode)
	assert.True(t, missing.GaveUp)

	assert.Equal(t, 2, res.ExitCode)
}

package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"idia-astro/go-toolvisor/pkg/jsoncodec"
	"idia-astro/go-toolvisor/pkg/linecodec"
	helpers "idia-astro/go-toolvisor/pkg/shared"
	"idia-astro/go-toolvisor/pkg/shared/defs"
)

// readyFD is the descriptor number children see for the readiness pipe
// (ExtraFiles start at 3).
const readyFD = 3

const defaultDrainTimeout = 500 * time.Millisecond

// Instance is one running child process.
type Instance interface {
	Pid() int
	// Terminate asks the process to stop.
	Terminate() error
	Kill() error
	// Wait blocks until the process exits and returns its exit code, -1 when
	// it was killed by a signal.
	Wait() int
}

type Hooks struct {
	// OnReady is called for every readiness line the instance emits.
	OnReady func(defs.ReadyLine)
}

// Launcher starts worker processes. Tests substitute a fake.
type Launcher interface {
	Launch(d Descriptor, hooks Hooks) (Instance, error)
}

// ExecLauncher runs descriptors as local OS processes. Child stdout and
// stderr lines are forwarded with a [name] prefix.
type ExecLauncher struct {
	Stdout       io.Writer
	Stderr       io.Writer
	MaxLineBytes int
	Logger       *slog.Logger
	// DrainTimeout bounds how long output is still read after a child
	// exits. Defaults to defaultDrainTimeout.
	DrainTimeout time.Duration

	mu sync.Mutex
}

func parseReady(line []byte) (defs.ReadyLine, bool) {
	if len(line) == 0 || line[0] != '{' || !bytes.Contains(line, []byte(defs.ReadyType)) {
		return defs.ReadyLine{}, false
	}
	var ready defs.ReadyLine
	if err := jsoncodec.Unmarshal(line, &ready); err != nil || ready.Type != defs.ReadyType {
		return defs.ReadyLine{}, false
	}
	return ready, true
}

func (l *ExecLauncher) Launch(d Descriptor, hooks Hooks) (Instance, error) {
	logger := l.Logger
	if logger == nil {
		logger = helpers.NopLogger()
	}

	cmd := exec.Command(d.Cmd, d.Args...)
	cmd.Env = os.Environ()
	for k, v := range d.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", defs.ReadyFDEnv, readyFD))

	// Plain pipes rather than cmd.StdoutPipe: a forked grandchild may keep
	// the write ends open after the child exits and Wait must not hang on it.
	var pipes, writeEnds []*os.File
	closeAll := func(fs []*os.File) {
		for _, f := range fs {
			helpers.CloseOrLog(f)
		}
	}
	for n := 0; n < 3; n++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(pipes)
			closeAll(writeEnds)
			return nil, fmt.Errorf("failed to create pipe: %w", err)
		}
		pipes = append(pipes, r)
		writeEnds = append(writeEnds, w)
	}
	cmd.Stdout = writeEnds[0]
	cmd.Stderr = writeEnds[1]
	cmd.ExtraFiles = []*os.File{writeEnds[2]}
	setProcAttrs(cmd)

	err := cmd.Start()
	// the child holds its own copies
	closeAll(writeEnds)
	if err != nil {
		closeAll(pipes)
		return nil, fmt.Errorf("failed to start %s: %w", d.Name, err)
	}

	inst := &execInstance{cmd: cmd, pipes: pipes, drain: l.DrainTimeout}

	onReady := func(line []byte) bool {
		ready, ok := parseReady(line)
		if ok && hooks.OnReady != nil {
			hooks.OnReady(ready)
		}
		return ok
	}

	// Scan a pipe, forward lines and watch for readiness.
	watch := func(r io.Reader, w io.Writer, prefix string, detectReady bool) {
		defer inst.readers.Done()
		lr := linecodec.NewReader(r, l.MaxLineBytes, logger.With("worker", d.Name))
		for {
			line, err := lr.ReadLine()
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					logger.Debug("Worker pipe closed", "worker", d.Name, "error", err)
				}
				// drain so the child never blocks on a full pipe
				_, _ = io.Copy(io.Discard, r)
				return
			}
			if detectReady && onReady(line) {
				continue
			}
			if w != nil {
				l.forward(w, prefix, line)
			}
		}
	}

	inst.readers.Add(3)
	go watch(pipes[0], l.Stdout, "["+d.Name+"] ", true)
	go watch(pipes[1], l.Stderr, "["+d.Name+"][err] ", false)
	go watch(pipes[2], nil, "", true)

	return inst, nil
}

func (l *ExecLauncher) forward(w io.Writer, prefix string, line []byte) {
	out := make([]byte, 0, len(prefix)+len(line)+1)
	out = append(out, prefix...)
	out = append(out, line...)
	out = append(out, '\n')
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = w.Write(out)
}

type execInstance struct {
	cmd     *exec.Cmd
	pipes   []*os.File
	drain   time.Duration
	readers sync.WaitGroup
}

func (i *execInstance) Pid() int { return i.cmd.Process.Pid }

func (i *execInstance) Terminate() error { return terminate(i.cmd.Process) }

func (i *execInstance) Kill() error { return kill(i.cmd.Process) }

func (i *execInstance) Wait() int {
	err := i.cmd.Wait()
	reapGroup(i.cmd.Process.Pid)

	drained := make(chan struct{})
	go func() {
		i.readers.Wait()
		close(drained)
	}()
	drain := i.drain
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	select {
	case <-drained:
	case <-time.After(drain):
		// closing the read ends unblocks the watchers
	}
	for _, f := range i.pipes {
		_ = f.Close()
	}
	<-drained

	if i.cmd.ProcessState == nil {
		if err != nil {
			return -1
		}
		return 0
	}
	return i.cmd.ProcessState.ExitCode()
}

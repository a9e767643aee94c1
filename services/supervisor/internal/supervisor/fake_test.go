package supervisor

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"idia-astro/go-toolvisor/pkg/shared/defs"
)

// behavior scripts one fake instance.
type behavior struct {
	spawnErr error
	ready    bool
	// exitAfter < 0 keeps the instance running until killed
	exitAfter  time.Duration
	code       int
	ignoreTerm bool
}

type fakeInstance struct {
	pid        int
	exit       chan int
	once       sync.Once
	ignoreTerm bool
}

func (f *fakeInstance) Pid() int { return f.pid }

func (f *fakeInstance) exitWith(code int) {
	f.once.Do(func() { f.exit <- code })
}

func (f *fakeInstance) Terminate() error {
	if !f.ignoreTerm {
		f.exitWith(-1)
	}
	return nil
}

func (f *fakeInstance) Kill() error {
	f.exitWith(-1)
	return nil
}

func (f *fakeInstance) Wait() int { return <-f.exit }

type fakeLauncher struct {
	mu       sync.Mutex
	launches map[string]int
	nextPid  int
	script   func(name string, attempt int) behavior
	live     map[string]*fakeInstance
}

func newFakeLauncher(script func(name string, attempt int) behavior) *fakeLauncher {
	return &fakeLauncher{launches: map[string]int{}, live: map[string]*fakeInstance{}, nextPid: 1000, script: script}
}

func (l *fakeLauncher) Launch(d Descriptor, hooks Hooks) (Instance, error) {
	l.mu.Lock()
	l.launches[d.Name]++
	attempt := l.launches[d.Name]
	l.nextPid++
	pid := l.nextPid
	l.mu.Unlock()

	b := l.script(d.Name, attempt)
	if b.spawnErr != nil {
		return nil, b.spawnErr
	}
	inst := &fakeInstance{pid: pid, exit: make(chan int, 1), ignoreTerm: b.ignoreTerm}
	l.mu.Lock()
	l.live[d.Name] = inst
	l.mu.Unlock()

	go func() {
		if b.ready {
			hooks.OnReady(defs.ReadyLine{Type: defs.ReadyType, Server: d.Name, Methods: []string{d.Name + "/ping"}})
		}
		if b.exitAfter >= 0 {
			time.Sleep(b.exitAfter)
			inst.exitWith(b.code)
		}
	}()
	return inst, nil
}

func (l *fakeLauncher) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[name]
}

func always(b behavior) func(string, int) behavior {
	return func(string, int) behavior { return b }
}

var errNoBinary = errors.New("exec: not found")

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func parseRecords(t *testing.T, out string) []map[string]any {
	t.Helper()
	var recs []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		recs = append(recs, m)
	}
	return recs
}

func eventsNamed(recs []map[string]any, event string) []map[string]any {
	var out []map[string]any
	for _, r := range recs {
		if r["event"] == event {
			out = append(out, r)
		}
	}
	return out
}

func intPtr(i int) *int { return &i }

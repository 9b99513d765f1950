package engine

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbgfront/dbgfront/pkg/transport"
)

// fakeTransport records written commands and lets the test feed backend
// output.
type fakeTransport struct {
	writes chan string
	lines  chan string
	done   chan struct{}

	mu       sync.Mutex
	err      error
	closed   bool
	probeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		writes: make(chan string, 256),
		lines:  make(chan string, 256),
		done:   make(chan struct{}),
	}
}

func (f *fakeTransport) WriteLine(line string) error {
	f.writes <- line
	return nil
}

func (f *fakeTransport) Lines() <-chan string  { return f.lines }
func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) lose(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.done)
}

func (f *fakeTransport) Close() error {
	f.lose(transport.ErrClosed)
	return nil
}

// probingTransport is a fakeTransport with a liveness probe.
type probingTransport struct {
	*fakeTransport
}

func (p probingTransport) Probe() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probeErr
}

// harness drives an engine from the test goroutine, which plays the role
// of the loop.
type harness struct {
	t      *testing.T
	tr     *fakeTransport
	e      *Engine
	events []Event
}

func newHarness(t *testing.T) *harness {
	tr := newFakeTransport()
	h := &harness{t: t, tr: tr, e: New(tr, Config{})}
	h.e.Events().Subscribe(func(ev Event) {
		h.events = append(h.events, ev)
	})
	return h
}

// next pops the oldest command written to the backend, checks its text
// and returns its token.
func (h *harness) next(want string) string {
	h.t.Helper()
	select {
	case line := <-h.tr.writes:
		i := 0
		for i < len(line) && line[i] >= '0' && line[i] <= '9' {
			i++
		}
		require.NotZero(h.t, i, "command %q has no token", line)
		require.Equal(h.t, want, line[i:])
		return line[:i]
	default:
		h.t.Fatalf("expected command %q, none was sent", want)
	}
	return ""
}

// noCommands checks that nothing was written to the backend.
func (h *harness) noCommands() {
	h.t.Helper()
	select {
	case line := <-h.tr.writes:
		h.t.Fatalf("unexpected command %q", line)
	default:
	}
}

func (h *harness) feed(lines ...string) {
	for _, l := range lines {
		h.e.HandleLine(l)
	}
}

func (h *harness) count(kind EventKind) int {
	n := 0
	for _, ev := range h.events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func (h *harness) last(kind EventKind) Event {
	h.t.Helper()
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Kind() == kind {
			return h.events[i]
		}
	}
	h.t.Fatalf("no %s event", kind)
	return nil
}

func (h *harness) reset() {
	h.events = nil
}

const stopAtMainLine = `*stopped,reason="breakpoint-hit",disp="keep",bkptno="1",frame={addr="0x0000000000001139",func="main",args=[],file="main.c",fullname="/src/main.c",line="5",arch="i386:x86-64"},thread-id="1",stopped-threads="all",core="0"`

// stopAtMain runs the program and stops it at main.
func (h *harness) stopAtMain() {
	h.t.Helper()
	require.NoError(h.t, h.e.RunProgram("", nil))
	tok := h.next("-exec-run")
	h.feed(tok+"^running", `*running,thread-id="all"`, "(gdb) ", stopAtMainLine)
	require.Equal(h.t, Stopped, h.e.State())
}

// resume continues the program and checks it is running.
func (h *harness) resume() {
	h.t.Helper()
	require.NoError(h.t, h.e.Continue("", nil))
	tok := h.next("-exec-continue")
	h.feed(tok+"^running", `*running,thread-id="all"`)
	require.Equal(h.t, Running, h.e.State())
}

func stepLine(line string) string {
	return strings.Replace(`*stopped,reason="end-stepping-range",frame={addr="0x0000000000001145",func="main",args=[],file="main.c",fullname="/src/main.c",line="LINE"},thread-id="1",stopped-threads="all"`, "LINE", line, 1)
}

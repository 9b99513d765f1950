package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dbgfront/dbgfront/pkg/logflags"
)

// ErrBackendExited is reported by Err when the backend process exited.
var ErrBackendExited = errors.New("backend process exited")

// ProcessConfig describes how to start a backend.
type ProcessConfig struct {
	// Argv is the backend command line, Argv[0] is the executable.
	Argv []string
	// WorkingDir is the working directory of the backend, empty for the
	// current one.
	WorkingDir string
	// Env is appended to the environment of the current process.
	Env []string
}

// Process is a Transport to a spawned backend process speaking GDB/MI on
// its standard input and output.
type Process struct {
	*Stream
	cmd      *exec.Cmd
	watchdog *Watchdog
	log      logflags.Logger

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

// Start spawns the backend described by conf.
func Start(conf ProcessConfig) (*Process, error) {
	if len(conf.Argv) == 0 {
		return nil, errors.New("empty backend command line")
	}
	cmd := exec.Command(conf.Argv[0], conf.Argv[1:]...)
	cmd.Dir = conf.WorkingDir
	cmd.Env = append(os.Environ(), conf.Env...)
	// ^C typed at the terminal must not reach the backend directly.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start backend %q: %w", conf.Argv[0], err)
	}

	p := &Process{
		cmd:    cmd,
		log:    logflags.TransportLogger().WithField("pid", cmd.Process.Pid),
		exited: make(chan struct{}),
	}
	p.log.Debugf("started backend %q", conf.Argv)
	p.watchdog = NewWatchdog(cmd.Process.Pid)
	p.Stream = NewStream(stdout, stdin)

	go p.logStderr(stderr)
	go p.wait()
	return p, nil
}

func (p *Process) logStderr(r io.Reader) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		p.log.Warnf("backend stderr: %s", s.Text())
	}
}

func (p *Process) wait() {
	// Output must be fully consumed before Wait closes the pipes.
	<-p.Stream.Done()
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.exited)
	})
	p.log.WithError(p.waitErr).Debugf("backend exited")
}

// Pid returns the process id of the backend.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Probe implements Prober. It reports an error once the backend process
// is gone or a zombie, even if its output pipe is still open because a
// child inherited it.
func (p *Process) Probe() error {
	if err := p.watchdog.Check(); err != nil {
		p.log.WithError(err).Debugf("watchdog")
		p.Stream.Fail(err)
		return err
	}
	return nil
}

// Interrupt implements Interrupter by sending SIGINT to the backend.
func (p *Process) Interrupt() error {
	p.log.Debugf("sending SIGINT")
	return unix.Kill(p.cmd.Process.Pid, unix.SIGINT)
}

// Close implements Transport. The backend is killed if it does not exit
// after its input is closed.
func (p *Process) Close() error {
	err := p.Stream.Close()
	select {
	case <-p.exited:
	default:
		p.cmd.Process.Kill()
	}
	return err
}

// Err implements Transport.
func (p *Process) Err() error {
	err := p.Stream.Err()
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrBackendExited
	}
	return err
}

package transport

import (
	"io"
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/dbgfront/dbgfront/pkg/logflags"
)

// InferiorTTY is a pseudo-terminal handed to the debugged program. The
// program's output read from the master side is copied to an io.Writer.
type InferiorTTY struct {
	master *os.File
	slave  *os.File
	done   chan struct{}
}

// OpenInferiorTTY allocates a pseudo-terminal and starts copying the
// program's output to out.
func OpenInferiorTTY(out io.Writer) (*InferiorTTY, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	if err := disableEcho(slave); err != nil {
		logflags.TransportLogger().WithError(err).Warn("could not disable echo on inferior tty")
	}
	t := &InferiorTTY{master: master, slave: slave, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		io.Copy(out, master)
	}()
	return t, nil
}

// Name is the device path to pass to -inferior-tty-set.
func (t *InferiorTTY) Name() string {
	return t.slave.Name()
}

// Write sends input to the debugged program.
func (t *InferiorTTY) Write(p []byte) (int, error) {
	return t.master.Write(p)
}

// Close releases both sides of the terminal and waits for the output copy
// to finish.
func (t *InferiorTTY) Close() error {
	t.slave.Close()
	err := t.master.Close()
	<-t.done
	return err
}

func disableEcho(f *os.File) error {
	termios, err := unix.IoctlGetTermios(int(f.Fd()), ioctlGetTermios)
	if err != nil {
		return err
	}
	termios.Lflag &^= unix.ECHO
	return unix.IoctlSetTermios(int(f.Fd()), ioctlSetTermios, termios)
}

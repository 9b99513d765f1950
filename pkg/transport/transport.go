// Package transport carries GDB/MI lines between the engine and a
// backend. The engine only sees the Transport interface; Process spawns a
// real backend, Stream adapts any reader/writer pair.
package transport

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/dbgfront/dbgfront/pkg/logflags"
)

// ErrClosed is returned by WriteLine after the transport was closed or
// lost.
var ErrClosed = errors.New("transport closed")

// Transport is a bidirectional line channel to a backend.
type Transport interface {
	// WriteLine sends one command line. The newline is appended by the
	// transport.
	WriteLine(line string) error
	// Lines delivers backend output one line at a time, without the
	// trailing newline. It is closed when the backend output ends.
	Lines() <-chan string
	// Done is closed when the connection to the backend is lost or
	// closed. Lines already received remain readable from Lines.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

// Prober is implemented by transports that can check the health of the
// backend independently of its output.
type Prober interface {
	Probe() error
}

// Interrupter is implemented by transports that can interrupt the
// backend out of band.
type Interrupter interface {
	Interrupt() error
}

// Stream is a Transport over a reader and a writer.
type Stream struct {
	w     io.WriteCloser
	wmu   sync.Mutex
	lines chan string
	done  chan struct{}
	log   logflags.Logger

	mu      sync.Mutex
	err     error
	closed  bool
	closers []io.Closer
}

// NewStream starts reading lines from r. Lines are written to w.
func NewStream(r io.Reader, w io.WriteCloser) *Stream {
	s := &Stream{
		w:     w,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
		log:   logflags.MIWireLogger(),
	}
	if c, ok := r.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	go s.readLoop(r)
	return s
}

func (s *Stream) readLoop(r io.Reader) {
	defer close(s.lines)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if logflags.MIWire() {
				s.log.Debugf("<- %s", line)
			}
			select {
			case s.lines <- line:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			s.fail(err)
			return
		}
	}
}

// WriteLine implements Transport.
func (s *Stream) WriteLine(line string) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if logflags.MIWire() {
		s.log.Debugf("-> %s", line)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := io.WriteString(s.w, line+"\n"); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// Lines implements Transport.
func (s *Stream) Lines() <-chan string {
	return s.lines
}

// Done implements Transport.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err implements Transport.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Fail marks the transport as lost with err. Only the first call has an
// effect.
func (s *Stream) Fail(err error) {
	s.fail(err)
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

// Close implements Transport.
func (s *Stream) Close() error {
	s.fail(ErrClosed)
	err := s.w.Close()
	for _, c := range s.closers {
		c.Close()
	}
	return err
}

// Package engine drives a GDB/MI backend. It correlates commands with
// their replies, tracks the session state, owns the breakpoint table and
// the variable object tree, and publishes what happens to subscribers.
//
// All engine state is confined to one goroutine, the loop started by Run.
// Operations must be called from that goroutine, either from an event
// handler or from a function passed to Post. Client wraps them for use
// from other goroutines.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/dbgfront/dbgfront/pkg/logflags"
	"github.com/dbgfront/dbgfront/pkg/mi"
	"github.com/dbgfront/dbgfront/pkg/transport"
)

// Config configures an Engine.
type Config struct {
	// WatchdogInterval is the period at which a transport implementing
	// transport.Prober is probed. Zero disables probing.
	WatchdogInterval time.Duration
	// CommandTimeout is how long a command may wait for its reply before
	// the backend is considered hung and the session is ended. Zero
	// disables the deadline.
	CommandTimeout time.Duration
	// PathCacheSize bounds the number of cached path expressions.
	PathCacheSize int
}

const defaultPathCacheSize = 256

// Engine is one debug session over one backend.
type Engine struct {
	tr     transport.Transport
	conf   Config
	log    logflags.Logger
	events *Dispatcher

	corr    *correlator
	session Session

	// resuming is set while a resume command awaits its reply.
	resuming bool
	// stopCookie is the cookie of the command expected to cause the next
	// stop.
	stopCookie string

	threads     []Thread
	frames      []Frame
	frameVars   map[int][]FrameVariable
	threadsOK   bool
	framesDepth int

	bps  *breakpointTable
	vars *varArena

	posted chan func()
	quit   chan struct{}
}

// New returns an engine talking to the backend over tr. Run must be called
// to start processing.
func New(tr transport.Transport, conf Config) *Engine {
	if conf.PathCacheSize <= 0 {
		conf.PathCacheSize = defaultPathCacheSize
	}
	e := &Engine{
		tr:     tr,
		conf:   conf,
		events: NewDispatcher(),
		corr:   newCorrelator(),
		bps:    newBreakpointTable(),
		posted: make(chan func()),
		quit:   make(chan struct{}),
	}
	e.session = Session{ID: uuid.New().String(), State: NotStarted}
	e.log = logflags.EngineLogger().WithField("session", e.session.ID)
	cache, err := lru.New(conf.PathCacheSize)
	if err != nil {
		panic(err)
	}
	e.vars = newVarArena(cache)
	sessionState.WithLabelValues(e.session.ID).Set(float64(NotStarted))
	return e
}

// Events returns the dispatcher events are published on.
func (e *Engine) Events() *Dispatcher {
	return e.events
}

// Session returns a snapshot of the session state.
func (e *Engine) Session() Session {
	s := e.session
	if s.Frame != nil {
		f := *s.Frame
		s.Frame = &f
	}
	return s
}

// State returns the current session state.
func (e *Engine) State() State {
	return e.session.State
}

// InFlight returns the number of commands waiting for a reply.
func (e *Engine) InFlight() int {
	return e.corr.inFlight()
}

// Run processes backend output, posted functions and watchdog ticks until
// ctx is cancelled or the backend is lost. It returns nil when the session
// ended because the backend went away.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.quit)

	var tick <-chan time.Time
	prober, canProbe := e.tr.(transport.Prober)
	canProbe = canProbe && e.conf.WatchdogInterval > 0
	interval := e.conf.WatchdogInterval
	if interval <= 0 || (e.conf.CommandTimeout > 0 && e.conf.CommandTimeout/2 < interval) {
		interval = e.conf.CommandTimeout / 2
	}
	if (canProbe || e.conf.CommandTimeout > 0) && interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	lines := e.tr.Lines()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				e.HandleTransportLost(e.tr.Err())
				return nil
			}
			e.HandleLine(line)
		case fn := <-e.posted:
			fn()
		case <-e.tr.Done():
			e.drainLines(lines)
			e.HandleTransportLost(e.tr.Err())
			return nil
		case now := <-tick:
			err := e.checkHung(now)
			if err == nil && canProbe {
				err = prober.Probe()
			}
			if err != nil {
				e.drainLines(lines)
				e.HandleTransportLost(err)
				return nil
			}
		}
	}
}

// checkHung returns an error wrapping ErrBackendHung if the oldest command
// in flight has waited longer than CommandTimeout. A running program may
// hold back replies until it stops, so no deadline applies then.
func (e *Engine) checkHung(now time.Time) error {
	if e.conf.CommandTimeout <= 0 || e.session.State == Running {
		return nil
	}
	p, ok := e.corr.oldest()
	if !ok {
		return nil
	}
	if waited := now.Sub(p.sent); waited > e.conf.CommandTimeout {
		return fmt.Errorf("%w: no reply to %q after %v", ErrBackendHung, p.cmd.Operation, waited.Round(time.Millisecond))
	}
	return nil
}

// drainLines handles the lines the transport delivered before it was lost.
func (e *Engine) drainLines(lines <-chan string) {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			e.HandleLine(line)
		default:
			return
		}
	}
}

// Post runs fn on the loop goroutine. It returns false if the loop has
// exited, in which case fn is not run.
func (e *Engine) Post(fn func()) bool {
	select {
	case e.posted <- fn:
		return true
	case <-e.quit:
		return false
	}
}

// Send writes cmd to the backend. The continuation k is invoked exactly
// once on the loop goroutine, with the reply or with the reason the
// command failed. If cookie is empty one is generated; the cookie used is
// returned.
func (e *Engine) Send(cmd mi.Command, cookie string, k Continuation) (string, error) {
	if e.session.State == Dead {
		return "", ErrEngineDead
	}
	p, err := e.corr.add(cmd, cookie, k)
	if err != nil {
		return "", err
	}
	commandsSent.WithLabelValues(cmd.Operation).Inc()
	commandsInFlight.WithLabelValues(e.session.ID).Set(float64(e.corr.inFlight()))
	if logflags.Engine() {
		e.log.Debugf("send %d (cookie %s): %s", p.token, p.cookie, cmd)
	}
	if err := e.tr.WriteLine(cmd.Format(p.token)); err != nil {
		// The command stays pending: a broken transport reports loss and
		// every pending command is failed then.
		e.log.WithError(err).Errorf("writing command %s", cmd)
	}
	return p.cookie, nil
}

// send is Send for internal use where the continuation handles every
// outcome and the cookie is already validated.
func (e *Engine) send(cmd mi.Command, cookie string, k Continuation) error {
	_, err := e.Send(cmd, cookie, k)
	return err
}

// HandleLine interprets one line of backend output.
func (e *Engine) HandleLine(line string) {
	if e.session.State == Dead {
		return
	}
	if !utf8.ValidString(line) {
		e.protocolError(line, "invalid UTF-8")
		return
	}
	if strings.TrimSpace(line) == "" {
		return
	}
	rec, err := mi.ParseRecord(line)
	if err != nil {
		e.protocolError(line, err.Error())
		// The reply is lost but its command must still complete.
		if token, ok := mi.ResultToken(line); ok {
			if p, ok := e.corr.take(token); ok {
				commandsInFlight.WithLabelValues(e.session.ID).Set(float64(e.corr.inFlight()))
				e.complete(p, nil, &ProtocolError{Line: line, Reason: err.Error()})
			}
		}
		return
	}
	switch {
	case rec.Kind == mi.Prompt:
	case rec.Kind.IsStream():
		e.handleStream(rec)
	case rec.Kind == mi.ResultRecord:
		e.handleResult(line, rec)
	case rec.Kind == mi.ExecAsync:
		e.handleExecAsync(rec)
	case rec.Kind == mi.NotifyAsync:
		e.handleNotify(rec)
	case rec.Kind == mi.StatusAsync:
		if logflags.Engine() {
			e.log.Debugf("status %s", rec.Class)
		}
	}
}

func (e *Engine) protocolError(line, reason string) {
	protocolErrors.Inc()
	err := &ProtocolError{Line: line, Reason: reason}
	e.log.Error(err)
}

func (e *Engine) handleStream(rec *mi.Record) {
	var s OutputStream
	switch rec.Kind {
	case mi.ConsoleStream:
		s = ConsoleOutput
	case mi.TargetStream:
		s = TargetOutput
	case mi.LogStream:
		s = LogOutput
	}
	e.events.Publish(Output{Stream: s, Text: rec.Stream})
}

func (e *Engine) handleResult(line string, rec *mi.Record) {
	token, ok := rec.TokenValue()
	if !ok {
		e.protocolError(line, "result record without a token")
		return
	}
	p, ok := e.corr.take(token)
	if !ok {
		e.protocolError(line, "no command in flight for this token")
		return
	}
	repliesReceived.WithLabelValues(rec.Class).Inc()
	commandDuration.WithLabelValues(p.cmd.Operation).Observe(time.Since(p.sent).Seconds())
	commandsInFlight.WithLabelValues(e.session.ID).Set(float64(e.corr.inFlight()))

	var err error
	var reply *Reply
	if rec.Class == mi.ClassError {
		err = &BackendError{
			Command: "-" + p.cmd.Operation,
			Msg:     rec.Results.String("msg"),
			Code:    rec.Results.String("code"),
		}
	} else {
		reply = &Reply{Class: rec.Class, Results: rec.Results}
	}
	if logflags.Engine() {
		e.log.Debugf("reply %d (cookie %s): %s", p.token, p.cookie, rec.Class)
	}
	e.complete(p, reply, err)
}

func (e *Engine) complete(p *pendingCommand, reply *Reply, err error) {
	if p.k != nil {
		p.k(reply, err)
	}
	e.events.Publish(CommandDone{Command: p.cmd.String(), Err: err, cookie: p.cookie})
}

// HandleTransportLost moves the session to Dead, fails every pending
// command with ErrBackendGone and publishes EngineDied. Only the first
// call has an effect.
func (e *Engine) HandleTransportLost(cause error) {
	if e.session.State == Dead {
		return
	}
	if cause == nil {
		cause = ErrBackendGone
	}
	e.log.WithError(cause).Warn("backend lost")
	e.resuming = false
	e.setState(Dead, "")
	for _, p := range e.corr.drain() {
		commandsForceFailed.Inc()
		e.complete(p, nil, ErrBackendGone)
	}
	commandsInFlight.WithLabelValues(e.session.ID).Set(0)
	e.vars.drop()
	e.bps.failPending(ErrBackendGone)
	e.events.Publish(EngineDied{Err: cause})
}

// Close closes the transport.
func (e *Engine) Close() error {
	err := e.tr.Close()
	sessionState.DeleteLabelValues(e.session.ID)
	commandsInFlight.DeleteLabelValues(e.session.ID)
	return err
}

func (e *Engine) setState(s State, cookie string) {
	old := e.session.State
	if old == s {
		return
	}
	e.session.State = s
	if s == Running {
		e.invalidate()
	}
	sessionState.WithLabelValues(e.session.ID).Set(float64(s))
	if logflags.Engine() {
		e.log.Debugf("state %s -> %s", old, s)
	}
	e.events.Publish(StateChanged{Old: old, New: s, Session: e.Session(), cookie: cookie})
}

// invalidate drops everything learned during the last stop.
func (e *Engine) invalidate() {
	e.session.Frame = nil
	e.session.FrameLevel = 0
	e.session.StopReason = ""
	e.threads = nil
	e.threadsOK = false
	e.frames = nil
	e.framesDepth = 0
	e.frameVars = nil
}

// checkState returns a usage error unless the session is in one of the
// allowed states and no resume command is in flight.
func (e *Engine) checkState(op string, allowed ...State) error {
	st := e.session.State
	if st == Dead {
		return ErrEngineDead
	}
	if e.resuming {
		return &StateError{Op: op, State: Running}
	}
	for _, a := range allowed {
		if st == a {
			return nil
		}
	}
	return &StateError{Op: op, State: st}
}

func (e *Engine) checkCookie(cookie string) error {
	if cookie != "" && e.corr.busy(cookie) {
		return ErrCookieInUse
	}
	return nil
}

func (e *Engine) handleExecAsync(rec *mi.Record) {
	switch rec.Class {
	case "running":
		if e.session.State == NotStarted || e.session.State == Stopped {
			e.setState(Running, e.stopCookie)
		}
	case "stopped":
		e.handleStopped(rec.Results)
	default:
		if logflags.Engine() {
			e.log.Debugf("ignoring exec record %s", rec.Class)
		}
	}
}

func isExitReason(reason string) bool {
	switch reason {
	case "exited", "exited-normally", "exited-signalled":
		return true
	}
	return false
}

func (e *Engine) handleStopped(r mi.Tuple) {
	if e.session.State.Terminal() {
		return
	}
	reason := r.String("reason")
	cookie := e.stopCookie
	e.stopCookie = ""

	if isExitReason(reason) {
		code := 0
		if s := r.String("exit-code"); s != "" {
			// The backend reports the exit status in octal.
			if n, err := parseOctal(s); err == nil {
				code = n
			}
		}
		e.session.ExitCode = code
		e.session.StopReason = reason
		e.setState(Exited, cookie)
		e.vars.releaseAll(e)
		e.events.Publish(ProgramFinished{Reason: reason, ExitCode: code, cookie: cookie})
		return
	}

	if e.session.State == Stopped {
		// A second stop without an intervening resume, e.g. another
		// thread reporting. Treat it as a fresh stop.
		e.invalidate()
	}
	frame := parseFrame(r.Tuple("frame"))
	e.session.StopReason = reason
	e.session.Frame = frame
	e.session.FrameLevel = 0
	if frame != nil {
		e.session.FrameLevel = frame.Level
	}
	if tid := r.String("thread-id"); tid != "" {
		e.session.ThreadID = tid
	}
	bkptno, _ := r.Int("bkptno")
	if reason == "breakpoint-hit" && bkptno > 0 {
		e.bps.hit(bkptno)
	}
	e.setState(Stopped, cookie)
	e.vars.flushDeferred(e)

	ev := ProgramStopped{
		Reason:     reason,
		ThreadID:   e.session.ThreadID,
		Breakpoint: bkptno,
		Signal:     r.String("signal-name"),
		cookie:     cookie,
	}
	if frame != nil {
		f := *frame
		ev.Frame = &f
	}
	if bp, ok := e.Breakpoint(bkptno); ok && bp.IsCountPoint {
		ev.CountPoint = true
	}
	e.events.Publish(ev)
}

func (e *Engine) handleNotify(rec *mi.Record) {
	r := rec.Results
	switch rec.Class {
	case "thread-group-started":
		if pid, ok := r.Int("pid"); ok {
			e.session.Pid = pid
		}
	case "thread-selected":
		tid := r.String("id")
		if tid == "" {
			return
		}
		e.session.ThreadID = tid
		var frame *Frame
		if f := parseFrame(r.Tuple("frame")); f != nil {
			e.session.Frame = f
			e.session.FrameLevel = f.Level
			c := *f
			frame = &c
		}
		e.events.Publish(ThreadSelected{ThreadID: tid, Frame: frame})
	case "breakpoint-created":
		e.bps.notifyCreated(e, r)
	case "breakpoint-modified":
		e.bps.notifyModified(e, r)
	case "breakpoint-deleted":
		e.bps.notifyDeleted(e, r.String("id"))
	default:
		if logflags.Engine() {
			e.log.Debugf("ignoring notification %s", rec.Class)
		}
	}
}

func parseOctal(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '7' {
			return 0, errors.New("invalid octal number " + s)
		}
		n = n*8 + int(c-'0')
	}
	return n, nil
}

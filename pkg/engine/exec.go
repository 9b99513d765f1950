package engine

import (
	"errors"
	"strconv"

	"github.com/dbgfront/dbgfront/pkg/mi"
	"github.com/dbgfront/dbgfront/pkg/transport"
)

// Done receives the outcome of an operation that produces no value.
type Done func(error)

func (d Done) call(err error) {
	if d != nil {
		d(err)
	}
}

// orIgnore returns k, or a handler discarding the result if k is nil.
func orIgnore[T any](k func(T, error)) func(T, error) {
	if k == nil {
		return func(T, error) {}
	}
	return k
}

// LoadProgram tells the backend which program to debug, its arguments and
// its working directory. Empty args or cwd are not sent.
func (e *Engine) LoadProgram(path string, args []string, cwd string, cookie string, done Done) error {
	if err := e.checkState("load program", NotStarted); err != nil {
		return err
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	cmds := []mi.Command{mi.NewCommand("file-exec-and-symbols", path)}
	if len(args) > 0 {
		cmds = append(cmds, mi.NewCommand("exec-arguments", args...))
	}
	if cwd != "" {
		cmds = append(cmds, mi.NewCommand("environment-cd", cwd))
	}
	return e.sendChain(cmds, cookie, done)
}

// sendChain sends cmds one after the other, stopping at the first
// failure. Only the first command carries cookie.
func (e *Engine) sendChain(cmds []mi.Command, cookie string, done Done) error {
	var next func(i int) Continuation
	next = func(i int) Continuation {
		return func(_ *Reply, err error) {
			if err != nil || i+1 == len(cmds) {
				done.call(err)
				return
			}
			if err := e.send(cmds[i+1], "", next(i+1)); err != nil {
				done.call(err)
			}
		}
	}
	return e.send(cmds[0], cookie, next(0))
}

// SetInferiorTTY makes the debugged program use the terminal device name.
func (e *Engine) SetInferiorTTY(name string, cookie string, done Done) error {
	if err := e.checkState("set inferior tty", NotStarted); err != nil {
		return err
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	return e.send(mi.NewCommand("inferior-tty-set", name), cookie, func(_ *Reply, err error) {
		done.call(err)
	})
}

// RunProgram starts the program.
func (e *Engine) RunProgram(cookie string, done Done) error {
	return e.resume("run", mi.NewCommand("exec-run"), cookie, done, NotStarted)
}

// Continue resumes the stopped program.
func (e *Engine) Continue(cookie string, done Done) error {
	return e.resume("continue", mi.NewCommand("exec-continue"), cookie, done, Stopped)
}

// StepOver executes the next source line, stepping over calls.
func (e *Engine) StepOver(cookie string, done Done) error {
	return e.resume("step over", mi.NewCommand("exec-next"), cookie, done, Stopped)
}

// StepInto executes the next source line, entering calls.
func (e *Engine) StepInto(cookie string, done Done) error {
	return e.resume("step into", mi.NewCommand("exec-step"), cookie, done, Stopped)
}

// StepOut runs until the current function returns.
func (e *Engine) StepOut(cookie string, done Done) error {
	return e.resume("step out", mi.NewCommand("exec-finish"), cookie, done, Stopped)
}

func (e *Engine) resume(op string, cmd mi.Command, cookie string, done Done, allowed ...State) error {
	if err := e.checkState(op, allowed...); err != nil {
		return err
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	var sent string
	sent, err := e.Send(cmd, cookie, func(r *Reply, err error) {
		e.resuming = false
		if err != nil {
			if e.stopCookie == sent {
				e.stopCookie = ""
			}
		} else if r.Class == mi.ClassRunning && !e.session.State.Terminal() {
			e.setState(Running, sent)
		}
		done.call(err)
	})
	if err != nil {
		return err
	}
	e.resuming = true
	e.stopCookie = sent
	return nil
}

// Interrupt stops the running program. If the backend refuses the
// interrupt command and the transport can interrupt the backend out of
// band, that is tried instead.
func (e *Engine) Interrupt(cookie string, done Done) error {
	if e.session.State == Dead {
		return ErrEngineDead
	}
	if e.session.State != Running && !e.resuming {
		return &StateError{Op: "interrupt", State: e.session.State}
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	var sent string
	sent, err := e.Send(mi.NewCommand("exec-interrupt"), cookie, func(_ *Reply, err error) {
		if err != nil {
			if in, ok := e.tr.(transport.Interrupter); ok && !IsBackendGone(err) {
				e.log.WithError(err).Debug("interrupt command refused, signalling backend")
				err = in.Interrupt()
			}
		}
		if err != nil && e.stopCookie == sent {
			e.stopCookie = ""
		}
		done.call(err)
	})
	if err != nil {
		return err
	}
	e.stopCookie = sent
	return nil
}

// IsBackendGone reports whether err reports the loss of the backend.
func IsBackendGone(err error) bool {
	return errors.Is(err, ErrBackendGone) || errors.Is(err, ErrEngineDead)
}

// Quit asks the backend to exit. The session becomes Dead when the
// transport closes.
func (e *Engine) Quit(cookie string, done Done) error {
	if e.session.State == Dead {
		return ErrEngineDead
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	return e.send(mi.NewCommand("gdb-exit"), cookie, func(_ *Reply, err error) {
		done.call(err)
	})
}

// ListThreads lists the threads of the stopped program. The result is
// cached until the program resumes.
func (e *Engine) ListThreads(cookie string, k func([]Thread, error)) error {
	k = orIgnore(k)
	if err := e.checkState("list threads", Stopped); err != nil {
		return err
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	if e.threadsOK {
		k(append([]Thread(nil), e.threads...), nil)
		return nil
	}
	return e.send(mi.NewCommand("thread-info"), cookie, func(r *Reply, err error) {
		if err != nil {
			k(nil, err)
			return
		}
		current := r.Results.String("current-thread-id")
		if current != "" {
			e.session.ThreadID = current
		}
		threads := []Thread{}
		for _, t := range r.Results.List("threads").Tuples() {
			threads = append(threads, parseThread(t, e.session.ThreadID))
		}
		if e.session.State == Stopped {
			e.threads = threads
			e.threadsOK = true
		}
		k(append([]Thread(nil), threads...), nil)
	})
}

// SelectThread makes id the current thread.
func (e *Engine) SelectThread(id string, cookie string, done Done) error {
	if err := e.checkState("select thread", Stopped); err != nil {
		return err
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	var sent string
	sent, err := e.Send(mi.NewCommand("thread-select", id), cookie, func(r *Reply, err error) {
		if err != nil {
			done.call(err)
			return
		}
		tid := r.Results.String("new-thread-id")
		if tid == "" {
			tid = id
		}
		e.session.ThreadID = tid
		e.frames = nil
		e.framesDepth = 0
		e.frameVars = nil
		frame := parseFrame(r.Results.Tuple("frame"))
		e.session.Frame = frame
		e.session.FrameLevel = 0
		if frame != nil {
			e.session.FrameLevel = frame.Level
		}
		for i := range e.threads {
			e.threads[i].Current = e.threads[i].ID == tid
		}
		ev := ThreadSelected{ThreadID: tid, cookie: sent}
		if frame != nil {
			f := *frame
			ev.Frame = &f
		}
		done.call(nil)
		e.events.Publish(ev)
	})
	return err
}

// ListFrames lists the innermost depth frames of the current thread, or
// all of them if depth is not positive.
func (e *Engine) ListFrames(depth int, cookie string, k func([]Frame, error)) error {
	k = orIgnore(k)
	if err := e.checkState("list frames", Stopped); err != nil {
		return err
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	if e.framesDepth < 0 || (depth > 0 && e.framesDepth >= depth) {
		frames := e.frames
		if depth > 0 && len(frames) > depth {
			frames = frames[:depth]
		}
		k(append([]Frame(nil), frames...), nil)
		return nil
	}
	args := []string{}
	if depth > 0 {
		args = append(args, "0", strconv.Itoa(depth-1))
	}
	return e.send(mi.NewCommand("stack-list-frames", args...), cookie, func(r *Reply, err error) {
		if err != nil {
			k(nil, err)
			return
		}
		frames := []Frame{}
		for _, t := range r.Results.List("stack").Tuples() {
			frames = append(frames, *parseFrame(t))
		}
		if e.session.State == Stopped {
			e.frames = frames
			e.framesDepth = depth
			if depth <= 0 || len(frames) < depth {
				// The whole stack is known.
				e.framesDepth = -1
			}
		}
		k(append([]Frame(nil), frames...), nil)
	})
}

// SelectFrame makes level the current frame of the current thread.
func (e *Engine) SelectFrame(level int, cookie string, k func(*Frame, error)) error {
	k = orIgnore(k)
	if err := e.checkState("select frame", Stopped); err != nil {
		return err
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	lvl := strconv.Itoa(level)
	return e.send(mi.NewCommand("stack-select-frame", lvl), cookie, func(_ *Reply, err error) {
		if err != nil {
			k(nil, err)
			return
		}
		err = e.send(mi.NewCommand("stack-info-frame"), "", func(r *Reply, err error) {
			if err != nil {
				k(nil, err)
				return
			}
			f := parseFrame(r.Results.Tuple("frame"))
			if f == nil {
				f = &Frame{Level: level}
			}
			e.session.Frame = f
			e.session.FrameLevel = f.Level
			c := *f
			k(&c, nil)
		})
		if err != nil {
			k(nil, err)
		}
	})
}

// FrameVariables lists the names of the locals and arguments of the
// current frame.
func (e *Engine) FrameVariables(cookie string, k func([]FrameVariable, error)) error {
	k = orIgnore(k)
	if err := e.checkState("list frame variables", Stopped); err != nil {
		return err
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	level := e.session.FrameLevel
	if vars, ok := e.frameVars[level]; ok {
		k(append([]FrameVariable(nil), vars...), nil)
		return nil
	}
	return e.send(mi.NewCommand("stack-list-variables", "--no-values"), cookie, func(r *Reply, err error) {
		if err != nil {
			k(nil, err)
			return
		}
		vars := []FrameVariable{}
		for _, t := range r.Results.List("variables").Tuples() {
			vars = append(vars, FrameVariable{Name: t.String("name"), Arg: t.String("arg") == "1"})
		}
		if e.session.State == Stopped {
			if e.frameVars == nil {
				e.frameVars = make(map[int][]FrameVariable)
			}
			e.frameVars[level] = vars
		}
		k(append([]FrameVariable(nil), vars...), nil)
	})
}

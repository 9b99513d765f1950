package engine

import (
	"context"
)

// Client calls engine operations from goroutines other than the loop.
// Every method posts the operation to the loop and blocks until its
// continuation ran or ctx is done. Usage errors are returned as is.
type Client struct {
	e *Engine
}

// NewClient returns a client for e. The loop of e must be running.
func NewClient(e *Engine) *Client {
	return &Client{e: e}
}

type result[T any] struct {
	v   T
	err error
}

// call runs op on the loop. op either returns an error or arranges for k
// to be called exactly once.
func call[T any](ctx context.Context, e *Engine, op func(k func(T, error)) error) (T, error) {
	var zero T
	ch := make(chan result[T], 1)
	fn := func() {
		if err := op(func(v T, err error) { ch <- result[T]{v, err} }); err != nil {
			ch <- result[T]{zero, err}
		}
	}
	select {
	case e.posted <- fn:
	case <-e.quit:
		return zero, ErrEngineDead
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-e.quit:
		select {
		case r := <-ch:
			return r.v, r.err
		default:
			return zero, ErrEngineDead
		}
	}
}

func callDone(ctx context.Context, e *Engine, op func(done Done) error) error {
	_, err := call(ctx, e, func(k func(struct{}, error)) error {
		return op(func(err error) { k(struct{}{}, err) })
	})
	return err
}

func read[T any](ctx context.Context, e *Engine, get func() (T, error)) (T, error) {
	return call(ctx, e, func(k func(T, error)) error {
		v, err := get()
		k(v, err)
		return nil
	})
}

// Subscribe registers fn with the engine's dispatcher. fn runs on the
// loop goroutine.
func (c *Client) Subscribe(fn Handler, kinds ...EventKind) (unsubscribe func()) {
	return c.e.events.Subscribe(fn, kinds...)
}

// Session returns a snapshot of the session state.
func (c *Client) Session(ctx context.Context) (Session, error) {
	return read(ctx, c.e, func() (Session, error) { return c.e.Session(), nil })
}

// LoadProgram sets the program to debug.
func (c *Client) LoadProgram(ctx context.Context, path string, args []string, cwd string) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.LoadProgram(path, args, cwd, "", done) })
}

// SetInferiorTTY sets the terminal of the debugged program.
func (c *Client) SetInferiorTTY(ctx context.Context, name string) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.SetInferiorTTY(name, "", done) })
}

// Run starts the program. It returns once the backend accepted the
// command; the stop is reported by a ProgramStopped event.
func (c *Client) Run(ctx context.Context) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.RunProgram("", done) })
}

// Continue resumes the program.
func (c *Client) Continue(ctx context.Context) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.Continue("", done) })
}

// StepOver steps over the current line.
func (c *Client) StepOver(ctx context.Context) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.StepOver("", done) })
}

// StepInto steps into the current line.
func (c *Client) StepInto(ctx context.Context) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.StepInto("", done) })
}

// StepOut runs until the current function returns.
func (c *Client) StepOut(ctx context.Context) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.StepOut("", done) })
}

// Interrupt stops the running program.
func (c *Client) Interrupt(ctx context.Context) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.Interrupt("", done) })
}

// Quit asks the backend to exit.
func (c *Client) Quit(ctx context.Context) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.Quit("", done) })
}

// ListThreads lists the threads of the stopped program.
func (c *Client) ListThreads(ctx context.Context) ([]Thread, error) {
	return call(ctx, c.e, func(k func([]Thread, error)) error { return c.e.ListThreads("", k) })
}

// SelectThread makes id the current thread.
func (c *Client) SelectThread(ctx context.Context, id string) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.SelectThread(id, "", done) })
}

// ListFrames lists up to depth frames of the current thread.
func (c *Client) ListFrames(ctx context.Context, depth int) ([]Frame, error) {
	return call(ctx, c.e, func(k func([]Frame, error)) error { return c.e.ListFrames(depth, "", k) })
}

// SelectFrame makes level the current frame.
func (c *Client) SelectFrame(ctx context.Context, level int) (*Frame, error) {
	return call(ctx, c.e, func(k func(*Frame, error)) error { return c.e.SelectFrame(level, "", k) })
}

// FrameVariables lists the locals and arguments of the current frame.
func (c *Client) FrameVariables(ctx context.Context) ([]FrameVariable, error) {
	return call(ctx, c.e, func(k func([]FrameVariable, error)) error { return c.e.FrameVariables("", k) })
}

// Breakpoints returns the breakpoint table.
func (c *Client) Breakpoints(ctx context.Context) ([]Breakpoint, error) {
	return read(ctx, c.e, func() ([]Breakpoint, error) { return c.e.Breakpoints(), nil })
}

// SetBreakpoint sets a breakpoint at file:line.
func (c *Client) SetBreakpoint(ctx context.Context, file string, line int, condition string, countPoint bool) (*Breakpoint, error) {
	return call(ctx, c.e, func(k func(*Breakpoint, error)) error {
		return c.e.SetByLocation(file, line, condition, countPoint, "", k)
	})
}

// SetFunctionBreakpoint sets a breakpoint on function.
func (c *Client) SetFunctionBreakpoint(ctx context.Context, function string, condition string, countPoint bool) (*Breakpoint, error) {
	return call(ctx, c.e, func(k func(*Breakpoint, error)) error {
		return c.e.SetByFunction(function, condition, countPoint, "", k)
	})
}

// LookupByLocation returns the number of the breakpoint at file:line.
func (c *Client) LookupByLocation(ctx context.Context, file string, line int) (int, bool, error) {
	return c.lookup(ctx, func() (int, bool) { return c.e.LookupByLocation(file, line) })
}

// LookupByFunction returns the number of the breakpoint set on function.
func (c *Client) LookupByFunction(ctx context.Context, function string) (int, bool, error) {
	return c.lookup(ctx, func() (int, bool) { return c.e.LookupByFunction(function) })
}

func (c *Client) lookup(ctx context.Context, find func() (int, bool)) (int, bool, error) {
	n, err := read(ctx, c.e, func() (int, error) {
		n, ok := find()
		if !ok {
			return 0, ErrUnknownBreakpoint
		}
		return n, nil
	})
	if err == ErrUnknownBreakpoint {
		return 0, false, nil
	}
	return n, err == nil, err
}

// DeleteBreakpoint deletes breakpoint n.
func (c *Client) DeleteBreakpoint(ctx context.Context, n int) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.Delete(n, "", done) })
}

// DeleteBreakpointAt deletes the breakpoint at file:line.
func (c *Client) DeleteBreakpointAt(ctx context.Context, file string, line int) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.DeleteByLocation(file, line, "", done) })
}

// EnableBreakpoint enables breakpoint n.
func (c *Client) EnableBreakpoint(ctx context.Context, n int) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.Enable(n, "", done) })
}

// DisableBreakpoint disables breakpoint n.
func (c *Client) DisableBreakpoint(ctx context.Context, n int) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.Disable(n, "", done) })
}

// SetBreakpointCondition sets the condition of breakpoint n.
func (c *Client) SetBreakpointCondition(ctx context.Context, n int, condition string) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.SetCondition(n, condition, "", done) })
}

// RefreshBreakpoints reloads the breakpoint table from the backend.
func (c *Client) RefreshBreakpoints(ctx context.Context) ([]Breakpoint, error) {
	return call(ctx, c.e, func(k func([]Breakpoint, error)) error { return c.e.Refresh("", k) })
}

// ImportBreakpoints restores bps, creating only the missing ones.
func (c *Client) ImportBreakpoints(ctx context.Context, bps map[int]Breakpoint) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.Import(bps, "", done) })
}

// NewRoot returns a new variable object slot.
func (c *Client) NewRoot(ctx context.Context) (*Root, error) {
	return read(ctx, c.e, func() (*Root, error) {
		if c.e.State() == Dead {
			return nil, ErrEngineDead
		}
		return c.e.NewRoot(), nil
	})
}

// ReleaseRoot deletes the variable object held by root and retires it.
func (c *Client) ReleaseRoot(ctx context.Context, root *Root) error {
	return callDone(ctx, c.e, func(done Done) error { return root.Release(done) })
}

// Create creates a variable object for expr in root.
func (c *Client) Create(ctx context.Context, root *Root, expr string) (*Variable, error) {
	return call(ctx, c.e, func(k func(*Variable, error)) error { return c.e.Create(root, expr, "", k) })
}

// Unfold fetches the children of the variable object name.
func (c *Client) Unfold(ctx context.Context, name string) ([]Variable, error) {
	return call(ctx, c.e, func(k func([]Variable, error)) error { return c.e.Unfold(name, "", k) })
}

// Assign assigns value to the variable object name and returns the value
// the backend reports.
func (c *Client) Assign(ctx context.Context, name, value string) (*Variable, error) {
	return call(ctx, c.e, func(k func(*Variable, error)) error { return c.e.Assign(name, value, "", k) })
}

// DeleteVariable deletes the variable object name.
func (c *Client) DeleteVariable(ctx context.Context, name string) error {
	return callDone(ctx, c.e, func(done Done) error { return c.e.DeleteVariable(name, done) })
}

// PathExpression returns the full expression of the variable object name.
func (c *Client) PathExpression(ctx context.Context, name string) (string, error) {
	return call(ctx, c.e, func(k func(string, error)) error { return c.e.PathExpression(name, "", k) })
}

// Variable returns a snapshot of the variable object name.
func (c *Client) Variable(ctx context.Context, name string) (Variable, error) {
	return read(ctx, c.e, func() (Variable, error) {
		v, ok := c.e.Variable(name)
		if !ok {
			return Variable{}, ErrUnknownVariable
		}
		return v, nil
	})
}

// Children returns the fetched children of the variable object name.
func (c *Client) Children(ctx context.Context, name string) ([]Variable, error) {
	return read(ctx, c.e, func() ([]Variable, error) { return c.e.Children(name) })
}

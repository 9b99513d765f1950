package starbind

import (
	"go.starlark.net/starlark"

	"github.com/dbgfront/dbgfront/pkg/engine"
)

type builtinFunc = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

// engineBuiltins makes the operations of the engine client available to
// scripts. Every builtin blocks until the backend replied.
func (env *Env) engineBuiltins() {
	env.builtin("session", "()", "returns the state of the debug session.", env.call0(func(c *engine.Client, thread *starlark.Thread) (interface{}, error) {
		return c.Session(threadContext(thread))
	}))

	env.builtin("threads", "()", "returns the threads of the program.", env.call0(func(c *engine.Client, thread *starlark.Thread) (interface{}, error) {
		return c.ListThreads(threadContext(thread))
	}))

	env.builtin("select_thread", "(Id)", "makes Id the current thread.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var id string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
			return nil, decorateError(thread, err)
		}
		return starlark.None, decorateError(thread, env.ctx.Client().SelectThread(threadContext(thread), id))
	})

	env.builtin("frames", "(Depth)", "returns the stack of the current thread, at most Depth frames if Depth is positive.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		depth := 0
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "depth?", &depth); err != nil {
			return nil, decorateError(thread, err)
		}
		frames, err := env.ctx.Client().ListFrames(threadContext(thread), depth)
		return env.result(thread, frames, err)
	})

	env.builtin("select_frame", "(Level)", "makes the frame at Level the current frame.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var level int
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "level", &level); err != nil {
			return nil, decorateError(thread, err)
		}
		f, err := env.ctx.Client().SelectFrame(threadContext(thread), level)
		return env.result(thread, f, err)
	})

	env.builtin("breakpoints", "()", "returns the breakpoint table.", env.call0(func(c *engine.Client, thread *starlark.Thread) (interface{}, error) {
		return c.Breakpoints(threadContext(thread))
	}))

	env.builtin("set_breakpoint", "(File, Line, Cond, CountPoint)", "sets a breakpoint at File:Line. Cond and CountPoint are optional.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			file       string
			line       int
			cond       string
			countPoint bool
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "file", &file, "line", &line, "cond?", &cond, "count_point?", &countPoint); err != nil {
			return nil, decorateError(thread, err)
		}
		bp, err := env.ctx.Client().SetBreakpoint(threadContext(thread), file, line, cond, countPoint)
		return env.result(thread, bp, err)
	})

	env.builtin("set_function_breakpoint", "(Function, Cond, CountPoint)", "sets a breakpoint at the start of Function. Cond and CountPoint are optional.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			function   string
			cond       string
			countPoint bool
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "function", &function, "cond?", &cond, "count_point?", &countPoint); err != nil {
			return nil, decorateError(thread, err)
		}
		bp, err := env.ctx.Client().SetFunctionBreakpoint(threadContext(thread), function, cond, countPoint)
		return env.result(thread, bp, err)
	})

	env.builtin("delete_breakpoint", "(Number)", "deletes a breakpoint.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var n int
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "number", &n); err != nil {
			return nil, decorateError(thread, err)
		}
		return starlark.None, decorateError(thread, env.ctx.Client().DeleteBreakpoint(threadContext(thread), n))
	})

	env.builtin("eval", "(Expr)", "evaluates Expr in the current frame and returns it as a variable object. The object of the previous call is deleted.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var expr string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "expr", &expr); err != nil {
			return nil, decorateError(thread, err)
		}
		ctx := threadContext(thread)
		c := env.ctx.Client()
		if env.root == nil {
			root, err := c.NewRoot(ctx)
			if err != nil {
				return nil, decorateError(thread, err)
			}
			env.root = root
		}
		v, err := c.Create(ctx, env.root, expr)
		return env.result(thread, v, err)
	})

	env.builtin("children", "(Name)", "returns the children of the variable object Name, fetching them if needed.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return nil, decorateError(thread, err)
		}
		ctx := threadContext(thread)
		c := env.ctx.Client()
		v, err := c.Variable(ctx, name)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		if v.NeedsUnfolding {
			children, err := c.Unfold(ctx, name)
			return env.result(thread, children, err)
		}
		children, err := c.Children(ctx, name)
		return env.result(thread, children, err)
	})

	env.builtin("assign", "(Name, Value)", "assigns Value to the variable object Name.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name, value string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
			return nil, decorateError(thread, err)
		}
		v, err := env.ctx.Client().Assign(threadContext(thread), name, value)
		return env.result(thread, v, err)
	})

	env.builtin("path_expression", "(Name)", "returns the expression evaluating to the variable object Name.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return nil, decorateError(thread, err)
		}
		p, err := env.ctx.Client().PathExpression(threadContext(thread), name)
		return env.result(thread, p, err)
	})
}

// call0 wraps an operation without arguments.
func (env *Env) call0(fn func(*engine.Client, *starlark.Thread) (interface{}, error)) builtinFunc {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, decorateError(thread, err)
		}
		v, err := fn(env.ctx.Client(), thread)
		return env.result(thread, v, err)
	}
}

func (env *Env) result(thread *starlark.Thread, v interface{}, err error) (starlark.Value, error) {
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return env.interfaceToStarlarkValue(v), nil
}

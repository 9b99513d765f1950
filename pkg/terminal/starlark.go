package terminal

import (
	"github.com/dbgfront/dbgfront/pkg/engine"
	"github.com/dbgfront/dbgfront/pkg/terminal/starbind"
)

type starlarkContext struct {
	term *Term
}

var _ starbind.Context = starlarkContext{}

func (ctx starlarkContext) Client() *engine.Client {
	return ctx.term.client
}

func (ctx starlarkContext) RegisterCommand(name, helpMsg string, fn func(args string) error) {
	ctx.term.cmds.Register(name, func(t *Term, args string) error {
		return fn(args)
	}, helpMsg)
}

func (ctx starlarkContext) CallCommand(cmdstr string) error {
	return ctx.term.cmds.Call(cmdstr, ctx.term)
}

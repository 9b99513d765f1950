package dap

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// replPrefix introduces debugger commands typed in the client's debug
// console, everything else is evaluated as an expression.
const replPrefix = "dbg "

func (s *Server) debuggerCmd(cmdstr string) (string, error) {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	for _, cmd := range debugCommands(s) {
		for _, alias := range cmd.aliases {
			if alias == cmdname {
				return cmd.cmdFn(args)
			}
		}
	}
	return "", errNoCmd
}

type cmdfunc func(args string) (string, error)

type command struct {
	aliases []string
	helpMsg string
	cmdFn   cmdfunc
}

const (
	msgHelp = `Prints the help message.

help [command]

Type "help" followed by the name of a command for more information about it.`

	msgConfig = `Changes configuration parameters.

	config -list

	Show all configuration parameters.

	config -list <parameter>

	Show value of a configuration parameter.

	config <parameter> <value>

	Changes the value of a configuration parameter.

	config substitutePath <from> <to>
	config substitutePath <from>

	Adds or removes a path substitution rule.`

	msgBreakpoints = `Print out info for active breakpoints.

	breakpoints

The list is read back from the backend, so breakpoints set from the
backend's own console are included.`
)

// debugCommands returns a list of commands with default commands defined.
func debugCommands(s *Server) []command {
	return []command{
		{aliases: []string{"help", "h"}, cmdFn: s.helpMessage, helpMsg: msgHelp},
		{aliases: []string{"config"}, cmdFn: s.evaluateConfig, helpMsg: msgConfig},
		{aliases: []string{"breakpoints", "bp"}, cmdFn: s.listBreakpoints, helpMsg: msgBreakpoints},
	}
}

var errNoCmd = errors.New("command not available")

func (s *Server) helpMessage(args string) (string, error) {
	var buf bytes.Buffer
	if args != "" {
		for _, cmd := range debugCommands(s) {
			for _, alias := range cmd.aliases {
				if alias == args {
					return cmd.helpMsg, nil
				}
			}
		}
		return "", errNoCmd
	}

	fmt.Fprintln(&buf, "The following commands are available:")

	for _, cmd := range debugCommands(s) {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(&buf, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(&buf, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}

	fmt.Fprintln(&buf)
	fmt.Fprintln(&buf, "Type help followed by a command for full documentation.")
	return buf.String(), nil
}

func (s *Server) evaluateConfig(expr string) (string, error) {
	argv := strings.SplitN(expr, " ", 2)
	name := argv[0]
	if name == "-list" {
		if len(argv) > 1 {
			return listConfigByName(&s.args, strings.TrimSpace(argv[1]))
		}
		return listConfig(&s.args), nil
	}
	updated, res, err := configureSet(&s.args, expr)
	if err != nil {
		return "", err
	}
	if updated {
		res += "\nUpdated"
	}
	return res, nil
}

func (s *Server) listBreakpoints(string) (string, error) {
	if s.client == nil {
		return "", errNoDebugSession
	}
	bps, err := s.client.RefreshBreakpoints(s.ctx)
	if err != nil {
		return "", err
	}
	if len(bps) == 0 {
		return "No breakpoints.", nil
	}
	var buf bytes.Buffer
	for _, bp := range bps {
		state := "enabled"
		if !bp.Enabled {
			state = "disabled"
		}
		loc := bp.Function
		if bp.Line > 0 {
			loc = fmt.Sprintf("%s:%d", substitutePath(bp.FullName, s.args.substitutePathServerToClient), bp.Line)
			if bp.FullName == "" {
				loc = fmt.Sprintf("%s:%d", bp.File, bp.Line)
			}
		}
		fmt.Fprintf(&buf, "Breakpoint %d (%s) at %s (%d hits)\n", bp.Number, state, loc, bp.HitCount)
		if bp.Condition != "" {
			fmt.Fprintf(&buf, "\tcond %s\n", bp.Condition)
		}
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

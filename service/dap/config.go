package dap

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cosiner/argv"

	"github.com/dbgfront/dbgfront/pkg/config"
)

// launchAttachArgs captures arguments from launch request that
// impact handling of subsequent requests.
// The fields with cfgName tag can be updated through an evaluation request.
type launchAttachArgs struct {
	// stopOnEntry is set to automatically stop the debugee after start.
	stopOnEntry bool
	// StackTraceDepth is the maximum length of the returned list of stack frames.
	StackTraceDepth int `cfgName:"stackTraceDepth"`
	// substitutePathClientToServer indicates rules for converting file paths between client and debugger.
	substitutePathClientToServer [][2]string `cfgName:"substitutePath"`
	// substitutePathServerToClient indicates rules for converting file paths between debugger and client.
	substitutePathServerToClient [][2]string
}

// defaultArgs borrows the defaults for the arguments from the original vscode-go adapter.
var defaultArgs = launchAttachArgs{
	stopOnEntry:                  false,
	StackTraceDepth:              50,
	substitutePathClientToServer: [][2]string{},
	substitutePathServerToClient: [][2]string{},
}

func listConfig(args *launchAttachArgs) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "stackTraceDepth\t%d\n", args.StackTraceDepth)
	fmt.Fprintf(&buf, "substitutePath\t%s\n", formatSubstitutePath(args.substitutePathClientToServer))
	return buf.String()
}

func listConfigByName(args *launchAttachArgs, name string) (string, error) {
	switch name {
	case "stackTraceDepth":
		return fmt.Sprintf("stackTraceDepth\t%d", args.StackTraceDepth), nil
	case "substitutePath":
		return fmt.Sprintf("substitutePath\t%s", formatSubstitutePath(args.substitutePathClientToServer)), nil
	}
	return "", fmt.Errorf("%q is not a configuration parameter", name)
}

func formatSubstitutePath(rules [][2]string) string {
	if len(rules) == 0 {
		return "[]"
	}
	parts := make([]string, len(rules))
	for i, r := range rules {
		parts[i] = fmt.Sprintf("%q => %q", r[0], r[1])
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// configureSet changes the parameter named by the first word of args. It
// reports whether anything changed and returns the new value listing.
func configureSet(sargs *launchAttachArgs, args string) (bool, string, error) {
	v := strings.SplitN(strings.TrimSpace(args), " ", 2)

	cfgname := v[0]
	var rest string
	if len(v) == 2 {
		rest = strings.TrimSpace(v[1])
	}

	// If there were no arguments provided, just list the value.
	if rest == "" {
		res, err := listConfigByName(sargs, cfgname)
		return false, res, err
	}

	switch cfgname {
	case "stackTraceDepth":
		n, err := strconv.Atoi(rest)
		if err != nil {
			return false, "", fmt.Errorf("argument to %q must be a number", cfgname)
		}
		if n <= 0 {
			return false, "", fmt.Errorf("argument to %q must be positive", cfgname)
		}
		sargs.StackTraceDepth = n
	case "substitutePath":
		if err := configureSetSubstitutePath(sargs, rest); err != nil {
			return false, "", err
		}
	default:
		return false, "", fmt.Errorf("%q is not a configuration parameter", cfgname)
	}
	res, err := listConfigByName(sargs, cfgname)
	return true, res, err
}

func configureSetSubstitutePath(args *launchAttachArgs, rest string) error {
	fields, err := argv.Argv(rest, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in %q", s)
	}, nil)
	if err != nil {
		return err
	}
	if len(fields) != 1 {
		return fmt.Errorf("invalid arguments to \"config substitutePath\"")
	}
	argv := fields[0]
	switch len(argv) {
	case 1: // delete substitute-path rule
		for i := range args.substitutePathClientToServer {
			if args.substitutePathClientToServer[i][0] == argv[0] {
				copy(args.substitutePathClientToServer[i:], args.substitutePathClientToServer[i+1:])
				args.substitutePathClientToServer = args.substitutePathClientToServer[:len(args.substitutePathClientToServer)-1]
				copy(args.substitutePathServerToClient[i:], args.substitutePathServerToClient[i+1:])
				args.substitutePathServerToClient = args.substitutePathServerToClient[:len(args.substitutePathServerToClient)-1]
				return nil
			}
		}
		return fmt.Errorf("could not find rule for %q", argv[0])
	case 2: // add substitute-path rule
		for i := range args.substitutePathClientToServer {
			if args.substitutePathClientToServer[i][0] == argv[0] {
				args.substitutePathClientToServer[i][1] = argv[1]
				args.substitutePathServerToClient[i][0] = argv[1]
				return nil
			}
		}
		args.substitutePathClientToServer = append(args.substitutePathClientToServer, [2]string{argv[0], argv[1]})
		args.substitutePathServerToClient = append(args.substitutePathServerToClient, [2]string{argv[1], argv[0]})

	default:
		return fmt.Errorf("too many arguments to \"config substitutePath\"")
	}
	return nil
}

// substitutePath rewrites path with the first matching rule.
func substitutePath(path string, rules [][2]string) string {
	if path == "" || len(rules) == 0 {
		return path
	}
	rs := make(config.SubstitutePathRules, len(rules))
	for i, r := range rules {
		rs[i] = config.SubstitutePathRule{From: r[0], To: r[1]}
	}
	return rs.Substitute(path)
}

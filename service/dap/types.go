package dap

import (
	"encoding/json"
	"errors"
	"fmt"
)

// LaunchConfig is the collection of launch request attributes recognized by
// the DAP server.
type LaunchConfig struct {
	// Required. Path to the executable to debug. If it is not an absolute
	// path, it is interpreted relative to the working directory of the
	// backend.
	Program string `json:"program,omitempty"`

	// Command line arguments passed to the debugged program.
	Args []string `json:"args,omitempty"`

	// Working directory of the program being debugged. If not specified or
	// empty, the working directory of the backend is used.
	Cwd string `json:"cwd,omitempty"`

	// Automatically stop the program at the start of main.
	StopOnEntry bool `json:"stopOnEntry,omitempty"`

	// Maximum depth of stack trace collected from the backend.
	// (Default: `50`)
	StackTraceDepth int `json:"stackTraceDepth,omitempty"`

	// An array of mappings from a local path (client) to the remote path (debugger).
	// This setting is useful when working in a file system with symbolic links,
	// running remote debugging, or debugging an executable compiled externally.
	// The debug adapter will replace the local path with the remote path in all of the calls.
	SubstitutePath []SubstitutePath `json:"substitutePath,omitempty"`
}

// SubstitutePath defines a mapping from a local path to the remote path.
// Both 'from' and 'to' must be specified and non-empty.
type SubstitutePath struct {
	// The local path to be replaced when passing paths to the debugger.
	From string `json:"from,omitempty"`
	// The remote path to be replaced when passing paths back to the client.
	To string `json:"to,omitempty"`
}

func (m *SubstitutePath) UnmarshalJSON(data []byte) error {
	// use custom unmarshal to check if both from/to are set.
	type tmpType SubstitutePath
	var tmp tmpType

	if err := json.Unmarshal(data, &tmp); err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return fmt.Errorf(`cannot use %s as 'substitutePath' of type {"from":string, "to":string}`, data)
		}
		return err
	}
	if tmp.From == "" || tmp.To == "" {
		return errors.New("'substitutePath' requires both 'from' and 'to' entries")
	}
	*m = SubstitutePath(tmp)
	return nil
}

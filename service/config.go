package service

import (
	"net"

	"github.com/dbgfront/dbgfront/pkg/config"
	"github.com/dbgfront/dbgfront/pkg/engine"
	"github.com/dbgfront/dbgfront/pkg/transport"
)

// Config provides the configuration to start a debug session and expose it
// with a service.
type Config struct {
	// Listener is used to serve requests.
	Listener net.Listener

	// Connect starts the backend of a new debug session. It is called once,
	// when the client asks to launch a program.
	Connect func() (transport.Transport, error)

	// Engine configures the engine driving the backend.
	Engine engine.Config

	// InferiorTTY allocates a pseudo-terminal for the debugged program so
	// that its output can be forwarded to the client.
	InferiorTTY bool

	// StackTraceDepth is the default maximum number of frames reported
	// for a stack trace.
	StackTraceDepth int

	// SubstitutePath rewrites source paths reported by the backend.
	SubstitutePath config.SubstitutePathRules

	// DisconnectChan will be closed by the server when the client disconnects
	DisconnectChan chan<- struct{}
}

// StartBackend returns a Connect function spawning the backend command
// line argv in wd.
func StartBackend(argv []string, wd string) func() (transport.Transport, error) {
	return func() (transport.Transport, error) {
		p, err := transport.Start(transport.ProcessConfig{Argv: argv, WorkingDir: wd})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

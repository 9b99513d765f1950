// Package dap implements VSCode's Debug Adaptor Protocol (DAP).
// This allows dbgfront to act as the debug adapter of a GDB/MI backend
// without a separate adaptor. The frontend will run the debugger
// (which now doubles as an adaptor) in server mode listening on
// a port and communicating over TCP. Requests are processed one at a
// time; events coming from the engine are forwarded to the client by a
// separate goroutine.
// For DAP details see https://microsoft.github.io/debug-adapter-protocol.
package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/go-dap"

	"github.com/dbgfront/dbgfront/pkg/engine"
	"github.com/dbgfront/dbgfront/pkg/logflags"
	"github.com/dbgfront/dbgfront/pkg/transport"
	"github.com/dbgfront/dbgfront/service"
)

// eventBufferSize bounds the engine events waiting to be forwarded.
const eventBufferSize = 256

var errNoDebugSession = errors.New("no debug session is running")

// Server implements a DAP server that can accept a single client for
// a single debug session. It does not support restarting.
// The server operates via three goroutines:
// (1) Main goroutine where the server is created via NewServer(),
// started via Run() and stopped via Stop().
// (2) Run goroutine started from Run() that accepts a client connection,
// reads, decodes and processes each request, issuing commands to the
// engine and sending back responses.
// (3) Event goroutine, started with the debug session, that converts
// engine events into DAP events.
type Server struct {
	// config is all the information necessary to start the debugger and server.
	config *service.Config
	// listener is used to accept the client connection.
	listener net.Listener
	// conn is the accepted client connection.
	conn net.Conn
	// stopChan is closed when the server is Stop()-ed. This can be used to signal
	// to goroutines run by the server that it's time to quit.
	stopChan chan struct{}
	// reader is used to read requests from the connection.
	reader *bufio.Reader
	// sendingMu synchronizes writing to conn from the run and event goroutines.
	sendingMu sync.Mutex
	// log is used for structured logging.
	log logflags.Logger

	// ctx bounds every engine call, it is cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	// tr is the transport to the backend, nil until launch.
	tr transport.Transport
	// client is the engine facade, nil until launch.
	client      *engine.Client
	engineDone  chan struct{}
	unsubscribe func()
	events      chan engine.Event
	tty         *transport.InferiorTTY

	// stackFrameHandles maps frames of each thread to unique ids across all threads.
	stackFrameHandles *handlesMap
	// variableHandles maps scopes and compound variables to unique references.
	variableHandles *variablesHandlesMap
	// roots are the variable objects created since the program last stopped,
	// by the frame and expression they were made for. They are released when
	// it resumes, or when the same frame or expression is asked for again.
	roots map[rootKey][]*engine.Root
	// sourceBreakpoints maps a backend source path to the breakpoints set
	// for it, by requested line.
	sourceBreakpoints map[string]map[int]int
	// functionBreakpoints maps function names to breakpoint numbers.
	functionBreakpoints map[string]int
	// ownEntryBreakpoint is set when the entry breakpoint was created for
	// stopOnEntry and must be deleted on the next resume.
	ownEntryBreakpoint bool
	// args tracks special settings for handling debug session requests.
	args launchAttachArgs

	// mu guards the fields below, shared with the event goroutine.
	mu sync.Mutex
	// resumeRequested is set while a resume asked for by the client has
	// not been reported by the engine yet.
	resumeRequested bool
	// skipContinued suppresses the continued event following a count
	// point hit that was not reported to the client.
	skipContinued bool
	// entryBreakpoint is the breakpoint stopping the program for
	// stopOnEntry, zero if none.
	entryBreakpoint int
	// knownBreakpoints are the breakpoints the client has been told about.
	knownBreakpoints map[int]bool
	// stopping is set once the session is being shut down on purpose.
	stopping bool
}

// NewServer creates a new DAP Server. It takes an opened Listener
// via config and assumes its ownership. config.DisconnectChan has to be set;
// it will be closed by the server when the client disconnects or requests
// shutdown. Once DisconnectChan is closed, Server.Stop() must be called.
func NewServer(config *service.Config) *Server {
	logger := logflags.DAPLogger()
	logflags.WriteDAPListeningMessage(config.Listener.Addr().String())
	logger.Debug("DAP server pid = ", os.Getpid())
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:              config,
		listener:            config.Listener,
		stopChan:            make(chan struct{}),
		log:                 logger,
		ctx:                 ctx,
		cancel:              cancel,
		stackFrameHandles:   newHandlesMap(),
		roots:               make(map[rootKey][]*engine.Root),
		variableHandles:     newVariablesHandlesMap(),
		sourceBreakpoints:   make(map[string]map[int]int),
		functionBreakpoints: make(map[string]int),
		knownBreakpoints:    make(map[int]bool),
		args:                defaultArgs,
	}
	if config.StackTraceDepth > 0 {
		s.args.StackTraceDepth = config.StackTraceDepth
	}
	// Rules from the configuration file rewrite backend paths into local
	// ones.
	s.args.substitutePathClientToServer = [][2]string{}
	s.args.substitutePathServerToClient = [][2]string{}
	for _, r := range config.SubstitutePath {
		s.args.substitutePathClientToServer = append(s.args.substitutePathClientToServer, [2]string{r.To, r.From})
		s.args.substitutePathServerToClient = append(s.args.substitutePathServerToClient, [2]string{r.From, r.To})
	}
	return s
}

// Stop stops the DAP debugger service, closes the listener and the client
// connection. It shuts down the engine and closes the connection to the
// backend. This method mustn't be called more than once.
func (s *Server) Stop() {
	s.listener.Close()
	close(s.stopChan)
	if s.conn != nil {
		// Unless Stop() was called after serveDAPCodec()
		// returned, this will result in closed connection error
		// on next read, breaking out of the read loop and
		// allowing the run goroutine to exit.
		s.conn.Close()
	}
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.cancel()
	if s.tr != nil {
		if err := s.tr.Close(); err != nil {
			s.log.Debug("closing backend: ", err)
		}
		<-s.engineDone
		s.unsubscribe()
	}
	if s.tty != nil {
		s.tty.Close()
	}
}

// signalDisconnect closes config.DisconnectChan if not nil, which
// signals that the client disconnected or there was a client
// connection failure. Since the server currently services only one
// client, this can be used as a signal to the entire server via
// Stop(). The function safeguards agaist closing the channel more
// than once and can be called multiple times. It is not thread-safe
// and is currently only called from the run goroutine.
func (s *Server) signalDisconnect() {
	if s.config.DisconnectChan != nil {
		close(s.config.DisconnectChan)
		s.config.DisconnectChan = nil
	}
}

// Run launches a new goroutine where it accepts a client connection
// and starts processing requests from it. Use Stop() to close connection.
// The server does not support multiple clients, serially or in parallel.
// The server should be restarted for every new debug session.
// The backend won't be started until a launch request is received.
func (s *Server) Run() {
	go func() {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Errorf("Error accepting client connection: %s\n", err)
			}
			s.signalDisconnect()
			return
		}
		s.conn = conn
		s.serveDAPCodec()
	}()
}

// serveDAPCodec reads and decodes requests from the client
// until it encounters an error or EOF, when it sends
// the disconnect signal and returns.
func (s *Server) serveDAPCodec() {
	defer s.signalDisconnect()
	s.reader = bufio.NewReader(s.conn)
	for {
		request, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			stopRequested := false
			select {
			case <-s.stopChan:
				stopRequested = true
			default:
			}
			if err != io.EOF && !stopRequested {
				s.log.Error("DAP error: ", err)
			}
			return
		}
		s.handleRequest(request)
	}
}

func (s *Server) handleRequest(request dap.Message) {
	defer func() {
		// In case a handler panics, we catch the panic and send an error response
		// back to the client.
		if ierr := recover(); ierr != nil {
			s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("%v", ierr))
		}
	}()

	jsonmsg, _ := json.Marshal(request)
	s.log.Debug("[<- from client]", string(jsonmsg))

	switch request := request.(type) {
	case *dap.InitializeRequest:
		s.onInitializeRequest(request)
	case *dap.LaunchRequest:
		s.onLaunchRequest(request)
	case *dap.DisconnectRequest:
		s.onDisconnectRequest(request)
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpointsRequest(request)
	case *dap.SetFunctionBreakpointsRequest:
		s.onSetFunctionBreakpointsRequest(request)
	case *dap.SetExceptionBreakpointsRequest:
		s.onSetExceptionBreakpointsRequest(request)
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDoneRequest(request)
	case *dap.ContinueRequest:
		s.onContinueRequest(request)
	case *dap.NextRequest:
		s.onNextRequest(request)
	case *dap.StepInRequest:
		s.onStepInRequest(request)
	case *dap.StepOutRequest:
		s.onStepOutRequest(request)
	case *dap.PauseRequest:
		s.onPauseRequest(request)
	case *dap.ThreadsRequest:
		s.onThreadsRequest(request)
	case *dap.StackTraceRequest:
		s.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		s.onScopesRequest(request)
	case *dap.VariablesRequest:
		s.onVariablesRequest(request)
	case *dap.SetVariableRequest:
		s.onSetVariableRequest(request)
	case *dap.EvaluateRequest:
		s.onEvaluateRequest(request)
	case *dap.AttachRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.TerminateRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.RestartRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.StepBackRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ReverseContinueRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.RestartFrameRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.GotoRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetExpressionRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SourceRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.TerminateThreadsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.StepInTargetsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.GotoTargetsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.CompletionsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ExceptionInfoRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.LoadedSourcesRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.DataBreakpointInfoRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetDataBreakpointsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ReadMemoryRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.DisassembleRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.CancelRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.BreakpointLocationsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ModulesRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	default:
		// This is a DAP message that go-dap has a struct for, so
		// decoding succeeded, but this function does not know how
		// to handle.
		s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("Unable to process %#v\n", request))
	}
}

func (s *Server) send(message dap.Message) {
	jsonmsg, _ := json.Marshal(message)
	s.log.Debug("[-> to client]", string(jsonmsg))
	s.sendingMu.Lock()
	defer s.sendingMu.Unlock()
	if err := dap.WriteProtocolMessage(s.conn, message); err != nil {
		s.log.Debug("writing to client: ", err)
	}
}

func (s *Server) onInitializeRequest(request *dap.InitializeRequest) {
	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsFunctionBreakpoints = true
	response.Body.SupportsConditionalBreakpoints = true
	response.Body.SupportsEvaluateForHovers = true
	response.Body.SupportsSetVariable = true
	response.Body.SupportsDelayedStackTraceLoading = true
	response.Body.SupportsTerminateRequest = false
	response.Body.SupportsRestartRequest = false
	response.Body.SupportsStepBack = false
	response.Body.SupportsSetExpression = false
	response.Body.SupportsLoadedSourcesRequest = false
	response.Body.SupportsReadMemoryRequest = false
	response.Body.SupportsDisassembleRequest = false
	response.Body.SupportsCancelRequest = false
	s.send(response)
}

func (s *Server) onLaunchRequest(request *dap.LaunchRequest) {
	if s.client != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
			"A debug session is already in progress.")
		return
	}

	var args LaunchConfig
	if err := mapToStruct(request.Arguments, &args); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}
	if args.Program == "" {
		s.sendErrorResponse(request.Request,
			FailedToLaunch, "Failed to launch",
			"The program attribute is missing in debug configuration.")
		return
	}

	s.args.stopOnEntry = args.StopOnEntry
	if args.StackTraceDepth > 0 {
		s.args.StackTraceDepth = args.StackTraceDepth
	}
	if len(args.SubstitutePath) > 0 {
		clientToServer := make([][2]string, 0, len(args.SubstitutePath))
		serverToClient := make([][2]string, 0, len(args.SubstitutePath))
		for _, arg := range args.SubstitutePath {
			clientToServer = append(clientToServer, [2]string{arg.From, arg.To})
			serverToClient = append(serverToClient, [2]string{arg.To, arg.From})
		}
		s.args.substitutePathClientToServer = clientToServer
		s.args.substitutePathServerToClient = serverToClient
	}

	if err := s.startSession(); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}
	if err := s.client.LoadProgram(s.ctx, args.Program, args.Args, args.Cwd); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}
	if s.config.InferiorTTY {
		tty, err := transport.OpenInferiorTTY(&outputWriter{s: s, category: "stdout"})
		if err != nil {
			s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
			return
		}
		s.tty = tty
		if err := s.client.SetInferiorTTY(s.ctx, tty.Name()); err != nil {
			s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
			return
		}
	}

	// Notify the client that the debugger is ready to start accepting
	// configuration requests for setting breakpoints, etc. The client
	// will end the configuration sequence with 'configurationDone'.
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	s.send(&dap.LaunchResponse{Response: *newResponse(request.Request)})
}

// startSession connects to the backend, starts the engine loop and the
// goroutine forwarding its events.
func (s *Server) startSession() error {
	if s.config.Connect == nil {
		return errors.New("no backend configured")
	}
	tr, err := s.config.Connect()
	if err != nil {
		return err
	}
	e := engine.New(tr, s.config.Engine)
	s.tr = tr
	s.client = engine.NewClient(e)
	s.events = make(chan engine.Event, eventBufferSize)
	s.unsubscribe = s.client.Subscribe(s.onEngineEvent,
		engine.KindStateChanged, engine.KindStopped, engine.KindBreakpointsChanged,
		engine.KindProgramFinished, engine.KindEngineDied, engine.KindOutput)
	s.engineDone = make(chan struct{})
	go func() {
		defer close(s.engineDone)
		if err := e.Run(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.Error("engine: ", err)
		}
	}()
	go s.forwardEvents()
	return nil
}

// onEngineEvent runs on the engine loop: it must not block and must not
// call back into the engine.
func (s *Server) onEngineEvent(ev engine.Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warnf("dropping %s event, client is not keeping up", ev.Kind())
	}
}

func (s *Server) forwardEvents() {
	for {
		select {
		case ev := <-s.events:
			s.convertEvent(ev)
		case <-s.stopChan:
			return
		}
	}
}

func (s *Server) convertEvent(ev engine.Event) {
	switch ev := ev.(type) {
	case engine.StateChanged:
		if ev.New != engine.Running {
			return
		}
		s.mu.Lock()
		quiet := s.resumeRequested || s.skipContinued
		s.resumeRequested = false
		s.skipContinued = false
		s.mu.Unlock()
		if quiet {
			return
		}
		s.send(&dap.ContinuedEvent{
			Event: *newEvent("continued"),
			Body:  dap.ContinuedEventBody{ThreadId: threadID(ev.Session.ThreadID), AllThreadsContinued: true},
		})

	case engine.ProgramStopped:
		s.mu.Lock()
		if ev.CountPoint {
			s.skipContinued = true
			s.mu.Unlock()
			return
		}
		entry := ev.Breakpoint != 0 && ev.Breakpoint == s.entryBreakpoint
		s.mu.Unlock()
		e := &dap.StoppedEvent{Event: *newEvent("stopped")}
		e.Body.Reason, e.Body.Text = stoppedReason(ev)
		if entry {
			e.Body.Reason = "entry"
		}
		e.Body.ThreadId = threadID(ev.ThreadID)
		e.Body.AllThreadsStopped = true
		s.send(e)

	case engine.BreakpointsChanged:
		// Changes made on behalf of the client were already reported in
		// the responses.
		if ev.Cookie() != "" {
			return
		}
		s.breakpointEvents(ev)

	case engine.ProgramFinished:
		s.send(&dap.ExitedEvent{Event: *newEvent("exited"), Body: dap.ExitedEventBody{ExitCode: ev.ExitCode}})
		s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})

	case engine.EngineDied:
		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			return
		}
		s.sendOutput("stderr", fmt.Sprintf("ERROR: backend terminated: %v\n", ev.Err))
		s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})

	case engine.Output:
		category := "console"
		switch ev.Stream {
		case engine.TargetOutput:
			category = "stdout"
		case engine.LogOutput:
			category = "stderr"
		}
		s.sendOutput(category, ev.Text)
	}
}

func (s *Server) breakpointEvents(ev engine.BreakpointsChanged) {
	byNumber := make(map[int]engine.Breakpoint, len(ev.Breakpoints))
	for _, bp := range ev.Breakpoints {
		byNumber[bp.Number] = bp
	}
	for _, n := range ev.Affected {
		s.mu.Lock()
		if n == s.entryBreakpoint {
			s.mu.Unlock()
			continue
		}
		known := s.knownBreakpoints[n]
		bp, exists := byNumber[n]
		switch {
		case exists:
			s.knownBreakpoints[n] = true
		case known:
			delete(s.knownBreakpoints, n)
		}
		s.mu.Unlock()

		e := &dap.BreakpointEvent{Event: *newEvent("breakpoint")}
		switch {
		case exists && known:
			e.Body.Reason = "changed"
			e.Body.Breakpoint = s.convertBreakpoint(bp)
		case exists:
			e.Body.Reason = "new"
			e.Body.Breakpoint = s.convertBreakpoint(bp)
		case known:
			e.Body.Reason = "removed"
			e.Body.Breakpoint = dap.Breakpoint{Id: n}
		default:
			continue
		}
		s.send(e)
	}
}

// stoppedReason maps the reason reported by the backend to the reasons
// DAP clients know about.
func stoppedReason(ev engine.ProgramStopped) (reason, text string) {
	switch ev.Reason {
	case "breakpoint-hit":
		return "breakpoint", ""
	case "end-stepping-range", "function-finished", "location-reached":
		return "step", ""
	case "watchpoint-trigger", "read-watchpoint-trigger", "access-watchpoint-trigger":
		return "data breakpoint", ""
	case "signal-received":
		if ev.Signal == "SIGINT" {
			return "pause", ""
		}
		return "exception", ev.Signal
	}
	return "pause", ev.Reason
}

func (s *Server) convertBreakpoint(bp engine.Breakpoint) dap.Breakpoint {
	b := dap.Breakpoint{Id: bp.Number, Verified: true, Line: bp.Line}
	path := bp.FullName
	if path == "" {
		path = bp.File
	}
	if path != "" {
		path = substitutePath(path, s.args.substitutePathServerToClient)
		b.Source = dap.Source{Name: filepath.Base(path), Path: path}
	}
	return b
}

// onDisconnectRequest handles the DisconnectRequest. Per the DAP spec,
// it disconnects the debuggee and signals that the debug adaptor
// (in our case this TCP server) can be terminated.
func (s *Server) onDisconnectRequest(request *dap.DisconnectRequest) {
	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
	if s.client != nil {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()
		s.releaseRoots()
		if err := s.client.Quit(s.ctx); err != nil && !engine.IsBackendGone(err) {
			s.log.Error(err)
		}
	}
	s.signalDisconnect()
}

func (s *Server) onSetBreakpointsRequest(request *dap.SetBreakpointsRequest) {
	if s.client == nil {
		s.sendErrorResponse(request.Request, NoDebugIsRunning, "Unable to set breakpoints", errNoDebugSession.Error())
		return
	}
	if request.Arguments.Source.Path == "" {
		s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set breakpoints", "empty file path")
		return
	}
	clientPath := request.Arguments.Source.Path
	path := substitutePath(clientPath, s.args.substitutePathClientToServer)

	old := s.sourceBreakpoints[path]
	set := make(map[int]int, len(request.Arguments.Breakpoints))
	wanted := make(map[int]bool, len(request.Arguments.Breakpoints))

	response := &dap.SetBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(request.Arguments.Breakpoints))
	for i, want := range request.Arguments.Breakpoints {
		bp, err := s.setBreakpoint(func() (*engine.Breakpoint, error) {
			return s.client.SetBreakpoint(s.ctx, path, want.Line, want.Condition, false)
		}, want.Condition)
		if err != nil {
			response.Body.Breakpoints[i].Verified = false
			response.Body.Breakpoints[i].Line = want.Line
			response.Body.Breakpoints[i].Message = err.Error()
			continue
		}
		set[want.Line] = bp.Number
		wanted[bp.Number] = true
		response.Body.Breakpoints[i] = s.convertBreakpoint(*bp)
		response.Body.Breakpoints[i].Source = request.Arguments.Source
	}

	// Breakpoints of this source the client no longer lists are removed.
	for _, n := range old {
		if !wanted[n] {
			s.deleteBreakpoint(n)
		}
	}
	s.sourceBreakpoints[path] = set
	s.send(response)
}

func (s *Server) onSetFunctionBreakpointsRequest(request *dap.SetFunctionBreakpointsRequest) {
	if s.client == nil {
		s.sendErrorResponse(request.Request, NoDebugIsRunning, "Unable to set breakpoints", errNoDebugSession.Error())
		return
	}
	set := make(map[string]int, len(request.Arguments.Breakpoints))
	wanted := make(map[int]bool, len(request.Arguments.Breakpoints))

	response := &dap.SetFunctionBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(request.Arguments.Breakpoints))
	for i, want := range request.Arguments.Breakpoints {
		name := strings.TrimSpace(want.Name)
		if name == "" {
			response.Body.Breakpoints[i].Message = "empty function name"
			continue
		}
		bp, err := s.setBreakpoint(func() (*engine.Breakpoint, error) {
			return s.client.SetFunctionBreakpoint(s.ctx, name, want.Condition, false)
		}, want.Condition)
		if err != nil {
			response.Body.Breakpoints[i].Verified = false
			response.Body.Breakpoints[i].Message = err.Error()
			continue
		}
		set[name] = bp.Number
		wanted[bp.Number] = true
		response.Body.Breakpoints[i] = s.convertBreakpoint(*bp)
	}

	for _, n := range s.functionBreakpoints {
		if !wanted[n] {
			s.deleteBreakpoint(n)
		}
	}
	s.functionBreakpoints = set
	s.send(response)
}

// setBreakpoint creates a breakpoint with create, or finds the existing
// one at the same location, and brings its condition up to date.
func (s *Server) setBreakpoint(create func() (*engine.Breakpoint, error), condition string) (*engine.Breakpoint, error) {
	bp, err := create()
	if err != nil {
		return nil, err
	}
	if bp.Condition != condition {
		if err := s.client.SetBreakpointCondition(s.ctx, bp.Number, condition); err != nil {
			return nil, err
		}
		bp.Condition = condition
	}
	s.mu.Lock()
	s.knownBreakpoints[bp.Number] = true
	s.mu.Unlock()
	return bp, nil
}

func (s *Server) deleteBreakpoint(n int) {
	err := s.client.DeleteBreakpoint(s.ctx, n)
	if err != nil && !errors.Is(err, engine.ErrUnknownBreakpoint) {
		s.log.Error("deleting breakpoint: ", err)
		return
	}
	s.mu.Lock()
	delete(s.knownBreakpoints, n)
	s.mu.Unlock()
}

func (s *Server) onSetExceptionBreakpointsRequest(request *dap.SetExceptionBreakpointsRequest) {
	// Unlike what DAP documentation claims, this request is always sent
	// even though we specified no filters at initialization. Handle as no-op.
	s.send(&dap.SetExceptionBreakpointsResponse{Response: *newResponse(request.Request)})
}

func (s *Server) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	if s.client == nil {
		s.sendErrorResponse(request.Request, NoDebugIsRunning, "Unable to run", errNoDebugSession.Error())
		return
	}
	if s.args.stopOnEntry {
		s.setEntryBreakpoint()
	}
	s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
	s.doResume(s.client.Run)
}

// setEntryBreakpoint makes the program stop at the start of main, reusing
// a breakpoint the client already placed there.
func (s *Server) setEntryBreakpoint() {
	n, found, err := s.client.LookupByFunction(s.ctx, "main")
	if err != nil {
		s.log.Error("stop on entry: ", err)
		return
	}
	if !found {
		bp, err := s.client.SetFunctionBreakpoint(s.ctx, "main", "", false)
		if err != nil {
			s.log.Error("stop on entry: ", err)
			s.sendOutput("stderr", fmt.Sprintf("Unable to stop on entry: %v\n", err))
			return
		}
		n = bp.Number
		s.ownEntryBreakpoint = true
	}
	s.mu.Lock()
	s.entryBreakpoint = n
	s.mu.Unlock()
}

func (s *Server) clearEntryBreakpoint() {
	s.mu.Lock()
	n := s.entryBreakpoint
	s.entryBreakpoint = 0
	s.mu.Unlock()
	if n != 0 && s.ownEntryBreakpoint {
		s.ownEntryBreakpoint = false
		s.deleteBreakpoint(n)
	}
}

func (s *Server) onContinueRequest(request *dap.ContinueRequest) {
	s.send(&dap.ContinueResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ContinueResponseBody{AllThreadsContinued: true}})
	s.resume(request.Arguments.ThreadId, s.client.Continue)
}

func (s *Server) onNextRequest(request *dap.NextRequest) {
	s.send(&dap.NextResponse{Response: *newResponse(request.Request)})
	s.resume(request.Arguments.ThreadId, s.client.StepOver)
}

func (s *Server) onStepInRequest(request *dap.StepInRequest) {
	s.send(&dap.StepInResponse{Response: *newResponse(request.Request)})
	s.resume(request.Arguments.ThreadId, s.client.StepInto)
}

func (s *Server) onStepOutRequest(request *dap.StepOutRequest) {
	s.send(&dap.StepOutResponse{Response: *newResponse(request.Request)})
	s.resume(request.Arguments.ThreadId, s.client.StepOut)
}

// resume releases the state of the last stop and resumes the program
// with op, in thread when it is not the current one. The response was
// already sent: failures are reported as output.
func (s *Server) resume(thread int, op func(context.Context) error) {
	if s.client == nil {
		s.sendOutput("stderr", fmt.Sprintf("ERROR: %v\n", errNoDebugSession))
		return
	}
	if thread > 0 {
		if err := s.selectThread(thread); err != nil {
			s.sendOutput("stderr", fmt.Sprintf("ERROR: %v\n", err))
			return
		}
	}
	s.clearEntryBreakpoint()
	s.doResume(op)
}

func (s *Server) doResume(op func(context.Context) error) {
	s.clearProcessStateHandles()
	s.mu.Lock()
	s.resumeRequested = true
	s.mu.Unlock()
	if err := op(s.ctx); err != nil {
		s.mu.Lock()
		s.resumeRequested = false
		s.mu.Unlock()
		s.log.Error("resume: ", err)
		s.sendOutput("stderr", fmt.Sprintf("ERROR: %v\n", err))
	}
}

func (s *Server) onPauseRequest(request *dap.PauseRequest) {
	if s.client == nil {
		s.sendErrorResponse(request.Request, UnableToPause, "Unable to halt execution", errNoDebugSession.Error())
		return
	}
	s.send(&dap.PauseResponse{Response: *newResponse(request.Request)})
	if err := s.client.Interrupt(s.ctx); err != nil {
		s.log.Error("pause: ", err)
		s.sendOutput("stderr", fmt.Sprintf("ERROR: %v\n", err))
	}
}

func (s *Server) onThreadsRequest(request *dap.ThreadsRequest) {
	var threads []engine.Thread
	if s.client != nil {
		var err error
		threads, err = s.client.ListThreads(s.ctx)
		if err != nil && !engine.IsUsageError(err) {
			s.sendErrorResponse(request.Request, UnableToDisplayThreads, "Unable to display threads", err.Error())
			return
		}
	}

	var dthreads []dap.Thread
	if len(threads) == 0 {
		// Depending on the debug session stage, thread information
		// might not be available. However, the DAP spec states that
		// "even if a debug adapter does not support multiple threads,
		// it must implement the threads request and return a single
		// (dummy) thread".
		dthreads = []dap.Thread{{Id: 1, Name: "Dummy"}}
	} else {
		dthreads = make([]dap.Thread, len(threads))
		for i, th := range threads {
			dthreads[i].Id = threadID(th.ID)
			name := fmt.Sprintf("Thread %s (%s)", th.ID, th.TargetID)
			if th.Current {
				name = "* " + name
			}
			if th.Frame != nil && th.Frame.Func != "" {
				name += " " + th.Frame.Func
			}
			dthreads[i].Name = name
		}
	}
	response := &dap.ThreadsResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ThreadsResponseBody{Threads: dthreads},
	}
	s.send(response)
}

// stackFrame represents the level of a frame within
// the context of a stack of a specific thread.
type stackFrame struct {
	threadID int
	level    int
}

func (s *Server) selectThread(thread int) error {
	sess, err := s.client.Session(s.ctx)
	if err != nil {
		return err
	}
	if threadID(sess.ThreadID) == thread {
		return nil
	}
	return s.client.SelectThread(s.ctx, strconv.Itoa(thread))
}

func (s *Server) selectFrame(sf stackFrame) error {
	if err := s.selectThread(sf.threadID); err != nil {
		return err
	}
	_, err := s.client.SelectFrame(s.ctx, sf.level)
	return err
}

// onStackTraceRequest handles ‘stackTrace’ requests.
// This is a mandatory request to support.
func (s *Server) onStackTraceRequest(request *dap.StackTraceRequest) {
	if s.client == nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", errNoDebugSession.Error())
		return
	}
	thread := request.Arguments.ThreadId
	if err := s.selectThread(thread); err != nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", err.Error())
		return
	}
	frames, err := s.client.ListFrames(s.ctx, s.args.StackTraceDepth)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", err.Error())
		return
	}

	stackFrames := make([]dap.StackFrame, len(frames))
	for i, f := range frames {
		uniqueStackFrameID := s.stackFrameHandles.create(stackFrame{thread, f.Level})
		stackFrames[i] = dap.StackFrame{Id: uniqueStackFrameID, Line: f.Line, InstructionPointerReference: f.Addr}
		stackFrames[i].Name = f.Func
		if stackFrames[i].Name == "" {
			stackFrames[i].Name = "??"
		}
		path := f.FullName
		if path == "" {
			path = f.File
		}
		if path != "" {
			path = substitutePath(path, s.args.substitutePathServerToClient)
			stackFrames[i].Source = dap.Source{Name: filepath.Base(path), Path: path}
		} else {
			// No debug information, typically a system library.
			stackFrames[i].PresentationHint = "subtle"
		}
		stackFrames[i].Column = 0
	}
	if request.Arguments.StartFrame > 0 {
		stackFrames = stackFrames[min(request.Arguments.StartFrame, len(stackFrames)):]
	}
	if request.Arguments.Levels > 0 {
		stackFrames = stackFrames[:min(request.Arguments.Levels, len(stackFrames))]
	}
	response := &dap.StackTraceResponse{
		Response: *newResponse(request.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: stackFrames, TotalFrames: len(frames)},
	}
	s.send(response)
}

// onScopesRequest handles 'scopes' requests.
// This is a mandatory request to support.
func (s *Server) onScopesRequest(request *dap.ScopesRequest) {
	sf, ok := s.stackFrameHandles.get(request.Arguments.FrameId)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToListLocals, "Unable to list locals", fmt.Sprintf("unknown frame id %d", request.Arguments.FrameId))
		return
	}
	if err := s.selectFrame(sf.(stackFrame)); err != nil {
		s.sendErrorResponse(request.Request, UnableToListLocals, "Unable to list locals", err.Error())
		return
	}
	vars, err := s.client.FrameVariables(s.ctx)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToListLocals, "Unable to list locals", err.Error())
		return
	}

	key := rootKey{frame: sf.(stackFrame)}
	s.releaseRootsFor(key)
	args, locals := []engine.Variable{}, []engine.Variable{}
	for _, fv := range vars {
		v, err := s.createVariable(key, fv.Name)
		if err != nil {
			v = &engine.Variable{Expression: fv.Name, Value: fmt.Sprintf("unreadable <%v>", err)}
		}
		if fv.Arg {
			args = append(args, *v)
		} else {
			locals = append(locals, *v)
		}
	}

	scopeArgs := dap.Scope{Name: "Arguments", VariablesReference: s.variableHandles.create(&variableContainer{scope: args})}
	scopeLocals := dap.Scope{Name: "Locals", VariablesReference: s.variableHandles.create(&variableContainer{scope: locals})}
	response := &dap.ScopesResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ScopesResponseBody{Scopes: []dap.Scope{scopeArgs, scopeLocals}},
	}
	s.send(response)
}

// rootKey identifies what a group of variable objects was created for: the
// locals of a frame, or one expression evaluated in a frame.
type rootKey struct {
	frame stackFrame
	expr  string
}

// createVariable creates a variable object for expr in the selected
// frame. It lives until the program resumes or key is released.
func (s *Server) createVariable(key rootKey, expr string) (*engine.Variable, error) {
	root, err := s.client.NewRoot(s.ctx)
	if err != nil {
		return nil, err
	}
	s.roots[key] = append(s.roots[key], root)
	return s.client.Create(s.ctx, root, expr)
}

// children returns the children of the variable object name, fetching
// them from the backend the first time.
func (s *Server) children(name string) ([]engine.Variable, error) {
	vs, err := s.client.Unfold(s.ctx, name)
	if errors.Is(err, engine.ErrNothingToUnfold) {
		return s.client.Children(s.ctx, name)
	}
	return vs, err
}

func (s *Server) containerVariables(c *variableContainer) ([]engine.Variable, error) {
	if c.isScope() {
		return c.scope, nil
	}
	return s.children(c.name)
}

// onVariablesRequest handles 'variables' requests.
// This is a mandatory request to support.
func (s *Server) onVariablesRequest(request *dap.VariablesRequest) {
	c, ok := s.variableHandles.get(request.Arguments.VariablesReference)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToLookupVariable, "Unable to lookup variable", fmt.Sprintf("unknown reference %d", request.Arguments.VariablesReference))
		return
	}
	vs, err := s.containerVariables(c)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToLookupVariable, "Unable to lookup variable", err.Error())
		return
	}
	children := make([]dap.Variable, len(vs))
	for i, v := range vs {
		children[i] = s.convertVariable(v, c)
	}
	response := &dap.VariablesResponse{
		Response: *newResponse(request.Request),
		Body:     dap.VariablesResponseBody{Variables: children},
	}
	s.send(response)
}

// convertVariable converts an engine.Variable to a dap.Variable.
// A positive variables reference signals the client that a variables
// request can be issued to get the children of the variable. It is an
// index into s.variableHandles, valid until the program resumes. As a
// custom, a zero reference is used for variables without children.
func (s *Server) convertVariable(v engine.Variable, parent *variableContainer) dap.Variable {
	dv := dap.Variable{Name: v.Expression, Value: v.Value, Type: v.Type}
	if v.Name == "" {
		return dv
	}
	if parent.isScope() {
		dv.EvaluateName = v.Expression
	} else if p, err := s.client.PathExpression(s.ctx, v.Name); err == nil {
		dv.EvaluateName = p
	}
	if v.NumChild > 0 {
		dv.VariablesReference = s.variableHandles.create(&variableContainer{name: v.Name, evaluateName: dv.EvaluateName})
		dv.NamedVariables = v.NumChild
	}
	return dv
}

// onSetVariableRequest handles 'setVariable' requests. The value reported
// back is the one the backend reads after the assignment.
func (s *Server) onSetVariableRequest(request *dap.SetVariableRequest) {
	arg := request.Arguments
	c, ok := s.variableHandles.get(arg.VariablesReference)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToSetVariable, "Unable to set variable", fmt.Sprintf("unknown reference %d", arg.VariablesReference))
		return
	}
	vs, err := s.containerVariables(c)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToSetVariable, "Unable to set variable", err.Error())
		return
	}
	idx := -1
	for i := range vs {
		if vs[i].Expression == arg.Name && vs[i].Name != "" {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.sendErrorResponse(request.Request, UnableToSetVariable, "Unable to set variable", fmt.Sprintf("could not find variable %q", arg.Name))
		return
	}
	v, err := s.client.Assign(s.ctx, vs[idx].Name, arg.Value)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToSetVariable, "Unable to set variable", err.Error())
		return
	}
	if c.isScope() {
		c.scope[idx] = *v
	}

	response := &dap.SetVariableResponse{Response: *newResponse(request.Request)}
	response.Body.Value = v.Value
	response.Body.Type = v.Type
	if v.NumChild > 0 {
		response.Body.VariablesReference = s.variableHandles.create(&variableContainer{name: v.Name})
	}
	s.send(response)
}

// onEvaluateRequest handles 'evalute' requests.
// This is a mandatory request to support.
// Expressions typed in the debug console that start with "dbg " run
// debugger commands instead.
func (s *Server) onEvaluateRequest(request *dap.EvaluateRequest) {
	showErrorToUser := request.Arguments.Context != "watch" && request.Arguments.Context != "hover"
	expr := request.Arguments.Expression

	if request.Arguments.Context == "repl" && strings.HasPrefix(expr, replPrefix) {
		res, err := s.debuggerCmd(strings.TrimPrefix(expr, replPrefix))
		if err != nil {
			s.sendErrorResponseWithOpts(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", err.Error(), showErrorToUser)
			return
		}
		response := &dap.EvaluateResponse{Response: *newResponse(request.Request)}
		response.Body.Result = res
		s.send(response)
		return
	}

	if s.client == nil {
		s.sendErrorResponseWithOpts(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", errNoDebugSession.Error(), showErrorToUser)
		return
	}
	key := rootKey{expr: expr}
	if request.Arguments.FrameId > 0 {
		sf, ok := s.stackFrameHandles.get(request.Arguments.FrameId)
		if !ok {
			s.sendErrorResponseWithOpts(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", fmt.Sprintf("unknown frame id %d", request.Arguments.FrameId), showErrorToUser)
			return
		}
		if err := s.selectFrame(sf.(stackFrame)); err != nil {
			s.sendErrorResponseWithOpts(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", err.Error(), showErrorToUser)
			return
		}
		key.frame = sf.(stackFrame)
	}
	s.releaseRootsFor(key)
	v, err := s.createVariable(key, expr)
	if err != nil {
		s.sendErrorResponseWithOpts(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", err.Error(), showErrorToUser)
		return
	}
	response := &dap.EvaluateResponse{Response: *newResponse(request.Request)}
	response.Body.Result = v.Value
	response.Body.Type = v.Type
	if v.NumChild > 0 {
		response.Body.VariablesReference = s.variableHandles.create(&variableContainer{name: v.Name, evaluateName: expr})
		response.Body.NamedVariables = v.NumChild
	}
	s.send(response)
}

func (s *Server) sendErrorResponseWithOpts(request dap.Request, id int, summary, details string, showUser bool) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = summary
	er.Body.Error.Id = id
	er.Body.Error.Format = fmt.Sprintf("%s: %s", summary, details)
	er.Body.Error.ShowUser = showUser
	s.log.Debug(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendErrorResponse(request dap.Request, id int, summary, details string) {
	s.sendErrorResponseWithOpts(request, id, summary, details, false)
}

// sendInternalErrorResponse sends an "internal error" response back to the client.
// We only take a seq here because we don't want to make assumptions about the
// kind of message received by the server that this error is a reply to.
func (s *Server) sendInternalErrorResponse(seq int, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.RequestSeq = seq
	er.Success = false
	er.Message = "Internal Error"
	er.Body.Error.Id = InternalError
	er.Body.Error.Format = fmt.Sprintf("%s: %s", er.Message, details)
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command",
		fmt.Sprintf("cannot process '%s' request", request.Command))
}

func (s *Server) sendOutput(category, output string) {
	s.send(&dap.OutputEvent{
		Event: *newEvent("output"),
		Body: dap.OutputEventBody{
			Output:   output,
			Category: category,
		}})
}

// outputWriter forwards what is written to it as output events.
type outputWriter struct {
	s        *Server
	category string
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.s.sendOutput(w.category, string(p))
	return len(p), nil
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}

// releaseRoots deletes the variable objects created since the last stop.
func (s *Server) releaseRoots() {
	for key := range s.roots {
		s.releaseRootsFor(key)
	}
}

// releaseRootsFor deletes the variable objects created for key.
func (s *Server) releaseRootsFor(key rootKey) {
	for _, root := range s.roots[key] {
		if err := s.client.ReleaseRoot(s.ctx, root); err != nil {
			s.log.Debug("releasing variable object: ", err)
		}
	}
	delete(s.roots, key)
}

// clearProcessStateHandles resets the stage for refreshing debuggee state
// once the program resumes.
func (s *Server) clearProcessStateHandles() {
	s.releaseRoots()
	s.stackFrameHandles.reset()
	s.variableHandles.reset()
}

package dap

import (
	"flag"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"

	"github.com/dbgfront/dbgfront/pkg/config"
	"github.com/dbgfront/dbgfront/pkg/engine"
	"github.com/dbgfront/dbgfront/pkg/logflags"
	"github.com/dbgfront/dbgfront/pkg/mi/mitest"
	"github.com/dbgfront/dbgfront/pkg/transport"
	"github.com/dbgfront/dbgfront/service"
	"github.com/dbgfront/dbgfront/service/dap/daptest"
)

const stopOnEntry bool = true

const sampleSource = "/src/main.c"

func TestMain(m *testing.M) {
	var logOutput string
	flag.StringVar(&logOutput, "log-output", "", "configures log output")
	flag.Parse()
	logflags.Setup(logOutput != "", logOutput, "")
	os.Exit(m.Run())
}

// runTest starts a server whose backend simulates prog and connects a
// client to it.
func runTest(t *testing.T, prog *mitest.Program, test func(c *daptest.Client, b *mitest.Backend)) {
	runTestWithConfig(t, prog, nil, test)
}

func runTestWithConfig(t *testing.T, prog *mitest.Program, configure func(*service.Config), test func(c *daptest.Client, b *mitest.Backend)) {
	backend := mitest.NewBackend(prog)

	// Start the DAP server.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	disconnectChan := make(chan struct{})
	conf := &service.Config{
		Listener:       listener,
		DisconnectChan: disconnectChan,
		Connect: func() (transport.Transport, error) {
			return backend, nil
		},
	}
	if configure != nil {
		configure(conf)
	}
	server := NewServer(conf)
	server.Run()

	var stopOnce sync.Once
	// Run a goroutine that stops the server when disconnectChan is signaled.
	// This helps us test that certain events cause the server to stop as
	// expected.
	go func() {
		<-disconnectChan
		stopOnce.Do(func() { server.Stop() })
	}()

	client := daptest.NewClient(listener.Addr().String())
	defer client.Close()

	defer func() {
		stopOnce.Do(func() { server.Stop() })
	}()

	test(client, backend)
}

// launch runs the initialization sequence up to the configurationDone
// request, with breakpoints at lines of the sample source.
func launch(t *testing.T, client *daptest.Client, stopOnEntry bool, lines ...int) {
	t.Helper()
	client.InitializeRequest()
	client.ExpectInitializeResponse(t)

	client.LaunchRequest("/src/prog", stopOnEntry)
	client.ExpectInitializedEvent(t)
	client.ExpectLaunchResponse(t)

	client.SetBreakpointsRequest(sampleSource, lines)
	sbpResp := client.ExpectSetBreakpointsResponse(t)
	if len(sbpResp.Body.Breakpoints) != len(lines) {
		t.Fatalf("\ngot %#v\nwant len(Breakpoints)=%d", sbpResp, len(lines))
	}

	client.SetExceptionBreakpointsRequest()
	client.ExpectSetExceptionBreakpointsResponse(t)

	client.ConfigurationDoneRequest()
	client.ExpectConfigurationDoneResponse(t)
}

func expectStop(t *testing.T, client *daptest.Client, reason string) {
	t.Helper()
	se := client.ExpectStoppedEvent(t)
	if se.Body.Reason != reason || se.Body.ThreadId != 1 || !se.Body.AllThreadsStopped {
		t.Errorf("\ngot %#v\nwant Reason=%q ThreadId=1 AllThreadsStopped=true", se, reason)
	}
}

func expectExit(t *testing.T, client *daptest.Client, code int) {
	t.Helper()
	ee := client.ExpectExitedEvent(t)
	if ee.Body.ExitCode != code {
		t.Errorf("\ngot %#v\nwant ExitCode=%d", ee, code)
	}
	client.ExpectTerminatedEvent(t)
}

func topFrameID(t *testing.T, client *daptest.Client, line int) int {
	t.Helper()
	client.StackTraceRequest(1, 0, 0)
	st := client.ExpectStackTraceResponse(t)
	if len(st.Body.StackFrames) == 0 {
		t.Fatalf("\ngot %#v\nwant at least one frame", st)
	}
	if st.Body.StackFrames[0].Line != line {
		t.Errorf("\ngot %#v\nwant Line=%d", st.Body.StackFrames[0], line)
	}
	return st.Body.StackFrames[0].Id
}

// TestLaunchStopOnEntry emulates the message exchange that can be observed with
// VS Code for the most basic launch debug session with "stopOnEntry" enabled:
// - User selects "Start Debugging":  1 >> initialize
//                                 :  1 << initialize
//                                 :  2 >> launch
//                                 :    << initialized event
//                                 :  2 << launch
//                                 :  3 >> setBreakpoints (empty)
//                                 :  3 << setBreakpoints
//                                 :  4 >> setExceptionBreakpoints (empty)
//                                 :  4 << setExceptionBreakpoints
//                                 :  5 >> configurationDone
//                                 :  5 << configurationDone
// - Program stops upon launching  :    << stopped event
//                                 :  6 >> threads
//                                 :  6 << threads
//                                 :  7 >> stackTrace
//                                 :  7 << stackTrace
// - User evaluates bad expression :  8 >> evaluate
//                                 :  8 << error (unable to create variable object)
// - User evaluates good expression:  9 >> evaluate
//                                 :  9 << evaluate
// - User selects "Continue"       : 10 >> continue
//                                 : 10 << continue
// - Program runs to completion    :    << exited event
//                                 :    << terminated event
//                                 : 11 >> disconnect
//                                 : 11 << disconnect
// This test exhaustively tests Seq and RequestSeq on all messages from the
// server. Other tests do not necessarily need to repeat all these checks.
func TestLaunchStopOnEntry(t *testing.T) {
	runTest(t, mitest.Sample(), func(client *daptest.Client, backend *mitest.Backend) {
		// 1 >> initialize, << initialize
		client.InitializeRequest()
		initResp := client.ExpectInitializeResponse(t)
		if initResp.Seq != 0 || initResp.RequestSeq != 1 {
			t.Errorf("\ngot %#v\nwant Seq=0, RequestSeq=1", initResp)
		}
		if !initResp.Body.SupportsFunctionBreakpoints || !initResp.Body.SupportsSetVariable || !initResp.Body.SupportsConditionalBreakpoints {
			t.Errorf("\ngot %#v\nwant function breakpoints, conditional breakpoints and setVariable support", initResp.Body)
		}

		// 2 >> launch, << initialized, << launch
		client.LaunchRequestWithArgs(map[string]interface{}{
			"request":     "launch",
			"program":     "/src/prog",
			"args":        []string{"a", "b c"},
			"cwd":         "/src",
			"stopOnEntry": stopOnEntry,
		})
		initEvent := client.ExpectInitializedEvent(t)
		if initEvent.Seq != 0 {
			t.Errorf("\ngot %#v\nwant Seq=0", initEvent)
		}
		launchResp := client.ExpectLaunchResponse(t)
		if launchResp.Seq != 0 || launchResp.RequestSeq != 2 {
			t.Errorf("\ngot %#v\nwant Seq=0, RequestSeq=2", launchResp)
		}
		for _, cmd := range []string{"-file-exec-and-symbols /src/prog", "-exec-arguments a \"b c\"", "-environment-cd /src"} {
			if !backend.Received(cmd) {
				t.Errorf("%q not sent: %q", cmd, backend.Commands())
			}
		}

		// 3 >> setBreakpoints, << setBreakpoints
		client.SetBreakpointsRequest(sampleSource, nil)
		sbpResp := client.ExpectSetBreakpointsResponse(t)
		if sbpResp.Seq != 0 || sbpResp.RequestSeq != 3 || len(sbpResp.Body.Breakpoints) != 0 {
			t.Errorf("\ngot %#v\nwant Seq=0, RequestSeq=3, len(Breakpoints)=0", sbpResp)
		}

		// 4 >> setExceptionBreakpoints, << setExceptionBreakpoints
		client.SetExceptionBreakpointsRequest()
		sebpResp := client.ExpectSetExceptionBreakpointsResponse(t)
		if sebpResp.Seq != 0 || sebpResp.RequestSeq != 4 {
			t.Errorf("\ngot %#v\nwant Seq=0, RequestSeq=4", sebpResp)
		}

		// 5 >> configurationDone, << configurationDone, << stopped
		client.ConfigurationDoneRequest()
		cdResp := client.ExpectConfigurationDoneResponse(t)
		if cdResp.Seq != 0 || cdResp.RequestSeq != 5 {
			t.Errorf("\ngot %#v\nwant Seq=0, RequestSeq=5", cdResp)
		}
		stopEvent := client.ExpectStoppedEvent(t)
		if stopEvent.Seq != 0 ||
			stopEvent.Body.Reason != "entry" ||
			stopEvent.Body.ThreadId != 1 ||
			!stopEvent.Body.AllThreadsStopped {
			t.Errorf("\ngot %#v\nwant Seq=0, Body={Reason=\"entry\", ThreadId=1, AllThreadsStopped=true}", stopEvent)
		}

		// 6 >> threads, << threads
		client.ThreadsRequest()
		tResp := client.ExpectThreadsResponse(t)
		if tResp.Seq != 0 || tResp.RequestSeq != 6 || len(tResp.Body.Threads) != 1 {
			t.Fatalf("\ngot %#v\nwant Seq=0, RequestSeq=6 len(Threads)=1", tResp)
		}
		if tResp.Body.Threads[0].Id != 1 || !strings.Contains(tResp.Body.Threads[0].Name, "process 4242") {
			t.Errorf("\ngot %#v\nwant Id=1, Name contains \"process 4242\"", tResp)
		}

		// 7 >> stackTrace, << stackTrace
		client.StackTraceRequest(1, 0, 20)
		stResp := client.ExpectStackTraceResponse(t)
		if stResp.Seq != 0 || stResp.RequestSeq != 7 || len(stResp.Body.StackFrames) != 2 || stResp.Body.TotalFrames != 2 {
			t.Fatalf("\ngot %#v\nwant Seq=0, RequestSeq=7 len(StackFrames)=2 TotalFrames=2", stResp)
		}
		top := stResp.Body.StackFrames[0]
		if top.Name != "main" || top.Line != 5 || top.Source.Path != sampleSource || top.Source.Name != "main.c" {
			t.Errorf("\ngot %#v\nwant Name=main Line=5 Source.Path=%s", top, sampleSource)
		}
		if caller := stResp.Body.StackFrames[1]; caller.PresentationHint != "subtle" || caller.Source.Path != "" {
			t.Errorf("\ngot %#v\nwant PresentationHint=subtle without source", caller)
		}

		// 8 >> evaluate, << error
		client.EvaluateRequest("foo", 0 /*no frame specified*/, "repl")
		erResp := client.ExpectErrorResponseWith(t, UnableToEvaluateExpression, true)
		if erResp.Seq != 0 || erResp.RequestSeq != 8 || !strings.HasPrefix(erResp.Body.Error.Format, "Unable to evaluate expression: ") {
			t.Errorf("\ngot %#v\nwant Seq=0, RequestSeq=8 Format=\"Unable to evaluate expression: ...\"", erResp)
		}

		// 9 >> evaluate, << evaluate
		client.EvaluateRequest("n", 0 /*no frame specified*/, "repl")
		evResp := client.ExpectEvaluateResponse(t)
		if evResp.Seq != 0 || evResp.RequestSeq != 9 || evResp.Body.Result != "3" || evResp.Body.Type != "int" {
			t.Errorf("\ngot %#v\nwant Seq=0, RequestSeq=9 Result=3 Type=int", evResp)
		}

		// 10 >> continue, << continue, << exited, << terminated
		client.ContinueRequest(1)
		contResp := client.ExpectContinueResponse(t)
		if contResp.Seq != 0 || contResp.RequestSeq != 10 || !contResp.Body.AllThreadsContinued {
			t.Errorf("\ngot %#v\nwant Seq=0, RequestSeq=10 Body.AllThreadsContinued=true", contResp)
		}
		expectExit(t, client, 0)
		if !backend.Received("-break-delete 1") {
			t.Errorf("entry breakpoint not deleted: %q", backend.Commands())
		}
		if !backend.Received("-var-delete") {
			t.Errorf("variable objects not released: %q", backend.Commands())
		}

		// 11 >> disconnect, << disconnect
		client.DisconnectRequest()
		dResp := client.ExpectDisconnectResponse(t)
		if dResp.Seq != 0 || dResp.RequestSeq != 11 {
			t.Errorf("\ngot %#v\nwant Seq=0, RequestSeq=11", dResp)
		}
	})
}

// TestStopOnEntryKeepsUserBreakpoint checks that a breakpoint the user
// placed on main serves as the entry breakpoint and survives the resume.
func TestStopOnEntryKeepsUserBreakpoint(t *testing.T) {
	runTest(t, mitest.Sample(), func(client *daptest.Client, backend *mitest.Backend) {
		client.InitializeRequest()
		client.ExpectInitializeResponse(t)
		client.LaunchRequest("/src/prog", stopOnEntry)
		client.ExpectInitializedEvent(t)
		client.ExpectLaunchResponse(t)

		client.SetFunctionBreakpointsRequest([]string{"main"})
		fbpResp := client.ExpectSetFunctionBreakpointsResponse(t)
		if len(fbpResp.Body.Breakpoints) != 1 || fbpResp.Body.Breakpoints[0].Id != 1 || !fbpResp.Body.Breakpoints[0].Verified {
			t.Fatalf("\ngot %#v\nwant one verified breakpoint with Id=1", fbpResp)
		}

		client.ConfigurationDoneRequest()
		client.ExpectConfigurationDoneResponse(t)
		expectStop(t, client, "entry")

		client.ContinueRequest(1)
		client.ExpectContinueResponse(t)
		expectExit(t, client, 0)
		if backend.Received("-break-delete") {
			t.Errorf("user breakpoint deleted: %q", backend.Commands())
		}
	})
}

// TestSetBreakpoint checks that setBreakpoints reconciles the breakpoints
// of a source with the requested lines.
func TestSetBreakpoint(t *testing.T) {
	runTest(t, mitest.Sample(), func(client *daptest.Client, backend *mitest.Backend) {
		client.InitializeRequest()
		client.ExpectInitializeResponse(t)
		client.LaunchRequest("/src/prog", !stopOnEntry)
		client.ExpectInitializedEvent(t)
		client.ExpectLaunchResponse(t)

		expectBreakpoints := func(resp *dap.SetBreakpointsResponse, ids, lines []int) {
			t.Helper()
			if len(resp.Body.Breakpoints) != len(lines) {
				t.Fatalf("\ngot %#v\nwant len(Breakpoints)=%d", resp, len(lines))
			}
			for i, bp := range resp.Body.Breakpoints {
				if bp.Id != ids[i] || bp.Line != lines[i] || !bp.Verified || bp.Source.Path != sampleSource {
					t.Errorf("\ngot %#v\nwant Id=%d Line=%d Verified=true Source.Path=%s", bp, ids[i], lines[i], sampleSource)
				}
			}
		}

		client.SetBreakpointsRequest(sampleSource, []int{6, 8})
		expectBreakpoints(client.ExpectSetBreakpointsResponse(t), []int{1, 2}, []int{6, 8})

		// Line 6 goes away, line 8 is kept as is.
		client.SetBreakpointsRequest(sampleSource, []int{8, 9})
		expectBreakpoints(client.ExpectSetBreakpointsResponse(t), []int{2, 3}, []int{8, 9})
		if !backend.Received("-break-delete 1") {
			t.Errorf("breakpoint 1 not deleted: %q", backend.Commands())
		}
		if backend.Received("-break-delete 2") {
			t.Errorf("breakpoint 2 deleted: %q", backend.Commands())
		}

		// Adding a condition to an existing breakpoint.
		client.SetConditionalBreakpointsRequest(sampleSource, []int{8, 9}, map[int]string{9: "n == 3"})
		expectBreakpoints(client.ExpectSetBreakpointsResponse(t), []int{2, 3}, []int{8, 9})
		if !backend.Received(`-break-condition 3 "n == 3"`) {
			t.Errorf("condition not sent: %q", backend.Commands())
		}

		// A line in a file the backend does not know.
		client.SetBreakpointsRequest("/src/other.c", []int{3})
		sbpResp := client.ExpectSetBreakpointsResponse(t)
		if len(sbpResp.Body.Breakpoints) != 1 {
			t.Fatalf("\ngot %#v\nwant len(Breakpoints)=1", sbpResp)
		}
		if bp := sbpResp.Body.Breakpoints[0]; bp.Verified || bp.Line != 3 || !strings.Contains(bp.Message, "No source file named") {
			t.Errorf("\ngot %#v\nwant Verified=false Line=3 Message=\"No source file named ...\"", bp)
		}

		client.SetFunctionBreakpointsRequest([]string{"main", "nosuchfunc"})
		fbpResp := client.ExpectSetFunctionBreakpointsResponse(t)
		if len(fbpResp.Body.Breakpoints) != 2 {
			t.Fatalf("\ngot %#v\nwant len(Breakpoints)=2", fbpResp)
		}
		if bp := fbpResp.Body.Breakpoints[0]; !bp.Verified || bp.Id != 4 || bp.Line != 5 {
			t.Errorf("\ngot %#v\nwant Verified=true Id=4 Line=5", bp)
		}
		if bp := fbpResp.Body.Breakpoints[1]; bp.Verified || !strings.Contains(bp.Message, "not defined") {
			t.Errorf("\ngot %#v\nwant Verified=false Message=\"...not defined...\"", bp)
		}

		client.SetFunctionBreakpointsRequest(nil)
		client.ExpectSetFunctionBreakpointsResponse(t)
		if !backend.Received("-break-delete 4") {
			t.Errorf("function breakpoint not deleted: %q", backend.Commands())
		}

		client.ConfigurationDoneRequest()
		client.ExpectConfigurationDoneResponse(t)
		expectStop(t, client, "breakpoint")
		topFrameID(t, client, 8)

		client.ContinueRequest(1)
		client.ExpectContinueResponse(t)
		expectStop(t, client, "breakpoint")
		topFrameID(t, client, 9)

		client.ContinueRequest(1)
		client.ExpectContinueResponse(t)
		expectExit(t, client, 0)
	})
}

// TestScopesAndVariablesRequests checks locals are presented as variable
// objects that unfold on demand and can be assigned.
func TestScopesAndVariablesRequests(t *testing.T) {
	runTest(t, mitest.Sample(), func(client *daptest.Client, backend *mitest.Backend) {
		launch(t, client, !stopOnEntry, 6)
		expectStop(t, client, "breakpoint")
		frameID := topFrameID(t, client, 6)

		client.ScopesRequest(frameID)
		scopes := client.ExpectScopesResponse(t)
		if len(scopes.Body.Scopes) != 2 ||
			scopes.Body.Scopes[0].Name != "Arguments" ||
			scopes.Body.Scopes[1].Name != "Locals" {
			t.Fatalf("\ngot %#v\nwant Scopes=[Arguments, Locals]", scopes)
		}
		argsRef := scopes.Body.Scopes[0].VariablesReference
		localsRef := scopes.Body.Scopes[1].VariablesReference

		client.VariablesRequest(argsRef)
		args := client.ExpectVariablesResponse(t)
		if len(args.Body.Variables) != 1 {
			t.Fatalf("\ngot %#v\nwant len(Variables)=1", args)
		}
		if v := args.Body.Variables[0]; v.Name != "argc" || v.Value != "1" || v.Type != "int" || v.EvaluateName != "argc" || v.VariablesReference != 0 {
			t.Errorf("\ngot %#v\nwant argc=1 (int) without children", v)
		}

		client.VariablesRequest(localsRef)
		locals := client.ExpectVariablesResponse(t)
		if len(locals.Body.Variables) != 2 {
			t.Fatalf("\ngot %#v\nwant len(Variables)=2", locals)
		}
		if v := locals.Body.Variables[0]; v.Name != "n" || v.Value != "3" || v.VariablesReference != 0 {
			t.Errorf("\ngot %#v\nwant n=3 without children", v)
		}
		p := locals.Body.Variables[1]
		if p.Name != "p" || p.Type != "struct point" || p.VariablesReference == 0 {
			t.Fatalf("\ngot %#v\nwant p (struct point) with children", p)
		}

		client.VariablesRequest(p.VariablesReference)
		fields := client.ExpectVariablesResponse(t)
		if len(fields.Body.Variables) != 2 {
			t.Fatalf("\ngot %#v\nwant len(Variables)=2", fields)
		}
		if x := fields.Body.Variables[0]; x.Name != "x" || x.Value != "1" || x.EvaluateName != "(p).x" {
			t.Errorf("\ngot %#v\nwant x=1 EvaluateName=(p).x", x)
		}
		if y := fields.Body.Variables[1]; y.Name != "y" || y.Value != "2" {
			t.Errorf("\ngot %#v\nwant y=2", y)
		}

		// Children are fetched once.
		client.VariablesRequest(p.VariablesReference)
		fields = client.ExpectVariablesResponse(t)
		if len(fields.Body.Variables) != 2 {
			t.Errorf("\ngot %#v\nwant len(Variables)=2", fields)
		}

		// The value reported is the one read back from the backend.
		client.SetVariableRequest(localsRef, "n", "0x10")
		sv := client.ExpectSetVariableResponse(t)
		if sv.Body.Value != "16" || sv.Body.Type != "int" {
			t.Errorf("\ngot %#v\nwant Value=16 Type=int", sv)
		}

		client.VariablesRequest(localsRef)
		locals = client.ExpectVariablesResponse(t)
		if v := locals.Body.Variables[0]; v.Name != "n" || v.Value != "16" {
			t.Errorf("\ngot %#v\nwant n=16", v)
		}

		client.SetVariableRequest(localsRef, "n", "bogus")
		er := client.ExpectErrorResponseWith(t, UnableToSetVariable, false)
		if !strings.Contains(er.Body.Error.Format, "No symbol") {
			t.Errorf("\ngot %#v\nwant Format containing \"No symbol\"", er)
		}

		client.SetVariableRequest(localsRef, "p", "3")
		client.ExpectErrorResponseWith(t, UnableToSetVariable, false)

		client.SetVariableRequest(localsRef, "nosuchvar", "3")
		client.ExpectErrorResponseWith(t, UnableToSetVariable, false)

		client.SetVariableRequest(p.VariablesReference, "x", "7")
		sv = client.ExpectSetVariableResponse(t)
		if sv.Body.Value != "7" {
			t.Errorf("\ngot %#v\nwant Value=7", sv)
		}

		client.EvaluateRequest("n", frameID, "hover")
		ev := client.ExpectEvaluateResponse(t)
		if ev.Body.Result != "16" {
			t.Errorf("\ngot %#v\nwant Result=16", ev)
		}

		client.EvaluateRequest("p", frameID, "watch")
		ev = client.ExpectEvaluateResponse(t)
		if ev.Body.Result != "{...}" || ev.Body.VariablesReference == 0 {
			t.Errorf("\ngot %#v\nwant Result={...} with children", ev)
		}
		client.VariablesRequest(ev.Body.VariablesReference)
		fields = client.ExpectVariablesResponse(t)
		if len(fields.Body.Variables) != 2 || fields.Body.Variables[0].Value != "7" {
			t.Errorf("\ngot %#v\nwant x=7 and y", fields)
		}

		client.EvaluateRequest("nosuchvar", frameID, "watch")
		client.ExpectErrorResponseWith(t, UnableToEvaluateExpression, false)

		client.ScopesRequest(9999)
		client.ExpectErrorResponseWith(t, UnableToListLocals, false)

		client.VariablesRequest(9999)
		client.ExpectErrorResponseWith(t, UnableToLookupVariable, false)

		// Handles do not survive a resume.
		client.NextRequest(1)
		client.ExpectNextResponse(t)
		expectStop(t, client, "step")
		if !backend.Received("-var-delete") {
			t.Errorf("variable objects not released: %q", backend.Commands())
		}
		client.VariablesRequest(localsRef)
		client.ExpectErrorResponseWith(t, UnableToLookupVariable, false)

		client.ContinueRequest(1)
		client.ExpectContinueResponse(t)
		expectExit(t, client, 0)
	})
}

// countCommands returns how many commands starting with prefix backend
// received.
func countCommands(backend *mitest.Backend, prefix string) int {
	n := 0
	for _, c := range backend.Commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestRepeatedScopesReleaseVariables(t *testing.T) {
	runTest(t, mitest.Sample(), func(client *daptest.Client, backend *mitest.Backend) {
		launch(t, client, !stopOnEntry, 6)
		expectStop(t, client, "breakpoint")
		frameID := topFrameID(t, client, 6)

		client.ScopesRequest(frameID)
		client.ExpectScopesResponse(t)
		creates := countCommands(backend, "-var-create")
		if creates != 3 || backend.Received("-var-delete") {
			t.Fatalf("got %q\nwant 3 variable objects and none deleted", backend.Commands())
		}

		// Asking again for the same frame replaces its variable objects.
		var localsRef int
		for i := 0; i < 3; i++ {
			client.ScopesRequest(frameID)
			scopes := client.ExpectScopesResponse(t)
			localsRef = scopes.Body.Scopes[1].VariablesReference
		}
		if got := countCommands(backend, "-var-delete"); got != 9 {
			t.Errorf("got %d variable objects deleted, want 9: %q", got, backend.Commands())
		}
		if got := countCommands(backend, "-var-create"); got != 4*creates {
			t.Errorf("got %d variable objects created, want %d", got, 4*creates)
		}

		client.VariablesRequest(localsRef)
		locals := client.ExpectVariablesResponse(t)
		if len(locals.Body.Variables) != 2 || locals.Body.Variables[0].Value != "3" {
			t.Errorf("\ngot %#v\nwant n=3 and p", locals)
		}

		// So does evaluating the same expression again.
		for i := 0; i < 2; i++ {
			client.EvaluateRequest("n", frameID, "hover")
			ev := client.ExpectEvaluateResponse(t)
			if ev.Body.Result != "3" {
				t.Errorf("\ngot %#v\nwant Result=3", ev)
			}
		}
		if got := countCommands(backend, "-var-delete"); got != 10 {
			t.Errorf("got %d variable objects deleted, want 10: %q", got, backend.Commands())
		}

		client.ContinueRequest(1)
		client.ExpectContinueResponse(t)
		expectExit(t, client, 0)
	})
}

func TestNextAndStep(t *testing.T) {
	prog := mitest.Sample()
	prog.ExitCode = 9
	runTest(t, prog, func(client *daptest.Client, backend *mitest.Backend) {
		launch(t, client, !stopOnEntry, 6)
		expectStop(t, client, "breakpoint")

		client.NextRequest(1)
		client.ExpectNextResponse(t)
		expectStop(t, client, "step")
		topFrameID(t, client, 7)

		client.StepInRequest(1)
		client.ExpectStepInResponse(t)
		expectStop(t, client, "step")
		topFrameID(t, client, 8)

		// The backend refuses to finish the outermost frame.
		client.StepOutRequest(1)
		client.ExpectStepOutResponse(t)
		oe := client.ExpectOutputEvent(t)
		if oe.Body.Category != "stderr" || !strings.Contains(oe.Body.Output, "not meaningful in the outermost frame") {
			t.Errorf("\ngot %#v\nwant Category=stderr Output=\"...not meaningful in the outermost frame...\"", oe)
		}

		// An unknown thread is reported without resuming.
		client.NextRequest(2)
		client.ExpectNextResponse(t)
		oe = client.ExpectOutputEvent(t)
		if oe.Body.Category != "stderr" || !strings.Contains(oe.Body.Output, "Invalid thread id") {
			t.Errorf("\ngot %#v\nwant Category=stderr Output=\"...Invalid thread id...\"", oe)
		}

		client.ContinueRequest(1)
		client.ExpectContinueResponse(t)
		expectExit(t, client, 9)
	})
}

func TestPauseAndContinue(t *testing.T) {
	prog := mitest.Sample()
	prog.Hang = true
	runTest(t, prog, func(client *daptest.Client, backend *mitest.Backend) {
		launch(t, client, !stopOnEntry, 6)
		expectStop(t, client, "breakpoint")

		// Pausing a stopped program fails without a response error.
		client.PauseRequest(1)
		client.ExpectPauseResponse(t)
		client.ExpectOutputEvent(t)

		client.ContinueRequest(1)
		client.ExpectContinueResponse(t)

		client.PauseRequest(1)
		client.ExpectPauseResponse(t)
		expectStop(t, client, "pause")

		client.ThreadsRequest()
		tResp := client.ExpectThreadsResponse(t)
		if len(tResp.Body.Threads) != 1 || !strings.HasPrefix(tResp.Body.Threads[0].Name, "* Thread 1") {
			t.Errorf("\ngot %#v\nwant the current thread marked", tResp)
		}

		client.DisconnectRequest()
		client.ExpectDisconnectResponse(t)
		if !backend.Received("-gdb-exit") {
			t.Errorf("backend not asked to exit: %q", backend.Commands())
		}
	})
}

func TestThreadsBeforeLaunch(t *testing.T) {
	runTest(t, mitest.Sample(), func(client *daptest.Client, backend *mitest.Backend) {
		client.ThreadsRequest()
		tResp := client.ExpectThreadsResponse(t)
		if len(tResp.Body.Threads) != 1 || tResp.Body.Threads[0].Id != 1 || tResp.Body.Threads[0].Name != "Dummy" {
			t.Errorf("\ngot %#v\nwant a single Dummy thread", tResp)
		}

		client.StackTraceRequest(1, 0, 20)
		client.ExpectErrorResponseWith(t, UnableToProduceStackTrace, false)

		client.SetBreakpointsRequest(sampleSource, []int{6})
		client.ExpectErrorResponseWith(t, NoDebugIsRunning, false)
	})
}

func TestLaunchRequestWithStackTraceDepth(t *testing.T) {
	runTest(t, mitest.Sample(), func(client *daptest.Client, backend *mitest.Backend) {
		client.InitializeRequest()
		client.ExpectInitializeResponse(t)
		client.LaunchRequestWithArgs(map[string]interface{}{
			"program": "/src/prog", "stackTraceDepth": 1,
		})
		client.ExpectInitializedEvent(t)
		client.ExpectLaunchResponse(t)
		client.SetBreakpointsRequest(sampleSource, []int{6})
		client.ExpectSetBreakpointsResponse(t)
		client.ConfigurationDoneRequest()
		client.ExpectConfigurationDoneResponse(t)
		expectStop(t, client, "breakpoint")

		client.StackTraceRequest(1, 0, 0)
		st := client.ExpectStackTraceResponse(t)
		if len(st.Body.StackFrames) != 1 || st.Body.TotalFrames != 1 {
			t.Errorf("\ngot %#v\nwant one frame", st)
		}
		if !backend.Received("-stack-list-frames 0 0") {
			t.Errorf("depth not sent: %q", backend.Commands())
		}
	})
}

func TestLaunchSubstitutePath(t *testing.T) {
	runTest(t, mitest.Sample(), func(client *daptest.Client, backend *mitest.Backend) {
		client.InitializeRequest()
		client.ExpectInitializeResponse(t)
		client.LaunchRequestWithArgs(map[string]interface{}{
			"program": "/src/prog",
			"substitutePath": []map[string]string{
				{"from": "/home/user/proj", "to": "/src"},
			},
		})
		client.ExpectInitializedEvent(t)
		client.ExpectLaunchResponse(t)

		local := "/home/user/proj/main.c"
		client.SetBreakpointsRequest(local, []int{6})
		sbp := client.ExpectSetBreakpointsResponse(t)
		if len(sbp.Body.Breakpoints) != 1 || !sbp.Body.Breakpoints[0].Verified || sbp.Body.Breakpoints[0].Source.Path != local {
			t.Fatalf("\ngot %#v\nwant a verified breakpoint in %s", sbp, local)
		}
		if !backend.Received("-break-insert /src/main.c:6") {
			t.Errorf("path not mapped: %q", backend.Commands())
		}

		client.ConfigurationDoneRequest()
		client.ExpectConfigurationDoneResponse(t)
		expectStop(t, client, "breakpoint")

		client.StackTraceRequest(1, 0, 1)
		st := client.ExpectStackTraceResponse(t)
		if len(st.Body.StackFrames) != 1 || st.Body.StackFrames[0].Source.Path != local {
			t.Errorf("\ngot %#v\nwant frame source %s", st, local)
		}
	})
}

func TestSubstitutePathFromConfig(t *testing.T) {
	configure := func(c *service.Config) {
		c.SubstitutePath = []config.SubstitutePathRule{{From: "/src", To: "/home/user/proj"}}
	}
	runTestWithConfig(t, mitest.Sample(), configure, func(client *daptest.Client, backend *mitest.Backend) {
		client.EvaluateRequest("dbg config -list substitutePath", 0, "repl")
		ev := client.ExpectEvaluateResponse(t)
		want := "substitutePath\t[\"/home/user/proj\" => \"/src\"]"
		if ev.Body.Result != want {
			t.Errorf("\ngot %q\nwant %q", ev.Body.Result, want)
		}

		client.EvaluateRequest("dbg config substitutePath /home/user/proj", 0, "repl")
		ev = client.ExpectEvaluateResponse(t)
		if want := "substitutePath\t[]\nUpdated"; ev.Body.Result != want {
			t.Errorf("\ngot %q\nwant %q", ev.Body.Result, want)
		}
	})
}

func TestReplCommands(t *testing.T) {
	runTest(t, mitest.Sample(), func(client *daptest.Client, backend *mitest.Backend) {
		launch(t, client, !stopOnEntry, 6)
		expectStop(t, client, "breakpoint")

		client.EvaluateRequest("dbg help", 0, "repl")
		ev := client.ExpectEvaluateResponse(t)
		if !strings.HasPrefix(ev.Body.Result, "The following commands are available:") {
			t.Errorf("\ngot %q\nwant the command list", ev.Body.Result)
		}

		client.EvaluateRequest("dbg bp", 0, "repl")
		ev = client.ExpectEvaluateResponse(t)
		if want := "Breakpoint 1 (enabled) at /src/main.c:6 (1 hits)"; ev.Body.Result != want {
			t.Errorf("\ngot %q\nwant %q", ev.Body.Result, want)
		}

		client.EvaluateRequest("dbg config stackTraceDepth 1", 0, "repl")
		ev = client.ExpectEvaluateResponse(t)
		if want := "stackTraceDepth\t1\nUpdated"; ev.Body.Result != want {
			t.Errorf("\ngot %q\nwant %q", ev.Body.Result, want)
		}
		client.StackTraceRequest(1, 0, 0)
		st := client.ExpectStackTraceResponse(t)
		if len(st.Body.StackFrames) != 1 {
			t.Errorf("\ngot %#v\nwant one frame", st)
		}

		client.EvaluateRequest("dbg nosuchcmd", 0, "repl")
		er := client.ExpectErrorResponseWith(t, UnableToEvaluateExpression, true)
		if !strings.HasSuffix(er.Body.Error.Format, errNoCmd.Error()) {
			t.Errorf("\ngot %#v\nwant %q", er, errNoCmd)
		}
	})
}

func TestUnsupportedCommandResponses(t *testing.T) {
	runTest(t, mitest.Sample(), func(client *daptest.Client, backend *mitest.Backend) {
		client.RestartRequest()
		er := client.ExpectErrorResponseWith(t, UnsupportedCommand, false)
		if er.Command != "restart" || er.Body.Error.Format != "Unsupported command: cannot process 'restart' request" {
			t.Errorf("\ngot %#v\nwant Command=restart Format=\"Unsupported command: cannot process 'restart' request\"", er)
		}
	})
}

func TestBadLaunchRequests(t *testing.T) {
	runTest(t, mitest.Sample(), func(client *daptest.Client, backend *mitest.Backend) {
		expectFailedToLaunch := func(want string) {
			t.Helper()
			er := client.ExpectErrorResponseWith(t, FailedToLaunch, false)
			if er.Body.Error.Format != want {
				t.Errorf("\ngot %q\nwant %q", er.Body.Error.Format, want)
			}
		}

		client.LaunchRequestWithArgs(map[string]interface{}{"stopOnEntry": true})
		expectFailedToLaunch("Failed to launch: The program attribute is missing in debug configuration.")

		client.LaunchRequestWithArgs(map[string]interface{}{"program": 12345})
		expectFailedToLaunch("Failed to launch: cannot unmarshal number into \"program\" of type string")

		client.LaunchRequestWithArgs(map[string]interface{}{"program": "/src/prog", "substitutePath": []map[string]string{{"from": "/a"}}})
		expectFailedToLaunch("Failed to launch: 'substitutePath' requires both 'from' and 'to' entries")

		// Nothing was started yet: a good request still works.
		client.LaunchRequest("/src/prog", !stopOnEntry)
		client.ExpectInitializedEvent(t)
		client.ExpectLaunchResponse(t)

		client.LaunchRequest("/src/prog", !stopOnEntry)
		expectFailedToLaunch("Failed to launch: A debug session is already in progress.")
	})
}

func TestBackendDies(t *testing.T) {
	runTest(t, mitest.Sample(), func(client *daptest.Client, backend *mitest.Backend) {
		launch(t, client, !stopOnEntry, 6)
		expectStop(t, client, "breakpoint")

		backend.Crash()
		oe := client.ExpectOutputEvent(t)
		if oe.Body.Category != "stderr" || !strings.Contains(oe.Body.Output, "backend terminated") {
			t.Errorf("\ngot %#v\nwant Category=stderr Output=\"...backend terminated...\"", oe)
		}
		client.ExpectTerminatedEvent(t)
	})
}

// newEventServer returns a server converting events for a client reading
// the other end of a pipe.
func newEventServer(t *testing.T) (*Server, *daptest.Client) {
	srv, cl := net.Pipe()
	s := &Server{
		conn:             srv,
		log:              logflags.DAPLogger(),
		knownBreakpoints: make(map[int]bool),
		args:             defaultArgs,
	}
	client := daptest.NewClientFromConn(cl)
	t.Cleanup(func() {
		srv.Close()
		client.Close()
	})
	return s, client
}

func TestBreakpointEvents(t *testing.T) {
	s, client := newEventServer(t)
	s.knownBreakpoints[1] = true
	s.entryBreakpoint = 3

	bp1 := engine.Breakpoint{Number: 1, File: "main.c", FullName: sampleSource, Line: 6, Enabled: true}
	bp2 := engine.Breakpoint{Number: 2, File: "main.c", FullName: sampleSource, Line: 7, Enabled: true}
	bp3 := engine.Breakpoint{Number: 3, Function: "main", FullName: sampleSource, Line: 5, Enabled: true}

	go s.convertEvent(engine.BreakpointsChanged{Breakpoints: []engine.Breakpoint{bp1, bp2, bp3}, Affected: []int{1, 2, 3}})
	for _, want := range []struct {
		reason string
		id     int
	}{{"changed", 1}, {"new", 2}} {
		be := client.ExpectBreakpointEvent(t)
		if be.Body.Reason != want.reason || be.Body.Breakpoint.Id != want.id || be.Body.Breakpoint.Source.Path != sampleSource {
			t.Errorf("\ngot %#v\nwant Reason=%s Id=%d", be, want.reason, want.id)
		}
	}

	go s.convertEvent(engine.BreakpointsChanged{Breakpoints: []engine.Breakpoint{bp2}, Affected: []int{1, 4}})
	be := client.ExpectBreakpointEvent(t)
	if be.Body.Reason != "removed" || be.Body.Breakpoint.Id != 1 {
		t.Errorf("\ngot %#v\nwant Reason=removed Id=1", be)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.knownBreakpoints[1] || !s.knownBreakpoints[2] {
		t.Errorf("got known breakpoints %v, want only 2", s.knownBreakpoints)
	}
}

func TestStateEvents(t *testing.T) {
	s, client := newEventServer(t)

	go s.convertEvent(engine.StateChanged{Old: engine.Stopped, New: engine.Running, Session: engine.Session{ThreadID: "1"}})
	ce := client.ExpectContinuedEvent(t)
	if ce.Body.ThreadId != 1 || !ce.Body.AllThreadsContinued {
		t.Errorf("\ngot %#v\nwant ThreadId=1 AllThreadsContinued=true", ce)
	}

	// A count point hit is invisible, including the resume after it.
	s.convertEvent(engine.ProgramStopped{Reason: "breakpoint-hit", Breakpoint: 2, CountPoint: true, ThreadID: "1"})
	s.convertEvent(engine.StateChanged{Old: engine.Stopped, New: engine.Running})
	// Resumes requested by the client are already acknowledged.
	s.resumeRequested = true
	s.convertEvent(engine.StateChanged{Old: engine.Stopped, New: engine.Running})

	go s.convertEvent(engine.Output{Stream: engine.TargetOutput, Text: "hello\n"})
	oe := client.ExpectOutputEvent(t)
	if oe.Body.Category != "stdout" || oe.Body.Output != "hello\n" {
		t.Errorf("\ngot %#v\nwant Category=stdout Output=hello", oe)
	}

	go s.convertEvent(engine.ProgramStopped{Reason: "signal-received", Signal: "SIGSEGV", ThreadID: "1"})
	se := client.ExpectStoppedEvent(t)
	if se.Body.Reason != "exception" || se.Body.Text != "SIGSEGV" {
		t.Errorf("\ngot %#v\nwant Reason=exception Text=SIGSEGV", se)
	}

	go s.convertEvent(engine.ProgramFinished{Reason: "exited", ExitCode: 3})
	expectExit(t, client, 3)
}

func TestStoppedReason(t *testing.T) {
	for _, tc := range []struct {
		ev     engine.ProgramStopped
		reason string
		text   string
	}{
		{engine.ProgramStopped{Reason: "breakpoint-hit", Breakpoint: 1}, "breakpoint", ""},
		{engine.ProgramStopped{Reason: "end-stepping-range"}, "step", ""},
		{engine.ProgramStopped{Reason: "function-finished"}, "step", ""},
		{engine.ProgramStopped{Reason: "location-reached"}, "step", ""},
		{engine.ProgramStopped{Reason: "watchpoint-trigger"}, "data breakpoint", ""},
		{engine.ProgramStopped{Reason: "signal-received", Signal: "SIGINT"}, "pause", ""},
		{engine.ProgramStopped{Reason: "signal-received", Signal: "SIGABRT"}, "exception", "SIGABRT"},
		{engine.ProgramStopped{Reason: "solib-event"}, "pause", "solib-event"},
	} {
		reason, text := stoppedReason(tc.ev)
		if reason != tc.reason || text != tc.text {
			t.Errorf("stoppedReason(%q) = %q, %q; want %q, %q", tc.ev.Reason, reason, text, tc.reason, tc.text)
		}
	}
}

func TestDisconnectSignalsServer(t *testing.T) {
	listener, conn := service.ListenerPipe()
	disconnectChan := make(chan struct{})
	server := NewServer(&service.Config{Listener: listener, DisconnectChan: disconnectChan})
	server.Run()
	defer server.Stop()

	client := daptest.NewClientFromConn(conn)
	defer client.Close()
	client.InitializeRequest()
	client.ExpectInitializeResponse(t)
	client.DisconnectRequest()
	client.ExpectDisconnectResponse(t)

	select {
	case <-disconnectChan:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect was not signaled")
	}
}

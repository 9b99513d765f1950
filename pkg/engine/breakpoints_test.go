package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bkptReply(tok string, number int, file string, line int) string {
	return fmt.Sprintf(`%s^done,bkpt={number="%d",type="breakpoint",disp="keep",enabled="y",addr="0x0000000000001139",func="main",file="%s",fullname="/src/%s",line="%d",thread-groups=["i1"],times="0",original-location="%s:%d"}`,
		tok, number, file, file, line, file, line)
}

func TestSetBreakpoint(t *testing.T) {
	h := newHarness(t)

	var got *Breakpoint
	require.NoError(t, h.e.SetByLocation("main.c", 10, "", false, "bp-1", func(bp *Breakpoint, err error) {
		require.NoError(t, err)
		got = bp
	}))
	tok := h.next("-break-insert main.c:10")
	assert.Nil(t, got)
	h.feed(bkptReply(tok, 1, "main.c", 10))

	require.NotNil(t, got)
	assert.Equal(t, 1, got.Number)
	assert.Equal(t, "/src/main.c", got.FullName)
	assert.True(t, got.Enabled)
	assert.Equal(t, "main.c:10", got.OriginalLocation)

	changed := h.last(KindBreakpointsChanged).(BreakpointsChanged)
	assert.Equal(t, "bp-1", changed.Cookie())
	assert.Equal(t, []int{1}, changed.Affected)
	require.Len(t, changed.Breakpoints, 1)

	n, ok := h.e.LookupByLocation("main.c", 10)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
	n, ok = h.e.LookupByLocation("/src/main.c", 10)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
	_, ok = h.e.LookupByLocation("main.c", 11)
	assert.False(t, ok)
}

func TestSetBreakpointIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetByLocation("main.c", 10, "", false, "", nil))
	tok := h.next("-break-insert main.c:10")
	h.feed(bkptReply(tok, 1, "main.c", 10))
	h.reset()

	called := false
	require.NoError(t, h.e.SetByLocation("main.c", 10, "", false, "", func(bp *Breakpoint, err error) {
		require.NoError(t, err)
		assert.Equal(t, 1, bp.Number)
		called = true
	}))
	assert.True(t, called, "existing breakpoint is reported synchronously")
	h.noCommands()
	assert.Zero(t, h.count(KindBreakpointsChanged))
	assert.Len(t, h.e.Breakpoints(), 1)
}

func TestSetBreakpointJoinsPendingRequest(t *testing.T) {
	h := newHarness(t)
	var numbers []int
	k := func(bp *Breakpoint, err error) {
		require.NoError(t, err)
		numbers = append(numbers, bp.Number)
	}
	require.NoError(t, h.e.SetByLocation("main.c", 10, "", false, "", k))
	require.NoError(t, h.e.SetByLocation("main.c", 10, "", false, "", k))
	tok := h.next("-break-insert main.c:10")
	h.noCommands()
	h.feed(bkptReply(tok, 3, "main.c", 10))
	assert.Equal(t, []int{3, 3}, numbers)
	assert.Equal(t, 1, h.count(KindBreakpointsChanged))
}

const multiLocationBkpt = `bkpt={number="1",type="breakpoint",disp="keep",enabled="y",addr="<MULTIPLE>",times="0",original-location="add"},{number="1.1",enabled="y",addr="0x0000000000001139",func="add<int>(int, int)",file="lib.cc",fullname="/src/lib.cc",line="3",thread-groups=["i1"]},{number="1.2",enabled="y",addr="0x0000000000001150",func="add<double>(double, double)",file="lib.cc",fullname="/src/lib.cc",line="3",thread-groups=["i1"]}`

func TestMultiLocationBreakpoint(t *testing.T) {
	h := newHarness(t)
	var got *Breakpoint
	require.NoError(t, h.e.SetByFunction("add", "", false, "", func(bp *Breakpoint, err error) {
		require.NoError(t, err)
		got = bp
	}))
	tok := h.next("-break-insert add")
	h.feed(tok + "^done," + multiLocationBkpt)

	require.NotNil(t, got)
	assert.Zero(t, h.e.InFlight())
	assert.Equal(t, 1, got.Number)
	assert.Empty(t, got.Address)
	assert.Equal(t, "lib.cc", got.File)
	assert.Equal(t, 3, got.Line)
	require.Len(t, got.Locations, 2)
	assert.Equal(t, "1.1", got.Locations[0].ID)
	assert.Equal(t, "add<double>(double, double)", got.Locations[1].Function)
	assert.Equal(t, "0x0000000000001150", got.Locations[1].Address)

	// The same request is answered from the table.
	called := false
	require.NoError(t, h.e.SetByFunction("add", "", false, "", func(bp *Breakpoint, err error) {
		require.NoError(t, err)
		assert.Equal(t, 1, bp.Number)
		called = true
	}))
	assert.True(t, called)
	h.noCommands()

	// The table listing prints the locations after the breakpoint.
	h.reset()
	require.NoError(t, h.e.Refresh("", nil))
	h.feed(h.next("-break-list") + `^done,BreakpointTable={nr_rows="1",nr_cols="6",body=[` + multiLocationBkpt + `]}`)
	assert.Zero(t, h.count(KindBreakpointsChanged))
	require.Len(t, h.e.Breakpoints(), 1)
	assert.Len(t, h.e.Breakpoints()[0].Locations, 2)
}

func TestConditionalBreakpoint(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetByFunction("compute", `s == "a b"`, false, "", nil))
	tok := h.next(`-break-insert -c "s == \"a b\"" compute`)
	h.feed(tok + `^done,bkpt={number="2",type="breakpoint",disp="keep",enabled="y",addr="0x1200",func="compute",file="lib.c",fullname="/src/lib.c",line="3",cond="s == \"a b\"",times="0",original-location="compute"}`)

	n, ok := h.e.LookupByFunction("compute")
	require.True(t, ok)
	bp, _ := h.e.Breakpoint(n)
	assert.Equal(t, `s == "a b"`, bp.Condition)
	assert.Equal(t, "compute", bp.Function)
}

func TestCountPoint(t *testing.T) {
	h := newHarness(t)
	var got *Breakpoint
	require.NoError(t, h.e.SetByLocation("main.c", 10, "", true, "cp", func(bp *Breakpoint, err error) {
		require.NoError(t, err)
		got = bp
	}))
	tok := h.next("-break-insert main.c:10")
	h.feed(bkptReply(tok, 1, "main.c", 10))
	assert.Nil(t, got, "count point is confirmed once its commands are set")
	tok = h.next("-break-commands 1 continue")
	h.feed(tok + "^done")
	require.NotNil(t, got)
	assert.True(t, got.IsCountPoint)
	assert.Equal(t, "cp", h.last(KindBreakpointsChanged).Cookie())

	// Attaching the commands is reported by the backend as a modification.
	h.feed(`=breakpoint-modified,bkpt={number="1",type="breakpoint",disp="keep",enabled="y",addr="0x0000000000001139",func="main",file="main.c",fullname="/src/main.c",line="10",times="0",script={"continue"},original-location="main.c:10"}`)
	bp, _ := h.e.Breakpoint(1)
	assert.True(t, bp.IsCountPoint)

	// A hit is reported as a stop flagged as a count point.
	require.NoError(t, h.e.RunProgram("", nil))
	tok = h.next("-exec-run")
	h.feed(tok+"^running", `*running,thread-id="all"`,
		`*stopped,reason="breakpoint-hit",disp="keep",bkptno="1",frame={addr="0x0000000000001139",func="main",file="main.c",fullname="/src/main.c",line="10"},thread-id="1",stopped-threads="all"`)
	ev := h.last(KindStopped).(ProgramStopped)
	assert.True(t, ev.CountPoint)
	bp, _ = h.e.Breakpoint(1)
	assert.Equal(t, 1, bp.HitCount)
}

func TestSetBreakpointBackendError(t *testing.T) {
	h := newHarness(t)
	var got error
	require.NoError(t, h.e.SetByLocation("nope.c", 1, "", false, "", func(bp *Breakpoint, err error) {
		assert.Nil(t, bp)
		got = err
	}))
	tok := h.next("-break-insert nope.c:1")
	h.feed(tok + `^error,msg="No source file named nope.c."`)
	var berr *BackendError
	require.True(t, errors.As(got, &berr))
	assert.Equal(t, "No source file named nope.c.", berr.Msg)
	assert.Empty(t, h.e.Breakpoints())
	assert.Zero(t, h.count(KindBreakpointsChanged))

	// The location can be requested again.
	require.NoError(t, h.e.SetByLocation("nope.c", 1, "", false, "", nil))
	h.next("-break-insert nope.c:1")
}

func TestBreakpointOps(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetByLocation("main.c", 10, "", false, "", nil))
	h.feed(bkptReply(h.next("-break-insert main.c:10"), 1, "main.c", 10))

	require.NoError(t, h.e.Disable(1, "dis", nil))
	h.feed(h.next("-break-disable 1") + "^done")
	bp, _ := h.e.Breakpoint(1)
	assert.False(t, bp.Enabled)
	assert.Equal(t, "dis", h.last(KindBreakpointsChanged).Cookie())

	require.NoError(t, h.e.Enable(1, "", nil))
	h.feed(h.next("-break-enable 1") + "^done")
	bp, _ = h.e.Breakpoint(1)
	assert.True(t, bp.Enabled)

	require.NoError(t, h.e.SetCondition(1, "i > 3", "", nil))
	h.feed(h.next(`-break-condition 1 "i > 3"`) + "^done")
	bp, _ = h.e.Breakpoint(1)
	assert.Equal(t, "i > 3", bp.Condition)

	require.NoError(t, h.e.SetCondition(1, "", "", nil))
	h.feed(h.next("-break-condition 1") + "^done")
	bp, _ = h.e.Breakpoint(1)
	assert.Empty(t, bp.Condition)

	var deleted error = errors.New("not called")
	require.NoError(t, h.e.DeleteByLocation("main.c", 10, "", func(err error) { deleted = err }))
	h.feed(h.next("-break-delete 1") + "^done")
	assert.NoError(t, deleted)
	assert.Empty(t, h.e.Breakpoints())
	_, ok := h.e.LookupByLocation("main.c", 10)
	assert.False(t, ok)
}

func TestBreakpointOpsOnUnknownNumber(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.e.Delete(7, "", nil), ErrUnknownBreakpoint)
	assert.ErrorIs(t, h.e.Enable(7, "", nil), ErrUnknownBreakpoint)
	assert.ErrorIs(t, h.e.Disable(7, "", nil), ErrUnknownBreakpoint)
	assert.ErrorIs(t, h.e.SetCondition(7, "x", "", nil), ErrUnknownBreakpoint)
	assert.ErrorIs(t, h.e.DeleteByLocation("main.c", 1, "", nil), ErrUnknownBreakpoint)
	assert.True(t, IsUsageError(h.e.Delete(7, "", nil)))
	h.noCommands()
}

func TestBreakpointNotifications(t *testing.T) {
	h := newHarness(t)
	h.feed(`=breakpoint-created,bkpt={number="5",type="breakpoint",disp="keep",enabled="y",addr="0x1150",func="main",file="main.c",fullname="/src/main.c",line="12",times="0",original-location="main.c:12"}`)
	n, ok := h.e.LookupByLocation("main.c", 12)
	require.True(t, ok)
	assert.Equal(t, 5, n)
	changed := h.last(KindBreakpointsChanged).(BreakpointsChanged)
	assert.Empty(t, changed.Cookie())
	assert.Equal(t, []int{5}, changed.Affected)

	// Known number: no new event.
	h.feed(`=breakpoint-created,bkpt={number="5",type="breakpoint",disp="keep",enabled="y",addr="0x1150",func="main",file="main.c",fullname="/src/main.c",line="12",times="0",original-location="main.c:12"}`)
	assert.Equal(t, 1, h.count(KindBreakpointsChanged))

	h.feed(`=breakpoint-modified,bkpt={number="5",type="breakpoint",disp="keep",enabled="n",addr="0x1150",func="main",file="main.c",fullname="/src/main.c",line="12",times="2",original-location="main.c:12"}`)
	bp, _ := h.e.Breakpoint(5)
	assert.False(t, bp.Enabled)
	assert.Equal(t, 2, bp.HitCount)
	assert.Equal(t, 2, h.count(KindBreakpointsChanged))

	h.feed(`=breakpoint-deleted,id="5"`)
	_, ok = h.e.Breakpoint(5)
	assert.False(t, ok)
	assert.Equal(t, 3, h.count(KindBreakpointsChanged))

	h.feed(`=breakpoint-deleted,id="5"`)
	assert.Equal(t, 3, h.count(KindBreakpointsChanged))
}

func TestBreakpointHitCount(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.SetByFunction("main", "", false, "", nil))
	h.feed(h.next("-break-insert main") + `^done,bkpt={number="1",type="breakpoint",disp="keep",enabled="y",addr="0x1139",func="main",file="main.c",fullname="/src/main.c",line="5",times="0",original-location="main"}`)
	h.stopAtMain()
	bp, _ := h.e.Breakpoint(1)
	assert.Equal(t, 1, bp.HitCount)
}

func TestBreakpointsWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.stopAtMain()
	h.resume()
	assert.ErrorIs(t, h.e.SetByLocation("main.c", 1, "", false, "", nil), ErrInvalidState)
	assert.ErrorIs(t, h.e.Refresh("", nil), ErrInvalidState)
	assert.ErrorIs(t, h.e.DeleteByLocation("main.c", 1, "", nil), ErrInvalidState)
	h.noCommands()
}

const breakListReply = `^done,BreakpointTable={nr_rows="2",nr_cols="6",hdr=[{width="7",alignment="-1",col_name="number",colhdr="Num"},{width="14",alignment="-1",col_name="type",colhdr="Type"}],body=[bkpt={number="4",type="breakpoint",disp="keep",enabled="y",addr="0x1139",func="main",file="main.c",fullname="/src/main.c",line="10",times="1",original-location="main.c:10"},bkpt={number="6",type="breakpoint",disp="keep",enabled="y",addr="0x1200",func="work",file="main.c",fullname="/src/main.c",line="20",times="0",script={"continue"},original-location="main.c:20"}]}`

func TestRefresh(t *testing.T) {
	h := newHarness(t)
	h.feed(`=breakpoint-created,bkpt={number="1",type="breakpoint",disp="keep",enabled="y",addr="0x1100",func="f",file="a.c",fullname="/src/a.c",line="1",times="0"}`)

	var got []Breakpoint
	require.NoError(t, h.e.Refresh("ref", func(bps []Breakpoint, err error) {
		require.NoError(t, err)
		got = bps
	}))
	h.feed(h.next("-break-list") + breakListReply)

	require.Len(t, got, 2)
	assert.Equal(t, 4, got[0].Number)
	assert.Equal(t, 1, got[0].HitCount)
	assert.True(t, got[1].IsCountPoint)
	_, ok := h.e.Breakpoint(1)
	assert.False(t, ok)

	changed := h.last(KindBreakpointsChanged).(BreakpointsChanged)
	assert.Equal(t, "ref", changed.Cookie())
	assert.ElementsMatch(t, []int{1, 4, 6}, changed.Affected)

	// Unchanged table: no event.
	h.reset()
	require.NoError(t, h.e.Refresh("", nil))
	h.feed(h.next("-break-list") + breakListReply)
	assert.Zero(t, h.count(KindBreakpointsChanged))
}

func TestImport(t *testing.T) {
	h := newHarness(t)
	saved := map[int]Breakpoint{
		1: {Number: 1, File: "main.c", Line: 10, Enabled: true},
		2: {Number: 2, File: "main.c", Line: 30, Condition: "n > 2"},
		3: {Number: 3, Function: "helper", Enabled: true},
	}
	var done error = errors.New("not called")
	require.NoError(t, h.e.Import(saved, "", func(err error) { done = err }))
	h.feed(h.next("-break-list") + breakListReply)

	tok30 := h.next(`-break-insert -c "n > 2" main.c:30`)
	tokHelper := h.next("-break-insert helper")
	h.noCommands()

	h.feed(bkptReply(tok30, 7, "main.c", 30))
	assert.EqualError(t, done, "not called")
	// Breakpoint 2 was saved disabled.
	tokDisable := h.next("-break-disable 7")
	h.feed(tokHelper + `^done,bkpt={number="8",type="breakpoint",disp="keep",enabled="y",addr="0x1300",func="helper",file="lib.c",fullname="/src/lib.c",line="2",times="0",original-location="helper"}`)
	h.noCommands()
	assert.EqualError(t, done, "not called")
	h.feed(tokDisable + "^done")
	assert.NoError(t, done)
	assert.Len(t, h.e.Breakpoints(), 4)
	bp, _ := h.e.Breakpoint(7)
	assert.False(t, bp.Enabled)
	bp, _ = h.e.Breakpoint(8)
	assert.True(t, bp.Enabled)
}

func TestImportNothingMissing(t *testing.T) {
	h := newHarness(t)
	called := false
	require.NoError(t, h.e.Import(map[int]Breakpoint{4: {File: "/src/main.c", Line: 10}}, "", func(err error) {
		assert.NoError(t, err)
		called = true
	}))
	h.feed(h.next("-break-list") + breakListReply)
	h.noCommands()
	assert.True(t, called)
}

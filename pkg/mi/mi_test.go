package mi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResultRecord(t *testing.T) {
	rec, err := ParseRecord(`12^done,bkpt={number="1",type="breakpoint",enabled="y",file="main.c",fullname="/src/main.c",line="10",times="0"}`)
	require.NoError(t, err)
	assert.Equal(t, "12", rec.Token)
	assert.Equal(t, ResultRecord, rec.Kind)
	assert.Equal(t, ClassDone, rec.Class)

	tok, ok := rec.TokenValue()
	require.True(t, ok)
	assert.Equal(t, uint64(12), tok)

	bkpt := rec.Results.Tuple("bkpt")
	require.NotNil(t, bkpt)
	n, ok := bkpt.Int("number")
	require.True(t, ok)
	assert.Equal(t, 1, n)
	assert.Equal(t, "main.c", bkpt.String("file"))
	assert.Equal(t, "/src/main.c", bkpt.String("fullname"))
	assert.Equal(t, "y", bkpt.String("enabled"))
}

func TestParseErrorRecord(t *testing.T) {
	rec, err := ParseRecord(`7^error,msg="No symbol \"nope\" in current context.",code="undefined-command"`)
	require.NoError(t, err)
	assert.Equal(t, ClassError, rec.Class)
	assert.Equal(t, `No symbol "nope" in current context.`, rec.Results.String("msg"))
	assert.Equal(t, "undefined-command", rec.Results.String("code"))
}

func TestParseAsyncRecords(t *testing.T) {
	tests := []struct {
		line  string
		kind  Kind
		class string
	}{
		{`*running,thread-id="all"`, ExecAsync, "running"},
		{`*stopped,reason="breakpoint-hit",bkptno="1",thread-id="1"`, ExecAsync, "stopped"},
		{`+download,section=".text"`, StatusAsync, "download"},
		{`=thread-group-started,id="i1",pid="4242"`, NotifyAsync, "thread-group-started"},
		{`=breakpoint-deleted,id="3"`, NotifyAsync, "breakpoint-deleted"},
	}
	for _, tc := range tests {
		rec, err := ParseRecord(tc.line)
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.kind, rec.Kind, tc.line)
		assert.Equal(t, tc.class, rec.Class, tc.line)
		assert.True(t, rec.Kind.IsAsync(), tc.line)
		assert.Empty(t, rec.Token, tc.line)
	}
}

func TestParseStreams(t *testing.T) {
	rec, err := ParseRecord(`~"Hello\tworld\n"`)
	require.NoError(t, err)
	assert.Equal(t, ConsoleStream, rec.Kind)
	assert.Equal(t, "Hello\tworld\n", rec.Stream)

	rec, err = ParseRecord(`@"program output"`)
	require.NoError(t, err)
	assert.Equal(t, TargetStream, rec.Kind)

	rec, err = ParseRecord(`&"warning: \303\251t\303\251\n"`)
	require.NoError(t, err)
	assert.Equal(t, LogStream, rec.Kind)
	assert.Equal(t, "warning: été\n", rec.Stream)
}

func TestParsePrompt(t *testing.T) {
	for _, line := range []string{"(gdb)", "(gdb) ", "(gdb)\n", "(gdb) \r\n"} {
		rec, err := ParseRecord(line)
		require.NoError(t, err, "%q", line)
		assert.Equal(t, Prompt, rec.Kind)
	}
}

func TestParseListOfResults(t *testing.T) {
	rec, err := ParseRecord(`3^done,stack=[frame={level="0",func="f",line="4"},frame={level="1",func="main",line="9"}]`)
	require.NoError(t, err)
	frames := rec.Results.List("stack").Tuples()
	require.Len(t, frames, 2)
	assert.Equal(t, "f", frames[0].String("func"))
	assert.Equal(t, "main", frames[1].String("func"))
}

func TestParseListOfValues(t *testing.T) {
	rec, err := ParseRecord(`^done,thread-ids=["1","2","3"],empty=[],nested={}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, rec.Results.List("thread-ids").Strings())
	assert.Empty(t, rec.Results.List("empty"))
	assert.NotNil(t, rec.Results.Tuple("nested"))
	assert.NotNil(t, rec.Results.Tuple("empty"))
}

func TestParseBreakpointScript(t *testing.T) {
	rec, err := ParseRecord(`=breakpoint-modified,bkpt={number="1",script={"silent","continue"}}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"silent", "continue"}, rec.Results.Tuple("bkpt").List("script").Strings())
}

func TestParseMultiLocationBreakpoint(t *testing.T) {
	rec, err := ParseRecord(`4^done,bkpt={number="1",type="breakpoint",disp="keep",enabled="y",addr="<MULTIPLE>",times="0",original-location="add"},{number="1.1",enabled="y",addr="0x0000000000001139",func="add<int>(int, int)",file="lib.cc",fullname="/src/lib.cc",line="3",thread-groups=["i1"]},{number="1.2",enabled="y",addr="0x0000000000001150",func="add<double>(double, double)",file="lib.cc",fullname="/src/lib.cc",line="3",thread-groups=["i1"]}`)
	require.NoError(t, err)
	require.Len(t, rec.Results, 3)
	assert.Equal(t, "bkpt", rec.Results[0].Name)
	assert.Equal(t, "<MULTIPLE>", rec.Results.Tuple("bkpt").String("addr"))
	for i, want := range []string{"1.1", "1.2"} {
		assert.Empty(t, rec.Results[i+1].Name)
		loc, ok := rec.Results[i+1].Value.(Tuple)
		require.True(t, ok)
		assert.Equal(t, want, loc.String("number"))
	}
}

func TestResultToken(t *testing.T) {
	tests := []struct {
		line string
		tok  uint64
		ok   bool
	}{
		{`12^done,x=1`, 12, true},
		{`7^garbage{`, 7, true},
		{`^done`, 0, false},
		{`12*stopped,reason="x"`, 0, false},
		{`12`, 0, false},
		{`~"12^"`, 0, false},
	}
	for _, tc := range tests {
		tok, ok := ResultToken(tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		assert.Equal(t, tc.tok, tok, tc.line)
	}
}

func TestParseChildren(t *testing.T) {
	rec, err := ParseRecord(`5^done,numchild="2",children=[child={name="var1.a",exp="a",numchild="0",value="1",type="int"},child={name="var1.b",exp="b",numchild="3",value="{...}",type="struct s"}],has_more="0"`)
	require.NoError(t, err)
	children := rec.Results.List("children").Tuples()
	require.Len(t, children, 2)
	assert.Equal(t, "var1.a", children[0].String("name"))
	assert.Equal(t, "{...}", children[1].String("value"))
	nc, ok := children[1].Int("numchild")
	require.True(t, ok)
	assert.Equal(t, 3, nc)
}

func TestParseMalformed(t *testing.T) {
	lines := []string{
		``,
		`garbage`,
		`12^done,`,
		`^done,bkpt={number="1"`,
		`^done,msg="unterminated`,
		`^done,x=1`,
		`^weird`,
		`4~"token on stream"`,
		`~"bad escape \q"`,
		`~"ok" trailing`,
	}
	for _, line := range lines {
		_, err := ParseRecord(line)
		var serr *SyntaxError
		require.Error(t, err, "%q", line)
		assert.True(t, errors.As(err, &serr), "%q: %v", line, err)
	}
}

func TestCommandFormat(t *testing.T) {
	tests := []struct {
		cmd   Command
		token uint64
		out   string
	}{
		{NewCommand("exec-run"), 1, "1-exec-run"},
		{NewCommand("-break-insert", "main.c:10"), 2, "2-break-insert main.c:10"},
		{NewCommand("break-insert", "-c", "x > 1", "main.c:10"), 3, `3-break-insert -c "x > 1" main.c:10`},
		{NewCommand("var-create", "-", "*", `s == "a\b"`), 40, `40-var-create - * "s == \"a\\b\""`},
		{NewCommand("exec-arguments", ""), 5, `5-exec-arguments ""`},
		{NewCommand("environment-cd", "/tmp/a dir\n"), 6, `6-environment-cd "/tmp/a dir\n"`},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.out, tc.cmd.Format(tc.token))
	}
}

func TestQuoteRoundTrip(t *testing.T) {
	for _, s := range []string{"plain", "with space", `q"uote`, "tab\there", "ctl\x01", `back\slash`} {
		rec, err := ParseRecord("~" + quoteAlways(s))
		require.NoError(t, err, s)
		assert.Equal(t, s, rec.Stream)
	}
}

func quoteAlways(s string) string {
	q := Quote(s)
	if len(q) > 0 && q[0] == '"' {
		return q
	}
	return `"` + q + `"`
}

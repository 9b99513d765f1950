package mi

import (
	"fmt"
	"strconv"
	"strings"
)

// SyntaxError is returned by ParseRecord for a line that is not valid
// GDB/MI output.
type SyntaxError struct {
	Line   string
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("malformed MI record at offset %d: %s: %q", e.Offset, e.Msg, e.Line)
}

const promptText = "(gdb)"

// ParseRecord parses one line of backend output. The trailing newline, if
// any, is ignored.
func ParseRecord(line string) (*Record, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimRight(line, " ") == promptText {
		return &Record{Kind: Prompt}, nil
	}
	p := &parser{line: line}
	rec, err := p.record()
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ResultToken returns the token of line if it looks like a result record,
// even one that ParseRecord rejects.
func ResultToken(line string) (uint64, bool) {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(line) || line[i] != '^' {
		return 0, false
	}
	n, err := strconv.ParseUint(line[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

type parser struct {
	line string
	pos  int
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return &SyntaxError{Line: p.line, Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool {
	return p.pos >= len(p.line)
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.line[p.pos]
}

func (p *parser) expect(c byte) error {
	if p.peek() != c {
		if p.eof() {
			return p.errorf("expected %q, found end of line", c)
		}
		return p.errorf("expected %q, found %q", c, p.peek())
	}
	p.pos++
	return nil
}

func (p *parser) record() (*Record, error) {
	rec := &Record{}
	start := p.pos
	for !p.eof() && p.peek() >= '0' && p.peek() <= '9' {
		p.pos++
	}
	rec.Token = p.line[start:p.pos]

	if p.eof() {
		return nil, p.errorf("missing record type")
	}
	switch c := p.peek(); c {
	case '^', '*', '+', '=':
		p.pos++
		switch c {
		case '^':
			rec.Kind = ResultRecord
		case '*':
			rec.Kind = ExecAsync
		case '+':
			rec.Kind = StatusAsync
		case '=':
			rec.Kind = NotifyAsync
		}
		rec.Class = p.identifier()
		if rec.Class == "" {
			return nil, p.errorf("missing record class")
		}
		for !p.eof() {
			if err := p.expect(','); err != nil {
				return nil, err
			}
			var r Result
			var err error
			if isIdentChar(p.peek()) {
				r, err = p.result()
			} else {
				// A breakpoint with several locations is followed by one
				// unnamed tuple per location.
				r.Value, err = p.value()
			}
			if err != nil {
				return nil, err
			}
			rec.Results = append(rec.Results, r)
		}
		if rec.Kind == ResultRecord {
			switch rec.Class {
			case ClassDone, ClassRunning, ClassConnected, ClassError, ClassExit:
			default:
				return nil, &SyntaxError{Line: p.line, Offset: start, Msg: fmt.Sprintf("unknown result class %q", rec.Class)}
			}
		}
	case '~', '@', '&':
		if rec.Token != "" {
			return nil, p.errorf("stream record cannot carry a token")
		}
		p.pos++
		switch c {
		case '~':
			rec.Kind = ConsoleStream
		case '@':
			rec.Kind = TargetStream
		case '&':
			rec.Kind = LogStream
		}
		s, err := p.cstring()
		if err != nil {
			return nil, err
		}
		if !p.eof() {
			return nil, p.errorf("trailing characters after stream text")
		}
		rec.Stream = s
	default:
		return nil, p.errorf("unknown record type %q", c)
	}
	return rec, nil
}

func isIdentChar(c byte) bool {
	return c == '-' || c == '_' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *parser) identifier() string {
	start := p.pos
	for !p.eof() && isIdentChar(p.peek()) {
		p.pos++
	}
	return p.line[start:p.pos]
}

func (p *parser) result() (Result, error) {
	name := p.identifier()
	if name == "" {
		return Result{}, p.errorf("expected variable name")
	}
	if err := p.expect('='); err != nil {
		return Result{}, err
	}
	v, err := p.value()
	if err != nil {
		return Result{}, err
	}
	return Result{Name: name, Value: v}, nil
}

func (p *parser) value() (Value, error) {
	switch p.peek() {
	case '"':
		s, err := p.cstring()
		if err != nil {
			return nil, err
		}
		return Const(s), nil
	case '{':
		return p.tuple()
	case '[':
		return p.list()
	}
	if p.eof() {
		return nil, p.errorf("expected value, found end of line")
	}
	return nil, p.errorf("expected value, found %q", p.peek())
}

func (p *parser) tuple() (Value, error) {
	p.pos++
	t := Tuple{}
	if p.peek() == '}' {
		p.pos++
		return t, nil
	}
	for {
		var r Result
		var err error
		if isIdentChar(p.peek()) {
			r, err = p.result()
		} else {
			// Breakpoint scripts are printed as a tuple of bare strings.
			r.Value, err = p.value()
		}
		if err != nil {
			return nil, err
		}
		t = append(t, r)
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return t, nil
		default:
			return nil, p.errorf("expected ',' or '}' in tuple")
		}
	}
}

func (p *parser) list() (Value, error) {
	p.pos++
	l := List{}
	if p.peek() == ']' {
		p.pos++
		return l, nil
	}
	for {
		var v Value
		var err error
		if isIdentChar(p.peek()) {
			v, err = p.result()
		} else {
			v, err = p.value()
		}
		if err != nil {
			return nil, err
		}
		l = append(l, v)
		switch p.peek() {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return l, nil
		default:
			return nil, p.errorf("expected ',' or ']' in list")
		}
	}
}

func (p *parser) cstring() (string, error) {
	if err := p.expect('"'); err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		if p.eof() {
			return "", p.errorf("unterminated string")
		}
		c := p.line[p.pos]
		p.pos++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if p.eof() {
				return "", p.errorf("unterminated escape sequence")
			}
			e := p.line[p.pos]
			p.pos++
			switch e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case 'a':
				b.WriteByte('\a')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case 'v':
				b.WriteByte('\v')
			case 'e':
				b.WriteByte(0x1b)
			case '"', '\\', '\'':
				b.WriteByte(e)
			case '0', '1', '2', '3', '4', '5', '6', '7':
				n := int(e - '0')
				for i := 0; i < 2 && !p.eof() && p.peek() >= '0' && p.peek() <= '7'; i++ {
					n = n*8 + int(p.peek()-'0')
					p.pos++
				}
				if n > 0xff {
					return "", p.errorf("octal escape out of range")
				}
				b.WriteByte(byte(n))
			default:
				return "", p.errorf("unknown escape sequence \\%c", e)
			}
		default:
			b.WriteByte(c)
		}
	}
}

package engine

import (
	"sort"
	"strconv"
	"time"

	"github.com/dbgfront/dbgfront/pkg/mi"
)

// Reply is the successful result of a command.
type Reply struct {
	// Class is the result class: done, running, connected or exit.
	Class   string
	Results mi.Tuple
}

// Continuation receives the outcome of a command exactly once: either a
// reply, or an error which is a *BackendError, a *ProtocolError when the
// reply could not be parsed, or ErrBackendGone.
type Continuation func(*Reply, error)

type pendingCommand struct {
	token  uint64
	cookie string
	cmd    mi.Command
	k      Continuation
	sent   time.Time
}

// correlator pairs commands in flight with their continuations. The
// backend echoes a numeric token; callers see an opaque cookie.
type correlator struct {
	nextToken  uint64
	nextCookie uint64
	byToken    map[uint64]*pendingCommand
	byCookie   map[string]*pendingCommand
}

func newCorrelator() *correlator {
	return &correlator{
		nextToken: 1,
		byToken:   make(map[uint64]*pendingCommand),
		byCookie:  make(map[string]*pendingCommand),
	}
}

// add registers a command. An empty cookie is replaced by a generated one
// that is never reused.
func (c *correlator) add(cmd mi.Command, cookie string, k Continuation) (*pendingCommand, error) {
	if cookie == "" {
		for {
			c.nextCookie++
			cookie = "c" + strconv.FormatUint(c.nextCookie, 10)
			if _, busy := c.byCookie[cookie]; !busy {
				break
			}
		}
	} else if _, busy := c.byCookie[cookie]; busy {
		return nil, ErrCookieInUse
	}
	p := &pendingCommand{
		token:  c.nextToken,
		cookie: cookie,
		cmd:    cmd,
		k:      k,
		sent:   time.Now(),
	}
	c.nextToken++
	c.byToken[p.token] = p
	c.byCookie[cookie] = p
	return p, nil
}

// take removes and returns the command waiting for token.
func (c *correlator) take(token uint64) (*pendingCommand, bool) {
	p, ok := c.byToken[token]
	if !ok {
		return nil, false
	}
	delete(c.byToken, token)
	delete(c.byCookie, p.cookie)
	return p, true
}

// drain removes every pending command and returns them in the order they
// were sent.
func (c *correlator) drain() []*pendingCommand {
	r := make([]*pendingCommand, 0, len(c.byToken))
	for _, p := range c.byToken {
		r = append(r, p)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].token < r[j].token })
	c.byToken = make(map[uint64]*pendingCommand)
	c.byCookie = make(map[string]*pendingCommand)
	return r
}

// oldest returns the command that has been waiting longest.
func (c *correlator) oldest() (*pendingCommand, bool) {
	var r *pendingCommand
	for _, p := range c.byToken {
		if r == nil || p.token < r.token {
			r = p
		}
	}
	return r, r != nil
}

func (c *correlator) inFlight() int {
	return len(c.byToken)
}

func (c *correlator) busy(cookie string) bool {
	_, ok := c.byCookie[cookie]
	return ok
}

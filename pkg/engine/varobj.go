package engine

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/dbgfront/dbgfront/pkg/mi"
)

// Editability tells whether a variable object accepts assignments.
type Editability uint8

const (
	// EditableUnknown means the backend was not asked yet.
	EditableUnknown Editability = iota
	Editable
	NotEditable
)

func (ed Editability) String() string {
	switch ed {
	case Editable:
		return "editable"
	case NotEditable:
		return "noneditable"
	}
	return "unknown"
}

// Variable is a snapshot of a variable object. Name is the backend's
// identity for the object; Expression is what the user sees.
type Variable struct {
	Name       string
	Expression string
	Type       string
	Value      string
	NumChild   int
	// NeedsUnfolding is true while the variable has children that were
	// not fetched yet.
	NeedsUnfolding bool
	Editable       Editability
	// Parent is the name of the parent object, empty for a root.
	Parent string
	// Children are the names of the fetched children, in backend order.
	Children []string
}

// IsLeaf reports whether the variable has no children to show.
func (v Variable) IsLeaf() bool {
	return !v.NeedsUnfolding && len(v.Children) == 0
}

type varNode struct {
	v         Variable
	root      *Root
	unfolding bool
}

func (n *varNode) snapshot() Variable {
	v := n.v
	v.Children = append([]string(nil), n.v.Children...)
	return v
}

type deferredDelete struct {
	name string
	done Done
}

// varArena holds every variable object known to the engine, keyed by
// name.
type varArena struct {
	nodes    map[string]*varNode
	roots    map[*Root]struct{}
	paths    *lru.Cache
	deferred []deferredDelete
	nextRoot int
}

func newVarArena(paths *lru.Cache) *varArena {
	return &varArena{
		nodes: make(map[string]*varNode),
		roots: make(map[*Root]struct{}),
		paths: paths,
	}
}

// Root is a slot holding the variable object of one inspected expression.
// Creating a new variable in the slot deletes the previous one. A root is
// owned by one consumer, which must Release it when done.
type Root struct {
	e       *Engine
	id      int
	name    string
	gen     int
	retired bool
}

// NewRoot returns an empty root slot.
func (e *Engine) NewRoot() *Root {
	e.vars.nextRoot++
	r := &Root{e: e, id: e.vars.nextRoot}
	e.vars.roots[r] = struct{}{}
	return r
}

// Name returns the name of the variable object currently held, or "".
func (r *Root) Name() string {
	return r.name
}

// Variable returns the variable object currently held.
func (r *Root) Variable() (Variable, bool) {
	if r.name == "" {
		return Variable{}, false
	}
	return r.e.Variable(r.name)
}

// Release deletes the variable object held, if any, and retires the slot.
// done runs once the backend released the object.
func (r *Root) Release(done Done) error {
	if r.retired {
		return ErrUnknownVariable
	}
	r.retired = true
	delete(r.e.vars.roots, r)
	name := r.name
	r.name = ""
	if name == "" {
		done.call(nil)
		return nil
	}
	r.e.deleteVar(name, done)
	return nil
}

// Variable returns a snapshot of the variable object name.
func (e *Engine) Variable(name string) (Variable, bool) {
	n, ok := e.vars.nodes[name]
	if !ok {
		return Variable{}, false
	}
	return n.snapshot(), true
}

// Children returns snapshots of the fetched children of name.
func (e *Engine) Children(name string) ([]Variable, error) {
	n, ok := e.vars.nodes[name]
	if !ok {
		return nil, ErrUnknownVariable
	}
	r := make([]Variable, 0, len(n.v.Children))
	for _, c := range n.v.Children {
		if cn, ok := e.vars.nodes[c]; ok {
			r = append(r, cn.snapshot())
		}
	}
	return r, nil
}

func parseVariable(t mi.Tuple) Variable {
	v := Variable{
		Name:  t.String("name"),
		Type:  t.String("type"),
		Value: t.String("value"),
	}
	v.NumChild, _ = t.Int("numchild")
	v.NeedsUnfolding = v.NumChild > 0 || t.String("has_more") == "1"
	return v
}

func parseEditability(r *Reply) Editability {
	switch r.Results.String("attr") {
	case "editable":
		return Editable
	case "noneditable":
		return NotEditable
	}
	return EditableUnknown
}

// Create creates a variable object for expr in the current frame and
// stores it in root, deleting the object root held before.
func (e *Engine) Create(root *Root, expr string, cookie string, k func(*Variable, error)) error {
	k = orIgnore(k)
	if err := e.checkState("create variable", Stopped); err != nil {
		return err
	}
	if root == nil || root.retired || root.e != e {
		return ErrUnknownVariable
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	if root.name != "" {
		old := root.name
		root.name = ""
		e.deleteVar(old, nil)
	}
	root.gen++
	gen := root.gen

	var sent string
	sent, err := e.Send(mi.NewCommand("var-create", "-", "*", expr), cookie, func(r *Reply, err error) {
		if err != nil {
			k(nil, err)
			return
		}
		v := parseVariable(r.Results)
		v.Expression = expr
		if root.retired || root.gen != gen {
			// Superseded while in flight.
			e.deleteVar(v.Name, nil)
			k(nil, ErrUnknownVariable)
			return
		}
		node := &varNode{v: v, root: root}
		e.vars.nodes[v.Name] = node
		root.name = v.Name

		err = e.send(mi.NewCommand("var-show-attributes", v.Name), "", func(r *Reply, err error) {
			if _, live := e.vars.nodes[v.Name]; !live {
				k(nil, ErrUnknownVariable)
				return
			}
			if err == nil {
				node.v.Editable = parseEditability(r)
			}
			snap := node.snapshot()
			e.events.Publish(VariableCreated{Variable: snap, cookie: sent})
			k(&snap, nil)
		})
		if err != nil {
			k(nil, err)
		}
	})
	return err
}

// Unfold fetches the children of the variable object name. It is legal
// only once, while the variable needs unfolding.
func (e *Engine) Unfold(name string, cookie string, k func([]Variable, error)) error {
	k = orIgnore(k)
	if err := e.checkState("unfold variable", Stopped); err != nil {
		return err
	}
	node, ok := e.vars.nodes[name]
	if !ok {
		return ErrUnknownVariable
	}
	if node.unfolding {
		return ErrUnfoldInProgress
	}
	if !node.v.NeedsUnfolding {
		return ErrNothingToUnfold
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	var sent string
	sent, err := e.Send(mi.NewCommand("var-list-children", "--all-values", name), cookie, func(r *Reply, err error) {
		node.unfolding = false
		if err != nil {
			k(nil, err)
			return
		}
		if e.vars.nodes[name] != node {
			k(nil, ErrUnknownVariable)
			return
		}
		children := []Variable{}
		for _, t := range r.Results.List("children").Tuples() {
			c := parseVariable(t)
			c.Expression = t.String("exp")
			c.Parent = name
			e.vars.nodes[c.Name] = &varNode{v: c, root: node.root}
			node.v.Children = append(node.v.Children, c.Name)
			children = append(children, c)
		}
		node.v.NeedsUnfolding = false
		e.events.Publish(VariableUnfolded{Parent: node.snapshot(), Children: children, cookie: sent})
		k(children, nil)
	})
	if err != nil {
		return err
	}
	node.unfolding = true
	return nil
}

// Assign sets the value of the variable object name. The value delivered
// to k is the one the backend reports after the assignment, which may
// differ from value.
func (e *Engine) Assign(name, value string, cookie string, k func(*Variable, error)) error {
	k = orIgnore(k)
	if err := e.checkState("assign variable", Stopped); err != nil {
		return err
	}
	node, ok := e.vars.nodes[name]
	if !ok {
		return ErrUnknownVariable
	}
	if node.v.Editable == NotEditable {
		return ErrNotEditable
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}

	// opCookie is the cookie of the first command of the operation.
	var opCookie string
	assign := func(cookie string) error {
		sent, err := e.Send(mi.NewCommand("var-assign", name, value), cookie, func(_ *Reply, err error) {
			if err != nil {
				k(nil, err)
				return
			}
			err = e.send(mi.NewCommand("var-evaluate-expression", name), "", func(r *Reply, err error) {
				if err != nil {
					k(nil, err)
					return
				}
				n, live := e.vars.nodes[name]
				if !live {
					k(nil, ErrUnknownVariable)
					return
				}
				n.v.Value = r.Results.String("value")
				snap := n.snapshot()
				e.events.Publish(VariableAssigned{Variable: snap, cookie: opCookie})
				k(&snap, nil)
			})
			if err != nil {
				k(nil, err)
			}
		})
		if err == nil && opCookie == "" {
			opCookie = sent
		}
		return err
	}

	if node.v.Editable == Editable {
		return assign(cookie)
	}
	var err error
	opCookie, err = e.Send(mi.NewCommand("var-show-attributes", name), cookie, func(r *Reply, err error) {
		if err != nil {
			k(nil, err)
			return
		}
		n, live := e.vars.nodes[name]
		if !live {
			k(nil, ErrUnknownVariable)
			return
		}
		n.v.Editable = parseEditability(r)
		if n.v.Editable == NotEditable {
			k(nil, ErrNotEditable)
			return
		}
		if err := assign(""); err != nil {
			k(nil, err)
		}
	})
	return err
}

// DeleteVariable deletes the variable object name and its children. The
// local tree is updated immediately; the backend is told as soon as it
// accepts commands.
func (e *Engine) DeleteVariable(name string, done Done) error {
	if e.session.State == Dead {
		return ErrEngineDead
	}
	node, ok := e.vars.nodes[name]
	if !ok {
		return ErrUnknownVariable
	}
	if node.v.Parent == "" && node.root != nil && node.root.name == name {
		node.root.name = ""
	}
	e.deleteVar(name, done)
	return nil
}

// PathExpression returns the expression that evaluates to the variable
// object name from the current frame.
func (e *Engine) PathExpression(name string, cookie string, k func(string, error)) error {
	k = orIgnore(k)
	if err := e.checkState("query path expression", Stopped); err != nil {
		return err
	}
	if _, ok := e.vars.nodes[name]; !ok {
		return ErrUnknownVariable
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	if p, ok := e.vars.paths.Get(name); ok {
		k(p.(string), nil)
		return nil
	}
	return e.send(mi.NewCommand("var-info-path-expression", name), cookie, func(r *Reply, err error) {
		if err != nil {
			k("", err)
			return
		}
		p := r.Results.String("path_expr")
		if _, live := e.vars.nodes[name]; live {
			e.vars.paths.Add(name, p)
		}
		k(p, nil)
	})
}

// deleteVar removes name and its subtree locally and releases it on the
// backend, now or at the next stop.
func (e *Engine) deleteVar(name string, done Done) {
	a := e.vars
	if node, ok := a.nodes[name]; ok && node.v.Parent != "" {
		if parent, ok := a.nodes[node.v.Parent]; ok {
			for i, c := range parent.v.Children {
				if c == name {
					parent.v.Children = append(parent.v.Children[:i:i], parent.v.Children[i+1:]...)
					break
				}
			}
		}
	}
	a.forget(name)

	switch {
	case e.session.State == Dead:
		done.call(nil)
	case e.session.State == Running || e.resuming:
		a.deferred = append(a.deferred, deferredDelete{name: name, done: done})
	default:
		e.sendVarDelete(name, done)
	}
}

func (e *Engine) sendVarDelete(name string, done Done) {
	err := e.send(mi.NewCommand("var-delete", name), "", func(_ *Reply, err error) {
		if err != nil && !IsBackendGone(err) {
			e.log.WithError(err).Warnf("deleting variable object %s", name)
		}
		done.call(err)
	})
	if err != nil {
		done.call(err)
	}
}

func (a *varArena) forget(name string) {
	node, ok := a.nodes[name]
	if !ok {
		return
	}
	for _, c := range node.v.Children {
		a.forget(c)
	}
	delete(a.nodes, name)
	a.paths.Remove(name)
}

// flushDeferred sends the deletes queued while the program was running.
func (a *varArena) flushDeferred(e *Engine) {
	deferred := a.deferred
	a.deferred = nil
	for _, d := range deferred {
		e.sendVarDelete(d.name, d.done)
	}
}

// releaseAll deletes every root variable object on the backend. Root
// slots stay usable.
func (a *varArena) releaseAll(e *Engine) {
	a.flushDeferred(e)
	for r := range a.roots {
		if r.name != "" {
			name := r.name
			r.name = ""
			e.deleteVar(name, nil)
		}
	}
}

// drop forgets every variable object without telling the backend.
func (a *varArena) drop() {
	for _, d := range a.deferred {
		d.done.call(nil)
	}
	a.deferred = nil
	a.nodes = make(map[string]*varNode)
	a.paths.Purge()
	for r := range a.roots {
		r.name = ""
	}
}

package dap

import "github.com/dbgfront/dbgfront/pkg/engine"

const startHandle = 1000

// handlesMap maps arbitrary values to unique sequential ids.
// This provides convenient abstraction of references, offering
// opacity and allowing simplification of complex identifiers.
// Based on
// https://github.com/microsoft/vscode-debugadapter-node/blob/master/adapter/src/handles.ts
type handlesMap struct {
	nextHandle  int
	handleToVal map[int]interface{}
}

// variableContainer is what a variables reference points to: either a
// scope holding root variable objects or a variable object whose children
// are listed.
type variableContainer struct {
	// name is the backend name of the variable object, empty for a scope.
	name string
	// scope holds the variables of a scope.
	scope []engine.Variable
	// evaluateName is the expression that reads this variable back.
	evaluateName string
}

func (v *variableContainer) isScope() bool { return v.name == "" }

func newHandlesMap() *handlesMap {
	return &handlesMap{startHandle, make(map[int]interface{})}
}

func (hs *handlesMap) reset() {
	hs.nextHandle = startHandle
	hs.handleToVal = make(map[int]interface{})
}

func (hs *handlesMap) create(value interface{}) int {
	next := hs.nextHandle
	hs.nextHandle++
	hs.handleToVal[next] = value
	return next
}

func (hs *handlesMap) get(handle int) (interface{}, bool) {
	v, ok := hs.handleToVal[handle]
	return v, ok
}

type variablesHandlesMap struct {
	m *handlesMap
}

func newVariablesHandlesMap() *variablesHandlesMap {
	return &variablesHandlesMap{newHandlesMap()}
}

func (hs *variablesHandlesMap) create(value *variableContainer) int {
	return hs.m.create(value)
}

func (hs *variablesHandlesMap) get(handle int) (*variableContainer, bool) {
	v, ok := hs.m.get(handle)
	if !ok {
		return nil, false
	}
	return v.(*variableContainer), true
}

func (hs *variablesHandlesMap) reset() {
	hs.m.reset()
}

// Package stator runs persistent state machines over database rows. Each
// entity table carries five workflow columns; a Graph declares the states a
// row may occupy and the handlers that move it between them, and the Runner
// sweeps, leases and dispatches rows until they come to rest in a terminal
// state.
package stator

import (
	"context"
	"fmt"
	"time"
)

// Handler processes one leased row. It returns the name of the next state,
// or "" to leave the row where it is until its try interval elapses again.
// Handlers must be idempotent: a crash after the work but before the
// transition commits means the row is handled again.
type Handler func(ctx context.Context, id int64) (next string, err error)

// State is one node of a workflow graph.
type State struct {
	Name string

	// Handler and TryInterval drive automatic progression. States without
	// a handler are progressed externally (by inbound activities or user
	// actions) or are terminal.
	Handler     Handler
	TryInterval time.Duration

	// Children are the states this one may transition to, from handlers
	// or external progression. Used to validate transitions at runtime.
	Children []string

	// AttemptImmediately keeps a row ready when it enters this state, so
	// the task loop picks it up without waiting for a schedule sweep.
	AttemptImmediately bool

	// Timeout moves a row that has sat here longer than this into
	// TimeoutState. Zero disables.
	Timeout      time.Duration
	TimeoutState string

	// Terminal states accept no handler. DeleteAfter garbage-collects
	// terminal rows after the given age; zero keeps them forever.
	Terminal    bool
	DeleteAfter time.Duration
}

// Graph is the complete state machine for one entity table.
type Graph struct {
	// Model is the table name the graph operates on.
	Model   string
	Initial string

	states map[string]*State
	order  []string
}

// NewGraph validates and assembles a graph definition.
func NewGraph(model, initial string, states []State) (*Graph, error) {
	g := &Graph{Model: model, Initial: initial, states: map[string]*State{}}
	for i := range states {
		st := &states[i]
		if st.Name == "" {
			return nil, fmt.Errorf("%s: state with empty name", model)
		}
		if _, dup := g.states[st.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate state %q", model, st.Name)
		}
		g.states[st.Name] = st
		g.order = append(g.order, st.Name)
	}
	if _, ok := g.states[initial]; !ok {
		return nil, fmt.Errorf("%s: initial state %q not declared", model, initial)
	}
	for _, name := range g.order {
		st := g.states[name]
		if st.Terminal && st.Handler != nil {
			return nil, fmt.Errorf("%s: terminal state %q has a handler", model, name)
		}
		if st.Handler != nil && st.TryInterval <= 0 {
			return nil, fmt.Errorf("%s: state %q has a handler but no try interval", model, name)
		}
		for _, child := range st.Children {
			if _, ok := g.states[child]; !ok {
				return nil, fmt.Errorf("%s: state %q declares unknown child %q", model, name, child)
			}
		}
		if st.Timeout > 0 {
			if _, ok := g.states[st.TimeoutState]; !ok {
				return nil, fmt.Errorf("%s: state %q timeout targets unknown state %q", model, name, st.TimeoutState)
			}
		}
		if st.DeleteAfter > 0 && !st.Terminal {
			return nil, fmt.Errorf("%s: state %q has delete_after but is not terminal", model, name)
		}
	}
	return g, nil
}

// State looks up a node by name.
func (g *Graph) State(name string) *State {
	return g.states[name]
}

// HandledStates lists states with handlers, in declaration order.
func (g *Graph) HandledStates() []*State {
	var out []*State
	for _, name := range g.order {
		if st := g.states[name]; st.Handler != nil {
			out = append(out, st)
		}
	}
	return out
}

// HandledStateNames lists the names of states with handlers.
func (g *Graph) HandledStateNames() []string {
	var out []string
	for _, st := range g.HandledStates() {
		out = append(out, st.Name)
	}
	return out
}

// CanTransition reports whether from declares to as a child.
func (g *Graph) CanTransition(from, to string) bool {
	st := g.states[from]
	if st == nil {
		return false
	}
	for _, child := range st.Children {
		if child == to {
			return true
		}
	}
	return false
}

package stator

import (
	"context"
	"testing"
	"time"
)

func noopHandler(ctx context.Context, id int64) (string, error) {
	return "", nil
}

func TestNewGraphValid(t *testing.T) {
	g, err := NewGraph("posts", "new", []State{
		{Name: "new", Handler: noopHandler, TryInterval: time.Minute, Children: []string{"done"}},
		{Name: "done", Terminal: true, DeleteAfter: time.Hour},
	})
	if err != nil {
		t.Fatalf("valid graph rejected: %v", err)
	}
	if !g.CanTransition("new", "done") {
		t.Errorf("declared transition rejected")
	}
	if g.CanTransition("done", "new") {
		t.Errorf("undeclared transition accepted")
	}
	if names := g.HandledStateNames(); len(names) != 1 || names[0] != "new" {
		t.Errorf("handled states = %v", names)
	}
}

func TestNewGraphRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name    string
		initial string
		states  []State
	}{
		{
			name:    "unknown initial",
			initial: "missing",
			states:  []State{{Name: "new", Handler: noopHandler, TryInterval: time.Minute}},
		},
		{
			name:    "handler without try interval",
			initial: "new",
			states:  []State{{Name: "new", Handler: noopHandler}},
		},
		{
			name:    "unknown child",
			initial: "new",
			states: []State{
				{Name: "new", Handler: noopHandler, TryInterval: time.Minute, Children: []string{"nowhere"}},
			},
		},
		{
			name:    "terminal with handler",
			initial: "new",
			states: []State{
				{Name: "new", Handler: noopHandler, TryInterval: time.Minute},
				{Name: "done", Terminal: true, Handler: noopHandler},
			},
		},
		{
			name:    "timeout to unknown state",
			initial: "new",
			states: []State{
				{Name: "new", Handler: noopHandler, TryInterval: time.Minute,
					Timeout: time.Hour, TimeoutState: "nowhere"},
			},
		},
		{
			name:    "delete_after on non-terminal",
			initial: "new",
			states: []State{
				{Name: "new", Handler: noopHandler, TryInterval: time.Minute, DeleteAfter: time.Hour},
			},
		},
		{
			name:    "duplicate state",
			initial: "new",
			states: []State{
				{Name: "new", Handler: noopHandler, TryInterval: time.Minute},
				{Name: "new", Handler: noopHandler, TryInterval: time.Minute},
			},
		},
	}
	for _, c := range cases {
		if _, err := NewGraph("posts", c.initial, c.states); err == nil {
			t.Errorf("%s: accepted", c.name)
		}
	}
}

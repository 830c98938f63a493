package domain

import "time"

// Workflow carries the five columns every stateful entity shares. They are
// the whole contract between an entity table and the stator runner.
type Workflow struct {
	State            string
	StateChanged     time.Time
	StateAttempted   *time.Time
	StateLockedUntil *time.Time
	StateReady       bool
}

// NewWorkflow returns workflow fields for a freshly created entity in the
// graph's initial state, ready for immediate pickup.
func NewWorkflow(initial string) Workflow {
	return Workflow{
		State:        initial,
		StateChanged: time.Now().UTC(),
		StateReady:   true,
	}
}

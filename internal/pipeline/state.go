/*
Package pipeline owns the end-to-end sequence per tool: acquire source,
run source techniques, build, run binary techniques, publish. It merges
configuration layers once per run, decides retry and skip on stage
failures, and schedules independent runs over a bounded worker pool.
*/
package pipeline

import (
	"fmt"
)

// State is one node of the per-run state machine.
type State int

// The run states. Published and Failed are terminal.
const (
	StateCreated State = iota
	StateAcquiring
	StateSourceTransform
	StateBuilding
	StateBinaryTransform
	StatePublished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAcquiring:
		return "acquiring"
	case StateSourceTransform:
		return "source-transform"
	case StateBuilding:
		return "building"
	case StateBinaryTransform:
		return "binary-transform"
	case StatePublished:
		return "published"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StatePublished || s == StateFailed
}

/*
allowedTransition encodes the legal edges: the forward chain, a skip
edge over the binary phase, and a failure edge from every non-terminal
state.
*/
func allowedTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}

	switch from {
	case StateCreated:
		return to == StateAcquiring
	case StateAcquiring:
		return to == StateSourceTransform
	case StateSourceTransform:
		return to == StateBuilding
	case StateBuilding:
		return to == StateBinaryTransform || to == StatePublished
	case StateBinaryTransform:
		return to == StatePublished
	default:
		return false
	}
}

/*
transition validates and applies one state change.
*/
func transition(current *State, to State) error {
	if !allowedTransition(*current, to) {
		return fmt.Errorf("disallowed transition: %s -> %s", *current, to)
	}

	*current = to

	return nil
}

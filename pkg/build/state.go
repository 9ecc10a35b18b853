package build

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// State is a build's position in its lifecycle.
type State string

const (
	StatePrepared   State = "prepared"
	StateRunning    State = "running"
	StateRelocating State = "relocating"
	StateHashed     State = "hashed"
	StateRecorded   State = "recorded"
	StateFailed     State = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func IsTerminal(s State) bool {
	return s == StateRecorded || s == StateFailed
}

func isAllowedTransition(from, to State) bool {
	if to == StateFailed {
		return !IsTerminal(from)
	}
	switch from {
	case StatePrepared:
		return to == StateRunning
	case StateRunning:
		return to == StateRelocating
	case StateRelocating:
		return to == StateHashed
	case StateHashed:
		return to == StateRecorded
	default:
		return false
	}
}

// machine tracks one build's state and the trail of states it visited.
type machine struct {
	state State
	trail []State
	log   logrus.FieldLogger
}

func newMachine(log logrus.FieldLogger) *machine {
	return &machine{state: StatePrepared, trail: []State{StatePrepared}, log: log}
}

// transition moves from the expected state to the next one.
func (m *machine) transition(from, to State) error {
	if m.state != from {
		return fmt.Errorf("invalid build transition: expected %s, got %s", from, m.state)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed build transition: %s -> %s", from, to)
	}
	m.state = to
	m.trail = append(m.trail, to)
	m.log.WithField("state", to).Info("build state")
	return nil
}

// fail moves a non-terminal build to StateFailed. It is a no-op once the
// build is terminal.
func (m *machine) fail(cause error) {
	if IsTerminal(m.state) {
		return
	}
	m.log.WithError(cause).WithField("from", m.state).Warn("build failed")
	m.state = StateFailed
	m.trail = append(m.trail, StateFailed)
}

func (m *machine) Trail() []State {
	out := make([]State, len(m.trail))
	copy(out, m.trail)
	return out
}

package vpn

import (
	"encoding/json"
	"strings"
)

// Phase is the lifecycle phase of the tunnel.
type Phase int

const (
	// PhaseStopped means no engine is running.
	PhaseStopped Phase = iota
	// PhaseRequestingPermission means a start waits for the user's consent decision.
	PhaseRequestingPermission
	// PhaseStarting means the engine is being brought up.
	PhaseStarting
	// PhaseRunning means the engine reported ready.
	PhaseRunning
	// PhaseStopping means the engine is being torn down.
	PhaseStopping
	// PhaseError is a transient failure report, always followed by PhaseStopped.
	PhaseError
)

// String returns the wire label of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseRequestingPermission:
		return "requesting_permission"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// State is a snapshot of the tunnel state. Message is set only for PhaseError.
type State struct {
	Phase   Phase
	Message string
}

// Common states.
var (
	StateStopped              = State{Phase: PhaseStopped}
	StateRequestingPermission = State{Phase: PhaseRequestingPermission}
	StateStarting             = State{Phase: PhaseStarting}
	StateRunning              = State{Phase: PhaseRunning}
	StateStopping             = State{Phase: PhaseStopping}
)

// ErrorState returns the transient error state carrying msg.
func ErrorState(msg string) State {
	return State{Phase: PhaseError, Message: msg}
}

// String renders the status label, e.g. "running" or "error:boom".
func (s State) String() string {
	if s.Phase == PhaseError {
		return "error:" + s.Message
	}
	return s.Phase.String()
}

// ParseState is the inverse of State.String.
func ParseState(label string) (State, bool) {
	if msg, ok := strings.CutPrefix(label, "error:"); ok {
		return ErrorState(msg), true
	}
	for p := PhaseStopped; p <= PhaseStopping; p++ {
		if p.String() == label {
			return State{Phase: p}, true
		}
	}
	return State{}, false
}

// MarshalJSON serializes the state as its label.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a state label.
func (s *State) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return err
	}
	st, ok := ParseState(label)
	if !ok {
		return &json.UnsupportedValueError{Str: label}
	}
	*s = st
	return nil
}

// Broadcast reports whether the state is published on the status stream.
// A pending consent prompt is not a status change.
func (s State) Broadcast() bool {
	return s.Phase != PhaseRequestingPermission
}

// Busy reports whether a transition is resolving.
func (s State) Busy() bool {
	switch s.Phase {
	case PhaseRequestingPermission, PhaseStarting, PhaseStopping:
		return true
	}
	return false
}

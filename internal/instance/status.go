package instance

import (
	"encoding/json"
	"fmt"
)

// State is the coarse lifecycle state of an instance.
type State string

const (
	StateCreating State = "creating"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// States lists every state, in display order.
var States = []State{StateCreating, StateRunning, StateStopped, StateError}

// Status is a State plus, for StateError, the reason.
//
//	Creating -> Running            provisioning succeeded
//	Creating -> Error(reason)      provisioning failed (terminal)
//	Running <-> Stopped            explicit stop/start
//	Running -> Running             restart
type Status struct {
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

var (
	Creating = Status{State: StateCreating}
	Running  = Status{State: StateRunning}
	Stopped  = Status{State: StateStopped}
)

// Failed returns an error status carrying reason.
func Failed(reason string) Status {
	return Status{State: StateError, Message: reason}
}

// DeletedExternally is the status given to an instance whose container
// disappeared from the runtime without going through the API.
var DeletedExternally = Failed("Container deleted externally")

// IsError reports whether the status is an error status.
func (s Status) IsError() bool {
	return s.State == StateError
}

// String renders the status the way the API reports it.
func (s Status) String() string {
	if s.State == StateError {
		if s.Message == "" {
			return string(StateError)
		}
		return fmt.Sprintf("error: %s", s.Message)
	}
	return string(s.State)
}

// MarshalJSON encodes a status as its display string.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

package orchestrator

import "time"

// State is the lifecycle state of one service.
type State string

const (
	StatePending   State = "pending"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateBlocked   State = "blocked"
	StateStopped   State = "stopped"
)

// AllStates lists every state, for metrics.
var AllStates = []State{
	StatePending, StateStarting, StateRunning, StateHealthy, StateUnhealthy,
	StateSucceeded, StateFailed, StateBlocked, StateStopped,
}

// Terminal reports whether the service will not change state on its own.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateBlocked, StateStopped:
		return true
	}
	return false
}

// ServiceStatus is a snapshot of one supervised service.
type ServiceStatus struct {
	Name     string    `json:"name"`
	State    State     `json:"state"`
	Since    time.Time `json:"since"`
	PID      int       `json:"pid,omitempty"`
	Restarts int       `json:"restarts"`
	ExitCode int       `json:"exit_code"`
	Message  string    `json:"message,omitempty"`
	Err      error     `json:"-"`
}

package model

import "fmt"

// RunState tracks where a single harness run is in its lifecycle.
type RunState string

const (
	StateIdle          RunState = "idle"
	StateProxyStarting RunState = "proxy_starting"
	StateProxyReady    RunState = "proxy_ready"
	StateTaskRunning   RunState = "task_running"
	StateCompleted     RunState = "completed"
	StateFailed        RunState = "failed"
	StateTerminated    RunState = "terminated"
)

var runTransitions = map[RunState][]RunState{
	StateIdle:          {StateProxyStarting, StateFailed},
	StateProxyStarting: {StateProxyReady, StateFailed},
	StateProxyReady:    {StateTaskRunning, StateFailed},
	StateTaskRunning:   {StateCompleted, StateFailed},
	StateCompleted:     {StateTerminated},
	StateFailed:        {StateTerminated},
}

func (s RunState) CanTransition(to RunState) bool {
	for _, next := range runTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s RunState) IsFinal() bool {
	return s == StateTerminated
}

// Transition returns the new state, or an error naming the illegal edge.
func (s RunState) Transition(to RunState) (RunState, error) {
	if !s.CanTransition(to) {
		return s, fmt.Errorf("illegal run state transition %s -> %s", s, to)
	}
	return to, nil
}

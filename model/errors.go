package model

import (
	"errors"
	"fmt"
)

// ConfigurationWarning reports a chaos configuration file that was requested
// but not found. Under the fail-open policy the run continues as a baseline
// run; under the strict policy it is returned as an error.
type ConfigurationWarning struct {
	Path string
}

func (w ConfigurationWarning) Error() string {
	return fmt.Sprintf("chaos config not found at %s", w.Path)
}

// LaunchStage names the step of proxy start-up that failed.
type LaunchStage string

const (
	LaunchStageStart      LaunchStage = "start"
	LaunchStageInitialize LaunchStage = "initialize"
)

// LaunchFailure means the proxy subprocess could not be started or the MCP
// transport over its stdio could not be established.
type LaunchFailure struct {
	Stage LaunchStage
	Err   error
}

func (e *LaunchFailure) Error() string {
	return fmt.Sprintf("proxy launch failed (%s): %v", e.Stage, e.Err)
}

func (e *LaunchFailure) Unwrap() error { return e.Err }

// RuntimeFailure carries an error raised by the agent runtime while the task
// was executing. Unwrap returns the runtime's error untouched.
type RuntimeFailure struct {
	Err error
}

func (e *RuntimeFailure) Error() string {
	return fmt.Sprintf("agent runtime failed: %v", e.Err)
}

func (e *RuntimeFailure) Unwrap() error { return e.Err }

// ErrorKind names the error class of err for reports.
func ErrorKind(err error) string {
	var launchErr *LaunchFailure
	var runtimeErr *RuntimeFailure
	var warning ConfigurationWarning
	switch {
	case err == nil:
		return ""
	case errors.As(err, &launchErr):
		return "launch_failure"
	case errors.As(err, &runtimeErr):
		return "runtime_failure"
	case errors.As(err, &warning):
		return "configuration_warning"
	default:
		return "error"
	}
}

package intersection

import "errors"

var (
	// ErrInvalidConfig indicates a start request or configuration failed
	// validation. No run is launched.
	ErrInvalidConfig = errors.New("invalid simulation config")
	// ErrAlreadyRunning indicates Start was called while a run is active.
	ErrAlreadyRunning = errors.New("simulation already running")
	// ErrStopTimeout indicates Stop gave up waiting for light controllers or
	// the snapshot feed. The run is stopped regardless.
	ErrStopTimeout = errors.New("timed out waiting for simulation tasks to stop")
)

package backend

import "sync/atomic"

// Control carries the pause signal for one in-flight execution. Pausing is
// a request, not a guarantee: executors observe it at their next safe
// boundary (file or upload-part) and answer with a checkpoint through the
// normal execution result. Cancellation travels separately through the
// execution context.
type Control struct {
	pause atomic.Bool
}

// NewControl returns a control handle for one execution.
func NewControl() *Control {
	return &Control{}
}

// RequestPause asks the execution to stop at its next safe boundary.
func (c *Control) RequestPause() {
	c.pause.Store(true)
}

// PauseRequested reports whether a pause was requested. Safe on nil.
func (c *Control) PauseRequested() bool {
	return c != nil && c.pause.Load()
}

// Package workflow is the deployment workflow engine: the component
// that turns a planned set of phases into issued commands, watches
// status replies converge, and drives the workflow's state machine
// through to a terminal state (including rollback). Every state
// transition persists to the state store before it is published, and
// each run is one goroutine that walks its phases in order, checking
// for pause/resume/cancel signals between phases and before each step.
package workflow

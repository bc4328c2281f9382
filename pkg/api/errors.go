package api

import (
	"errors"
	"fmt"
)

// ConfigurationError means a plugin's initialize rejected its config. It is
// fatal for the workflow until the config is fixed and is never retried
// automatically.
type ConfigurationError struct {
	PluginID string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("plugin %s rejected configuration: %s", e.PluginID, e.Reason)
}

// PluginExecutionError is an error declared by the plugin itself during
// execute. Retryable tells the engine whether requeueing with backoff can
// help; non-retryable errors fail the step immediately.
type PluginExecutionError struct {
	PluginID  string
	Name      string
	Message   string
	Retryable bool
}

func (e *PluginExecutionError) Error() string {
	return fmt.Sprintf("plugin %s failed (%s): %s", e.PluginID, e.Name, e.Message)
}

// Isolation failure stages, for diagnostics.
const (
	IsolationStageResolve = "resolve"
	IsolationStageSpawn   = "spawn"
	IsolationStageExit    = "exit"
	IsolationStageDecode  = "decode"
)

// IsolationFailure means the plugin process itself misbehaved: module
// resolution failed, the process could not be spawned, it exited without a
// result document, or its output was malformed. Always treated as retryable
// up to the queue's attempt limit.
type IsolationFailure struct {
	PluginID string
	Stage    string
	Err      error
}

func (e *IsolationFailure) Error() string {
	return fmt.Sprintf("plugin %s isolation failure at %s: %v", e.PluginID, e.Stage, e.Err)
}

func (e *IsolationFailure) Unwrap() error { return e.Err }

// StateConflict is returned when starting a source query for a workflow that
// already has a non-terminal run. The attempt is rejected, not queued, to
// protect the single-writer invariant on resumable source state.
type StateConflict struct {
	WorkflowID string
	OpenRunID  string
}

func (e *StateConflict) Error() string {
	return fmt.Sprintf("workflow %s already has open run %s", e.WorkflowID, e.OpenRunID)
}

// IsStateConflict reports whether err is a StateConflict.
func IsStateConflict(err error) bool {
	var c *StateConflict
	return errors.As(err, &c)
}

// IsRetryable classifies an error for the queue's retry policy.
//
// Isolation failures are retryable; declared plugin errors carry their own
// hint; configuration errors and state conflicts never retry. Unknown
// errors default to retryable so transient store or network faults get the
// queue's backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var exec *PluginExecutionError
	if errors.As(err, &exec) {
		return exec.Retryable
	}
	var iso *IsolationFailure
	if errors.As(err, &iso) {
		return true
	}
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return false
	}
	if IsStateConflict(err) {
		return false
	}
	return true
}

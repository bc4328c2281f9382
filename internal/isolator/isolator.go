// Package isolator executes plugin code in a separate OS process per
// invocation and exchanges one JSON request/response pair over stdio.
//
// Process-level isolation bounds the blast radius: a crash, infinite loop,
// or uncaught panic inside a plugin cannot corrupt the orchestrator's state
// or other concurrent invocations, and a plugin's deployed version can be
// swapped without restarting the orchestrator.
package isolator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/ScriptedAlchemy/conveyor/pkg/api"
	"github.com/ScriptedAlchemy/conveyor/pkg/plugin"
)

// Launcher runs a resolved plugin executable for one invocation, feeding it
// stdin and collecting stdout/stderr. exitCode is meaningful only when err
// is nil.
type Launcher interface {
	Launch(ctx context.Context, path string, stdin []byte) (stdout, stderr []byte, exitCode int, err error)
}

// ProcessLauncher launches plugin executables with os/exec.
type ProcessLauncher struct {
	// Timeout bounds a single invocation. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Ensure ProcessLauncher implements Launcher.
var _ Launcher = (*ProcessLauncher)(nil)

func (l *ProcessLauncher) Launch(ctx context.Context, path string, stdin []byte) ([]byte, []byte, int, error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
		}
		// Spawn failed: executable missing, permissions, ctx cancelled
		// before start.
		return nil, nil, -1, err
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}

// Isolator resolves plugin modules and invokes them in isolated processes.
type Isolator struct {
	resolver Resolver
	launcher Launcher
}

// New creates an Isolator. launcher may be nil, in which case a
// ProcessLauncher with a 60s timeout is used.
func New(resolver Resolver, launcher Launcher) *Isolator {
	if launcher == nil {
		launcher = &ProcessLauncher{Timeout: 60 * time.Second}
	}
	return &Isolator{resolver: resolver, launcher: launcher}
}

// Invoke performs one plugin operation. On success it returns the result
// document's data. Failures map onto the error taxonomy:
//
//   - resolution / spawn / exit-without-result / malformed-output failures
//     become *api.IsolationFailure (retryable),
//   - a declared error document becomes *api.PluginExecutionError carrying
//     the plugin's retryable hint.
func (iso *Isolator) Invoke(ctx context.Context, ref api.PluginRef, operation string, req plugin.Request) (json.RawMessage, error) {
	path, err := iso.resolver.Resolve(ctx, ref.ModuleURL)
	if err != nil {
		return nil, &api.IsolationFailure{PluginID: ref.ID, Stage: api.IsolationStageResolve, Err: err}
	}

	req.Operation = operation
	req.PluginRef = plugin.Ref{ID: ref.ID, ModuleURL: ref.ModuleURL}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, &api.IsolationFailure{PluginID: ref.ID, Stage: api.IsolationStageSpawn, Err: err}
	}

	stdout, stderr, exitCode, err := iso.launcher.Launch(ctx, path, input)
	if err != nil {
		return nil, &api.IsolationFailure{PluginID: ref.ID, Stage: api.IsolationStageSpawn, Err: err}
	}

	// A declared error document on stderr wins over the exit code: the
	// plugin told us what went wrong.
	if resp, ok := decodeResponse(stderr); ok && resp.Type == "error" && resp.Error != nil {
		return nil, &api.PluginExecutionError{
			PluginID:  ref.ID,
			Name:      resp.Error.Name,
			Message:   resp.Error.Message,
			Retryable: resp.Error.Retryable,
		}
	}

	if exitCode != 0 {
		return nil, &api.IsolationFailure{
			PluginID: ref.ID,
			Stage:    api.IsolationStageExit,
			Err:      fmt.Errorf("plugin process exited %d without a result document", exitCode),
		}
	}

	resp, ok := decodeResponse(stdout)
	if !ok || resp.Type != "result" {
		return nil, &api.IsolationFailure{
			PluginID: ref.ID,
			Stage:    api.IsolationStageDecode,
			Err:      fmt.Errorf("malformed result document (%d bytes on stdout)", len(stdout)),
		}
	}
	return resp.Data, nil
}

func decodeResponse(out []byte) (plugin.Response, bool) {
	var resp plugin.Response
	if len(bytes.TrimSpace(out)) == 0 {
		return resp, false
	}
	if err := json.Unmarshal(bytes.TrimSpace(out), &resp); err != nil {
		return resp, false
	}
	return resp, true
}

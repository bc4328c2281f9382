// Package plugin defines the wire contract between the orchestrator and
// plugin processes, plus a Serve helper for writing plugin binaries.
//
// A plugin invocation is one OS process: the orchestrator writes a single
// JSON request document to the child's stdin, and the child writes a single
// JSON response document to stdout (results) or stderr (declared errors)
// and exits. Plugin binaries call Serve from main() to speak this protocol.
package plugin

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Operations a plugin process can be asked to perform.
const (
	OpInitialize = "initialize"
	OpExecute    = "execute"
)

// Ref identifies a plugin and where its module is loaded from.
type Ref struct {
	ID        string `json:"id"`
	ModuleURL string `json:"moduleUrl"`
}

// Request is the single document written to a plugin process's stdin.
//
// For "initialize", only Config is set; the plugin validates its config and
// may return initial state. For "execute", Config, Input and State are set.
type Request struct {
	Operation string          `json:"operation"`
	PluginRef Ref             `json:"pluginRef"`
	Config    json.RawMessage `json:"config,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
}

// Response is the single document a plugin process writes before exiting.
// Type is "result" or "error"; exactly one of Data / Error is set.
type Response struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail is a declared-by-plugin execution error. Retryable tells the
// orchestrator whether re-running the same invocation can succeed.
type ErrorDetail struct {
	Name      string `json:"name"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// SourceResult is the conventional "execute" result shape for source plugins:
// a batch of items plus the state to carry into the next poll. The
// orchestrator never interprets NextState; it stores it verbatim.
type SourceResult struct {
	Items     []SourceEntry   `json:"items"`
	NextState json.RawMessage `json:"nextLastProcessedState,omitempty"`
}

// SourceEntry is one item produced by a source plugin. ExternalID must be
// stable for the same upstream datum so re-ingestion is idempotent.
type SourceEntry struct {
	ExternalID string          `json:"externalId"`
	Data       json.RawMessage `json:"data"`
}

// SourceInput is the conventional "execute" input shape for source plugins.
type SourceInput struct {
	SearchOptions      json.RawMessage `json:"searchOptions,omitempty"`
	LastProcessedState json.RawMessage `json:"lastProcessedState,omitempty"`
}

// Handler is implemented by plugin authors.
//
// Initialize validates config and returns the plugin's initial state (may be
// nil). Execute performs one unit of work. Shutdown releases any resources;
// it runs after Execute even when Execute fails.
type Handler interface {
	Initialize(config json.RawMessage) (json.RawMessage, error)
	Execute(input, state json.RawMessage) (json.RawMessage, error)
	Shutdown() error
}

// Serve reads one Request from stdin, dispatches it to h, writes the
// Response, and returns the process exit code. Plugin binaries use it as:
//
//	func main() { os.Exit(plugin.Serve(myPlugin{})) }
func Serve(h Handler) int {
	return serve(h, os.Stdin, os.Stdout, os.Stderr)
}

func serve(h Handler, in io.Reader, out, errOut io.Writer) int {
	var req Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		writeError(errOut, &ErrorDetail{Name: "BadRequest", Message: "malformed request document: " + err.Error()})
		return 1
	}

	data, err := dispatch(h, req)
	if err != nil {
		detail, ok := err.(*ErrorDetail)
		if !ok {
			detail = &ErrorDetail{Name: "ExecutionError", Message: err.Error()}
		}
		writeError(errOut, detail)
		return 1
	}

	resp := Response{Type: "result", Data: data}
	if encErr := json.NewEncoder(out).Encode(resp); encErr != nil {
		return 1
	}
	return 0
}

func dispatch(h Handler, req Request) (json.RawMessage, error) {
	switch req.Operation {
	case OpInitialize:
		return h.Initialize(req.Config)
	case OpExecute:
		state, err := h.Initialize(req.Config)
		if err != nil {
			return nil, err
		}
		if len(req.State) > 0 {
			state = req.State
		}
		out, execErr := h.Execute(req.Input, state)
		if shutErr := h.Shutdown(); shutErr != nil && execErr == nil {
			execErr = shutErr
		}
		return out, execErr
	default:
		return nil, &ErrorDetail{Name: "BadRequest", Message: "unknown operation: " + req.Operation}
	}
}

func writeError(w io.Writer, detail *ErrorDetail) {
	_ = json.NewEncoder(w).Encode(Response{Type: "error", Error: detail})
}

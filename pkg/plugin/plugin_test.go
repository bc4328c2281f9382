package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type fakeHandler struct {
	initState json.RawMessage
	initErr   error
	execOut   json.RawMessage
	execErr   error
	shutErr   error

	gotConfig json.RawMessage
	gotInput  json.RawMessage
	gotState  json.RawMessage
	shutdowns int
}

func (h *fakeHandler) Initialize(config json.RawMessage) (json.RawMessage, error) {
	h.gotConfig = config
	return h.initState, h.initErr
}

func (h *fakeHandler) Execute(input, state json.RawMessage) (json.RawMessage, error) {
	h.gotInput = input
	h.gotState = state
	return h.execOut, h.execErr
}

func (h *fakeHandler) Shutdown() error {
	h.shutdowns++
	return h.shutErr
}

func runServe(t *testing.T, h Handler, req Request) (Response, Response, int) {
	t.Helper()

	in, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	var out, errOut bytes.Buffer
	code := serve(h, bytes.NewReader(in), &out, &errOut)

	var stdout, stderr Response
	if out.Len() > 0 {
		if err := json.Unmarshal(out.Bytes(), &stdout); err != nil {
			t.Fatalf("stdout is not a response document: %v", err)
		}
	}
	if errOut.Len() > 0 {
		if err := json.Unmarshal(errOut.Bytes(), &stderr); err != nil {
			t.Fatalf("stderr is not a response document: %v", err)
		}
	}
	return stdout, stderr, code
}

func TestServe_ExecuteSuccess(t *testing.T) {
	h := &fakeHandler{
		initState: json.RawMessage(`{"cursor":0}`),
		execOut:   json.RawMessage(`{"ok":true}`),
	}
	stdout, _, code := runServe(t, h, Request{
		Operation: OpExecute,
		Config:    json.RawMessage(`{"token":"x"}`),
		Input:     json.RawMessage(`{"n":1}`),
	})

	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if stdout.Type != "result" || string(stdout.Data) != `{"ok":true}` {
		t.Fatalf("unexpected stdout response: %+v", stdout)
	}
	if string(h.gotConfig) != `{"token":"x"}` {
		t.Fatalf("handler got config %s", h.gotConfig)
	}
	if string(h.gotState) != `{"cursor":0}` {
		t.Fatalf("expected initialize state passed to execute, got %s", h.gotState)
	}
	if h.shutdowns != 1 {
		t.Fatalf("expected exactly one Shutdown, got %d", h.shutdowns)
	}
}

func TestServe_ExecuteWithCallerState(t *testing.T) {
	h := &fakeHandler{
		initState: json.RawMessage(`{"cursor":0}`),
		execOut:   json.RawMessage(`{}`),
	}
	_, _, code := runServe(t, h, Request{
		Operation: OpExecute,
		State:     json.RawMessage(`{"cursor":42}`),
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if string(h.gotState) != `{"cursor":42}` {
		t.Fatalf("caller state should win over initialize state, got %s", h.gotState)
	}
}

func TestServe_DeclaredError(t *testing.T) {
	h := &fakeHandler{
		execErr: &ErrorDetail{Name: "RateLimited", Message: "try later", Retryable: true},
	}
	stdout, stderr, code := runServe(t, h, Request{Operation: OpExecute})

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if stdout.Type != "" {
		t.Fatalf("expected no stdout document, got %+v", stdout)
	}
	if stderr.Type != "error" || stderr.Error == nil {
		t.Fatalf("expected error document on stderr, got %+v", stderr)
	}
	if stderr.Error.Name != "RateLimited" || !stderr.Error.Retryable {
		t.Fatalf("error detail lost in transit: %+v", stderr.Error)
	}
	if h.shutdowns != 1 {
		t.Fatalf("Shutdown should run even when Execute fails, got %d", h.shutdowns)
	}
}

func TestServe_PlainErrorBecomesExecutionError(t *testing.T) {
	h := &fakeHandler{execErr: errors.New("disk full")}
	_, stderr, code := runServe(t, h, Request{Operation: OpExecute})

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if stderr.Error == nil || stderr.Error.Name != "ExecutionError" || stderr.Error.Retryable {
		t.Fatalf("plain error should map to non-retryable ExecutionError, got %+v", stderr.Error)
	}
}

func TestServe_Initialize(t *testing.T) {
	h := &fakeHandler{initState: json.RawMessage(`{"ready":true}`)}
	stdout, _, code := runServe(t, h, Request{Operation: OpInitialize})

	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if string(stdout.Data) != `{"ready":true}` {
		t.Fatalf("unexpected initialize result: %s", stdout.Data)
	}
	if h.shutdowns != 0 {
		t.Fatalf("initialize must not call Shutdown")
	}
}

func TestServe_InitializeRejection(t *testing.T) {
	h := &fakeHandler{initErr: errors.New("token missing")}
	_, stderr, code := runServe(t, h, Request{Operation: OpExecute})

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if stderr.Error == nil || stderr.Error.Message != "token missing" {
		t.Fatalf("expected initialize rejection surfaced, got %+v", stderr.Error)
	}
}

func TestServe_UnknownOperation(t *testing.T) {
	_, stderr, code := runServe(t, &fakeHandler{}, Request{Operation: "destroy"})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if stderr.Error == nil || stderr.Error.Name != "BadRequest" {
		t.Fatalf("expected BadRequest, got %+v", stderr.Error)
	}
}

func TestServe_MalformedRequest(t *testing.T) {
	var out, errOut bytes.Buffer
	code := serve(&fakeHandler{}, strings.NewReader("{nope"), &out, &errOut)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	var resp Response
	if err := json.Unmarshal(errOut.Bytes(), &resp); err != nil {
		t.Fatalf("stderr is not a response document: %v", err)
	}
	if resp.Error == nil || resp.Error.Name != "BadRequest" {
		t.Fatalf("expected BadRequest, got %+v", resp.Error)
	}
}

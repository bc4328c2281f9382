package engine

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestHydrateConfig(t *testing.T) {
	secrets := map[string]string{
		"API_TOKEN": "tok-123",
		"REGION":    "eu-west-1",
	}

	config := map[string]any{
		"url":   "https://api.example.com",
		"token": "{{secrets.API_TOKEN}}",
		"auth": map[string]any{
			"header": "Bearer {{secrets.API_TOKEN}}",
			"ttl":    30,
		},
		"regions": []any{"{{secrets.REGION}}", "us-east-1"},
	}

	raw, err := HydrateConfig(config, secrets)
	if err != nil {
		t.Fatalf("HydrateConfig failed: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("hydrated config is not valid JSON: %v", err)
	}
	if got["token"] != "tok-123" {
		t.Fatalf("top-level secret not replaced: %v", got["token"])
	}
	auth := got["auth"].(map[string]any)
	if auth["header"] != "Bearer tok-123" {
		t.Fatalf("embedded secret not replaced: %v", auth["header"])
	}
	if auth["ttl"] != float64(30) {
		t.Fatalf("non-string leaf changed: %v", auth["ttl"])
	}
	regions := got["regions"].([]any)
	if regions[0] != "eu-west-1" || regions[1] != "us-east-1" {
		t.Fatalf("array leaves wrong: %v", regions)
	}

	// The input document is left untouched.
	if config["token"] != "{{secrets.API_TOKEN}}" {
		t.Fatalf("hydration mutated the stored config: %v", config["token"])
	}
}

func TestHydrateConfig_UnknownSecret(t *testing.T) {
	_, err := HydrateConfig(map[string]any{"token": "{{secrets.MISSING}}"}, nil)
	if err == nil || !strings.Contains(err.Error(), "MISSING") {
		t.Fatalf("expected unknown-secret error, got %v", err)
	}
}

func TestHydrateConfig_Empty(t *testing.T) {
	raw, err := HydrateConfig(nil, map[string]string{"A": "b"})
	if err != nil {
		t.Fatalf("HydrateConfig failed: %v", err)
	}
	if raw != nil {
		t.Fatalf("empty config should hydrate to nil, got %s", raw)
	}
}

func TestHydrateConfig_WhitespaceAndRepeats(t *testing.T) {
	secrets := map[string]string{"KEY": "v"}
	raw, err := HydrateConfig(map[string]any{
		"a": "{{ secrets.KEY }}",
		"b": "{{secrets.KEY}}/{{secrets.KEY}}",
	}, secrets)
	if err != nil {
		t.Fatalf("HydrateConfig failed: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["a"] != "v" || got["b"] != "v/v" {
		t.Fatalf("placeholder variants not expanded: %v", got)
	}
}

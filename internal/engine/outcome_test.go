package engine

import (
	"encoding/json"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		in       any
		kind     OutcomeKind
		result   string
		ack      string
		metadata string
	}{
		{name: "nil", in: nil, kind: OutcomeCompleted, result: `null`},
		{name: "plain object", in: map[string]any{"a": 1}, kind: OutcomeCompleted, result: `{"a":1}`},
		{name: "text reply", in: "ok", kind: OutcomeCompleted, result: `"ok"`},
		{name: "array", in: json.RawMessage(`[1,2]`), kind: OutcomeCompleted, result: `[1,2]`},
		{
			name:   "explicit completed",
			in:     json.RawMessage(`{"status":"completed","result":{"x":true},"metadata":{"m":1}}`),
			kind:   OutcomeCompleted,
			result: `{"x":true}`, metadata: `{"m":1}`,
		},
		{
			name: "explicit deferred any case",
			in:   json.RawMessage(`{"status":"DEFERRED","ack":{"ticket":"T-1"}}`),
			kind: OutcomeDeferred,
			ack:  `{"ticket":"T-1"}`,
		},
		{
			name:   "unknown status is a plain result",
			in:     json.RawMessage(`{"status":"accepted"}`),
			kind:   OutcomeCompleted,
			result: `{"status":"accepted"}`,
		},
		{
			name:   "non-string status is a plain result",
			in:     json.RawMessage(`{"status":3}`),
			kind:   OutcomeCompleted,
			result: `{"status":3}`,
		},
		{
			name:   "completed without result",
			in:     map[string]string{"status": "Completed"},
			kind:   OutcomeCompleted,
			result: `null`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("kind = %q, want %q", got.Kind, tt.kind)
			}
			if string(got.Result) != tt.result {
				t.Fatalf("result = %s, want %s", got.Result, tt.result)
			}
			if string(got.Ack) != tt.ack {
				t.Fatalf("ack = %s, want %s", got.Ack, tt.ack)
			}
			if string(got.Metadata) != tt.metadata {
				t.Fatalf("metadata = %s, want %s", got.Metadata, tt.metadata)
			}
		})
	}
}

func TestNormalize_InvalidRawJSON(t *testing.T) {
	if _, err := Normalize(json.RawMessage(`{nope`)); err == nil {
		t.Fatal("expected error for invalid raw JSON")
	}
}

func TestNormalize_Unencodable(t *testing.T) {
	if _, err := Normalize(make(chan int)); err == nil {
		t.Fatal("expected error for unencodable value")
	}
}

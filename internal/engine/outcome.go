package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeDeferred  OutcomeKind = "deferred"
)

// Outcome is a handler return value reduced to one of two shapes.
type Outcome struct {
	Kind     OutcomeKind
	Result   json.RawMessage
	Ack      json.RawMessage
	Metadata json.RawMessage
}

// envelope is the explicit {status, result, ack, metadata} shape a handler
// may return. Status matching is case-insensitive.
type envelope struct {
	Status   *string         `json:"status"`
	Result   json.RawMessage `json:"result"`
	Ack      json.RawMessage `json:"ack"`
	Metadata json.RawMessage `json:"metadata"`
}

// Normalize converts a handler return value into an Outcome. Values that are
// not an explicit envelope become an implicit completed result.
func Normalize(v any) (Outcome, error) {
	raw, err := toRaw(v)
	if err != nil {
		return Outcome{}, err
	}

	var env envelope
	if isObject(raw) && json.Unmarshal(raw, &env) == nil && env.Status != nil {
		switch OutcomeKind(strings.ToLower(strings.TrimSpace(*env.Status))) {
		case OutcomeCompleted:
			return Outcome{Kind: OutcomeCompleted, Result: orNull(env.Result), Metadata: env.Metadata}, nil
		case OutcomeDeferred:
			return Outcome{Kind: OutcomeDeferred, Ack: env.Ack, Metadata: env.Metadata}, nil
		}
	}
	return Outcome{Kind: OutcomeCompleted, Result: raw}, nil
}

func toRaw(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return json.RawMessage(`null`), nil
	case json.RawMessage:
		if len(x) == 0 {
			return json.RawMessage(`null`), nil
		}
		if !json.Valid(x) {
			return nil, fmt.Errorf("handler returned invalid JSON")
		}
		return x, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode handler result: %w", err)
		}
		return b, nil
	}
}

func isObject(raw json.RawMessage) bool {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`null`)
	}
	return raw
}

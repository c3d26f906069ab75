package registry

import (
	"context"
	"sort"
)

type builtin struct {
	displayName string
	taskTypes   []string
	execute     ExecuteFunc
}

var builtins = map[string]builtin{
	"echo": {
		displayName: "Echo",
		taskTypes:   []string{"echo"},
		execute: func(_ context.Context, inv Invocation) (any, error) {
			return inv.Task.Payload, nil
		},
	},
	"noop": {
		displayName: "No-op",
		taskTypes:   []string{"noop"},
		execute: func(context.Context, Invocation) (any, error) {
			return nil, nil
		},
	},
}

// BuiltinNames lists the inline handlers that can be enabled by name.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuiltinExecute returns the execute function of a built-in handler.
func BuiltinExecute(name string) (ExecuteFunc, bool) {
	b, ok := builtins[name]
	if !ok {
		return nil, false
	}
	return b.execute, true
}

// BuiltinDefinition returns a fresh definition for the named built-in.
func BuiltinDefinition(name string) (*Definition, bool) {
	b, ok := builtins[name]
	if !ok {
		return nil, false
	}
	return &Definition{
		ID:          string(ProvenanceBuiltin) + ":" + name,
		Slug:        name,
		DisplayName: b.displayName,
		Channel:     "inline",
		Mode:        Inline{Execute: b.execute},
		TaskTypes:   append([]string(nil), b.taskTypes...),
		Provenance:  ProvenanceBuiltin,
	}, true
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/persistence"
)

const agentsUsage = "usage: taskd agents list | import FILE | delete SLUG"

// runAgentsCommand manages persisted agent definitions directly in the
// store. A running server picks changes up on its next registry rebuild.
func runAgentsCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, agentsUsage)
		return 2
	}
	fs := flag.NewFlagSet("taskd agents", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	enabledOnly := fs.Bool("enabled", false, "list only enabled agents")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	rest := fs.Args()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(ctx, persistence.Options{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	switch args[0] {
	case "list":
		if len(rest) != 0 {
			fmt.Fprintln(os.Stderr, agentsUsage)
			return 2
		}
		return listAgents(ctx, store, *enabledOnly, os.Stdout)
	case "import":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, agentsUsage)
			return 2
		}
		return importAgents(ctx, store, rest[0], os.Stdout)
	case "delete":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, agentsUsage)
			return 2
		}
		removed, err := store.DeleteAgent(ctx, rest[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "delete agent: %v\n", err)
			return 1
		}
		if !removed {
			fmt.Fprintf(os.Stderr, "no agent with slug %q\n", rest[0])
			return 1
		}
		fmt.Fprintf(os.Stdout, "deleted %s\n", rest[0])
		return 0
	default:
		fmt.Fprintln(os.Stderr, agentsUsage)
		return 2
	}
}

func listAgents(ctx context.Context, store *persistence.Store, enabledOnly bool, out io.Writer) int {
	recs, err := store.ListAgents(ctx, enabledOnly)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list agents: %v\n", err)
		return 1
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tMODE\tCHANNEL\tTYPES\tENABLED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", r.Slug, r.Mode, r.Channel, strings.Join(r.TaskTypes, ","), r.Enabled)
	}
	_ = tw.Flush()
	return 0
}

func importAgents(ctx context.Context, store *persistence.Store, path string, out io.Writer) int {
	recs, err := parseAgentsFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read agents: %v\n", err)
		return 1
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "no agents imported (empty file)")
		return 0
	}
	failed := 0
	for _, rec := range recs {
		saved, err := store.UpsertAgent(ctx, rec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "agent %q: %v\n", rec.Slug, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "imported %s (%s)\n", saved.Slug, saved.Mode)
	}
	if failed > 0 {
		return 1
	}
	return 0
}

// parseAgentsFile reads a list of agent records. YAML is a superset of JSON,
// so one decoder serves both; keys use the JSON field names of AgentRecord.
func parseAgentsFile(path string) ([]persistence.AgentRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]persistence.AgentRecord, 0, len(raw))
	for i, entry := range raw {
		// Nested schemas and bodies arrive as YAML maps; re-encode so they
		// land in the record's JSON fields.
		j, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		var rec persistence.AgentRecord
		if err := json.Unmarshal(j, &rec); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if _, ok := entry["enabled"]; !ok {
			rec.Enabled = true
		}
		out = append(out, rec)
	}
	return out, nil
}

package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/agencysync/internal/engine"
	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
	"github.com/roach88/agencysync/internal/testutil"
)

// node is one simulated agency database.
type node struct {
	name     string
	store    *store.Store
	exporter *engine.Exporter
	importer *engine.Importer
	seeds    int
}

// Harness is the scenario execution engine.
// It runs scenarios with a deterministic clock and id generators.
type Harness struct {
	clock     *testutil.DeterministicClock
	nodes     map[string]*node
	snapshots map[string]*snapshot.Snapshot
	logger    *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Every node gets a fresh in-memory database, so scenarios are isolated.
// A failing import expectation or assertion fails the result; a step that
// cannot run at all (store failure, a seed that does not merge cleanly)
// returns an error.
func Run(scenario *Scenario) (*Result, error) {
	start := testutil.Epoch
	if scenario.Start != nil {
		start = *scenario.Start
	}
	h := &Harness{
		clock:     testutil.NewDeterministicClock(start, 0),
		nodes:     make(map[string]*node, len(scenario.Nodes)),
		snapshots: make(map[string]*snapshot.Snapshot),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	defer h.close()

	for _, name := range scenario.Nodes {
		if err := h.addNode(name); err != nil {
			return nil, err
		}
	}

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	for _, msg := range EvaluateAssertions(ctx, scenario.Assertions, h.stores()) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) addNode(name string) error {
	st, err := store.Open(":memory:")
	if err != nil {
		return fmt.Errorf("node %s: failed to create in-memory store: %w", name, err)
	}
	h.nodes[name] = &node{
		name:  name,
		store: st,
		exporter: engine.NewExporter(st, engine.ExporterOptions{
			NodeID: name,
			Clock:  h.clock,
			IDs:    testutil.NewSequenceGenerator("snap-" + name),
		}),
		importer: engine.NewImporter(st, engine.ImporterOptions{
			Clock: h.clock,
			IDs:   testutil.NewSequenceGenerator("run-" + name),
		}),
	}
	return nil
}

func (h *Harness) close() {
	for _, n := range h.nodes {
		if err := n.store.Close(); err != nil {
			h.logger.Error("close store", "node", n.name, "error", err)
		}
	}
}

func (h *Harness) stores() map[string]*store.Store {
	out := make(map[string]*store.Store, len(h.nodes))
	for name, n := range h.nodes {
		out[name] = n.store
	}
	return out
}

func (h *Harness) execute(ctx context.Context, index int, step Step, result *Result) error {
	switch {
	case step.Seed != nil:
		return h.seed(ctx, step.Seed)
	case step.Export != nil:
		return h.export(ctx, step.Export)
	case step.Import != nil:
		return h.importStep(ctx, index, step.Import, step.Expect, result)
	default:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		h.logger.Info("clock advanced", "by", d, "now", h.clock.Current())
		return nil
	}
}

// seed builds a snapshot document from the wire-form rows and imports it as
// the node's own data.
func (h *Harness) seed(ctx context.Context, s *SeedStep) error {
	n := h.nodes[s.Node]
	n.seeds++
	now := h.clock.Current().Format(time.RFC3339Nano)

	doc := map[string]any{
		"version":          snapshot.FormatVersion,
		"snapshot_id":      fmt.Sprintf("seed-%s-%d", n.name, n.seeds),
		"captured_at":      now,
		"include_accounts": true,
	}
	for c, rows := range s.Rows {
		out := make([]any, len(rows))
		for i, row := range rows {
			out[i] = wireRow(row, now)
		}
		doc[c] = out
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("seed %s: %w", n.name, err)
	}
	snap, err := snapshot.Decode(data)
	if err != nil {
		return fmt.Errorf("seed %s: %w", n.name, err)
	}
	if len(snap.Problems) > 0 {
		return fmt.Errorf("seed %s: %w", n.name, snap.Problems[0])
	}

	report, err := n.importer.Import(ctx, snap, engine.TargetScope{})
	if err != nil {
		return fmt.Errorf("seed %s: %w", n.name, err)
	}
	if !report.OK() {
		return fmt.Errorf("seed %s: %s", n.name, report.Errors[0].Message)
	}
	h.logger.Info("node seeded", "node", n.name, "rows", snap.Len())
	return nil
}

// wireRow converts a YAML row to its JSON form and fills updated_at.
func wireRow(row map[string]any, now string) map[string]any {
	out := make(map[string]any, len(row)+1)
	for k, v := range row {
		out[k] = wireValue(v)
	}
	if _, ok := out["updated_at"]; !ok {
		out["updated_at"] = now
	}
	return out
}

func wireValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = wireValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = wireValue(e)
		}
		return out
	default:
		return v
	}
}

// export runs the exporter and keeps the snapshot as it would arrive on
// another node: encoded and decoded again.
func (h *Harness) export(ctx context.Context, e *ExportStep) error {
	n := h.nodes[e.Node]
	scope := engine.Scope{Agency: e.Agency, IncludeAccounts: e.IncludeAccounts}
	switch {
	case e.Since != "":
		t, err := time.Parse(time.RFC3339Nano, e.Since)
		if err != nil {
			return fmt.Errorf("export %s: since: %w", n.name, err)
		}
		scope.Since = &t
	case e.SinceSnapshot != "":
		prev, ok := h.snapshots[e.SinceSnapshot]
		if !ok {
			return fmt.Errorf("export %s: unknown snapshot %q", n.name, e.SinceSnapshot)
		}
		t := prev.CapturedAt.Time()
		scope.Since = &t
	}

	snap, err := n.exporter.Export(ctx, scope)
	if err != nil {
		return fmt.Errorf("export %s: %w", n.name, err)
	}
	data, err := snapshot.Encode(snap)
	if err != nil {
		return fmt.Errorf("export %s: %w", n.name, err)
	}
	decoded, err := snapshot.Decode(data)
	if err != nil {
		return fmt.Errorf("export %s: %w", n.name, err)
	}
	h.snapshots[e.As] = decoded
	h.logger.Info("snapshot exported", "node", n.name, "as", e.As, "rows", snap.Len())
	return nil
}

func (h *Harness) importStep(ctx context.Context, index int, s *ImportStep, expect *ImportExpect, result *Result) error {
	n := h.nodes[s.Node]
	snap, ok := h.snapshots[s.Snapshot]
	if !ok {
		return fmt.Errorf("import %s: unknown snapshot %q", n.name, s.Snapshot)
	}
	report, err := n.importer.Import(ctx, snap, engine.TargetScope{Agency: s.TargetAgency})
	if err != nil {
		return fmt.Errorf("import %s: %w", n.name, err)
	}
	result.Imports = append(result.Imports, ImportRecord{
		Step:     index,
		Node:     n.name,
		Snapshot: s.Snapshot,
		Report:   report,
	})
	if expect != nil {
		for _, msg := range CheckReport(report, *expect) {
			result.AddError(fmt.Sprintf("step %d: %s", index, msg))
		}
	}
	h.logger.Info("snapshot imported", "node", n.name, "snapshot", s.Snapshot, "errors", len(report.Errors))
	return nil
}

package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/watermark"
)

// Scenario defines a merge scenario between simulated nodes.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the initial clock instant. Defaults to testutil.Epoch.
	Start *time.Time `yaml:"start,omitempty"`

	// Nodes names the simulated nodes; each gets an empty store.
	Nodes []string `yaml:"nodes"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state of the stores.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one of Seed, Export, Import and
// Advance is set.
type Step struct {
	Seed    *SeedStep   `yaml:"seed,omitempty"`
	Export  *ExportStep `yaml:"export,omitempty"`
	Import  *ImportStep `yaml:"import,omitempty"`
	Advance string      `yaml:"advance,omitempty"`

	// Expect checks the report of an import step.
	Expect *ImportExpect `yaml:"expect,omitempty"`
}

// SeedStep loads rows into a node as its own data.
type SeedStep struct {
	Node string                      `yaml:"node"`
	Rows map[string][]map[string]any `yaml:"rows"`
}

// ExportStep exports a node's store.
type ExportStep struct {
	Node string `yaml:"node"`

	// As names the snapshot for later import steps.
	As string `yaml:"as"`

	Agency          *int64 `yaml:"agency,omitempty"`
	IncludeAccounts bool   `yaml:"include_accounts,omitempty"`

	// Since is an RFC 3339 lower bound for transactional rows.
	Since string `yaml:"since,omitempty"`

	// SinceSnapshot uses the capture time of an earlier export as the lower
	// bound, the way a confirmed watermark would.
	SinceSnapshot string `yaml:"since_snapshot,omitempty"`
}

// ImportStep merges a named snapshot into a node.
type ImportStep struct {
	Node         string `yaml:"node"`
	Snapshot     string `yaml:"snapshot"`
	TargetAgency *int64 `yaml:"target_agency,omitempty"`
}

// ImportExpect is a subset match on an import report. Nil fields are not
// checked; an empty errors or notices list requires none.
type ImportExpect struct {
	Totals      *Counts           `yaml:"totals,omitempty"`
	Collections map[string]Counts `yaml:"collections,omitempty"`
	Errors      []ExpectedEvent   `yaml:"errors,omitempty"`
	Notices     []ExpectedEvent   `yaml:"notices,omitempty"`
}

// Counts holds expected report counters.
type Counts struct {
	Created   *int `yaml:"created,omitempty"`
	Updated   *int `yaml:"updated,omitempty"`
	Unchanged *int `yaml:"unchanged,omitempty"`
	Cloned    *int `yaml:"cloned,omitempty"`
	Failed    *int `yaml:"failed,omitempty"`
}

// ExpectedEvent matches a report error or notice. Empty fields match
// anything.
type ExpectedEvent struct {
	Collection string `yaml:"collection,omitempty"`
	Key        string `yaml:"key,omitempty"`
	Code       string `yaml:"code,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "final_state": exactly one row matches Where; Expect is a subset match
	// - "row_count": the number of rows matching Where equals Count
	Type string `yaml:"type"`

	// Node is the store the assertion reads.
	Node string `yaml:"node"`

	// Table is the table name.
	Table string `yaml:"table"`

	// Where specifies query filters. All fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected column values (used by final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of rows (used by row_count).
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState = "final_state"
	AssertRowCount   = "row_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// step refers to declared nodes and earlier snapshots.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	nodes := make(map[string]bool, len(s.Nodes))
	for i, n := range s.Nodes {
		if !watermark.ValidNodeID(n) {
			return fmt.Errorf("nodes[%d]: invalid node name %q", i, n)
		}
		if nodes[n] {
			return fmt.Errorf("nodes[%d]: duplicate node %q", i, n)
		}
		nodes[n] = true
	}
	node := func(where, name string) error {
		if !nodes[name] {
			return fmt.Errorf("%s: unknown node %q", where, name)
		}
		return nil
	}

	snapshots := make(map[string]bool)
	for i, step := range s.Steps {
		where := fmt.Sprintf("steps[%d]", i)
		if n := step.actions(); n != 1 {
			return fmt.Errorf("%s: exactly one of seed, export, import, advance is required, got %d", where, n)
		}
		if step.Expect != nil && step.Import == nil {
			return fmt.Errorf("%s: expect is only valid on import steps", where)
		}

		switch {
		case step.Seed != nil:
			if err := node(where, step.Seed.Node); err != nil {
				return err
			}
			if len(step.Seed.Rows) == 0 {
				return fmt.Errorf("%s: seed rows are required", where)
			}
			for c := range step.Seed.Rows {
				if !snapshot.Known(snapshot.Collection(c)) {
					return fmt.Errorf("%s: unknown collection %q", where, c)
				}
			}
		case step.Export != nil:
			if err := node(where, step.Export.Node); err != nil {
				return err
			}
			if step.Export.As == "" {
				return fmt.Errorf("%s: export requires as", where)
			}
			if snapshots[step.Export.As] {
				return fmt.Errorf("%s: snapshot %q already defined", where, step.Export.As)
			}
			if step.Export.Since != "" && step.Export.SinceSnapshot != "" {
				return fmt.Errorf("%s: since and since_snapshot are mutually exclusive", where)
			}
			if step.Export.Since != "" {
				if _, err := time.Parse(time.RFC3339Nano, step.Export.Since); err != nil {
					return fmt.Errorf("%s: since: %w", where, err)
				}
			}
			if step.Export.SinceSnapshot != "" && !snapshots[step.Export.SinceSnapshot] {
				return fmt.Errorf("%s: since_snapshot %q is not defined by an earlier export", where, step.Export.SinceSnapshot)
			}
			snapshots[step.Export.As] = true
		case step.Import != nil:
			if err := node(where, step.Import.Node); err != nil {
				return err
			}
			if !snapshots[step.Import.Snapshot] {
				return fmt.Errorf("%s: snapshot %q is not defined by an earlier export", where, step.Import.Snapshot)
			}
		default:
			d, err := time.ParseDuration(step.Advance)
			if err != nil {
				return fmt.Errorf("%s: advance: %w", where, err)
			}
			if d < 0 {
				return fmt.Errorf("%s: advance must not be negative", where)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, nodes); err != nil {
			return err
		}
	}
	return nil
}

func (s Step) actions() int {
	n := 0
	if s.Seed != nil {
		n++
	}
	if s.Export != nil {
		n++
	}
	if s.Import != nil {
		n++
	}
	if s.Advance != "" {
		n++
	}
	return n
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, nodes map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if !nodes[a.Node] {
		return fmt.Errorf("assertions[%d]: unknown node %q", index, a.Node)
	}
	if a.Table == "" {
		return fmt.Errorf("assertions[%d]: table is required", index)
	}

	switch a.Type {
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertRowCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: a non-negative count is required for row_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

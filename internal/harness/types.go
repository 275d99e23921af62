package harness

import (
	"fmt"
	"io"

	"github.com/roach88/agencysync/internal/engine"
)

// ImportRecord is one import step and the report it produced.
type ImportRecord struct {
	Step     int                  `json:"step"`
	Node     string               `json:"node"`
	Snapshot string               `json:"snapshot"`
	Report   *engine.ImportReport `json:"report"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every import expectation and assertion matched.
	Pass bool `json:"pass"`

	// Imports lists the import steps in execution order.
	Imports []ImportRecord `json:"imports"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Imports: []ImportRecord{},
		Errors:  []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// WriteTranscript renders every import report in step order.
func (r *Result) WriteTranscript(w io.Writer) error {
	for _, rec := range r.Imports {
		if _, err := fmt.Fprintf(w, "== step %d: import %s into %s\n", rec.Step, rec.Snapshot, rec.Node); err != nil {
			return err
		}
		if err := rec.Report.WriteText(w); err != nil {
			return err
		}
	}
	return nil
}

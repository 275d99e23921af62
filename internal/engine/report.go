package engine

import (
	"fmt"
	"io"
	"time"

	"github.com/roach88/agencysync/internal/snapshot"
)

// RowOutcome is what happened to one imported row.
type RowOutcome int

const (
	OutcomeCreated RowOutcome = iota
	OutcomeUpdated
	OutcomeUnchanged
	OutcomeCloned
	OutcomeFailed
)

func (o RowOutcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeCloned:
		return "cloned"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// EntityCounts aggregates row outcomes of one collection.
//
// Updated counts every row matched to an existing one, including the
// Unchanged rows whose values were already equal. Created includes Cloned.
type EntityCounts struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Cloned    int `json:"cloned"`
	Failed    int `json:"failed"`
}

// RowError is one row that was skipped.
type RowError struct {
	Collection snapshot.Collection `json:"collection"`
	Key        string              `json:"key"`
	Code       ErrorCode           `json:"code"`
	Message    string              `json:"message"`
}

// newRowError accepts only row-scoped errors; store failures must abort the
// run instead of landing in a report.
func newRowError(c snapshot.Collection, key string, err rowScoped) RowError {
	return RowError{Collection: c, Key: key, Code: err.rowCode(), Message: err.Error()}
}

// Notice is an informational event, such as a row cloned under a new key.
type Notice struct {
	Collection snapshot.Collection `json:"collection"`
	Key        string              `json:"key"`
	Code       ErrorCode           `json:"code"`
	Message    string              `json:"message"`
}

// ImportReport summarizes one import run.
type ImportReport struct {
	RunID        string                                 `json:"run_id"`
	SnapshotID   string                                 `json:"snapshot_id"`
	SourceAgency *int64                                 `json:"source_agency"`
	TargetAgency *int64                                 `json:"target_agency"`
	StartedAt    time.Time                              `json:"started_at"`
	FinishedAt   time.Time                              `json:"finished_at"`
	Entities     map[snapshot.Collection]*EntityCounts `json:"entities"`
	Errors       []RowError                             `json:"errors"`
	Notices      []Notice                               `json:"notices"`

	// Committed lists the collections whose transaction committed, in order.
	Committed []snapshot.Collection `json:"committed"`

	order []snapshot.Collection
}

func newImportReport(runID string, snap *snapshot.Snapshot, target *int64, started time.Time) *ImportReport {
	return &ImportReport{
		RunID:        runID,
		SnapshotID:   snap.SnapshotID,
		SourceAgency: snap.SourceAgency,
		TargetAgency: target,
		StartedAt:    started,
		Entities:     make(map[snapshot.Collection]*EntityCounts),
		Errors:       []RowError{},
		Notices:      []Notice{},
		Committed:    []snapshot.Collection{},
	}
}

func (r *ImportReport) counts(c snapshot.Collection) *EntityCounts {
	ec, ok := r.Entities[c]
	if !ok {
		ec = &EntityCounts{}
		r.Entities[c] = ec
		r.order = append(r.order, c)
	}
	return ec
}

func (r *ImportReport) record(c snapshot.Collection, o RowOutcome) {
	ec := r.counts(c)
	switch o {
	case OutcomeCreated:
		ec.Created++
	case OutcomeCloned:
		ec.Created++
		ec.Cloned++
	case OutcomeUpdated:
		ec.Updated++
	case OutcomeUnchanged:
		ec.Updated++
		ec.Unchanged++
	case OutcomeFailed:
		ec.Failed++
	}
}

func (r *ImportReport) fail(e RowError) {
	r.record(e.Collection, OutcomeFailed)
	r.Errors = append(r.Errors, e)
}

func (r *ImportReport) notice(n Notice) {
	r.Notices = append(r.Notices, n)
}

// Collections returns the collections that saw at least one row, in the
// order they were processed.
func (r *ImportReport) Collections() []snapshot.Collection {
	return append([]snapshot.Collection(nil), r.order...)
}

// Totals sums the counts of every collection.
func (r *ImportReport) Totals() EntityCounts {
	var t EntityCounts
	for _, ec := range r.Entities {
		t.Created += ec.Created
		t.Updated += ec.Updated
		t.Unchanged += ec.Unchanged
		t.Cloned += ec.Cloned
		t.Failed += ec.Failed
	}
	return t
}

// OK reports whether every row merged.
func (r *ImportReport) OK() bool {
	return len(r.Errors) == 0
}

// Duration is the wall time of the run.
func (r *ImportReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// WriteText renders a human-readable summary.
func (r *ImportReport) WriteText(w io.Writer) error {
	pw := &printer{w: w}
	pw.printf("import %s (snapshot %s)\n", r.RunID, r.SnapshotID)
	for _, c := range r.order {
		ec := r.Entities[c]
		pw.printf("  %-20s created=%d updated=%d unchanged=%d cloned=%d failed=%d\n",
			c, ec.Created, ec.Updated, ec.Unchanged, ec.Cloned, ec.Failed)
	}
	for _, n := range r.Notices {
		pw.printf("  notice %s %s: %s\n", n.Collection, n.Key, n.Message)
	}
	for _, e := range r.Errors {
		pw.printf("  error %s %s: %s\n", e.Collection, e.Key, e.Message)
	}
	t := r.Totals()
	pw.printf("total created=%d updated=%d failed=%d\n", t.Created, t.Updated, t.Failed)
	return pw.err
}

// printer keeps the first write error so WriteText stays linear.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

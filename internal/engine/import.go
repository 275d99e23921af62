package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/agencysync/internal/identity"
	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
)

// TargetScope selects where imported agency-owned rows land.
type TargetScope struct {
	// Agency rebinds every agency-owned row to this agency. Nil keeps the
	// agency each row carries.
	Agency *int64
}

// ImporterOptions configures an Importer. Zero fields take defaults.
type ImporterOptions struct {
	Clock    Clock
	IDs      IDGenerator
	Policies *identity.Table

	// BackupDir, when set, receives a copy of the database before each run.
	BackupDir string
}

// Importer merges snapshots into a store.
type Importer struct {
	store     *store.Store
	clock     Clock
	ids       IDGenerator
	policies  *identity.Table
	backupDir string
}

// NewImporter creates an importer writing to st.
func NewImporter(st *store.Store, opts ImporterOptions) *Importer {
	im := &Importer{
		store:     st,
		clock:     opts.Clock,
		ids:       opts.IDs,
		policies:  opts.Policies,
		backupDir: opts.BackupDir,
	}
	if im.clock == nil {
		im.clock = SystemClock{}
	}
	if im.ids == nil {
		im.ids = UUIDv7Generator{}
	}
	if im.policies == nil {
		im.policies = identity.Default()
	}
	return im
}

// run is the state of one Import call.
type run struct {
	store  *store.Store
	target *int64
	arena  *runArena

	// accounts is false when the snapshot was exported without accounts;
	// its null account references then mean "unknown", not "none".
	accounts bool

	// source is the agency an agency-scoped snapshot was exported for.
	source *int64
	// carried holds every product reference the snapshot ships, including
	// rows that failed to decode.
	carried map[string]bool
}

// pending buffers a collection's report entries until its transaction
// commits.
type pending struct {
	outcomes []RowOutcome
	errors   []RowError
	notices  []Notice
}

// Import merges snap into the store.
//
// Collections are processed in dependency order, each in one transaction.
// Rows that cannot be merged are skipped and listed in the report. A store
// failure rolls back the collection in flight and is returned together with
// the report of the collections already committed.
func (im *Importer) Import(ctx context.Context, snap *snapshot.Snapshot, target TargetScope) (*ImportReport, error) {
	report := newImportReport(im.ids.Generate(), snap, target.Agency, im.clock.Now())
	defer func() { report.FinishedAt = im.clock.Now() }()

	if im.backupDir != "" {
		if err := im.backup(ctx, report.RunID); err != nil {
			return report, err
		}
	}

	r := &run{
		store:    im.store,
		target:   target.Agency,
		arena:    newRunArena(),
		accounts: snap.IncludeAccounts,
		source:   snap.SourceAgency,
		carried:  make(map[string]bool),
	}
	for _, rec := range snap.Rows(snapshot.Products) {
		r.carried[rec.NaturalKey()] = true
	}
	for _, rec := range snap.Rows(snapshot.Agencies) {
		a := rec.(*snapshot.Agency)
		r.arena.agencyNames[a.ID] = a.Name
	}

	problems := make(map[snapshot.Collection][]*snapshot.SerializationError)
	for _, p := range snap.Problems {
		problems[p.Collection] = append(problems[p.Collection], p)
		if p.Collection == snapshot.Products && p.Key != "" {
			r.carried[p.Key] = true
		}
	}

	for _, c := range im.policies.Order() {
		for _, p := range problems[c] {
			report.fail(newRowError(c, p.Key, decodeProblem{p}))
		}
		rows := snap.Rows(c)
		if len(rows) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := im.importCollection(ctx, r, report, c, rows); err != nil {
			return report, err
		}
	}

	t := report.Totals()
	slog.Info("snapshot imported",
		"run_id", report.RunID,
		"snapshot_id", report.SnapshotID,
		"target", agencyAttr(target.Agency),
		"created", t.Created,
		"updated", t.Updated,
		"cloned", t.Cloned,
		"failed", t.Failed)
	return report, nil
}

func (im *Importer) importCollection(ctx context.Context, r *run, report *ImportReport, c snapshot.Collection, rows []snapshot.Record) error {
	policy, ok := im.policies.Policy(c)
	if !ok {
		return fmt.Errorf("import %s: no identity policy", c)
	}
	m, ok := mappers[c]
	if !ok {
		return fmt.Errorf("import %s: no mapper", c)
	}

	tx, err := im.store.Begin(ctx)
	if err != nil {
		return &DataAccessError{Op: "import", Collection: c, Err: err}
	}
	abort := func(err error) error {
		_ = tx.Rollback()
		r.arena.discard()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("collection rolled back", "entity", c, "error", err)
		return &DataAccessError{Op: "import", Collection: c, Err: err}
	}

	var buf pending
	for _, rec := range rows {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		key := rec.NaturalKey()

		var res result
		err := tx.Row(ctx, func() error {
			var err error
			res, err = r.apply(ctx, tx, policy, m, rec)
			return err
		})
		if err != nil {
			rowErr, ok := asRowError(c, key, err)
			if !ok {
				return abort(err)
			}
			slog.Warn("row skipped", "entity", c, "key", key, "error", err)
			buf.errors = append(buf.errors, rowErr)
			continue
		}

		if res.id != 0 {
			r.arena.stage(res.arena, res.id)
		}
		buf.outcomes = append(buf.outcomes, res.outcome)
		if res.conflict != nil {
			slog.Info("natural key conflict",
				"entity", c,
				"key", res.conflict.Key,
				"cloned_as", res.conflict.ClonedAs,
				"source_agency", res.conflict.SourceAgency)
			buf.notices = append(buf.notices, Notice{
				Collection: c,
				Key:        res.conflict.Key,
				Code:       CodeNaturalKeyConflict,
				Message:    res.conflict.Error(),
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return abort(err)
	}
	r.arena.commit()

	for _, o := range buf.outcomes {
		report.record(c, o)
	}
	for _, e := range buf.errors {
		report.fail(e)
	}
	for _, n := range buf.notices {
		report.notice(n)
	}
	report.Committed = append(report.Committed, c)
	slog.Debug("collection committed", "entity", c, "rows", len(rows), "failed", len(buf.errors))
	return nil
}

// asRowError classifies an error escaping a row. Row-scoped errors and store
// constraint violations are recorded; anything else aborts the run.
func asRowError(c snapshot.Collection, key string, err error) (RowError, bool) {
	var rs rowScoped
	if errors.As(err, &rs) {
		return newRowError(c, key, rs), true
	}
	if store.IsConstraint(err) {
		return newRowError(c, key, &ConstraintError{Collection: c, Key: key, Err: err}), true
	}
	return RowError{}, false
}

func (im *Importer) backup(ctx context.Context, runID string) error {
	if err := os.MkdirAll(im.backupDir, 0o755); err != nil {
		return &DataAccessError{Op: "backup", Err: err}
	}
	name := fmt.Sprintf("%s-%s.db", im.clock.Now().UTC().Format("20060102T150405Z"), runID)
	dest := filepath.Join(im.backupDir, name)
	if err := im.store.Backup(ctx, dest); err != nil {
		return &DataAccessError{Op: "backup", Err: err}
	}
	slog.Info("database backed up", "path", dest)
	return nil
}

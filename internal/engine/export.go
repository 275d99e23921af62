package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/agencysync/internal/identity"
	"github.com/roach88/agencysync/internal/query"
	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
)

// Scope selects what an export contains.
type Scope struct {
	// Agency limits agency-owned collections to one agency. Nil exports all.
	Agency *int64

	// Since limits transactional collections to rows updated at or after
	// this instant. Reference collections are always exported in full.
	Since *time.Time

	// IncludeAccounts exports the accounts collection. When false, account
	// references in other collections are exported as null.
	IncludeAccounts bool
}

// ExporterOptions configures an Exporter. Zero fields take defaults.
type ExporterOptions struct {
	NodeID   string
	Clock    Clock
	IDs      IDGenerator
	Policies *identity.Table
}

// Exporter reads a consistent view of the store into a snapshot.
type Exporter struct {
	store    *store.Store
	nodeID   string
	clock    Clock
	ids      IDGenerator
	policies *identity.Table
}

// NewExporter creates an exporter over st.
func NewExporter(st *store.Store, opts ExporterOptions) *Exporter {
	e := &Exporter{
		store:    st,
		nodeID:   opts.NodeID,
		clock:    opts.Clock,
		ids:      opts.IDs,
		policies: opts.Policies,
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.ids == nil {
		e.ids = UUIDv7Generator{}
	}
	if e.policies == nil {
		e.policies = identity.Default()
	}
	return e
}

// Export builds a snapshot of the store.
//
// The capture timestamp is taken before anything is read, and transactional
// rows are bounded by [since, captured_at). A watermark set to captured_at
// therefore makes the next export start exactly where this one stopped.
func (e *Exporter) Export(ctx context.Context, scope Scope) (*snapshot.Snapshot, error) {
	captured := snapshot.NewTimestamp(e.clock.Now())
	h := snapshot.Header{
		SnapshotID:      e.ids.Generate(),
		SourceNode:      e.nodeID,
		SourceAgency:    scope.Agency,
		CapturedAt:      captured,
		IncludeAccounts: scope.IncludeAccounts,
	}
	if scope.Since != nil {
		since := snapshot.NewTimestamp(*scope.Since)
		h.Since = &since
	}
	snap := snapshot.New(h, e.policies.Order())

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, &DataAccessError{Op: "export", Err: err}
	}
	defer tx.Rollback()

	for _, c := range e.policies.Order() {
		if c == snapshot.Accounts && !scope.IncludeAccounts {
			continue
		}
		recs, err := e.exportCollection(ctx, tx, c, h)
		if err != nil {
			return nil, err
		}
		snap.Add(recs...)
		slog.Debug("collection exported", "entity", c, "rows", len(recs))
	}

	if scope.Agency != nil {
		if err := e.addTransferProducts(ctx, tx, snap); err != nil {
			return nil, err
		}
	}

	slog.Info("snapshot exported",
		"snapshot_id", h.SnapshotID,
		"agency", agencyAttr(scope.Agency),
		"since", sinceAttr(h.Since),
		"rows", snap.Len())
	return snap, nil
}

func (e *Exporter) exportCollection(ctx context.Context, tx *store.Tx, c snapshot.Collection, h snapshot.Header) ([]snapshot.Record, error) {
	convert, ok := exportConverters[c]
	if !ok {
		return nil, &snapshot.SerializationError{Collection: c, Index: -1, Err: fmt.Errorf("no exporter for collection")}
	}

	var filters []query.Predicate
	if h.SourceAgency != nil {
		if f := agencyFilter(c, *h.SourceAgency); f != nil {
			filters = append(filters, f)
		}
	}
	if e.policies.Transactional(c) {
		if h.Since != nil {
			filters = append(filters, query.Window("updated_at", h.Since.StoreString(), h.CapturedAt.StoreString()))
		} else {
			filters = append(filters, query.Before{Field: "updated_at", Value: h.CapturedAt.StoreString()})
		}
	}

	q := query.Select{From: "export_" + string(c)}
	if len(filters) > 0 {
		q.Filter = query.And{Predicates: filters}
	}
	rows, err := tx.Select(ctx, q)
	if err != nil {
		return nil, &DataAccessError{Op: "export", Collection: c, Err: err}
	}

	recs := make([]snapshot.Record, 0, len(rows))
	for i, row := range rows {
		rd := &rowReader{row: row, includeAccounts: h.IncludeAccounts}
		rec := convert(rd)
		if rd.err != nil {
			return nil, &snapshot.SerializationError{Collection: c, Index: i, Err: rd.err}
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// addTransferProducts ships the products moved by exported transfer lines
// that the agency filter left out, so an inbound transfer never arrives
// without its goods.
func (e *Exporter) addTransferProducts(ctx context.Context, tx *store.Tx, snap *snapshot.Snapshot) error {
	have := make(map[string]bool)
	for _, rec := range snap.Rows(snapshot.Products) {
		have[rec.NaturalKey()] = true
	}
	convert := exportConverters[snapshot.Products]
	for _, rec := range snap.Rows(snapshot.TransferLines) {
		ref := rec.(*snapshot.TransferLine).Product
		if have[ref] {
			continue
		}
		have[ref] = true
		rows, err := tx.Select(ctx, query.Select{
			From:   "export_products",
			Filter: query.Equals{Field: "reference", Value: ref},
		})
		if err != nil {
			return &DataAccessError{Op: "export", Collection: snapshot.Products, Err: err}
		}
		for i, row := range rows {
			rd := &rowReader{row: row, includeAccounts: snap.IncludeAccounts}
			p := convert(rd)
			if rd.err != nil {
				return &snapshot.SerializationError{Collection: snapshot.Products, Index: i, Err: rd.err}
			}
			snap.Add(p)
		}
	}
	return nil
}

// agencyFilter restricts agency-owned collections to one agency. Agencies and
// families are shared reference data and are never filtered. Transfers belong
// to both ends; see addTransferProducts for the products they move.
func agencyFilter(c snapshot.Collection, agency int64) query.Predicate {
	switch c {
	case snapshot.Agencies, snapshot.Families:
		return nil
	case snapshot.TransferDocuments, snapshot.TransferLines:
		return query.Or{Predicates: []query.Predicate{
			query.Equals{Field: "source_agency_id", Value: agency},
			query.Equals{Field: "destination_agency_id", Value: agency},
		}}
	default:
		return query.Equals{Field: "agency_id", Value: agency}
	}
}

func agencyAttr(agency *int64) any {
	if agency == nil {
		return "all"
	}
	return *agency
}

func sinceAttr(since *snapshot.Timestamp) string {
	if since == nil {
		return "full"
	}
	return since.String()
}

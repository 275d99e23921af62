package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/agencysync/internal/query"
	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
	"github.com/roach88/agencysync/internal/testutil"
)

// node is one agency database with its exporter and importer.
type node struct {
	store    *store.Store
	clock    *testutil.DeterministicClock
	exporter *Exporter
	importer *Importer
}

func newNode(t *testing.T, name string) *node {
	t.Helper()
	st := testutil.OpenStore(t)
	clock := testutil.NewDeterministicClock(testutil.Epoch.Add(48*time.Hour), 0)
	return &node{
		store: st,
		clock: clock,
		exporter: NewExporter(st, ExporterOptions{
			NodeID: name,
			Clock:  clock,
			IDs:    testutil.NewSequenceGenerator("snap-" + name),
		}),
		importer: NewImporter(st, ImporterOptions{
			Clock: clock,
			IDs:   testutil.NewSequenceGenerator("run-" + name),
		}),
	}
}

// seed imports records as the node's own data and requires a clean run.
func (n *node) seed(t *testing.T, recs ...snapshot.Record) {
	t.Helper()
	report, err := n.importer.Import(context.Background(), testutil.NewSnapshot("seed", recs...), TargetScope{})
	require.NoError(t, err)
	require.Empty(t, report.Errors)
}

func (n *node) export(t *testing.T, scope Scope) *snapshot.Snapshot {
	t.Helper()
	snap, err := n.exporter.Export(context.Background(), scope)
	require.NoError(t, err)
	return snap
}

func (n *node) importSnapshot(t *testing.T, snap *snapshot.Snapshot, target TargetScope) *ImportReport {
	t.Helper()
	report, err := n.importer.Import(context.Background(), snap, target)
	require.NoError(t, err)
	return report
}

func (n *node) rows(t *testing.T, table string, filter query.Predicate) []store.Row {
	t.Helper()
	tx, err := n.store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	rows, err := tx.Select(context.Background(), query.Select{From: table, Filter: filter})
	require.NoError(t, err)
	return rows
}

// wire sends a snapshot through its serialized form.
func wire(t *testing.T, snap *snapshot.Snapshot) *snapshot.Snapshot {
	t.Helper()
	data, err := snapshot.Encode(snap)
	require.NoError(t, err)
	decoded, err := snapshot.Decode(data)
	require.NoError(t, err)
	require.Empty(t, decoded.Problems)
	return decoded
}

func keys(recs []snapshot.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.NaturalKey()
	}
	return out
}

// fullAgency is one agency's complete data set touching every collection.
func fullAgency(id int64, name string) []snapshot.Record {
	opened := testutil.At(2 * time.Hour)
	session := snapshot.SessionKey("T1", opened)
	return []snapshot.Record{
		testutil.Agency(id, name),
		testutil.Family("GRAIN"),
		testutil.Account("E-1", id),
		testutil.Partner(snapshot.PartnerClient, "Walk-in", id),
		testutil.Partner(snapshot.PartnerSupplier, "Mills Ltd", id),
		testutil.Product("RICE-5KG", id, "GRAIN", "10.00"),
		&snapshot.PriceTier{Product: "RICE-5KG", Label: "wholesale", Price: testutil.Dec("4.10"), UpdatedAt: testutil.At(0)},
		testutil.Till("T1", id),
		func() snapshot.Record {
			s := testutil.Session("T1", id, opened)
			s.Account = testutil.Ptr("E-1")
			return s
		}(),
		func() snapshot.Record {
			d := testutil.SalesDocument("T-100", id, testutil.At(3*time.Hour))
			d.Till = testutil.Ptr("T1")
			d.Client = testutil.Ptr("Walk-in")
			d.Session = testutil.Ptr(session)
			return d
		}(),
		testutil.SalesLine("T-100", 1, "RICE-5KG", id, testutil.At(3*time.Hour)),
		&snapshot.PurchaseDocument{
			Reference: "P-7", PurchasedAt: testutil.At(4 * time.Hour), Total: testutil.Dec("31.00"),
			Supplier: testutil.Ptr("Mills Ltd"), Account: testutil.Ptr("E-1"),
			Agency: id, UpdatedAt: testutil.At(4 * time.Hour),
		},
		&snapshot.PurchaseLine{
			Document: "P-7", LineNo: 1, Product: testutil.Ptr("RICE-5KG"),
			Quantity: testutil.Dec("10.000"), UnitPrice: testutil.Dec("3.10"), Total: testutil.Dec("31.00"),
			Agency: id, UpdatedAt: testutil.At(4 * time.Hour),
		},
		&snapshot.ClosureDocument{
			Number: "Z-1", BusinessDate: snapshot.NewDate(2024, time.March, 1), ClosedAt: testutil.At(5 * time.Hour),
			Session: testutil.Ptr(session), InvoiceCount: 1, ItemCount: 2, Turnover: testutil.Dec("9.00"),
			InvoicesData: []byte(`{"tickets": ["T-100"]}`),
			Agency:       id, UpdatedAt: testutil.At(5 * time.Hour),
		},
		func() snapshot.Record {
			m := testutil.StockMovement("mv-1", "RICE-5KG", id, testutil.At(3*time.Hour))
			m.SalesDocument = testutil.Ptr("T-100")
			m.Account = testutil.Ptr("E-1")
			return m
		}(),
	}
}

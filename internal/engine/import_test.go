package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agencysync/internal/identity"
	"github.com/roach88/agencysync/internal/query"
	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
	"github.com/roach88/agencysync/internal/testutil"
)

func productByRef(t *testing.T, n *node, ref string) map[string]any {
	t.Helper()
	rows := n.rows(t, "products", query.Equals{Field: "reference", Value: ref})
	require.Len(t, rows, 1, "product %s", ref)
	return rows[0]
}

// riceSnapshot is agency A's snapshot in the reference scenario.
func riceSnapshot() *snapshot.Snapshot {
	return testutil.NewSnapshot("snap-a",
		testutil.Agency(1, "A"),
		testutil.Family("GRAIN"),
		testutil.Product("RICE-5KG", 1, "GRAIN", "10.00"),
		testutil.SalesDocument("T-100", 1, testutil.At(3*time.Hour)),
		testutil.SalesLine("T-100", 1, "RICE-5KG", 1, testutil.At(3*time.Hour)),
		testutil.StockMovement("mv-1", "RICE-5KG", 1, testutil.At(3*time.Hour)),
	)
}

// nodeB holds agency B's own RICE-5KG with a stock of 7.00.
func nodeB(t *testing.T) *node {
	n := newNode(t, "b")
	n.seed(t,
		testutil.Agency(1, "A"),
		testutil.Agency(2, "B"),
		testutil.Family("GRAIN"),
		testutil.Product("RICE-5KG", 2, "GRAIN", "7.00"),
	)
	return n
}

func TestImport_IdempotentOnSourceStore(t *testing.T) {
	n := newNode(t, "a")
	n.seed(t, fullAgency(1, "Alpha")...)
	snap := wire(t, n.export(t, Scope{IncludeAccounts: true}))

	report := n.importSnapshot(t, snap, TargetScope{})

	totals := report.Totals()
	assert.Empty(t, report.Errors)
	assert.Zero(t, totals.Created)
	assert.Equal(t, snap.Len(), totals.Updated)
	assert.Equal(t, snap.Len(), totals.Unchanged)
}

func TestImport_IdempotentOnPeer(t *testing.T) {
	a := newNode(t, "a")
	a.seed(t, fullAgency(1, "Alpha")...)
	snap := a.export(t, Scope{IncludeAccounts: true})
	b := newNode(t, "b")

	first := b.importSnapshot(t, wire(t, snap), TargetScope{})
	second := b.importSnapshot(t, wire(t, snap), TargetScope{})

	assert.Empty(t, first.Errors)
	assert.Equal(t, snap.Len(), first.Totals().Created)
	assert.Empty(t, second.Errors)
	assert.Zero(t, second.Totals().Created)
	assert.Equal(t, snap.Len(), second.Totals().Unchanged)

	// B now exports exactly what A exported.
	again := b.export(t, Scope{IncludeAccounts: true})
	for _, c := range snap.Collections() {
		assert.Equal(t, keys(snap.Rows(c)), keys(again.Rows(c)), "collection %s", c)
	}
}

func TestImport_RICE5KGScenario(t *testing.T) {
	b := nodeB(t)

	report := b.importSnapshot(t, riceSnapshot(), TargetScope{})

	own := productByRef(t, b, "RICE-5KG")
	assert.Equal(t, "7.00", own["stock_balance"], "B's own balance is never touched")
	assert.Equal(t, int64(2), own["agency_id"])

	clone := productByRef(t, b, "RICE-5KG_A1")
	assert.Equal(t, "10.00", clone["stock_balance"])
	assert.Equal(t, int64(1), clone["agency_id"])
	assert.Equal(t, int64(1), clone["origin_agency_id"])
	assert.Equal(t, "RICE-5KG", clone["origin_reference"])

	lines := b.rows(t, "sales_lines", nil)
	require.Len(t, lines, 1)
	assert.Equal(t, clone["id"], lines[0]["product_id"], "lines follow the clone")

	require.Len(t, report.Notices, 1)
	assert.Equal(t, CodeNaturalKeyConflict, report.Notices[0].Code)
	assert.Equal(t, 1, report.Entities[snapshot.Products].Cloned)

	var buf bytes.Buffer
	require.NoError(t, report.WriteText(&buf))
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "import_report_rice", buf.Bytes())
}

func TestImport_CloneIsStableAcrossRuns(t *testing.T) {
	b := nodeB(t)
	b.importSnapshot(t, riceSnapshot(), TargetScope{})

	again := b.importSnapshot(t, riceSnapshot(), TargetScope{})

	assert.Empty(t, again.Notices)
	assert.Zero(t, again.Totals().Created)
	assert.Equal(t, 1, again.Entities[snapshot.Products].Unchanged)
	assert.Len(t, b.rows(t, "products", nil), 2)
	assert.Len(t, b.rows(t, "stock_movements", nil), 1)
}

func TestImport_TargetScopeRebindsRows(t *testing.T) {
	b := nodeB(t)

	report := b.importSnapshot(t, riceSnapshot(), TargetScope{Agency: testutil.Ptr(int64(2))})

	assert.Empty(t, report.Errors)
	clone := productByRef(t, b, "RICE-5KG_A1")
	assert.Equal(t, int64(2), clone["agency_id"])
	assert.Equal(t, "10.00", clone["stock_balance"])
	assert.Equal(t, "7.00", productByRef(t, b, "RICE-5KG")["stock_balance"])

	docs := b.rows(t, "sales_documents", nil)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(2), docs[0]["agency_id"])
	assert.Equal(t, int64(2), *report.TargetAgency)
}

func TestImport_UnknownTargetAgency(t *testing.T) {
	n := newNode(t, "a")

	report := n.importSnapshot(t, testutil.NewSnapshot("s",
		testutil.Family("GRAIN"),
		testutil.Product("RICE-5KG", 1, "GRAIN", "1.00"),
	), TargetScope{Agency: testutil.Ptr(int64(9))})

	require.Len(t, report.Errors, 1)
	assert.Equal(t, RowError{
		Collection: snapshot.Products,
		Key:        "RICE-5KG",
		Code:       CodeDanglingReference,
		Message:    `DANGLING_REFERENCE: products "RICE-5KG": agency references unknown agencies "9"`,
	}, report.Errors[0])
}

func TestImport_OwnerOverwritesStockBalance(t *testing.T) {
	n := newNode(t, "a")
	n.seed(t, testutil.Agency(1, "A"), testutil.Family("GRAIN"), testutil.Product("RICE-5KG", 1, "GRAIN", "10.00"))

	p := testutil.Product("RICE-5KG", 1, "GRAIN", "6.50")
	p.UpdatedAt = testutil.At(6 * time.Hour)
	report := n.importSnapshot(t, testutil.NewSnapshot("s", p), TargetScope{})

	assert.Equal(t, 1, report.Entities[snapshot.Products].Updated)
	assert.Zero(t, report.Entities[snapshot.Products].Unchanged)
	assert.Equal(t, "6.50", productByRef(t, n, "RICE-5KG")["stock_balance"])
}

func TestImport_CopiesNeverOverwriteTheOriginal(t *testing.T) {
	a := newNode(t, "a")
	a.seed(t,
		testutil.Agency(1, "A"),
		testutil.Agency(2, "B"),
		testutil.Family("GRAIN"),
		testutil.Product("RICE-5KG", 1, "GRAIN", "10.00"),
	)

	// B's copy of A's product travels back to A.
	copyOfA := testutil.Product("RICE-5KG_A1", 2, "GRAIN", "3.00")
	copyOfA.OriginAgency = 1
	copyOfA.OriginReference = "RICE-5KG"
	copyOfA.Designation = "edited on B"
	report := a.importSnapshot(t, testutil.NewSnapshot("s", copyOfA), TargetScope{Agency: testutil.Ptr(int64(1))})

	assert.Equal(t, 1, report.Entities[snapshot.Products].Unchanged)
	original := productByRef(t, a, "RICE-5KG")
	assert.Equal(t, "10.00", original["stock_balance"])
	assert.Equal(t, "RICE-5KG designation", original["designation"])
	assert.Len(t, a.rows(t, "products", nil), 1)
}

func TestImport_FaultIsolation(t *testing.T) {
	n := newNode(t, "a")
	snap := testutil.NewSnapshot("s",
		testutil.Agency(1, "A"),
		testutil.Family("GRAIN"),
		testutil.Product("RICE-5KG", 1, "GRAIN", "10.00"),
		testutil.SalesDocument("T-1", 1, testutil.At(time.Hour)),
		testutil.SalesLine("T-1", 1, "RICE-5KG", 1, testutil.At(time.Hour)),
		testutil.SalesLine("T-1", 2, "GHOST", 1, testutil.At(time.Hour)),
		testutil.SalesLine("T-1", 3, "RICE-5KG", 1, testutil.At(time.Hour)),
		testutil.SalesLine("T-404", 1, "RICE-5KG", 1, testutil.At(time.Hour)),
		testutil.StockMovement("mv-1", "RICE-5KG", 1, testutil.At(time.Hour)),
	)

	report := n.importSnapshot(t, snap, TargetScope{})

	require.Len(t, report.Errors, 2)
	assert.Equal(t, "T-1#2", report.Errors[0].Key)
	assert.Equal(t, CodeDanglingReference, report.Errors[0].Code)
	assert.Contains(t, report.Errors[0].Message, `product references unknown products "GHOST"`)
	assert.Equal(t, "T-404#1", report.Errors[1].Key)
	assert.Contains(t, report.Errors[1].Message, `document references unknown sales_documents "T-404"`)

	assert.Equal(t, EntityCounts{Created: 2, Failed: 2}, *report.Entities[snapshot.SalesLines])
	assert.Len(t, n.rows(t, "sales_lines", nil), 2, "the failing rows are never partially created")
	assert.Len(t, n.rows(t, "stock_movements", nil), 1, "later collections still merge")
	assert.Contains(t, report.Committed, snapshot.StockMovements)
	assert.False(t, report.OK())
}

func TestImport_StockMovementsAreAppendOnly(t *testing.T) {
	n := newNode(t, "a")
	n.seed(t, testutil.Agency(1, "A"), testutil.Family("GRAIN"), testutil.Product("RICE-5KG", 1, "GRAIN", "10.00"))
	mv := testutil.StockMovement("mv-1", "RICE-5KG", 1, testutil.At(time.Hour))
	n.importSnapshot(t, testutil.NewSnapshot("s1", mv), TargetScope{})

	edited := testutil.StockMovement("mv-1", "RICE-5KG", 1, testutil.At(2*time.Hour))
	edited.Balance = testutil.Dec("999.00")
	report := n.importSnapshot(t, testutil.NewSnapshot("s2", edited), TargetScope{})

	assert.Equal(t, EntityCounts{Updated: 1, Unchanged: 1}, *report.Entities[snapshot.StockMovements])
	rows := n.rows(t, "stock_movements", nil)
	require.Len(t, rows, 1)
	assert.Equal(t, "8.00", rows[0]["balance"])
}

func TestImport_DecodeProblemsAreRowErrors(t *testing.T) {
	report := newNode(t, "b").importSnapshot(t, brokenProduct(t), TargetScope{})

	codes := make([]string, len(report.Errors))
	for i, e := range report.Errors {
		codes[i] = string(e.Collection) + "/" + e.Key + "/" + string(e.Code)
	}
	assert.Equal(t, []string{
		"products/RICE-5KG/SERIALIZATION",
		"sales_lines/T-100#1/DANGLING_REFERENCE",
		"stock_movements/mv-1/DANGLING_REFERENCE",
	}, codes)
	assert.Equal(t, 1, report.Entities[snapshot.SalesDocuments].Created)
}

// brokenProduct returns riceSnapshot on the wire with the RICE-5KG row made
// undecodable.
func brokenProduct(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	data, err := snapshot.Encode(riceSnapshot())
	require.NoError(t, err)
	broken := strings.Replace(string(data), `"stock_balance": "10.00"`, `"stock_balance": 10.00`, 1)
	snap, err := snapshot.Decode([]byte(broken))
	require.NoError(t, err)
	require.Len(t, snap.Problems, 1)
	return snap
}

func TestImport_FailedProductNeverBindsToAnotherAgency(t *testing.T) {
	tests := []struct {
		name   string
		target TargetScope
	}{
		{"no target", TargetScope{}},
		{"rebound to the owner of the same reference", TargetScope{Agency: testutil.Ptr(int64(2))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := nodeB(t)

			report := b.importSnapshot(t, brokenProduct(t), tt.target)

			codes := make([]string, len(report.Errors))
			for i, e := range report.Errors {
				codes[i] = string(e.Collection) + "/" + e.Key + "/" + string(e.Code)
			}
			assert.Equal(t, []string{
				"products/RICE-5KG/SERIALIZATION",
				"sales_lines/T-100#1/DANGLING_REFERENCE",
				"stock_movements/mv-1/DANGLING_REFERENCE",
			}, codes)
			assert.Empty(t, b.rows(t, "sales_lines", nil))
			assert.Empty(t, b.rows(t, "stock_movements", nil))
			assert.Equal(t, "7.00", productByRef(t, b, "RICE-5KG")["stock_balance"])
		})
	}
}

func TestImport_UncarriedProductResolvesByOrigin(t *testing.T) {
	b := nodeB(t)
	b.importSnapshot(t, riceSnapshot(), TargetScope{})
	clone := productByRef(t, b, "RICE-5KG_A1")

	// A later ticket arrives without its unchanged product.
	later := testutil.NewSnapshot("snap-a2",
		testutil.SalesDocument("T-101", 1, testutil.At(5*time.Hour)),
		testutil.SalesLine("T-101", 1, "RICE-5KG", 1, testutil.At(5*time.Hour)),
	)
	report := b.importSnapshot(t, later, TargetScope{})

	assert.Empty(t, report.Errors)
	lines := b.rows(t, "sales_lines", query.Equals{Field: "line_no", Value: 1})
	require.Len(t, lines, 2)
	for _, l := range lines {
		assert.Equal(t, clone["id"], l["product_id"], "never B's own RICE-5KG")
	}
}

func TestImport_PriceTierProductNeedsSourceAgency(t *testing.T) {
	b := nodeB(t)
	b.importSnapshot(t, riceSnapshot(), TargetScope{})
	clone := productByRef(t, b, "RICE-5KG_A1")
	tier := func() *snapshot.PriceTier {
		return &snapshot.PriceTier{Product: "RICE-5KG", Label: "wholesale", Price: testutil.Dec("4.10"), UpdatedAt: testutil.At(6 * time.Hour)}
	}

	unscoped := b.importSnapshot(t, testutil.NewSnapshot("tiers", tier()), TargetScope{})
	require.Len(t, unscoped.Errors, 1)
	assert.Equal(t, CodeDanglingReference, unscoped.Errors[0].Code)

	scoped := testutil.NewSnapshot("tiers-a", tier())
	scoped.SourceAgency = testutil.Ptr(int64(1))
	report := b.importSnapshot(t, scoped, TargetScope{})
	assert.Empty(t, report.Errors)
	tiers := b.rows(t, "price_tiers", nil)
	require.Len(t, tiers, 1)
	assert.Equal(t, clone["id"], tiers[0]["product_id"])
}

func TestImport_MissingStockBalanceKeepsStoredRow(t *testing.T) {
	a := newNode(t, "a")
	a.seed(t, testutil.Agency(1, "A"), testutil.Family("GRAIN"), testutil.Product("RICE-5KG", 1, "GRAIN", "10.00"))
	before := productByRef(t, a, "RICE-5KG")

	data, err := snapshot.Encode(testutil.NewSnapshot("partial", testutil.Product("RICE-5KG", 1, "GRAIN", "10.00")))
	require.NoError(t, err)
	partial := regexp.MustCompile(`\s*"stock_balance": "10.00",`).ReplaceAllString(string(data), "")
	snap, err := snapshot.Decode([]byte(partial))
	require.NoError(t, err)

	report := a.importSnapshot(t, snap, TargetScope{})

	require.Len(t, report.Errors, 1)
	assert.Equal(t, CodeSerialization, report.Errors[0].Code)
	assert.Equal(t, "RICE-5KG", report.Errors[0].Key)
	assert.Equal(t, EntityCounts{Failed: 1}, *report.Entities[snapshot.Products])
	after := productByRef(t, a, "RICE-5KG")
	assert.Equal(t, "10.00", after["stock_balance"])
	assert.Equal(t, before["updated_at"], after["updated_at"])
}

func TestImport_ClosedStoreIsDataAccessError(t *testing.T) {
	n := newNode(t, "a")
	require.NoError(t, n.store.Close())

	report, err := n.importer.Import(context.Background(), riceSnapshot(), TargetScope{})

	require.Error(t, err)
	assert.True(t, IsDataAccess(err))
	require.NotNil(t, report)
	assert.Empty(t, report.Committed)
}

func TestImport_CanceledBeforeStart(t *testing.T) {
	n := newNode(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := n.importer.Import(ctx, riceSnapshot(), TargetScope{})

	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Committed)
	assert.Empty(t, n.rows(t, "agencies", nil))
}

func TestImport_WithoutAccountsKeepsLinks(t *testing.T) {
	n := newNode(t, "a")
	n.seed(t, fullAgency(1, "Alpha")...)

	report := n.importSnapshot(t, wire(t, n.export(t, Scope{})), TargetScope{})

	assert.Empty(t, report.Errors)
	assert.Zero(t, report.Totals().Created)
	sessions := n.rows(t, "till_sessions", nil)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0]["account_id"])
	assert.Equal(t, 1, report.Entities[snapshot.TillSessions].Unchanged)
}

func TestImport_BacksUpBeforeRun(t *testing.T) {
	n := newNode(t, "a")
	dir := filepath.Join(t.TempDir(), "backups")
	im := NewImporter(n.store, ImporterOptions{
		Clock:     n.clock,
		IDs:       NewFixedGenerator("run-1"),
		BackupDir: dir,
	})

	_, err := im.Import(context.Background(), riceSnapshot(), TargetScope{})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "20240303T080000Z-run-1.db", entries[0].Name())
}

func TestImport_TransfersResolveBothAgencies(t *testing.T) {
	a := newNode(t, "a")
	a.seed(t,
		testutil.Agency(1, "A"),
		testutil.Agency(2, "B"),
		testutil.Family("GRAIN"),
		testutil.Account("E-1", 1),
		testutil.Account("E-9", 2),
		testutil.Product("RICE-5KG", 1, "GRAIN", "10.00"),
		&snapshot.TransferDocument{
			Reference: "TR-1", TransferredAt: testutil.At(time.Hour), Agency: 1,
			SourceAgency: 1, DestinationAgency: 2,
			Sender: testutil.Ptr("E-1"), Receiver: testutil.Ptr("E-9"),
			UpdatedAt: testutil.At(time.Hour),
		},
		&snapshot.TransferLine{
			Document: "TR-1", LineNo: 1, Product: "RICE-5KG",
			Quantity: testutil.Dec("2"), UnitPrice: testutil.Dec("3.10"), TotalValue: testutil.Dec("6.20"),
			Agency: 1, UpdatedAt: testutil.At(time.Hour),
		},
	)

	b := newNode(t, "b")
	report := b.importSnapshot(t, wire(t, a.export(t, Scope{IncludeAccounts: true})), TargetScope{})

	assert.Empty(t, report.Errors)
	docs := b.rows(t, "transfer_documents", nil)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(1), docs[0]["source_agency_id"])
	assert.Equal(t, int64(2), docs[0]["destination_agency_id"])
	assert.NotNil(t, docs[0]["receiver_id"])
	assert.Len(t, b.rows(t, "transfer_lines", nil), 1)
}

func TestImport_MatchingFollowsPolicyKey(t *testing.T) {
	src, err := os.ReadFile("../identity/policy.cue")
	require.NoError(t, err)
	byName := strings.Replace(string(src), `key: ["kind", "name"]`, `key: ["name"]`, 1)
	require.NotEqual(t, string(src), byName)
	table, err := identity.Load(byName)
	require.NoError(t, err)

	n := newNode(t, "a")
	n.seed(t, testutil.Agency(1, "A"), testutil.Partner(snapshot.PartnerClient, "Mills", 1))
	n.importer = NewImporter(n.store, ImporterOptions{
		Clock:    n.clock,
		IDs:      testutil.NewSequenceGenerator("custom"),
		Policies: table,
	})

	supplier := testutil.Partner(snapshot.PartnerSupplier, "Mills", 1)
	supplier.UpdatedAt = testutil.At(time.Hour)
	report := n.importSnapshot(t, testutil.NewSnapshot("s", supplier), TargetScope{})

	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.Entities[snapshot.Partners].Updated)
	partners := n.rows(t, "partners", nil)
	require.Len(t, partners, 1)
	assert.Equal(t, snapshot.PartnerSupplier, partners[0]["kind"])
}

func TestMatchRow(t *testing.T) {
	table := identity.Default()
	tests := []struct {
		collection snapshot.Collection
		values     store.Row
		want       store.Row
	}{
		{snapshot.Agencies, store.Row{"id": int64(1), "name": "A"}, store.Row{"id": int64(1)}},
		{snapshot.Families, store.Row{"code": "GRAIN", "label": "g"}, store.Row{"code": "GRAIN"}},
		{
			snapshot.Partners,
			store.Row{"kind": "client", "name": "Mills", "agency_id": int64(2), "phone": ""},
			store.Row{"kind": "client", "name": "Mills", "agency_id": int64(2)},
		},
		{
			snapshot.TillSessions,
			store.Row{"till_id": int64(4), "opened_at": "t", "agency_id": int64(2), "status": "open"},
			store.Row{"till_id": int64(4), "opened_at": "t", "agency_id": int64(2)},
		},
		{
			snapshot.SalesLines,
			store.Row{"document_id": int64(9), "line_no": int64(1), "agency_id": int64(2)},
			store.Row{"document_id": int64(9), "line_no": int64(1)},
		},
		{
			snapshot.PriceTiers,
			store.Row{"product_id": int64(3), "label": "wholesale", "price": "4.10"},
			store.Row{"product_id": int64(3), "label": "wholesale"},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.collection), func(t *testing.T) {
			p, ok := table.Policy(tt.collection)
			require.True(t, ok)
			got, err := matchRow(p, tt.values)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	p, _ := table.Policy(snapshot.Accounts)
	_, err := matchRow(p, store.Row{"number": "E-1"})
	assert.ErrorContains(t, err, "agency scope")
}

func TestImport_StoreFailureKeepsEarlierCollections(t *testing.T) {
	b := newNode(t, "b")
	_, err := b.store.DB().Exec(`DROP TABLE stock_movements`)
	require.NoError(t, err)

	report, err := b.importer.Import(context.Background(), riceSnapshot(), TargetScope{})

	require.Error(t, err)
	var dae *DataAccessError
	require.ErrorAs(t, err, &dae)
	assert.Equal(t, snapshot.StockMovements, dae.Collection)
	assert.Equal(t, []snapshot.Collection{
		snapshot.Families, snapshot.Agencies, snapshot.Products, snapshot.SalesDocuments, snapshot.SalesLines,
	}, report.Committed)
	assert.Len(t, b.rows(t, "products", nil), 1)
	assert.Len(t, b.rows(t, "sales_lines", nil), 1)
	assert.Nil(t, report.Entities[snapshot.StockMovements], "nothing of the failed collection is reported")
}

// cancelAfter reports cancellation once Err has been asked n times.
type cancelAfter struct {
	context.Context
	n int
}

func (c *cancelAfter) Err() error {
	if c.n <= 0 {
		return context.Canceled
	}
	c.n--
	return nil
}

func TestImport_CancelMidCollectionRollsItBack(t *testing.T) {
	recs := []snapshot.Record{testutil.Agency(1, "A"), testutil.Family("GRAIN")}
	for i := range 20 {
		recs = append(recs, testutil.SalesDocument(fmt.Sprintf("T-%03d", i), 1, testutil.At(time.Hour)))
	}
	n := newNode(t, "a")

	// families and agencies use two checks each; the tickets start at the fifth.
	ctx := &cancelAfter{Context: context.Background(), n: 10}
	report, err := n.importer.Import(ctx, testutil.NewSnapshot("s", recs...), TargetScope{})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []snapshot.Collection{snapshot.Families, snapshot.Agencies}, report.Committed)
	assert.Empty(t, n.rows(t, "sales_documents", nil))
	assert.Len(t, n.rows(t, "agencies", nil), 1)
	assert.Nil(t, report.Entities[snapshot.SalesDocuments])
}

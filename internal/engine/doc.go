// Package engine exports agency data as snapshots and merges snapshots back
// into a local store.
//
// ARCHITECTURE
//
// The Exporter reads one consistent view of the store and produces a
// snapshot.Snapshot whose collections follow the dependency order of the
// identity policy table. Foreign keys are written as portable natural keys.
//
// The Importer walks the same order. Every collection runs in its own
// transaction and every row in its own savepoint:
//
//	for each collection in policy order:
//	    BEGIN
//	    for each row:
//	        SAVEPOINT
//	        map foreign keys   (run arena, then store lookup)
//	        apply strategy     (identity.Policy decides sameness)
//	        RELEASE | ROLLBACK TO
//	    COMMIT, merge staged arena entries
//
// A failing row is rolled back to its savepoint and recorded in the
// ImportReport; the remaining rows of the collection still commit. Only
// store failures (DataAccessError) abort the run.
//
// CRITICAL PATTERNS
//
// CP-1: Identity decisions come from the policy table. Entity mappers only
// translate records into columns; the strategy functions in strategy.go
// decide between update, create and clone.
//
// CP-2: Export captures its timestamp before reading. Transactional
// collections are bounded by [since, captured_at), so exports chained on
// successive watermarks neither overlap nor leave gaps.
//
// CP-3: Stock movements are append-only. A movement that already exists is
// left untouched and reported as unchanged.
//
// CP-4: Stock balances belong to the product's owning scope. Importing a
// product into another scope never overwrites that scope's balance of an
// existing row.
package engine

// Package harness runs merge scenarios between simulated nodes.
//
// A scenario declares a few nodes, each with its own in-memory store, and a
// list of steps that seed local data, export snapshots, import them
// elsewhere and move the shared clock. Import steps can state what their
// report must contain; assertions at the end check the final rows.
//
// # Scenario Format
//
//	name: rice_5kg_clone
//	description: "What this scenario validates"
//	nodes: [a, b]
//	steps:
//	  - seed:
//	      node: a
//	      rows:
//	        agencies:
//	          - {id: 1, name: A}
//	        products:
//	          - {reference: RICE-5KG, family: GRAIN, stock_balance: "10.00", agency: 1}
//	  - advance: 24h
//	  - export: {node: a, as: snap-a}
//	  - import: {node: b, snapshot: snap-a}
//	    expect:
//	      totals: {created: 4, failed: 0}
//	      collections:
//	        products: {cloned: 1}
//	      notices:
//	        - {collection: products, key: RICE-5KG, code: NATURAL_KEY_CONFLICT}
//	assertions:
//	  - type: final_state
//	    node: b
//	    table: products
//	    where: {reference: RICE-5KG_A1}
//	    expect: {stock_balance: "10.00"}
//	  - type: row_count
//	    node: b
//	    table: sales_lines
//	    count: 1
//
// Seed rows use the snapshot wire form. Decimals must be quoted strings.
// A row without updated_at gets the scenario clock's current instant.
//
// # Step Types
//
//   - seed: imports rows into a node as its own data; must merge cleanly
//   - export: exports a node's store under a scenario-local name
//   - import: merges a named snapshot into a node, optionally checking its report
//   - advance: moves the shared clock forward by a duration
//
// # Assertion Types
//
//   - final_state: exactly one row matches where; expected columns are compared
//   - row_count: the number of rows matching where
//
// # Deterministic Testing
//
// The clock only moves on advance steps. Snapshot ids are
// "snap-<node>-NNNN" and run ids "run-<node>-NNNN", so import reports can be
// compared against golden files.
package harness

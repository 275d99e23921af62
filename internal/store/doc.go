// Package store is the SQLite-backed local database of one agency node.
//
// It holds the business tables a snapshot is exported from and merged into,
// the per-peer sync watermarks, and one export view per collection that
// replaces local foreign keys by portable keys.
//
// # Conventions
//
//   - Decimals are TEXT in canonical fixed-point form; instants are TEXT in
//     snapshot.StoreLayout, so lexical order equals chronological order.
//   - Every read orders by the surrogate id last; "first match" always means
//     lowest id.
//   - Writes happen inside a Tx. The importer opens one Tx per collection and
//     wraps each row in a savepoint (Tx.Row), so one bad row rolls back alone.
//   - stock_movements is append-only; triggers reject UPDATE and DELETE.
//
// # Database Configuration
//
// Set per connection through the DSN:
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//   - _txlock=immediate: transactions take the write lock at BEGIN
package store

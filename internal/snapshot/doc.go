// Package snapshot defines the portable wire format exchanged between agency
// databases.
//
// A Snapshot is an immutable bundle of typed entity rows captured at one
// instant. Every foreign key inside a row is a portable key (business code,
// scoped name or shared agency id), never a node-local surrogate id.
//
// Key constraints:
//   - Decimals travel as canonical fixed-point strings (see Decimal)
//   - Instants travel as RFC 3339 strings in UTC (see Timestamp)
//   - Rows are decoded one at a time; a row that fails validation becomes a
//     Problem carrying a SerializationError instead of failing the document
//   - This package imports nothing internal
package snapshot

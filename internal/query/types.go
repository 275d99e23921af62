// Package query is a small filter IR for export reads and its SQLite backend.
//
// The exporter describes which rows it wants (scope and time window) as a
// Select with a predicate tree; Compile turns it into parameterized SQL.
// Values are never interpolated, identifiers are validated, and every
// statement carries an ORDER BY ending in the surrogate id so results are
// deterministic.
//
// Predicate is sealed: only types in this package implement it, so backends
// can switch exhaustively.
package query

// Predicate is a filter condition.
type Predicate interface {
	predicateNode()
}

// Select reads Columns from a table or view.
//
//	SELECT <columns> FROM <from> WHERE <filter> ORDER BY <order_by...>, id
type Select struct {
	From    string
	Columns []string  // empty selects every column
	Filter  Predicate // nil = no filter
	OrderBy []string  // id is always appended as the final tie-breaker
}

// Equals is field = value.
type Equals struct {
	Field string
	Value any
}

func (Equals) predicateNode() {}

// AtLeast is field >= value (inclusive lower bound).
type AtLeast struct {
	Field string
	Value any
}

func (AtLeast) predicateNode() {}

// Before is field < value (exclusive upper bound).
type Before struct {
	Field string
	Value any
}

func (Before) predicateNode() {}

// And holds when every predicate holds. Empty is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or holds when any predicate holds. Empty is always false.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Window restricts field to [from, to). A nil bound is open.
func Window(field string, from, to any) Predicate {
	var preds []Predicate
	if from != nil {
		preds = append(preds, AtLeast{Field: field, Value: from})
	}
	if to != nil {
		preds = append(preds, Before{Field: field, Value: to})
	}
	return And{Predicates: preds}
}

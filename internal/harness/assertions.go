package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/agencysync/internal/engine"
	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Node     string
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s on %s\n", e.Type, e.Node)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	return buf.String()
}

// EvaluateAssertions evaluates all assertions against the node stores.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(ctx context.Context, assertions []Assertion, stores map[string]*store.Store) []string {
	var errors []string

	for i, assertion := range assertions {
		st, ok := stores[assertion.Node]
		if !ok {
			errors = append(errors, fmt.Sprintf("assertion[%d]: unknown node %q", i, assertion.Node))
			continue
		}

		var err error
		switch assertion.Type {
		case AssertFinalState:
			err = assertFinalState(ctx, st, assertion)
		case AssertRowCount:
			err = assertRowCount(ctx, st, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}
		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

// queryRows runs SELECT * FROM table WHERE ... with parameterized values.
func queryRows(ctx context.Context, st *store.Store, table string, where map[string]any) ([]map[string]any, []string, error) {
	// Identifiers can't be parameterized
	if !validIdentifier.MatchString(table) {
		return nil, nil, fmt.Errorf("invalid table name %q: must match pattern %s", table, validIdentifier.String())
	}
	whereSQL, whereArgs, err := buildWhereClause(where)
	if err != nil {
		return nil, nil, err
	}
	query := fmt.Sprintf("SELECT * FROM %s", table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.DB().QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("get columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, columns, rows.Err()
}

// assertFinalState checks that exactly one row matches and that it holds the
// expected values (subset semantics).
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	rows, columns, err := queryRows(ctx, st, assertion.Table, assertion.Where)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Node:     assertion.Node,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	whereDesc := formatWhereClause(assertion.Where)
	switch len(rows) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Node:     assertion.Node,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, whereDesc),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Node:     assertion.Node,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, whereDesc),
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", len(rows)),
		}
	}

	actualRow := rows[0]
	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Node:     assertion.Node,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Node:     assertion.Node,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// assertRowCount checks the number of rows matching the where clause.
func assertRowCount(ctx context.Context, st *store.Store, assertion Assertion) error {
	rows, _, err := queryRows(ctx, st, assertion.Table, assertion.Where)
	if err != nil {
		return &AssertionError{
			Type:     AssertRowCount,
			Node:     assertion.Node,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	if len(rows) != *assertion.Count {
		return &AssertionError{
			Type:     AssertRowCount,
			Node:     assertion.Node,
			Expected: fmt.Sprintf("%d rows in %s where %s", *assertion.Count, assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   fmt.Sprintf("%d rows", len(rows)),
		}
	}
	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
//
// Security: Column names are validated against a whitelist pattern to prevent
// SQL injection via identifier interpolation.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		if where[key] == nil {
			clauses = append(clauses, fmt.Sprintf("%s IS NULL", key))
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML value to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, bool:
		return val
	case float64:
		if val == float64(int64(val)) {
			return int64(val)
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares expected and actual values from state tables.
// Handles type coercion for SQLite values which may be returned as different types.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil && actual == nil {
		return true
	}
	if expected == nil || actual == nil {
		return false
	}

	switch exp := expected.(type) {
	case string:
		if actualStr, ok := actual.(string); ok {
			return exp == actualStr
		}
		return false
	case int:
		if actualInt, ok := actual.(int64); ok {
			return int64(exp) == actualInt
		}
		if actualInt, ok := actual.(int); ok {
			return exp == actualInt
		}
		return false
	case int64:
		if actualInt, ok := actual.(int64); ok {
			return exp == actualInt
		}
		return false
	case bool:
		if actualBool, ok := actual.(bool); ok {
			return exp == actualBool
		}
		// SQLite stores booleans as integers
		if actualInt, ok := actual.(int64); ok {
			return exp == (actualInt != 0)
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

// CheckReport matches an import report against an expectation and returns
// one message per mismatch.
func CheckReport(report *engine.ImportReport, expect ImportExpect) []string {
	var msgs []string

	if expect.Totals != nil {
		msgs = append(msgs, compareCounts("totals", *expect.Totals, report.Totals())...)
	}

	names := make([]string, 0, len(expect.Collections))
	for c := range expect.Collections {
		names = append(names, c)
	}
	sort.Strings(names)
	for _, c := range names {
		var actual engine.EntityCounts
		if ec, ok := report.Entities[snapshot.Collection(c)]; ok {
			actual = *ec
		}
		msgs = append(msgs, compareCounts(c, expect.Collections[c], actual)...)
	}

	if expect.Errors != nil {
		actual := make([]ExpectedEvent, len(report.Errors))
		for i, e := range report.Errors {
			actual[i] = ExpectedEvent{Collection: string(e.Collection), Key: e.Key, Code: string(e.Code)}
		}
		msgs = append(msgs, compareEvents("errors", expect.Errors, actual)...)
	}
	if expect.Notices != nil {
		actual := make([]ExpectedEvent, len(report.Notices))
		for i, n := range report.Notices {
			actual[i] = ExpectedEvent{Collection: string(n.Collection), Key: n.Key, Code: string(n.Code)}
		}
		msgs = append(msgs, compareEvents("notices", expect.Notices, actual)...)
	}
	return msgs
}

func compareCounts(scope string, want Counts, got engine.EntityCounts) []string {
	var msgs []string
	check := func(name string, w *int, g int) {
		if w != nil && *w != g {
			msgs = append(msgs, fmt.Sprintf("%s.%s: expected %d, got %d", scope, name, *w, g))
		}
	}
	check("created", want.Created, got.Created)
	check("updated", want.Updated, got.Updated)
	check("unchanged", want.Unchanged, got.Unchanged)
	check("cloned", want.Cloned, got.Cloned)
	check("failed", want.Failed, got.Failed)
	return msgs
}

func compareEvents(kind string, want, got []ExpectedEvent) []string {
	if len(want) != len(got) {
		return []string{fmt.Sprintf("%s: expected %d, got %d %v", kind, len(want), len(got), got)}
	}
	var msgs []string
	for i := range want {
		if !eventMatches(want[i], got[i]) {
			msgs = append(msgs, fmt.Sprintf("%s[%d]: expected %+v, got %+v", kind, i, want[i], got[i]))
		}
	}
	return msgs
}

func eventMatches(want, got ExpectedEvent) bool {
	return (want.Collection == "" || want.Collection == got.Collection) &&
		(want.Key == "" || want.Key == got.Key) &&
		(want.Code == "" || want.Code == got.Code)
}

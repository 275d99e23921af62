package query

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// InvalidIdentifierError is returned by Compile when a table or column name
// is not a plain lower-case SQL identifier.
type InvalidIdentifierError struct {
	Name string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid identifier %q", e.Name)
}

// Compile converts a Select to parameterized SQLite.
func Compile(q Select) (string, []any, error) {
	if err := checkIdent(q.From); err != nil {
		return "", nil, err
	}

	cols := "*"
	if len(q.Columns) > 0 {
		for _, c := range q.Columns {
			if err := checkIdent(c); err != nil {
				return "", nil, err
			}
		}
		cols = strings.Join(q.Columns, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, q.From)

	var params []any
	if q.Filter != nil {
		where, p, err := compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
		params = p
	}

	order, err := orderBy(q.OrderBy)
	if err != nil {
		return "", nil, err
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(order)
	return b.String(), params, nil
}

// orderBy always ends with the surrogate id so ties never fall back to
// storage order.
func orderBy(cols []string) (string, error) {
	parts := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		if err := checkIdent(c); err != nil {
			return "", err
		}
		parts = append(parts, c+" ASC")
	}
	if !slices.Contains(cols, "id") {
		parts = append(parts, "id ASC")
	}
	return strings.Join(parts, ", "), nil
}

func compilePredicate(p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case Equals:
		return compareOp(pred.Field, "=", pred.Value)
	case *Equals:
		return compareOp(pred.Field, "=", pred.Value)
	case AtLeast:
		return compareOp(pred.Field, ">=", pred.Value)
	case *AtLeast:
		return compareOp(pred.Field, ">=", pred.Value)
	case Before:
		return compareOp(pred.Field, "<", pred.Value)
	case *Before:
		return compareOp(pred.Field, "<", pred.Value)
	case And:
		return compileJunction(pred.Predicates, " AND ", "1 = 1")
	case *And:
		return compileJunction(pred.Predicates, " AND ", "1 = 1")
	case Or:
		return compileJunction(pred.Predicates, " OR ", "1 = 0")
	case *Or:
		return compileJunction(pred.Predicates, " OR ", "1 = 0")
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compareOp(field, op string, value any) (string, []any, error) {
	if err := checkIdent(field); err != nil {
		return "", nil, err
	}
	param, err := toParam(value)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", field, err)
	}
	if param == nil {
		if op != "=" {
			return "", nil, fmt.Errorf("%s: NULL only supports equality", field)
		}
		return field + " IS NULL", nil, nil
	}
	return fmt.Sprintf("%s %s ?", field, op), []any{param}, nil
}

func compileJunction(preds []Predicate, sep, empty string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}
	parts := make([]string, 0, len(preds))
	var params []any
	for _, p := range preds {
		sql, ps, err := compilePredicate(p)
		if err != nil {
			return "", nil, err
		}
		if len(preds) > 1 && isJunction(p) {
			sql = "(" + sql + ")"
		}
		parts = append(parts, sql)
		params = append(params, ps...)
	}
	return strings.Join(parts, sep), params, nil
}

func isJunction(p Predicate) bool {
	switch p.(type) {
	case And, *And, Or, *Or:
		return true
	}
	return false
}

// toParam restricts parameters to types with exact SQLite storage.
// Floats are rejected: every fractional value is a fixed-point string.
func toParam(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string, int64, bool:
		return val, nil
	case int:
		return int64(val), nil
	case float32, float64:
		return nil, fmt.Errorf("floats cannot be used as parameters: %v", val)
	default:
		return nil, fmt.Errorf("unsupported parameter type %T", v)
	}
}

func checkIdent(name string) error {
	if !identifier.MatchString(name) {
		return &InvalidIdentifierError{Name: name}
	}
	return nil
}

// ValidIdentifier reports whether name is safe to splice into SQL as a table
// or column name.
func ValidIdentifier(name string) bool {
	return identifier.MatchString(name)
}

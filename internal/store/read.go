package store

import (
	"context"
	"fmt"

	"github.com/roach88/agencysync/internal/query"
)

// Select runs a compiled query inside the transaction and returns every row.
// Results follow the query's ORDER BY, which always ends with the id.
func (t *Tx) Select(ctx context.Context, q query.Select) ([]Row, error) {
	stmt, args, err := query.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.From, err)
	}
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.From, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.From, err)
	}

	out := []Row{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.From, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", q.From, err)
	}
	return out, nil
}

// normalize maps driver values to the Row value set.
func normalize(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case int:
		return int64(val)
	default:
		return val
	}
}

// ColumnError reports a column whose stored value has an unexpected type.
type ColumnError struct {
	Column string
	Value  any
	Want   string
}

func (e *ColumnError) Error() string {
	return fmt.Sprintf("column %q: want %s, got %T", e.Column, e.Want, e.Value)
}

// String returns a TEXT column; NULL reads as "".
func (r Row) String(col string) (string, error) {
	switch v := r[col].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", &ColumnError{Column: col, Value: v, Want: "text"}
	}
}

// NullString returns a nullable TEXT column.
func (r Row) NullString(col string) (*string, error) {
	if r[col] == nil {
		return nil, nil
	}
	s, err := r.String(col)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Int64 returns an INTEGER column; NULL reads as 0.
func (r Row) Int64(col string) (int64, error) {
	switch v := r[col].(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	default:
		return 0, &ColumnError{Column: col, Value: v, Want: "integer"}
	}
}

// Bool returns an INTEGER 0/1 column.
func (r Row) Bool(col string) (bool, error) {
	switch v := r[col].(type) {
	case bool:
		return v, nil
	default:
		n, err := r.Int64(col)
		return n != 0, err
	}
}

// CountRows returns the number of rows in table.
func (s *Store) CountRows(ctx context.Context, table string) (int, error) {
	if !query.ValidIdentifier(table) {
		return 0, fmt.Errorf("count %s: %w", table, &query.InvalidIdentifierError{Name: table})
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

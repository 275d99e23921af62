package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/agencysync/internal/query"
)

// Row is a set of column values. Values are int64, string, bool, nil or
// []byte; absent columns are left to their defaults on insert.
type Row map[string]any

// columns returns the row's column names in sorted order so generated SQL is
// stable.
func (r Row) columns() ([]string, error) {
	cols := make([]string, 0, len(r))
	for c := range r {
		if !query.ValidIdentifier(c) {
			return nil, &query.InvalidIdentifierError{Name: c}
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols, nil
}

// Tx is a write transaction. Row-level work runs inside Row, which wraps it
// in a savepoint.
type Tx struct {
	tx        *sql.Tx
	savepoint int
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. It is a no-op after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// Row runs fn inside a savepoint. If fn fails, only its writes are undone and
// the transaction stays usable; fn's error is returned unchanged.
func (t *Tx) Row(ctx context.Context, fn func() error) error {
	t.savepoint++
	name := fmt.Sprintf("row_%d", t.savepoint)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("rollback to savepoint: %w (after %v)", rbErr, err)
		}
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return fmt.Errorf("release savepoint: %w (after %v)", relErr, err)
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// FindID returns the lowest id of the rows of table matching every column of
// where. A nil value matches NULL.
func (t *Tx) FindID(ctx context.Context, table string, where Row) (int64, bool, error) {
	q, args, err := compileLookup(table, []string{"id"}, where)
	if err != nil {
		return 0, false, err
	}
	var id int64
	err = t.tx.QueryRowContext(ctx, q+" LIMIT 1", args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find %s: %w", table, err)
	}
	return id, true, nil
}

// Exists reports whether any row of table matches where.
func (t *Tx) Exists(ctx context.Context, table string, where Row) (bool, error) {
	_, ok, err := t.FindID(ctx, table, where)
	return ok, err
}

// Get reads the given columns of one row by id.
func (t *Tx) Get(ctx context.Context, table string, id int64, cols ...string) (Row, error) {
	rows, err := t.Select(ctx, query.Select{
		From:    table,
		Columns: cols,
		Filter:  query.Equals{Field: "id", Value: id},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("get %s %d: %w", table, id, sql.ErrNoRows)
	}
	return rows[0], nil
}

// Insert adds a row and returns its id.
func (t *Tx) Insert(ctx context.Context, table string, row Row) (int64, error) {
	q, args, err := insertSQL(table, row, "")
	if err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	return id, nil
}

// InsertIgnore adds a row unless it conflicts with a uniqueness constraint.
// It reports whether a row was inserted. Other constraint failures (NOT NULL,
// FOREIGN KEY) are still errors.
func (t *Tx) InsertIgnore(ctx context.Context, table string, row Row) (bool, error) {
	q, args, err := insertSQL(table, row, " ON CONFLICT DO NOTHING")
	if err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", table, err)
	}
	return n > 0, nil
}

// Update writes row into the row with the given id and reports whether any
// value actually changed. A row whose stored values already equal row is
// left untouched.
func (t *Tx) Update(ctx context.Context, table string, id int64, row Row) (bool, error) {
	if !query.ValidIdentifier(table) {
		return false, &query.InvalidIdentifierError{Name: table}
	}
	cols, err := row.columns()
	if err != nil {
		return false, err
	}
	if len(cols) == 0 {
		return false, nil
	}

	sets := make([]string, len(cols))
	same := make([]string, len(cols))
	args := make([]any, 0, 2*len(cols)+1)
	for i, c := range cols {
		sets[i] = c + " = ?"
		args = append(args, row[c])
	}
	args = append(args, id)
	for i, c := range cols {
		same[i] = c + " IS ?"
		args = append(args, row[c])
	}

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND NOT (%s)",
		table, strings.Join(sets, ", "), strings.Join(same, " AND "))
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update %s: %w", table, err)
	}
	return n > 0, nil
}

func insertSQL(table string, row Row, suffix string) (string, []any, error) {
	if !query.ValidIdentifier(table) {
		return "", nil, &query.InvalidIdentifierError{Name: table}
	}
	cols, err := row.columns()
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES%s", table, suffix), nil, nil
	}
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		marks[i] = "?"
		args[i] = row[c]
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)%s",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "), suffix)
	return q, args, nil
}

func compileLookup(table string, cols []string, where Row) (string, []any, error) {
	keys, err := where.columns()
	if err != nil {
		return "", nil, err
	}
	preds := make([]query.Predicate, len(keys))
	for i, k := range keys {
		preds[i] = query.Equals{Field: k, Value: where[k]}
	}
	return query.Compile(query.Select{
		From:    table,
		Columns: cols,
		Filter:  query.And{Predicates: preds},
	})
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/agencysync/internal/snapshot"
)

// ErrWatermarkRegression is returned when a watermark would move backwards.
var ErrWatermarkRegression = errors.New("watermark cannot move backwards")

// Watermark is the persisted sync boundary of one peer node.
type Watermark struct {
	NodeID            string
	LastSyncDate      snapshot.Date
	LastSyncTimestamp snapshot.Timestamp
	UpdatedAt         snapshot.Timestamp
}

// GetWatermark returns the watermark of node, or false if none was set.
func (s *Store) GetWatermark(ctx context.Context, node string) (Watermark, bool, error) {
	var date, ts, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync_date, last_sync_timestamp, updated_at
		FROM sync_watermarks
		WHERE node_id = ?
	`, node).Scan(&date, &ts, &updated)
	if err == sql.ErrNoRows {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, fmt.Errorf("get watermark %s: %w", node, err)
	}

	w := Watermark{NodeID: node}
	if w.LastSyncDate, err = snapshot.ParseDate(date); err != nil {
		return Watermark{}, false, fmt.Errorf("get watermark %s: %w", node, err)
	}
	if w.LastSyncTimestamp, err = snapshot.ParseStoreTimestamp(ts); err != nil {
		return Watermark{}, false, fmt.Errorf("get watermark %s: %w", node, err)
	}
	if w.UpdatedAt, err = snapshot.ParseStoreTimestamp(updated); err != nil {
		return Watermark{}, false, fmt.Errorf("get watermark %s: %w", node, err)
	}
	return w, true, nil
}

// SetWatermark records ts as the watermark of node. Setting the same value
// again succeeds and only refreshes updated_at; an older value fails with
// ErrWatermarkRegression and leaves the stored record unchanged.
func (s *Store) SetWatermark(ctx context.Context, node string, ts, now snapshot.Timestamp) error {
	date := ts.Time().Format("2006-01-02")
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_watermarks (node_id, last_sync_date, last_sync_timestamp, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			last_sync_date = excluded.last_sync_date,
			last_sync_timestamp = excluded.last_sync_timestamp,
			updated_at = excluded.updated_at
		WHERE excluded.last_sync_timestamp >= sync_watermarks.last_sync_timestamp
	`, node, date, ts.StoreString(), now.StoreString())
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", node, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", node, err)
	}
	if n == 0 {
		return fmt.Errorf("set watermark %s to %s: %w", node, ts, ErrWatermarkRegression)
	}
	return nil
}

// ListWatermarks returns every watermark ordered by node id.
func (s *Store) ListWatermarks(ctx context.Context) ([]Watermark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id FROM sync_watermarks ORDER BY node_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	var nodes []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list watermarks: %w", err)
		}
		nodes = append(nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}

	out := []Watermark{}
	for _, n := range nodes {
		w, ok, err := s.GetWatermark(ctx, n)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, w)
		}
	}
	return out, nil
}

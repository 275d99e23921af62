package store

import (
	"context"
	"path/filepath"
	"testing"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

const testTime = "2024-05-10T08:00:00.000000000Z"

// seedCatalog inserts agency 1, family GRAIN and returns the family id.
func seedCatalog(t *testing.T, s *Store) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.Insert(ctx, "agencies", Row{"id": int64(1), "name": "Alpha", "updated_at": testTime}); err != nil {
		t.Fatalf("insert agency: %v", err)
	}
	fam, err := tx.Insert(ctx, "families", Row{"code": "GRAIN", "label": "Grains", "updated_at": testTime})
	if err != nil {
		t.Fatalf("insert family: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	return fam
}

func productRow(ref string, family int64) Row {
	return Row{
		"reference":        ref,
		"family_id":        family,
		"agency_id":        int64(1),
		"origin_agency_id": int64(1),
		"origin_reference": ref,
		"stock_balance":    "10.00",
		"created_at":       testTime,
		"updated_at":       testTime,
	}
}

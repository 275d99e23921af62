package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agencysync/internal/identity"
	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/testutil"
)

func TestReport_CountsOutcomes(t *testing.T) {
	r := newImportReport("run", testutil.NewSnapshot("snap"), nil, testutil.Epoch)

	r.record(snapshot.Products, OutcomeCreated)
	r.record(snapshot.Products, OutcomeCloned)
	r.record(snapshot.Products, OutcomeUnchanged)
	r.record(snapshot.Families, OutcomeUpdated)
	r.fail(RowError{Collection: snapshot.Products, Key: "X", Code: CodeDanglingReference})

	assert.Equal(t, EntityCounts{Created: 2, Cloned: 1, Updated: 1, Unchanged: 1, Failed: 1}, *r.Entities[snapshot.Products])
	assert.Equal(t, []snapshot.Collection{snapshot.Products, snapshot.Families}, r.Collections())
	assert.Equal(t, EntityCounts{Created: 2, Cloned: 1, Updated: 2, Unchanged: 1, Failed: 1}, r.Totals())
	assert.False(t, r.OK())
}

func TestReport_JSON(t *testing.T) {
	r := newImportReport("run", testutil.NewSnapshot("snap"), testutil.Ptr(int64(2)), testutil.Epoch)
	r.FinishedAt = testutil.Epoch.Add(time.Second)
	r.record(snapshot.Agencies, OutcomeCreated)

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "snap", decoded["snapshot_id"])
	assert.Equal(t, float64(2), decoded["target_agency"])
	assert.Equal(t, []any{}, decoded["errors"])
	assert.Equal(t, map[string]any{
		"agencies": map[string]any{"created": float64(1), "updated": float64(0), "unchanged": float64(0), "cloned": float64(0), "failed": float64(0)},
	}, decoded["entities"])
	assert.Equal(t, time.Second, r.Duration())
}

func TestRowError_Codes(t *testing.T) {
	tests := []struct {
		err  rowScoped
		code ErrorCode
	}{
		{&DanglingReferenceError{Collection: snapshot.SalesLines, Key: "T#1"}, CodeDanglingReference},
		{&ConstraintError{Collection: snapshot.Tills, Key: "T1", Err: errors.New("NOT NULL")}, CodeConstraintViolation},
		{cloneExhausted{&identity.CloneExhaustedError{Key: "R", MaxCounter: 999}}, CodeCloneExhausted},
		{decodeProblem{&snapshot.SerializationError{Collection: snapshot.Products, Index: 3, Key: "R", Err: errors.New("bad")}}, CodeSerialization},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			re := newRowError(snapshot.Products, "R", tt.err)
			assert.Equal(t, tt.code, re.Code)
			assert.Equal(t, tt.err.Error(), re.Message)
		})
	}
}

func TestAsRowError(t *testing.T) {
	dangling := &DanglingReferenceError{Collection: snapshot.SalesLines, Key: "T#1", Field: "product", Target: snapshot.Products, TargetKey: "X"}

	re, ok := asRowError(snapshot.SalesLines, "T#1", fmt.Errorf("map: %w", dangling))
	require.True(t, ok)
	assert.Equal(t, CodeDanglingReference, re.Code)

	_, ok = asRowError(snapshot.SalesLines, "T#1", errors.New("disk I/O error"))
	assert.False(t, ok, "store failures are never row errors")
}

func TestErrorHelpers(t *testing.T) {
	base := errors.New("database is locked")
	dae := &DataAccessError{Op: "import", Collection: snapshot.Products, Err: base}

	assert.True(t, IsDataAccess(fmt.Errorf("wrapped: %w", dae)))
	assert.ErrorIs(t, dae, base)
	assert.Equal(t, "DATA_ACCESS: import products: database is locked", dae.Error())
	assert.True(t, IsDanglingReference(&DanglingReferenceError{}))
	assert.True(t, IsNaturalKeyConflict(&NaturalKeyConflictError{}))
	assert.True(t, IsConstraint(&ConstraintError{Err: base}))
	assert.False(t, IsDataAccess(base))
}

func TestRunArena_StagesUntilCommit(t *testing.T) {
	a := newRunArena()
	k := arenaKey{snapshot.Products, 0, "RICE-5KG"}

	a.stage(k, 7)
	id, ok := a.lookup(k)
	assert.True(t, ok, "staged entries are visible within their collection")
	assert.Equal(t, int64(7), id)

	a.discard()
	_, ok = a.lookup(k)
	assert.False(t, ok)

	a.stage(k, 8)
	a.commit()
	id, ok = a.lookup(k)
	assert.True(t, ok)
	assert.Equal(t, int64(8), id)
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", gen.Generate())
	assert.Equal(t, "b", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}
	first, second := gen.Generate(), gen.Generate()
	assert.Len(t, first, 36)
	assert.NotEqual(t, first, second)
}

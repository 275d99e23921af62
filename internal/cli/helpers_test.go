package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/agencysync/internal/engine"
	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
	"github.com/roach88/agencysync/internal/testutil"
)

// seedDB creates a database file holding recs and returns its path.
func seedDB(t *testing.T, name string, recs ...snapshot.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	if len(recs) > 0 {
		im := engine.NewImporter(st, engine.ImporterOptions{
			Clock: testutil.NewDeterministicClock(testutil.Epoch, 0),
			IDs:   testutil.NewSequenceGenerator("seed-" + name),
		})
		report, err := im.Import(context.Background(), testutil.NewSnapshot("seed-"+name, recs...), engine.TargetScope{})
		require.NoError(t, err)
		require.True(t, report.OK(), "seed errors: %v", report.Errors)
	}
	return path
}

// agencyA is a small agency data set with one sale.
func agencyA() []snapshot.Record {
	return []snapshot.Record{
		testutil.Agency(1, "A"),
		testutil.Family("GRAIN"),
		testutil.Product("RICE-5KG", 1, "GRAIN", "10.00"),
		testutil.SalesDocument("T-100", 1, testutil.At(time.Hour)),
		testutil.SalesLine("T-100", 1, "RICE-5KG", 1, testutil.At(time.Hour)),
		testutil.StockMovement("mv-1", "RICE-5KG", 1, testutil.At(time.Hour)),
	}
}

// agencyB holds its own RICE-5KG, which collides with agency A's.
func agencyB() []snapshot.Record {
	return []snapshot.Record{
		testutil.Agency(1, "A"),
		testutil.Agency(2, "B"),
		testutil.Family("GRAIN"),
		testutil.Product("RICE-5KG", 2, "GRAIN", "7.00"),
	}
}

// execute runs the root command with args and returns stdout, stderr and
// the command error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func openTestStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

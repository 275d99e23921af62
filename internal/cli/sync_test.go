package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeNodeConfig(t *testing.T, node, db, transportDir, peer string, agency int) string {
	t.Helper()
	cfg := fmt.Sprintf(`node_id: %s
database: %s
transport:
  dir: %s
  timeout: 5s
  retries: 1
peers:
  - node_id: %s
`, node, db, transportDir, peer)
	if agency > 0 {
		cfg += fmt.Sprintf("agency_id: %d\n", agency)
	}
	path := filepath.Join(t.TempDir(), node+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func TestSyncOnce_RoundTripAdvancesWatermark(t *testing.T) {
	shared := t.TempDir()
	dbA := seedDB(t, "a", agencyA()...)
	dbB := seedDB(t, "b", agencyB()...)
	cfgA := writeNodeConfig(t, "node-a", dbA, shared, "node-b", 1)
	cfgB := writeNodeConfig(t, "node-b", dbB, shared, "node-a", 2)

	out, _, err := execute(t, "--config", cfgA, "sync", "once")
	require.NoError(t, err)
	assert.Contains(t, out, "Sync cycle complete for node-a (1 peer(s))")

	_, _, err = execute(t, "--config", cfgB, "sync", "once")
	require.NoError(t, err)

	st := openTestStore(t, dbB)
	var agency int64
	require.NoError(t, st.DB().QueryRow(`SELECT agency_id FROM products WHERE reference = 'RICE-5KG_A1'`).Scan(&agency))
	assert.Equal(t, int64(1), agency)

	_, _, err = execute(t, "--config", cfgA, "sync", "once")
	require.NoError(t, err)

	out, _, err = execute(t, "watermark", "get", "--db", dbA, "node-b")
	require.NoError(t, err)
	assert.NotContains(t, out, "never synced")
	assert.True(t, strings.HasPrefix(out, "node-b: "))
}

func TestSyncOnce_FlagsOverrideConfig(t *testing.T) {
	shared := t.TempDir()
	dbA := seedDB(t, "a", agencyA()...)
	cfgA := writeNodeConfig(t, "node-a", filepath.Join(t.TempDir(), "missing.db"), shared, "node-b", 0)

	_, _, err := execute(t, "--config", cfgA, "sync", "once", "--db", dbA)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(shared, "node-b", "inbox", "node-a.snapshot.json"))
	assert.NoError(t, err)
}

func TestSyncOnce_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing node id", "database: x.db\n"},
		{"unknown key", "node_id: a\ndatabase: x.db\ndatabse: y.db\n"},
		{"peer without transport", "node_id: a\ndatabase: x.db\npeers:\n  - node_id: b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "node.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, _, err := execute(t, "--config", path, "sync", "once")
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestSyncRun_RejectsNonPositiveInterval(t *testing.T) {
	shared := t.TempDir()
	dbA := seedDB(t, "a", agencyA()...)
	cfgA := writeNodeConfig(t, "node-a", dbA, shared, "node-b", 1)

	_, _, err := execute(t, "--config", cfgA, "sync", "run", "--interval", "-1s")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

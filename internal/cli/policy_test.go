package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agencysync/internal/identity"
)

func TestPolicy_DefaultTable(t *testing.T) {
	out, _, err := execute(t, "policy")
	require.NoError(t, err)
	assert.Contains(t, out, "COLLECTION")
	assert.Contains(t, out, "products")
	assert.Contains(t, out, string(identity.NaturalKeyGlobalWithClone))
}

func TestPolicy_JSONFollowsMergeOrder(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "policy")
	require.NoError(t, err)

	var resp struct {
		Data []PolicyRow `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))

	order := identity.Default().Order()
	require.Len(t, resp.Data, len(order))
	pos := make(map[string]int, len(resp.Data))
	for i, row := range resp.Data {
		assert.Equal(t, string(order[i]), row.Collection)
		pos[row.Collection] = i
	}
	for _, row := range resp.Data {
		for _, dep := range row.DependsOn {
			assert.Less(t, pos[dep], pos[row.Collection], "%s depends on %s", row.Collection, dep)
		}
	}
}

func TestPolicy_ValidatesFile(t *testing.T) {
	_, _, err := execute(t, "policy", "../identity/policy.cue")
	require.NoError(t, err)
}

func TestPolicy_RejectsCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycle.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
policy: {
	accounts: {strategy: "NATURAL_KEY_SCOPED", key: ["number"], scope: "agency", tier: 1, depends_on: ["tills"]}
	tills: {strategy: "NATURAL_KEY_SCOPED", key: ["number"], scope: "agency", tier: 1, depends_on: ["accounts"]}
}
`), 0644))

	_, _, err := execute(t, "policy", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	var cycle *identity.CycleError
	assert.ErrorAs(t, err, &cycle)
}

package identity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbbreviate(t *testing.T) {
	tests := []struct {
		name string
		id   int64
		want string
	}{
		{"A", 1, "A"},
		{"Alpha Market", 1, "ALP"},
		{"dé pôt", 2, "DEP"},
		{"  N 12 ", 3, "N12"},
		{"---", 7, "AG7"},
		{"", 9, "AG9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Abbreviate(tt.name, tt.id, 3))
		})
	}
}

func TestFirstFreeKey(t *testing.T) {
	c := &ClonePolicy{Separator: "_", MaxCounter: 999, AbbreviationLength: 3}
	taken := map[string]bool{"RICE-5KG_A1": true, "RICE-5KG_A2": true}

	key, err := c.FirstFreeKey("RICE-5KG", "A", func(k string) (bool, error) { return taken[k], nil })
	require.NoError(t, err)
	assert.Equal(t, "RICE-5KG_A3", key)
}

func TestFirstFreeKeyExhausted(t *testing.T) {
	c := &ClonePolicy{Separator: "_", MaxCounter: 3}
	_, err := c.FirstFreeKey("X", "A", func(string) (bool, error) { return true, nil })
	var exhausted *CloneExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.MaxCounter)
}

func TestFirstFreeKeyPropagatesLookupError(t *testing.T) {
	c := &ClonePolicy{Separator: "_", MaxCounter: 3}
	boom := errors.New("boom")
	_, err := c.FirstFreeKey("X", "A", func(string) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)
}

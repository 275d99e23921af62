package snapshot

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in    string
		scale int32
		ok    bool
	}{
		{"0", 0, true},
		{"10.00", 2, true},
		{"-3.125", 3, true},
		{"1234567890123456789.987654321", 9, true},
		{"0.000", 3, true},
		{"", 0, false},
		{"+1", 0, false},
		{"01.5", 0, false},
		{"1e3", 0, false},
		{"1.", 0, false},
		{".5", 0, false},
		{"-0.00", 0, false},
		{"-0", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDecimal(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.in, d.String())
			assert.Equal(t, tt.scale, d.Scale())
		})
	}
}

func TestDecimalKeepsScale(t *testing.T) {
	a := MustDecimal("10")
	b := MustDecimal("10.00")

	assert.Equal(t, 0, a.Cmp(b))
	assert.False(t, a.Identical(b))
	assert.Equal(t, "10.00", b.String())
	assert.Equal(t, "10.50", NewDecimal(1050, 2).String())
	assert.Equal(t, "-0.05", NewDecimal(-5, 2).String())
}

func TestDecimalJSONRequiresString(t *testing.T) {
	var d Decimal
	assert.Error(t, json.Unmarshal([]byte(`10.5`), &d))
	assert.Error(t, json.Unmarshal([]byte(`"1e2"`), &d))
	require.NoError(t, json.Unmarshal([]byte(`"10.50"`), &d))
	assert.Equal(t, "10.50", d.String())

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"10.50"`, string(out))
}

func TestDecimalFidelityThroughSnapshot(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	captured := NewTimestamp(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	s := New(Header{SnapshotID: "fidelity", CapturedAt: captured}, []Collection{PriceTiers})

	want := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		d := NewDecimal(rng.Int63n(1_000_000_000_000)-500_000_000_000, int32(rng.Intn(7)))
		want = append(want, d.String())
		s.Add(&PriceTier{Product: "P", Label: d.String(), Price: d, UpdatedAt: captured})
	}

	data, err := Encode(s)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Empty(t, decoded.Problems)

	rows := decoded.Rows(PriceTiers)
	require.Len(t, rows, len(want))
	for i, row := range rows {
		assert.Equal(t, want[i], row.(*PriceTier).Price.String())
	}
}

func TestTimestampNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("EAT", 3*3600)
	ts := NewTimestamp(time.Date(2024, 3, 1, 15, 30, 0, 500, loc))

	assert.Equal(t, "2024-03-01T12:30:00.0000005Z", ts.String())
	assert.Equal(t, "2024-03-01T12:30:00.000000500Z", ts.StoreString())

	back, err := ParseStoreTimestamp(ts.StoreString())
	require.NoError(t, err)
	assert.True(t, back.Time().Equal(ts.Time()))

	parsed, err := ParseTimestamp("2024-03-01T15:30:00+03:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T12:30:00Z", parsed.String())
}

func TestStoreLayoutSortsChronologically(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	earlier := NewTimestamp(base.Add(999 * time.Millisecond))
	later := NewTimestamp(base.Add(time.Second))
	assert.Less(t, earlier.StoreString(), later.StoreString())
}

func TestDateJSON(t *testing.T) {
	d := NewDate(2024, time.February, 29)
	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2024-02-29"`, string(out))

	var back Date
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, d, back)
	assert.Error(t, json.Unmarshal([]byte(`"2024-02-30"`), &back))
}

package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"sorted keys", `{"b": 1, "a": 2}`, `{"a":2,"b":1}`},
		{"nested", `{"z": {"y": [1, null, true]}, "a": "x"}`, `{"a":"x","z":{"y":[1,null,true]}}`},
		{"no html escape", `{"s": "<a&b>"}`, `{"s":"<a&b>"}`},
		{"line separator literal", "{\"s\": \"a\u2028b\"}", "{\"s\":\"a\u2028b\"}"},
		{"escaped backslash kept", `{"s": "a\\u2028"}`, `{"s":"a\\u2028"}`},
		{"nfc", "{\"s\": \"e\u0301\"}", "{\"s\":\"\u00e9\"}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Canonicalize([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestCanonicalizeRejectsFractionalNumbers(t *testing.T) {
	_, err := Canonicalize([]byte(`{"price": 10.5}`))
	assert.Error(t, err)
}

func TestCanonicalizeUTF16KeyOrder(t *testing.T) {
	// U+1F600 is a surrogate pair in UTF-16 and sorts before U+FF61,
	// although its UTF-8 encoding sorts after.
	out, err := Canonicalize([]byte("{\"\uFF61\": 2, \"\U0001F600\": 1}"))
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":1,\"\uFF61\":2}", string(out))
}

func TestDigestIgnoresLayout(t *testing.T) {
	a, err := Digest([]byte(`{"a": 1, "b": ["x"]}`))
	require.NoError(t, err)
	b, err := Digest([]byte("{\n  \"b\": [\"x\"],\n  \"a\": 1\n}"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := Digest([]byte(`{"a": 2, "b": ["x"]}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

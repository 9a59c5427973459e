package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 42, 127,
		128, 300, 1<<14 - 1,
		1 << 14, 1<<21 - 1,
		1 << 21, 1<<28 - 1,
		1 << 28, 1<<35 - 1,
		1 << 35, 1<<42 - 1,
		1 << 42, 1<<49 - 1,
		1 << 49, 1<<56 - 1,
		1 << 56, math.MaxUint64,
	}
	for _, v := range values {
		encoded := AppendVarint(nil, v)
		require.LessOrEqual(t, len(encoded), MaxVarintLen)
		require.Equal(t, len(encoded), VarintLen(encoded[0]),
			"first byte of %d must imply its own length", v)

		decoded, n, err := DecodeVarint(encoded)
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, decoded)
		assert.Equal(t, len(encoded), n)
	}
}

func TestVarintEncodedLengths(t *testing.T) {
	cases := []struct {
		value uint64
		want  int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{1<<14 - 1, 2},
		{1 << 14, 3},
		{1<<56 - 1, 8},
		{1 << 56, 9},
		{math.MaxUint64, 9},
	}
	for _, tc := range cases {
		assert.Len(t, AppendVarint(nil, tc.value), tc.want, "value %d", tc.value)
	}
}

func TestVarintAppendsAfterPrefix(t *testing.T) {
	buf := []byte{0xAA, 0xBB}
	out := AppendVarint(buf, 300)
	require.Equal(t, []byte{0xAA, 0xBB}, out[:2])

	decoded, n, err := DecodeVarint(out[2:])
	require.NoError(t, err)
	assert.Equal(t, uint64(300), decoded)
	assert.Equal(t, len(out)-2, n)
}

func TestVarintTruncated(t *testing.T) {
	encoded := AppendVarint(nil, 1<<40)
	for cut := 0; cut < len(encoded); cut++ {
		_, _, err := DecodeVarint(encoded[:cut])
		assert.ErrorIs(t, err, ErrVarintInvalid, "cut at %d", cut)
	}
}

func TestVarintEmptyInput(t *testing.T) {
	_, _, err := DecodeVarint(nil)
	assert.ErrorIs(t, err, ErrVarintInvalid)
}

package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndSignVerify(t *testing.T) {
	keys, err := Generate()
	require.NoError(t, err)

	message := []byte("prove who you are")
	sig, err := keys.Sign(message)
	require.NoError(t, err)

	assert.True(t, Verify(message, sig, keys.Public))
	assert.False(t, Verify([]byte("a different message"), sig, keys.Public))

	other, err := Generate()
	require.NoError(t, err)
	assert.False(t, Verify(message, sig, other.Public))
}

func TestSignEmptyMessage(t *testing.T) {
	keys, err := Generate()
	require.NoError(t, err)
	_, err = keys.Sign(nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestBase64RoundTrip(t *testing.T) {
	keys, err := Generate()
	require.NoError(t, err)

	encoded := keys.Public.ToBase64()
	decoded, err := FromBase64(encoded)
	require.NoError(t, err)
	assert.Equal(t, keys.Public, decoded)
}

func TestFromBase64Invalid(t *testing.T) {
	_, err := FromBase64("not!!!base64")
	assert.Error(t, err)

	// Valid base64, wrong length.
	_, err = FromBase64("aGVsbG8=")
	assert.ErrorIs(t, err, ErrWrongIdentitySize)
}

func TestFromBytesWrongSize(t *testing.T) {
	_, err := FromBytes(make([]byte, 31))
	assert.ErrorIs(t, err, ErrWrongIdentitySize)
}

func TestFromSeedRebuildsSameIdentity(t *testing.T) {
	keys, err := Generate()
	require.NoError(t, err)

	rebuilt, err := FromSeed(keys.Private)
	require.NoError(t, err)
	assert.Equal(t, keys.Public, rebuilt.Public)
}

func TestFromSeedAllZeros(t *testing.T) {
	_, err := FromSeed([32]byte{})
	assert.Error(t, err)
}

func TestSignatureFromBytesWrongSize(t *testing.T) {
	_, err := SignatureFromBytes(make([]byte, 63))
	assert.ErrorIs(t, err, ErrWrongSignatureSize)
}

func TestLoadOrGeneratePersists(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	second, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	assert.Equal(t, first.Public, second.Public, "identity must survive restarts")
	assert.Equal(t, first.Private, second.Private)
}

func TestLoadOrGenerateDistinctDirs(t *testing.T) {
	a, err := LoadOrGenerate(t.TempDir())
	require.NoError(t, err)
	b, err := LoadOrGenerate(t.TempDir())
	require.NoError(t, err)
	assert.NotEqual(t, a.Public, b.Public)
}

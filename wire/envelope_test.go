package wire

import (
	"crypto/rand"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddr(t *testing.T) netip.AddrPort {
	t.Helper()
	addr, err := netip.ParseAddrPort("[::1]:54135")
	require.NoError(t, err)
	return addr
}

func TestOuterEnvelopeRoundTrip(t *testing.T) {
	addr := testAddr(t)
	for _, size := range []int{1, 16, 100, 1500, 8000} {
		ciphertext := make([]byte, size)
		_, err := rand.Read(ciphertext)
		require.NoError(t, err)

		env := &OuterEnvelope{
			Session: FullSessionName{
				PeerAddress: addr,
				SessionID:   SessionID{0xDE, 0xAD, 0xBE, 0xEF},
			},
			Counter:    77,
			Ciphertext: ciphertext,
		}

		buf := make([]byte, MaxMessageSize)
		n, err := EncodeOuterEnvelope(env, buf)
		require.NoError(t, err, "size %d", size)

		decoded, consumed, err := DecodeOuterEnvelope(buf[:n], addr)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, n, consumed)
		assert.Equal(t, env.Session, decoded.Session)
		assert.Equal(t, env.Counter, decoded.Counter)
		assert.Equal(t, env.Ciphertext, decoded.Ciphertext)
	}
}

func TestOuterEnvelopeZeroLengthCiphertext(t *testing.T) {
	addr := testAddr(t)
	env := &OuterEnvelope{
		Session: FullSessionName{PeerAddress: addr, SessionID: SessionID{1, 2, 3, 4}},
		Counter: 9,
	}
	buf := make([]byte, MaxMessageSize)
	n, err := EncodeOuterEnvelope(env, buf)
	require.NoError(t, err)
	assert.Equal(t, SessionIDLen+CounterLen+1, n)

	decoded, _, err := DecodeOuterEnvelope(buf[:n], addr)
	require.NoError(t, err, "zero-length ciphertext must decode; callers flag it")
	assert.Empty(t, decoded.Ciphertext)
}

func TestOuterEnvelopeTooLargeToEncode(t *testing.T) {
	env := &OuterEnvelope{
		Session:    FullSessionName{PeerAddress: testAddr(t)},
		Ciphertext: make([]byte, MaxMessageSize),
	}
	buf := make([]byte, MaxMessageSize)
	_, err := EncodeOuterEnvelope(env, buf)
	assert.ErrorIs(t, err, ErrLengthExceedsMax)
}

func TestOuterEnvelopeTruncated(t *testing.T) {
	addr := testAddr(t)
	env := &OuterEnvelope{
		Session:    FullSessionName{PeerAddress: addr, SessionID: SessionID{5, 6, 7, 8}},
		Counter:    1,
		Ciphertext: []byte("some ciphertext bytes"),
	}
	buf := make([]byte, MaxMessageSize)
	n, err := EncodeOuterEnvelope(env, buf)
	require.NoError(t, err)

	// Too short for the fixed header.
	_, _, err = DecodeOuterEnvelope(buf[:5], addr)
	assert.ErrorIs(t, err, ErrTruncated)

	// Declared length runs past the end of the datagram.
	_, _, err = DecodeOuterEnvelope(buf[:n-4], addr)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestOuterEnvelopeDeclaredLengthBeyondCap(t *testing.T) {
	addr := testAddr(t)
	buf := make([]byte, 0, 16)
	buf = append(buf, 1, 2, 3, 4) // session id
	buf = append(buf, 0, 0, 0, 0) // counter
	buf = AppendVarint(buf, MaxMessageSize+1)
	_, _, err := DecodeOuterEnvelope(buf, addr)
	assert.ErrorIs(t, err, ErrLengthExceedsMax)
}

func TestPartialSessionName(t *testing.T) {
	full := FullSessionName{PeerAddress: testAddr(t), SessionID: SessionID{9, 9, 9, 9}}
	partial := full.Partial()
	assert.Equal(t, full.PeerAddress.Addr(), partial.PeerIP)
	assert.Equal(t, full.SessionID, partial.SessionID)
}

func TestMsgIDRoundTrip(t *testing.T) {
	body := []byte("hello voxels")
	for _, id := range []uint32{0, 1, 127, 128, 1337, 1 << 20} {
		payload := EncodeMsgID(id, body)
		gotID, gotBody, err := SplitMsgID(payload)
		require.NoError(t, err)
		assert.Equal(t, id, gotID)
		assert.Equal(t, body, gotBody)
	}
}

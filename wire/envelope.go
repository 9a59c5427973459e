// Package wire implements bit-exact encoding and decoding of the Gestalt
// UDP outer envelope and the prefix varints used for length and message-id
// tags.
//
// Each packet on the wire:
//
//	[- 4 bytes session ID -------------------------------]
//	[- 4 bytes message counter, little-endian -----------]
//	[- 1-9 bytes varint encoding ciphertext size, n -----]
//	[- n bytes ciphertext -------------------------------]
//
// The package performs no I/O. Encoding builds the header in a small
// temporary slice before copying it into the caller's buffer, and decoding
// copies the ciphertext into a newly allocated slice that does not alias
// the input.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// MaxMessageSize is the largest permitted total size of an encoded
// OuterEnvelope, in bytes.
const MaxMessageSize = 8192

// SessionIDLen is the length of a session identifier in bytes.
const SessionIDLen = 4

// CounterLen is the length of the message counter field in bytes.
const CounterLen = 4

// SessionID identifies a session; derived by truncating the Noise handshake
// hash to its first four bytes.
type SessionID [SessionIDLen]byte

// MessageCounter is the strictly-increasing per-session counter used as the
// AEAD nonce on every encrypted packet.
type MessageCounter = uint32

// TruncateToSessionID derives a SessionID from a handshake hash.
func TruncateToSessionID(hash []byte) SessionID {
	var id SessionID
	copy(id[:], hash)
	return id
}

// NormalizeAddrPort unmaps 4-in-6 addresses so the same peer always hashes
// to the same session key regardless of which socket family observed it.
func NormalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// FullSessionName uniquely identifies a live session: the peer's UDP address
// plus the session id.
type FullSessionName struct {
	PeerAddress netip.AddrPort
	SessionID   SessionID
}

// PartialSessionName matches an anticipated client whose UDP source port is
// not yet known: the peer's IP plus the session id.
type PartialSessionName struct {
	PeerIP    netip.Addr
	SessionID SessionID
}

// Partial strips the port from a FullSessionName.
func (n FullSessionName) Partial() PartialSessionName {
	return PartialSessionName{
		PeerIP:    n.PeerAddress.Addr(),
		SessionID: n.SessionID,
	}
}

// OuterEnvelope is the on-wire UDP unit: session id, counter, and the AEAD
// ciphertext whose nonce is the counter.
type OuterEnvelope struct {
	Session    FullSessionName
	Counter    MessageCounter
	Ciphertext []byte
}

var (
	// ErrTruncated indicates a datagram ended before its declared contents.
	ErrTruncated = errors.New("envelope truncated")
	// ErrLengthExceedsMax indicates a declared length beyond MaxMessageSize.
	ErrLengthExceedsMax = errors.New("envelope length exceeds maximum")
)

// EncodeOuterEnvelope writes env into buf and returns the number of bytes
// written. buf must be at least MaxMessageSize long; envelopes that would
// exceed MaxMessageSize are rejected.
func EncodeOuterEnvelope(env *OuterEnvelope, buf []byte) (int, error) {
	header := make([]byte, 0, SessionIDLen+CounterLen+MaxVarintLen)
	header = append(header, env.Session.SessionID[:]...)
	header = binary.LittleEndian.AppendUint32(header, env.Counter)
	header = AppendVarint(header, uint64(len(env.Ciphertext)))

	total := len(header) + len(env.Ciphertext)
	if total > MaxMessageSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrLengthExceedsMax, total)
	}
	if len(buf) < total {
		return 0, fmt.Errorf("send buffer too small: %d < %d", len(buf), total)
	}
	n := copy(buf, header)
	n += copy(buf[n:], env.Ciphertext)
	return n, nil
}

// DecodeOuterEnvelope parses one envelope from the front of data, which
// arrived from source. It returns the envelope and the number of bytes
// consumed. A zero-length ciphertext decodes successfully; callers decide
// what an empty ciphertext means at their layer.
func DecodeOuterEnvelope(data []byte, source netip.AddrPort) (*OuterEnvelope, int, error) {
	if len(data) > MaxMessageSize {
		return nil, 0, fmt.Errorf("%w: datagram is %d bytes", ErrLengthExceedsMax, len(data))
	}
	if len(data) < SessionIDLen+CounterLen+1 {
		return nil, 0, fmt.Errorf("%w: %d-byte datagram", ErrTruncated, len(data))
	}
	var sid SessionID
	copy(sid[:], data[:SessionIDLen])
	cursor := SessionIDLen
	counter := binary.LittleEndian.Uint32(data[cursor : cursor+CounterLen])
	cursor += CounterLen

	length, n, err := DecodeVarint(data[cursor:])
	if err != nil {
		return nil, 0, err
	}
	cursor += n
	if length > MaxMessageSize {
		return nil, 0, fmt.Errorf("%w: declared ciphertext of %d bytes", ErrLengthExceedsMax, length)
	}
	if uint64(len(data)-cursor) < length {
		return nil, 0, fmt.Errorf("%w: declared %d ciphertext bytes, %d remain",
			ErrTruncated, length, len(data)-cursor)
	}
	ciphertext := make([]byte, length)
	copy(ciphertext, data[cursor:cursor+int(length)])
	cursor += int(length)

	return &OuterEnvelope{
		Session: FullSessionName{
			PeerAddress: NormalizeAddrPort(source),
			SessionID:   sid,
		},
		Counter:    counter,
		Ciphertext: ciphertext,
	}, cursor, nil
}

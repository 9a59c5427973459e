// Package identity implements long-term Ed25519 node identities for the
// Gestalt protocol.
//
// A NodeIdentity is the 32-byte Ed25519 public key that names a player or
// node on the network. It is carried in every handshake and used to
// authenticate the per-session Noise static key. The matching private key
// never leaves the local machine.
//
// Example:
//
//	keys, err := identity.Generate()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Node identity:", keys.Public.ToBase64())
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// IdentitySize is the size of a node identity (Ed25519 public key) in bytes.
const IdentitySize = 32

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// NodeIdentity is a long-term Ed25519 public key identifying a node.
type NodeIdentity [IdentitySize]byte

// Signature is an Ed25519 signature over a message.
type Signature [SignatureSize]byte

var (
	// ErrWrongIdentitySize indicates an identity was not 32 bytes long.
	ErrWrongIdentitySize = errors.New("node identity must be 32 bytes")
	// ErrWrongSignatureSize indicates a signature was not 64 bytes long.
	ErrWrongSignatureSize = errors.New("signature must be 64 bytes")
	// ErrEmptyMessage indicates an attempt to sign or verify an empty message.
	ErrEmptyMessage = errors.New("empty message")
)

// b64 is the URL-safe alphabet used everywhere an identity appears as text.
var b64 = base64.URLEncoding

// ToBase64 returns the URL-safe base64 rendering of the identity.
func (id NodeIdentity) ToBase64() string {
	return b64.EncodeToString(id[:])
}

// String implements fmt.Stringer.
func (id NodeIdentity) String() string {
	return id.ToBase64()
}

// FromBase64 decodes a URL-safe base64 string into a NodeIdentity.
func FromBase64(s string) (NodeIdentity, error) {
	raw, err := b64.DecodeString(s)
	if err != nil {
		return NodeIdentity{}, fmt.Errorf("decoding node identity: %w", err)
	}
	return FromBytes(raw)
}

// FromBytes builds a NodeIdentity from a raw 32-byte public key.
func FromBytes(raw []byte) (NodeIdentity, error) {
	if len(raw) != IdentitySize {
		return NodeIdentity{}, fmt.Errorf("%w, got %d", ErrWrongIdentitySize, len(raw))
	}
	var id NodeIdentity
	copy(id[:], raw)
	return id, nil
}

// IdentityKeyPair is the process-wide long-term identity of the local node.
// The private key is stored in 32-byte seed form; the full Ed25519 private
// key is re-derived on each signing operation.
type IdentityKeyPair struct {
	Public  NodeIdentity
	Private [32]byte
}

// Generate creates a fresh random identity keypair.
func Generate() (*IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating identity keypair: %w", err)
	}
	kp := &IdentityKeyPair{}
	copy(kp.Public[:], pub)
	copy(kp.Private[:], priv.Seed())
	return kp, nil
}

// FromSeed rebuilds a keypair from a stored 32-byte seed.
func FromSeed(seed [32]byte) (*IdentityKeyPair, error) {
	if bytes.Equal(seed[:], make([]byte, 32)) {
		return nil, errors.New("invalid identity seed: all zeros")
	}
	priv := ed25519.NewKeyFromSeed(seed[:])
	kp := &IdentityKeyPair{Private: seed}
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// Sign produces an Ed25519 signature over message with our private key.
func (kp *IdentityKeyPair) Sign(message []byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, ErrEmptyMessage
	}
	priv := ed25519.NewKeyFromSeed(kp.Private[:])
	raw := ed25519.Sign(priv, message)
	var sig Signature
	copy(sig[:], raw)
	return sig, nil
}

// Verify reports whether sig is a valid signature by signer over message.
func Verify(message []byte, sig Signature, signer NodeIdentity) bool {
	if len(message) == 0 {
		return false
	}
	return ed25519.Verify(signer[:], message, sig[:])
}

// SignatureFromBytes converts a raw 64-byte buffer into a Signature.
func SignatureFromBytes(raw []byte) (Signature, error) {
	if len(raw) != SignatureSize {
		return Signature{}, fmt.Errorf("%w, got %d", ErrWrongSignatureSize, len(raw))
	}
	var sig Signature
	copy(sig[:], raw)
	return sig, nil
}

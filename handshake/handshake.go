// Package handshake drives the six-step Gestalt connection handshake: a
// Noise XX exchange of per-session static keys (steps 1-3) overlaid with an
// identity challenge (steps 4-6) in which both sides prove possession of
// their long-term Ed25519 identity keys and bind the Noise handshake hash.
//
// Steps 1-3 are the standard XX pattern; after step 3 both sides hold a
// stateless AEAD transport keyed by the shared secret, and the first four
// bytes of the handshake hash become the session id. Steps 4-6 travel as
// AEAD ciphertext under that transport: the responder issues a
// challenge at nonce 0, the initiator answers and counter-challenges at
// nonce 0 on its own sending direction, and the responder closes at nonce 1.
//
// The package is CPU-bound; transporting the step messages between peers is
// the preprotocol layer's job.
package handshake

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/gestalt-engine/gestaltnet/wire"
)

const (
	// ProtocolName is the wire-protocol identifier negotiated in the
	// preprotocol before a handshake starts.
	ProtocolName = "gestalt_noise_laminar_udp"
	// ProtocolVersion is the semantic version of the wire protocol.
	ProtocolVersion = "0.0.1"
	// NoiseParams names the Noise pattern and cipher suite in use.
	NoiseParams = "Noise_XX_25519_ChaChaPoly_BLAKE2s"
	// ChallengeName is the constant header of every identity challenge;
	// signing over it makes the signature useless outside a handshake.
	ChallengeName = "GESTALT_IDENTITY_CHALLENGE"
)

// b64 is the URL-safe alphabet used for every binary field in handshake
// JSON payloads.
var b64 = base64.URLEncoding

// cipherSuite matches NoiseParams.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

var (
	// ErrWrongOrder indicates handshake messages arrived out of order.
	ErrWrongOrder = errors.New("handshake messages were sent in the wrong order")
	// ErrFirstAfterInit indicates SendFirst was called more than once or
	// after Advance.
	ErrFirstAfterInit = errors.New("called SendFirst on a handshake initiator more than once, or after calling Advance")
	// ErrAdvanceAfterDone indicates Advance was called on a finished handshake.
	ErrAdvanceAfterDone = errors.New("attempted to advance a handshake after it was already done")
	// ErrCompleteBeforeDone indicates Complete was called before Done.
	ErrCompleteBeforeDone = errors.New("attempted to close a handshake before it was done")
	// ErrBadChallengeHeader indicates a key challenge failed validation.
	ErrBadChallengeHeader = errors.New("key challenge header failed to validate in handshake")
	// ErrBadSignature indicates a peer's identity signature did not verify.
	ErrBadSignature = errors.New("peer signature on a handshake challenge did not pass validation")
	// ErrNoIdentity indicates a peer identity was expected but absent.
	ErrNoIdentity = errors.New("no identity when we expected an identity")
)

// UnexpectedStepError indicates a step message arrived with the wrong
// sequence number for the current state.
type UnexpectedStepError struct {
	Expected uint8
	Got      uint8
}

func (e *UnexpectedStepError) Error() string {
	return fmt.Sprintf("unexpected step in handshake process: expected %d, got a handshake step message at %d", e.Expected, e.Got)
}

// MissingRemoteStaticError indicates the Noise state had no remote static
// key at a step where one is required.
type MissingRemoteStaticError struct {
	Step uint8
}

func (e *MissingRemoteStaticError) Error() string {
	return fmt.Sprintf("remote static noise key was expected at handshake step %d, but it was not present", e.Step)
}

// StepMessage is one protocol-layer handshake payload: the step number and
// the step's bytes in URL-safe base64. It rides inside the preprotocol's
// JSON envelope.
type StepMessage struct {
	HandshakeStep uint8  `json:"handshake_step"`
	Data          string `json:"data"`
}

// Next is the result of advancing a handshake state machine: either a
// message to send to the peer, or nothing because the handshake finished on
// a received message.
type Next struct {
	// Message is the step to transmit, nil when the handshake completed
	// without a reply.
	Message *StepMessage
}

// Transport is the stateless AEAD pair produced by a completed Noise
// handshake. The caller supplies an explicit nonce (the session message
// counter) for every operation; nothing is tracked between calls, so nonce
// reuse within one direction is the caller's responsibility to prevent.
type Transport struct {
	send *noise.CipherState
	recv *noise.CipherState
	hash []byte
}

// EncryptAtNonce encrypts plaintext under the sending direction with the
// given nonce, appending to out.
func (t *Transport) EncryptAtNonce(nonce uint64, out, plaintext []byte) ([]byte, error) {
	t.send.SetNonce(nonce)
	return t.send.Encrypt(out, nil, plaintext)
}

// DecryptAtNonce decrypts ciphertext from the receiving direction with the
// given nonce, appending to out.
func (t *Transport) DecryptAtNonce(nonce uint64, out, ciphertext []byte) ([]byte, error) {
	t.recv.SetNonce(nonce)
	return t.recv.Decrypt(out, nil, ciphertext)
}

// HandshakeHash returns the full Noise handshake hash this transport was
// split from.
func (t *Transport) HandshakeHash() []byte {
	return t.hash
}

// newHandshakeState builds the Noise XX state for one side.
func newHandshakeState(localNoiseKeys noise.DHKey, initiator bool) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: localNoiseKeys,
	})
}

// splitTransport captures the cipher states from a finished handshake.
// flynn/noise returns the pair in a fixed absolute order: the first state
// encrypts initiator-to-responder traffic.
func splitTransport(cs1, cs2 *noise.CipherState, hash []byte, initiator bool) *Transport {
	if initiator {
		return &Transport{send: cs1, recv: cs2, hash: hash}
	}
	return &Transport{send: cs2, recv: cs1, hash: hash}
}

// remoteStaticKey pulls the peer's Noise static key out of the handshake
// state, checking its size.
func remoteStaticKey(hs *noise.HandshakeState, step uint8) ([]byte, error) {
	remote := hs.PeerStatic()
	if len(remote) == 0 {
		return nil, &MissingRemoteStaticError{Step: step}
	}
	if len(remote) != keystoreKeySize {
		return nil, fmt.Errorf("wrong-size remote noise key at step %d: %d bytes", step, len(remote))
	}
	return remote, nil
}

const keystoreKeySize = 32

func makeSigningNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("generating challenge nonce: %w", err)
	}
	return nonce, nil
}

// SessionIDFromHash truncates a Noise handshake hash to the 4-byte session
// id both peers derive identically.
func SessionIDFromHash(hash []byte) wire.SessionID {
	return wire.TruncateToSessionID(hash)
}

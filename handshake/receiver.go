package handshake

import (
	"encoding/json"
	"fmt"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/gestalt-engine/gestaltnet/identity"
	"github.com/gestalt-engine/gestaltnet/keystore"
	"github.com/gestalt-engine/gestaltnet/wire"
)

// ReceiverStep enumerates the responder's progress through the handshake.
type ReceiverStep uint8

const (
	// ReceiverInit awaits the initiator's step 1.
	ReceiverInit ReceiverStep = iota
	// ReceiverSentSecondAwaitThird means our "<- e, ee, s, es" went out.
	ReceiverSentSecondAwaitThird
	// ReceiverSentFourthAwaitFifth means our challenge went out.
	ReceiverSentFourthAwaitFifth
	// ReceiverDone means the handshake completed; only Complete is valid.
	ReceiverDone
)

// Receiver is the server-side handshake state machine. Create one per
// inbound connection attempt; it is not safe for concurrent use.
type Receiver struct {
	step ReceiverStep

	noiseDir       string
	localNoiseKeys noise.DHKey
	localIdentity  *identity.IdentityKeyPair

	report  chan<- identity.NodeIdentity
	approve <-chan keystore.KeyApproval

	noiseState   *noise.HandshakeState
	transport    *Transport
	peerIdentity *identity.NodeIdentity
	hash         []byte
	ourChallenge string
	counter      wire.MessageCounter
}

// NewReceiver builds a responder around the local Noise static keys and
// identity. Key-mismatch events are reported on report and resolved by
// decisions from approve.
func NewReceiver(noiseDir string, localNoiseKeys noise.DHKey, localIdentity *identity.IdentityKeyPair,
	report chan<- identity.NodeIdentity, approve <-chan keystore.KeyApproval) *Receiver {
	return &Receiver{
		step:           ReceiverInit,
		noiseDir:       noiseDir,
		localNoiseKeys: localNoiseKeys,
		localIdentity:  localIdentity,
		report:         report,
		approve:        approve,
	}
}

// Step reports the current position in the handshake.
func (r *Receiver) Step() ReceiverStep { return r.step }

// IsDone reports whether the handshake has finished.
func (r *Receiver) IsDone() bool { return r.step == ReceiverDone }

// PeerIdentity returns the peer's identity once known; nil means we don't
// know it yet.
func (r *Receiver) PeerIdentity() *identity.NodeIdentity { return r.peerIdentity }

// Advance feeds a received step message into the state machine. The
// responder always replies, so Next.Message is non-nil on success; after
// the step-6 reply goes out the handshake is done.
func (r *Receiver) Advance(incoming *StepMessage) (Next, error) {
	switch r.step {
	case ReceiverInit:
		msg, err := r.receiveFirst(incoming)
		if err != nil {
			return Next{}, err
		}
		return Next{Message: msg}, nil
	case ReceiverSentSecondAwaitThird:
		msg, err := r.receiveThird(incoming)
		if err != nil {
			return Next{}, err
		}
		return Next{Message: msg}, nil
	case ReceiverSentFourthAwaitFifth:
		msg, err := r.receiveFifth(incoming)
		if err != nil {
			return Next{}, err
		}
		return Next{Message: msg}, nil
	default:
		return Next{}, ErrAdvanceAfterDone
	}
}

// receiveFirst handles the initiator's "-> e" and produces our
// "<- e, ee, s, es" carrying our identity in the payload. Step 2 onward is
// ciphertext, which is good enough to introduce ourselves even though it
// does not yet enjoy the security of a completed connection.
func (r *Receiver) receiveFirst(incoming *StepMessage) (*StepMessage, error) {
	if incoming.HandshakeStep != 1 {
		return nil, &UnexpectedStepError{Expected: 1, Got: incoming.HandshakeStep}
	}
	raw, err := b64.DecodeString(incoming.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding step 1: %w", err)
	}
	hs, err := newHandshakeState(r.localNoiseKeys, false)
	if err != nil {
		return nil, fmt.Errorf("building noise responder: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, raw); err != nil {
		return nil, fmt.Errorf("noise read of step 1 failed: %w", err)
	}
	msg, _, _, err := hs.WriteMessage(nil, r.localIdentity.Public[:])
	if err != nil {
		return nil, fmt.Errorf("noise write of step 2 failed: %w", err)
	}
	logrus.WithField("bytes", len(msg)).Trace("Wrote handshake responder message")
	r.noiseState = hs
	r.step = ReceiverSentSecondAwaitThird
	return &StepMessage{HandshakeStep: 2, Data: b64.EncodeToString(msg)}, nil
}

// receiveThird finishes the Noise exchange, validates the initiator's
// static key against the key store, and issues our identity challenge.
func (r *Receiver) receiveThird(incoming *StepMessage) (*StepMessage, error) {
	if incoming.HandshakeStep != 3 {
		return nil, &UnexpectedStepError{Expected: 3, Got: incoming.HandshakeStep}
	}
	raw, err := b64.DecodeString(incoming.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding step 3: %w", err)
	}
	payload, cs1, cs2, err := r.noiseState.ReadMessage(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("noise read of step 3 failed: %w", err)
	}
	peer, err := identity.FromBytes(payload)
	if err != nil {
		return nil, err
	}
	remote, err := remoteStaticKey(r.noiseState, 3)
	if err != nil {
		return nil, err
	}
	// Make sure we notice if the key changed.
	if err := keystore.ValidatePeerKey(r.noiseDir, peer, remote, r.report, r.approve); err != nil {
		return nil, err
	}

	hash := r.noiseState.ChannelBinding()
	r.transport = splitTransport(cs1, cs2, hash, false)
	r.hash = hash
	r.peerIdentity = &peer
	r.noiseState = nil

	// Now we do the identity overlay: send a challenge and ask the other
	// side to sign it.
	ourChallenge, err := buildChallenge(r.localIdentity.Public, peer, hash)
	if err != nil {
		return nil, err
	}
	msg4 := handshakeMessage4{PleaseSign: ourChallenge}
	step, err := r.encryptStep(4, 0, &msg4)
	if err != nil {
		return nil, err
	}
	r.ourChallenge = ourChallenge
	r.counter = 0
	r.step = ReceiverSentFourthAwaitFifth
	return step, nil
}

// receiveFifth verifies the initiator's signature over our challenge,
// validates and signs the counter-challenge, and closes with step 6.
func (r *Receiver) receiveFifth(incoming *StepMessage) (*StepMessage, error) {
	if incoming.HandshakeStep != 5 {
		return nil, &UnexpectedStepError{Expected: 5, Got: incoming.HandshakeStep}
	}
	if r.peerIdentity == nil {
		return nil, ErrNoIdentity
	}
	plaintext, err := r.decryptStep(incoming, 0)
	if err != nil {
		return nil, err
	}
	var msg5 handshakeMessage5
	if err := json.Unmarshal(plaintext, &msg5); err != nil {
		return nil, fmt.Errorf("decoding step 5 payload: %w", err)
	}

	if err := verifyChallengeSignature(msg5.InitiatorSignature, r.ourChallenge, *r.peerIdentity); err != nil {
		return nil, err
	}
	sig, err := r.localIdentity.Sign([]byte(msg5.PleaseSign))
	if err != nil {
		return nil, fmt.Errorf("unable to sign handshake challenge: %w", err)
	}
	if err := validateChallenge(msg5.PleaseSign, *r.peerIdentity, r.localIdentity.Public, r.hash); err != nil {
		return nil, err
	}

	msg6 := handshakeMessage6{ResponderSignature: b64.EncodeToString(sig[:])}
	step, err := r.encryptStep(6, 1, &msg6)
	if err != nil {
		return nil, err
	}
	r.counter = 1
	r.step = ReceiverDone
	logrus.WithField("peer", r.peerIdentity.ToBase64()).Debug("Handshake complete on responder side")
	return step, nil
}

// Complete consumes the finished handshake and yields the stateless
// transport, the last counter value used during the handshake, the
// authenticated peer identity, and the derived session id.
func (r *Receiver) Complete() (*Transport, wire.MessageCounter, identity.NodeIdentity, wire.SessionID, error) {
	if r.step != ReceiverDone {
		return nil, 0, identity.NodeIdentity{}, wire.SessionID{}, ErrCompleteBeforeDone
	}
	if r.peerIdentity == nil {
		return nil, 0, identity.NodeIdentity{}, wire.SessionID{}, ErrNoIdentity
	}
	return r.transport, r.counter, *r.peerIdentity, SessionIDFromHash(r.hash), nil
}

func (r *Receiver) decryptStep(incoming *StepMessage, nonce uint64) ([]byte, error) {
	raw, err := b64.DecodeString(incoming.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding step %d: %w", incoming.HandshakeStep, err)
	}
	plaintext, err := r.transport.DecryptAtNonce(nonce, nil, raw)
	if err != nil {
		return nil, fmt.Errorf("decrypting step %d: %w", incoming.HandshakeStep, err)
	}
	return plaintext, nil
}

func (r *Receiver) encryptStep(step uint8, nonce uint64, payload any) (*StepMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding step %d payload: %w", step, err)
	}
	ciphertext, err := r.transport.EncryptAtNonce(nonce, nil, raw)
	if err != nil {
		return nil, fmt.Errorf("encrypting step %d: %w", step, err)
	}
	return &StepMessage{HandshakeStep: step, Data: b64.EncodeToString(ciphertext)}, nil
}

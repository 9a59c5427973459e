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

// InitiatorStep enumerates the initiator's progress through the handshake.
type InitiatorStep uint8

const (
	// InitiatorInit is the freshly-constructed state; only SendFirst is valid.
	InitiatorInit InitiatorStep = iota
	// InitiatorSentFirstAwaitSecond means step 1 went out.
	InitiatorSentFirstAwaitSecond
	// InitiatorSentThirdAwaitFourth means the Noise exchange is finished on
	// our side and we await the responder's challenge.
	InitiatorSentThirdAwaitFourth
	// InitiatorSentFifthAwaitSixth means our signature and counter-challenge
	// went out.
	InitiatorSentFifthAwaitSixth
	// InitiatorDone means the handshake completed; only Complete is valid.
	InitiatorDone
)

// Initiator is the client-side handshake state machine. Create one per
// connection attempt; it is not safe for concurrent use.
type Initiator struct {
	step InitiatorStep

	noiseDir       string
	localNoiseKeys noise.DHKey
	localIdentity  *identity.IdentityKeyPair

	report  chan<- identity.NodeIdentity
	approve <-chan keystore.KeyApproval

	// Carried between steps.
	noiseState   *noise.HandshakeState
	transport    *Transport
	peerIdentity identity.NodeIdentity
	hash         []byte
	ourChallenge string
	counter      wire.MessageCounter
}

// NewInitiator builds an initiator around the local Noise static keys and
// identity. Key-mismatch events are reported on report and resolved by
// decisions from approve.
func NewInitiator(noiseDir string, localNoiseKeys noise.DHKey, localIdentity *identity.IdentityKeyPair,
	report chan<- identity.NodeIdentity, approve <-chan keystore.KeyApproval) *Initiator {
	return &Initiator{
		step:           InitiatorInit,
		noiseDir:       noiseDir,
		localNoiseKeys: localNoiseKeys,
		localIdentity:  localIdentity,
		report:         report,
		approve:        approve,
	}
}

// Step reports the current position in the handshake.
func (i *Initiator) Step() InitiatorStep { return i.step }

// IsDone reports whether the handshake has finished.
func (i *Initiator) IsDone() bool { return i.step == InitiatorDone }

// SendFirst produces the step-1 message, the Noise "-> e". Valid exactly
// once, in the Init state.
func (i *Initiator) SendFirst() (*StepMessage, error) {
	if i.step != InitiatorInit {
		return nil, ErrFirstAfterInit
	}
	hs, err := newHandshakeState(i.localNoiseKeys, true)
	if err != nil {
		return nil, fmt.Errorf("building noise initiator: %w", err)
	}
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("noise initiator write failed: %w", err)
	}
	logrus.WithField("bytes", len(msg)).Trace("Wrote handshake initiator message")
	i.noiseState = hs
	i.step = InitiatorSentFirstAwaitSecond
	return &StepMessage{HandshakeStep: 1, Data: b64.EncodeToString(msg)}, nil
}

// Advance feeds a received step message into the state machine and returns
// the next message to send. When the incoming message completes the
// handshake, Next.Message is nil and Complete may be called.
func (i *Initiator) Advance(incoming *StepMessage) (Next, error) {
	switch i.step {
	case InitiatorInit:
		return Next{}, ErrWrongOrder
	case InitiatorSentFirstAwaitSecond:
		msg, err := i.receiveSecond(incoming)
		if err != nil {
			return Next{}, err
		}
		return Next{Message: msg}, nil
	case InitiatorSentThirdAwaitFourth:
		msg, err := i.receiveFourth(incoming)
		if err != nil {
			return Next{}, err
		}
		return Next{Message: msg}, nil
	case InitiatorSentFifthAwaitSixth:
		if err := i.receiveSixth(incoming); err != nil {
			return Next{}, err
		}
		return Next{}, nil
	default:
		return Next{}, ErrAdvanceAfterDone
	}
}

// receiveSecond handles the responder's "<- e, ee, s, es" and produces our
// closing "s, se ->". Afterward the Noise state becomes a stateless
// transport and the responder's static key is checked against the key
// store.
func (i *Initiator) receiveSecond(incoming *StepMessage) (*StepMessage, error) {
	if incoming.HandshakeStep != 2 {
		return nil, &UnexpectedStepError{Expected: 2, Got: incoming.HandshakeStep}
	}
	raw, err := b64.DecodeString(incoming.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding step 2: %w", err)
	}
	payload, _, _, err := i.noiseState.ReadMessage(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("noise read of step 2 failed: %w", err)
	}
	// The responder introduces itself in the step-2 payload.
	peer, err := identity.FromBytes(payload)
	if err != nil {
		return nil, err
	}

	msg, cs1, cs2, err := i.noiseState.WriteMessage(nil, i.localIdentity.Public[:])
	if err != nil {
		return nil, fmt.Errorf("noise write of step 3 failed: %w", err)
	}
	logrus.WithField("bytes", len(msg)).Trace("Wrote handshake step 3")

	remote, err := remoteStaticKey(i.noiseState, 2)
	if err != nil {
		return nil, err
	}
	// Make sure we notice if the key changed.
	if err := keystore.ValidatePeerKey(i.noiseDir, peer, remote, i.report, i.approve); err != nil {
		return nil, err
	}

	hash := i.noiseState.ChannelBinding()
	i.transport = splitTransport(cs1, cs2, hash, true)
	i.hash = hash
	i.peerIdentity = peer
	i.noiseState = nil
	i.step = InitiatorSentThirdAwaitFourth
	return &StepMessage{HandshakeStep: 3, Data: b64.EncodeToString(msg)}, nil
}

// receiveFourth handles the responder's challenge: validate it, sign it,
// and send our signature together with a counter-challenge.
func (i *Initiator) receiveFourth(incoming *StepMessage) (*StepMessage, error) {
	if incoming.HandshakeStep != 4 {
		return nil, &UnexpectedStepError{Expected: 4, Got: incoming.HandshakeStep}
	}
	plaintext, err := i.decryptStep(incoming, 0)
	if err != nil {
		return nil, err
	}
	var msg4 handshakeMessage4
	if err := json.Unmarshal(plaintext, &msg4); err != nil {
		return nil, fmt.Errorf("decoding step 4 payload: %w", err)
	}

	sig, err := i.localIdentity.Sign([]byte(msg4.PleaseSign))
	if err != nil {
		return nil, fmt.Errorf("unable to sign handshake challenge: %w", err)
	}
	if err := validateChallenge(msg4.PleaseSign, i.peerIdentity, i.localIdentity.Public, i.hash); err != nil {
		return nil, err
	}

	ourChallenge, err := buildChallenge(i.localIdentity.Public, i.peerIdentity, i.hash)
	if err != nil {
		return nil, err
	}
	msg5 := handshakeMessage5{
		InitiatorSignature: b64.EncodeToString(sig[:]),
		PleaseSign:         ourChallenge,
	}
	step, err := i.encryptStep(5, 0, &msg5)
	if err != nil {
		return nil, err
	}
	i.ourChallenge = ourChallenge
	i.counter = 0
	i.step = InitiatorSentFifthAwaitSixth
	return step, nil
}

// receiveSixth verifies the responder's signature over our challenge,
// ending the handshake.
func (i *Initiator) receiveSixth(incoming *StepMessage) error {
	if incoming.HandshakeStep != 6 {
		return &UnexpectedStepError{Expected: 6, Got: incoming.HandshakeStep}
	}
	plaintext, err := i.decryptStep(incoming, 1)
	if err != nil {
		return err
	}
	var msg6 handshakeMessage6
	if err := json.Unmarshal(plaintext, &msg6); err != nil {
		return fmt.Errorf("decoding step 6 payload: %w", err)
	}
	if err := verifyChallengeSignature(msg6.ResponderSignature, i.ourChallenge, i.peerIdentity); err != nil {
		return err
	}
	i.counter = 1
	i.step = InitiatorDone
	logrus.WithField("peer", i.peerIdentity.ToBase64()).Debug("Handshake complete on initiator side")
	return nil
}

// Complete consumes the finished handshake and yields the stateless
// transport, the last counter value used during the handshake, the
// authenticated peer identity, and the derived session id.
func (i *Initiator) Complete() (*Transport, wire.MessageCounter, identity.NodeIdentity, wire.SessionID, error) {
	if i.step != InitiatorDone {
		return nil, 0, identity.NodeIdentity{}, wire.SessionID{}, ErrCompleteBeforeDone
	}
	return i.transport, i.counter, i.peerIdentity, SessionIDFromHash(i.hash), nil
}

func (i *Initiator) decryptStep(incoming *StepMessage, nonce uint64) ([]byte, error) {
	raw, err := b64.DecodeString(incoming.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding step %d: %w", incoming.HandshakeStep, err)
	}
	plaintext, err := i.transport.DecryptAtNonce(nonce, nil, raw)
	if err != nil {
		return nil, fmt.Errorf("decrypting step %d: %w", incoming.HandshakeStep, err)
	}
	return plaintext, nil
}

func (i *Initiator) encryptStep(step uint8, nonce uint64, payload any) (*StepMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding step %d payload: %w", step, err)
	}
	ciphertext, err := i.transport.EncryptAtNonce(nonce, nil, raw)
	if err != nil {
		return nil, fmt.Errorf("encrypting step %d: %w", step, err)
	}
	return &StepMessage{HandshakeStep: step, Data: b64.EncodeToString(ciphertext)}, nil
}

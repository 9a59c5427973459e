package handshake

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gestalt-engine/gestaltnet/identity"
)

// KeyChallenge asks a peer to prove its identity. More data here than just
// a byte buffer, so a node's identity key can't be used to sign arbitrary
// things and impersonate it. Transmitted as JSON; signatures cover the
// exact JSON string the sender produced, never a re-serialization.
type KeyChallenge struct {
	// StaticChallengeName must always equal ChallengeName.
	StaticChallengeName string `json:"static_challenge_name"`
	// SenderIdent is the base64 identity of the node issuing this challenge.
	SenderIdent string `json:"sender_ident"`
	// ReceiverIdent is the base64 identity of the node asked to sign.
	ReceiverIdent string `json:"receiver_ident"`
	// SessionID is the full (untruncated) Noise handshake hash, base64.
	SessionID string `json:"session_id"`
	// Challenge is 32 random bytes, base64.
	Challenge string `json:"challenge"`
}

// buildChallenge constructs a fresh challenge binding both identities and
// the handshake hash, returning its exact JSON form.
func buildChallenge(sender, receiver identity.NodeIdentity, handshakeHash []byte) (string, error) {
	nonce, err := makeSigningNonce()
	if err != nil {
		return "", err
	}
	challenge := KeyChallenge{
		StaticChallengeName: ChallengeName,
		SenderIdent:         sender.ToBase64(),
		ReceiverIdent:       receiver.ToBase64(),
		SessionID:           b64.EncodeToString(handshakeHash),
		Challenge:           b64.EncodeToString(nonce[:]),
	}
	raw, err := json.Marshal(&challenge)
	if err != nil {
		return "", fmt.Errorf("encoding key challenge: %w", err)
	}
	return string(raw), nil
}

// validateChallenge checks a received challenge JSON string: the constant
// header, that it was issued by the peer we are talking to, that it names
// us as the receiver, and that it binds this session's handshake hash.
func validateChallenge(challengeJSON string, sender, receiver identity.NodeIdentity, handshakeHash []byte) error {
	var challenge KeyChallenge
	if err := json.Unmarshal([]byte(challengeJSON), &challenge); err != nil {
		return ErrBadChallengeHeader
	}
	if challenge.StaticChallengeName != ChallengeName {
		return ErrBadChallengeHeader
	}
	claimedSender, err := identity.FromBase64(challenge.SenderIdent)
	if err != nil || claimedSender != sender {
		return ErrBadChallengeHeader
	}
	claimedReceiver, err := identity.FromBase64(challenge.ReceiverIdent)
	if err != nil || claimedReceiver != receiver {
		return ErrBadChallengeHeader
	}
	claimedHash, err := b64.DecodeString(challenge.SessionID)
	if err != nil || !bytes.Equal(claimedHash, handshakeHash) {
		return ErrBadChallengeHeader
	}
	return nil
}

// verifyChallengeSignature checks signer's signature (base64) over the
// exact challenge JSON we issued earlier.
func verifyChallengeSignature(signatureB64, ourChallenge string, signer identity.NodeIdentity) error {
	raw, err := b64.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decoding peer signature: %w", err)
	}
	sig, err := identity.SignatureFromBytes(raw)
	if err != nil {
		return err
	}
	if !identity.Verify([]byte(ourChallenge), sig, signer) {
		return ErrBadSignature
	}
	return nil
}

// handshakeMessage4 carries the responder's challenge, AEAD-encrypted at
// nonce 0.
type handshakeMessage4 struct {
	// PleaseSign contains the JSON of a KeyChallenge for the peer to sign.
	PleaseSign string `json:"please_sign"`
}

// handshakeMessage5 carries the initiator's signature over message 4's
// challenge plus a counter-challenge, AEAD-encrypted at nonce 0 on the
// initiator's own sending direction.
type handshakeMessage5 struct {
	// InitiatorSignature is the base64 signature over message 4's PleaseSign.
	InitiatorSignature string `json:"initiator_signature"`
	// PleaseSign contains the JSON of a KeyChallenge for the peer to sign.
	PleaseSign string `json:"please_sign"`
}

// handshakeMessage6 carries the responder's signature over message 5's
// challenge, AEAD-encrypted at nonce 1.
type handshakeMessage6 struct {
	// ResponderSignature is the base64 signature over message 5's PleaseSign.
	ResponderSignature string `json:"responder_signature"`
}

package preprotocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gestalt-engine/gestaltnet/handshake"
	"github.com/gestalt-engine/gestaltnet/identity"
	"github.com/gestalt-engine/gestaltnet/keystore"
)

var (
	// ErrHandshakeNoIdentity indicates a start_handshake without a usable
	// initiator identity.
	ErrHandshakeNoIdentity = errors.New("attempted to start a handshake, but the initiator has not provided a node identity")
	// ErrHandshakeNotStarted indicates a handshake step before start_handshake.
	ErrHandshakeNotStarted = errors.New("received a handshake message but a handshake was never started")
	// ErrHandshakeAlreadyStarted indicates a second start_handshake.
	ErrHandshakeAlreadyStarted = errors.New("received a handshake start message but a handshake was already started")
	// ErrNoProtocolsInCommon indicates negotiation found no shared protocol.
	ErrNoProtocolsInCommon = errors.New("client and server do not have any protocols in common")
	// ErrUnknownQuery indicates an unrecognized query type tag.
	ErrUnknownQuery = errors.New("unrecognized preprotocol query type")
)

// UnsupportedProtocolError indicates a start_handshake naming a protocol
// this build does not speak.
type UnsupportedProtocolError struct {
	Requested ProtocolDef
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("an attempt to start a handshake was made with unsupported protocol %s v%s",
		e.Requested.Protocol, e.Requested.Version.String())
}

// Output is what a receiver wants done with one query's result.
type Output struct {
	// Reply to send; nil means receive silently and keep going.
	Reply *Reply
	// Done means stop reading further preprotocol messages.
	Done bool
}

// ServerState carries the mutable server-side answers to status and info
// queries, shared between the game loop (which updates them) and every
// preprotocol connection (which reads them).
type ServerState struct {
	mu     sync.Mutex
	status ServerStatus
	info   json.RawMessage
}

// NewServerState starts in the Starting status.
func NewServerState() *ServerState {
	return &ServerState{status: StatusStarting}
}

// SetStatus publishes a new readiness status.
func (s *ServerState) SetStatus(status ServerStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Status reads the current readiness status.
func (s *ServerState) Status() ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetInfo publishes the free-form server description.
func (s *ServerState) SetInfo(info json.RawMessage) {
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
}

// Info reads the free-form server description.
func (s *ServerState) Info() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Receiver answers one peer's preprotocol queries. It starts as a stateless
// query answerer and becomes a handshake carrier after a successful
// start_handshake.
type Receiver struct {
	localIdentity *identity.IdentityKeyPair
	noiseDir      string
	policy        KeyPolicy
	serverState   *ServerState
	supported     []ProtocolDef

	hs           *handshake.Receiver
	peerIdentity *identity.NodeIdentity
}

// NewReceiver builds a receiver for one TCP connection.
func NewReceiver(localIdentity *identity.IdentityKeyPair, noiseDir string,
	policy KeyPolicy, serverState *ServerState) *Receiver {
	return &Receiver{
		localIdentity: localIdentity,
		noiseDir:      noiseDir,
		policy:        policy,
		serverState:   serverState,
		supported:     []ProtocolDef{CurrentProtocol()},
	}
}

// InHandshake reports whether a handshake has been started.
func (r *Receiver) InHandshake() bool { return r.hs != nil }

// IsHandshakeDone reports whether the carried handshake finished.
func (r *Receiver) IsHandshakeDone() bool {
	return r.hs != nil && r.hs.IsDone()
}

// PeerIdentity returns the peer's claimed identity, nil if never introduced.
func (r *Receiver) PeerIdentity() *identity.NodeIdentity { return r.peerIdentity }

// ReceiveAndReply advances the receiver with one query.
func (r *Receiver) ReceiveAndReply(query *Query) (Output, error) {
	switch query.Type {
	case QueryIntroduction:
		ident, err := identity.FromBase64(query.Identity)
		if err != nil {
			return Output{Reply: errReply(err)}, nil
		}
		r.peerIdentity = &ident
		return Output{}, nil

	case QueryRequestIdentity:
		return Output{Reply: &Reply{
			Type:     ReplyIdentity,
			Identity: r.localIdentity.Public.ToBase64(),
		}}, nil

	case QuerySupportedProtocols:
		return Output{Reply: &Reply{
			Type:               ReplySupportedProtocols,
			SupportedProtocols: &SupportedProtocols{SupportedProtocols: r.supported},
		}}, nil

	case QueryRequestServerStatus:
		status := StatusNoResponse
		if r.serverState != nil {
			status = r.serverState.Status()
		}
		return Output{Reply: &Reply{Type: ReplyStatus, Status: status}}, nil

	case QueryRequestServerInfo:
		var info json.RawMessage
		if r.serverState != nil {
			info = r.serverState.Info()
		}
		if len(info) == 0 {
			info = json.RawMessage("{}")
		}
		return Output{Reply: &Reply{Type: ReplyServerInfo, ServerInfo: info}}, nil

	case QueryStartHandshake:
		return r.startHandshake(query.StartHandshake)

	case QueryHandshake:
		return r.continueHandshake(query.Handshake)

	case QueryHandshakeFailed:
		r.hs = nil
		if r.peerIdentity != nil {
			logrus.WithFields(logrus.Fields{
				"peer":   r.peerIdentity.ToBase64(),
				"reason": query.Reason,
			}).Error("Remote party reported an error in the handshake process")
		} else {
			logrus.WithField("reason", query.Reason).
				Error("Unidentified remote party reported an error in the handshake process")
		}
		return Output{Done: true}, nil

	default:
		return Output{Reply: errReply(fmt.Errorf("%w: %q", ErrUnknownQuery, query.Type))}, nil
	}
}

func (r *Receiver) startHandshake(start *StartHandshakeMsg) (Output, error) {
	if start == nil || start.Handshake == nil {
		return Output{Reply: errReply(ErrHandshakeNoIdentity)}, nil
	}
	if r.InHandshake() {
		return Output{Reply: errReply(ErrHandshakeAlreadyStarted)}, nil
	}
	ident, err := identity.FromBase64(start.InitiatorIdentity)
	if err != nil {
		return Output{Reply: errReply(err)}, nil
	}
	supported := false
	for _, def := range r.supported {
		if def.Equal(start.UseProtocol) {
			supported = true
			break
		}
	}
	if !supported {
		return Output{Reply: errReply(&UnsupportedProtocolError{Requested: start.UseProtocol})}, nil
	}
	r.peerIdentity = &ident
	logrus.WithFields(logrus.Fields{
		"peer": ident.ToBase64(),
		"step": start.Handshake.HandshakeStep,
	}).Debug("Starting handshake")

	// The local noise keypair loads lazily, on the first handshake that
	// needs it.
	noiseKeys, err := keystore.LoadOrGenerateLocalNoiseKeys(r.noiseDir, r.localIdentity.Public)
	if err != nil {
		return Output{Reply: errReply(err)}, nil
	}
	hs := handshake.NewReceiver(r.noiseDir, noiseKeys, r.localIdentity,
		r.policy.Report, r.policy.Approvals.Subscribe())
	next, err := hs.Advance(start.Handshake)
	if err != nil {
		return Output{Reply: errReply(err)}, nil
	}
	r.hs = hs
	return Output{Reply: &Reply{Type: ReplyHandshake, Handshake: next.Message}}, nil
}

func (r *Receiver) continueHandshake(step *handshake.StepMessage) (Output, error) {
	if r.hs == nil {
		return Output{Reply: errReply(ErrHandshakeNotStarted)}, nil
	}
	if step == nil {
		return Output{Reply: errReply(ErrHandshakeNotStarted)}, nil
	}
	logrus.WithField("step", step.HandshakeStep).Debug("Handshake step message received")
	next, err := r.hs.Advance(step)
	if err != nil {
		return Output{Reply: errReply(err)}, nil
	}
	return Output{Reply: &Reply{Type: ReplyHandshake, Handshake: next.Message}}, nil
}

// CompleteHandshake consumes a finished handshake and returns the material
// the network system needs to build a session.
func (r *Receiver) CompleteHandshake() (*handshake.Transport, uint32, identity.NodeIdentity, [4]byte, error) {
	if r.hs == nil {
		return nil, 0, identity.NodeIdentity{}, [4]byte{}, handshake.ErrCompleteBeforeDone
	}
	transport, counter, peer, sid, err := r.hs.Complete()
	r.hs = nil
	return transport, counter, peer, sid, err
}

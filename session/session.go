// Package session owns the per-peer state of one live connection: the
// stateless AEAD transport produced by the handshake, the reliable-UDP
// wrapper, the strictly-increasing outbound counter, and the routing of
// decoded messages onto the application bus.
//
// One Session is owned by exactly one task (see Handle); all communication
// with the network system and the application happens over channels.
package session

import (
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gestalt-engine/gestaltnet/handshake"
	"github.com/gestalt-engine/gestaltnet/identity"
	"github.com/gestalt-engine/gestaltnet/netbus"
	"github.com/gestalt-engine/gestaltnet/netmsg"
	"github.com/gestalt-engine/gestaltnet/preprotocol"
	"github.com/gestalt-engine/gestaltnet/reliableudp"
	"github.com/gestalt-engine/gestaltnet/wire"
)

// DefaultTickInterval is how often a session retransmits, heartbeats, and
// checks timeouts.
const DefaultTickInterval = 50 * time.Millisecond

// Session handles both cryptography and reliability for one peer.
type Session struct {
	rudp *reliableudp.Connection

	localRole     netmsg.Role
	localIdentity *identity.IdentityKeyPair
	peerIdentity  identity.NodeIdentity
	peerAddress   netip.AddrPort

	sessionID wire.SessionID
	// localCounter goes on outgoing envelopes; strictly monotonic, and its
	// value is the AEAD nonce, so it must never repeat within the session.
	localCounter wire.MessageCounter
	transport    *handshake.Transport

	// push hands encrypted envelopes to the network system's socket loop.
	push chan<- []*wire.OuterEnvelope

	router *netbus.Router
	// domains caches bus handles so routing doesn't retake the router lock
	// for every batch.
	domains map[netmsg.NetMsgID]*netbus.DomainChannel

	// disconnectDeliberate latches once the peer announces a clean exit;
	// it never resets.
	disconnectDeliberate bool

	// validIncoming is fixed at construction from our role and the message
	// table's sidedness column.
	validIncoming map[netmsg.NetMsgID]struct{}
}

// New builds a session from a completed handshake. peerAddress is the UDP
// address datagrams will flow over, which on a server differs from the TCP
// address recorded in the SuccessfulConnect.
func New(localIdentity *identity.IdentityKeyPair, localRole netmsg.Role, peerAddress netip.AddrPort,
	connect *preprotocol.SuccessfulConnect, relCfg reliableudp.Config,
	push chan<- []*wire.OuterEnvelope, router *netbus.Router, now time.Time) *Session {

	valid := make(map[netmsg.NetMsgID]struct{})
	for id, info := range netmsg.Table() {
		if localRole.ShouldIngest(info.Sidedness) {
			valid[id] = struct{}{}
		}
	}

	return &Session{
		rudp:          reliableudp.NewConnection(peerAddress, relCfg, now),
		localRole:     localRole,
		localIdentity: localIdentity,
		peerIdentity:  connect.PeerIdentity,
		peerAddress:   peerAddress,
		sessionID:     connect.SessionID,
		localCounter:  connect.TransportCounter,
		transport:     connect.TransportCryptography,
		push:          push,
		router:        router,
		domains:       make(map[netmsg.NetMsgID]*netbus.DomainChannel),
		validIncoming: valid,
	}
}

// SessionName returns the unique name of this session.
func (s *Session) SessionName() wire.FullSessionName {
	return wire.FullSessionName{
		PeerAddress: s.peerAddress,
		SessionID:   s.sessionID,
	}
}

// PeerIdentity returns the authenticated identity of the peer.
func (s *Session) PeerIdentity() identity.NodeIdentity { return s.peerIdentity }

// DisconnectDeliberate reports whether the peer announced a clean exit.
func (s *Session) DisconnectDeliberate() bool { return s.disconnectDeliberate }

// RecordRecv marks the peer as heard from; the network system calls this
// when it materializes a server-side session from a first datagram.
func (s *Session) RecordRecv(now time.Time) { s.rudp.RecordRecv(now) }

// encryptPacket wraps one plaintext frame in an encrypted outer envelope,
// advancing the counter. The counter is checked before increment: reaching
// the maximum is fatal because the next value would repeat a nonce.
func (s *Session) encryptPacket(plaintext []byte) (*wire.OuterEnvelope, error) {
	if s.localCounter == math.MaxUint32 {
		return nil, &ExhaustedCounterError{Peer: s.peerAddress}
	}
	s.localCounter++
	buf := make([]byte, 0, 3*len(plaintext)+64)
	ciphertext, err := s.transport.EncryptAtNonce(uint64(s.localCounter), buf, plaintext)
	if err != nil {
		return nil, fmt.Errorf("cryptographic error encrypting packet for %s: %w", s.peerAddress, err)
	}
	return &wire.OuterEnvelope{
		Session:    s.SessionName(),
		Counter:    s.localCounter,
		Ciphertext: ciphertext,
	}, nil
}

// decryptEnvelope recovers the plaintext frame from an inbound envelope,
// using the envelope's counter as the nonce.
func (s *Session) decryptEnvelope(env *wire.OuterEnvelope) ([]byte, error) {
	if len(env.Ciphertext) == 0 {
		return nil, ErrZeroLengthCiphertext
	}
	buf := make([]byte, 0, len(env.Ciphertext)*3/2)
	plaintext, err := s.transport.DecryptAtNonce(uint64(env.Counter), buf, env.Ciphertext)
	if err != nil {
		return nil, &DecryptError{Peer: s.peerAddress, Err: err}
	}
	return plaintext, nil
}

// domain fetches (and caches) the bus channel for a message id.
func (s *Session) domain(id netmsg.NetMsgID) (*netbus.DomainChannel, error) {
	if d, ok := s.domains[id]; ok {
		return d, nil
	}
	d, err := s.router.Domain(id)
	if err != nil {
		return nil, err
	}
	s.domains[id] = d
	return d, nil
}

// IngestPackets feeds a batch of envelopes off the wire through decryption,
// the reliability layer, and message routing, then flushes any replies
// (acks, retransmissions) the reliability layer produced. All errors for
// the batch are returned together; callers decide which are fatal with
// allNonFatal semantics.
func (s *Session) IngestPackets(envelopes []*wire.OuterEnvelope, now time.Time) []error {
	var errs []error

	batch := make([][]byte, 0, len(envelopes))
	for _, env := range envelopes {
		plaintext, err := s.decryptEnvelope(env)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		batch = append(batch, plaintext)
	}

	if err := s.rudp.ProcessInbound(batch, now); err != nil {
		errs = append(errs, err)
	}

	// Decode and batch deliverable packets by message id.
	grouped := make(map[netmsg.NetMsgID][]netbus.InboundNetMsg)
	order := make([]netmsg.NetMsgID, 0, 4)
	for _, event := range s.rudp.EmptyInbox() {
		switch evt := event.(type) {
		case reliableudp.PacketEvent:
			id32, body, err := wire.SplitMsgID(evt.Payload)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			id := netmsg.NetMsgID(id32)
			if _, ok := grouped[id]; !ok {
				order = append(order, id)
			}
			grouped[id] = append(grouped[id], netbus.InboundNetMsg{
				ID:           id,
				PeerIdentity: s.peerIdentity,
				Payload:      body,
			})
		case reliableudp.TimeoutEvent:
			errs = append(errs, &TimeoutError{Peer: evt.Addr})
		case reliableudp.DisconnectEvent:
			errs = append(errs, &DisconnectError{Peer: evt.Addr})
		}
	}

	for _, id := range order {
		messages := grouped[id]
		if _, valid := s.validIncoming[id]; !valid {
			if info, known := netmsg.Lookup(id); known {
				errs = append(errs, &WrongSidednessError{
					ID:        id,
					Peer:      s.peerIdentity.ToBase64(),
					Role:      s.localRole,
					Sidedness: info.Sidedness,
				})
			} else {
				errs = append(errs, &UnrecognizedMsgError{ID: id, Peer: s.peerIdentity.ToBase64()})
			}
			continue
		}
		if id == netmsg.DisconnectReserved {
			logrus.WithField("peer", s.peerIdentity.ToBase64()).
				Info("Peer has disconnected (deliberately - this is not an error)")
			s.disconnectDeliberate = true
			continue
		}
		d, err := s.domain(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.Publish(messages); err != nil {
			errs = append(errs, ErrSendBus)
		}
	}

	errs = append(errs, s.flushOutbox()...)
	return errs
}

// ProcessOutbound stamps reliability headers on application messages,
// encrypts the resulting frames, and queues them for the socket.
func (s *Session) ProcessOutbound(packets []netmsg.PacketIntermediary, now time.Time) []error {
	var errs []error
	outgoing := make([]reliableudp.OutgoingPacket, 0, len(packets))
	for _, pkt := range packets {
		outgoing = append(outgoing, reliableudp.OutgoingPacket{
			Mode:    channelMode(pkt.Mode),
			Payload: pkt.EncodePlaintext(),
		})
	}
	if err := s.rudp.ProcessOutbound(outgoing, now); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, s.flushOutbox()...)
	return errs
}

// ProcessUpdate ticks the reliability layer: retransmissions, heartbeats,
// and timeout detection.
func (s *Session) ProcessUpdate(now time.Time) []error {
	var errs []error
	if err := s.rudp.ProcessUpdate(now); err != nil {
		errs = append(errs, err)
	}
	for _, event := range s.rudp.EmptyInbox() {
		switch evt := event.(type) {
		case reliableudp.TimeoutEvent:
			errs = append(errs, &TimeoutError{Peer: evt.Addr})
		case reliableudp.DisconnectEvent:
			errs = append(errs, &DisconnectError{Peer: evt.Addr})
		}
	}
	errs = append(errs, s.flushOutbox()...)
	return errs
}

// ForceHeartbeat synthesizes and sends a heartbeat immediately. Network
// connection CPR, and how a client's first datagram reveals its UDP port.
func (s *Session) ForceHeartbeat(now time.Time) []error {
	s.rudp.ForceHeartbeat(now)
	return s.flushOutbox()
}

// flushOutbox encrypts everything the reliability layer wants sent and
// pushes it to the socket loop.
func (s *Session) flushOutbox() []error {
	var errs []error
	frames := s.rudp.EmptyOutbox()
	if len(frames) == 0 {
		return nil
	}
	envelopes := make([]*wire.OuterEnvelope, 0, len(frames))
	for _, frame := range frames {
		env, err := s.encryptPacket(frame)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		envelopes = append(envelopes, env)
	}
	if len(envelopes) > 0 {
		s.push <- envelopes
	}
	return errs
}

// channelMode maps a message type's declared guarantee onto the
// reliability layer's channel modes.
func channelMode(mode netmsg.GuaranteeMode) reliableudp.ChannelMode {
	switch mode {
	case netmsg.ReliableOrdered:
		return reliableudp.ReliableOrdered
	case netmsg.ReliableUnordered:
		return reliableudp.ReliableUnordered
	case netmsg.UnreliableSequenced:
		return reliableudp.UnreliableSequenced
	default:
		return reliableudp.Unreliable
	}
}

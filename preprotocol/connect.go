package preprotocol

import (
	"net/netip"

	"github.com/gestalt-engine/gestaltnet/handshake"
	"github.com/gestalt-engine/gestaltnet/identity"
	"github.com/gestalt-engine/gestaltnet/keystore"
	"github.com/gestalt-engine/gestaltnet/netmsg"
	"github.com/gestalt-engine/gestaltnet/wire"
)

// SuccessfulConnect is a completed handshake ready to become a UDP session.
// On the server side PeerAddress still carries the peer's preprotocol TCP
// port; the network system learns the real UDP port from the peer's first
// datagram.
type SuccessfulConnect struct {
	SessionID    wire.SessionID
	PeerIdentity identity.NodeIdentity
	PeerAddress  netip.AddrPort
	PeerRole     netmsg.Role
	// TransportCryptography is the stateless AEAD transport keyed by the
	// handshake; the session counter is its nonce.
	TransportCryptography *handshake.Transport
	// TransportCounter is the last counter value the handshake used; the
	// session's first encrypt uses TransportCounter+1.
	TransportCounter wire.MessageCounter
}

// FullSessionName keys this connection in the network system's maps.
func (c *SuccessfulConnect) FullSessionName() wire.FullSessionName {
	return wire.FullSessionName{
		PeerAddress: c.PeerAddress,
		SessionID:   c.SessionID,
	}
}

// KeyPolicy is how a handshake asks the application about changed peer
// keys: mismatches are reported on Report, and decisions come back through
// the broadcast so every waiting handshake sees them.
type KeyPolicy struct {
	Report    chan<- identity.NodeIdentity
	Approvals *keystore.ApprovalBroadcast
}

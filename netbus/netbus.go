// Package netbus is the application-layer message bus: inbound fan-out
// channels keyed by message id, per-peer outbound queues, and a broadcast
// for connection-up events.
//
// A single Router is constructed at startup and shared by the network
// system, the sessions, and application code. Domains are append-only; the
// router's lock is held only long enough to clone a handle, never across a
// send.
package netbus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gestalt-engine/gestaltnet/identity"
	"github.com/gestalt-engine/gestaltnet/netmsg"
)

// InboundNetMsg is one decoded application message as delivered to
// subscribers: the type id, the authenticated sender, and the raw body.
type InboundNetMsg struct {
	ID           netmsg.NetMsgID
	PeerIdentity identity.NodeIdentity
	Payload      []byte
}

// ConnectAnnounce is broadcast when a peer's UDP session becomes ready.
type ConnectAnnounce struct {
	PeerIdentity identity.NodeIdentity
	PeerRole     netmsg.Role
}

var (
	// ErrUnknownDomain indicates a message id with no registered channel.
	ErrUnknownDomain = errors.New("no channel registered for this message id")
	// ErrNoSubscribers indicates a publish with nobody listening.
	ErrNoSubscribers = errors.New("no subscribers for this message id")
	// ErrUnknownPeer indicates an operation on a peer with no registered queue.
	ErrUnknownPeer = errors.New("no outbound queue registered for this peer")
	// ErrPeerQueueFull indicates a peer's outbound queue is at capacity.
	ErrPeerQueueFull = errors.New("outbound queue for this peer is full")
	// ErrPeerAlreadyRegistered indicates a duplicate peer registration.
	ErrPeerAlreadyRegistered = errors.New("outbound queue already registered for this peer")
)

const (
	inboundBuffer   = 64
	outboundBuffer  = 256
	connectedBuffer = 16
)

// DomainChannel fans one message id's traffic out to its subscribers.
// Obtain one through Router.Domain and cache it; it stays valid for the
// life of the process.
type DomainChannel struct {
	mu   sync.Mutex
	subs []chan []InboundNetMsg
}

// Subscribe adds a receiver to the domain.
func (d *DomainChannel) Subscribe() <-chan []InboundNetMsg {
	ch := make(chan []InboundNetMsg, inboundBuffer)
	d.mu.Lock()
	d.subs = append(d.subs, ch)
	d.mu.Unlock()
	return ch
}

// Publish delivers a batch to every subscriber. A slow subscriber loses its
// oldest pending batch rather than blocking the session that publishes.
func (d *DomainChannel) Publish(batch []InboundNetMsg) error {
	d.mu.Lock()
	subs := d.subs
	d.mu.Unlock()
	if len(subs) == 0 {
		return ErrNoSubscribers
	}
	for _, ch := range subs {
		for {
			select {
			case ch <- batch:
			default:
				// Lagging subscriber: shed the oldest batch and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
	return nil
}

// Router owns every channel the networking core shares with application
// code.
type Router struct {
	mu        sync.Mutex
	inbound   map[netmsg.NetMsgDomain]*DomainChannel
	outbound  map[identity.NodeIdentity]chan []netmsg.PacketIntermediary
	connected []chan ConnectAnnounce
}

// NewRouter builds an empty router.
func NewRouter() *Router {
	return &Router{
		inbound:  make(map[netmsg.NetMsgDomain]*DomainChannel),
		outbound: make(map[identity.NodeIdentity]chan []netmsg.PacketIntermediary),
	}
}

// AddDomain ensures a channel exists for the given message id. Idempotent;
// domains are never removed.
func (r *Router) AddDomain(id netmsg.NetMsgDomain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inbound[id]; !ok {
		r.inbound[id] = &DomainChannel{}
	}
}

// Domain fetches the channel for a message id.
func (r *Router) Domain(id netmsg.NetMsgDomain) (*DomainChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.inbound[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDomain, id)
	}
	return d, nil
}

// SubscribeInbound subscribes to every delivered message of one id.
func (r *Router) SubscribeInbound(id netmsg.NetMsgDomain) (<-chan []InboundNetMsg, error) {
	d, err := r.Domain(id)
	if err != nil {
		return nil, err
	}
	return d.Subscribe(), nil
}

// RegisterPeer creates the outbound queue for a newly-connected peer.
func (r *Router) RegisterPeer(peer identity.NodeIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.outbound[peer]; ok {
		return fmt.Errorf("%w: %s", ErrPeerAlreadyRegistered, peer.ToBase64())
	}
	r.outbound[peer] = make(chan []netmsg.PacketIntermediary, outboundBuffer)
	return nil
}

// OutboundQueue hands the session task its end of a peer's outbound queue.
func (r *Router) OutboundQueue(peer identity.NodeIdentity) (<-chan []netmsg.PacketIntermediary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.outbound[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer.ToBase64())
	}
	return ch, nil
}

// SendToPeer queues messages for delivery to one peer. Non-blocking: a full
// queue is an error surfaced to the caller rather than back-pressure into
// game logic.
func (r *Router) SendToPeer(peer identity.NodeIdentity, packets ...netmsg.PacketIntermediary) error {
	r.mu.Lock()
	ch, ok := r.outbound[peer]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.ToBase64())
	}
	select {
	case ch <- packets:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrPeerQueueFull, peer.ToBase64())
	}
}

// DropPeer tears down a peer's outbound queue. The session task observes
// the close and exits its send branch cleanly.
func (r *Router) DropPeer(peer identity.NodeIdentity) {
	r.mu.Lock()
	ch, ok := r.outbound[peer]
	if ok {
		delete(r.outbound, peer)
	}
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

// SubscribeConnected subscribes to connection-up announcements.
func (r *Router) SubscribeConnected() <-chan ConnectAnnounce {
	ch := make(chan ConnectAnnounce, connectedBuffer)
	r.mu.Lock()
	r.connected = append(r.connected, ch)
	r.mu.Unlock()
	return ch
}

// AnnounceConnected broadcasts that a peer's session is ready. Slow
// subscribers lose the oldest announcement rather than blocking the
// network system.
func (r *Router) AnnounceConnected(ann ConnectAnnounce) {
	r.mu.Lock()
	subs := r.connected
	r.mu.Unlock()
	for _, ch := range subs {
		for {
			select {
			case ch <- ann:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Package reliableudp layers ordering, acknowledgment, retransmission,
// heartbeats, and timeout detection over a single bidirectional encrypted
// flow.
//
// The wrapper is packet-format-agnostic above the cipher: it consumes
// decrypted plaintext frames and produces plaintext frames for the session
// layer to encrypt, plus events (delivered packets, timeout, disconnect)
// for the session to act on. Four channel modes are offered per message,
// each with its own 16-bit sequence space:
//
//   - ReliableOrdered: at-least-once, delivered in send order
//   - ReliableUnordered: at-least-once, delivered as they arrive
//   - UnreliableSequenced: may drop, never delivers stale packets
//   - Unreliable: fire and forget
//
// A Connection is owned by exactly one session task and is not safe for
// concurrent use.
package reliableudp

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
)

// ChannelMode selects delivery guarantees for one packet.
type ChannelMode uint8

const (
	// ReliableOrdered delivers at least once, in send order.
	ReliableOrdered ChannelMode = iota
	// ReliableUnordered delivers at least once, in any order.
	ReliableUnordered
	// UnreliableSequenced may drop packets but never delivers stale ones.
	UnreliableSequenced
	// Unreliable is fire-and-forget.
	Unreliable

	numModes
)

func (m ChannelMode) reliable() bool {
	return m == ReliableOrdered || m == ReliableUnordered
}

// Config tunes one connection's reliability behavior.
type Config struct {
	// IdleTimeout is how long a silent peer stays alive.
	IdleTimeout time.Duration
	// HeartbeatInterval is the maximum send silence before a heartbeat.
	HeartbeatInterval time.Duration
	// ResendAfter is how long an unacknowledged reliable packet waits
	// before retransmission.
	ResendAfter time.Duration
	// OrderingBufferCap bounds the out-of-order buffer per ordered channel.
	OrderingBufferCap int
	// MaxPayload bounds a single outgoing payload body.
	MaxPayload int
}

// DefaultConfig returns the tuning used by the engine unless overridden.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:       3 * time.Second,
		HeartbeatInterval: 700 * time.Millisecond,
		ResendAfter:       200 * time.Millisecond,
		OrderingBufferCap: 1024,
		MaxPayload:        8000,
	}
}

// Event is something the wrapper wants the session layer to know about.
type Event interface{ isEvent() }

// PacketEvent is a reassembled message ready for application dispatch.
type PacketEvent struct {
	Payload []byte
}

// TimeoutEvent means the peer exceeded the idle threshold.
type TimeoutEvent struct {
	Addr netip.AddrPort
}

// DisconnectEvent means the peer tore the connection down explicitly.
type DisconnectEvent struct {
	Addr netip.AddrPort
}

func (PacketEvent) isEvent()     {}
func (TimeoutEvent) isEvent()    {}
func (DisconnectEvent) isEvent() {}

// OutgoingPacket is one message handed to the wrapper for transmission.
type OutgoingPacket struct {
	Mode    ChannelMode
	Payload []byte
}

type inFlightPacket struct {
	frame    []byte
	lastSent time.Time
}

// sendChannel is the sender half of one mode's sequence space.
type sendChannel struct {
	nextSeq  uint16
	inFlight map[uint16]*inFlightPacket
}

// recvChannel is the receiver half of one mode's sequence space.
type recvChannel struct {
	// Acknowledgment state for reliable modes: the newest sequence seen
	// plus a bitfield of the 32 before it.
	ackStarted bool
	ackLatest  uint16
	ackBits    uint32
	ackDirty   bool

	// ReliableOrdered: next sequence owed to the application, plus the
	// out-of-order holding buffer.
	expected uint16
	buffer   map[uint16][]byte

	// ReliableUnordered: dedup window.
	seen map[uint16]struct{}

	// UnreliableSequenced: newest delivered sequence.
	seqStarted    bool
	lastDelivered uint16
}

// Connection is the reliability state for one peer flow.
type Connection struct {
	cfg  Config
	addr netip.AddrPort

	lastHeard time.Time
	lastSent  time.Time
	dropped   bool

	send [numModes]sendChannel
	recv [numModes]recvChannel

	inbox  []Event
	outbox [][]byte
}

// NewConnection builds the reliability state for a flow with addr.
func NewConnection(addr netip.AddrPort, cfg Config, now time.Time) *Connection {
	c := &Connection{
		cfg:       cfg,
		addr:      addr,
		lastHeard: now,
		lastSent:  now,
	}
	for m := ChannelMode(0); m < numModes; m++ {
		if m.reliable() {
			c.send[m].inFlight = make(map[uint16]*inFlightPacket)
			c.recv[m].seen = make(map[uint16]struct{})
		}
		if m == ReliableOrdered {
			c.recv[m].buffer = make(map[uint16][]byte)
		}
	}
	return c
}

// RecordRecv marks the peer as heard from, without processing a frame.
func (c *Connection) RecordRecv(now time.Time) { c.lastHeard = now }

// RecordSend marks traffic as sent, deferring the next heartbeat.
func (c *Connection) RecordSend(now time.Time) { c.lastSent = now }

// ShouldDrop reports whether this connection is terminally dead.
func (c *Connection) ShouldDrop(now time.Time) bool {
	return c.dropped || now.Sub(c.lastHeard) > c.cfg.IdleTimeout
}

// EmptyInbox drains the pending events.
func (c *Connection) EmptyInbox() []Event {
	out := c.inbox
	c.inbox = nil
	return out
}

// EmptyOutbox drains the pending plaintext frames for encryption and send.
func (c *Connection) EmptyOutbox() [][]byte {
	out := c.outbox
	c.outbox = nil
	return out
}

// ProcessInbound feeds a batch of decrypted frames into the connection,
// updating last-heard, filling the inbox with events, and queueing any
// acknowledgments into the outbox. Malformed frames are collected into the
// returned error; well-formed frames in the same batch still take effect.
func (c *Connection) ProcessInbound(batch [][]byte, now time.Time) error {
	var errs []error
	for _, frame := range batch {
		if err := c.processFrame(frame, now); err != nil {
			errs = append(errs, err)
		}
	}
	c.flushAcks(now)
	return errors.Join(errs...)
}

func (c *Connection) processFrame(frame []byte, now time.Time) error {
	if len(frame) == 0 {
		return ErrFrameTooShort
	}
	c.lastHeard = now
	switch frame[0] {
	case frameTypePayload:
		if len(frame) < payloadHeaderLen {
			return ErrFrameTooShort
		}
		mode := ChannelMode(frame[1])
		if mode >= numModes {
			return &UnknownModeError{Mode: frame[1]}
		}
		seq := binary.LittleEndian.Uint16(frame[2:4])
		c.receivePayload(mode, seq, frame[payloadHeaderLen:])
		return nil
	case frameTypeHeartbeat:
		return nil
	case frameTypeDisconnect:
		c.inbox = append(c.inbox, DisconnectEvent{Addr: c.addr})
		c.dropped = true
		return nil
	case frameTypeAck:
		if len(frame) < ackFrameLen {
			return ErrFrameTooShort
		}
		mode := ChannelMode(frame[1])
		if !mode.reliable() {
			return &UnknownModeError{Mode: frame[1]}
		}
		latest := binary.LittleEndian.Uint16(frame[2:4])
		bits := binary.LittleEndian.Uint32(frame[4:8])
		c.receiveAck(mode, latest, bits)
		return nil
	default:
		return &UnknownFrameTypeError{Type: frame[0]}
	}
}

func (c *Connection) receivePayload(mode ChannelMode, seq uint16, body []byte) {
	rc := &c.recv[mode]
	switch mode {
	case ReliableOrdered:
		c.recordAck(rc, seq)
		if seq == rc.expected {
			c.deliver(body)
			rc.expected++
			// Drain anything this arrival unblocked.
			for {
				buffered, ok := rc.buffer[rc.expected]
				if !ok {
					break
				}
				delete(rc.buffer, rc.expected)
				c.deliver(buffered)
				rc.expected++
			}
			return
		}
		if seqGreater(seq, rc.expected) {
			if len(rc.buffer) >= c.cfg.OrderingBufferCap {
				logrus.WithFields(logrus.Fields{
					"peer": c.addr,
					"seq":  seq,
				}).Warn("Ordering buffer full, dropping out-of-order packet")
				return
			}
			if _, ok := rc.buffer[seq]; !ok {
				buffered := make([]byte, len(body))
				copy(buffered, body)
				rc.buffer[seq] = buffered
			}
		}
		// Older than expected: a duplicate already delivered. The ack
		// refresh above is all it needed.
	case ReliableUnordered:
		c.recordAck(rc, seq)
		if _, dup := rc.seen[seq]; dup {
			return
		}
		rc.seen[seq] = struct{}{}
		// Prune entries far behind the newest so the window stays bounded.
		if len(rc.seen) > c.cfg.OrderingBufferCap {
			for old := range rc.seen {
				if seqDiff(rc.ackLatest, old) > uint16(c.cfg.OrderingBufferCap) {
					delete(rc.seen, old)
				}
			}
		}
		c.deliver(body)
	case UnreliableSequenced:
		if rc.seqStarted && !seqGreater(seq, rc.lastDelivered) {
			return
		}
		rc.seqStarted = true
		rc.lastDelivered = seq
		c.deliver(body)
	case Unreliable:
		c.deliver(body)
	}
}

func (c *Connection) deliver(body []byte) {
	payload := make([]byte, len(body))
	copy(payload, body)
	c.inbox = append(c.inbox, PacketEvent{Payload: payload})
}

// recordAck folds a received reliable sequence number into the
// acknowledgment state for its mode.
func (c *Connection) recordAck(rc *recvChannel, seq uint16) {
	rc.ackDirty = true
	if !rc.ackStarted {
		rc.ackStarted = true
		rc.ackLatest = seq
		rc.ackBits = 0
		return
	}
	if seq == rc.ackLatest {
		return
	}
	if seqGreater(seq, rc.ackLatest) {
		shift := uint32(seqDiff(seq, rc.ackLatest))
		if shift > 32 {
			rc.ackBits = 0
		} else {
			rc.ackBits = rc.ackBits<<shift | 1<<(shift-1)
		}
		rc.ackLatest = seq
		return
	}
	if back := uint32(seqDiff(rc.ackLatest, seq)); back >= 1 && back <= 32 {
		rc.ackBits |= 1 << (back - 1)
	}
}

// receiveAck clears acknowledged packets out of the in-flight table.
func (c *Connection) receiveAck(mode ChannelMode, latest uint16, bits uint32) {
	sc := &c.send[mode]
	delete(sc.inFlight, latest)
	for n := uint32(0); n < 32; n++ {
		if bits&(1<<n) != 0 {
			delete(sc.inFlight, latest-1-uint16(n))
		}
	}
}

// flushAcks emits an ack frame for every reliable mode with new receipt
// state.
func (c *Connection) flushAcks(now time.Time) {
	for _, mode := range []ChannelMode{ReliableOrdered, ReliableUnordered} {
		rc := &c.recv[mode]
		if rc.ackDirty {
			rc.ackDirty = false
			c.outbox = append(c.outbox, encodeAckFrame(mode, rc.ackLatest, rc.ackBits))
			c.lastSent = now
		}
	}
}

// ProcessOutbound stamps sequence headers onto a batch of outgoing packets,
// arms retransmission for the reliable ones, and fills the outbox with the
// frames to encrypt.
func (c *Connection) ProcessOutbound(packets []OutgoingPacket, now time.Time) error {
	var errs []error
	for _, pkt := range packets {
		if pkt.Mode >= numModes {
			errs = append(errs, &UnknownModeError{Mode: byte(pkt.Mode)})
			continue
		}
		if len(pkt.Payload) > c.cfg.MaxPayload {
			errs = append(errs, ErrPayloadTooLarge)
			continue
		}
		sc := &c.send[pkt.Mode]
		seq := sc.nextSeq
		sc.nextSeq++
		frame := encodePayloadFrame(pkt.Mode, seq, pkt.Payload)
		if pkt.Mode.reliable() {
			sc.inFlight[seq] = &inFlightPacket{frame: frame, lastSent: now}
		}
		c.outbox = append(c.outbox, frame)
		c.lastSent = now
	}
	return errors.Join(errs...)
}

// ProcessUpdate is the per-tick maintenance pass: retransmit eligible
// reliable packets, flush pending acks, heartbeat if the send side has gone
// quiet, and raise a timeout event once the peer has been silent too long.
func (c *Connection) ProcessUpdate(now time.Time) error {
	for _, mode := range []ChannelMode{ReliableOrdered, ReliableUnordered} {
		sc := &c.send[mode]
		for _, pkt := range sc.inFlight {
			if now.Sub(pkt.lastSent) >= c.cfg.ResendAfter {
				pkt.lastSent = now
				c.outbox = append(c.outbox, pkt.frame)
				c.lastSent = now
			}
		}
	}
	c.flushAcks(now)

	if now.Sub(c.lastSent) >= c.cfg.HeartbeatInterval {
		c.outbox = append(c.outbox, []byte{frameTypeHeartbeat})
		c.lastSent = now
	}

	if !c.dropped && now.Sub(c.lastHeard) > c.cfg.IdleTimeout {
		c.dropped = true
		c.inbox = append(c.inbox, TimeoutEvent{Addr: c.addr})
	}
	return nil
}

// ForceHeartbeat synthesizes a heartbeat frame immediately. Used at client
// session birth so the first datagram reveals our UDP source port to the
// server.
func (c *Connection) ForceHeartbeat(now time.Time) {
	c.outbox = append(c.outbox, []byte{frameTypeHeartbeat})
	c.lastSent = now
}

// Disconnect queues an explicit teardown frame for the peer.
func (c *Connection) Disconnect(now time.Time) {
	c.outbox = append(c.outbox, []byte{frameTypeDisconnect})
	c.lastSent = now
}

// PacketsInFlight counts unacknowledged reliable packets across modes.
func (c *Connection) PacketsInFlight() int {
	total := 0
	for _, mode := range []ChannelMode{ReliableOrdered, ReliableUnordered} {
		total += len(c.send[mode].inFlight)
	}
	return total
}

// LastHeard reports when the peer was last heard from.
func (c *Connection) LastHeard() time.Time { return c.lastHeard }

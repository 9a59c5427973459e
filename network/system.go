// Package network runs the UDP side of the networking core: one system
// owns the socket, demultiplexes inbound datagrams to per-peer session
// tasks, carries their encrypted output back to the wire, and coordinates
// shutdown.
//
// Servers don't build a session straight from a completed preprotocol
// handshake: the handshake ran over TCP, so the client's UDP source port is
// still unknown. The connection is parked as an "anticipated client" keyed
// by (peer IP, session id) until the client's first datagram arrives and
// reveals the real address.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gestalt-engine/gestaltnet/identity"
	"github.com/gestalt-engine/gestaltnet/netbus"
	"github.com/gestalt-engine/gestaltnet/netmsg"
	"github.com/gestalt-engine/gestaltnet/preprotocol"
	"github.com/gestalt-engine/gestaltnet/reliableudp"
	"github.com/gestalt-engine/gestaltnet/session"
	"github.com/gestalt-engine/gestaltnet/wire"
)

// DefaultAnticipatedTTL is how long a server holds an anticipated-client
// entry while waiting for the client's first datagram.
const DefaultAnticipatedTTL = 30 * time.Second

// Config tunes the network system.
type Config struct {
	// Role is which end of connections this node is.
	Role netmsg.Role
	// BindAddr is the game traffic address: the server binds it; a client
	// treats it as the server's destination and binds an ephemeral port.
	BindAddr netip.AddrPort
	// TickInterval is the per-session maintenance cadence.
	TickInterval time.Duration
	// Reliability tunes the reliable-UDP wrapper of every session.
	Reliability reliableudp.Config
	// AnticipatedTTL expires parked server-side connections.
	AnticipatedTTL time.Duration
}

// DefaultConfig returns the standard tuning for one role.
func DefaultConfig(role netmsg.Role, bindAddr netip.AddrPort) Config {
	return Config{
		Role:           role,
		BindAddr:       bindAddr,
		TickInterval:   session.DefaultTickInterval,
		Reliability:    reliableudp.DefaultConfig(),
		AnticipatedTTL: DefaultAnticipatedTTL,
	}
}

// datagram is one raw packet off the socket.
type datagram struct {
	data []byte
	from netip.AddrPort
}

type anticipatedEntry struct {
	connect *preprotocol.SuccessfulConnect
	at      time.Time
}

// System owns the UDP socket and every live session task.
type System struct {
	cfg            Config
	localIdentity  *identity.IdentityKeyPair
	router         *netbus.Router
	newConnections <-chan *preprotocol.SuccessfulConnect

	conn *net.UDPConn

	// Loop-owned state; touched only from Run's goroutine.
	inboundChannels   map[wire.FullSessionName]chan []*wire.OuterEnvelope
	anticipated       map[wire.PartialSessionName]anticipatedEntry
	killFromOutside   map[wire.FullSessionName]chan struct{}
	sessionToIdentity map[wire.FullSessionName]identity.NodeIdentity

	push     chan []*wire.OuterEnvelope
	deaths   chan session.Death
	sessions sync.WaitGroup
}

// New builds a network system. Completed handshakes arrive on
// newConnections; decoded messages leave through router.
func New(localIdentity *identity.IdentityKeyPair, router *netbus.Router,
	cfg Config, newConnections <-chan *preprotocol.SuccessfulConnect) *System {
	return &System{
		cfg:               cfg,
		localIdentity:     localIdentity,
		router:            router,
		newConnections:    newConnections,
		inboundChannels:   make(map[wire.FullSessionName]chan []*wire.OuterEnvelope),
		anticipated:       make(map[wire.PartialSessionName]anticipatedEntry),
		killFromOutside:   make(map[wire.FullSessionName]chan struct{}),
		sessionToIdentity: make(map[wire.FullSessionName]identity.NodeIdentity),
		push:              make(chan []*wire.OuterEnvelope, 4096),
		deaths:            make(chan session.Death, 64),
	}
}

// LocalAddr reports the bound socket address, useful when binding port 0.
func (s *System) LocalAddr() netip.AddrPort {
	if s.conn == nil {
		return netip.AddrPort{}
	}
	addr, _ := netip.ParseAddrPort(s.conn.LocalAddr().String())
	return wire.NormalizeAddrPort(addr)
}

// Bind opens the UDP socket without starting the loop. Run calls it if it
// hasn't happened yet; callers bind early when they need LocalAddr first.
func (s *System) Bind() error {
	if s.conn != nil {
		return nil
	}
	var laddr *net.UDPAddr
	if s.cfg.Role == netmsg.RoleServer {
		laddr = net.UDPAddrFromAddrPort(s.cfg.BindAddr)
	} else {
		// Clients bind an ephemeral port; the bind address is the server.
		laddr = nil
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("binding game socket: %w", err)
	}
	s.conn = conn
	logrus.WithFields(logrus.Fields{
		"addr": conn.LocalAddr().String(),
		"role": s.cfg.Role,
	}).Info("Bound network system socket")
	return nil
}

// Run drives the network system until ctx ends, then performs the
// shutdown sequence: notify peers, flush outbound ciphertext, kill session
// tasks, and wait for them.
func (s *System) Run(ctx context.Context) error {
	if err := s.Bind(); err != nil {
		return err
	}

	// Every message type our role may ingest gets a bus domain up front.
	for id, info := range netmsg.Table() {
		if s.cfg.Role.ShouldIngest(info.Sidedness) {
			s.router.AddDomain(id)
		}
	}
	logrus.WithFields(logrus.Fields{
		"types": len(netmsg.Table()),
		"role":  s.cfg.Role,
	}).Info("Network system initialized")

	datagrams := make(chan datagram, 256)
	readerDone := make(chan struct{})
	go s.readSocket(datagrams, readerDone)

	sendBuf := make([]byte, wire.MaxMessageSize)

	for {
		select {
		case dgram, ok := <-datagrams:
			if !ok {
				// Socket reader died outside shutdown.
				<-ctx.Done()
				s.shutdown(sendBuf)
				s.conn.Close()
				return nil
			}
			s.dispatchDatagram(dgram)

		case envelopes := <-s.push:
			s.writeEnvelopes(envelopes, sendBuf)

		case connect, ok := <-s.newConnections:
			if !ok {
				logrus.Error("Channel for new connections closed")
				s.shutdown(sendBuf)
				s.conn.Close()
				<-readerDone
				return errors.New("new-connections channel closed")
			}
			s.acceptConnection(connect)

		case death := <-s.deaths:
			s.reapSession(death)

		case <-ctx.Done():
			logrus.Info("Shutting down network system")
			s.shutdown(sendBuf)
			s.conn.Close()
			<-readerDone
			return nil
		}
	}
}

// readSocket pumps raw datagrams into the loop until the socket closes.
func (s *System) readSocket(out chan<- datagram, done chan<- struct{}) {
	defer close(done)
	defer close(out)
	buf := make([]byte, wire.MaxMessageSize)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
				// An existing connection was forcibly closed by the remote
				// host; the idle timeout will catch the dead session.
				logrus.Warn("Bad disconnect, an existing connection was forcibly closed by the remote host")
				continue
			}
			logrus.WithError(err).Error("Error while polling for UDP packets")
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case out <- datagram{data: data, from: from}:
		default:
			// UDP is lossy anyway; never let a stalled loop wedge the
			// reader.
			logrus.WithField("from", from).Warn("Inbound datagram queue full, dropping")
		}
	}
}

// dispatchDatagram decodes one datagram and routes it to its session,
// materializing an anticipated server-side session when the first datagram
// of a new client arrives.
func (s *System) dispatchDatagram(dgram datagram) {
	env, _, err := wire.DecodeOuterEnvelope(dgram.data, dgram.from)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"from":  dgram.from,
			"error": err,
		}).Warn("Dropping undecodable datagram")
		return
	}
	if len(env.Ciphertext) == 0 {
		logrus.WithField("session", fmt.Sprintf("%x", env.Session.SessionID)).
			Warn("Zero-length message on session")
	}
	name := env.Session

	if ch, ok := s.inboundChannels[name]; ok {
		s.forwardToSession(ch, env)
		return
	}

	if s.cfg.Role != netmsg.RoleServer {
		logrus.WithField("session", fmt.Sprintf("%x@%s", name.SessionID, name.PeerAddress)).
			Error("No session established yet")
		return
	}

	s.pruneAnticipated()
	entry, ok := s.anticipated[name.Partial()]
	if !ok {
		logrus.WithField("session", fmt.Sprintf("%x@%s", name.SessionID, name.PeerAddress)).
			Error("No session established yet")
		return
	}
	delete(s.anticipated, name.Partial())
	logrus.WithFields(logrus.Fields{
		"session": fmt.Sprintf("%x", name.SessionID),
		"from":    dgram.from,
	}).Debug("Popping anticipated client entry and establishing a session")

	ch, err := s.spawnSession(entry.connect, dgram.from, false)
	if err != nil {
		logrus.WithError(err).Error("Error initializing new session")
		return
	}
	s.forwardToSession(ch, env)
}

func (s *System) forwardToSession(ch chan []*wire.OuterEnvelope, env *wire.OuterEnvelope) {
	select {
	case ch <- []*wire.OuterEnvelope{env}:
	default:
		logrus.WithField("session", fmt.Sprintf("%x", env.Session.SessionID)).
			Warn("Session inbound queue full, dropping datagram")
	}
}

// acceptConnection materializes a completed handshake: immediately on a
// client, or parked as an anticipated entry on a server.
func (s *System) acceptConnection(connect *preprotocol.SuccessfulConnect) {
	logrus.WithFields(logrus.Fields{
		"peer": connect.PeerIdentity.ToBase64(),
		"role": connect.PeerRole,
	}).Info("Setting up reliability-over-UDP and cryptographic session for peer")

	if err := s.router.RegisterPeer(connect.PeerIdentity); err != nil {
		logrus.WithError(err).Error("Error initializing new session")
		return
	}

	if s.cfg.Role == netmsg.RoleServer {
		s.pruneAnticipated()
		s.anticipated[connect.FullSessionName().Partial()] = anticipatedEntry{
			connect: connect,
			at:      time.Now(),
		}
		return
	}

	if _, err := s.spawnSession(connect, connect.PeerAddress, true); err != nil {
		logrus.WithError(err).Error("Error initializing new session")
	}
}

// spawnSession builds the Session, its channels, and its task goroutine,
// and announces the peer to the application.
func (s *System) spawnSession(connect *preprotocol.SuccessfulConnect, peerAddr netip.AddrPort,
	forceHeartbeat bool) (chan []*wire.OuterEnvelope, error) {

	outQueue, err := s.router.OutboundQueue(connect.PeerIdentity)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := session.New(s.localIdentity, s.cfg.Role, peerAddr, connect,
		s.cfg.Reliability, s.push, s.router, now)
	sess.RecordRecv(now)

	name := sess.SessionName()
	inbound := make(chan []*wire.OuterEnvelope, 256)
	kill := make(chan struct{})
	s.inboundChannels[name] = inbound
	s.killFromOutside[name] = kill
	s.sessionToIdentity[name] = connect.PeerIdentity

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		if forceHeartbeat {
			// The first datagram out tells the server which UDP source
			// port this client speaks from.
			for _, err := range sess.ForceHeartbeat(time.Now()) {
				logrus.WithError(err).Error("Error forcing first heartbeat")
			}
		}
		session.Handle(sess, inbound, outQueue, s.cfg.TickInterval, s.deaths, kill)
	}()

	s.router.AnnounceConnected(netbus.ConnectAnnounce{
		PeerIdentity: connect.PeerIdentity,
		PeerRole:     connect.PeerRole,
	})
	return inbound, nil
}

// reapSession clears a dead session out of every map and tells the
// application the peer is gone.
func (s *System) reapSession(death session.Death) {
	ident, ok := s.sessionToIdentity[death.Name]
	if !ok {
		return
	}
	if len(death.Errors) == 0 {
		logrus.WithField("peer", ident.ToBase64()).Info("Closing connection for a session")
	} else {
		logrus.WithFields(logrus.Fields{
			"peer":   ident.ToBase64(),
			"errors": fmt.Sprint(death.Errors),
		}).Info("Closing connection for a session due to errors")
	}
	delete(s.inboundChannels, death.Name)
	delete(s.killFromOutside, death.Name)
	delete(s.sessionToIdentity, death.Name)
	s.router.DropPeer(ident)
}

// writeEnvelopes encodes and sends a batch to the wire.
func (s *System) writeEnvelopes(envelopes []*wire.OuterEnvelope, sendBuf []byte) {
	for _, env := range envelopes {
		n, err := wire.EncodeOuterEnvelope(env, sendBuf)
		if err != nil {
			logrus.WithError(err).Error("Error encoding outer envelope")
			continue
		}
		if _, err := s.conn.WriteToUDPAddrPort(sendBuf[:n], env.Session.PeerAddress); err != nil {
			logrus.WithFields(logrus.Fields{
				"peer":  env.Session.PeerAddress,
				"error": err,
			}).Error("Error sending UDP packet")
		}
	}
}

// pruneAnticipated expires parked connections that never sent a datagram.
func (s *System) pruneAnticipated() {
	ttl := s.cfg.AnticipatedTTL
	if ttl <= 0 {
		ttl = DefaultAnticipatedTTL
	}
	cutoff := time.Now().Add(-ttl)
	for key, entry := range s.anticipated {
		if entry.at.Before(cutoff) {
			logrus.WithField("peer", entry.connect.PeerIdentity.ToBase64()).
				Warn("Anticipated client never arrived, expiring entry")
			s.router.DropPeer(entry.connect.PeerIdentity)
			delete(s.anticipated, key)
		}
	}
}

// shutdown is the ordered teardown: a deliberate disconnect to every peer
// through the normal reliable path, a short grace period, a final flush of
// outbound ciphertext, then the kill signal to every session task.
func (s *System) shutdown(sendBuf []byte) {
	for name := range s.inboundChannels {
		ident := s.sessionToIdentity[name]
		if err := s.router.SendToPeer(ident, netmsg.DisconnectPacket()); err != nil {
			logrus.WithFields(logrus.Fields{
				"peer":  ident.ToBase64(),
				"error": err,
			}).Warn("Could not queue disconnect message during shutdown")
		}
	}
	time.Sleep(10 * time.Millisecond)

	// Clear out remaining messages.
	for {
		select {
		case envelopes := <-s.push:
			s.writeEnvelopes(envelopes, sendBuf)
			continue
		default:
		}
		break
	}

	for name, kill := range s.killFromOutside {
		if ident, ok := s.sessionToIdentity[name]; ok {
			logrus.WithField("peer", ident.ToBase64()).Info("Terminating session with peer")
		}
		close(kill)
	}
	time.Sleep(10 * time.Millisecond)

	// Keep draining the push queue while tasks wind down so none of them
	// stays blocked on it.
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	for {
		select {
		case envelopes := <-s.push:
			s.writeEnvelopes(envelopes, sendBuf)
		case <-done:
			return
		}
	}
}

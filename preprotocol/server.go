package preprotocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gestalt-engine/gestaltnet/identity"
	"github.com/gestalt-engine/gestaltnet/netmsg"
	"github.com/gestalt-engine/gestaltnet/wire"
)

// DefaultHandshakeTimeout bounds one whole handshake on the server side.
const DefaultHandshakeTimeout = 5 * time.Second

// ServerConfig configures the preprotocol listener.
type ServerConfig struct {
	// ListenAddr is the TCP address to accept negotiations on.
	ListenAddr string
	// Listener, when set, is used instead of binding ListenAddr. Lets a
	// caller bind port 0 and read the address back before serving.
	Listener net.Listener
	// NoiseDir is the noise subdirectory of the protocol store.
	NoiseDir string
	// LocalIdentity is this node's identity keypair.
	LocalIdentity *identity.IdentityKeyPair
	// Policy handles changed peer keys.
	Policy KeyPolicy
	// State answers status and info queries; may be nil.
	State *ServerState
	// Completed receives every successful handshake.
	Completed chan<- *SuccessfulConnect
	// HandshakeTimeout bounds a handshake once started; zero means
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

// ListenAndServe accepts preprotocol connections until ctx ends. Each
// connection is answered on its own goroutine; a completed handshake is
// pushed to cfg.Completed as a SuccessfulConnect carrying the peer's TCP
// address (the network system discovers the UDP port later).
func ListenAndServe(ctx context.Context, cfg ServerConfig) error {
	listener := cfg.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("binding preprotocol listener: %w", err)
		}
	}
	logrus.WithField("addr", listener.Addr().String()).Info("Preprotocol listener started")

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})
	group.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("preprotocol accept: %w", err)
			}
			logrus.WithField("peer", conn.RemoteAddr().String()).Info("New preprotocol connection")
			group.Go(func() error {
				serveConn(conn, cfg)
				return nil
			})
		}
	})
	if err := group.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// serveConn answers one peer's queries until the handshake completes, the
// peer goes away, or something fails.
func serveConn(conn net.Conn, cfg ServerConfig) {
	defer conn.Close()
	timeout := cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}
	receiver := NewReceiver(cfg.LocalIdentity, cfg.NoiseDir, cfg.Policy, cfg.State)
	peerTCP := conn.RemoteAddr().String()

	for {
		raw, err := ReadFrame(conn)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"peer":  peerTCP,
				"error": err,
			}).Debug("Preprotocol connection closed")
			return
		}
		var query Query
		if err := json.Unmarshal(raw, &query); err != nil {
			logrus.WithFields(logrus.Fields{
				"peer":  peerTCP,
				"error": err,
			}).Error("Error parsing preprotocol query")
			return
		}
		if query.Type == QueryStartHandshake {
			// The whole handshake has to finish within the timeout.
			_ = conn.SetDeadline(time.Now().Add(timeout))
		}
		out, err := receiver.ReceiveAndReply(&query)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"peer":  peerTCP,
				"error": err,
			}).Error("Preprotocol receiver error")
			return
		}
		if out.Reply != nil {
			if err := WriteFrame(conn, out.Reply); err != nil {
				logrus.WithFields(logrus.Fields{
					"peer":  peerTCP,
					"error": err,
				}).Error("Error writing preprotocol reply")
				return
			}
		}
		if receiver.IsHandshakeDone() {
			completeServerHandshake(receiver, conn, cfg)
			return
		}
		if out.Done {
			return
		}
	}
}

func completeServerHandshake(receiver *Receiver, conn net.Conn, cfg ServerConfig) {
	transport, counter, peer, sid, err := receiver.CompleteHandshake()
	if err != nil {
		logrus.WithError(err).Error("Error completing server-side handshake")
		return
	}
	peerAddr, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		logrus.WithError(err).Error("Could not parse preprotocol peer address")
		return
	}
	peerAddr = wire.NormalizeAddrPort(peerAddr)
	logrus.WithFields(logrus.Fields{
		"peer": peer.ToBase64(),
		"addr": peerAddr,
	}).Info("Successfully completed handshake")
	cfg.Completed <- &SuccessfulConnect{
		SessionID:             sid,
		PeerIdentity:          peer,
		PeerAddress:           peerAddr,
		PeerRole:              netmsg.RoleClient,
		TransportCryptography: transport,
		TransportCounter:      counter,
	}
}

package preprotocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gestalt-engine/gestaltnet/handshake"
	"github.com/gestalt-engine/gestaltnet/identity"
	"github.com/gestalt-engine/gestaltnet/keystore"
	"github.com/gestalt-engine/gestaltnet/netmsg"
	"github.com/gestalt-engine/gestaltnet/wire"
)

// WrongReplyError indicates the server answered a query with an unrelated
// reply type.
type WrongReplyError struct {
	Expected string
	Got      string
	Detail   string
}

func (e *WrongReplyError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("expected %s reply, got %s: %s", e.Expected, e.Got, e.Detail)
	}
	return fmt.Sprintf("expected %s reply, got %s", e.Expected, e.Got)
}

// ClientConfig configures a client-side connection attempt.
type ClientConfig struct {
	// ServerTCPAddr is the server's preprotocol address, host:port.
	ServerTCPAddr string
	// ServerUDPAddr is the server's game traffic address. The completed
	// connection carries this as the peer address.
	ServerUDPAddr netip.AddrPort
	// NoiseDir is the noise subdirectory of the protocol store.
	NoiseDir string
	// LocalIdentity is this node's identity keypair.
	LocalIdentity *identity.IdentityKeyPair
	// Policy handles changed peer keys.
	Policy KeyPolicy
	// Timeout bounds the whole negotiation; zero means
	// DefaultHandshakeTimeout.
	Timeout time.Duration
}

// ConnectToServer runs the full client-side negotiation: introduce
// ourselves, learn the server's identity, agree on a protocol, and drive
// the six-step handshake to completion. On handshake failure a best-effort
// handshake_failed message is written before the connection closes.
func ConnectToServer(ctx context.Context, cfg ClientConfig) (*SuccessfulConnect, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.ServerTCPAddr)
	if err != nil {
		return nil, fmt.Errorf("could not initiate connection to server: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	connect, err := connectInner(conn, cfg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"server": cfg.ServerTCPAddr,
			"error":  err,
		}).Error("Handshake error connecting to server")
		// Tell the server why we are going away, best effort.
		_ = WriteFrame(conn, &Query{Type: QueryHandshakeFailed, Reason: err.Error()})
		return nil, err
	}
	return connect, nil
}

func connectInner(conn net.Conn, cfg ClientConfig) (*SuccessfulConnect, error) {
	// Exchange identities.
	intro := Query{Type: QueryIntroduction, Identity: cfg.LocalIdentity.Public.ToBase64()}
	if err := WriteFrame(conn, &intro); err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, &Query{Type: QueryRequestIdentity}); err != nil {
		return nil, err
	}
	reply, err := readReply(conn)
	if err != nil {
		return nil, err
	}
	if reply.Type != ReplyIdentity {
		return nil, &WrongReplyError{Expected: ReplyIdentity, Got: reply.Type, Detail: reply.Error}
	}
	serverIdentity, err := identity.FromBase64(reply.Identity)
	if err != nil {
		return nil, err
	}

	// Agree on a protocol. Right now it's either "the current protocol" or
	// nothing.
	if err := WriteFrame(conn, &Query{Type: QuerySupportedProtocols}); err != nil {
		return nil, err
	}
	reply, err = readReply(conn)
	if err != nil {
		return nil, err
	}
	if reply.Type != ReplySupportedProtocols || reply.SupportedProtocols == nil {
		return nil, ErrNoProtocolsInCommon
	}
	current := CurrentProtocol()
	shared := false
	for _, def := range reply.SupportedProtocols.SupportedProtocols {
		if def.Equal(current) {
			shared = true
			break
		}
	}
	if !shared {
		return nil, ErrNoProtocolsInCommon
	}

	// Load our noise keys lazily and send the first handshake message.
	noiseKeys, err := keystore.LoadOrGenerateLocalNoiseKeys(cfg.NoiseDir, cfg.LocalIdentity.Public)
	if err != nil {
		return nil, err
	}
	initiator := handshake.NewInitiator(cfg.NoiseDir, noiseKeys, cfg.LocalIdentity,
		cfg.Policy.Report, cfg.Policy.Approvals.Subscribe())
	first, err := initiator.SendFirst()
	if err != nil {
		return nil, err
	}
	start := Query{
		Type: QueryStartHandshake,
		StartHandshake: &StartHandshakeMsg{
			UseProtocol:       current,
			InitiatorIdentity: cfg.LocalIdentity.Public.ToBase64(),
			Handshake:         first,
		},
	}
	if err := WriteFrame(conn, &start); err != nil {
		return nil, err
	}

	// Loop handshake replies until the state machine is done.
	for !initiator.IsDone() {
		reply, err = readReply(conn)
		if err != nil {
			return nil, err
		}
		if reply.Type != ReplyHandshake || reply.Handshake == nil {
			return nil, &WrongReplyError{Expected: ReplyHandshake, Got: reply.Type, Detail: reply.Error}
		}
		next, err := initiator.Advance(reply.Handshake)
		if err != nil {
			return nil, err
		}
		if next.Message != nil {
			if err := WriteFrame(conn, &Query{Type: QueryHandshake, Handshake: next.Message}); err != nil {
				return nil, err
			}
		}
	}

	transport, counter, peer, sid, err := initiator.Complete()
	if err != nil {
		return nil, err
	}
	if peer != serverIdentity {
		// The identity that signed the challenges must be the one the
		// server advertised before the handshake.
		return nil, handshake.ErrBadChallengeHeader
	}
	return &SuccessfulConnect{
		SessionID:             sid,
		PeerIdentity:          peer,
		PeerAddress:           wire.NormalizeAddrPort(cfg.ServerUDPAddr),
		PeerRole:              netmsg.RoleServer,
		TransportCryptography: transport,
		TransportCounter:      counter,
	}, nil
}

func readReply(conn net.Conn) (*Reply, error) {
	raw, err := ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("parsing preprotocol reply: %w", err)
	}
	return &reply, nil
}

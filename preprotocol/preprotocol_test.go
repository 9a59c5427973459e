package preprotocol

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gestalt-engine/gestaltnet/handshake"
	"github.com/gestalt-engine/gestaltnet/identity"
	"github.com/gestalt-engine/gestaltnet/keystore"
	"github.com/gestalt-engine/gestaltnet/netmsg"
)

// handshakeStep1Stub stands in for a real step 1 in tests that never reach
// the noise layer.
var handshakeStep1Stub = handshake.StepMessage{HandshakeStep: 1, Data: ""}

func testKeys(t *testing.T) *identity.IdentityKeyPair {
	t.Helper()
	keys, err := identity.Generate()
	require.NoError(t, err)
	return keys
}

func testPolicy() KeyPolicy {
	report := make(chan identity.NodeIdentity, 8)
	return KeyPolicy{Report: report, Approvals: keystore.NewApprovalBroadcast()}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	query := Query{Type: QueryIntroduction, Identity: "abc"}
	require.NoError(t, WriteFrame(&buf, &query))

	raw, err := ReadFrame(&buf)
	require.NoError(t, err)
	var decoded Query
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, query, decoded)
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestProtocolDefJSON(t *testing.T) {
	raw, err := json.Marshal(CurrentProtocol())
	require.NoError(t, err)
	assert.JSONEq(t, `{"protocol":"gestalt_noise_laminar_udp","version":"0.0.1"}`, string(raw))
}

func TestReceiverAnswersQueries(t *testing.T) {
	keys := testKeys(t)
	state := NewServerState()
	state.SetStatus(StatusReady)
	state.SetInfo(json.RawMessage(`{"name":"test server"}`))
	receiver := NewReceiver(keys, t.TempDir(), testPolicy(), state)

	// Introduction: recorded silently.
	peer := testKeys(t)
	out, err := receiver.ReceiveAndReply(&Query{Type: QueryIntroduction, Identity: peer.Public.ToBase64()})
	require.NoError(t, err)
	assert.Nil(t, out.Reply)
	require.NotNil(t, receiver.PeerIdentity())
	assert.Equal(t, peer.Public, *receiver.PeerIdentity())

	// Identity.
	out, err = receiver.ReceiveAndReply(&Query{Type: QueryRequestIdentity})
	require.NoError(t, err)
	require.NotNil(t, out.Reply)
	assert.Equal(t, ReplyIdentity, out.Reply.Type)
	assert.Equal(t, keys.Public.ToBase64(), out.Reply.Identity)

	// Supported protocols.
	out, err = receiver.ReceiveAndReply(&Query{Type: QuerySupportedProtocols})
	require.NoError(t, err)
	require.NotNil(t, out.Reply.SupportedProtocols)
	require.Len(t, out.Reply.SupportedProtocols.SupportedProtocols, 1)
	assert.True(t, out.Reply.SupportedProtocols.SupportedProtocols[0].Equal(CurrentProtocol()))

	// Status.
	out, err = receiver.ReceiveAndReply(&Query{Type: QueryRequestServerStatus})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, out.Reply.Status)

	// Server info.
	out, err = receiver.ReceiveAndReply(&Query{Type: QueryRequestServerInfo})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"test server"}`, string(out.Reply.ServerInfo))

	// Unknown query type gets an error reply, not a dropped connection.
	out, err = receiver.ReceiveAndReply(&Query{Type: "telepathy"})
	require.NoError(t, err)
	assert.Equal(t, ReplyErr, out.Reply.Type)
}

func TestReceiverHandshakeStepWithoutStart(t *testing.T) {
	receiver := NewReceiver(testKeys(t), t.TempDir(), testPolicy(), nil)
	out, err := receiver.ReceiveAndReply(&Query{Type: QueryHandshake})
	require.NoError(t, err)
	assert.Equal(t, ReplyErr, out.Reply.Type)
}

func TestReceiverRejectsUnsupportedProtocol(t *testing.T) {
	receiver := NewReceiver(testKeys(t), t.TempDir(), testPolicy(), nil)
	peer := testKeys(t)
	out, err := receiver.ReceiveAndReply(&Query{
		Type: QueryStartHandshake,
		StartHandshake: &StartHandshakeMsg{
			UseProtocol: ProtocolDef{
				Protocol: "gestalt_quic_experimental",
				Version:  *semver.New("9.9.9"),
			},
			InitiatorIdentity: peer.Public.ToBase64(),
			Handshake:         &handshakeStep1Stub,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ReplyErr, out.Reply.Type)
	assert.Contains(t, out.Reply.Error, "unsupported protocol")
}

func TestFullConnectOverTCP(t *testing.T) {
	serverKeys := testKeys(t)
	clientKeys := testKeys(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	completed := make(chan *SuccessfulConnect, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- ListenAndServe(ctx, ServerConfig{
			Listener:      listener,
			NoiseDir:      t.TempDir(),
			LocalIdentity: serverKeys,
			Policy:        testPolicy(),
			State:         NewServerState(),
			Completed:     completed,
		})
	}()

	serverUDP := netip.MustParseAddrPort("127.0.0.1:54135")
	clientConnect, err := ConnectToServer(ctx, ClientConfig{
		ServerTCPAddr: listener.Addr().String(),
		ServerUDPAddr: serverUDP,
		NoiseDir:      t.TempDir(),
		LocalIdentity: clientKeys,
		Policy:        testPolicy(),
	})
	require.NoError(t, err)

	var serverConnect *SuccessfulConnect
	select {
	case serverConnect = <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("server never reported a completed handshake")
	}

	// Identity binding: each side holds the other's identity.
	assert.Equal(t, serverKeys.Public, clientConnect.PeerIdentity)
	assert.Equal(t, clientKeys.Public, serverConnect.PeerIdentity)

	// Both derived the same session id, and both resume at counter 1.
	assert.Equal(t, clientConnect.SessionID, serverConnect.SessionID)
	assert.Equal(t, uint32(1), clientConnect.TransportCounter)
	assert.Equal(t, uint32(1), serverConnect.TransportCounter)

	// Role bookkeeping.
	assert.Equal(t, netmsg.RoleServer, clientConnect.PeerRole)
	assert.Equal(t, netmsg.RoleClient, serverConnect.PeerRole)

	// The client records the server's UDP address; the server still holds
	// the client's TCP address until the first datagram.
	assert.Equal(t, serverUDP, clientConnect.PeerAddress)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), serverConnect.PeerAddress.Addr())

	// The two transports interoperate.
	ciphertext, err := clientConnect.TransportCryptography.EncryptAtNonce(2, nil, []byte("hello"))
	require.NoError(t, err)
	plaintext, err := serverConnect.TransportCryptography.DecryptAtNonce(2, nil, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)

	cancel()
	select {
	case err := <-serverDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not shut down")
	}
}

func TestConnectNoProtocolsInCommon(t *testing.T) {
	serverKeys := testKeys(t)
	clientKeys := testKeys(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	// A fake server that speaks a protocol from the future.
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			raw, err := ReadFrame(conn)
			if err != nil {
				return
			}
			var query Query
			if err := json.Unmarshal(raw, &query); err != nil {
				return
			}
			switch query.Type {
			case QueryRequestIdentity:
				_ = WriteFrame(conn, &Reply{Type: ReplyIdentity, Identity: serverKeys.Public.ToBase64()})
			case QuerySupportedProtocols:
				_ = WriteFrame(conn, &Reply{Type: ReplySupportedProtocols, SupportedProtocols: &SupportedProtocols{
					SupportedProtocols: []ProtocolDef{{Protocol: "gestalt_noise_laminar_udp", Version: *semver.New("2.0.0")}},
				}})
			}
		}
	}()

	_, err = ConnectToServer(context.Background(), ClientConfig{
		ServerTCPAddr: listener.Addr().String(),
		ServerUDPAddr: netip.MustParseAddrPort("127.0.0.1:54135"),
		NoiseDir:      t.TempDir(),
		LocalIdentity: clientKeys,
		Policy:        testPolicy(),
	})
	assert.ErrorIs(t, err, ErrNoProtocolsInCommon)
}

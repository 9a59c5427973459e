package network

import (
	"context"
	"encoding/json"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gestalt-engine/gestaltnet/identity"
	"github.com/gestalt-engine/gestaltnet/keystore"
	"github.com/gestalt-engine/gestaltnet/netbus"
	"github.com/gestalt-engine/gestaltnet/netmsg"
	"github.com/gestalt-engine/gestaltnet/preprotocol"
)

const testChatID netmsg.NetMsgID = 1337

type testChatMsg struct {
	Message string `json:"message"`
}

func init() {
	netmsg.Register(netmsg.MsgInfo{
		ID: testChatID, Name: "TestChat", Sidedness: netmsg.Common, Mode: netmsg.ReliableOrdered,
	})
}

func chatPacket(t *testing.T, text string) netmsg.PacketIntermediary {
	t.Helper()
	body, err := json.Marshal(&testChatMsg{Message: text})
	require.NoError(t, err)
	pkt, err := netmsg.NewPacket(testChatID, body)
	require.NoError(t, err)
	return pkt
}

func decodeChat(t *testing.T, payload []byte) string {
	t.Helper()
	var msg testChatMsg
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg.Message
}

func testPolicy(t *testing.T) preprotocol.KeyPolicy {
	t.Helper()
	report := make(chan identity.NodeIdentity, 8)
	return preprotocol.KeyPolicy{Report: report, Approvals: keystore.NewApprovalBroadcast()}
}

// TestSessionWithLocalhost is the whole stack over loopback: preprotocol
// TCP handshake, anticipated-client UDP port discovery, then a reliable
// chat message each way.
func TestSessionWithLocalhost(t *testing.T) {
	serverKeys, err := identity.Generate()
	require.NoError(t, err)
	clientKeys, err := identity.Generate()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	// Server side.
	serverRouter := netbus.NewRouter()
	serverCompleted := make(chan *preprotocol.SuccessfulConnect, 4)
	serverSystem := New(serverKeys, serverRouter,
		DefaultConfig(netmsg.RoleServer, netip.MustParseAddrPort("127.0.0.1:0")), serverCompleted)
	require.NoError(t, serverSystem.Bind())
	serverUDP := serverSystem.LocalAddr()

	tcpListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serverNoiseDir := t.TempDir()
	group.Go(func() error {
		return preprotocol.ListenAndServe(ctx, preprotocol.ServerConfig{
			Listener:      tcpListener,
			NoiseDir:      serverNoiseDir,
			LocalIdentity: serverKeys,
			Policy:        testPolicy(t),
			State:         preprotocol.NewServerState(),
			Completed:     serverCompleted,
		})
	})
	group.Go(func() error { return serverSystem.Run(ctx) })

	serverRouter.AddDomain(testChatID)
	serverChat, err := serverRouter.SubscribeInbound(testChatID)
	require.NoError(t, err)
	serverConnected := serverRouter.SubscribeConnected()

	// Client side.
	clientRouter := netbus.NewRouter()
	clientCompleted := make(chan *preprotocol.SuccessfulConnect, 1)
	clientSystem := New(clientKeys, clientRouter,
		DefaultConfig(netmsg.RoleClient, serverUDP), clientCompleted)
	group.Go(func() error { return clientSystem.Run(ctx) })

	clientRouter.AddDomain(testChatID)
	clientChat, err := clientRouter.SubscribeInbound(testChatID)
	require.NoError(t, err)

	connect, err := preprotocol.ConnectToServer(ctx, preprotocol.ClientConfig{
		ServerTCPAddr: tcpListener.Addr().String(),
		ServerUDPAddr: serverUDP,
		NoiseDir:      t.TempDir(),
		LocalIdentity: clientKeys,
		Policy:        testPolicy(t),
	})
	require.NoError(t, err)
	require.Equal(t, serverKeys.Public, connect.PeerIdentity)
	clientCompleted <- connect

	// The client's forced heartbeat reveals its UDP port; the server then
	// announces the session as up.
	select {
	case ann := <-serverConnected:
		assert.Equal(t, clientKeys.Public, ann.PeerIdentity)
		assert.Equal(t, netmsg.RoleClient, ann.PeerRole)
	case <-time.After(5 * time.Second):
		t.Fatal("server never announced the client session")
	}

	// Client speaks first.
	require.NoError(t, clientRouter.SendToPeer(serverKeys.Public, chatPacket(t, "Boop!")))
	select {
	case batch := <-serverChat:
		require.Len(t, batch, 1)
		assert.Equal(t, clientKeys.Public, batch[0].PeerIdentity)
		assert.Equal(t, "Boop!", decodeChat(t, batch[0].Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the client's message")
	}

	// Server replies.
	require.NoError(t, serverRouter.SendToPeer(clientKeys.Public, chatPacket(t, "Beep!")))
	select {
	case batch := <-clientChat:
		require.Len(t, batch, 1)
		assert.Equal(t, serverKeys.Public, batch[0].PeerIdentity)
		assert.Equal(t, "Beep!", decodeChat(t, batch[0].Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("client never received the server's reply")
	}

	// Orderly shutdown on both ends.
	cancel()
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("network systems did not shut down")
	}
}

func TestAnticipatedClientExpiry(t *testing.T) {
	serverKeys, err := identity.Generate()
	require.NoError(t, err)
	clientKeys, err := identity.Generate()
	require.NoError(t, err)

	router := netbus.NewRouter()
	completed := make(chan *preprotocol.SuccessfulConnect, 1)
	cfg := DefaultConfig(netmsg.RoleServer, netip.MustParseAddrPort("127.0.0.1:0"))
	cfg.AnticipatedTTL = time.Nanosecond
	system := New(serverKeys, router, cfg, completed)

	connect := &preprotocol.SuccessfulConnect{
		PeerIdentity: clientKeys.Public,
		PeerAddress:  netip.MustParseAddrPort("127.0.0.1:40000"),
		PeerRole:     netmsg.RoleClient,
	}
	system.acceptConnection(connect)
	require.Len(t, system.anticipated, 1)

	time.Sleep(time.Millisecond)
	system.pruneAnticipated()
	assert.Empty(t, system.anticipated, "stale anticipated entries must expire")

	// The peer's outbound queue was torn down with the entry.
	_, err = router.OutboundQueue(clientKeys.Public)
	assert.ErrorIs(t, err, netbus.ErrUnknownPeer)
}

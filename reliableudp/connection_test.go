package reliableudp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testConn(t *testing.T) *Connection {
	t.Helper()
	addr, err := netip.ParseAddrPort("[::1]:54135")
	require.NoError(t, err)
	return NewConnection(addr, DefaultConfig(), testStart)
}

// payloads pulls just the packet payloads out of a drained inbox.
func payloads(events []Event) [][]byte {
	var out [][]byte
	for _, event := range events {
		if pkt, ok := event.(PacketEvent); ok {
			out = append(out, pkt.Payload)
		}
	}
	return out
}

// sendOne runs a payload through a sender connection and returns the frames
// it put on the wire.
func sendOne(t *testing.T, c *Connection, mode ChannelMode, body []byte, now time.Time) [][]byte {
	t.Helper()
	require.NoError(t, c.ProcessOutbound([]OutgoingPacket{{Mode: mode, Payload: body}}, now))
	return c.EmptyOutbox()
}

func TestReliableOrderedInOrderDelivery(t *testing.T) {
	sender := testConn(t)
	receiver := testConn(t)

	var wireFrames [][]byte
	for _, text := range []string{"one", "two", "three"} {
		wireFrames = append(wireFrames, sendOne(t, sender, ReliableOrdered, []byte(text), testStart)...)
	}
	require.NoError(t, receiver.ProcessInbound(wireFrames, testStart))

	got := payloads(receiver.EmptyInbox())
	require.Len(t, got, 3)
	assert.Equal(t, []byte("one"), got[0])
	assert.Equal(t, []byte("two"), got[1])
	assert.Equal(t, []byte("three"), got[2])
}

func TestReliableOrderedReordersArrivals(t *testing.T) {
	sender := testConn(t)
	receiver := testConn(t)

	var wireFrames [][]byte
	for _, text := range []string{"one", "two", "three"} {
		wireFrames = append(wireFrames, sendOne(t, sender, ReliableOrdered, []byte(text), testStart)...)
	}
	// Deliver 3, 1, 2.
	scrambled := [][]byte{wireFrames[2], wireFrames[0], wireFrames[1]}
	require.NoError(t, receiver.ProcessInbound(scrambled, testStart))

	got := payloads(receiver.EmptyInbox())
	require.Len(t, got, 3, "all three deliver once the gap fills")
	assert.Equal(t, []byte("one"), got[0])
	assert.Equal(t, []byte("two"), got[1])
	assert.Equal(t, []byte("three"), got[2])
}

func TestReliableOrderedSuppressesDuplicates(t *testing.T) {
	sender := testConn(t)
	receiver := testConn(t)

	frames := sendOne(t, sender, ReliableOrdered, []byte("once"), testStart)
	require.NoError(t, receiver.ProcessInbound(frames, testStart))
	require.NoError(t, receiver.ProcessInbound(frames, testStart))

	got := payloads(receiver.EmptyInbox())
	assert.Len(t, got, 1, "duplicate must be suppressed before delivery")
}

func TestReliableUnorderedDeliversImmediately(t *testing.T) {
	sender := testConn(t)
	receiver := testConn(t)

	var wireFrames [][]byte
	for _, text := range []string{"a", "b", "c"} {
		wireFrames = append(wireFrames, sendOne(t, sender, ReliableUnordered, []byte(text), testStart)...)
	}
	// Arrivals out of order deliver out of order, no buffering.
	scrambled := [][]byte{wireFrames[2], wireFrames[0]}
	require.NoError(t, receiver.ProcessInbound(scrambled, testStart))
	got := payloads(receiver.EmptyInbox())
	require.Len(t, got, 2)
	assert.Equal(t, []byte("c"), got[0])
	assert.Equal(t, []byte("a"), got[1])

	// Duplicates are dropped.
	require.NoError(t, receiver.ProcessInbound([][]byte{wireFrames[2]}, testStart))
	assert.Empty(t, payloads(receiver.EmptyInbox()))
}

func TestUnreliableSequencedDropsStale(t *testing.T) {
	sender := testConn(t)
	receiver := testConn(t)

	first := sendOne(t, sender, UnreliableSequenced, []byte("old"), testStart)
	second := sendOne(t, sender, UnreliableSequenced, []byte("new"), testStart)

	require.NoError(t, receiver.ProcessInbound(second, testStart))
	require.NoError(t, receiver.ProcessInbound(first, testStart))

	got := payloads(receiver.EmptyInbox())
	require.Len(t, got, 1, "stale sequenced packet must be dropped")
	assert.Equal(t, []byte("new"), got[0])
}

func TestUnreliablePassesEverything(t *testing.T) {
	sender := testConn(t)
	receiver := testConn(t)

	frames := sendOne(t, sender, Unreliable, []byte("x"), testStart)
	require.NoError(t, receiver.ProcessInbound(frames, testStart))
	require.NoError(t, receiver.ProcessInbound(frames, testStart))
	assert.Len(t, payloads(receiver.EmptyInbox()), 2)
}

func TestRetransmissionUntilAcked(t *testing.T) {
	sender := testConn(t)
	receiver := testConn(t)
	cfg := DefaultConfig()

	frames := sendOne(t, sender, ReliableOrdered, []byte("needy"), testStart)
	require.Len(t, frames, 1)
	assert.Equal(t, 1, sender.PacketsInFlight())

	// Before the resend deadline nothing happens.
	require.NoError(t, sender.ProcessUpdate(testStart.Add(cfg.ResendAfter/2)))
	assert.Empty(t, sender.EmptyOutbox())

	// After it, the same frame is retransmitted.
	later := testStart.Add(cfg.ResendAfter + time.Millisecond)
	require.NoError(t, sender.ProcessUpdate(later))
	resent := sender.EmptyOutbox()
	require.Len(t, resent, 1)
	assert.Equal(t, frames[0], resent[0])

	// The receiver's ack clears the in-flight table; no more resends.
	require.NoError(t, receiver.ProcessInbound(frames, later))
	receiver.EmptyInbox()
	acks := receiver.EmptyOutbox()
	require.NotEmpty(t, acks)
	require.NoError(t, sender.ProcessInbound(acks, later))
	assert.Equal(t, 0, sender.PacketsInFlight())

	require.NoError(t, sender.ProcessUpdate(later.Add(2*cfg.ResendAfter)))
	for _, frame := range sender.EmptyOutbox() {
		assert.NotEqual(t, byte(frameTypePayload), frame[0], "acked packet must not retransmit")
	}
}

func TestAckCoversBitfieldWindow(t *testing.T) {
	sender := testConn(t)
	receiver := testConn(t)

	var wireFrames [][]byte
	for i := 0; i < 10; i++ {
		wireFrames = append(wireFrames, sendOne(t, sender, ReliableUnordered, []byte{byte(i)}, testStart)...)
	}
	assert.Equal(t, 10, sender.PacketsInFlight())

	require.NoError(t, receiver.ProcessInbound(wireFrames, testStart))
	receiver.EmptyInbox()
	require.NoError(t, sender.ProcessInbound(receiver.EmptyOutbox(), testStart))
	assert.Equal(t, 0, sender.PacketsInFlight(), "one ack frame covers the whole window")
}

func TestHeartbeatAfterSendSilence(t *testing.T) {
	c := testConn(t)
	cfg := DefaultConfig()

	// Stay under the idle timeout so only the heartbeat triggers.
	now := testStart.Add(cfg.HeartbeatInterval + time.Millisecond)
	c.RecordRecv(now)
	require.NoError(t, c.ProcessUpdate(now))
	frames := c.EmptyOutbox()
	require.Len(t, frames, 1)
	assert.Equal(t, byte(frameTypeHeartbeat), frames[0][0])

	// Immediately afterward, no second heartbeat.
	require.NoError(t, c.ProcessUpdate(now.Add(time.Millisecond)))
	assert.Empty(t, c.EmptyOutbox())
}

func TestForceHeartbeat(t *testing.T) {
	c := testConn(t)
	c.ForceHeartbeat(testStart)
	frames := c.EmptyOutbox()
	require.Len(t, frames, 1)
	assert.Equal(t, byte(frameTypeHeartbeat), frames[0][0])
}

func TestIdleTimeout(t *testing.T) {
	c := testConn(t)
	cfg := DefaultConfig()

	require.False(t, c.ShouldDrop(testStart.Add(cfg.IdleTimeout)))

	late := testStart.Add(cfg.IdleTimeout + time.Millisecond)
	require.NoError(t, c.ProcessUpdate(late))
	events := c.EmptyInbox()
	require.Len(t, events, 1)
	timeout, ok := events[0].(TimeoutEvent)
	require.True(t, ok, "expected a timeout event, got %T", events[0])
	assert.Equal(t, c.addr, timeout.Addr)
	assert.True(t, c.ShouldDrop(late))

	// The event fires once, not every tick.
	require.NoError(t, c.ProcessUpdate(late.Add(time.Second)))
	assert.Empty(t, c.EmptyInbox())
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	c := testConn(t)
	cfg := DefaultConfig()

	now := testStart
	for i := 0; i < 10; i++ {
		now = now.Add(cfg.IdleTimeout / 2)
		require.NoError(t, c.ProcessInbound([][]byte{{frameTypeHeartbeat}}, now))
		require.NoError(t, c.ProcessUpdate(now))
		c.EmptyOutbox()
	}
	assert.False(t, c.ShouldDrop(now))
	assert.Empty(t, payloads(c.EmptyInbox()), "heartbeats never reach the application")
}

func TestExplicitDisconnect(t *testing.T) {
	a := testConn(t)
	b := testConn(t)

	a.Disconnect(testStart)
	frames := a.EmptyOutbox()
	require.Len(t, frames, 1)

	require.NoError(t, b.ProcessInbound(frames, testStart))
	events := b.EmptyInbox()
	require.Len(t, events, 1)
	_, ok := events[0].(DisconnectEvent)
	require.True(t, ok)
	assert.True(t, b.ShouldDrop(testStart))
}

func TestMalformedFramesReported(t *testing.T) {
	c := testConn(t)

	err := c.ProcessInbound([][]byte{
		{},                   // empty
		{0x7F},               // unknown type
		{frameTypePayload},   // truncated payload header
		{frameTypeAck, 0x00}, // truncated ack
	}, testStart)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTooShort)

	var unknown *UnknownFrameTypeError
	assert.ErrorAs(t, err, &unknown)
}

func TestOversizePayloadRejected(t *testing.T) {
	c := testConn(t)
	cfg := DefaultConfig()
	err := c.ProcessOutbound([]OutgoingPacket{
		{Mode: ReliableOrdered, Payload: make([]byte, cfg.MaxPayload+1)},
	}, testStart)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

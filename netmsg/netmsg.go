// Package netmsg defines the message-type table shared by every networked
// subsystem: numeric message ids, the sidedness that says which role may
// ingest each type, the delivery-guarantee mode each type rides on, and the
// process-wide registry mapping ids to that metadata.
//
// The registry is append-only: message types are registered during program
// init and never removed.
package netmsg

import (
	"fmt"
	"sync"

	"github.com/gestalt-engine/gestaltnet/wire"
)

// NetMsgID is the varint-encoded type tag carried in front of every
// application message body.
type NetMsgID uint32

// NetMsgDomain is a NetMsgID used as a channel routing key.
type NetMsgDomain = NetMsgID

// ReservedIDMax is the highest message id reserved for the protocol
// itself; application types must register above it.
const ReservedIDMax NetMsgID = 15

// DisconnectReserved is the message id handled inside the session layer:
// its delivery signals a deliberate peer disconnect.
const DisconnectReserved NetMsgID = 1

// Sidedness declares the valid direction(s) of a message type.
type Sidedness uint8

const (
	// Common messages flow in both directions.
	Common Sidedness = iota
	// ServerToClient messages are only ingested by clients.
	ServerToClient
	// ClientToServer messages are only ingested by servers.
	ClientToServer
)

func (s Sidedness) String() string {
	switch s {
	case Common:
		return "Common"
	case ServerToClient:
		return "ServerToClient"
	case ClientToServer:
		return "ClientToServer"
	default:
		return fmt.Sprintf("Sidedness(%d)", uint8(s))
	}
}

// Role is which end of a connection a node is.
type Role uint8

const (
	// RoleServer hosts sessions for many clients.
	RoleServer Role = iota
	// RoleClient connects out to one server.
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "Server"
	}
	return "Client"
}

// ShouldIngest reports whether a node with this role may accept a message
// of the given sidedness.
func (r Role) ShouldIngest(s Sidedness) bool {
	switch s {
	case Common:
		return true
	case ServerToClient:
		return r == RoleClient
	case ClientToServer:
		return r == RoleServer
	default:
		return false
	}
}

// GuaranteeMode selects the reliable-UDP channel a message type rides on.
type GuaranteeMode uint8

const (
	// ReliableOrdered delivers at least once, in send order.
	ReliableOrdered GuaranteeMode = iota
	// ReliableUnordered delivers at least once, in any order.
	ReliableUnordered
	// UnreliableSequenced may drop messages but never delivers stale ones.
	UnreliableSequenced
	// Unreliable is fire-and-forget.
	Unreliable
)

func (m GuaranteeMode) String() string {
	switch m {
	case ReliableOrdered:
		return "ReliableOrdered"
	case ReliableUnordered:
		return "ReliableUnordered"
	case UnreliableSequenced:
		return "UnreliableSequenced"
	case Unreliable:
		return "Unreliable"
	default:
		return fmt.Sprintf("GuaranteeMode(%d)", uint8(m))
	}
}

// MsgInfo is the registry entry for one message type.
type MsgInfo struct {
	ID        NetMsgID
	Name      string
	Sidedness Sidedness
	Mode      GuaranteeMode
}

var (
	tableMu sync.RWMutex
	table   = map[NetMsgID]MsgInfo{}
)

// Register adds a message type to the process-wide table. Registering the
// same id twice with identical info is a no-op; conflicting re-registration
// panics, since the table is wired up at init time and a conflict is a
// programming error.
func Register(info MsgInfo) {
	tableMu.Lock()
	defer tableMu.Unlock()
	if existing, ok := table[info.ID]; ok {
		if existing != info {
			panic(fmt.Sprintf("netmsg id %d registered twice with conflicting info: %+v vs %+v", info.ID, existing, info))
		}
		return
	}
	table[info.ID] = info
}

// Lookup fetches the registry entry for an id.
func Lookup(id NetMsgID) (MsgInfo, bool) {
	tableMu.RLock()
	defer tableMu.RUnlock()
	info, ok := table[id]
	return info, ok
}

// Table returns a snapshot of the full registry.
func Table() map[NetMsgID]MsgInfo {
	tableMu.RLock()
	defer tableMu.RUnlock()
	snapshot := make(map[NetMsgID]MsgInfo, len(table))
	for id, info := range table {
		snapshot[id] = info
	}
	return snapshot
}

// PacketIntermediary is an outbound message after serialization but before
// the reliability and encryption layers: the type id, the guarantee mode
// its type declared, and the raw body.
type PacketIntermediary struct {
	ID      NetMsgID
	Mode    GuaranteeMode
	Payload []byte
}

// EncodePlaintext produces the inner plaintext handed to the reliable-UDP
// layer: varint(id) followed by the body.
func (p *PacketIntermediary) EncodePlaintext() []byte {
	return wire.EncodeMsgID(uint32(p.ID), p.Payload)
}

// NewPacket builds a PacketIntermediary for a registered message type,
// pulling the guarantee mode from the table.
func NewPacket(id NetMsgID, payload []byte) (PacketIntermediary, error) {
	info, ok := Lookup(id)
	if !ok {
		return PacketIntermediary{}, fmt.Errorf("netmsg id %d is not registered", id)
	}
	return PacketIntermediary{ID: id, Mode: info.Mode, Payload: payload}, nil
}

func init() {
	Register(MsgInfo{
		ID:        DisconnectReserved,
		Name:      "Disconnect",
		Sidedness: Common,
		Mode:      ReliableUnordered,
	})
}

// DisconnectPacket builds the reserved deliberate-disconnect message.
func DisconnectPacket() PacketIntermediary {
	return PacketIntermediary{ID: DisconnectReserved, Mode: ReliableUnordered, Payload: nil}
}

// Package preprotocol implements the short-lived TCP negotiation that
// precedes every UDP session: length-prefixed JSON queries and replies that
// let a client discover a server's identity, protocol versions, and status,
// and that carry the six handshake step messages. Keeping the bootstrap on
// TCP keeps the UDP wire format free to evolve and gives partial handshake
// failures a clean connection-oriented close.
package preprotocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/coreos/go-semver/semver"

	"github.com/gestalt-engine/gestaltnet/handshake"
)

// DefaultPreprotocolPort is the historical TCP port for the negotiation.
const DefaultPreprotocolPort = 54134

// DefaultGamePort is the historical UDP port for the session traffic.
const DefaultGamePort = 54135

// maxFrameSize caps a single length-prefixed JSON frame.
const maxFrameSize = 1 << 20

// ErrFrameTooLarge indicates a frame whose declared length exceeds the cap.
var ErrFrameTooLarge = errors.New("preprotocol frame exceeds maximum size")

// ProtocolDef names one supported version of one wire protocol. Versions
// travel as semver strings on the wire.
type ProtocolDef struct {
	Protocol string         `json:"-"`
	Version  semver.Version `json:"-"`
}

type protocolDefJSON struct {
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

// MarshalJSON implements json.Marshaler.
func (d ProtocolDef) MarshalJSON() ([]byte, error) {
	return json.Marshal(protocolDefJSON{Protocol: d.Protocol, Version: d.Version.String()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *ProtocolDef) UnmarshalJSON(data []byte) error {
	var raw protocolDefJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	version, err := semver.NewVersion(raw.Version)
	if err != nil {
		return fmt.Errorf("parsing protocol version %q: %w", raw.Version, err)
	}
	d.Protocol = raw.Protocol
	d.Version = *version
	return nil
}

// Equal reports whether two definitions name the same protocol version.
func (d ProtocolDef) Equal(other ProtocolDef) bool {
	return d.Protocol == other.Protocol && d.Version.Equal(other.Version)
}

// CurrentProtocol is the one wire protocol this build speaks.
func CurrentProtocol() ProtocolDef {
	return ProtocolDef{
		Protocol: handshake.ProtocolName,
		Version:  *semver.New(handshake.ProtocolVersion),
	}
}

// SupportedProtocols is the set of protocol versions a node will accept.
type SupportedProtocols struct {
	SupportedProtocols []ProtocolDef `json:"supported_protocols"`
}

// ServerStatus is a server's coarse readiness signal.
type ServerStatus string

const (
	// StatusNoResponse is reported when the receiver has no server state to
	// consult.
	StatusNoResponse ServerStatus = "no_response"
	// StatusUnavailable means the server exists but cannot be joined.
	StatusUnavailable ServerStatus = "unavailable"
	// StatusStarting means the server is booting and will be ready soon.
	StatusStarting ServerStatus = "starting"
	// StatusReady means the server accepts connections.
	StatusReady ServerStatus = "ready"
)

// StartHandshakeMsg opens a handshake: the protocol the initiator chose,
// who they are, and step 1.
type StartHandshakeMsg struct {
	UseProtocol       ProtocolDef            `json:"use_protocol"`
	InitiatorIdentity string                 `json:"initiator_identity"`
	Handshake         *handshake.StepMessage `json:"handshake"`
}

// Query type tags.
const (
	QueryIntroduction        = "introduction"
	QueryRequestIdentity     = "request_identity"
	QuerySupportedProtocols  = "supported_protocols"
	QueryRequestServerStatus = "request_server_status"
	QueryRequestServerInfo   = "request_server_info"
	QueryStartHandshake      = "start_handshake"
	QueryHandshake           = "handshake"
	QueryHandshakeFailed     = "handshake_failed"
)

// Query is one client-to-server preprotocol message. Type selects which of
// the optional fields is meaningful.
type Query struct {
	Type string `json:"type"`
	// Identity is the base64 node identity for an introduction.
	Identity string `json:"identity,omitempty"`
	// StartHandshake opens a handshake.
	StartHandshake *StartHandshakeMsg `json:"start_handshake,omitempty"`
	// Handshake carries steps 3 and 5.
	Handshake *handshake.StepMessage `json:"handshake,omitempty"`
	// Reason explains a handshake_failed.
	Reason string `json:"reason,omitempty"`
}

// Reply type tags.
const (
	ReplyIdentity           = "identity"
	ReplySupportedProtocols = "supported_protocols"
	ReplyStatus             = "status"
	ReplyServerInfo         = "server_info"
	ReplyHandshake          = "handshake"
	ReplyHandshakeFailed    = "handshake_failed"
	ReplyErr                = "error"
)

// Reply is one server-to-client preprotocol message.
type Reply struct {
	Type string `json:"type"`
	// Identity is the base64 node identity answering request_identity.
	Identity string `json:"identity,omitempty"`
	// SupportedProtocols answers supported_protocols.
	SupportedProtocols *SupportedProtocols `json:"supported_protocols,omitempty"`
	// Status answers request_server_status.
	Status ServerStatus `json:"status,omitempty"`
	// ServerInfo answers request_server_info; arbitrary JSON.
	ServerInfo json.RawMessage `json:"server_info,omitempty"`
	// Handshake carries steps 2, 4, and 6.
	Handshake *handshake.StepMessage `json:"handshake,omitempty"`
	// Error explains a failed query.
	Error string `json:"error,omitempty"`
}

// errReply wraps a failure into the error reply form.
func errReply(err error) *Reply {
	return &Reply{Type: ReplyErr, Error: err.Error()}
}

// WriteFrame encodes v as JSON and writes it with a 4-byte little-endian
// length prefix.
func WriteFrame(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding preprotocol message: %w", err)
	}
	if len(raw) > maxFrameSize {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing preprotocol frame length: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("writing preprotocol frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading preprotocol frame body: %w", err)
	}
	return raw, nil
}

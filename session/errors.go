package session

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/gestalt-engine/gestaltnet/netmsg"
)

// ErrZeroLengthCiphertext indicates an envelope with no ciphertext reached
// the session layer; framing tolerates these but a session has no use for
// them.
var ErrZeroLengthCiphertext = errors.New("zero-length ciphertext on an established session")

// ErrSendBus indicates a decoded message could not be handed to the
// application bus.
var ErrSendBus = errors.New("could not send decoded message to the application bus")

// ExhaustedCounterError indicates the session counter hit its maximum; the
// session must die rather than reuse a nonce.
type ExhaustedCounterError struct {
	Peer netip.AddrPort
}

func (e *ExhaustedCounterError) Error() string {
	return fmt.Sprintf("counter for a session with %s is at the maximum value for a 4-byte unsigned integer", e.Peer)
}

// DecryptError indicates an inbound envelope failed AEAD decryption.
type DecryptError struct {
	Peer netip.AddrPort
	Err  error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("cryptographic error decrypting packet from %s: %v", e.Peer, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// UnrecognizedMsgError indicates a message id with no registered type.
// It's possible the peer is running a newer build of the engine.
type UnrecognizedMsgError struct {
	ID   netmsg.NetMsgID
	Peer string
}

func (e *UnrecognizedMsgError) Error() string {
	return fmt.Sprintf("a message of type %d has been received from %s, but no type has been associated with this id in the engine", e.ID, e.Peer)
}

// WrongSidednessError indicates a message whose declared direction does not
// match our role.
type WrongSidednessError struct {
	ID        netmsg.NetMsgID
	Peer      string
	Role      netmsg.Role
	Sidedness netmsg.Sidedness
}

func (e *WrongSidednessError) Error() string {
	return fmt.Sprintf("a message of type %d has been received from %s, but we are a %s and this message's sidedness is %s",
		e.ID, e.Peer, e.Role, e.Sidedness)
}

// TimeoutError indicates the reliable-UDP layer declared the peer dead.
type TimeoutError struct {
	Peer netip.AddrPort
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("connection with %s timed out", e.Peer)
}

// DisconnectError indicates the peer tore the flow down at the
// reliable-UDP layer.
type DisconnectError struct {
	Peer netip.AddrPort
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("peer %s disconnected", e.Peer)
}

// nonFatal reports whether a session error is survivable: the offending
// message is dropped and logged but the session keeps running.
func nonFatal(err error) bool {
	var unrecognized *UnrecognizedMsgError
	var sidedness *WrongSidednessError
	return errors.Is(err, ErrZeroLengthCiphertext) ||
		errors.As(err, &unrecognized) ||
		errors.As(err, &sidedness)
}

// allNonFatal reports whether every error in a batch is survivable.
func allNonFatal(errs []error) bool {
	for _, err := range errs {
		if !nonFatal(err) {
			return false
		}
	}
	return true
}

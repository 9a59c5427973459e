// Package keystore provides durable storage for the local Noise static
// keypair and for the set of Noise keys previously seen from each peer
// identity.
//
// Peer keys follow a trust-on-first-use policy: the first key observed from
// an identity is persisted silently; any later mismatch is reported on a
// channel and held until an approval decision arrives on a second channel,
// so the policy (CLI prompt, auto-accept, reject-all) stays pluggable.
package keystore

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flynn/noise"
	"github.com/shamaton/msgpack/v2"
	"github.com/sirupsen/logrus"

	"github.com/gestalt-engine/gestaltnet/identity"
)

// NoiseKeySize is the size of a Noise static key half in bytes.
const NoiseKeySize = 32

// IdentityChangedError indicates a peer presented an unrecognized Noise key
// and the approval policy rejected it.
type IdentityChangedError struct {
	Identity identity.NodeIdentity
}

func (e *IdentityChangedError) Error() string {
	return fmt.Sprintf("protocol key for node %s changed, and the handler for this situation denied accepting the new key", e.Identity.ToBase64())
}

// WrongKeySizeError indicates a Noise key of the wrong length.
type WrongKeySizeError struct {
	Got int
}

func (e *WrongKeySizeError) Error() string {
	return fmt.Sprintf("wrong-size protocol key: these must be %d bytes long and we received a %d-byte key", NoiseKeySize, e.Got)
}

// ErrApproverClosed indicates the approval channel closed before a decision
// arrived for a pending key mismatch.
var ErrApproverClosed = errors.New("key approval channel closed before a decision arrived")

// KeyApproval is the reply to a key-mismatch report: whether the new key for
// Identity should be accepted and remembered.
type KeyApproval struct {
	Identity identity.NodeIdentity
	Approved bool
}

// NoiseDir resolves (and creates) the noise subdirectory of a protocol
// store directory.
func NoiseDir(storeDir string) (string, error) {
	path := filepath.Join(storeDir, "noise")
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", fmt.Errorf("creating noise key directory: %w", err)
	}
	return path, nil
}

// PeerDir resolves (and creates) the per-peer key directory under a noise
// directory.
func PeerDir(noiseDir string) (string, error) {
	path := filepath.Join(noiseDir, "peers")
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", fmt.Errorf("creating peer key directory: %w", err)
	}
	return path, nil
}

// LoadOrGenerateLocalNoiseKeys loads the local Noise static keypair from
// noiseDir, generating and persisting a fresh one on first use. The file is
// named after the local identity so key rotation per identity is possible;
// its contents are the 32-byte private key followed by the 32-byte public
// key.
func LoadOrGenerateLocalNoiseKeys(noiseDir string, localIdent identity.NodeIdentity) (noise.DHKey, error) {
	path := filepath.Join(noiseDir, "local_key_"+localIdent.ToBase64())

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != 2*NoiseKeySize {
			return noise.DHKey{}, fmt.Errorf("noise key file %s is %d bytes, want %d", path, len(raw), 2*NoiseKeySize)
		}
		key := noise.DHKey{
			Private: bytes.Clone(raw[:NoiseKeySize]),
			Public:  bytes.Clone(raw[NoiseKeySize:]),
		}
		return key, nil
	case os.IsNotExist(err):
		logrus.Info("Generating our noise-protocol keypair, which had not yet been initialized.")
		key, err := noise.DH25519.GenerateKeypair(rand.Reader)
		if err != nil {
			return noise.DHKey{}, fmt.Errorf("generating noise keypair: %w", err)
		}
		out := make([]byte, 0, 2*NoiseKeySize)
		out = append(out, key.Private...)
		out = append(out, key.Public...)
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return noise.DHKey{}, fmt.Errorf("persisting noise keypair: %w", err)
		}
		return key, nil
	default:
		return noise.DHKey{}, fmt.Errorf("reading noise key file: %w", err)
	}
}

// PeerKeyFile is the persisted record of every Noise static key we have
// accepted from one peer identity. A set in spirit; the encoding stays a
// struct so the record can grow fields later.
type PeerKeyFile struct {
	Keys [][]byte `msgpack:"keys"`
}

func (f *PeerKeyFile) contains(key []byte) bool {
	for _, k := range f.Keys {
		if bytes.Equal(k, key) {
			return true
		}
	}
	return false
}

func peerKeyPath(noiseDir string, peer identity.NodeIdentity) (string, error) {
	dir, err := PeerDir(noiseDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, peer.ToBase64()), nil
}

func loadPeerKeyFile(path string) (*PeerKeyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading peer key file: %w", err)
	}
	var file PeerKeyFile
	if err := msgpack.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("could not parse peer key file as a MessagePack message: %w", err)
	}
	return &file, nil
}

func writeNewPeerKeyFile(path string, key []byte) error {
	file := PeerKeyFile{Keys: [][]byte{bytes.Clone(key)}}
	raw, err := msgpack.Marshal(&file)
	if err != nil {
		return fmt.Errorf("encoding peer key file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("writing peer key file: %w", err)
	}
	return nil
}

// rewritePeerKeyFile replaces an existing peer key file crash-safely: the
// new contents go to <name>.pending, the old file is renamed to <name>.bk,
// the pending file is renamed into place, and the backup is deleted.
func rewritePeerKeyFile(path string, file *PeerKeyFile) error {
	raw, err := msgpack.Marshal(file)
	if err != nil {
		return fmt.Errorf("encoding peer key file: %w", err)
	}
	pending := path + ".pending"
	backup := path + ".bk"
	if err := os.WriteFile(pending, raw, 0o600); err != nil {
		return fmt.Errorf("writing pending peer key file: %w", err)
	}
	if err := os.Rename(path, backup); err != nil {
		return fmt.Errorf("backing up peer key file: %w", err)
	}
	if err := os.Rename(pending, path); err != nil {
		return fmt.Errorf("swapping in pending peer key file: %w", err)
	}
	if err := os.Remove(backup); err != nil {
		return fmt.Errorf("removing peer key file backup: %w", err)
	}
	return nil
}

// awaitApproval blocks until a decision for peer arrives on approve.
// Decisions for other identities are skipped over.
func awaitApproval(peer identity.NodeIdentity, approve <-chan KeyApproval) (bool, error) {
	for resp := range approve {
		if resp.Identity == peer {
			return resp.Approved, nil
		}
	}
	return false, ErrApproverClosed
}

// ValidatePeerKey checks observedKey against the stored key set for peer.
//
// Absent file: trust on first use, persist, accept. Key present in the set:
// accept. Key absent from the set: report the identity on report, wait for a
// decision on approve, and either persist the addition (crash-safe rewrite)
// or fail with IdentityChangedError. A corrupt existing file degrades to the
// unrecognized-key path.
func ValidatePeerKey(noiseDir string, peer identity.NodeIdentity, observedKey []byte,
	report chan<- identity.NodeIdentity, approve <-chan KeyApproval) error {
	if len(observedKey) != NoiseKeySize {
		return &WrongKeySizeError{Got: len(observedKey)}
	}
	path, err := peerKeyPath(noiseDir, peer)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// New peer. It is expected and understood that the key for someone
		// we've never met before will be new.
		logrus.WithField("peer", peer.ToBase64()).Debug("Storing noise key for unfamiliar peer")
		return writeNewPeerKeyFile(path, observedKey)
	}

	file, err := loadPeerKeyFile(path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"peer":  peer.ToBase64(),
			"error": err,
		}).Error("Unable to load existing peer key file, treating its key as unrecognized")
		report <- peer
		approved, err := awaitApproval(peer, approve)
		if err != nil {
			return err
		}
		if !approved {
			return &IdentityChangedError{Identity: peer}
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing corrupt peer key file: %w", err)
		}
		return writeNewPeerKeyFile(path, observedKey)
	}

	if file.contains(observedKey) {
		return nil
	}

	logrus.WithField("peer", peer.ToBase64()).Info("Unrecognized peer key, prompting for approval")
	report <- peer
	approved, err := awaitApproval(peer, approve)
	if err != nil {
		return err
	}
	if !approved {
		return &IdentityChangedError{Identity: peer}
	}
	logrus.WithField("peer", peer.ToBase64()).Info("New peer key accepted, adding to their list of recognized keys")
	file.Keys = append(file.Keys, bytes.Clone(observedKey))
	if err := rewritePeerKeyFile(path, file); err != nil {
		// The user approved the key but we cannot persist it. Log and let
		// the session continue; the key will be unrecognized next time.
		logrus.WithFields(logrus.Fields{
			"peer":  peer.ToBase64(),
			"error": err,
		}).Error("Unable to store new (approved) peer key; it will be unrecognized the next time it is seen")
	}
	return nil
}

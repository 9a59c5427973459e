package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// identityFileName is where the local identity keypair lives inside the
// protocol store directory. Layout: 32-byte seed followed by the 32-byte
// public key, mirroring the noise key file format.
const identityFileName = "identity_key"

// LoadOrGenerate loads the local identity keypair from dir, generating and
// persisting a fresh one on first run. Blocking file I/O; call at startup.
func LoadOrGenerate(dir string) (*IdentityKeyPair, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	path := filepath.Join(dir, identityFileName)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != 64 {
			return nil, fmt.Errorf("identity key file %s is %d bytes, want 64", path, len(raw))
		}
		var seed [32]byte
		copy(seed[:], raw[:32])
		kp, err := FromSeed(seed)
		if err != nil {
			return nil, fmt.Errorf("rebuilding identity from %s: %w", path, err)
		}
		logrus.WithFields(logrus.Fields{
			"identity": kp.Public.ToBase64(),
			"path":     path,
		}).Debug("Loaded node identity")
		return kp, nil
	case os.IsNotExist(err):
		kp, err := Generate()
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0, 64)
		out = append(out, kp.Private[:]...)
		out = append(out, kp.Public[:]...)
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return nil, fmt.Errorf("persisting new identity keypair: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"identity": kp.Public.ToBase64(),
			"path":     path,
		}).Info("Generated node identity, which had not yet been initialized")
		return kp, nil
	default:
		return nil, fmt.Errorf("reading identity key file: %w", err)
	}
}

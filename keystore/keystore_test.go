package keystore

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gestalt-engine/gestaltnet/identity"
)

func testIdentity(t *testing.T) identity.NodeIdentity {
	t.Helper()
	keys, err := identity.Generate()
	require.NoError(t, err)
	return keys.Public
}

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, NoiseKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

// noApprover fails the test if the mismatch path runs at all.
func noApprover(t *testing.T) (chan identity.NodeIdentity, chan KeyApproval) {
	t.Helper()
	report := make(chan identity.NodeIdentity, 1)
	approve := make(chan KeyApproval, 1)
	t.Cleanup(func() {
		select {
		case peer := <-report:
			t.Errorf("approver consulted for %s; this path should never run here", peer.ToBase64())
		default:
		}
	})
	return report, approve
}

// answeringApprover replies to the first report with the given decision.
func answeringApprover(t *testing.T, decision bool) (chan identity.NodeIdentity, chan KeyApproval) {
	t.Helper()
	report := make(chan identity.NodeIdentity, 1)
	approve := make(chan KeyApproval, 1)
	go func() {
		peer, ok := <-report
		if !ok {
			return
		}
		approve <- KeyApproval{Identity: peer, Approved: decision}
	}()
	return report, approve
}

func TestLoadOrGenerateLocalNoiseKeysPersists(t *testing.T) {
	dir := t.TempDir()
	ident := testIdentity(t)

	first, err := LoadOrGenerateLocalNoiseKeys(dir, ident)
	require.NoError(t, err)
	require.Len(t, first.Private, NoiseKeySize)
	require.Len(t, first.Public, NoiseKeySize)

	second, err := LoadOrGenerateLocalNoiseKeys(dir, ident)
	require.NoError(t, err)
	assert.Equal(t, first.Private, second.Private)
	assert.Equal(t, first.Public, second.Public)
}

func TestLoadOrGenerateLocalNoiseKeysPerIdentity(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrGenerateLocalNoiseKeys(dir, testIdentity(t))
	require.NoError(t, err)
	b, err := LoadOrGenerateLocalNoiseKeys(dir, testIdentity(t))
	require.NoError(t, err)
	assert.NotEqual(t, a.Public, b.Public)
}

func TestValidatePeerKeyTrustOnFirstUse(t *testing.T) {
	dir := t.TempDir()
	peer := testIdentity(t)
	key := randomKey(t)

	report, approve := noApprover(t)
	require.NoError(t, ValidatePeerKey(dir, peer, key, report, approve))

	// Second sighting of the same key must succeed without consulting the
	// approver at all.
	require.NoError(t, ValidatePeerKey(dir, peer, key, report, approve))
}

func TestValidatePeerKeyRejectedRotation(t *testing.T) {
	dir := t.TempDir()
	peer := testIdentity(t)

	report, approve := noApprover(t)
	require.NoError(t, ValidatePeerKey(dir, peer, randomKey(t), report, approve))

	report2, approve2 := answeringApprover(t, false)
	err := ValidatePeerKey(dir, peer, randomKey(t), report2, approve2)
	var changed *IdentityChangedError
	require.ErrorAs(t, err, &changed)
	assert.Equal(t, peer, changed.Identity)
}

func TestValidatePeerKeyApprovedRotation(t *testing.T) {
	dir := t.TempDir()
	peer := testIdentity(t)
	first := randomKey(t)
	second := randomKey(t)

	report, approve := noApprover(t)
	require.NoError(t, ValidatePeerKey(dir, peer, first, report, approve))

	report2, approve2 := answeringApprover(t, true)
	require.NoError(t, ValidatePeerKey(dir, peer, second, report2, approve2))

	// Both keys are now recognized with no approver involvement.
	report3, approve3 := noApprover(t)
	require.NoError(t, ValidatePeerKey(dir, peer, first, report3, approve3))
	require.NoError(t, ValidatePeerKey(dir, peer, second, report3, approve3))

	// The crash-safe rewrite must not leave intermediate files around.
	peerDir, err := PeerDir(dir)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(peerDir, peer.ToBase64()+".pending"))
	assert.NoFileExists(t, filepath.Join(peerDir, peer.ToBase64()+".bk"))
}

func TestValidatePeerKeyWrongSize(t *testing.T) {
	report, approve := noApprover(t)
	err := ValidatePeerKey(t.TempDir(), testIdentity(t), make([]byte, 16), report, approve)
	var wrongSize *WrongKeySizeError
	require.ErrorAs(t, err, &wrongSize)
	assert.Equal(t, 16, wrongSize.Got)
}

func TestValidatePeerKeyCorruptFileDegradesToApproval(t *testing.T) {
	dir := t.TempDir()
	peer := testIdentity(t)
	key := randomKey(t)

	peerDir, err := PeerDir(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(peerDir, peer.ToBase64()), []byte("not msgpack"), 0o600))

	report, approve := answeringApprover(t, true)
	require.NoError(t, ValidatePeerKey(dir, peer, key, report, approve))

	// The rebuilt file recognizes the key with no further approval.
	report2, approve2 := noApprover(t)
	require.NoError(t, ValidatePeerKey(dir, peer, key, report2, approve2))
}

func TestApprovalBroadcastFanOut(t *testing.T) {
	broadcast := NewApprovalBroadcast()
	a := broadcast.Subscribe()
	b := broadcast.Subscribe()

	peer := testIdentity(t)
	broadcast.Send(KeyApproval{Identity: peer, Approved: true})

	gotA := <-a
	gotB := <-b
	assert.Equal(t, peer, gotA.Identity)
	assert.True(t, gotA.Approved)
	assert.Equal(t, gotA, gotB)
}

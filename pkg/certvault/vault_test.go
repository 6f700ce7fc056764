package certvault

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/certd/pkg/certerrors"
)

func testKey(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}

func openTestVault(t *testing.T, key []byte) *Vault {
	t.Helper()
	path := filepath.Join(t.TempDir(), "passphrases.enc")
	v, err := Open(path, key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestOpenRejectsWrongLengthMasterKey(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "v.enc"), []byte("too-short"))
	require.Error(t, err)
	var cerr *certerrors.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, certerrors.BadInput, cerr.Kind)
}

func TestStoreGetDeleteRoundTrip(t *testing.T) {
	v := openTestVault(t, testKey(0x01))

	ok, err := v.Has("fp1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, v.Store("fp1", "s3cret"))

	ok, err = v.Has("fp1")
	require.NoError(t, err)
	assert.True(t, ok)

	pass, ok, err := v.Get("fp1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s3cret", pass)

	require.NoError(t, v.Delete("fp1"))
	_, ok, err = v.Get("fp1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetMissingEntryReturnsNotOK(t *testing.T) {
	v := openTestVault(t, testKey(0x02))
	pass, ok, err := v.Get("never-stored")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, pass)
}

func TestRotateKeyReencryptsEveryEntry(t *testing.T) {
	v := openTestVault(t, testKey(0x03))
	require.NoError(t, v.Store("fp1", "pass-one"))
	require.NoError(t, v.Store("fp2", "pass-two"))

	newKey := testKey(0x04)
	require.NoError(t, v.RotateKey(newKey))

	pass1, ok, err := v.Get("fp1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pass-one", pass1)

	pass2, ok, err := v.Get("fp2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pass-two", pass2)
}

func TestRotateKeyRejectsWrongLengthKey(t *testing.T) {
	v := openTestVault(t, testKey(0x05))
	err := v.RotateKey([]byte("short"))
	require.Error(t, err)
	var cerr *certerrors.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, certerrors.BadInput, cerr.Kind)
}

func TestDataEncryptedUnderOldKeyIsUnreadableAfterRotation(t *testing.T) {
	// Simulates a restart with the old key after a rotation: opening a
	// fresh Vault handle on the same file with the stale key must fail to
	// decrypt rather than silently returning garbage.
	path := filepath.Join(t.TempDir(), "passphrases.enc")
	oldKey := testKey(0x06)

	v, err := Open(path, oldKey)
	require.NoError(t, err)
	require.NoError(t, v.Store("fp1", "secret"))
	newKey := testKey(0x07)
	require.NoError(t, v.RotateKey(newKey))
	require.NoError(t, v.Close())

	reopened, err := Open(path, oldKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	_, _, err = reopened.Get("fp1")
	require.Error(t, err)
	var cerr *certerrors.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, certerrors.WrongPassphrase, cerr.Kind)
}

package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/certd/pkg/certcrypto"
	"github.com/cuemby/certd/pkg/certevents"
	"github.com/cuemby/certd/pkg/certstore"
)

func writeSelfSigned(t *testing.T, dir, name, cn string, domains []string) string {
	t.Helper()
	ctx := context.Background()
	provider := certcrypto.New()

	keyPath := filepath.Join(dir, name+".key")
	_, err := provider.GenerateKey(ctx, keyPath, certcrypto.AlgorithmEC, 256, "")
	require.NoError(t, err)

	certPath := filepath.Join(dir, name+".crt")
	_, err = provider.SelfSign(ctx, keyPath, "", certPath, "CN="+cn, certcrypto.Extensions{
		Domains: domains,
	}, 365)
	require.NoError(t, err)
	return certPath
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	r := New(Config{
		CertsDir: dir,
		Store:    certstore.New(dir),
		Crypto:   certcrypto.New(),
		Logger:   zerolog.Nop(),
	})
	return r, dir
}

func TestLoadAllDiscoversCertificatesOnDisk(t *testing.T) {
	r, dir := newTestRegistry(t)
	writeSelfSigned(t, dir, "site", "site.example.com", []string{"site.example.com"})

	require.NoError(t, r.LoadAll(context.Background(), true))

	all := r.GetAll()
	require.Len(t, all, 1)
	require.Equal(t, "site.example.com", all[0].CommonName)
	require.Contains(t, all[0].SANs.Domains, "site.example.com")
	require.False(t, all[0].NeedsPassphrase)
}

func TestLoadAllIsNoOpWhenCacheValid(t *testing.T) {
	r, dir := newTestRegistry(t)
	writeSelfSigned(t, dir, "site", "site.example.com", nil)
	require.NoError(t, r.LoadAll(context.Background(), true))

	writeSelfSigned(t, dir, "second", "second.example.com", nil)
	// Without forcing and with no pending changes the cache is considered
	// valid, so the second file should not yet be visible.
	require.NoError(t, r.LoadAll(context.Background(), false))
	require.Len(t, r.GetAll(), 1)

	require.NoError(t, r.LoadAll(context.Background(), true))
	require.Len(t, r.GetAll(), 2)
}

func TestNotifyChangedForcesRescan(t *testing.T) {
	r, dir := newTestRegistry(t)
	require.NoError(t, r.LoadAll(context.Background(), true))
	writeSelfSigned(t, dir, "site", "site.example.com", nil)

	r.NotifyChanged("anything", certevents.KindCreate)
	require.NoError(t, r.LoadAll(context.Background(), false))
	require.Len(t, r.GetAll(), 1)
}

func TestGetNormalizesFingerprintLookup(t *testing.T) {
	r, dir := newTestRegistry(t)
	writeSelfSigned(t, dir, "site", "site.example.com", nil)
	require.NoError(t, r.LoadAll(context.Background(), true))

	all := r.GetAll()
	require.Len(t, all, 1)
	fp := all[0].Fingerprint

	_, ok := r.Get("sha256:" + fp)
	require.True(t, ok)
	_, ok = r.Get("SHA256 FINGERPRINT=" + strings.ToUpper(fp))
	require.True(t, ok)
}

func TestSwapOnRenewalKeepsExactlyOneEntry(t *testing.T) {
	r, dir := newTestRegistry(t)
	writeSelfSigned(t, dir, "site", "site.example.com", nil)
	require.NoError(t, r.LoadAll(context.Background(), true))

	old := r.GetAll()[0]
	renewed := old.Clone()
	renewed.Fingerprint = "deadbeef"
	r.SwapOnRenewal(old.Fingerprint, renewed)

	all := r.GetAll()
	require.Len(t, all, 1)
	require.Equal(t, "deadbeef", all[0].Fingerprint)

	_ = dir
}

func TestCountsByKeyTypeAndPendingChanges(t *testing.T) {
	r, dir := newTestRegistry(t)
	writeSelfSigned(t, dir, "a", "a.example.com", nil)
	writeSelfSigned(t, dir, "b", "b.example.com", nil)
	require.NoError(t, r.LoadAll(context.Background(), true))

	counts := r.CountsByKeyType()
	require.Equal(t, 2, counts["ec"])

	r.Invalidate(strPtr(r.GetAll()[0].Fingerprint))
	require.Equal(t, 1, r.PendingChangesCount())
}

func strPtr(s string) *string { return &s }

func TestLoadAllRefreshesOnlyPendingWhenCacheValid(t *testing.T) {
	r, dir := newTestRegistry(t)
	writeSelfSigned(t, dir, "site", "site.example.com", nil)
	require.NoError(t, r.LoadAll(context.Background(), true))
	fp := r.GetAll()[0].Fingerprint

	// A new file on disk must stay invisible to the cheap tier: only the
	// flagged fingerprint is reparsed, no directory walk happens.
	writeSelfSigned(t, dir, "second", "second.example.com", nil)
	r.Invalidate(strPtr(fp))
	require.NoError(t, r.LoadAll(context.Background(), false))

	require.Len(t, r.GetAll(), 1)
	require.Equal(t, 0, r.PendingChangesCount())
}

func TestPendingRefreshEscalatesOnFingerprintChange(t *testing.T) {
	r, dir := newTestRegistry(t)
	certPath := writeSelfSigned(t, dir, "site", "site.example.com", nil)
	require.NoError(t, r.LoadAll(context.Background(), true))
	oldFp := r.GetAll()[0].Fingerprint

	otherDir := t.TempDir()
	otherPath := writeSelfSigned(t, otherDir, "site", "site.example.com", nil)
	data, err := os.ReadFile(otherPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certPath, data, 0o644))

	r.Invalidate(strPtr(oldFp))
	require.NoError(t, r.LoadAll(context.Background(), false))

	all := r.GetAll()
	require.Len(t, all, 1)
	require.NotEqual(t, oldFp, all[0].Fingerprint)
}

func TestLoadAllDropsEntryWhenPathRewrittenWithNewContent(t *testing.T) {
	r, dir := newTestRegistry(t)
	certPath := writeSelfSigned(t, dir, "site", "site.example.com", nil)
	require.NoError(t, r.LoadAll(context.Background(), true))
	oldFp := r.GetAll()[0].Fingerprint

	// Rewrite the same path with a different certificate, as a
	// delete-then-recreate sequence under the watcher would.
	otherDir := t.TempDir()
	otherPath := writeSelfSigned(t, otherDir, "site", "site.example.com", nil)
	data, err := os.ReadFile(otherPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certPath, data, 0o644))

	require.NoError(t, r.LoadAll(context.Background(), true))
	all := r.GetAll()
	require.Len(t, all, 1)
	require.NotEqual(t, oldFp, all[0].Fingerprint)
}

func TestLoadAllKeepsEntryWhoseFilesVanished(t *testing.T) {
	r, dir := newTestRegistry(t)
	certPath := writeSelfSigned(t, dir, "site", "site.example.com", nil)
	require.NoError(t, r.LoadAll(context.Background(), true))
	fp := r.GetAll()[0].Fingerprint

	require.NoError(t, os.Remove(certPath))
	require.NoError(t, r.LoadAll(context.Background(), true))

	_, ok := r.Get(fp)
	require.True(t, ok, "metadata must outlive the files until an explicit delete")
}

package certstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/certd/pkg/certtypes"
)

func TestLoadMissingFileReturnsEmptyDocument(t *testing.T) {
	s := New(t.TempDir())
	doc, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, doc.Version)
	assert.Empty(t, doc.Certificates)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	certs := map[string]*certtypes.Certificate{
		"fp1": {Fingerprint: "fp1", Name: "one"},
		"fp2": {Fingerprint: "fp2", Name: "two"},
	}

	require.NoError(t, s.Save(certs))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, doc.Certificates, 2)
	assert.Equal(t, "one", doc.Certificates["fp1"].Name)
	assert.Equal(t, "two", doc.Certificates["fp2"].Name)
}

func TestSaveProducesDeterministicOutput(t *testing.T) {
	s := New(t.TempDir())
	s.now = func() time.Time { return time.Unix(0, 0).UTC() }
	certs := map[string]*certtypes.Certificate{
		"fp2": {Fingerprint: "fp2"},
		"fp1": {Fingerprint: "fp1"},
	}

	require.NoError(t, s.Save(certs))
	first, err := os.ReadFile(s.path)
	require.NoError(t, err)

	require.NoError(t, s.Save(certs))
	second, err := os.ReadFile(s.path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestModTimeReportsZeroForMissingFile(t *testing.T) {
	s := New(t.TempDir())
	mt, err := s.ModTime()
	require.NoError(t, err)
	assert.True(t, mt.IsZero())
}

func TestModTimeAdvancesAfterSave(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Save(map[string]*certtypes.Certificate{}))
	mt, err := s.ModTime()
	require.NoError(t, err)
	assert.False(t, mt.IsZero())
}

func TestLoadQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "certificates.json"), []byte("not json"), 0o644))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Certificates)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	foundQuarantine := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" && e.Name() != "certificates.json" {
			foundQuarantine = true
		}
	}
	assert.True(t, foundQuarantine, "expected a quarantined corrupt-file copy to remain in the directory")
}

func TestLoadEmptyFileReturnsEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "certificates.json"), nil, 0o644))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Certificates)
}

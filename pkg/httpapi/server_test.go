package httpapi

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/certd/pkg/certcrypto"
	"github.com/cuemby/certd/pkg/certevents"
	"github.com/cuemby/certd/pkg/certstore"
	"github.com/cuemby/certd/pkg/certvault"
	"github.com/cuemby/certd/pkg/deploy"
	"github.com/cuemby/certd/pkg/lifecycle"
	"github.com/cuemby/certd/pkg/registry"
	"github.com/cuemby/certd/pkg/renewsched"
	"github.com/cuemby/certd/pkg/snapshot"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	certsDir := t.TempDir()
	archiveDir := t.TempDir()

	events := certevents.NewBroker()
	events.Start()
	t.Cleanup(events.Stop)

	reg := registry.New(registry.Config{
		CertsDir: certsDir,
		Store:    certstore.New(certsDir),
		Crypto:   certcrypto.New(),
		Events:   events,
		Logger:   zerolog.Nop(),
	})
	pipeline := lifecycle.New(lifecycle.Config{
		Registry:  reg,
		Crypto:    certcrypto.New(),
		Snapshots: snapshot.New(archiveDir),
		Deployer:  deploy.New(zerolog.Nop()),
		CertsDir:  certsDir,
		Logger:    zerolog.Nop(),
	})
	sched, err := renewsched.New(renewsched.Config{
		Registry: reg,
		Pipeline: pipeline,
		CertsDir: certsDir,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	srv := New(Config{
		Registry:  reg,
		Pipeline:  pipeline,
		Snapshots: snapshot.New(archiveDir),
		Scheduler: sched,
		Events:    events,
		Logger:    zerolog.Nop(),
		Version:   "test",
	})
	return srv, reg
}

func TestHealthAndPingAreUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/public/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/public/ping", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "pong", rec.Body.String())
}

func TestCreateThenListThenGetCertificate(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/certificates", bytes.NewReader(mustCreateBody(t)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.True(t, created.Success)

	req = httptest.NewRequest(http.MethodGet, "/certificates", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.True(t, listed.Success)
}

func TestGetMissingCertificateReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/certificates/deadbeef", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Success)
	require.Equal(t, "NotFound", resp.Error.Kind)
}

func TestRequireAuthWrapsProtectedRoutesOnly(t *testing.T) {
	certsDir := t.TempDir()
	reg := registry.New(registry.Config{
		CertsDir: certsDir,
		Store:    certstore.New(certsDir),
		Crypto:   certcrypto.New(),
		Logger:   zerolog.Nop(),
	})
	blocked := false
	srv := New(Config{
		Registry: reg,
		Logger:   zerolog.Nop(),
		RequireAuth: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				blocked = true
				w.WriteHeader(http.StatusUnauthorized)
			})
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/certificates", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.True(t, blocked)

	req = httptest.NewRequest(http.MethodGet, "/public/health", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRotateEncryptionKeyRejectsWrongLength(t *testing.T) {
	certsDir := t.TempDir()
	vaultPath := filepath.Join(certsDir, "passphrases.enc")
	vault, err := certvault.Open(vaultPath, bytes.Repeat([]byte{0x01}, 32))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vault.Close() })

	reg := registry.New(registry.Config{
		CertsDir: certsDir,
		Store:    certstore.New(certsDir),
		Crypto:   certcrypto.New(),
		Logger:   zerolog.Nop(),
	})
	srv := New(Config{Registry: reg, Vault: vault, Logger: zerolog.Nop()})

	body, _ := json.Marshal(rotateEncryptionKeyRequest{NewMasterKeyHex: "nothex"})
	req := httptest.NewRequest(http.MethodPost, "/security/rotate-encryption-key", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRotateEncryptionKeySucceedsWithValidKey(t *testing.T) {
	certsDir := t.TempDir()
	vaultPath := filepath.Join(certsDir, "passphrases.enc")
	vault, err := certvault.Open(vaultPath, bytes.Repeat([]byte{0x01}, 32))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vault.Close() })

	reg := registry.New(registry.Config{
		CertsDir: certsDir,
		Store:    certstore.New(certsDir),
		Crypto:   certcrypto.New(),
		Logger:   zerolog.Nop(),
	})
	srv := New(Config{Registry: reg, Vault: vault, Logger: zerolog.Nop()})

	newKey := bytes.Repeat([]byte{0x02}, 32)
	body, _ := json.Marshal(rotateEncryptionKeyRequest{NewMasterKeyHex: hex.EncodeToString(newKey)})
	req := httptest.NewRequest(http.MethodPost, "/security/rotate-encryption-key", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteCertificateRemovesEntryAndFiles(t *testing.T) {
	srv, reg := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/certificates", bytes.NewReader(mustCreateBody(t)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	cert := reg.GetAll()[0]
	req = httptest.NewRequest(http.MethodDelete, "/certificates/"+cert.Fingerprint, nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, ok := reg.Get(cert.Fingerprint)
	require.False(t, ok)
	_, err := os.Stat(cert.Paths["crt"])
	require.True(t, os.IsNotExist(err))
}

func mustCreateBody(t *testing.T) []byte {
	t.Helper()
	req := createCertificateRequest{
		Name:        "leaf",
		CommonName:  "leaf.example.com",
		Domains:     []string{"leaf.example.com"},
		Algorithm:   certcrypto.AlgorithmEC,
		BitsOrCurve: 256,
	}
	req.Config.ValidityDays = 90
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return b
}

package renewsched

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/certd/pkg/certcrypto"
	"github.com/cuemby/certd/pkg/certstore"
	"github.com/cuemby/certd/pkg/lifecycle"
	"github.com/cuemby/certd/pkg/registry"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New(registry.Config{
		CertsDir: dir,
		Store:    certstore.New(dir),
		Crypto:   certcrypto.New(),
		Logger:   zerolog.Nop(),
	})
	s, err := New(Config{
		Registry: reg,
		Pipeline: &lifecycle.Pipeline{},
		CertsDir: dir,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return s
}

func TestSetCronSpecValidatesExpression(t *testing.T) {
	s := newTestScheduler(t)
	require.Error(t, s.SetCronSpec("not a cron expression"))
	require.NoError(t, s.SetCronSpec("0 3 * * *"))
	_, ok := s.NextRun()
	require.True(t, ok)
}

func TestSetCronSpecAcceptsSixFieldWithSeconds(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.SetCronSpec("*/30 * * * * *"))
	_, ok := s.NextRun()
	require.True(t, ok)
}

func TestSetCronSpecDisableIsIdempotent(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.SetCronSpec("0 3 * * *"))
	require.NoError(t, s.SetCronSpec(""))
	require.NoError(t, s.SetCronSpec(""))
	_, ok := s.NextRun()
	require.False(t, ok)
}

func TestSetCronSpecSameSpecTwiceIsNoOp(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.SetCronSpec("0 3 * * *"))
	firstID := s.cronID
	require.NoError(t, s.SetCronSpec("0 3 * * *"))
	require.Equal(t, firstID, s.cronID)
}

func TestShouldIgnorePathSkipsBackupsArchiveAndHidden(t *testing.T) {
	root := "/certs"
	require.True(t, shouldIgnorePath(root, "/certs/backups/x.crt"))
	require.True(t, shouldIgnorePath(root, "/certs/archive/x.crt"))
	require.True(t, shouldIgnorePath(root, "/certs/.hidden/x.crt"))
	require.False(t, shouldIgnorePath(root, "/certs/site/x.crt"))
}

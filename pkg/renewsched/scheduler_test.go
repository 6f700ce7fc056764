package renewsched

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/certd/pkg/certcrypto"
	"github.com/cuemby/certd/pkg/certstore"
	"github.com/cuemby/certd/pkg/certtypes"
	"github.com/cuemby/certd/pkg/deploy"
	"github.com/cuemby/certd/pkg/lifecycle"
	"github.com/cuemby/certd/pkg/registry"
	"github.com/cuemby/certd/pkg/snapshot"
)

func TestWatcherDebounceSettlesAfterBurstOfEvents(t *testing.T) {
	certsDir := t.TempDir()
	archiveDir := t.TempDir()

	reg := registry.New(registry.Config{
		CertsDir: certsDir,
		Store:    certstore.New(certsDir),
		Crypto:   certcrypto.New(),
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

	_, err := pipeline.CreateOrRenew(context.Background(), "leaf", lifecycle.Options{
		New: lifecycle.NewOptions{
			Name:        "leaf",
			CommonName:  "leaf.example.test",
			Algorithm:   certcrypto.AlgorithmEC,
			BitsOrCurve: 256,
		},
		Config: certtypes.Config{ValidityDays: 365, AutoRenew: true, RenewDaysBeforeExpiry: 400},
	})
	require.NoError(t, err)

	s, err := New(Config{
		Registry: reg,
		Pipeline: pipeline,
		CertsDir: certsDir,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// Touch the same path several times in quick succession; the debounce
	// window should collapse these into a single settled change.
	leaf := reg.GetAll()[0]
	certPath := leaf.Paths["crt"]
	for i := 0; i < 3; i++ {
		require.NoError(t, touch(certPath))
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		s.debounceMu.Lock()
		defer s.debounceMu.Unlock()
		return len(s.debounceTimers) == 0
	}, 2*time.Second, 10*time.Millisecond, "debounce timer should settle")
}

func touch(path string) error {
	now := time.Now()
	return os.Chtimes(path, now, now)
}

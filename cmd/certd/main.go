// Command certd is the certificate lifecycle engine's daemon and CLI
// entrypoint: a cobra root command that wires up every collaborator in
// dependency order and shuts them down in reverse on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/certd/pkg/certcrypto"
	"github.com/cuemby/certd/pkg/certevents"
	certmetrics "github.com/cuemby/certd/pkg/certmetrics"
	"github.com/cuemby/certd/pkg/certstore"
	"github.com/cuemby/certd/pkg/certvault"
	"github.com/cuemby/certd/pkg/config"
	"github.com/cuemby/certd/pkg/deploy"
	"github.com/cuemby/certd/pkg/httpapi"
	"github.com/cuemby/certd/pkg/lifecycle"
	"github.com/cuemby/certd/pkg/log"
	"github.com/cuemby/certd/pkg/registry"
	"github.com/cuemby/certd/pkg/renewsched"
	"github.com/cuemby/certd/pkg/snapshot"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfg = config.FromEnv()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "certd",
	Short:   "certd - certificate lifecycle engine",
	Long:    "certd discovers, renews and deploys X.509 certificates: parsing, CA resolution, passphrase-protected key storage, scheduled and file-watch-triggered renewal, and post-renewal deploy actions.",
	Version: Version,
	RunE:    runServe,
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe the running engine's liveness endpoint, exiting 2 on failure",
	RunE:  runHealthcheck,
}

func init() {
	cfg.BindFlags(rootCmd.PersistentFlags())
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"certd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(healthcheckCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfg.ConfigFile != "" {
		if err := cfg.MergeFile(cmd.Flags(), cfg.ConfigFile); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, dir := range []string{cfg.ConfigDir, cfg.CertsDir, cfg.ArchiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	logger, logFile, err := buildLogger()
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}
	health := certmetrics.NewHealthChecker(Version, "registry", "scheduler", "vault")

	masterKeyPath := cfg.VaultMasterKeyFile
	if masterKeyPath == "" {
		masterKeyPath = filepath.Join(cfg.ConfigDir, "vault.key")
	}
	masterKey, err := loadOrCreateMasterKey(masterKeyPath)
	if err != nil {
		return err
	}
	vault, err := certvault.Open(filepath.Join(cfg.ConfigDir, "passphrases.enc"), masterKey)
	if err != nil {
		return err
	}
	defer vault.Close()
	health.RegisterComponent("vault", true, "")

	events := certevents.NewBroker()
	events.Start()
	defer events.Stop()

	reg := registry.New(registry.Config{
		CertsDir: cfg.CertsDir,
		Store:    certstore.New(cfg.ConfigDir),
		Crypto:   certcrypto.New(),
		Vault:    vault,
		Events:   events,
		Logger:   log.WithComponent(logger, "registry"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.LoadAll(ctx, true); err != nil {
		return fmt.Errorf("load certificates: %w", err)
	}
	health.RegisterComponent("registry", true, "")

	snapshots := snapshot.New(cfg.ArchiveDir)
	deployer := deploy.New(log.WithComponent(logger, "deploy"))
	pipeline := lifecycle.New(lifecycle.Config{
		Registry:  reg,
		Crypto:    certcrypto.New(),
		Snapshots: snapshots,
		Vault:     vault,
		Deployer:  deployer,
		CertsDir:  cfg.CertsDir,
		Logger:    log.WithComponent(logger, "lifecycle"),
	})

	sched, err := renewsched.New(renewsched.Config{
		Registry: reg,
		Pipeline: pipeline,
		CertsDir: cfg.CertsDir,
		Debounce: time.Duration(cfg.WatchDebounceMs) * time.Millisecond,
		Logger:   log.WithComponent(logger, "renewsched"),
	})
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	if cfg.CronSpec != "" {
		if err := sched.SetCronSpec(cfg.CronSpec); err != nil {
			return fmt.Errorf("schedule renewal sweep: %w", err)
		}
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	health.RegisterComponent("scheduler", true, "")

	collector := certmetrics.NewCollector(reg)
	collector.Start()
	defer collector.Stop()

	srv := httpapi.New(httpapi.Config{
		Registry:  reg,
		Pipeline:  pipeline,
		Snapshots: snapshots,
		Vault:     vault,
		Scheduler: sched,
		Events:    events,
		Health:    health,
		Logger:    log.WithComponent(logger, "httpapi"),
		Version:   Version,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("http api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildLogger constructs the root logger per cfg.LogDir: stdout when
// empty, or a dated file under LogDir (certd-YYYY-MM-DD.log) otherwise.
// The returned file is nil when logging to stdout.
func buildLogger() (zerolog.Logger, *os.File, error) {
	if cfg.LogDir == "" {
		return log.New(log.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}), nil, nil
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("certd-%s.log", time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(cfg.LogDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
	}
	return log.New(log.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: f}), f, nil
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/public/health", cfg.Port)
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "unhealthy: status %d\n", resp.StatusCode)
		os.Exit(2)
	}
	fmt.Println("ok")
	return nil
}

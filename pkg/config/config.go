// Package config resolves certd's runtime configuration: environment
// variables, overridable by pflag flags on cmd/certd, falling back to
// built-in defaults. Kept as its own package so cmd/certd stays a thin
// wiring layer.
package config

import (
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/certd/pkg/certerrors"
	"github.com/cuemby/certd/pkg/log"
)

// Config is certd's fully resolved runtime configuration.
type Config struct {
	ConfigFile         string
	ConfigDir          string
	CertsDir           string
	ArchiveDir         string
	Port               int
	HTTPSPort          int
	LogLevel           log.Level
	LogFormat          log.Format
	LogDir             string
	CronSpec           string
	WatchDebounceMs    int
	VaultMasterKeyFile string
}

func defaults() Config {
	return Config{
		ConfigDir:       "/var/lib/certd",
		CertsDir:        "/var/lib/certd/certs",
		ArchiveDir:      "/var/lib/certd/archive",
		Port:            8080,
		HTTPSPort:       8443,
		LogLevel:        log.InfoLevel,
		LogFormat:       log.FormatJSON,
		CronSpec:        "0 3 * * *",
		WatchDebounceMs: 200,
	}
}

// FromEnv resolves configuration from environment variables layered over
// the built-in defaults.
func FromEnv() Config {
	cfg := defaults()
	cfg.ConfigFile = envOr("CONFIG_FILE", cfg.ConfigFile)
	cfg.ConfigDir = envOr("CONFIG_DIR", cfg.ConfigDir)
	cfg.CertsDir = envOr("CERTS_DIR", cfg.CertsDir)
	cfg.ArchiveDir = envOr("ARCHIVE_DIR", cfg.ArchiveDir)
	cfg.Port = envIntOr("PORT", cfg.Port)
	cfg.HTTPSPort = envIntOr("HTTPS_PORT", cfg.HTTPSPort)
	cfg.LogLevel = log.Level(envOr("LOG_LEVEL", string(cfg.LogLevel)))
	cfg.LogFormat = log.Format(envOr("LOG_FORMAT", string(cfg.LogFormat)))
	cfg.LogDir = envOr("LOG_DIR", cfg.LogDir)
	cfg.CronSpec = envOr("CRON_SPEC", cfg.CronSpec)
	cfg.WatchDebounceMs = envIntOr("WATCH_DEBOUNCE_MS", cfg.WatchDebounceMs)
	cfg.VaultMasterKeyFile = envOr("VAULT_MASTER_KEY_FILE", cfg.VaultMasterKeyFile)
	return cfg
}

// BindFlags registers every configuration field as a flag on fs, using
// cfg's current values (normally the result of FromEnv) as the flag
// defaults, so flags override environment which overrides built-in
// defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config-file", c.ConfigFile, "optional YAML configuration file (flags and environment override it)")
	fs.StringVar(&c.ConfigDir, "config-dir", c.ConfigDir, "directory for certificates.json and passphrases.enc")
	fs.StringVar(&c.CertsDir, "certs-dir", c.CertsDir, "directory containing managed certificate files")
	fs.StringVar(&c.ArchiveDir, "archive-dir", c.ArchiveDir, "directory for snapshot archives")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP API listen port")
	fs.IntVar(&c.HTTPSPort, "https-port", c.HTTPSPort, "HTTPS API port (resolved only; no TLS listener is opened on it)")
	fs.Var((*levelValue)(&c.LogLevel), "log-level", "log level (debug, info, warn, error)")
	fs.Var((*formatValue)(&c.LogFormat), "log-format", "log output format (json, console)")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "directory for a log file named by the startup date, not rotated (empty disables file logging)")
	fs.StringVar(&c.CronSpec, "cron-spec", c.CronSpec, "cron expression driving the renewal sweep")
	fs.IntVar(&c.WatchDebounceMs, "watch-debounce-ms", c.WatchDebounceMs, "filesystem watcher debounce window in milliseconds")
	fs.StringVar(&c.VaultMasterKeyFile, "vault-master-key-file", c.VaultMasterKeyFile, "path to the 32-byte passphrase vault master key")
}

// fileConfig is the YAML shape of the optional configuration file. Every
// field is a pointer so an omitted key is distinguishable from a zero
// value.
type fileConfig struct {
	ConfigDir          *string `yaml:"configDir"`
	CertsDir           *string `yaml:"certsDir"`
	ArchiveDir         *string `yaml:"archiveDir"`
	Port               *int    `yaml:"port"`
	HTTPSPort          *int    `yaml:"httpsPort"`
	LogLevel           *string `yaml:"logLevel"`
	LogFormat          *string `yaml:"logFormat"`
	LogDir             *string `yaml:"logDir"`
	CronSpec           *string `yaml:"cronSpec"`
	WatchDebounceMs    *int    `yaml:"watchDebounceMs"`
	VaultMasterKeyFile *string `yaml:"vaultMasterKeyFile"`
}

// MergeFile layers a YAML configuration file beneath flags and
// environment: a file value applies only when the matching flag was not
// passed and the matching environment variable is not set, keeping the
// precedence flags > environment > file > built-in defaults.
func (c *Config) MergeFile(fs *pflag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return certerrors.Wrap(certerrors.IOError, "read configuration file", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return certerrors.Wrap(certerrors.BadInput, "parse configuration file", err)
	}

	overridden := func(flagName, envKey string) bool {
		if fs != nil {
			if flag := fs.Lookup(flagName); flag != nil && flag.Changed {
				return true
			}
		}
		v, ok := os.LookupEnv(envKey)
		return ok && v != ""
	}

	if f.ConfigDir != nil && !overridden("config-dir", "CONFIG_DIR") {
		c.ConfigDir = *f.ConfigDir
	}
	if f.CertsDir != nil && !overridden("certs-dir", "CERTS_DIR") {
		c.CertsDir = *f.CertsDir
	}
	if f.ArchiveDir != nil && !overridden("archive-dir", "ARCHIVE_DIR") {
		c.ArchiveDir = *f.ArchiveDir
	}
	if f.Port != nil && !overridden("port", "PORT") {
		c.Port = *f.Port
	}
	if f.HTTPSPort != nil && !overridden("https-port", "HTTPS_PORT") {
		c.HTTPSPort = *f.HTTPSPort
	}
	if f.LogLevel != nil && !overridden("log-level", "LOG_LEVEL") {
		c.LogLevel = log.Level(*f.LogLevel)
	}
	if f.LogFormat != nil && !overridden("log-format", "LOG_FORMAT") {
		c.LogFormat = log.Format(*f.LogFormat)
	}
	if f.LogDir != nil && !overridden("log-dir", "LOG_DIR") {
		c.LogDir = *f.LogDir
	}
	if f.CronSpec != nil && !overridden("cron-spec", "CRON_SPEC") {
		c.CronSpec = *f.CronSpec
	}
	if f.WatchDebounceMs != nil && !overridden("watch-debounce-ms", "WATCH_DEBOUNCE_MS") {
		c.WatchDebounceMs = *f.WatchDebounceMs
	}
	if f.VaultMasterKeyFile != nil && !overridden("vault-master-key-file", "VAULT_MASTER_KEY_FILE") {
		c.VaultMasterKeyFile = *f.VaultMasterKeyFile
	}
	return nil
}

// Validate reports a BadInput error for any field the rest of the engine
// cannot operate with.
func (c Config) Validate() error {
	if c.CertsDir == "" {
		return certerrors.New(certerrors.BadInput, "certs-dir must not be empty")
	}
	if c.ConfigDir == "" {
		return certerrors.New(certerrors.BadInput, "config-dir must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return certerrors.New(certerrors.BadInput, "port must be between 1 and 65535")
	}
	return nil
}

// levelValue and formatValue adapt log.Level/log.Format to pflag.Value so
// BindFlags can bind them directly to the Config fields.
type levelValue log.Level

func (v *levelValue) String() string { return string(*v) }
func (v *levelValue) Set(s string) error { *v = levelValue(s); return nil }
func (v *levelValue) Type() string { return "string" }

type formatValue log.Format

func (v *formatValue) String() string { return string(*v) }
func (v *formatValue) Set(s string) error { *v = formatValue(s); return nil }
func (v *formatValue) Type() string { return "string" }

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

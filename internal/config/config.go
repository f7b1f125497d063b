package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"docmigrate/internal/driver"
	"docmigrate/internal/ledger"
	"docmigrate/internal/worker"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Source      driver.ConnectionConfig `yaml:"source"`
	Destination driver.ConnectionConfig `yaml:"destination"`
	Migration   Migration               `yaml:"migration"`
	Server      Server                  `yaml:"server"`
	LogLevel    string                  `yaml:"log_level"`
	LogFile     string                  `yaml:"log_file"`
}

// Migration represents migration-specific configuration
type Migration struct {
	BatchSize             int     `yaml:"batch_size" json:"batch_size"`
	MaxWorkers            int     `yaml:"max_workers" json:"max_workers"`
	Retries               int     `yaml:"retries" json:"retries"`
	RetryBackoffMs        int     `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
	RetryMaxBackoffMs     int     `yaml:"retry_max_backoff_ms" json:"retry_max_backoff_ms"`
	RetryJitter           bool    `yaml:"retry_jitter" json:"retry_jitter"`
	SkipExisting          bool    `yaml:"skip_existing" json:"skip_existing"`
	WriteMode             string  `yaml:"write_mode" json:"write_mode"`
	MaxWritesPerSecond    float64 `yaml:"max_writes_per_second" json:"max_writes_per_second"`
	ProgressEvery         string  `yaml:"progress_every" json:"progress_every"`
	ReadPageSize          int     `yaml:"read_page_size" json:"read_page_size"`
	LedgerBackend         string  `yaml:"ledger_backend" json:"ledger_backend"`
	LedgerPath            string  `yaml:"ledger_path" json:"ledger_path"`
	RunID                 string  `yaml:"run_id" json:"run_id"`
	VerifyCounts          bool    `yaml:"validate" json:"validate"`
	ValidateMembership    bool    `yaml:"validate_membership" json:"validate_membership"`
	MembershipSampleLimit int     `yaml:"membership_sample_limit" json:"membership_sample_limit"`
	ShowProgress          bool    `yaml:"show_progress" json:"show_progress"`
}

// Server represents the HTTP listeners
type Server struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
}

// Default returns the configuration used when nothing else is set
func Default() *Config {
	w := worker.DefaultConfig()
	return &Config{
		LogLevel: "info",
		Migration: Migration{
			BatchSize:             100,
			MaxWorkers:            4,
			Retries:               w.Retries,
			RetryBackoffMs:        w.RetryBackoffMs,
			RetryMaxBackoffMs:     w.RetryMaxBackoffMs,
			SkipExisting:          w.SkipExisting,
			WriteMode:             w.WriteMode,
			ProgressEvery:         w.ProgressEvery,
			ReadPageSize:          100,
			LedgerBackend:         ledger.BackendFile,
			LedgerPath:            "./skipped",
			VerifyCounts:          true,
			MembershipSampleLimit: 100,
			ShowProgress:          true,
		},
		Server: Server{
			Listen: ":8080",
		},
	}
}

// Load loads configuration from the env file, the process environment, the YAML file and command
// line flags, in that order of increasing precedence
func Load(configFile, envFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if err := loadFromEnv(cfg, envFile); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// loadFromEnv applies SOURCE_* and DESTINATION_* variables. The process environment wins over the env file.
func loadFromEnv(cfg *Config, envFile string) error {
	fileValues := map[string]string{}
	if envFile != "" {
		values, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		for k, v := range values {
			fileValues[k] = v
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileValues[key]
		return v, ok
	}

	applyConnectionEnv(&cfg.Source, "SOURCE", lookup)
	applyConnectionEnv(&cfg.Destination, "DESTINATION", lookup)

	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	return nil
}

func applyConnectionEnv(conn *driver.ConnectionConfig, prefix string, lookup func(string) (string, bool)) {
	fields := []struct {
		suffix string
		dst    *string
	}{
		{"ENDPOINT", &conn.Endpoint},
		{"USERNAME", &conn.Username},
		{"KEY", &conn.Credential},
		{"DATABASE_NAME", &conn.Database},
		{"CONTAINER_NAME", &conn.Container},
		{"PARTITION_KEY", &conn.PartitionKeyPath},
	}
	for _, f := range fields {
		if v, ok := lookup(prefix + "_" + f.suffix); ok {
			*f.dst = v
		}
	}
}

// RegisterFlags defines the flags understood by Load
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()

	// Source flags
	flags.String("src-endpoint", "", "Source endpoint (mongodb://, mongodb+srv://, s3://, http(s)://)")
	flags.String("src-username", "", "Source username or access key")
	flags.String("src-key", "", "Source credential")
	flags.String("src-database", "", "Source database name")
	flags.String("src-container", "", "Source container name")
	flags.String("src-partition-key", "", "Source partition key path (default /id)")

	// Destination flags
	flags.String("dst-endpoint", "", "Destination endpoint")
	flags.String("dst-username", "", "Destination username or access key")
	flags.String("dst-key", "", "Destination credential")
	flags.String("dst-database", "", "Destination database name")
	flags.String("dst-container", "", "Destination container name")
	flags.String("dst-partition-key", "", "Destination partition key path (default /id)")

	// Migration flags
	flags.Int("batch-size", d.Migration.BatchSize, "Records per batch")
	flags.Int("max-workers", d.Migration.MaxWorkers, "Number of concurrent workers")
	flags.Int("retries", d.Migration.Retries, "Maximum attempts per operation")
	flags.Int("retry-backoff-ms", d.Migration.RetryBackoffMs, "Initial retry backoff in milliseconds")
	flags.Int("retry-max-backoff-ms", d.Migration.RetryMaxBackoffMs, "Maximum retry backoff in milliseconds")
	flags.Bool("retry-jitter", false, "Randomize retry backoff")
	flags.Bool("skip-existing", d.Migration.SkipExisting, "Skip records already present in the destination")
	flags.String("write-mode", d.Migration.WriteMode, "Write mode (create/upsert)")
	flags.Float64("max-writes-per-second", 0, "Destination write limit, 0 for unlimited")
	flags.String("progress-every", d.Migration.ProgressEvery, "Progress event granularity (record/batch)")
	flags.Int("read-page-size", d.Migration.ReadPageSize, "Records fetched per source round trip")
	flags.String("ledger-backend", d.Migration.LedgerBackend, "Skip ledger backend (file/sqlite)")
	flags.String("ledger-path", d.Migration.LedgerPath, "Skip ledger directory (file) or database file (sqlite)")
	flags.String("run-id", "", "Run identifier, reuse to append to an existing ledger")
	flags.Bool("validate", d.Migration.VerifyCounts, "Compare record counts after migration")
	flags.Bool("validate-membership", false, "Also list source records missing from the destination")
	flags.Int("membership-sample-limit", d.Migration.MembershipSampleLimit, "Maximum missing records to report")
	flags.Bool("show-progress", d.Migration.ShowProgress, "Show progress display")

	// Server flags
	flags.String("listen", d.Server.Listen, "HTTP API listen address")
	flags.String("metrics-listen", "", "Metrics listen address, empty to disable")

	flags.String("log-level", d.LogLevel, "Log level (debug/info/warn/error)")
	flags.String("log-file", "", "Also write logs to this file")
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	strs := map[string]*string{
		"src-endpoint":      &cfg.Source.Endpoint,
		"src-username":      &cfg.Source.Username,
		"src-key":           &cfg.Source.Credential,
		"src-database":      &cfg.Source.Database,
		"src-container":     &cfg.Source.Container,
		"src-partition-key": &cfg.Source.PartitionKeyPath,
		"dst-endpoint":      &cfg.Destination.Endpoint,
		"dst-username":      &cfg.Destination.Username,
		"dst-key":           &cfg.Destination.Credential,
		"dst-database":      &cfg.Destination.Database,
		"dst-container":     &cfg.Destination.Container,
		"dst-partition-key": &cfg.Destination.PartitionKeyPath,
		"write-mode":        &cfg.Migration.WriteMode,
		"progress-every":    &cfg.Migration.ProgressEvery,
		"ledger-backend":    &cfg.Migration.LedgerBackend,
		"ledger-path":       &cfg.Migration.LedgerPath,
		"run-id":            &cfg.Migration.RunID,
		"listen":            &cfg.Server.Listen,
		"metrics-listen":    &cfg.Server.MetricsListen,
		"log-level":         &cfg.LogLevel,
		"log-file":          &cfg.LogFile,
	}
	for name, dst := range strs {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	ints := map[string]*int{
		"batch-size":              &cfg.Migration.BatchSize,
		"max-workers":             &cfg.Migration.MaxWorkers,
		"retries":                 &cfg.Migration.Retries,
		"retry-backoff-ms":        &cfg.Migration.RetryBackoffMs,
		"retry-max-backoff-ms":    &cfg.Migration.RetryMaxBackoffMs,
		"read-page-size":          &cfg.Migration.ReadPageSize,
		"membership-sample-limit": &cfg.Migration.MembershipSampleLimit,
	}
	for name, dst := range ints {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	bools := map[string]*bool{
		"retry-jitter":        &cfg.Migration.RetryJitter,
		"skip-existing":       &cfg.Migration.SkipExisting,
		"validate":            &cfg.Migration.VerifyCounts,
		"validate-membership": &cfg.Migration.ValidateMembership,
		"show-progress":       &cfg.Migration.ShowProgress,
	}
	for name, dst := range bools {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetBool(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	if flags.Changed("max-writes-per-second") {
		v, err := flags.GetFloat64("max-writes-per-second")
		if err != nil {
			return err
		}
		cfg.Migration.MaxWritesPerSecond = v
	}

	return nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	return c.Migration.Validate()
}

// ValidateConnections checks that both containers are described and distinct
func (c *Config) ValidateConnections() error {
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := c.Destination.Validate(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if c.Source.Key() == c.Destination.Key() {
		return fmt.Errorf("source and destination must be different containers")
	}
	return nil
}

// Validate checks the migration settings
func (m Migration) Validate() error {
	if m.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if m.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive")
	}
	if m.ReadPageSize <= 0 {
		return fmt.Errorf("read page size must be positive")
	}
	if m.LedgerBackend != ledger.BackendFile && m.LedgerBackend != ledger.BackendSQLite {
		return fmt.Errorf("invalid ledger backend: %s", m.LedgerBackend)
	}
	if m.LedgerPath == "" {
		return fmt.Errorf("ledger path is required")
	}
	if m.MembershipSampleLimit <= 0 {
		return fmt.Errorf("membership sample limit must be positive")
	}
	return m.WorkerConfig().Validate()
}

// WorkerConfig returns the worker pool settings
func (m Migration) WorkerConfig() worker.Config {
	return worker.Config{
		Retries:            m.Retries,
		RetryBackoffMs:     m.RetryBackoffMs,
		RetryMaxBackoffMs:  m.RetryMaxBackoffMs,
		RetryJitter:        m.RetryJitter,
		SkipExisting:       m.SkipExisting,
		WriteMode:          m.WriteMode,
		ProgressEvery:      m.ProgressEvery,
		MaxWritesPerSecond: m.MaxWritesPerSecond,
	}
}

// Package config handles markovrank configuration via environment variables
// and YAML files.
//
// Configuration is loaded from environment variables using LoadFromEnv() and
// can be overlaid with a YAML file using LoadFile(). Validate() should be
// called before the configuration is used to open a store.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	fmt.Printf("Storage: %s at %s\n", cfg.Storage.Engine, cfg.Storage.DataDir)
//
// Environment Variables:
//   - MARKOV_STORAGE_ENGINE="badger" | "memory" | "sqlite" | "postgres"
//   - MARKOV_DATA_DIR="./data"
//   - MARKOV_STORAGE_DSN="host=localhost user=markov dbname=markov"
//   - MARKOV_SYNC_WRITES=false
//   - MARKOV_LOW_MEMORY=false
//   - MARKOV_ENCRYPTION_PASSPHRASE=""
//   - MARKOV_ENCRYPTION_SALT=""
//   - MARKOV_ENCRYPTION_ITERATIONS=600000
//   - MARKOV_INGEST_WORKERS=4
//   - MARKOV_INGEST_LOCK_STRIPES=256
//   - MARKOV_INGEST_QUEUE_SIZE=64
//   - MARKOV_INGEST_CONTINUE_ON_ERROR=false
//   - MARKOV_REGISTRY_CACHE_SIZE=10000
//   - MARKOV_LOG_MODE="development" | "production"
//   - MARKOV_LOG_LEVEL="info"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported storage engines.
const (
	EngineMemory   = "memory"
	EngineBadger   = "badger"
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

// Config holds all markovrank configuration.
//
// Configuration is organized into logical sections:
//   - Storage: Which engine holds the ledger and how it is opened
//   - Ingest: Worker pool and locking for sequence ingestion
//   - Registry: Element id cache
//   - Logging: Logging configuration
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Registry RegistryConfig `yaml:"registry"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StorageConfig selects and configures the storage engine.
type StorageConfig struct {
	// Engine is one of memory, badger, sqlite, postgres.
	Engine string `yaml:"engine"`

	// DataDir holds badger files, the encryption salt and, when DSN is
	// empty, the sqlite database file.
	DataDir string `yaml:"data_dir"`

	// DSN is the SQL data source name (sqlite path or postgres DSN).
	DSN string `yaml:"dsn"`

	SyncWrites bool `yaml:"sync_writes"`
	LowMemory  bool `yaml:"low_memory"`

	// EncryptionPassphrase enables badger encryption at rest.
	EncryptionPassphrase string `yaml:"encryption_passphrase"`
	// EncryptionSalt overrides the salt file kept in DataDir.
	EncryptionSalt       string `yaml:"encryption_salt"`
	EncryptionIterations int    `yaml:"encryption_iterations"`
}

// IngestConfig tunes sequence ingestion.
type IngestConfig struct {
	// Workers is the number of sequences ingested concurrently.
	Workers int `yaml:"workers"`

	// LockStripes is the number of per-parent lock stripes.
	LockStripes int `yaml:"lock_stripes"`

	// QueueSize is the buffer between the reader and the workers.
	QueueSize int `yaml:"queue_size"`

	// ContinueOnError keeps the pipeline going when one sequence fails.
	ContinueOnError bool `yaml:"continue_on_error"`
}

// RegistryConfig tunes the element id cache.
type RegistryConfig struct {
	// CacheSize is the number of name -> id entries kept; 0 disables it.
	CacheSize int `yaml:"cache_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Mode is "development" (console) or "production" (JSON).
	Mode  string `yaml:"mode"`
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:               EngineBadger,
			DataDir:              "./data",
			EncryptionIterations: 600000,
		},
		Ingest: IngestConfig{
			Workers:     runtime.NumCPU(),
			LockStripes: 256,
			QueueSize:   64,
		},
		Registry: RegistryConfig{
			CacheSize: 10000,
		},
		Logging: LoggingConfig{
			Mode:  "development",
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from environment variables.
//
// All values have sensible defaults, so LoadFromEnv() can be called without
// any environment variables set.
//
// Example:
//
//	os.Setenv("MARKOV_STORAGE_ENGINE", "sqlite")
//	os.Setenv("MARKOV_DATA_DIR", "/var/lib/markov")
//	cfg := config.LoadFromEnv()
//	// cfg.Storage.Engine == "sqlite"
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	applyEnv(cfg)
	return cfg
}

// LoadFile reads a YAML configuration file over the defaults, then applies
// environment variables on top. Environment variables win.
//
// Example:
//
//	cfg, err := config.LoadFile("./markovrank.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// Save writes cfg as YAML to path, creating parent directories.
//
// The encryption passphrase and salt override are left out of the file:
// it usually sits next to the encrypted store. Supply them through
// MARKOV_ENCRYPTION_PASSPHRASE and MARKOV_ENCRYPTION_SALT instead.
func (c *Config) Save(path string) error {
	out := *c
	out.Storage.EncryptionPassphrase = ""
	out.Storage.EncryptionSalt = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func applyEnv(cfg *Config) {
	cfg.Storage.Engine = strings.ToLower(getEnv("MARKOV_STORAGE_ENGINE", cfg.Storage.Engine))
	cfg.Storage.DataDir = getEnv("MARKOV_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.DSN = getEnv("MARKOV_STORAGE_DSN", cfg.Storage.DSN)
	cfg.Storage.SyncWrites = getEnvBool("MARKOV_SYNC_WRITES", cfg.Storage.SyncWrites)
	cfg.Storage.LowMemory = getEnvBool("MARKOV_LOW_MEMORY", cfg.Storage.LowMemory)
	cfg.Storage.EncryptionPassphrase = getEnv("MARKOV_ENCRYPTION_PASSPHRASE", cfg.Storage.EncryptionPassphrase)
	cfg.Storage.EncryptionSalt = getEnv("MARKOV_ENCRYPTION_SALT", cfg.Storage.EncryptionSalt)
	cfg.Storage.EncryptionIterations = getEnvInt("MARKOV_ENCRYPTION_ITERATIONS", cfg.Storage.EncryptionIterations)

	cfg.Ingest.Workers = getEnvInt("MARKOV_INGEST_WORKERS", cfg.Ingest.Workers)
	cfg.Ingest.LockStripes = getEnvInt("MARKOV_INGEST_LOCK_STRIPES", cfg.Ingest.LockStripes)
	cfg.Ingest.QueueSize = getEnvInt("MARKOV_INGEST_QUEUE_SIZE", cfg.Ingest.QueueSize)
	cfg.Ingest.ContinueOnError = getEnvBool("MARKOV_INGEST_CONTINUE_ON_ERROR", cfg.Ingest.ContinueOnError)

	cfg.Registry.CacheSize = getEnvInt("MARKOV_REGISTRY_CACHE_SIZE", cfg.Registry.CacheSize)

	cfg.Logging.Mode = getEnv("MARKOV_LOG_MODE", cfg.Logging.Mode)
	cfg.Logging.Level = getEnv("MARKOV_LOG_LEVEL", cfg.Logging.Level)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case EngineMemory:
	case EngineBadger:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("badger engine requires a data directory")
		}
	case EngineSQLite:
		if c.Storage.DSN == "" && c.Storage.DataDir == "" {
			return fmt.Errorf("sqlite engine requires a DSN or a data directory")
		}
	case EnginePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("postgres engine requires a DSN")
		}
	default:
		return fmt.Errorf("unknown storage engine: %q", c.Storage.Engine)
	}

	if c.Storage.EncryptionPassphrase != "" && c.Storage.Engine != EngineBadger {
		return fmt.Errorf("encryption at rest is only supported by the badger engine")
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("invalid ingest workers: %d", c.Ingest.Workers)
	}
	if c.Ingest.LockStripes <= 0 {
		return fmt.Errorf("invalid lock stripes: %d", c.Ingest.LockStripes)
	}
	if c.Ingest.QueueSize < 0 {
		return fmt.Errorf("invalid queue size: %d", c.Ingest.QueueSize)
	}
	if c.Registry.CacheSize < 0 {
		return fmt.Errorf("invalid registry cache size: %d", c.Registry.CacheSize)
	}
	return nil
}

// SQLiteDSN returns the sqlite DSN, defaulting to markov.db in DataDir.
func (c *Config) SQLiteDSN() string {
	if c.Storage.DSN != "" {
		return c.Storage.DSN
	}
	return filepath.Join(c.Storage.DataDir, "markov.db")
}

// String returns a safe string representation of the Config. The DSN and
// encryption secrets are left out.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Engine: %s, DataDir: %s, Encrypted: %v, Workers: %d, Stripes: %d, Cache: %d, Log: %s/%s}",
		c.Storage.Engine,
		c.Storage.DataDir,
		c.Storage.EncryptionPassphrase != "",
		c.Ingest.Workers,
		c.Ingest.LockStripes,
		c.Registry.CacheSize,
		c.Logging.Mode,
		c.Logging.Level,
	)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

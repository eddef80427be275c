package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// LoadFromEnv Tests
// =============================================================================

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg := LoadFromEnv()

	assert.Equal(t, EngineBadger, cfg.Storage.Engine)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, 256, cfg.Ingest.LockStripes)
	assert.Positive(t, cfg.Ingest.Workers)
	assert.Equal(t, 10000, cfg.Registry.CacheSize)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("MARKOV_STORAGE_ENGINE", "SQLite")
	t.Setenv("MARKOV_DATA_DIR", "/tmp/markov")
	t.Setenv("MARKOV_INGEST_WORKERS", "8")
	t.Setenv("MARKOV_INGEST_CONTINUE_ON_ERROR", "yes")
	t.Setenv("MARKOV_REGISTRY_CACHE_SIZE", "not-a-number")

	cfg := LoadFromEnv()

	assert.Equal(t, EngineSQLite, cfg.Storage.Engine)
	assert.Equal(t, "/tmp/markov", cfg.Storage.DataDir)
	assert.Equal(t, 8, cfg.Ingest.Workers)
	assert.True(t, cfg.Ingest.ContinueOnError)
	assert.Equal(t, 10000, cfg.Registry.CacheSize, "unparsable values keep the default")
	assert.Equal(t, filepath.Join("/tmp/markov", "markov.db"), cfg.SQLiteDSN())
}

// =============================================================================
// YAML Tests
// =============================================================================

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markovrank.yaml")
	yamlDoc := `
storage:
  engine: memory
ingest:
  workers: 2
  lock_stripes: 16
logging:
  mode: production
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	t.Run("file over defaults", func(t *testing.T) {
		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, EngineMemory, cfg.Storage.Engine)
		assert.Equal(t, 2, cfg.Ingest.Workers)
		assert.Equal(t, 16, cfg.Ingest.LockStripes)
		assert.Equal(t, 64, cfg.Ingest.QueueSize, "unset keys keep defaults")
		assert.Equal(t, "production", cfg.Logging.Mode)
	})

	t.Run("env over file", func(t *testing.T) {
		t.Setenv("MARKOV_INGEST_WORKERS", "5")
		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Ingest.Workers)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("storage: [unterminated"), 0o600))
		_, err := LoadFile(bad)
		assert.Error(t, err)
	})
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "markovrank.yaml")
	cfg := DefaultConfig()
	cfg.Storage.Engine = EngineSQLite
	cfg.Ingest.Workers = 3

	require.NoError(t, cfg.Save(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSave_LeavesOutEncryptionSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markovrank.yaml")
	cfg := DefaultConfig()
	cfg.Storage.EncryptionPassphrase = "hunter2-secret"
	cfg.Storage.EncryptionSalt = "pepper-salt"

	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2-secret")
	assert.NotContains(t, string(data), "pepper-salt")
	assert.Equal(t, "hunter2-secret", cfg.Storage.EncryptionPassphrase, "the caller's config is untouched")

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Empty(t, loaded.Storage.EncryptionPassphrase)

	t.Setenv("MARKOV_ENCRYPTION_PASSPHRASE", "hunter2-secret")
	loaded, err = LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2-secret", loaded.Storage.EncryptionPassphrase)
}

// =============================================================================
// Validate Tests
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"memory", func(c *Config) { c.Storage.Engine = EngineMemory }, ""},
		{"unknown engine", func(c *Config) { c.Storage.Engine = "rocks" }, "unknown storage engine"},
		{"badger without dir", func(c *Config) { c.Storage.DataDir = "" }, "data directory"},
		{"postgres without dsn", func(c *Config) { c.Storage.Engine = EnginePostgres }, "requires a DSN"},
		{"sqlite with dsn only", func(c *Config) {
			c.Storage.Engine = EngineSQLite
			c.Storage.DataDir = ""
			c.Storage.DSN = "file.db"
		}, ""},
		{"encryption on sqlite", func(c *Config) {
			c.Storage.Engine = EngineSQLite
			c.Storage.EncryptionPassphrase = "x"
		}, "only supported by the badger engine"},
		{"zero workers", func(c *Config) { c.Ingest.Workers = 0 }, "invalid ingest workers"},
		{"zero stripes", func(c *Config) { c.Ingest.LockStripes = 0 }, "invalid lock stripes"},
		{"negative cache", func(c *Config) { c.Registry.CacheSize = -1 }, "invalid registry cache size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestString_HidesSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.EncryptionPassphrase = "hunter2"
	cfg.Storage.DSN = "postgres://user:pw@host/db"

	s := cfg.String()
	assert.True(t, strings.Contains(s, "Encrypted: true"))
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "pw@host")
}

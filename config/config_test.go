package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/wasmsnap/core"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
journal:
  path: "/var/lib/guest/app.journal"
  compression: zstd
  failure_policy: lenient
  async:
    enabled: true
    max_batch: 32
checkpoint:
  triggers: [first-listen, periodic-interval]
  interval: 30s
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, "/var/lib/guest/app.journal", cfg.Journal.Path)
	assert.Equal(t, "zstd", cfg.Journal.Compression)
	assert.Equal(t, "lenient", cfg.Journal.FailurePolicy)
	assert.True(t, cfg.Journal.Async.Enabled)
	assert.Equal(t, 32, cfg.Journal.Async.MaxBatch)
	assert.Equal(t, "30s", cfg.Checkpoint.Interval)

	// Check defaults that were not overridden
	assert.Equal(t, 1024, cfg.Journal.Async.QueueSize)
	assert.Equal(t, "flush", cfg.Journal.SyncMode)
	assert.Equal(t, "5s", cfg.Checkpoint.QuiescenceTimeout)

	require.NoError(t, cfg.Validate())
	triggers, err := cfg.Checkpoint.SnapshotTriggers()
	require.NoError(t, err)
	assert.Equal(t, []core.SnapshotTrigger{core.TriggerFirstListen, core.TriggerPeriodicInterval}, triggers)
}

func TestLoad_EmptyReader(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate(), "the defaults are valid")
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
journal:
  path: "/tmp/j"
  this: is: invalid: yaml
`
	_, err := Load(strings.NewReader(yamlContent))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"MissingPath", func(c *Config) { c.Journal.Path = "" }, "Config.Journal.Path"},
		{"UnknownCompression", func(c *Config) { c.Journal.Compression = "brotli" }, "Config.Journal.Compression"},
		{"UnknownSyncMode", func(c *Config) { c.Journal.SyncMode = "sometimes" }, "Config.Journal.SyncMode"},
		{"UnknownPolicy", func(c *Config) { c.Journal.FailurePolicy = "panic" }, "Config.Journal.FailurePolicy"},
		{"ZeroQueue", func(c *Config) { c.Journal.Async.QueueSize = 0 }, "Config.Journal.Async.QueueSize"},
		{"UnknownTrigger", func(c *Config) { c.Checkpoint.Triggers = []string{"sigint", "lunch"} }, "Config.Checkpoint.Triggers[1]"},
		{"LogFileWithoutPath", func(c *Config) { c.Logging.Output = "file"; c.Logging.File = "" }, "Config.Logging.File"},
		{"TracingWithoutEndpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Endpoint = "" }, "Config.Tracing.Endpoint"},
		{"UnknownProtocol", func(c *Config) { c.Tracing.Protocol = "udp" }, "Config.Tracing.Protocol"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.Journal.Path = ""
	cfg.Logging.Level = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config.Journal.Path: field is required")
	assert.Contains(t, err.Error(), `Config.Logging.Level: "loud" is not one of`)
}

// TestLoadConfig_FileIntegration is a small integration test to ensure
// LoadConfig works correctly with the filesystem.
func TestLoadConfig_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: debug\n"), 0644))

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "non_existent_config.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})
}

func TestParseDuration(t *testing.T) {
	// Use a logger that discards output for this test
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"ValidMinutes", "2m", 2 * time.Minute},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"JustNumber", "10", defaultDuration},
		{"NilLogger", "5x", defaultDuration}, // Should not panic with nil logger
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			result := ParseDuration(tc.input, defaultDuration, testLogger)
			assert.Equal(t, tc.expected, result)
		})
	}
}

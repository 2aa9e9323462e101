package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/INLOpen/wasmsnap/core"
)

// AsyncConfig enables the background journal writer.
type AsyncConfig struct {
	Enabled        bool `yaml:"enabled"`
	QueueSize      int  `yaml:"queue_size" validate:"min=1"`
	MaxBatch       int  `yaml:"max_batch" validate:"min=1"`
	Detached       bool `yaml:"detached"`
	FlushEachBatch bool `yaml:"flush_each_batch"`
}

// JournalConfig holds journal file configurations.
type JournalConfig struct {
	Path          string      `yaml:"path" validate:"required"`
	Compression   string      `yaml:"compression" validate:"oneof=none lz4 snappy zstd"`
	SyncMode      string      `yaml:"sync_mode" validate:"oneof=always flush disabled"`
	MaxSizeBytes  int64       `yaml:"max_size_bytes" validate:"min=0"`
	LockTimeout   string      `yaml:"lock_timeout"`
	FailurePolicy string      `yaml:"failure_policy" validate:"oneof=strict lenient"`
	CompactOnOpen bool        `yaml:"compact_on_open"`
	CompactOnDrop bool        `yaml:"compact_on_drop"`
	Async         AsyncConfig `yaml:"async"`
}

// CheckpointConfig holds checkpoint coordinator configurations.
type CheckpointConfig struct {
	MarkerDir         string   `yaml:"marker_dir"`
	Triggers          []string `yaml:"triggers" validate:"dive,snapshot_trigger"`
	Interval          string   `yaml:"interval"`
	QuiescenceTimeout string   `yaml:"quiescence_timeout"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Output string `yaml:"output" validate:"oneof=stdout stderr file none"`
	File   string `yaml:"file" validate:"required_if=Output file"` // used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint" validate:"required_if=Enabled true"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol" validate:"oneof=grpc http"`
}

// MetricsConfig holds prometheus configurations.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace" validate:"omitempty,alphanum"`
}

// Config is the top-level configuration struct.
type Config struct {
	Journal    JournalConfig    `yaml:"journal"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// validator.New registers no custom tags, so this cannot fail.
	if err := v.RegisterValidation("snapshot_trigger", func(fl validator.FieldLevel) bool {
		_, err := core.ParseSnapshotTrigger(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(err)
	}
	return v
}

// Validate checks the configuration against its field constraints and
// reports every violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required", "required_if":
			errs = append(errs, fmt.Errorf("%s: field is required", fe.Namespace()))
		case "oneof":
			errs = append(errs, fmt.Errorf("%s: %q is not one of [%s]", fe.Namespace(), fe.Value(), fe.Param()))
		case "min":
			errs = append(errs, fmt.Errorf("%s: must be at least %s", fe.Namespace(), fe.Param()))
		default:
			errs = append(errs, fmt.Errorf("%s: validation failed (%s)", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}

// SnapshotTriggers parses the configured trigger names.
func (c CheckpointConfig) SnapshotTriggers() ([]core.SnapshotTrigger, error) {
	out := make([]core.SnapshotTrigger, 0, len(c.Triggers))
	for _, name := range c.Triggers {
		t, err := core.ParseSnapshotTrigger(name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Journal: JournalConfig{
			Path:          "./process.journal",
			Compression:   "lz4",
			SyncMode:      "flush",
			LockTimeout:   "0s",
			FailurePolicy: "strict",
			Async: AsyncConfig{
				QueueSize: 1024,
				MaxBatch:  128,
			},
		},
		Checkpoint: CheckpointConfig{
			MarkerDir:         "",
			Triggers:          []string{"sigint", "explicit"},
			Interval:          "",
			QuiescenceTimeout: "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
			File:   "wasmsnap.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "wasmsnap",
		},
	}
}

// Load reads configuration from an io.Reader over the defaults.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

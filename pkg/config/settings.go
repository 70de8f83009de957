package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the bootstrap configuration read before the database exists:
// where the catalog lives, how to log, whether to export telemetry. Runtime
// behavior (thresholds, matcher toggles) lives in the config table instead.
type Settings struct {
	DataDir      string            `yaml:"data_dir" json:"data_dir"`
	DatabaseFile string            `yaml:"database_file" json:"database_file"`
	Logging      LoggingSettings   `yaml:"logging" json:"logging"`
	Telemetry    TelemetrySettings `yaml:"telemetry" json:"telemetry"`
	Ingest       IngestSettings    `yaml:"ingest" json:"ingest"`
	Store        StoreSettings     `yaml:"store" json:"store"`
}

// StoreSettings tunes how the sqlite catalog is opened. These live in the
// bootstrap file because the config table is not readable until the store is
// already open.
type StoreSettings struct {
	OpenRetries int           `yaml:"open_retries" json:"open_retries"`
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
	ReaderConns int           `yaml:"reader_conns" json:"reader_conns"`
}

// LoggingSettings selects the slog handler and level.
type LoggingSettings struct {
	Level  string `yaml:"level" json:"level"`   // "debug" | "info" | "warn" | "error"
	Format string `yaml:"format" json:"format"` // "text" | "json"
}

// TelemetrySettings controls the optional OTLP exporters. Disabled by
// default: the pipeline is a local CLI and must work offline.
type TelemetrySettings struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Endpoint    string        `yaml:"endpoint" json:"endpoint"`
	Insecure    bool          `yaml:"insecure" json:"insecure"`
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// IngestSettings bounds feed parsing before any record reaches the pipeline.
type IngestSettings struct {
	MaxFileBytes int64 `yaml:"max_file_bytes" json:"max_file_bytes"`
	MaxRecords   int   `yaml:"max_records" json:"max_records"`
}

// DefaultSettings returns the configuration used when no settings file exists.
func DefaultSettings() *Settings {
	return &Settings{
		DataDir:      "data",
		DatabaseFile: "rateloom.db",
		Logging:      LoggingSettings{Level: "info", Format: "text"},
		Telemetry: TelemetrySettings{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "rateloom",
			Timeout:     10 * time.Second,
		},
		Ingest: IngestSettings{
			MaxFileBytes: 256 << 20,
			MaxRecords:   250_000,
		},
		Store: StoreSettings{
			OpenRetries: 3,
			BusyTimeout: 5 * time.Second,
			ReaderConns: 4,
		},
	}
}

// LoadSettings reads the YAML settings file at path, applies defaults for
// absent fields, then applies RATELOOM_* environment overrides. A missing
// file is not an error; a malformed one is.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, s); err != nil {
				return nil, fmt.Errorf("parse settings %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults only
		default:
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
	}

	applyEnv(s)

	if s.DataDir == "" {
		s.DataDir = "data"
	}
	if s.DatabaseFile == "" {
		s.DatabaseFile = "rateloom.db"
	}
	if s.Ingest.MaxFileBytes <= 0 {
		s.Ingest.MaxFileBytes = 256 << 20
	}
	if s.Ingest.MaxRecords <= 0 {
		s.Ingest.MaxRecords = 250_000
	}
	if s.Store.OpenRetries <= 0 {
		s.Store.OpenRetries = 3
	}
	if s.Store.BusyTimeout <= 0 {
		s.Store.BusyTimeout = 5 * time.Second
	}
	if s.Store.ReaderConns <= 0 {
		s.Store.ReaderConns = 4
	}
	switch s.Logging.Level {
	case "debug", "info", "warn", "error":
	case "":
		s.Logging.Level = "info"
	default:
		return nil, fmt.Errorf("settings: unknown log level %q", s.Logging.Level)
	}
	switch s.Logging.Format {
	case "text", "json":
	case "":
		s.Logging.Format = "text"
	default:
		return nil, fmt.Errorf("settings: unknown log format %q", s.Logging.Format)
	}

	return s, nil
}

// DatabasePath joins the data directory and database filename.
func (s *Settings) DatabasePath() string {
	if filepath.IsAbs(s.DatabaseFile) {
		return s.DatabaseFile
	}
	return filepath.Join(s.DataDir, s.DatabaseFile)
}

func applyEnv(s *Settings) {
	if v := os.Getenv("RATELOOM_DATA_DIR"); v != "" {
		s.DataDir = v
	}
	if v := os.Getenv("RATELOOM_DB"); v != "" {
		s.DatabaseFile = v
	}
	if v := os.Getenv("RATELOOM_LOG_LEVEL"); v != "" {
		s.Logging.Level = v
	}
	if v := os.Getenv("RATELOOM_LOG_FORMAT"); v != "" {
		s.Logging.Format = v
	}
	if v := os.Getenv("RATELOOM_OTEL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Telemetry.Enabled = b
		}
	}
	if v := os.Getenv("RATELOOM_OTEL_ENDPOINT"); v != "" {
		s.Telemetry.Endpoint = v
	}
}

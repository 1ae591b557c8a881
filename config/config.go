// Package config loads kvsync settings from TOML and opens the configured
// store backend.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/kvsync/logging"
)

// ErrInsecurePermissions is returned when a config file holding secrets is
// readable by group or others.
var ErrInsecurePermissions = fmt.Errorf("config file has insecure permissions")

// Backend names.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendNATS     = "nats"
	BackendDynamoDB = "dynamodb"
)

// Config is the top-level configuration.
type Config struct {
	Log       LogConfig       `toml:"log"`
	Store     StoreConfig     `toml:"store"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `toml:"level"`
}

// StoreConfig selects and configures the store backend.
type StoreConfig struct {
	Backend  string         `toml:"backend"`
	File     FileConfig     `toml:"file"`
	NATS     NATSConfig     `toml:"nats"`
	DynamoDB DynamoDBConfig `toml:"dynamodb"`
}

// FileConfig configures the TOML file backend.
type FileConfig struct {
	Path         string `toml:"path"`
	PollInterval string `toml:"poll_interval"`
}

// NATSConfig configures the JetStream KV backend.
type NATSConfig struct {
	URL            string `toml:"url"`
	Name           string `toml:"name"`
	Bucket         string `toml:"bucket"`
	History        int    `toml:"history"`
	Timeout        string `toml:"timeout"`
	ConnectTimeout string `toml:"connect_timeout"`
	ReconnectWait  string `toml:"reconnect_wait"`
	MaxReconnects  int    `toml:"max_reconnects"`
	Token          string `toml:"token"`
	User           string `toml:"user"`
	Password       string `toml:"password"`
}

// DynamoDBConfig configures the DynamoDB backend.
type DynamoDBConfig struct {
	Table          string `toml:"table"`
	Region         string `toml:"region"`
	Profile        string `toml:"profile"`
	Endpoint       string `toml:"endpoint"`
	ConsistentRead bool   `toml:"consistent_read"`
	Timeout        string `toml:"timeout"`

	// Stream polls the table stream so writes from other processes reach
	// observers. Turn it off when a Lambda trigger feeds the store instead.
	Stream bool `toml:"stream"`

	// StreamARN selects the stream; empty uses the table's latest stream.
	StreamARN          string `toml:"stream_arn"`
	StreamPollInterval string `toml:"stream_poll_interval"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol"`
	Insecure    bool   `toml:"insecure"`
	Debug       bool   `toml:"debug"`

	// SampleRatio is the fraction of traces kept; 0 keeps all.
	SampleRatio float64           `toml:"sample_ratio"`
	Headers     map[string]string `toml:"headers"`
}

// Default returns an in-memory configuration logging at INFO.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Store: StoreConfig{
			Backend: BackendMemory,
			File: FileConfig{
				Path:         "kvsync.toml",
				PollInterval: "1s",
			},
			NATS: NATSConfig{
				URL:            "nats://127.0.0.1:4222",
				Bucket:         "kvsync",
				History:        1,
				Timeout:        "5s",
				ConnectTimeout: "5s",
				ReconnectWait:  "2s",
				MaxReconnects:  -1,
			},
			DynamoDB: DynamoDBConfig{
				Timeout:            "5s",
				Stream:             true,
				StreamPollInterval: "1s",
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "kvsync",
			Protocol:    "grpc",
		},
	}
}

// StandardPaths returns the config file locations searched by LoadStandard,
// in order of priority.
func StandardPaths() []string {
	paths := []string{"kvsync.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kvsync", "config.toml"))
	}
	return paths
}

// LoadStandard loads the first config file found in StandardPaths. It returns
// the defaults and an empty path when there is none.
func LoadStandard() (Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	cfg := Default()
	cfg.applyEnv()
	return cfg, "", cfg.Validate()
}

// Load reads path over the defaults. A missing file yields the defaults.
// Secrets may come from the environment instead of the file:
// KVSYNC_NATS_TOKEN and KVSYNC_NATS_PASSWORD.
func Load(path string) (Config, error) {
	cfg := Default()

	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		cfg.applyEnv()
		return cfg, cfg.Validate()
	case err != nil:
		return Config{}, fmt.Errorf("stat config: %w", err)
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if cfg.hasSecrets() && runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			return Config{}, fmt.Errorf("%w: %s has mode %04o and contains secrets (use 0600 or 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) hasSecrets() bool {
	return c.Store.NATS.Token != "" || c.Store.NATS.Password != ""
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KVSYNC_NATS_TOKEN"); v != "" {
		c.Store.NATS.Token = v
	}
	if v := os.Getenv("KVSYNC_NATS_PASSWORD"); v != "" {
		c.Store.NATS.Password = v
	}
}

// Validate checks the configuration for the selected backend.
func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	s := c.Store
	switch strings.ToLower(s.Backend) {
	case "", BackendMemory:
	case BackendFile:
		if strings.TrimSpace(s.File.Path) == "" {
			return fmt.Errorf("store.file.path is required")
		}
		if _, err := parseDuration("store.file.poll_interval", s.File.PollInterval); err != nil {
			return err
		}
	case BackendNATS:
		if s.NATS.URL == "" {
			return fmt.Errorf("store.nats.url is required")
		}
		if s.NATS.Bucket == "" {
			return fmt.Errorf("store.nats.bucket is required")
		}
		if s.NATS.History < 1 || s.NATS.History > 64 {
			return fmt.Errorf("store.nats.history must be between 1 and 64, got %d", s.NATS.History)
		}
		for name, v := range map[string]string{
			"store.nats.timeout":         s.NATS.Timeout,
			"store.nats.connect_timeout": s.NATS.ConnectTimeout,
			"store.nats.reconnect_wait":  s.NATS.ReconnectWait,
		} {
			if _, err := parseDuration(name, v); err != nil {
				return err
			}
		}
	case BackendDynamoDB:
		if s.DynamoDB.Table == "" {
			return fmt.Errorf("store.dynamodb.table is required")
		}
		if _, err := parseDuration("store.dynamodb.timeout", s.DynamoDB.Timeout); err != nil {
			return err
		}
		if _, err := parseDuration("store.dynamodb.stream_poll_interval", s.DynamoDB.StreamPollInterval); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.backend: unknown backend %q (use memory, file, nats or dynamodb)", s.Backend)
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol: unknown protocol %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1, got %g", c.Telemetry.SampleRatio)
		}
	}
	return nil
}

// Logger builds a logger at the configured level.
func (c Config) Logger() *logging.Logger {
	logger := logging.New()
	if level, err := logging.ParseLevel(c.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

// parseDuration parses a duration field. An empty value is zero.
func parseDuration(field, v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

// Package config loads the broker configuration from a yaml file, applies
// defaults and environment overrides, and builds the process logger.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Shell    ShellConfig    `yaml:"shell"`
	Desktop  DesktopConfig  `yaml:"desktop"`
	Transfer TransferConfig `yaml:"transfer"`
	Router   RouterConfig   `yaml:"router"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedOrigins limits websocket upgrades; empty allows any origin.
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	DBPath       string `yaml:"db_path"`
	RecordingDir string `yaml:"recording_dir"`
	// Record enables asciicast recording of shell sessions.
	Record       bool   `yaml:"record"`
	VaultService string `yaml:"vault_service"`
}

type ShellConfig struct {
	// ConnectTimeout of 0 disables the timeout.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
	KnownHostsFile string        `yaml:"known_hosts"`
	ScrollbackSize int           `yaml:"scrollback_size"`
}

type DesktopConfig struct {
	VNC            bool          `yaml:"vnc"`
	RDP            bool          `yaml:"rdp"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type TransferConfig struct {
	MaxPacket          int           `yaml:"max_packet"`
	ConcurrentRequests int           `yaml:"concurrent_requests"`
	ProgressInterval   time.Duration `yaml:"progress_interval"`
}

type RouterConfig struct {
	LaneBuffer    int           `yaml:"lane_buffer"`
	TombstoneSize int           `yaml:"tombstone_size"`
	QueueSize     int           `yaml:"queue_size"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DBPath:       "data/broker.db",
			RecordingDir: "data/recordings",
		},
		Shell: ShellConfig{
			ConnectTimeout: 20 * time.Second,
			KeepAlive:      30 * time.Second,
			StatsInterval:  3 * time.Second,
			ScrollbackSize: 256 * 1024,
		},
		Desktop: DesktopConfig{
			VNC:            true,
			RDP:            true,
			ConnectTimeout: 20 * time.Second,
		},
		Transfer: TransferConfig{
			ProgressInterval: 200 * time.Millisecond,
		},
		Router: RouterConfig{
			LaneBuffer:    1024,
			TombstoneSize: 4096,
			QueueSize:     256,
			DrainTimeout:  2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the yaml file at path over the defaults. A missing file is
// not an error. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("BROKER_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("BROKER_PORT", c.Server.Port)
	c.Storage.DBPath = getEnv("BROKER_DB_PATH", c.Storage.DBPath)
	c.Storage.RecordingDir = getEnv("BROKER_RECORDING_DIR", c.Storage.RecordingDir)
	c.Shell.KnownHostsFile = getEnv("BROKER_KNOWN_HOSTS", c.Shell.KnownHostsFile)
	c.Log.Level = getEnv("BROKER_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("BROKER_LOG_FORMAT", c.Log.Format)
}

// Validate rejects values the broker cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Storage.DBPath == "" {
		return errors.New("config: storage.db_path is required")
	}
	if c.Shell.ConnectTimeout < 0 || c.Desktop.ConnectTimeout < 0 {
		return errors.New("config: connect timeouts must not be negative")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("config: unknown log.level %q", s)
	}
	return level, nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

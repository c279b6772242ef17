package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"lanchat/server"
)

type Config struct {
	Server    ServerSection    `toml:"server"`
	Database  DatabaseSection  `toml:"database"`
	Limits    LimitsSection    `toml:"limits"`
	Upload    UploadSection    `toml:"upload"`
	Broadcast BroadcastSection `toml:"broadcast"`
	Approval  ApprovalSection  `toml:"approval"`
	Log       LogSection       `toml:"log"`
}

type ServerSection struct {
	Address        string `toml:"address"`
	ReadTimeout    int    `toml:"read_timeout"`  // seconds
	WriteTimeout   int    `toml:"write_timeout"` // seconds
	MaxWorkers     int    `toml:"max_workers"`
	ControlSocket  string `toml:"control_socket"`
	MetricsAddress string `toml:"metrics_address"`
}

type DatabaseSection struct {
	Driver string `toml:"driver"` // sqlite or postgres
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type LimitsSection struct {
	MaxConnectionsPerUser int `toml:"max_connections_per_user"`
	HistoryLimit          int `toml:"history_limit"`
}

type UploadSection struct {
	Dir               string   `toml:"dir"`
	MaxSizeMB         int64    `toml:"max_size_mb"`
	AllowedExtensions []string `toml:"allowed_extensions"`
}

type BroadcastSection struct {
	EchoToSender bool `toml:"echo_to_sender"`
}

type ApprovalSection struct {
	AllowedNetworks []string `toml:"allowed_networks"`
}

type LogSection struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		Server: ServerSection{
			Address:        server.DefaultAddress,
			ReadTimeout:    60,
			WriteTimeout:   30,
			ControlSocket:  "/tmp/lanchat.sock",
			MetricsAddress: ":9090",
		},
		Database: DatabaseSection{
			Driver: DriverSQLite,
			Path:   "lanchat.db",
		},
		Limits: LimitsSection{
			MaxConnectionsPerUser: server.DefaultMaxConnectionsPerUser,
			HistoryLimit:          server.DefaultHistoryLimit,
		},
		Upload: UploadSection{
			Dir:               server.DefaultUploadDir,
			MaxSizeMB:         server.DefaultMaxSizeMB,
			AllowedExtensions: append([]string(nil), server.DefaultAllowedExtensions...),
		},
		Broadcast: BroadcastSection{
			EchoToSender: true,
		},
		Log: LogSection{
			Level: "info",
		},
	}
}

// Load reads path on top of the defaults and applies LANCHAT_* environment
// overrides. A missing file is created with default values; an empty path
// skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			// Can't write is not fatal, the defaults still apply.
			_ = WriteDefault(path)
		} else if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to path.
func WriteDefault(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# lanchat server configuration
# Generated with default values. Environment variables LANCHAT_* override
# the values below (e.g. LANCHAT_ADDRESS, LANCHAT_DB_DRIVER).

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(Default()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("LANCHAT_ADDRESS", &c.Server.Address)
	str("LANCHAT_CONTROL_SOCKET", &c.Server.ControlSocket)
	str("LANCHAT_METRICS_ADDRESS", &c.Server.MetricsAddress)
	str("LANCHAT_DB_DRIVER", &c.Database.Driver)
	str("LANCHAT_DB_PATH", &c.Database.Path)
	str("LANCHAT_DB_DSN", &c.Database.DSN)
	str("LANCHAT_UPLOAD_DIR", &c.Upload.Dir)
	str("LANCHAT_LOG_LEVEL", &c.Log.Level)

	for key, dst := range map[string]*int{
		"LANCHAT_READ_TIMEOUT":             &c.Server.ReadTimeout,
		"LANCHAT_WRITE_TIMEOUT":            &c.Server.WriteTimeout,
		"LANCHAT_MAX_WORKERS":              &c.Server.MaxWorkers,
		"LANCHAT_MAX_CONNECTIONS_PER_USER": &c.Limits.MaxConnectionsPerUser,
		"LANCHAT_HISTORY_LIMIT":            &c.Limits.HistoryLimit,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("LANCHAT_MAX_FILE_SIZE_MB"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("LANCHAT_MAX_FILE_SIZE_MB: %w", err)
		}
		c.Upload.MaxSizeMB = n
	}
	if v, ok := lookup("LANCHAT_ALLOWED_EXTENSIONS"); ok && v != "" {
		c.Upload.AllowedExtensions = splitList(v)
	}
	if v, ok := lookup("LANCHAT_ALLOWED_NETWORKS"); ok && v != "" {
		c.Approval.AllowedNetworks = splitList(v)
	}
	if v, ok := lookup("LANCHAT_BROADCAST_ECHO"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LANCHAT_BROADCAST_ECHO: %w", err)
		}
		c.Broadcast.EchoToSender = b
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Limits.MaxConnectionsPerUser < 1 {
		return errors.New("limits.max_connections_per_user must be at least 1")
	}
	if c.Upload.MaxSizeMB < 1 {
		return errors.New("upload.max_size_mb must be at least 1")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// ServerConfig converts the file layout into the server's runtime settings.
func (c *Config) ServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Address:               c.Server.Address,
		ReadTimeout:           time.Duration(c.Server.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(c.Server.WriteTimeout) * time.Second,
		MaxConnectionsPerUser: c.Limits.MaxConnectionsPerUser,
		MaxWorkers:            c.Server.MaxWorkers,
		HistoryLimit:          c.Limits.HistoryLimit,
		EchoBroadcastToSender: c.Broadcast.EchoToSender,
		Upload: server.UploadConfig{
			Dir:               c.Upload.Dir,
			MaxSizeMB:         c.Upload.MaxSizeMB,
			AllowedExtensions: c.Upload.AllowedExtensions,
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

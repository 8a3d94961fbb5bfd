// Package config handles command-line and optional TOML configuration.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"authproxy/internal/httphead"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Upstream   string `kong:"arg,name='upstream',help='Upstream proxy address as host:port.'"`
	Credential string `kong:"arg,name='credential',help='Upstream proxy credential as user:password.'"`
	Port       int    `kong:"arg,optional,name='port',help='Local listen port (default 8888).'"`

	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFormat string `kong:"help='Log format: text|json (overrides config).'"`
	AdminAddr string `kong:"help='Enable the admin HTTP server on this address (overrides config).'"`
}

// Config is the process-wide configuration. It is built once at startup and
// never modified afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds local listener settings.
type ServerConfig struct {
	Host           string  `toml:"host"`
	Port           int     `toml:"port"` // 0 means "use default" (8888)
	MaxHeaderBytes int     `toml:"max_header_bytes"`
	AcceptRate     float64 `toml:"accept_rate"` // connections per second, 0 disables
	AcceptBurst    int     `toml:"accept_burst"`
}

// UpstreamConfig holds the fixed upstream proxy and its credential.
type UpstreamConfig struct {
	Address               string `toml:"-"`
	Credential            string `toml:"-"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
	IdleTimeoutSeconds    int    `toml:"idle_timeout_seconds"`

	authorization string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig holds the optional admin HTTP server settings.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Load builds the configuration from the optional TOML file and the CLI.
// CLI values take precedence over file values.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	if cli.Config != "" {
		data, err := os.ReadFile(cli.Config)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", cli.Config, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", cli.Config, err)
		}
		cfg.filePath = cli.Config
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	cfg.Upstream.authorization = httphead.BasicAuth(cfg.Upstream.Credential)
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI values.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Upstream != "" {
		c.Upstream.Address = cli.Upstream
	}
	if cli.Credential != "" {
		c.Upstream.Credential = cli.Credential
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		c.Log.Format = cli.LogFormat
	}
	if cli.AdminAddr != "" {
		c.Admin.Enabled = true
		c.Admin.Addr = cli.AdminAddr
	}
}

func (c *Config) validate() error {
	if c.Upstream.Address == "" {
		return fmt.Errorf("upstream address is required")
	}
	host, port, err := net.SplitHostPort(c.Upstream.Address)
	if err != nil {
		return fmt.Errorf("upstream address must be host:port: %w", err)
	}
	if host == "" {
		return fmt.Errorf("upstream address %q has an empty host", c.Upstream.Address)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("upstream port must be 1–65535; got %q", port)
	}

	if c.Upstream.Credential == "" {
		return fmt.Errorf("upstream credential is required")
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("server.max_header_bytes must be non-negative; got %d", c.Server.MaxHeaderBytes)
	}
	if c.Server.AcceptRate < 0 {
		return fmt.Errorf("server.accept_rate must be non-negative; got %v", c.Server.AcceptRate)
	}
	if c.Server.AcceptBurst < 0 {
		return fmt.Errorf("server.accept_burst must be non-negative; got %d", c.Server.AcceptBurst)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.idle_timeout_seconds must be non-negative; got %d", c.Upstream.IdleTimeoutSeconds)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Admin.Enabled && c.Admin.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Admin.Addr); err != nil {
			return fmt.Errorf("admin.addr must be host:port: %w", err)
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with defaults.
// A zero timeout in the file means "unset" and gets the default; TOML cannot
// distinguish an explicit 0 from an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8888
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 64 * 1024
	}
	if c.Server.AcceptRate > 0 && c.Server.AcceptBurst == 0 {
		c.Server.AcceptBurst = max(1, int(c.Server.AcceptRate))
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.IdleTimeoutSeconds == 0 {
		c.Upstream.IdleTimeoutSeconds = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = "127.0.0.1:9888"
	}
}

// Addr returns the listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ConnectTimeout returns the upstream dial timeout.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// IdleTimeout returns the relay idle window.
func (c *UpstreamConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// Authorization returns the Proxy-Authorization value sent upstream.
// It is computed once by Load; configs built by hand compute it on demand.
func (c *UpstreamConfig) Authorization() string {
	if c.authorization == "" {
		return httphead.BasicAuth(c.Credential)
	}
	return c.authorization
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnCredential logs a warning if the credential does not look like user:password.
// The value is sent as given either way.
func (c *Config) WarnCredential(logger *slog.Logger) {
	if !strings.Contains(c.Upstream.Credential, ":") {
		logger.Warn("upstream credential has no ':' separator; expected user:password")
	}
}

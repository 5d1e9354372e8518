package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	DefaultListenAddr = "127.0.0.1:3000"
	DefaultPath       = "/api/gateway/ws"
	DefaultSSHBinary  = "ssh"
)

// Config holds process-wide settings for the gateway proxy.
type Config struct {
	ListenAddr   string
	Path         string
	SettingsFile string
	SSHKeyPath   string
	SSHBinary    string

	ProbeDelay        time.Duration
	ProbeInterval     time.Duration
	ProbeAttempts     int
	SSHConnectTimeout time.Duration
	SSHKeepAlive      time.Duration

	LogLevel  string
	LogFormat string
}

// Default returns the built-in configuration. Paths under the home directory
// are resolved here, once.
func Default() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}
	return &Config{
		ListenAddr:        DefaultListenAddr,
		Path:              DefaultPath,
		SettingsFile:      filepath.Join(homeDir, ".openclaw", "openclaw.json"),
		SSHKeyPath:        filepath.Join(homeDir, ".openclaw", "studio", "id_ed25519"),
		SSHBinary:         DefaultSSHBinary,
		ProbeDelay:        300 * time.Millisecond,
		ProbeInterval:     200 * time.Millisecond,
		ProbeAttempts:     25,
		SSHConnectTimeout: 10 * time.Second,
		SSHKeepAlive:      15 * time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
	}, nil
}

// Load returns the default configuration overlaid with a .env file (if any)
// and STUDIO_* environment variables.
func Load(envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("STUDIO_LISTEN_ADDR", &c.ListenAddr)
	str("STUDIO_GATEWAY_WS_PATH", &c.Path)
	str("STUDIO_SETTINGS_FILE", &c.SettingsFile)
	str("STUDIO_SSH_KEY", &c.SSHKeyPath)
	str("STUDIO_SSH_BINARY", &c.SSHBinary)
	str("STUDIO_LOG_LEVEL", &c.LogLevel)
	str("STUDIO_LOG_FORMAT", &c.LogFormat)

	for key, dst := range map[string]*time.Duration{
		"STUDIO_PROBE_DELAY":         &c.ProbeDelay,
		"STUDIO_PROBE_INTERVAL":      &c.ProbeInterval,
		"STUDIO_SSH_CONNECT_TIMEOUT": &c.SSHConnectTimeout,
		"STUDIO_SSH_KEEPALIVE":       &c.SSHKeepAlive,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	if v := getenv("STUDIO_PROBE_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid STUDIO_PROBE_ATTEMPTS: %q", v)
		}
		c.ProbeAttempts = n
	}
	c.SSHKeyPath = ExpandTilde(c.SSHKeyPath)
	c.SettingsFile = ExpandTilde(c.SettingsFile)
	return nil
}

// RegisterFlags binds the configuration to fs. Current values become the
// flag defaults, so call it after Load.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "Address to listen on")
	fs.StringVar(&c.Path, "path", c.Path, "Gateway WebSocket upgrade path")
	fs.StringVar(&c.SettingsFile, "settings-file", c.SettingsFile, "Host-local gateway settings file (legacy single-tenant mode)")
	fs.StringVar(&c.SSHKeyPath, "ssh-key", c.SSHKeyPath, "SSH identity used for tunnels (omitted if missing)")
	fs.StringVar(&c.SSHBinary, "ssh-binary", c.SSHBinary, "ssh client executable")
	fs.DurationVar(&c.ProbeDelay, "probe-delay", c.ProbeDelay, "Grace period before the first tunnel readiness probe")
	fs.DurationVar(&c.ProbeInterval, "probe-interval", c.ProbeInterval, "Spacing between tunnel readiness probes")
	fs.IntVar(&c.ProbeAttempts, "probe-attempts", c.ProbeAttempts, "Tunnel readiness probe attempts")
	fs.DurationVar(&c.SSHConnectTimeout, "ssh-connect-timeout", c.SSHConnectTimeout, "ssh ConnectTimeout")
	fs.DurationVar(&c.SSHKeepAlive, "ssh-keepalive", c.SSHKeepAlive, "ssh ServerAliveInterval")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format (text, json)")
}

// Validate checks values flags could have broken.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path must start with '/': %q", c.Path)
	}
	if c.ProbeAttempts <= 0 {
		return fmt.Errorf("probe attempts must be positive: %d", c.ProbeAttempts)
	}
	if c.SSHBinary == "" {
		return fmt.Errorf("ssh binary must not be empty")
	}
	c.SSHKeyPath = ExpandTilde(c.SSHKeyPath)
	c.SettingsFile = ExpandTilde(c.SettingsFile)
	return nil
}

// ExpandTilde replaces a leading "~/" with the user's home directory.
func ExpandTilde(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(homeDir, strings.TrimPrefix(p, "~"))
}

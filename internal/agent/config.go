package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ClientID        string `toml:"client_id"`
	ServerURL       string `toml:"server_url"`
	Password        string `toml:"password"`
	IntervalSeconds int    `toml:"interval_seconds"`
	InsecureSkipTLS bool   `toml:"insecure_skip_tls"` // allow self-signed certs
	DiskPath        string `toml:"disk_path"`         // filesystem reported as "disk"
}

func DefaultConfig() *Config {
	return &Config{
		IntervalSeconds: 60,
		DiskPath:        defaultDiskPath(),
	}
}

func defaultDiskPath() string {
	if runtime.GOOS == "windows" {
		return "C:\\"
	}
	return "/"
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = DefaultConfig().IntervalSeconds
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = defaultDiskPath()
	}
	return cfg, nil
}

func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open config for writing: %w", err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// IsConfigured reports whether the agent has everything it needs to report.
func (c *Config) IsConfigured() bool {
	return c.ServerURL != "" && c.Password != "" && c.ClientID != ""
}

// NormalizeServerURL trims trailing slashes and defaults the scheme to https.
func NormalizeServerURL(u string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	if u == "" {
		return u
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return u
}

func DefaultConfigPath() string {
	switch runtime.GOOS {
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "Sentinel", "agent.toml")
		}
	default:
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".config", "sentinel", "agent.toml")
		}
	}
	return "/etc/sentinel/agent.toml"
}

// Package config loads Pulse configuration from yaml or toml files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/pulse/internal/logging"
)

// Config is the complete daemon configuration.
type Config struct {
	API       APIConfig       `yaml:"api" toml:"api"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Sync      SyncConfig      `yaml:"sync" toml:"sync"`
	Network   NetworkConfig   `yaml:"network" toml:"network"`
	Scheduler SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	OAuth     OAuthConfig     `yaml:"oauth" toml:"oauth"`
	Daemon    DaemonConfig    `yaml:"daemon" toml:"daemon"`
	Log       logging.Config  `yaml:"log" toml:"log"`
}

// APIConfig points at the remote API.
type APIConfig struct {
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	Token   string        `yaml:"token" toml:"token"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
}

// StoreConfig locates the local database.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// SyncConfig tunes the drain.
type SyncConfig struct {
	// MaxAttempts dead-letters an action after this many failures. Zero retries forever.
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`
	// StaleAfter is the cache freshness window.
	StaleAfter time.Duration `yaml:"stale_after" toml:"stale_after"`
}

// NetworkConfig tunes the connectivity monitor.
type NetworkConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval" toml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" toml:"probe_timeout"`
	// WatchPath is a file rewritten by the OS on link changes. Empty disables watching.
	WatchPath string `yaml:"watch_path" toml:"watch_path"`
}

// SchedulerConfig sets the background sync interval.
type SchedulerConfig struct {
	Interval string `yaml:"interval" toml:"interval"`
}

// OAuthConfig holds state-token and provider settings.
type OAuthConfig struct {
	StateSecret string                    `yaml:"state_secret" toml:"state_secret"`
	StateTTL    time.Duration             `yaml:"state_ttl" toml:"state_ttl"`
	RedirectURL string                    `yaml:"redirect_url" toml:"redirect_url"`
	Providers   map[string]ProviderConfig `yaml:"providers" toml:"providers"`
}

// ProviderConfig holds client credentials for one OAuth provider.
type ProviderConfig struct {
	ClientID     string `yaml:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret"`
	// AuthURL, TokenURL and UserInfoURL override the built-in endpoints.
	AuthURL     string   `yaml:"auth_url,omitempty" toml:"auth_url"`
	TokenURL    string   `yaml:"token_url,omitempty" toml:"token_url"`
	UserInfoURL string   `yaml:"userinfo_url,omitempty" toml:"userinfo_url"`
	Scopes      []string `yaml:"scopes,omitempty" toml:"scopes"`
}

// DaemonConfig holds the local control plane address.
type DaemonConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		API: APIConfig{
			BaseURL: "http://127.0.0.1:8080/api",
			Timeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Path: filepath.Join(home, ".pulse", "pulse.db"),
		},
		Sync: SyncConfig{
			StaleAfter: 30 * time.Minute,
		},
		Network: NetworkConfig{
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  3 * time.Second,
			WatchPath:     "/etc/resolv.conf",
		},
		Scheduler: SchedulerConfig{
			Interval: "minimum",
		},
		OAuth: OAuthConfig{
			StateTTL:    10 * time.Minute,
			RedirectURL: "http://127.0.0.1:7477/oauth/callback",
			Providers:   map[string]ProviderConfig{},
		},
		Daemon: DaemonConfig{
			Listen: "127.0.0.1:7477",
		},
		Log: logging.DefaultConfig(),
	}
}

// LoadConfig loads configuration from a yaml or toml file.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfigFromHome loads configuration from ~/.pulse/config.yaml.
func LoadConfigFromHome() (*Config, error) {
	path, err := HomePath()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

// HomePath returns ~/.pulse/config.yaml.
func HomePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pulse", "config.yaml"), nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// SaveConfig writes configuration to path, creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if strings.ToLower(filepath.Ext(path)) == ".toml" {
		var sb strings.Builder
		err = toml.NewEncoder(&sb).Encode(cfg)
		data = []byte(sb.String())
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ApplyEnvOverrides lets secrets come from the environment.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PULSE_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("PULSE_API_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("PULSE_STATE_SECRET"); v != "" {
		c.OAuth.StateSecret = v
	}
	if v := os.Getenv("PULSE_DB"); v != "" {
		c.Store.Path = v
	}
}

var validIntervals = map[string]bool{
	"minimum": true,
	"hourly":  true,
	"daily":   true,
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute url, got %q", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts cannot be negative")
	}
	if c.Network.ProbeInterval <= 0 || c.Network.ProbeTimeout <= 0 {
		return fmt.Errorf("network probe interval and timeout must be positive")
	}
	if !validIntervals[c.Scheduler.Interval] {
		return fmt.Errorf("invalid scheduler interval %q, must be: minimum, hourly, or daily", c.Scheduler.Interval)
	}
	if c.OAuth.StateTTL <= 0 {
		return fmt.Errorf("oauth.state_ttl must be positive")
	}
	if c.OAuth.StateSecret != "" && len(c.OAuth.StateSecret) < 16 {
		return fmt.Errorf("oauth.state_secret must be at least 16 bytes")
	}
	for name, p := range c.OAuth.Providers {
		if p.ClientID == "" {
			return fmt.Errorf("oauth provider %q: client_id is required", name)
		}
	}
	return nil
}

// Package config handles parley configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/parley/internal/fsm"
)

var (
	// ErrMissingToken is returned by Validate when no signal-cli account
	// is configured.
	ErrMissingToken = errors.New("config: no signal account (TOKEN) configured")

	// ErrMissingOwner is returned by Validate when no owner identity is
	// configured.
	ErrMissingOwner = errors.New("config: no owner configured")
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./parley.yaml, ~/.config/parley/parley.yaml, /etc/parley/parley.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"parley.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "parley.yaml"))
	}

	paths = append(paths, "/etc/parley/parley.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all parley configuration.
type Config struct {
	// TokenFile points at a legacy KEY VALUE file whose TOKEN, OWNER
	// and FRIEND entries are merged into this config.
	TokenFile string `yaml:"token_file"`

	Owner   string   `yaml:"owner"`
	Friends []string `yaml:"friends"`

	Signal  SignalConfig  `yaml:"signal"`
	Socket  SocketConfig  `yaml:"socket"`
	Timers  TimersConfig  `yaml:"timers"`
	Phrases fsm.Phrases   `yaml:"phrases"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Journal JournalConfig `yaml:"journal"`

	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json
}

// SignalConfig configures the signal-cli subprocess.
type SignalConfig struct {
	Command string   `yaml:"command"` // default: signal-cli
	Args    []string `yaml:"args"`    // default: -a <account> jsonRpc
	Account string   `yaml:"account"`
	// Markdown renders backend replies as Signal text styles.
	Markdown bool `yaml:"markdown"`
}

// SocketConfig locates the per-session backend sockets.
type SocketConfig struct {
	Dir  string `yaml:"dir"`  // default: os.TempDir()
	Name string `yaml:"name"` // default: pa_socket
}

// Path returns the owner's socket path.
func (s SocketConfig) Path() string {
	return filepath.Join(s.Dir, s.Name)
}

// TimersConfig overrides the session timer durations, in seconds.
type TimersConfig struct {
	LoginSec    int `yaml:"login_sec"`
	CooldownSec int `yaml:"cooldown_sec"`
	ThinkingSec int `yaml:"thinking_sec"`
}

// Timings converts the configured values into [fsm.Timings]. Unset
// values fall back to the machine defaults.
func (t TimersConfig) Timings() fsm.Timings {
	return fsm.Timings{
		Login:    time.Duration(t.LoginSec) * time.Second,
		Cooldown: time.Duration(t.CooldownSec) * time.Second,
		Thinking: time.Duration(t.ThinkingSec) * time.Second,
	}
}

// MQTTConfig defines the optional MQTT status publisher. Publishing is
// enabled when Broker is set.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether MQTT publishing should start.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// JournalConfig controls the SQLite relay journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from path. A path ending in .yaml or .yml
// is parsed as YAML; anything else is treated as a legacy token file.
// Defaults are applied but the result is not validated.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		// Expand environment variables
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		cfg.TokenFile = path
	}

	if cfg.TokenFile != "" {
		tf, err := LoadTokenFile(cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		cfg.merge(tf)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// merge folds token file values into cfg. Explicit YAML values win for
// scalars; friends are combined.
func (c *Config) merge(tf *TokenFile) {
	if c.Signal.Account == "" {
		c.Signal.Account = tf.Token
	}
	if c.Owner == "" {
		c.Owner = tf.Owner
	}
	c.Friends = append(c.Friends, tf.Friends...)
}

func (c *Config) applyDefaults() {
	if c.Signal.Command == "" {
		c.Signal.Command = "signal-cli"
	}
	if len(c.Signal.Args) == 0 && c.Signal.Account != "" {
		c.Signal.Args = []string{"-a", c.Signal.Account, "jsonRpc"}
	}
	if c.Socket.Dir == "" {
		c.Socket.Dir = os.TempDir()
	}
	if c.Socket.Name == "" {
		c.Socket.Name = "pa_socket"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MQTT.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			c.MQTT.DeviceName = host
		} else {
			c.MQTT.DeviceName = "parley"
		}
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	c.Friends = dedupe(c.Friends, c.Owner)
}

// Validate checks that the configuration can run a relay.
func (c *Config) Validate() error {
	if c.Signal.Account == "" && len(c.Signal.Args) == 0 {
		return ErrMissingToken
	}
	if c.Owner == "" {
		return ErrMissingOwner
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log_format %q (expected text or json)", c.LogFormat)
	}
	if c.MQTT.Configured() && !strings.Contains(c.MQTT.Broker, "://") {
		return fmt.Errorf("config: mqtt broker %q must be a URL (e.g. mqtt://host:1883)", c.MQTT.Broker)
	}
	if c.Timers.LoginSec < 0 || c.Timers.CooldownSec < 0 || c.Timers.ThinkingSec < 0 {
		return errors.New("config: timer values must not be negative")
	}
	return nil
}

// dedupe removes empty and repeated identities and the owner from
// friends, preserving order.
func dedupe(friends []string, owner string) []string {
	seen := make(map[string]bool, len(friends))
	out := friends[:0]
	for _, f := range friends {
		f = strings.TrimSpace(f)
		if f == "" || f == owner || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Package config provides configuration management for the tunnel daemon.
// It handles loading, saving, and validating daemon settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yllada/tunneld/common"
	"gopkg.in/yaml.v3"
)

// Consent backends.
const (
	ConsentKeyring = "keyring"
	ConsentAlways  = "always"
)

// Prompt backends.
const (
	PromptNotification = "notification"
	PromptTerminal     = "terminal"
	PromptNone         = "none"
)

// Config represents the daemon configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	Log           LogConfig          `yaml:"log"`
	Control       ControlConfig      `yaml:"control"`
	Tunnel        TunnelConfig       `yaml:"tunnel"`
	Engine        EngineConfig       `yaml:"engine"`
	Permission    PermissionConfig   `yaml:"permission"`
	Health        HealthConfig       `yaml:"health"`
	Notifications NotificationConfig `yaml:"notifications"`
}

// LogConfig controls the application logger.
type LogConfig struct {
	// Level is one of debug, info, warning, error.
	Level string `yaml:"level"`
	// File enables file logging when non-empty.
	File string `yaml:"file,omitempty"`
	// MaxSizeMB is the size that triggers rotation.
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files kept.
	MaxBackups int `yaml:"max_backups"`
}

// ControlConfig controls the command socket.
type ControlConfig struct {
	// Socket is the unix socket path; empty means the runtime default.
	Socket string `yaml:"socket,omitempty"`
}

// TunnelConfig holds virtual interface settings.
type TunnelConfig struct {
	// Mode is used when a start request does not name one.
	Mode string `yaml:"mode"`
	// Interface is the requested interface name.
	Interface string `yaml:"interface"`
	// MTU of the created interface.
	MTU int `yaml:"mtu"`
}

// EngineConfig describes the external engine binary.
type EngineConfig struct {
	// Command is the engine executable.
	Command string `yaml:"command"`
	// Args are passed verbatim after the command.
	Args []string `yaml:"args,omitempty"`
	// ReadyMarker is the output line fragment that signals readiness.
	// Empty means the engine is ready as soon as it has been spawned.
	ReadyMarker string `yaml:"ready_marker,omitempty"`
	// StartTimeout bounds the wait for ReadyMarker.
	StartTimeout time.Duration `yaml:"start_timeout"`
	// StopTimeout is how long the engine gets to exit before being killed.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// PermissionConfig selects how interface-creation consent is held and asked for.
type PermissionConfig struct {
	// Consent is "keyring" or "always".
	Consent string `yaml:"consent"`
	// Prompt is "notification", "terminal" or "none".
	Prompt string `yaml:"prompt"`
}

// HealthConfig controls the connectivity checker for a running tunnel.
type HealthConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	TestHosts        []string      `yaml:"test_hosts,omitempty"`
}

// NotificationConfig controls desktop notifications.
type NotificationConfig struct {
	// Enabled shows a notification while the tunnel is running.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  5,
			MaxBackups: 5,
		},
		Tunnel: TunnelConfig{
			Mode:      common.DefaultMode,
			Interface: common.DefaultInterfaceName,
			MTU:       common.DefaultMTU,
		},
		Engine: EngineConfig{
			Command:      "tunnel-engine",
			StartTimeout: common.EngineStartTimeout,
			StopTimeout:  common.EngineStopTimeout,
		},
		Permission: PermissionConfig{
			Consent: ConsentKeyring,
			Prompt:  PromptNotification,
		},
		Health: HealthConfig{
			Enabled:          false,
			Interval:         common.HealthCheckInterval,
			FailureThreshold: 3,
			TestHosts: []string{
				"8.8.8.8:53",
				"1.1.1.1:53",
			},
		},
		Notifications: NotificationConfig{
			Enabled: true,
		},
	}
}

// Load loads the configuration from path, or from the default location when path is empty.
// If the default file doesn't exist, it is created with default values.
func Load(path string) (*Config, error) {
	useDefault := path == ""
	if useDefault {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if useDefault {
			if err := cfg.Save(path); err != nil {
				return cfg, err
			}
		}
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate fixes values that have a sensible fallback and rejects the rest.
func (c *Config) Validate() error {
	def := DefaultConfig()

	if _, err := common.ParseLogLevel(c.Log.Level); err != nil {
		c.Log.Level = def.Log.Level
	}
	if c.Tunnel.Mode == "" {
		c.Tunnel.Mode = def.Tunnel.Mode
	}
	if c.Tunnel.Interface == "" {
		c.Tunnel.Interface = def.Tunnel.Interface
	}
	if c.Tunnel.MTU == 0 {
		c.Tunnel.MTU = def.Tunnel.MTU
	}
	if c.Tunnel.MTU < 576 || c.Tunnel.MTU > 65535 {
		return fmt.Errorf("mtu %d out of range", c.Tunnel.MTU)
	}
	if c.Engine.Command == "" {
		return fmt.Errorf("engine command is required")
	}
	if c.Engine.StartTimeout <= 0 {
		c.Engine.StartTimeout = def.Engine.StartTimeout
	}
	if c.Engine.StopTimeout <= 0 {
		c.Engine.StopTimeout = def.Engine.StopTimeout
	}

	switch c.Permission.Consent {
	case ConsentKeyring, ConsentAlways:
	default:
		c.Permission.Consent = def.Permission.Consent
	}
	switch c.Permission.Prompt {
	case PromptNotification, PromptTerminal, PromptNone:
	default:
		c.Permission.Prompt = def.Permission.Prompt
	}

	if c.Health.Interval <= 0 {
		c.Health.Interval = def.Health.Interval
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = def.Health.FailureThreshold
	}
	if len(c.Health.TestHosts) == 0 {
		c.Health.TestHosts = def.Health.TestHosts
	}
	return nil
}

// SocketPath returns the configured control socket or the runtime default.
func (c *Config) SocketPath() string {
	if c.Control.Socket != "" {
		return c.Control.Socket
	}
	return common.DefaultSocketPath()
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	return nil
}

// DefaultPath returns the default configuration file location.
func DefaultPath() (string, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.ConfigFileName), nil
}

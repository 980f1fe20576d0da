// Package config loads the YAML configuration of the conference server.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/opd-ai/confcore/limits"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig indicates a configuration that failed validation.
var ErrInvalidConfig = errors.New("invalid config")

const (
	DefaultListen           = "0.0.0.0:6000"
	DefaultMedia            = "0.0.0.0:6000"
	DefaultStatus           = "127.0.0.1:6002"
	DefaultHeartbeatTimeout = 20 * time.Second
	DefaultLogLevel         = "info"
	DefaultMetricsNamespace = "confcore"
)

// Config is a server configuration file. Zero values mean "no limit" for
// the limit fields. Command line flags override file values.
type Config struct {
	// Listen is the TCP address of the control connection.
	Listen string `yaml:"listen"`
	// Media is the UDP address of the media relay.
	Media string `yaml:"media"`
	// Status is the HTTP address of the status and metrics endpoints.
	// Empty disables the status server.
	Status string `yaml:"status"`

	ConnectionLimit     int      `yaml:"connection_limit"`
	BandwidthReadLimit  uint64   `yaml:"bandwidth_read_limit"`
	BandwidthWriteLimit uint64   `yaml:"bandwidth_write_limit"`
	ValidChannels       []uint32 `yaml:"valid_channels"`
	Password            string   `yaml:"password"`

	MaxBodySize      uint32   `yaml:"max_body_size"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Duration wraps time.Duration for YAML strings such as "20s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:           DefaultListen,
		Media:            DefaultMedia,
		Status:           DefaultStatus,
		MaxBodySize:      limits.MaxCORBody,
		HeartbeatTimeout: Duration{DefaultHeartbeatTimeout},
		Log:              LogConfig{Level: DefaultLogLevel},
		Metrics:          MetricsConfig{Namespace: DefaultMetricsNamespace},
	}
}

// Load reads a YAML config file, expands environment variables and
// overlays the result on Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML config data the same way Load does.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks addresses and limits.
func (c *Config) Validate() error {
	for name, addr := range map[string]string{"listen": c.Listen, "media": c.Media} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: %s address %q: %v", ErrInvalidConfig, name, addr, err)
		}
	}
	if c.Status != "" {
		if _, _, err := net.SplitHostPort(c.Status); err != nil {
			return fmt.Errorf("%w: status address %q: %v", ErrInvalidConfig, c.Status, err)
		}
	}
	if c.ConnectionLimit < 0 {
		return fmt.Errorf("%w: negative connection limit %d", ErrInvalidConfig, c.ConnectionLimit)
	}
	if c.MaxBodySize == 0 || c.MaxBodySize > limits.MaxCORBody {
		return fmt.Errorf("%w: max body size %d not in 1..%d", ErrInvalidConfig, c.MaxBodySize, limits.MaxCORBody)
	}
	if c.HeartbeatTimeout.Duration < 0 {
		return fmt.Errorf("%w: negative heartbeat timeout", ErrInvalidConfig)
	}
	for _, id := range c.ValidChannels {
		if id == 0 {
			return fmt.Errorf("%w: channel id 0 is reserved", ErrInvalidConfig)
		}
	}
	return nil
}

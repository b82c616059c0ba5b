package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Console transports a board can use.
const (
	TransportSerial  = "serial"
	TransportPTY     = "pty"
	TransportProcess = "process"
)

// ErrInvalidConfig is returned by Validate and Load.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds bench configuration
type Config struct {
	LogLevel       logrus.Level  `yaml:"log_level" json:"log_level"`
	PollInterval   time.Duration `yaml:"poll_interval" json:"poll_interval" default:"1s"`
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout" default:"3s"`
	EchoWait       time.Duration `yaml:"echo_wait" json:"echo_wait"`
	Boards         []Board       `yaml:"boards" json:"boards"`
	Peer           Peer          `yaml:"peer" json:"peer"`
}

// Board describes one DUT console.
type Board struct {
	Name       string   `yaml:"name" json:"name"`
	Transport  string   `yaml:"transport" json:"transport" default:"serial"`
	Port       string   `yaml:"port" json:"port,omitempty"`
	Baud       int      `yaml:"baud" json:"baud" default:"115200"`
	Command    []string `yaml:"command" json:"command,omitempty"`
	Prompt     string   `yaml:"prompt" json:"prompt" default:"uart:~$ "`
	LineBuffer uint32   `yaml:"line_buffer" json:"line_buffer" default:"4096"`
	Timeouts   Timeouts `yaml:"timeouts" json:"timeouts"`
}

// Timeouts are the per-operation wait budgets of the board helpers.
// Slow operations such as pairing need much more than a plain command.
type Timeouts struct {
	Init    time.Duration `yaml:"init" json:"init" default:"10s"`
	Command time.Duration `yaml:"command" json:"command" default:"5s"`
	Connect time.Duration `yaml:"connect" json:"connect" default:"20s"`
}

// Peer describes the simulated peer controller.
type Peer struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Adapter string `yaml:"adapter" json:"adapter" default:"hci0"`
	Address string `yaml:"address" json:"address,omitempty"`
	// DiscoveryTimeout bounds the inquiry run when BlueZ does not know the DUT yet.
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" json:"discovery_timeout" default:"30s"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultTimeouts returns the default board operation budgets.
func DefaultTimeouts() Timeouts {
	var t Timeouts
	defaults.SetDefaults(&t)
	return t
}

// Load reads a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of DefaultConfig, fills per-board defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	defaults.SetDefaults(c)
	defaults.SetDefaults(&c.Peer)
	for i := range c.Boards {
		defaults.SetDefaults(&c.Boards[i])
	}
}

// Validate checks board definitions and timing parameters.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalidConfig)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("%w: default_timeout must be positive", ErrInvalidConfig)
	}
	if c.EchoWait < 0 {
		return fmt.Errorf("%w: echo_wait must not be negative", ErrInvalidConfig)
	}
	if c.Peer.DiscoveryTimeout <= 0 {
		return fmt.Errorf("%w: peer.discovery_timeout must be positive", ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(c.Boards))
	for i, b := range c.Boards {
		if b.Name == "" {
			return fmt.Errorf("%w: boards[%d]: name is required", ErrInvalidConfig, i)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("%w: duplicate board %q", ErrInvalidConfig, b.Name)
		}
		seen[b.Name] = struct{}{}

		if b.Timeouts.Init <= 0 || b.Timeouts.Command <= 0 || b.Timeouts.Connect <= 0 {
			return fmt.Errorf("%w: board %q: timeouts must be positive", ErrInvalidConfig, b.Name)
		}

		switch b.Transport {
		case TransportSerial, TransportPTY:
			if b.Port == "" {
				return fmt.Errorf("%w: board %q: %s transport requires port", ErrInvalidConfig, b.Name, b.Transport)
			}
		case TransportProcess:
			if len(b.Command) == 0 {
				return fmt.Errorf("%w: board %q: process transport requires command", ErrInvalidConfig, b.Name)
			}
		default:
			return fmt.Errorf("%w: board %q: unknown transport %q", ErrInvalidConfig, b.Name, b.Transport)
		}
	}
	return nil
}

// Board returns the board definition with the given name.
func (c *Config) Board(name string) (Board, bool) {
	for _, b := range c.Boards {
		if b.Name == name {
			return b, true
		}
	}
	return Board{}, false
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

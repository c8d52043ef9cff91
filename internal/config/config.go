package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BrokerConfig describes one AMQP broker inside a farm.
type BrokerConfig struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// TLS dials the broker with a client-side handshake.
	TLS bool `yaml:"tls"`
	// ProxyProtocol sends a PROXY v1 preamble before any AMQP bytes.
	ProxyProtocol bool `yaml:"proxyProtocol"`
	Weight        int  `yaml:"weight"`
}

// FarmConfig is a named set of interchangeable brokers.
type FarmConfig struct {
	Name    string         `yaml:"name"`
	Brokers []BrokerConfig `yaml:"brokers"`
}

// ListenerConfig describes one client-facing listening socket.
type ListenerConfig struct {
	Address string `yaml:"address"`

	// Manual TLS configuration
	TlsCertFile string `yaml:"tlsCertFile"`
	TlsKeyFile  string `yaml:"tlsKeyFile"`

	// Automatic TLS configuration via ACME
	AcmeHostname string `yaml:"acmeHostname"`

	// DefaultFarm overrides the global default farm for sessions accepted
	// here.
	DefaultFarm string `yaml:"defaultFarm"`
}

// Secure reports whether the listener terminates TLS.
func (l *ListenerConfig) Secure() bool {
	return l.TlsCertFile != "" || l.AcmeHostname != ""
}

// Config holds the entire application configuration, loaded from a YAML file.
type Config struct {
	ControlListenAddress string `yaml:"controlListenAddress"`
	ControlJWTSecret     string `yaml:"controlJWTSecret"`

	Listeners   []ListenerConfig  `yaml:"listeners"`
	Farms       []FarmConfig      `yaml:"farms"`
	VhostRoutes map[string]string `yaml:"vhostRoutes"`
	DefaultFarm string            `yaml:"defaultFarm"`

	// Per-session inbound byte budgets, per second. Zero means unlimited.
	DefaultReadRateLimit uint64 `yaml:"defaultReadRateLimit"`
	DefaultReadRateAlarm uint64 `yaml:"defaultReadRateAlarm"`

	IdleTimeoutSeconds  int     `yaml:"idleTimeoutSeconds"`
	AcceptRatePerSecond float64 `yaml:"acceptRatePerSecond"`
	AcceptBurst         int     `yaml:"acceptBurst"`
	HandlerPoolSize     int     `yaml:"handlerPoolSize"`

	AcmeCacheDir string `yaml:"acmeCacheDir"`
}

// IdleTimeout returns the idle timeout as a time.Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// validate performs comprehensive validation of the loaded configuration.
func (c *Config) validate() error {
	if c.ControlListenAddress == "" {
		return fmt.Errorf("controlListenAddress must be set")
	}
	if c.ControlJWTSecret == "" {
		return fmt.Errorf("controlJWTSecret must be set")
	}
	if len(c.Listeners) == 0 {
		return fmt.Errorf("at least one listener must be specified")
	}
	if len(c.Farms) == 0 {
		return fmt.Errorf("at least one farm must be specified")
	}
	if c.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("idleTimeoutSeconds cannot be negative")
	}
	if c.AcceptRatePerSecond < 0 {
		return fmt.Errorf("acceptRatePerSecond cannot be negative")
	}
	if c.AcceptBurst < 0 {
		return fmt.Errorf("acceptBurst cannot be negative")
	}
	if c.HandlerPoolSize < 0 {
		return fmt.Errorf("handlerPoolSize cannot be negative")
	}

	farmNames := make(map[string]bool, len(c.Farms))
	for i, farm := range c.Farms {
		if farm.Name == "" {
			return fmt.Errorf("farms[%d].name must be set", i)
		}
		if farmNames[farm.Name] {
			return fmt.Errorf("farm %q is defined twice", farm.Name)
		}
		farmNames[farm.Name] = true
		if len(farm.Brokers) == 0 {
			return fmt.Errorf("farm %q must have at least one broker", farm.Name)
		}
		for j, b := range farm.Brokers {
			if b.Name == "" {
				return fmt.Errorf("farm %q brokers[%d].name must be set", farm.Name, j)
			}
			if b.Host == "" {
				return fmt.Errorf("broker %q host must be set", b.Name)
			}
			if b.Port < 1 || b.Port > 65535 {
				return fmt.Errorf("broker %q port %d is out of range", b.Name, b.Port)
			}
			if b.Weight < 0 {
				return fmt.Errorf("broker %q weight cannot be negative", b.Name)
			}
		}
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listeners[%d].address must be set", i)
		}
		manualTls := l.TlsCertFile != "" || l.TlsKeyFile != ""
		automaticTls := l.AcmeHostname != ""
		if manualTls && automaticTls {
			return fmt.Errorf("listener %s cannot specify both manual TLS (tlsCertFile/tlsKeyFile) and automatic TLS (acmeHostname) settings", l.Address)
		}
		if manualTls && (l.TlsCertFile == "" || l.TlsKeyFile == "") {
			return fmt.Errorf("listener %s must set both tlsCertFile and tlsKeyFile for manual TLS", l.Address)
		}
		if l.DefaultFarm != "" && !farmNames[l.DefaultFarm] {
			return fmt.Errorf("listener %s defaultFarm %q is not a defined farm", l.Address, l.DefaultFarm)
		}
	}

	for vhost, farm := range c.VhostRoutes {
		if !farmNames[farm] {
			return fmt.Errorf("vhostRoutes[%q] names unknown farm %q", vhost, farm)
		}
	}
	if c.DefaultFarm != "" && !farmNames[c.DefaultFarm] {
		return fmt.Errorf("defaultFarm %q is not a defined farm", c.DefaultFarm)
	}

	return nil
}

// LoadConfig reads the configuration from the given file path, unmarshals it,
// and performs validation.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml from %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

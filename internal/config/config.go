package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMTU               = 1280
	DefaultTunnelInterface   = "ovl0"
	DefaultSessionTTLSec     = 600
	DefaultLivenessWindowSec = 90
	DefaultCacheSize         = 1024
	DefaultCacheTTLSec       = 30
	DefaultRelayRealm        = "overlay"
	DefaultPingIntervalSec   = 15
	DefaultReadTimeoutSec    = 45
	DefaultReconnectDelaySec = 3
)

// Config holds both controller and client settings; a process uses
// one section or the other.
type Config struct {
	Controller *ControllerConfig `yaml:"controller,omitempty"`
	Client     *ClientConfig     `yaml:"client,omitempty"`
}

// ControllerConfig is used by the control-plane process.
type ControllerConfig struct {
	Listen            string   `yaml:"listen"`
	DataDir           string   `yaml:"data_dir"`
	RelayRealm        string   `yaml:"relay_realm"`
	RelaySecret       string   `yaml:"relay_secret"`
	SessionTTLSec     int      `yaml:"session_ttl_sec"`
	LivenessWindowSec int      `yaml:"liveness_window_sec"`
	CacheSize         int      `yaml:"cache_size"`
	CacheTTLSec       int      `yaml:"cache_ttl_sec"`
	STUNServers       []string `yaml:"stun_servers"`
}

// ClientConfig is used by the connecting edge process.
type ClientConfig struct {
	ClientID          string   `yaml:"client_id"`
	Controller        string   `yaml:"controller"`
	TunnelInterface   string   `yaml:"tunnel_interface"`
	TunnelPrivateKey  string   `yaml:"tunnel_private_key"`
	TunnelAddress     string   `yaml:"tunnel_address"`
	MTU               int      `yaml:"mtu"`
	STUNServers       []string `yaml:"stun_servers"`
	TargetNodeID      string   `yaml:"target_node_id,omitempty"`
	MinBandwidth      uint     `yaml:"min_bandwidth,omitempty"`
	MaxLatencyMs      uint     `yaml:"max_latency_ms,omitempty"`
	PreferredCountry  string   `yaml:"preferred_country,omitempty"`
	PreferredLocation string   `yaml:"preferred_location,omitempty"`
	PingIntervalSec   int      `yaml:"ping_interval_sec"`
	ReadTimeoutSec    int      `yaml:"read_timeout_sec"`
	ReconnectDelaySec int      `yaml:"reconnect_delay_sec"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk. The file carries the relay
// secret and tunnel key, hence 0600.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Controller == nil && cfg.Client == nil {
		return fmt.Errorf("config must contain controller or client section")
	}
	if cfg.Controller != nil {
		if cfg.Controller.Listen == "" {
			return fmt.Errorf("controller.listen is required")
		}
		if cfg.Controller.RelaySecret == "" {
			return fmt.Errorf("controller.relay_secret is required")
		}
	}
	if cfg.Client != nil {
		if cfg.Client.ClientID == "" {
			return fmt.Errorf("client.client_id is required")
		}
		if cfg.Client.Controller == "" {
			return fmt.Errorf("client.controller is required")
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Controller != nil {
		c := cfg.Controller
		if c.RelayRealm == "" {
			c.RelayRealm = DefaultRelayRealm
		}
		if c.SessionTTLSec == 0 {
			c.SessionTTLSec = DefaultSessionTTLSec
		}
		if c.LivenessWindowSec == 0 {
			c.LivenessWindowSec = DefaultLivenessWindowSec
		}
		if c.CacheSize == 0 {
			c.CacheSize = DefaultCacheSize
		}
		if c.CacheTTLSec == 0 {
			c.CacheTTLSec = DefaultCacheTTLSec
		}
	}

	if cfg.Client != nil {
		c := cfg.Client
		if c.TunnelInterface == "" {
			c.TunnelInterface = DefaultTunnelInterface
		}
		if c.MTU == 0 {
			c.MTU = DefaultMTU
		}
		if c.PingIntervalSec == 0 {
			c.PingIntervalSec = DefaultPingIntervalSec
		}
		if c.ReadTimeoutSec == 0 {
			c.ReadTimeoutSec = DefaultReadTimeoutSec
		}
		if c.ReconnectDelaySec == 0 {
			c.ReconnectDelaySec = DefaultReconnectDelaySec
		}
	}
}

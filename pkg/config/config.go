package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config is the hub configuration, loaded from YAML with environment
// overrides on top.
type Config struct {
	Network Network `yaml:"network"`
	Stream  Stream  `yaml:"stream"`
	Timing  Timing  `yaml:"timing"`
	Consul  Consul  `yaml:"consul"`
	Archive Archive `yaml:"archive"`
}

// Network holds listener settings.
type Network struct {
	HTTPAddr   string `yaml:"httpAddr"`   // control websocket + ops API
	StreamPort int    `yaml:"streamPort"` // UDP port nodes listen on
	APIToken   string `yaml:"apiToken"`   // empty disables ops API auth
}

// Stream holds fanout settings.
type Stream struct {
	RateHz      int `yaml:"rateHz"`
	LookAheadMs int `yaml:"lookAheadMs"`
}

// Timing holds session lifecycle timing.
type Timing struct {
	KeepaliveTimeoutMs int `yaml:"keepaliveTimeoutMs"`
	EvictAfterS        int `yaml:"evictAfterS"`
	TokenTTLh          int `yaml:"tokenTtlH"`
	OTAProgressS       int `yaml:"otaProgressS"`
	OTARejoinS         int `yaml:"otaRejoinS"`
}

// Consul selects the shared manifest catalog backend.
type Consul struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Archive enables the MySQL event archive.
type Archive struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads the config file (HUB_CONFIG or the given path) over
// defaults, then applies env overrides and validates.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if p := os.Getenv("HUB_CONFIG"); p != "" {
		path = p
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Network: Network{
			HTTPAddr:   ":8080",
			StreamPort: 41420,
		},
		Stream: Stream{
			RateHz:      100,
			LookAheadMs: 50,
		},
		Timing: Timing{
			KeepaliveTimeoutMs: 3500,
			EvictAfterS:        30,
			TokenTTLh:          24,
			OTAProgressS:       30,
			OTARejoinS:         90,
		},
	}
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HUB_HTTP_ADDR"); v != "" {
		cfg.Network.HTTPAddr = v
	}
	if v := os.Getenv("HUB_STREAM_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Network.StreamPort = p
		}
	}
	if v := os.Getenv("HUB_API_TOKEN"); v != "" {
		cfg.Network.APIToken = v
	}
	if v := os.Getenv("HUB_CONSUL_ADDR"); v != "" {
		cfg.Consul.Enabled = true
		cfg.Consul.Addr = v
	}
}

func validate(cfg *Config) error {
	if cfg.Stream.RateHz <= 0 || cfg.Stream.RateHz > 1000 {
		return fmt.Errorf("stream rate %d Hz is outside range [1, 1000]", cfg.Stream.RateHz)
	}
	if cfg.Stream.LookAheadMs < 0 || cfg.Stream.LookAheadMs > 500 {
		return fmt.Errorf("look-ahead %d ms is outside range [0, 500]", cfg.Stream.LookAheadMs)
	}
	if cfg.Network.StreamPort <= 0 || cfg.Network.StreamPort > 65535 {
		return fmt.Errorf("invalid stream port %d", cfg.Network.StreamPort)
	}
	if cfg.Timing.KeepaliveTimeoutMs <= 0 {
		return fmt.Errorf("keepalive timeout must be positive")
	}
	return nil
}

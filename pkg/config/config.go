// Package config holds the settings of the coi-proxy commands. Values are
// read from a YAML file, then from COI_* environment variables, and every
// field left empty falls back to its default.
package config

import (
	"encoding/json"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/creasty/defaults"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "COI"

type ProxyMode string

const (
	ProxyModeReverse ProxyMode = "reverse"
	ProxyModeForward ProxyMode = "forward"
)

type Config struct {
	Serve    ServeConfig    `yaml:"serve" json:"serve" envconfig:"SERVE"`
	Proxy    ProxyConfig    `yaml:"proxy" json:"proxy" envconfig:"PROXY"`
	Session  SessionConfig  `yaml:"session" json:"session" envconfig:"SESSION"`
	Simulate SimulateConfig `yaml:"simulate" json:"simulate" envconfig:"SIMULATE"`
}

// ServeConfig configures the static host.
type ServeConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	Root   string `yaml:"root" json:"root"`
	// InjectHeaders sets the isolation headers on every response directly.
	InjectHeaders bool `yaml:"inject_headers" json:"inject_headers" envconfig:"INJECT_HEADERS"`
	Metrics       bool `yaml:"metrics" json:"metrics"`
}

func (cfg *ServeConfig) SetDefaults() {
	if defaults.CanUpdate(cfg.Listen) {
		cfg.Listen = "127.0.0.1:8080"
	}
	if defaults.CanUpdate(cfg.Root) {
		cfg.Root = "."
	}
}

func (cfg ServeConfig) Validate() error {
	if cfg.Listen == "" {
		return errors.New("serve: listen is required")
	}
	if cfg.Root == "" {
		return errors.New("serve: root is required")
	}
	return nil
}

// ProxyConfig configures the network proxy. Reverse mode fronts a single
// origin; forward mode is a browser proxy that can intercept TLS with CA.
type ProxyConfig struct {
	Listen  string    `yaml:"listen" json:"listen"`
	Origin  string    `yaml:"origin" json:"origin"`
	Mode    ProxyMode `yaml:"mode" json:"mode"`
	CA      CAConfig  `yaml:"ca" json:"ca" envconfig:"CA"`
	Verbose bool      `yaml:"verbose" json:"verbose"`
	Metrics bool      `yaml:"metrics" json:"metrics"`
}

type CAConfig struct {
	Cert string `yaml:"cert" json:"cert"`
	Key  string `yaml:"key" json:"key"`
}

func (cfg CAConfig) Enabled() bool {
	return cfg.Cert != "" && cfg.Key != ""
}

func (cfg *ProxyConfig) SetDefaults() {
	if defaults.CanUpdate(cfg.Listen) {
		cfg.Listen = "127.0.0.1:8081"
	}
	if defaults.CanUpdate(cfg.Mode) {
		cfg.Mode = ProxyModeReverse
	}
}

func (cfg ProxyConfig) Validate() error {
	if !slices.Contains([]ProxyMode{ProxyModeReverse, ProxyModeForward}, cfg.Mode) {
		return errors.Errorf("proxy: invalid mode: '%s'", cfg.Mode)
	}
	if cfg.Listen == "" {
		return errors.New("proxy: listen is required")
	}
	if (cfg.CA.Cert == "") != (cfg.CA.Key == "") {
		return errors.New("proxy: ca cert and key must be set together")
	}
	if cfg.Origin != "" {
		u, err := url.Parse(cfg.Origin)
		if err != nil {
			return errors.Wrap(err, "proxy: invalid origin")
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Errorf("proxy: invalid origin: '%s'", cfg.Origin)
		}
	}
	return nil
}

// SessionConfig bounds the tab sessions the simulated browser keeps.
type SessionConfig struct {
	Size int           `yaml:"size" json:"size"`
	TTL  time.Duration `yaml:"ttl" json:"ttl"`
}

func (cfg *SessionConfig) SetDefaults() {
	if defaults.CanUpdate(cfg.Size) {
		cfg.Size = 256
	}
	if defaults.CanUpdate(cfg.TTL) {
		cfg.TTL = 12 * time.Hour
	}
}

func (cfg SessionConfig) Validate() error {
	if cfg.Size < 0 {
		return errors.Errorf("session: size must be positive, got %d", cfg.Size)
	}
	if cfg.TTL < 0 {
		return errors.Errorf("session: ttl must be positive, got %s", cfg.TTL)
	}
	return nil
}

type SimulateConfig struct {
	MaxLoads int `yaml:"max_loads" json:"max_loads" envconfig:"MAX_LOADS"`
}

func (cfg *SimulateConfig) SetDefaults() {
	if defaults.CanUpdate(cfg.MaxLoads) {
		cfg.MaxLoads = 5
	}
}

func (cfg SimulateConfig) Validate() error {
	if cfg.MaxLoads < 1 {
		return errors.Errorf("simulate: max_loads must be at least 1, got %d", cfg.MaxLoads)
	}
	return nil
}

func (cfg Config) Validate() error {
	if err := cfg.Serve.Validate(); err != nil {
		return err
	}
	if err := cfg.Proxy.Validate(); err != nil {
		return err
	}
	if err := cfg.Session.Validate(); err != nil {
		return err
	}
	if err := cfg.Simulate.Validate(); err != nil {
		return err
	}
	return nil
}

func (cfg Config) String() string {
	bytes, err := json.Marshal(cfg)
	if err != nil {
		panic(err)
	}
	return string(bytes)
}

func New() *Config {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// Load overlays filename, when given, and the environment onto cfg, then
// fills whatever is still empty with defaults.
func Load(filename string, cfg *Config) error {
	if filename != "" {
		b, err := os.ReadFile(filename)
		if err != nil {
			return errors.Wrapf(err, "read config %s", filename)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return errors.Wrapf(err, "parse config %s", filename)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return errors.Wrap(err, "read environment")
	}
	return defaults.Set(cfg)
}

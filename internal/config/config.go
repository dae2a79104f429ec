package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tradebridge/tradebridge/internal/upstream"
)

// Upstream modes.
const (
	ModeWS   = "ws"
	ModeMock = "mock"
)

// Environment variables that override secrets in the file.
const (
	EnvCST           = "TRADEBRIDGE_CST"
	EnvSecurityToken = "TRADEBRIDGE_SECURITY_TOKEN"
	EnvAccountID     = "TRADEBRIDGE_ACCOUNT_ID"
	EnvAuthToken     = "TRADEBRIDGE_AUTH_TOKEN"
)

type Config struct {
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Transport TransportConfig `yaml:"transport"`
	Server    ServerConfig    `yaml:"server"`
	Mock      MockConfig      `yaml:"mock"`
}

type UpstreamConfig struct {
	Mode         string               `yaml:"mode"`
	Endpoint     string               `yaml:"endpoint"`
	AccountID    string               `yaml:"account_id"`
	Credentials  upstream.Credentials `yaml:"credentials"`
	DialTimeout  time.Duration        `yaml:"dial_timeout"`
	PingInterval time.Duration        `yaml:"ping_interval"`
}

type TransportConfig struct {
	// BacklogWarning is how far a subscriber may fall behind before the
	// hub logs it. Messages are never dropped.
	BacklogWarning int `yaml:"backlog_warning"`
}

type ServerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
}

type MockConfig struct {
	Interval time.Duration `yaml:"interval"`
	Seed     int64         `yaml:"seed"`
}

func defaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			Mode:         ModeWS,
			DialTimeout:  10 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Transport: TransportConfig{
			BacklogWarning: 1024,
		},
		Server: ServerConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           8090,
			MaxConnections: 64,
		},
		Mock: MockConfig{
			Interval: 750 * time.Millisecond,
			Seed:     1,
		},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. The result is not validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = defaultConfig()
		cfg.applyEnv(os.LookupEnv)
		return cfg, nil
	}
	return cfg, err
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvCST); ok {
		c.Upstream.Credentials.CST = v
	}
	if v, ok := lookup(EnvSecurityToken); ok {
		c.Upstream.Credentials.SecurityToken = v
	}
	if v, ok := lookup(EnvAccountID); ok {
		c.Upstream.AccountID = v
	}
	if v, ok := lookup(EnvAuthToken); ok {
		c.Server.AuthToken = v
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Upstream.Mode {
	case ModeWS:
		if c.Upstream.Endpoint == "" {
			errs = append(errs, errors.New("upstream.endpoint is required in ws mode"))
		}
		if c.Upstream.Credentials.CST == "" || c.Upstream.Credentials.SecurityToken == "" {
			errs = append(errs, errors.New("upstream.credentials are required in ws mode"))
		}
	case ModeMock:
	default:
		errs = append(errs, fmt.Errorf("upstream.mode %q: want %q or %q", c.Upstream.Mode, ModeWS, ModeMock))
	}
	if c.Upstream.AccountID == "" {
		errs = append(errs, errors.New("upstream.account_id is required"))
	}
	if c.Upstream.DialTimeout <= 0 {
		errs = append(errs, errors.New("upstream.dial_timeout must be positive"))
	}
	if c.Upstream.PingInterval <= 0 {
		errs = append(errs, errors.New("upstream.ping_interval must be positive"))
	}
	if c.Transport.BacklogWarning <= 0 {
		errs = append(errs, errors.New("transport.backlog_warning must be positive"))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Upstream.Mode == ModeMock && c.Mock.Interval <= 0 {
		errs = append(errs, errors.New("mock.interval must be positive"))
	}
	return errors.Join(errs...)
}

// Addr is the host:port the bridge server listens on.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

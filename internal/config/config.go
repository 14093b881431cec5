package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config captures runtime settings for a domain topology node.
type Config struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	} `yaml:"server"`

	Storage struct {
		Backend     string `yaml:"backend"`
		PostgresDSN string `yaml:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
	} `yaml:"storage"`

	Domain struct {
		DomainID        string `yaml:"domain_id"`
		NodeID          string `yaml:"node_id"`
		ProtocolVersion int    `yaml:"protocol_version"`
	} `yaml:"domain"`

	Keys struct {
		SigningPrivateKeyPath string `yaml:"signing_private_key_path"`
		SigningPublicKeyPath  string `yaml:"signing_public_key_path"`
	} `yaml:"keys"`

	Traffic struct {
		Enabled                *bool  `yaml:"enabled"`
		MaxBaseTrafficBytes    uint64 `yaml:"max_base_traffic_bytes"`
		BaseRateBytesPerSecond uint64 `yaml:"base_rate_bytes_per_second"`
	} `yaml:"traffic"`

	Logging struct {
		Service string `yaml:"service"`
		Version string `yaml:"version"`
		Commit  string `yaml:"commit"`
		Region  string `yaml:"region"`
	} `yaml:"logging"`
}

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:7420"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 20
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 12
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	if c.Domain.ProtocolVersion <= 0 {
		c.Domain.ProtocolVersion = 5
	}
	if c.Traffic.Enabled == nil {
		c.Traffic.Enabled = boolPtr(true)
	}
	if c.Traffic.MaxBaseTrafficBytes == 0 {
		c.Traffic.MaxBaseTrafficBytes = 200 * 1024
	}
	if c.Traffic.BaseRateBytesPerSecond == 0 {
		c.Traffic.BaseRateBytesPerSecond = 10 * 1024
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "topology-node"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "dev"
	}
	if c.Logging.Commit == "" {
		c.Logging.Commit = "unknown"
	}
	if c.Logging.Region == "" {
		c.Logging.Region = "local"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of %s, %s", c.Storage.Backend, BackendMemory, BackendPostgres)
	}
	if c.Domain.DomainID == "" {
		return errors.New("domain.domain_id is required")
	}
	if c.Domain.NodeID == "" {
		return errors.New("domain.node_id is required")
	}
	if c.Keys.SigningPrivateKeyPath == "" {
		return errors.New("keys.signing_private_key_path is required")
	}
	if c.Keys.SigningPublicKeyPath == "" {
		return errors.New("keys.signing_public_key_path is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen %q invalid: %w", c.Server.Listen, err)
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Storage.PostgresDSN = expand(c.Storage.PostgresDSN)
	c.Keys.SigningPrivateKeyPath = expand(c.Keys.SigningPrivateKeyPath)
	c.Keys.SigningPublicKeyPath = expand(c.Keys.SigningPublicKeyPath)
}

func expand(v string) string {
	if !strings.Contains(v, "${") {
		return v
	}
	return os.Expand(v, func(key string) string {
		return os.Getenv(key)
	})
}

func boolPtr(v bool) *bool { return &v }

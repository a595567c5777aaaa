package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"phab-go/internal/conduit"
)

// Config is the connection surface consumed by the CLI and server modes.
// File values are overridden by flags in cmd/main.go.
type Config struct {
	Host         string                      `yaml:"host"`
	APIToken     string                      `yaml:"api_token"`
	CertIdentity *conduit.CertIdentityConfig `yaml:"cert_identity"`
	StoreDSN     string                      `yaml:"store_dsn"`
	Concurrency  int                         `yaml:"concurrency"`
	Strict       bool                        `yaml:"strict"`
}

// DefaultPath is ~/.phab.yaml, overridable with PHAB_CONFIG.
func DefaultPath() string {
	if p := os.Getenv("PHAB_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".phab.yaml"
	}
	return filepath.Join(home, ".phab.yaml")
}

// Load reads a YAML config file. A missing file is not an error: flags can
// carry the whole configuration.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks presence only; anything deeper is the service's problem.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required (flag --host or config file)")
	}
	if c.APIToken == "" {
		return errors.New("api token is required (flag --token or config file)")
	}
	if c.CertIdentity != nil && c.CertIdentity.PKCS12Path == "" {
		return errors.New("cert_identity.pkcs12_path must not be empty when cert_identity is set")
	}
	return nil
}

func (c *Config) ClientConfig() conduit.Config {
	return conduit.Config{
		Host:         c.Host,
		APIToken:     c.APIToken,
		CertIdentity: c.CertIdentity,
	}
}

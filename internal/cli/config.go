// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mobiletoly/go-livesync/livesync"
)

// Backends accepted by the serve command.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// ServeConfig is the YAML configuration of the serve command.
type ServeConfig struct {
	Addr           string        `yaml:"addr"`
	Backend        string        `yaml:"backend"`
	DatabaseURL    string        `yaml:"database_url"`
	SQLitePath     string        `yaml:"sqlite_path"`
	Schema         string        `yaml:"schema"`
	ChannelPrefix  string        `yaml:"channel_prefix"`
	JWTSecret      string        `yaml:"jwt_secret"`
	AllowDevSignin bool          `yaml:"allow_dev_signin"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	Collections    []string      `yaml:"collections"`
	LogRequests    bool          `yaml:"log_requests"`
}

// DefaultServeConfig serves the reference collections from a local SQLite file.
func DefaultServeConfig() *ServeConfig {
	return &ServeConfig{
		Addr:          ":8080",
		Backend:       BackendSQLite,
		SQLitePath:    "livesync.db",
		Schema:        "public",
		ChannelPrefix: "livesync_",
		TokenTTL:      time.Hour,
		PingInterval:  30 * time.Second,
		Collections:   append([]string(nil), livesync.DefaultCollections...),
	}
}

// LoadServeConfig reads path (when not empty) over the defaults and applies
// the DATABASE_URL and JWT_SECRET environment overrides.
func LoadServeConfig(path string, getenv func(string) string) (*ServeConfig, error) {
	cfg := DefaultServeConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first problem found in the configuration.
func (c *ServeConfig) Validate() error {
	switch c.Backend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("postgres backend requires database_url or DATABASE_URL")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("sqlite backend requires sqlite_path")
		}
	default:
		return fmt.Errorf("unknown backend %q: must be %s or %s", c.Backend, BackendPostgres, BackendSQLite)
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret or JWT_SECRET is required")
	}
	if len(c.Collections) == 0 {
		return errors.New("at least one collection is required")
	}
	for _, name := range c.Collections {
		if err := livesync.ValidateCollectionName(name); err != nil {
			return err
		}
	}
	return nil
}

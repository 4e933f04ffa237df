// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ServerConfig is one entry of the backend catalog.
type ServerConfig struct {
	ID       string `toml:"id" mapstructure:"id" json:"id"`
	Name     string `toml:"name" mapstructure:"name" json:"name"`
	Type     string `toml:"type" mapstructure:"type" json:"type"`
	BaseURL  string `toml:"baseUrl" mapstructure:"baseUrl" json:"baseUrl"`
	Username string `toml:"username" mapstructure:"username" json:"-"`
	Password string `toml:"password" mapstructure:"password" json:"-"`
}

type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	BaseURL       string `toml:"baseUrl" mapstructure:"baseUrl"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`

	MetricsEnabled bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost    string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort    int    `toml:"metricsPort" mapstructure:"metricsPort"`

	// RequestTimeout is in seconds.
	RequestTimeout int `toml:"requestTimeout" mapstructure:"requestTimeout"`
	// Poll intervals and the circuit cooldown are in milliseconds.
	PollInterval     int `toml:"pollInterval" mapstructure:"pollInterval"`
	PollMaxInterval  int `toml:"pollMaxInterval" mapstructure:"pollMaxInterval"`
	CircuitThreshold int `toml:"circuitThreshold" mapstructure:"circuitThreshold"`
	CircuitCooldown  int `toml:"circuitCooldown" mapstructure:"circuitCooldown"`
	FullResyncEvery  int `toml:"fullResyncEvery" mapstructure:"fullResyncEvery"`

	PreserveMissingSections bool `toml:"preserveMissingSections" mapstructure:"preserveMissingSections"`

	DefaultServerID string         `toml:"defaultServerId" mapstructure:"defaultServerId"`
	Servers         []ServerConfig `toml:"servers" mapstructure:"servers"`
}

func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

func (c *Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

func (c *Config) PollMaxIntervalDuration() time.Duration {
	return time.Duration(c.PollMaxInterval) * time.Millisecond
}

func (c *Config) CircuitCooldownDuration() time.Duration {
	return time.Duration(c.CircuitCooldown) * time.Millisecond
}

// Server looks up a catalog entry by id.
func (c *Config) Server(id string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// NormalizeServers validates the catalog in place: ids are required and unique,
// names default to the id, types must be qbit or trans and base URLs absolute.
// The default id must exist; when unset the first server becomes the default.
func (c *Config) NormalizeServers() error {
	seen := make(map[string]struct{}, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return fmt.Errorf("servers[%d]: id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}

		if strings.TrimSpace(s.Name) == "" {
			s.Name = s.ID
		}

		s.Type = strings.ToLower(strings.TrimSpace(s.Type))
		if s.Type != "qbit" && s.Type != "trans" {
			return fmt.Errorf("server %q: type must be qbit or trans, got %q", s.ID, s.Type)
		}

		if s.BaseURL == "" {
			return fmt.Errorf("server %q: baseUrl is required", s.ID)
		}
		u, err := url.Parse(s.BaseURL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("server %q: baseUrl %q must be an absolute url", s.ID, s.BaseURL)
		}
	}

	if c.DefaultServerID != "" {
		if _, ok := seen[c.DefaultServerID]; !ok {
			return fmt.Errorf("defaultServerId %q does not match any server", c.DefaultServerID)
		}
		return nil
	}
	if len(c.Servers) > 0 {
		c.DefaultServerID = c.Servers[0].ID
	}
	return nil
}

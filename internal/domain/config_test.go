// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeServers(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantErr     string
		wantDefault string
	}{
		{
			name: "first_server_is_default",
			cfg: Config{Servers: []ServerConfig{
				{ID: "home", Type: "qbit", BaseURL: "http://qb:8080"},
				{ID: "seedbox", Type: "TRANS", BaseURL: "https://box.example/transmission"},
			}},
			wantDefault: "home",
		},
		{
			name: "explicit_default",
			cfg: Config{DefaultServerID: "seedbox", Servers: []ServerConfig{
				{ID: "home", Type: "qbit", BaseURL: "http://qb:8080"},
				{ID: "seedbox", Type: "trans", BaseURL: "https://box.example"},
			}},
			wantDefault: "seedbox",
		},
		{
			name:    "unknown_default",
			cfg:     Config{DefaultServerID: "nope", Servers: []ServerConfig{{ID: "home", Type: "qbit", BaseURL: "http://qb"}}},
			wantErr: `defaultServerId "nope"`,
		},
		{
			name:    "missing_id",
			cfg:     Config{Servers: []ServerConfig{{Type: "qbit", BaseURL: "http://qb"}}},
			wantErr: "id is required",
		},
		{
			name: "duplicate_id",
			cfg: Config{Servers: []ServerConfig{
				{ID: "a", Type: "qbit", BaseURL: "http://qb"},
				{ID: "a", Type: "qbit", BaseURL: "http://qb2"},
			}},
			wantErr: "duplicate id",
		},
		{
			name:    "bad_type",
			cfg:     Config{Servers: []ServerConfig{{ID: "a", Type: "deluge", BaseURL: "http://d"}}},
			wantErr: "type must be qbit or trans",
		},
		{
			name:    "relative_url",
			cfg:     Config{Servers: []ServerConfig{{ID: "a", Type: "qbit", BaseURL: "/qbit"}}},
			wantErr: "must be an absolute url",
		},
		{
			name:    "missing_url",
			cfg:     Config{Servers: []ServerConfig{{ID: "a", Type: "qbit"}}},
			wantErr: "baseUrl is required",
		},
		{
			name: "empty_catalog",
			cfg:  Config{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.NormalizeServers()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDefault, cfg.DefaultServerID)
		})
	}
}

func TestNormalizeServersDefaultsName(t *testing.T) {
	cfg := Config{Servers: []ServerConfig{{ID: " box ", Type: " Trans ", BaseURL: "http://box:9091"}}}
	require.NoError(t, cfg.NormalizeServers())

	s, ok := cfg.Server("box")
	require.True(t, ok)
	assert.Equal(t, "box", s.Name)
	assert.Equal(t, "trans", s.Type)

	_, ok = cfg.Server("other")
	assert.False(t, ok)
}

func TestDurations(t *testing.T) {
	cfg := Config{RequestTimeout: 10, PollInterval: 2000, PollMaxInterval: 30000, CircuitCooldown: 60000}
	assert.Equal(t, 10*time.Second, cfg.RequestTimeoutDuration())
	assert.Equal(t, 2*time.Second, cfg.PollIntervalDuration())
	assert.Equal(t, 30*time.Second, cfg.PollMaxIntervalDuration())
	assert.Equal(t, time.Minute, cfg.CircuitCooldownDuration())
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/tmsync/internal/domain"
)

const catalogConfig = `
host = "localhost"
port = 8080
pollInterval = 1500

[[servers]]
id = "home"
type = "qbit"
baseUrl = "http://qb:8080"
username = "admin"
password = "secret"

[[servers]]
id = "seedbox"
name = "Seedbox"
type = "trans"
baseUrl = "https://box.example/transmission"
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewLoadsServerCatalog(t *testing.T) {
	path := writeConfig(t, t.TempDir(), catalogConfig)

	cfg, err := New(path, "1.2.3")
	require.NoError(t, err)

	assert.Equal(t, "1.2.3", cfg.Config.Version)
	assert.Equal(t, 8080, cfg.Config.Port)
	assert.Equal(t, 1500, cfg.Config.PollInterval)
	assert.Equal(t, 30000, cfg.Config.PollMaxInterval)
	assert.Equal(t, 5, cfg.Config.CircuitThreshold)
	assert.True(t, cfg.Config.PreserveMissingSections)

	require.Len(t, cfg.Config.Servers, 2)
	assert.Equal(t, "home", cfg.Config.DefaultServerID)
	assert.Equal(t, domain.ServerConfig{
		ID: "home", Name: "home", Type: "qbit", BaseURL: "http://qb:8080", Username: "admin", Password: "secret",
	}, cfg.Config.Servers[0])
	assert.Equal(t, "Seedbox", cfg.Config.Servers[1].Name)
}

func TestNewRejectsInvalidCatalog(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "duplicate_ids",
			content: "[[servers]]\nid = \"a\"\ntype = \"qbit\"\nbaseUrl = \"http://a\"\n[[servers]]\nid = \"a\"\ntype = \"qbit\"\nbaseUrl = \"http://b\"\n",
			wantErr: "duplicate id",
		},
		{
			name:    "unknown_default",
			content: "defaultServerId = \"x\"\n[[servers]]\nid = \"a\"\ntype = \"qbit\"\nbaseUrl = \"http://a\"\n",
			wantErr: "defaultServerId",
		},
		{
			name:    "bad_type",
			content: "[[servers]]\nid = \"a\"\ntype = \"rtorrent\"\nbaseUrl = \"http://a\"\n",
			wantErr: "type must be qbit or trans",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.content)
			_, err := New(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), catalogConfig)

	t.Setenv(envPrefix+"PORT", "9999")
	t.Setenv(envPrefix+"POLL_MAX_INTERVAL", "60000")
	t.Setenv(envPrefix+"PRESERVE_MISSING_SECTIONS", "false")
	t.Setenv(envPrefix+"DEFAULT_SERVER_ID", "seedbox")

	cfg, err := New(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Config.Port)
	assert.Equal(t, 60000, cfg.Config.PollMaxInterval)
	assert.False(t, cfg.Config.PreserveMissingSections)
	assert.Equal(t, "seedbox", cfg.Config.DefaultServerID)
}

func TestServerFromEnv(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "port = 8080\n")

	t.Setenv(envPrefix+"SERVER_URL", "http://transmission:9091")
	t.Setenv(envPrefix+"SERVER_TYPE", "trans")

	cfg, err := New(path)
	require.NoError(t, err)

	require.Len(t, cfg.Config.Servers, 1)
	assert.Equal(t, "default", cfg.Config.Servers[0].ID)
	assert.Equal(t, "trans", cfg.Config.Servers[0].Type)
	assert.Equal(t, "default", cfg.Config.DefaultServerID)
}

func TestNewWritesDefaultConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fresh")

	cfg, err := New(dir)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "#[[servers]]")
	assert.Contains(t, string(content), "port = 7480")
	assert.Empty(t, cfg.Config.Servers)
	assert.Equal(t, dir, cfg.GetConfigDir())
}

func TestReloadKeepsPreviousOnInvalidCatalog(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, catalogConfig)

	// no file watcher: reloads are driven by the test
	cfg := &AppConfig{viper: viper.New(), version: "dev"}
	cfg.defaults()
	require.NoError(t, cfg.load(path))
	loaded, err := cfg.decode()
	require.NoError(t, err)
	cfg.Config = loaded

	var notified []string
	cfg.RegisterReloadListener(func(c *domain.Config) {
		notified = append(notified, c.DefaultServerID)
	})

	writeConfig(t, dir, "[[servers]]\nid = \"\"\ntype = \"qbit\"\nbaseUrl = \"http://a\"\n")
	require.NoError(t, cfg.viper.ReadInConfig())
	cfg.reload()
	assert.Empty(t, notified)
	assert.Len(t, cfg.Current().Servers, 2)

	writeConfig(t, dir, strings.Replace(catalogConfig, "port = 8080", "port = 8080\ndefaultServerId = \"seedbox\"", 1))
	require.NoError(t, cfg.viper.ReadInConfig())
	cfg.reload()
	assert.Equal(t, []string{"seedbox"}, notified)
	assert.Equal(t, "seedbox", cfg.Current().DefaultServerID)
}

func TestConfigDirResolution(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		setupFile      bool
		fileIsDir      bool
		expectedSuffix string
	}{
		{name: "toml_file_extension", input: "/path/to/custom.toml", expectedSuffix: "custom.toml"},
		{name: "TOML_file_extension_uppercase", input: "/path/to/CONFIG.TOML", expectedSuffix: "CONFIG.TOML"},
		{name: "directory_path", input: "/path/to/config", expectedSuffix: "config.toml"},
		{name: "existing_file_without_toml", input: "/path/to/configfile", setupFile: true, expectedSuffix: "configfile"},
		{name: "existing_directory", input: "/path/to/configdir", setupFile: true, fileIsDir: true, expectedSuffix: "config.toml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inputPath := filepath.Join(t.TempDir(), filepath.Base(tt.input))

			if tt.setupFile {
				if tt.fileIsDir {
					require.NoError(t, os.MkdirAll(inputPath, 0o755))
				} else {
					require.NoError(t, os.WriteFile(inputPath, []byte("test"), 0o644))
				}
			}

			c := &AppConfig{}
			result := c.resolveConfigPath(inputPath)
			assert.True(t, strings.HasSuffix(result, tt.expectedSuffix),
				"Expected result %s to end with %s", result, tt.expectedSuffix)
		})
	}
}

func TestIsDevBuild(t *testing.T) {
	assert.True(t, isDevBuild(""))
	assert.True(t, isDevBuild("dev"))
	assert.True(t, isDevBuild("1.0.0-dev"))
	assert.False(t, isDevBuild("1.0.0"))
}

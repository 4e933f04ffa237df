// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/tmsync/internal/domain"
)

var envPrefix = "TMSYNC__"

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	version string

	mu          sync.RWMutex
	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	// env overrides file values
	c.loadFromEnv()

	cfg, err := c.decode()
	if err != nil {
		return nil, err
	}
	c.Config = cfg

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	host := "localhost"
	if detectContainer() {
		host = "0.0.0.0"
	}

	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", 7480)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9075)
	c.viper.SetDefault("requestTimeout", 10)
	c.viper.SetDefault("pollInterval", 2000)
	c.viper.SetDefault("pollMaxInterval", 30000)
	c.viper.SetDefault("circuitThreshold", 5)
	c.viper.SetDefault("circuitCooldown", 60000)
	c.viper.SetDefault("fullResyncEvery", 30)
	c.viper.SetDefault("preserveMissingSections", true)
	c.viper.SetDefault("defaultServerId", "")
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			if !isNotExist(err) {
				return fmt.Errorf("failed to read config: %w", err)
			}
			if err := c.writeDefaultConfig(configPath); err != nil {
				return err
			}
			if err := c.viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read newly created config: %w", err)
			}
		}
		return nil
	}

	c.viper.SetConfigName("config")
	c.viper.AddConfigPath(".")
	c.viper.AddConfigPath(GetDefaultConfigDir())

	if err := c.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
		defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
		if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
			return err
		}
		c.viper.SetConfigFile(defaultConfigPath)
		if err := c.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read newly created config: %w", err)
		}
	}
	return nil
}

// isNotExist matches both viper's search miss and a missing explicit file.
func isNotExist(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return os.IsNotExist(err)
}

func (c *AppConfig) loadFromEnv() {
	// explicit bindings only; AutomaticEnv picks up unrelated variables
	c.viper.BindEnv("host", envPrefix+"HOST")
	c.viper.BindEnv("port", envPrefix+"PORT")
	c.viper.BindEnv("baseUrl", envPrefix+"BASE_URL")
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")
	c.viper.BindEnv("requestTimeout", envPrefix+"REQUEST_TIMEOUT")
	c.viper.BindEnv("pollInterval", envPrefix+"POLL_INTERVAL")
	c.viper.BindEnv("pollMaxInterval", envPrefix+"POLL_MAX_INTERVAL")
	c.viper.BindEnv("circuitThreshold", envPrefix+"CIRCUIT_THRESHOLD")
	c.viper.BindEnv("circuitCooldown", envPrefix+"CIRCUIT_COOLDOWN")
	c.viper.BindEnv("fullResyncEvery", envPrefix+"FULL_RESYNC_EVERY")
	c.viper.BindEnv("preserveMissingSections", envPrefix+"PRESERVE_MISSING_SECTIONS")
	c.viper.BindEnv("defaultServerId", envPrefix+"DEFAULT_SERVER_ID")
}

// decode unmarshals and validates a fresh Config from the current viper state.
func (c *AppConfig) decode() (*domain.Config, error) {
	cfg := &domain.Config{}
	if err := c.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Version = c.version

	if len(cfg.Servers) == 0 {
		if server, ok := serverFromEnv(); ok {
			cfg.Servers = []domain.ServerConfig{server}
		}
	}

	if err := cfg.NormalizeServers(); err != nil {
		return nil, fmt.Errorf("invalid server catalog: %w", err)
	}
	return cfg, nil
}

// serverFromEnv builds a single catalog entry for container deployments that
// cannot mount a [[servers]] table.
func serverFromEnv() (domain.ServerConfig, bool) {
	baseURL := os.Getenv(envPrefix + "SERVER_URL")
	if baseURL == "" {
		return domain.ServerConfig{}, false
	}
	id := os.Getenv(envPrefix + "SERVER_ID")
	if id == "" {
		id = "default"
	}
	return domain.ServerConfig{
		ID:       id,
		Name:     os.Getenv(envPrefix + "SERVER_NAME"),
		Type:     os.Getenv(envPrefix + "SERVER_TYPE"),
		BaseURL:  baseURL,
		Username: os.Getenv(envPrefix + "SERVER_USERNAME"),
		Password: os.Getenv(envPrefix + "SERVER_PASSWORD"),
	}, true
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)
		c.reload()
	})
}

// reload keeps the previous configuration when the new file does not validate.
func (c *AppConfig) reload() {
	next, err := c.decode()
	if err != nil {
		log.Error().Err(err).Msg("Failed to reload configuration, keeping previous")
		return
	}

	c.mu.Lock()
	c.Config = next
	c.mu.Unlock()

	c.ApplyLogConfig()
	c.notifyListeners()
}

// Current returns a copy of the active configuration.
func (c *AppConfig) Current() domain.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.Config
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := c.Current()
	for _, listener := range listeners {
		listener(&copied)
	}
}

const configTemplate = `# config.toml - Auto-generated on first run

# Hostname / IP
# Default: "localhost" (or "0.0.0.0" in containers)
host = "{{ .host }}"

# Port
# Default: 7480
port = {{ .port }}

# Base URL for the API when served from a subdirectory
#baseUrl = "/tmsync/"

# Log level
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Log file path. If not defined, logs to stderr
#logPath = "log/tmsync.log"

# Maximum log file size in megabytes before rotation
#logMaxSize = {{ .logMaxSize }}

# Number of rotated log files to retain (0 keeps all)
#logMaxBackups = {{ .logMaxBackups }}

# Prometheus metrics on a separate listener
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9075

# Backend request timeout in seconds
#requestTimeout = {{ .requestTimeout }}

# Polling cadence in milliseconds. Failures back off exponentially up to pollMaxInterval.
#pollInterval = {{ .pollInterval }}
#pollMaxInterval = {{ .pollMaxInterval }}

# Consecutive failures before polling pauses, and the pause length in milliseconds
#circuitThreshold = {{ .circuitThreshold }}
#circuitCooldown = {{ .circuitCooldown }}

# Transmission: incremental refreshes between full list reloads
#fullResyncEvery = {{ .fullResyncEvery }}

# Keep cached categories/tags/server state when a full update omits them
#preserveMissingSections = true

# Server selected at startup. Defaults to the first entry below.
#defaultServerId = "home"

# Backend catalog. type is "qbit" (qBittorrent) or "trans" (Transmission).
#[[servers]]
#id = "home"
#name = "Home qBittorrent"
#type = "qbit"
#baseUrl = "http://localhost:8080"
#username = "admin"
#password = "adminadmin"
#
#[[servers]]
#id = "seedbox"
#type = "trans"
#baseUrl = "https://seedbox.example.com"
#username = "user"
#password = "secret"
`

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	data := map[string]any{
		"host":             c.viper.GetString("host"),
		"port":             c.viper.GetInt("port"),
		"logLevel":         c.viper.GetString("logLevel"),
		"logMaxSize":       c.viper.GetInt("logMaxSize"),
		"logMaxBackups":    c.viper.GetInt("logMaxBackups"),
		"requestTimeout":   c.viper.GetInt("requestTimeout"),
		"pollInterval":     c.viper.GetInt("pollInterval"),
		"pollMaxInterval":  c.viper.GetInt("pollMaxInterval"),
		"circuitThreshold": c.viper.GetInt("circuitThreshold"),
		"circuitCooldown":  c.viper.GetInt("circuitCooldown"),
		"fullResyncEvery":  c.viper.GetInt("fullResyncEvery"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		// containers mount /config directly
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "tmsync")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "tmsync")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "tmsync")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "tmsync")
	}
}

func detectContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	return os.Getpid() == 1
}

func (c *AppConfig) ApplyLogConfig() {
	cfg := c.Current()

	zerolog.TimeFieldFormat = time.RFC3339
	setLogLevel(cfg.LogLevel)

	writer := baseLogWriter(c.version)
	if cfg.LogPath != "" {
		multiWriter, err := setupLogFile(cfg.LogPath, writer, cfg.LogMaxSize, cfg.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}
	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if !isDevBuild(version) {
		return os.Stderr
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
	return writer
}

// InitDefaultLogger configures zerolog before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(baseLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath accepts either a .toml file or a directory holding config.toml.
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}
	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}
	return filepath.Join(configDirOrPath, "config.toml")
}

// GetConfigDir returns the directory containing the config file
func (c *AppConfig) GetConfigDir() string {
	if c.viper.ConfigFileUsed() != "" {
		return filepath.Dir(c.viper.ConfigFileUsed())
	}
	return GetDefaultConfigDir()
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}
	c.defaults()
	return c.writeDefaultConfig(path)
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/tmsync/internal/api"
	"github.com/autobrr/tmsync/internal/buildinfo"
	"github.com/autobrr/tmsync/internal/config"
	"github.com/autobrr/tmsync/internal/domain"
	"github.com/autobrr/tmsync/internal/metrics"
	"github.com/autobrr/tmsync/internal/session"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "tmsync",
		Short: "One torrent view over qBittorrent and Transmission",
		Long: `tmsync - keeps a unified, incrementally synced view of a qBittorrent or
Transmission backend and serves it over a small HTTP API.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunListCommand())
	rootCmd.AddCommand(RunDetailCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the sync engine and HTTP API",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/tmsync/ or %APPDATA%\\tmsync\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, logPath)
		os.Exit(app.runServer())
	}

	return command
}

func RunVersionCommand() *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tmsync",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(buildinfo.String())
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/tmsync/config.toml
- Windows: %APPDATA%\tmsync\config.toml

You can specify either a directory path or a direct file path:
- Directory: tmsync generate-config --config-dir /path/to/config/
- File: tmsync generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigFile(configDir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return errors.Wrap(err, "failed to create configuration file")
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func resolveConfigFile(configDir string) string {
	if configDir == "" {
		return filepath.Join(config.GetDefaultConfigDir(), "config.toml")
	}
	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		return configDir
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir
	}
	return filepath.Join(configDir, "config.toml")
}

type Application struct {
	configDir string
	logPath   string
}

func NewApplication(configDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		logPath:   logPath,
	}
}

// runServer blocks until a signal or a server failure and returns the exit code.
func (app *Application) runServer() int {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize configuration")
		return 1
	}

	if app.logPath != "" {
		os.Setenv("TMSYNC__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Int("servers", len(cfg.Config.Servers)).Msg("Starting tmsync")

	opts := session.OptionsFromConfig(cfg.Config)

	var collector *metrics.Metrics
	if cfg.Config.MetricsEnabled {
		collector = metrics.New()
		opts.Observer = collector
	}

	sessions := session.New(opts)
	if err := sessions.Start(); err != nil {
		// the API stays up so another server can be selected
		log.Error().Err(err).Msg("Failed to select default server")
	}

	cfg.RegisterReloadListener(func(conf *domain.Config) {
		if err := sessions.UpdateCatalog(conf.Servers, conf.DefaultServerID); err != nil {
			log.Error().Err(err).Msg("Failed to apply reloaded server catalog")
		}
	})

	httpServer := api.NewServer(&api.Dependencies{
		Config:   cfg,
		Version:  buildinfo.Version,
		Sessions: sessions,
	})

	errorChannel := make(chan error, 2)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Error().Err(err).Msg("failed to start HTTP server")
		sessions.Close()
		return 1
	}

	var metricsServer *http.Server
	if collector != nil {
		metricsServer = metrics.NewServer(collector, cfg.Config.MetricsHost, cfg.Config.MetricsPort)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorChannel <- errors.Wrap(err, "metrics server")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessions.Close()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("got error during metrics server shutdown")
		}
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		return 1
	}

	return exitCode
}

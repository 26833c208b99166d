// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/audiarr/internal/api"
	"github.com/autobrr/audiarr/internal/buildinfo"
	"github.com/autobrr/audiarr/internal/config"
	"github.com/autobrr/audiarr/internal/database"
	"github.com/autobrr/audiarr/internal/domain"
	"github.com/autobrr/audiarr/internal/metrics"
	"github.com/autobrr/audiarr/internal/models"
	"github.com/autobrr/audiarr/internal/orchestrator"
	"github.com/autobrr/audiarr/internal/ratio"
	"github.com/autobrr/audiarr/internal/selector"
	"github.com/autobrr/audiarr/internal/transfer"
	"github.com/autobrr/audiarr/internal/verify"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "audiarr",
		Short: "Audiobook acquisition and seeding orchestrator",
		Long: `audiarr - automated audiobook acquisition: candidate selection,
failover-aware transfers, integrity verification, and ratio-aware
admission control over a shared seeding budget.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/audiarr/). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for database and other files (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath, pprofFlag)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of audiarr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
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
- Linux/macOS: ~/.config/audiarr/config.toml

You can specify either a directory path or a direct file path:
- Directory: audiarr generate-config --config-dir /path/to/config/
- File: audiarr generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

func (app *Application) runServer() {
	// Initialize configuration
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("AUDIARR__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("AUDIARR__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting audiarr")

	if len(cfg.Config.Endpoints) == 0 {
		log.Fatal().Msg("No transfer endpoints configured; add at least one [[endpoints]] block")
	}

	// Initialize database
	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Initialize stores
	jobStore := models.NewJobStore(db)
	pendingStore := models.NewPendingOperationStore(db)
	snapshotStore := models.NewRatioSnapshotStore(db)

	// Transfer layer: endpoint chain, health checking, resilient client
	healthTimeout := time.Duration(cfg.Config.HealthCheckTimeoutSecs) * time.Second
	endpoints := transfer.EndpointsFromConfig(cfg.Config.Endpoints, healthTimeout)
	checker := transfer.NewHealthChecker(
		transfer.TCPProbe{Addr: cfg.Config.NetworkProbeAddr},
		time.Duration(cfg.Config.HealthStalenessSeconds)*time.Second,
		healthTimeout,
	)
	transferClient := transfer.NewClient(endpoints, checker, pendingStore,
		time.Duration(cfg.Config.SubmitTimeoutSeconds)*time.Second)

	// Admission control
	var membership *ratio.MembershipClient
	if cfg.Config.MembershipStatusURL != "" {
		membership = ratio.NewMembershipClient(cfg.Config.MembershipStatusURL, buildinfo.UserAgent)
	}
	controller := ratio.NewController(ratio.Config{
		SampleInterval: time.Duration(cfg.Config.RatioSampleIntervalSeconds) * time.Second,
		RatioFloor:     cfg.Config.RatioFloor,
		BudgetFloor:    cfg.Config.MembershipBudgetFloor,
	}, ratio.NewTransferSource(transferClient, membership), snapshotStore)

	// During a ratio emergency, stalled seeding torrents are force-resumed so
	// upload recovers without operator action.
	controller.RegisterSeedingAdvisor(func(decision ratio.Decision) {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		transferClient.ForceResumeStalledUploads(ctx)
	})

	// Verification
	verifier := verify.NewVerifier(verify.CommandProber{Command: cfg.Config.ProbeCommand})

	// Orchestrator
	orch := orchestrator.New(orchestrator.Config{
		MaxRetries:             cfg.Config.MaxRetries,
		MaxConcurrentTransfers: int64(cfg.Config.MaxConcurrentTransfers),
		Preferences:            selector.Preferences{PreferredNarrators: cfg.Config.PreferredNarrators},
	}, jobStore, transferClient, verifier, controller)

	// Narrator preferences and admission floors are hot-reloadable; endpoints
	// and listeners need a restart.
	cfg.RegisterReloadListener(func(conf *domain.Config) {
		orch.SetPreferences(selector.Preferences{PreferredNarrators: conf.PreferredNarrators})
		controller.SetThresholds(conf.RatioFloor, conf.MembershipBudgetFloor)
	})

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()

	controller.Start(backgroundCtx)
	transferClient.StartReconciliation(backgroundCtx, time.Duration(cfg.Config.ReplayIntervalSeconds)*time.Second)

	if err := orch.Start(backgroundCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to resume acquisition jobs")
	}

	// Start server in goroutine
	httpServer := api.NewServer(&api.Dependencies{
		Config:       cfg,
		Version:      buildinfo.Version,
		JobStore:     jobStore,
		PendingStore: pendingStore,
		Orchestrator: orch,
		Controller:   controller,
		Client:       transferClient,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	if cfg.Config.MetricsEnabled {
		metricsManager := metrics.NewMetricsManager(jobStore, pendingStore, controller, transferClient)

		// Start metrics server on separate port
		go func() {
			metricsServer := metrics.NewMetricsServer(
				metricsManager,
				cfg.Config.MetricsHost,
				cfg.Config.MetricsPort,
				cfg.Config.MetricsBasicAuthUsers,
			)

			errorChannel <- metricsServer.ListenAndServe()
		}()
	}

	// Start profiling server if enabled
	if cfg.Config.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	// Stop job loops and background samplers before closing the listener so
	// terminal writes land before the database closes.
	backgroundCancel()
	orch.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		os.Exit(1)
	}

	log.Info().Msg("Shutdown complete")
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/auth"
	"github.com/artemis/web-migrate/internal/backup"
	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/dbmigrate"
	"github.com/artemis/web-migrate/internal/hybrid"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/orchestrator"
	"github.com/artemis/web-migrate/internal/perfmon"
	"github.com/artemis/web-migrate/internal/preset"
	"github.com/artemis/web-migrate/internal/progress"
	"github.com/artemis/web-migrate/internal/report"
	"github.com/artemis/web-migrate/internal/server"
	"github.com/artemis/web-migrate/internal/session"
	"github.com/artemis/web-migrate/internal/transfer"
	"github.com/artemis/web-migrate/internal/validate"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var (
	cfgFile   string
	serveAddr string
	logger    *observability.Logger
	cfg       *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "web-migrate",
	Short: "Web application migration control plane",
	Long: `web-migrate orchestrates migrations of web applications and their
databases between systems: validation, backups, file transfer, database
migration and rollback, exposed over an authenticated HTTP API.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Pick up a .env file before the config loader reads the
		// environment; real environment variables win over both.
		_ = godotenv.Load()

		var err error
		logger, err = observability.NewLogger("info")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
			os.Exit(1)
		}

		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			logger.Error("failed to load config", zap.Error(err))
			os.Exit(1)
		}

		if cfg.LogLevel != "" {
			logger, err = observability.NewLogger(cfg.LogLevel)
			if err != nil {
				logger.Warn("failed to set log level, using default", zap.Error(err))
			}
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control plane",
	Long:  "Start the HTTP control plane: session API, preset catalog, report generation and the live event feed",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(cmd, args); err != nil {
			logger.Error("failed to start control plane", zap.Error(err))
			os.Exit(1)
		}
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if serveAddr != "" {
		cfg.HTTPAddr = serveAddr
	}
	logger.Debug("configuration loaded", zap.Any("config", cfg.Redact()))

	metrics := observability.NewMetrics()

	gate, err := auth.New(auth.Options{
		SecretKey:  cfg.SecretKey,
		TokenTTL:   time.Duration(cfg.TokenExpireMinutes) * time.Minute,
		BcryptCost: cfg.BcryptCost,
		RateLimit:  cfg.RateLimitRequests,
		RateWindow: cfg.RateLimitWindow,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create auth gate: %w", err)
	}
	if err := gate.Seed(cfg.Users, cfg.APIKeys, cfg.Tenants); err != nil {
		return fmt.Errorf("failed to seed identities: %w", err)
	}
	bootstrapPassword, err := gate.SeedDefaults()
	if err != nil {
		return fmt.Errorf("failed to seed bootstrap admin: %w", err)
	}
	if bootstrapPassword != "" {
		// Shown once; only the hash is retained.
		logger.Info("no users configured, created bootstrap admin account",
			zap.String("username", "admin"),
			zap.String("password", bootstrapPassword),
		)
	}

	store := session.NewStore()
	tracker := progress.NewTracker(logger, metrics)

	monitor := perfmon.NewMonitor(perfmon.Config{
		CollectionInterval: cfg.CollectionInterval,
		Thresholds: []perfmon.Threshold{
			{Metric: perfmon.MetricCPU, Warning: 85, Critical: 95, Comparison: perfmon.ComparisonGreater, Duration: 10 * time.Second},
			{Metric: perfmon.MetricMemory, Warning: 85, Critical: 95, Comparison: perfmon.ComparisonGreater, Duration: 10 * time.Second},
		},
	}, logger, metrics)
	if err := monitor.Start(""); err != nil {
		return fmt.Errorf("failed to start performance monitor: %w", err)
	}

	engine := hybrid.NewEngine(ctx, hybrid.Config{
		HelperPath:      cfg.HelperPath,
		HelperTimeout:   cfg.HelperTimeout,
		PreferNative:    cfg.PreferNative,
		FallbackOnError: cfg.FallbackOnError,
	}, logger, metrics)

	transfers, err := transfer.NewFactory(ctx, engine, monitor, transfer.FactoryOptions{
		WorkerPoolSize: cfg.Pool.MaxSize,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create transfer factory: %w", err)
	}

	databases := dbmigrate.NewFactory(dbmigrate.FactoryOptions{}, monitor, logger, metrics)
	dumper := databases.DumpAdapter()

	dataDir, err := cfg.EffectiveDataDir()
	if err != nil {
		return err
	}
	backups := backup.NewManager(backup.Options{
		Dir:    filepath.Join(dataDir, "backups"),
		Engine: engine,
		Dumper: dumper,
	}, logger)
	rollback := backup.NewRestorer(engine, dumper, logger)

	validator := validate.NewEngine(validate.Options{Stats: engine}, logger)

	presetDir, err := cfg.EffectivePresetDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(presetDir, 0o755); err != nil {
		return fmt.Errorf("failed to create preset directory: %w", err)
	}
	presets, err := preset.Load(presetDir, logger)
	if err != nil {
		return fmt.Errorf("failed to load preset catalog: %w", err)
	}
	if cfg.PresetHotReload {
		if err := presets.Watch(ctx); err != nil {
			logger.Warn("preset hot reload unavailable", zap.Error(err))
		}
	}

	reportDir, err := cfg.EffectiveReportDir()
	if err != nil {
		return err
	}
	reports := report.NewGenerator(report.Options{Dir: reportDir}, logger, metrics)

	var scheduler gocron.Scheduler
	if cfg.ReportRetentionDays > 0 {
		scheduler, err = gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("failed to create retention scheduler: %w", err)
		}
		_, err = scheduler.NewJob(
			gocron.DurationJob(24*time.Hour),
			gocron.NewTask(func() {
				removed, err := reports.CleanupOldReports(cfg.ReportRetentionDays)
				if err != nil {
					logger.Warn("report retention sweep failed", zap.Error(err))
					return
				}
				if removed > 0 {
					logger.Info("report retention sweep finished", zap.Int("removed", removed))
				}
			}),
			gocron.WithName("report-retention"),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule report retention: %w", err)
		}
		scheduler.Start()
	}

	healthChecker := observability.NewHealthChecker()
	healthChecker.RegisterCriticalCheck("report_dir", func(ctx context.Context) error {
		probe := filepath.Join(reportDir, ".writecheck")
		if err := os.MkdirAll(reportDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(probe, nil, 0o600); err != nil {
			return err
		}
		return os.Remove(probe)
	})
	healthChecker.RegisterCheck("native_helper", func(ctx context.Context) error {
		if cfg.HelperPath != "" && !engine.NativeAvailable() {
			return fmt.Errorf("configured helper %s unavailable", cfg.HelperPath)
		}
		return nil
	})
	go healthChecker.StartPeriodicChecks(ctx, 10*time.Second)

	orch := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Tracker:   tracker,
		Monitor:   monitor,
		Validator: validator,
		Backups:   backups,
		Rollback:  rollback,
		Transfers: transfers,
		Databases: databases,
		Log:       logger,
		Metrics:   metrics,
	})

	srv := server.NewServer(server.Deps{
		Config:       cfg,
		Store:        store,
		Orchestrator: orch,
		Tracker:      tracker,
		Monitor:      monitor,
		Validator:    validator,
		Presets:      presets,
		Reports:      reports,
		Gate:         gate,
		Health:       healthChecker,
		Log:          logger,
		Metrics:      metrics,
	})

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()

		shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
		if scheduler != nil {
			if err := scheduler.Shutdown(); err != nil {
				logger.Warn("retention scheduler shutdown failed", zap.Error(err))
			}
		}
		orch.Wait()
		monitor.Stop()
		presets.Close()
		transfers.Close()
	}()

	logger.Info("starting web-migrate control plane",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("version", version),
		zap.Bool("native_helper", engine.NativeAvailable()),
		zap.Int("presets", presets.Len()),
	)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	<-done
	return nil
}

var validateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate a migration config",
	Long:  "Run the pre-migration checks against a migration config file and report each finding",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(cmd, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read migration config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var mc config.MigrationConfig
	if err := dec.Decode(&mc); err != nil {
		return fmt.Errorf("parse migration config: %w", err)
	}
	mc.ApplyDefaults()

	metrics := observability.NewMetrics()
	engine := hybrid.NewEngine(ctx, hybrid.Config{
		HelperPath:      cfg.HelperPath,
		HelperTimeout:   cfg.HelperTimeout,
		PreferNative:    cfg.PreferNative,
		FallbackOnError: cfg.FallbackOnError,
	}, logger, metrics)

	validator := validate.NewEngine(validate.Options{
		Stats: engine,
		OnCheck: func(c validate.Check) {
			marker := "PASS"
			switch c.Status {
			case validate.CheckWarning:
				marker = "WARN"
			case validate.CheckFailed:
				marker = "FAIL"
			}
			fmt.Printf("  [%s] %-20s %s\n", marker, c.Name, c.Message)
			if c.Status == validate.CheckFailed && c.Remediation != "" {
				fmt.Printf("         %s\n", c.Remediation)
			}
		},
	}, logger)

	fmt.Printf("Validating %s:\n", args[0])
	summary, err := validator.Validate(ctx, &mc, orchestrator.PhasePre)
	if err != nil {
		return fmt.Errorf("validation aborted: %w", err)
	}

	fmt.Printf("\n%d checks: %d passed, %d failed, %d warnings\n",
		summary.TotalChecks, summary.Passed, summary.Failed, summary.Warnings)
	if !summary.CanProceed {
		return errors.New("validation failed, migration cannot proceed")
	}
	fmt.Println("Configuration is valid, migration can proceed")
	return nil
}

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the preset catalog",
	Long:  "List the migration presets found in the configured preset directory",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runPresets(cmd, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func runPresets(cmd *cobra.Command, args []string) error {
	dir, err := cfg.EffectivePresetDir()
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		fmt.Printf("No presets found in %s\n", dir)
		return nil
	}

	catalog, err := preset.Load(dir, logger)
	if err != nil {
		return fmt.Errorf("load preset catalog: %w", err)
	}
	defer catalog.Close()

	summaries := catalog.List()
	if len(summaries) == 0 {
		fmt.Printf("No presets found in %s\n", dir)
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"ID", "Name", "Description"})
	for _, s := range summaries {
		table.Append([]string{s.ID, s.Name, s.Description})
	}
	table.Render()
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("web-migrate %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.web-migrate/config.json)")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address, overrides the config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(presetsCmd)
	rootCmd.AddCommand(versionCmd)
}

// Package main provides the entry point for the row-level security policy
// check.
package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/liquibase/custom-policychecks/cmd/policycheck/config"
	"github.com/liquibase/custom-policychecks/pkg/handlers"
	"github.com/liquibase/custom-policychecks/pkg/infrastructure/metrics"
	"github.com/liquibase/custom-policychecks/pkg/models"
	"github.com/liquibase/custom-policychecks/pkg/services"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// errCheckFired is returned by the rls command when a violation was found.
var errCheckFired = stderrors.New("row-level security check fired")

var rootCmd = &cobra.Command{
	Use:   "policycheck",
	Short: "Custom policy checks for database migrations",
	Long: `Custom policy checks for database migrations.

The row-level security check verifies that every data-modifying statement
against a protected table is confined to the rows owned by one tenant.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var rlsCmd = &cobra.Command{
	Use:   "rls [sql-file...]",
	Short: "Run the row-level security check over SQL files",
	Long: `Run the row-level security check over SQL files, or standard input
when no file is given. The result is written as JSON or YAML. The command
exits with status 1 when the check fires.

Example:
  DEPLOY_TEAM=RISK policycheck rls --env-var DEPLOY_TEAM \
    --protected-tables FRAMEWORK_CONFIG --team-column SOURCE changes.sql`,
	RunE: runCheck,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the row-level security check over HTTP",
	Long: `Serve the row-level security check over HTTP.

Example:
  policycheck serve --config ./policycheck.yaml
  policycheck serve --address 0.0.0.0:8080 --metrics-address :9090`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(rlsCmd, serveCmd)

	// Shared flags
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("strategy", "auto", "extraction strategy (auto, semantic, lexical)")
	flags.String("message", models.DefaultMessageTemplate, "violation message template")
	flags.String("env-var", "", "environment variable holding the tenant value")
	flags.String("protected-tables", "", "comma-separated list of protected tables")
	flags.String("team-column", "", "column holding the tenant value")

	rlsCmd.Flags().StringP("output", "o", "json", "result format (json, yaml)")

	// Server flags
	serveCmd.Flags().String("address", "0.0.0.0:8080", "server listen address")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	serveCmd.Flags().Bool("metrics", true, "enable Prometheus metrics")
	serveCmd.Flags().String("metrics-address", ":9090", "metrics server address")
	serveCmd.Flags().String("metrics-path", "/metrics", "metrics endpoint path")

	// Bind flags to viper
	if err := viper.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	if err := viper.BindPFlags(rlsCmd.Flags()); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	if err := viper.BindPFlags(serveCmd.Flags()); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	viper.SetEnvPrefix("POLICYCHECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// Add version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Custom Policy Checks\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", commit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if stderrors.Is(err, errCheckFired) {
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Logs go to stderr; stdout carries the result
	logger := setupLogging(cfg.LogLevel, cmd.ErrOrStderr())

	changes, err := readChanges(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	service := services.NewRowSecurityService(
		&loggerAdapter{logger: logger},
		&serviceMetricsAdapter{collector: metrics.NewNoOpCollector()},
	)

	result, err := service.Check(cmd.Context(), &models.CheckRequest{
		Args:            cfg.Check.Args(),
		MessageTemplate: cfg.MessageTemplate,
		Strategy:        models.Strategy(cfg.Strategy),
		Changes:         changes,
	})
	if err != nil {
		return fmt.Errorf("check failed: %w", err)
	}

	if err := writeResult(cmd.OutOrStdout(), result, viper.GetString("output")); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	if result.Fired {
		return errCheckFired
	}
	return nil
}

// readChanges turns each SQL file into one change. Standard input is read
// when no file is given.
func readChanges(paths []string, stdin io.Reader) ([]models.Change, error) {
	if len(paths) == 0 {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read standard input: %w", err)
		}
		return []models.Change{{ID: "stdin", SQL: string(data)}}, nil
	}

	changes := make([]models.Change, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		changes = append(changes, models.Change{ID: filepath.Base(path), SQL: string(data)})
	}
	return changes, nil
}

// writeResult encodes result in the given format.
func writeResult(w io.Writer, result *models.CheckResult, format string) error {
	switch strings.ToLower(format) {
	case "", "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	case "yaml", "yml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(result); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logging
	logger := setupLogging(cfg.LogLevel, os.Stdout)
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Msg("Starting policy check server")

	if configFile := viper.GetString("config"); configFile != "" {
		err := config.Watch(configFile, func(reloaded *config.Config, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Ignoring invalid configuration change")
				return
			}
			zerolog.SetGlobalLevel(parseLevel(reloaded.LogLevel))
			logger.Info().Str("log_level", reloaded.LogLevel).Msg("Configuration reloaded")
		})
		if err != nil {
			return err
		}
	}

	// Create metrics collector
	var metricsCollector metrics.Collector
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsCollector = metrics.NewPrometheusCollector()
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Address, cfg.Metrics.Path)
	} else {
		metricsCollector = metrics.NewNoOpCollector()
	}

	log := &loggerAdapter{logger: logger}
	service := services.NewRowSecurityService(log, &serviceMetricsAdapter{collector: metricsCollector})
	handler := handlers.NewCheckHandler(service, log, &handlerMetricsAdapter{collector: metricsCollector})

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler.Routes(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("address", cfg.Server.Address).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			logger.Info().Str("address", cfg.Metrics.Address).Str("path", cfg.Metrics.Path).Msg("Starting metrics server")
			if err := metricsServer.Start(); err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		// Graceful shutdown
		logger.Info().Dur("timeout", cfg.Server.ShutdownTimeout).Msg("Starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error during server shutdown")
		}

		// Stop metrics server
		if metricsServer != nil {
			if err := metricsServer.Stop(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Error stopping metrics server")
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("Server shutdown complete")
	return err
}

// loadConfig builds the configuration from the config file, then applies
// flags and POLICYCHECK_* environment variables over it.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile := viper.GetString("config"); configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}

	overrideString(&cfg.LogLevel, "log-level")
	overrideString(&cfg.Strategy, "strategy")
	overrideString(&cfg.MessageTemplate, "message")
	overrideString(&cfg.Check.EnvVarName, "env-var")
	overrideString(&cfg.Check.ProtectedTables, "protected-tables")
	overrideString(&cfg.Check.TeamColumn, "team-column")
	overrideString(&cfg.Server.Address, "address")
	overrideString(&cfg.Metrics.Address, "metrics-address")
	overrideString(&cfg.Metrics.Path, "metrics-path")
	if viper.IsSet("shutdown-timeout") {
		cfg.Server.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	}
	if viper.IsSet("metrics") {
		cfg.Metrics.Enabled = viper.GetBool("metrics")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func overrideString(dst *string, key string) {
	if viper.IsSet(key) {
		*dst = viper.GetString(key)
	}
}

func setupLogging(level string, w io.Writer) zerolog.Logger {
	// Configure zerolog
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	// Set log level
	logLevel := parseLevel(level)
	zerolog.SetGlobalLevel(logLevel)
	if logLevel == zerolog.DebugLevel {
		// Enable caller info for debug level
		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			return fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", "policycheck")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

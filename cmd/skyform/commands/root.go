// Package commands implements the skyform CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skyform/skyform/pkg/config"
	"github.com/skyform/skyform/pkg/engine"
	"github.com/skyform/skyform/pkg/providers/sim"
	"github.com/skyform/skyform/pkg/stores"
	"github.com/skyform/skyform/pkg/telemetry"
)

var (
	// Global flags
	documentPath string
	statePath    string
	logLevel     string
	logFormat    string
	metricsAddr  string
	jsonOutput   bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skyform",
		Short: "Skyform - declarative resource provisioning engine",
		Long: `Skyform provisions declared resources in dependency order: it resolves
references between resources into a dependency graph, diffs desired state
against recorded state into a plan, and applies the plan through provider
adapters with bounded parallelism. A built-in fleet reconciler keeps
autoscaling group members registered and healthy in their target group.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&documentPath, "file", "f", "skyform.yaml", "desired-state document path")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "skyform.db", "state database path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newEventsCommand())

	return rootCmd
}

// runtime bundles the shared dependencies commands operate on.
type runtime struct {
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	store    *stores.SQLiteStore
	registry *engine.Registry
	platform *sim.Platform
}

// newRuntime wires logger, metrics, state store, and the provider registry.
// The caller must Close the returned runtime.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	if _, err := metrics.StartMetricsServer(); err != nil {
		return nil, fmt.Errorf("starting metrics server: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: statePath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing state store: %w", err)
	}

	platform := sim.NewPlatform()
	registry := engine.NewRegistry()
	platform.RegisterAdapters(registry)

	return &runtime{
		log:      log,
		metrics:  metrics,
		store:    store,
		registry: registry,
		platform: platform,
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.store.Close(); err != nil {
		rt.log.WithError(err).Warn("closing state store")
	}
}

// loadResources loads the desired-state document and converts it.
func loadResources(path string) (*config.Document, []*engine.Resource, error) {
	doc, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	resources, err := doc.EngineResources()
	if err != nil {
		return nil, nil, err
	}
	return doc, resources, nil
}

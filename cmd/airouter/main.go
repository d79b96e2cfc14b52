// airouter routes LLM requests across local and remote providers with
// fallback, persists sessions, and runs YAML workflows.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"airouter/internal/chain"
	"airouter/internal/config"
	"airouter/internal/provider"
	"airouter/internal/store"
	"airouter/internal/workflow"
)

var (
	// Global flags
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "airouter",
	Short: "airouter - local-first LLM request router",
	Long: `airouter routes LLM requests across an ordered chain of providers
(local subprocess, HTTP API, local daemon) with retry and fallback,
records conversations in a SQLite session store, and executes
YAML-defined multi-step workflows.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "airouter.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// app bundles the wired components a command needs.
type app struct {
	cfg     *config.Config
	catalog *provider.Catalog
	chain   *chain.Chain
	store   *store.Store
}

// buildApp loads configuration and constructs the provider chain, and the
// session store when withStore is set.
func buildApp(ctx context.Context, withStore bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	catalog := provider.NewCatalog(nil)
	if cfg.CatalogPath != "" {
		loaded, err := provider.LoadCatalog(cfg.CatalogPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Debug("no model catalog file", zap.String("path", cfg.CatalogPath))
		case err != nil:
			return nil, err
		default:
			catalog = loaded
		}
	}

	a := &app{cfg: cfg, catalog: catalog}

	if len(cfg.Providers) > 0 {
		registry := provider.NewRegistry()
		deps := provider.Deps{Catalog: catalog, Logger: logger}
		providers := make([]provider.Provider, 0, len(cfg.Providers))
		for _, pc := range cfg.Providers {
			p, err := registry.Build(provider.Kind(pc.Kind), pc.Name, pc.Settings, deps)
			if err != nil {
				closeAll(providers)
				return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
			}
			providers = append(providers, p)
		}
		a.chain, err = chain.New(providers,
			chain.WithRetryPolicy(retryPolicy(cfg.Retry)),
			chain.WithLogger(logger))
		if err != nil {
			closeAll(providers)
			return nil, err
		}
	}

	if withStore {
		storeCfg := store.DefaultConfig(cfg.Store.Path)
		storeCfg.PoolSize = cfg.Store.PoolSize
		storeCfg.Logger = logger
		a.store, err = store.Open(ctx, storeCfg)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) Close() {
	if a.chain != nil {
		if err := a.chain.Close(); err != nil {
			logger.Warn("closing providers", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("closing store", zap.Error(err))
		}
	}
}

// requireChain fails early for commands that need at least one provider.
func (a *app) requireChain() error {
	if a.chain == nil {
		return fmt.Errorf("no providers configured; add a providers section to %s", configPath)
	}
	return nil
}

func (a *app) engine() *workflow.Engine {
	return workflow.NewEngine(a.chain, workflow.Config{
		MaxConcurrent: a.cfg.Workflow.MaxConcurrent,
		TraceDir:      a.cfg.Workflow.TraceDir,
		RedactKeys:    a.cfg.Workflow.RedactKeys,
		Logger:        logger,
		Store:         a.store,
	})
}

func closeAll(providers []provider.Provider) {
	for _, p := range providers {
		_ = p.Close()
	}
}

func retryPolicy(rc config.RetryConfig) chain.RetryPolicy {
	return chain.RetryPolicy{
		MaxAttempts:    rc.MaxAttempts,
		Backoff:        chain.Backoff(rc.Backoff),
		InitialDelay:   rc.InitialDelayDuration(),
		MaxDelay:       rc.MaxDelayDuration(),
		AttemptTimeout: rc.AttemptTimeoutDuration(),
	}
}

// parseKeyValues turns repeated key=value flags into a typed map. Values
// that read as numbers or booleans are converted; everything else stays a
// string.
func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[key] = coerceValue(value)
	}
	return out, nil
}

func coerceValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

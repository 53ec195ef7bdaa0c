// Command quotarouter routes generation requests across free-tier model
// providers and inspects the router's persisted state.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ineyio/quotarouter"
	"github.com/ineyio/quotarouter/meter"
)

var (
	// Global flags
	configPath string
	envFile    string
	verbose    bool

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "quotarouter",
	Short: "Quota-aware router for free-tier model providers",
	Long: `quotarouter picks a provider and model for each generation request,
stays inside every provider's per-minute and per-day limits, and learns
which model serves each task best.

State (quota counters, task profiles, the aggressive-mode switch and the
error log) lives in the configured storage backend, so several processes
can share one budget.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
		}

		config := zap.NewProductionConfig()
		config.Encoding = "console"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
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

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "quotarouter.yaml", "path to the YAML config")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config is expanded")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		discoverCmd,
		routeCmd,
		quotaCmd,
		aggressiveCmd,
		feedbackCmd,
		errorsCmd,
		scanCmd,
		serveCmd,
	)
}

// app is a router wired to its storage for one command.
type app struct {
	cfg    quotarouter.Config
	router *quotarouter.Router
	close  func() error
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := quotarouter.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	router, err := quotarouter.NewRouter(cfg, providers,
		quotarouter.WithStore(store),
		quotarouter.WithMeter(meter.NewZapMeter(logger)),
	)
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	return &app{cfg: cfg, router: router, close: closeStore}, nil
}

// Close flushes the error log and releases the store.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(a.router.Close(ctx), a.close())
}

// withApp runs fn with an open app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	// Flush even if the command's context was cancelled.
	closeErr := a.Close(context.WithoutCancel(ctx))
	return errors.Join(runErr, closeErr)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Command worksafety serves and administers the worker safety risk model.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"worksafety/internal/config"
	"worksafety/internal/core"
	"worksafety/internal/observability"
	"worksafety/internal/server"
	"worksafety/pkg/domain"
)

var (
	configPath string
	jsonOutput bool
	loader     *config.Loader
	logger     *slog.Logger
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "worksafety",
		Short: "Worker safety risk model",
		Long: `worksafety computes per-day risk scores for tasks, locations and projects.
Domain writes publish triggers; the reactor recomputes the affected metrics and
reads band the stored scores into LOW, MEDIUM or HIGH.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			loader, err = config.Load(configPath, nil)
			if err != nil {
				return err
			}
			logger = loader.Config().Logger()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (env WORKSAFETY_* overrides it)")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	root.AddCommand(
		serveCmd(),
		migrateCmd(),
		tenantCmd(),
		libraryCmd(),
		recomputeCmd(),
		rebuildCmd(),
		bandsCmd(),
		riskCmd(),
		siteConditionsCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withApp builds the pipeline from the loaded config for a one-shot command.
func withApp(ctx context.Context, fn func(ctx context.Context, app *core.App) error) error {
	opts := loader.AppOptions()
	opts.Logger = logger
	app, err := core.NewApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	var (
		addr        string
		noScheduler bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reactor, scheduler and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := loader.Config()
			if addr == "" {
				addr = cfg.HTTP.Addr
			}
			shutdownTracing, err := observability.InitTracing(ctx, cfg.TracingOptions("worksafety"))
			if err != nil {
				return err
			}
			defer func() { _ = shutdownTracing(context.Background()) }()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			opts := loader.AppOptions()
			opts.Logger = logger
			opts.Registerer = reg
			app, err := core.NewApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			loader.OnBandsChange(func(b domain.Bands) {
				logger.Info("global bands updated", "bands", len(b))
			})
			loader.Watch()

			if err := app.Start(ctx, !noScheduler); err != nil {
				return err
			}
			handler, err := server.New(server.Config{Bus: app.Bus, Reads: app.Reads, Gatherer: reg, Logger: logger})
			if err != nil {
				return err
			}
			serveErr := server.Run(ctx, addr, handler, logger)

			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.CalculatorDeadline+5*time.Second)
			defer cancel()
			if err := app.Stop(stopCtx); err != nil {
				logger.Warn("stop incomplete", "error", err)
			}
			return serveErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default http.addr)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the sweep and replay schedule")
	return cmd
}

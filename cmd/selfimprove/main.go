package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-selfimprove/internal/allowlist"
	"github.com/miradorstack/mirador-selfimprove/internal/api"
	"github.com/miradorstack/mirador-selfimprove/internal/config"
	"github.com/miradorstack/mirador-selfimprove/internal/ingest"
	"github.com/miradorstack/mirador-selfimprove/internal/livecfg"
	"github.com/miradorstack/mirador-selfimprove/internal/metrics"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
	"github.com/miradorstack/mirador-selfimprove/internal/publish"
	"github.com/miradorstack/mirador-selfimprove/internal/services"
	"github.com/miradorstack/mirador-selfimprove/internal/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "selfimprove",
		Short:         "Self-improvement control loop for the reasoning server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (defaults to $MIRADOR_SI_CONFIG)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the control loop with its HTTP, gRPC health and metrics listeners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration, allowlist and tunables without starting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return checkConfig(cmd, cfg)
		},
	})
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func checkConfig(cmd *cobra.Command, cfg *config.Config) error {
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	registry, err := allowlist.Load(cfg.Allowlist.Path, logger)
	if err != nil {
		return err
	}
	live, err := livecfg.FromConfig(cfg.Tunables)
	if err != nil {
		return fmt.Errorf("tunables: %w", err)
	}
	covered := make(map[string]bool)
	for _, entry := range registry.Entries() {
		covered[entry.Scope.String()] = true
	}
	snapshot := live.Snapshot()
	for scope, value := range snapshot {
		if !covered[scope] {
			logger.Warn("tunable is not covered by any allowlisted action", slog.String("scope", scope), slog.String("value", value.Format()))
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d action kinds, %d tunables, storage=%s, pipes=%s\n",
		len(registry.Kinds()), len(snapshot), cfg.Storage.Driver, cfg.Pipes.Provider)
	return nil
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-selfimprove",
		slog.String("address", cfg.Server.Address),
		slog.String("http_address", cfg.Server.HTTPAddress),
		slog.Bool("enabled", cfg.SelfImprovement.Enabled))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	grpcServer, err := api.NewServer(cfg.Server)
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}
	a.onCircuitChange = func(_, to models.CircuitState) {
		grpcServer.SetServing(to != models.CircuitOpen)
	}

	var changes *publish.ChangePublisher
	if kc := cfg.Ingest.Kafka; kc.ChangeTopic != "" {
		changes = publish.NewChangePublisher(publish.NewKafkaWriter(kc.Brokers, kc.ChangeTopic), 0,
			logger.With(slog.String("component", "publish")))
		unsubscribe := a.live.Subscribe(changes.OnChange)
		defer unsubscribe()
	}

	if err := a.system.Restore(ctx); err != nil {
		logger.Warn("state restore failed, starting fresh", slog.Any("error", err))
	}
	grpcServer.SetServing(a.breaker.State() != models.CircuitOpen)

	control := services.NewControlService(logger.With(slog.String("component", "control")), a.system)
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddress,
		Handler:           api.NewHandler(control, logger.With(slog.String("component", "http"))),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.system.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("gRPC health server listening", slog.String("address", grpcServer.Address()))
		if err := grpcServer.Start(); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("operator API listening", slog.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	if cfg.Ingest.Kafka.Enabled {
		kc := cfg.Ingest.Kafka
		source := ingest.NewKafkaSource(ingest.NewKafkaReader(kc), a.system.Ingest, kc.BatchSize, kc.FlushInterval,
			logger.With(slog.String("component", "kafka")))
		g.Go(func() error {
			logger.Info("kafka ingest started", slog.Any("brokers", kc.Brokers), slog.String("topic", kc.Topic))
			return source.Run(gctx)
		})
	}

	if changes != nil {
		g.Go(func() error {
			logger.Info("config change publisher started", slog.String("topic", cfg.Ingest.Kafka.ChangeTopic))
			return changes.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()
		grpcServer.Shutdown(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", slog.Any("error", err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", slog.Any("error", err))
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("mirador-selfimprove stopped")
	return err
}

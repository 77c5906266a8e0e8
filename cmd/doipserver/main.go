package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skshohagmiah/doip/internal/config"
	"github.com/skshohagmiah/doip/internal/logging"
	"github.com/skshohagmiah/doip/internal/metrics"
	"github.com/skshohagmiah/doip/internal/objects"
	"github.com/skshohagmiah/doip/internal/server"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "doipserver",
		Short:         "DOIP server backed by a digital object store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), initConfigCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DOIP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	flags.register(cmd)
	return cmd
}

func initConfigCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init-config <path>",
		Short: "Write an example configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteExample(args[0], overwrite); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, metrics.DefaultNamespace)

	processors := server.NewRegistry()
	objects.Register(processors)

	srv, err := server.NewFromRegistry(cfg.Server, processors, server.WithLogger(logger), server.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := srv.Listen(); err != nil {
		srv.Shutdown()
		return err
	}

	var metricsServer *http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	if serr := srv.Shutdown(); serr != nil {
		logger.Warn("processor shutdown failed", zap.Error(serr))
	}
	return err
}

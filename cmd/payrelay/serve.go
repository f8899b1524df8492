package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/payrelay/payrelay/internal/config"
	"github.com/payrelay/payrelay/internal/httpapi"
	"github.com/payrelay/payrelay/internal/logging"
	"github.com/payrelay/payrelay/internal/observability"
	"github.com/payrelay/payrelay/internal/registry"
	"github.com/payrelay/payrelay/internal/relay"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the serve subcommand with all flags configured.
// Flag names match the koanf config keys so posflag can overlay them.
func newServeCmd() *cobra.Command {
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay server: the websocket endpoint, the control-plane
HTTP API, and the metrics/health server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("listen-addr", defaults.ListenAddr, "websocket + API listen address")
	flags.String("metrics-addr", defaults.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	flags.String("log-format", defaults.LogFormat, "log format (json or text)")
	flags.String("log-level", defaults.LogLevel, "log level (debug, info, warn, error)")
	flags.Duration("sweep-interval", defaults.SweepInterval, "empty-room sweep interval")
	flags.Int("send-buffer", defaults.SendBuffer, "per-connection outbound buffer size")
	flags.Int("rate-limit-burst", defaults.RateLimitBurst, "inbound frame burst capacity per connection")
	flags.Float64("rate-limit-rate", defaults.RateLimitRate, "sustained inbound frames per second per connection")

	return cmd
}

// runServe starts the relay process and blocks until a shutdown signal.
func runServe(ctx context.Context, cfg config.Config) error {
	logging.SetDefault("payrelay", version, cfg.LogFormat, cfg.LogLevel)

	slog.Info("starting payrelay",
		"listen_addr", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
		"version", version,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New()

	limiter := relay.NewRateLimiter(relay.RateLimiterConfig{
		BurstCapacity: cfg.RateLimitBurst,
		SustainedRate: cfg.RateLimitRate,
	})
	defer limiter.Close()

	// Observability server first: the relay records into its metrics.
	var obsServer *observability.Server
	var metrics *observability.Metrics
	if cfg.MetricsAddr != "" {
		var ready atomic.Bool
		obsServer = observability.NewServer(cfg.MetricsAddr, ready.Load)
		metrics = obsServer.Metrics()

		obsErrCh, err := obsServer.Start()
		if err != nil {
			return err
		}
		go func() {
			if obsErr := <-obsErrCh; obsErr != nil {
				slog.Error("observability server failed", "error", obsErr)
			}
		}()
		defer func() { ready.Store(false) }()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := obsServer.Stop(shutdownCtx); err != nil {
				slog.Warn("error stopping observability server", "error", err)
			}
		}()
		ready.Store(true)
	}

	routerOpts := []relay.RouterOption{}
	serverOpts := []relay.ServerOption{relay.WithSendBuffer(cfg.SendBuffer)}
	if metrics != nil {
		routerOpts = append(routerOpts, relay.WithMetrics(metrics))
		serverOpts = append(serverOpts, relay.WithConnectionMetrics(metrics))
	}

	router := relay.NewRouter(reg, routerOpts...)
	relayServer := relay.NewServer(router, reg, limiter, serverOpts...)

	apiServer := httpapi.New(cfg.ListenAddr, reg, relayServer, version, relayServer.Handler(ctx))
	apiErrCh, err := apiServer.Start()
	if err != nil {
		return err
	}
	go func() {
		if apiErr := <-apiErrCh; apiErr != nil {
			slog.Error("api server failed", "error", apiErr)
		}
	}()

	go reg.RunSweeper(ctx, cfg.SweepInterval)

	slog.Info("payrelay ready", "addr", apiServer.Addr())

	<-ctx.Done()
	slog.Info("shutting down")

	relayServer.Shutdown("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping api server", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

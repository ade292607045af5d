// dfingerd aggregates login presence reported by per-host agents and
// answers finger queries over it (RFC 1288-style, no forwarding).
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

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dfingerd/dfingerd/internal/config"
	"github.com/dfingerd/dfingerd/internal/eventloop"
	"github.com/dfingerd/dfingerd/internal/metrics"
	"github.com/dfingerd/dfingerd/internal/persist"
	"github.com/dfingerd/dfingerd/internal/presence"
	appversion "github.com/dfingerd/dfingerd/internal/version"
)

// defaultConfigPath is used when no path is given on the command line.
const defaultConfigPath = "./config"

// shutdownTimeout bounds how long the metrics HTTP server is given to
// drain connections during graceful shutdown.
const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := defaultConfigPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.LogLevel))
	logger := newLogger(cfg, logLevel)

	logger.Info("dfingerd starting",
		slog.String("version", appversion.Version),
		slog.Int("port", cfg.Port),
		slog.Int("finger_port", cfg.FingerPort),
	)

	store := presence.New(logger)
	if err := persist.Read(cfg.DumpFile, store); err != nil {
		if errors.Is(err, persist.ErrMalformed) {
			logger.Error("snapshot recovery failed: malformed dump file",
				slog.String("path", cfg.DumpFile),
				slog.String("error", err.Error()),
			)
			return 2
		}
		logger.Error("snapshot recovery failed", slog.String("error", err.Error()))
		return 1
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	srv, err := eventloop.New(cfg, store, collector, logger, configPath, logLevel)
	if err != nil {
		logger.Error("failed to start event loop", slog.String("error", err.Error()))
		return 1
	}

	if err := runServers(cfg, srv, reg, logger); err != nil {
		logger.Error("dfingerd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("dfingerd stopped")
	return 0
}

// runServers runs the event loop, the optional metrics HTTP server,
// and signal handling together under one errgroup.
func runServers(cfg *config.Config, srv *eventloop.Server, reg *prometheus.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gCtx)
	})

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = newMetricsServer(cfg, reg)
		g.Go(func() error {
			logger.Info("metrics server listening",
				slog.String("addr", cfg.MetricsAddr),
				slog.String("path", cfg.MetricsPath),
			)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	startSighupHandler(gCtx, g, srv, logger)
	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		notifyStopping(logger)
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

func newMetricsServer(cfg *config.Config, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// startSighupHandler forwards SIGHUP to the event loop's Reconfigure,
// without restarting listeners.
func startSighupHandler(ctx context.Context, g *errgroup.Group, srv *eventloop.Server, logger *slog.Logger) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				logger.Info("received SIGHUP")
				srv.Reconfigure()
			}
		}
	})
}

func newLogger(cfg *config.Config, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// -------------------------------------------------------------------------
// Systemd Integration: sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

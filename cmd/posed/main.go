package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gelson12/bjj-video-analysis/internal/acquire"
	"github.com/gelson12/bjj-video-analysis/internal/api"
	"github.com/gelson12/bjj-video-analysis/internal/config"
	"github.com/gelson12/bjj-video-analysis/internal/core"
	"github.com/gelson12/bjj-video-analysis/internal/logging"
	"github.com/gelson12/bjj-video-analysis/internal/metrics"
	"github.com/gelson12/bjj-video-analysis/internal/pipeline"
	"github.com/gelson12/bjj-video-analysis/internal/progress"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "go.uber.org/automaxprocs"
)

const defaultConfigPath = "config/posed.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "config", *configPath, "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(os.Stdout, cfg.Log, *debug)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("starting posed",
		"config", *configPath,
		"addr", cfg.Server.Addr,
		"video_backend", cfg.Video.Backend,
		"database", cfg.Database.Kind,
		"mqtt", cfg.MQTT.Enabled,
	)

	if err := run(cfg, logger); err != nil {
		slog.Error("posed stopped with error", "error", err)
		closeLog()
		os.Exit(1)
	}
	slog.Info("posed stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bus := progress.New()
	defer bus.Close()

	controller := pipeline.NewController(cfg, pipeline.Deps{}, bus, m, logger)
	downloader := acquire.NewDownloader(cfg.Acquisition, logger, m)
	svc := core.NewService(cfg, controller, downloader, bus, m, logger)
	server := api.NewServer(cfg.Server, svc, reg, logger)

	if err := svc.StartMQTT(ctx, server.ProcessVideoCommand); err != nil {
		return err
	}
	defer svc.StopMQTT()

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- svc.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case runErr = <-serverErr:
		slog.Error("http server failed", "error", runErr)
		cancel()
	}

	timeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", timeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}

	select {
	case err := <-workerDone:
		runErr = errors.Join(runErr, err)
	case <-shutdownCtx.Done():
		runErr = errors.Join(runErr, errors.New("run in progress did not finish before the shutdown timeout"))
	}

	return runErr
}

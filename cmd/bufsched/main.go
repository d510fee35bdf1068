// Command bufsched serves media buffers over QUIC (host mode) or pushes a
// synthetic segment stream into a container (feed mode).
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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/bufsched/internal/config"
	"github.com/zsiec/bufsched/internal/sourcebuf"
)

var version = "dev"

const usage = `usage: bufsched [flags] host|feed

  host  accept buffer sessions over QUIC, backed by an in-memory source
  feed  push synthetic segments into a local or remote container

flags:
`

func main() {
	if err := run(); err != nil {
		slog.Error("bufsched failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	loader := config.NewLoader()
	fs := pflag.NewFlagSet("bufsched", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", os.Getenv("BUFSCHED_CONFIG"), "path to a YAML config file")
	if err := loader.RegisterFlags(fs); err != nil {
		return err
	}
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("exactly one mode is required")
	}
	mode := fs.Arg(0)

	cfg, err := loader.Load(*configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := sourcebuf.NewMetrics(reg, "bufsched")

	slog.Info("bufsched starting", "version", version, "mode", mode, "metrics", cfg.Metrics.Addr)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	switch mode {
	case "host":
		g.Go(func() error { return runHost(ctx, cfg, reg, metrics, log) })
	case "feed":
		g.Go(func() error {
			err := runFeed(ctx, cfg, metrics, log)
			// The feed is the only long-lived component; its end stops the
			// metrics server too.
			cancel()
			return err
		})
	default:
		cancel()
		_ = g.Wait()
		return fmt.Errorf("unknown mode %q", mode)
	}

	return g.Wait()
}

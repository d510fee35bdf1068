package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/bufsched/internal/certs"
	"github.com/zsiec/bufsched/internal/config"
	"github.com/zsiec/bufsched/internal/memsource"
	"github.com/zsiec/bufsched/internal/remote"
	"github.com/zsiec/bufsched/internal/session"
	"github.com/zsiec/bufsched/internal/sourcebuf"
	"github.com/zsiec/bufsched/internal/transport"
)

// runHost accepts sessions until ctx is cancelled. Every session gets its own
// in-memory source, the counterpart of one media container.
func runHost(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, metrics *sourcebuf.Metrics, log *slog.Logger) error {
	sessions := session.NewRegistry(log)
	if err := sessions.Register(reg, "bufsched"); err != nil {
		return fmt.Errorf("register session metrics: %w", err)
	}

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(cfg.Host.CertValidity)
	if err != nil {
		return fmt.Errorf("generate certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ln, err := transport.Listen(cfg.Host.Addr, cert.TLSCert, transport.Config{
		MaxIdleTimeout:  cfg.Host.MaxIdleTimeout,
		KeepAlivePeriod: cfg.Host.KeepAlivePeriod,
	}, log)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer func() {
		if n := sessions.Len(); n > 0 {
			log.Info("waiting for sessions to close", "active", n)
		}
		wg.Wait()
	}()

	for {
		conn, addr, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrNoStream) {
				log.Warn("session rejected", "error", err)
				continue
			}
			return err
		}

		src := memsource.NewSource(memsource.SourceConfig{
			ByteRate: cfg.Source.ByteRate,
			Capacity: cfg.Source.Capacity,
			Latency:  cfg.Source.Latency,
			Log:      log,
		})
		remoteAddr := addr.String()
		if _, ok := sessions.Add(remoteAddr, src); !ok {
			conn.Close()
			continue
		}
		h := remote.NewHost(conn, remote.HostConfig{
			Source:  src,
			Metrics: metrics,
			Log:     log.With("remote", remoteAddr),
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sessions.Remove(remoteAddr)
			if err := h.Run(ctx); err != nil {
				log.Info("session ended with error", "remote", remoteAddr, "error", err)
			}
		}()
	}
}

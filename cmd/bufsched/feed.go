package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zsiec/bufsched/internal/certs"
	"github.com/zsiec/bufsched/internal/config"
	"github.com/zsiec/bufsched/internal/container"
	"github.com/zsiec/bufsched/internal/media"
	"github.com/zsiec/bufsched/internal/memsource"
	"github.com/zsiec/bufsched/internal/remote"
	"github.com/zsiec/bufsched/internal/sourcebuf"
	"github.com/zsiec/bufsched/internal/transport"
)

// runFeed pushes cfg.Feed.Segments segments into every configured buffer,
// evicting media older than cfg.Feed.Retain, then sets the duration and ends
// the stream. With zero segments it pushes until ctx is cancelled.
func runFeed(ctx context.Context, cfg *config.Config, metrics *sourcebuf.Metrics, log *slog.Logger) error {
	kinds, err := cfg.Feed.ParseKinds()
	if err != nil {
		return err
	}

	backend, closeBackend, err := newBackend(ctx, cfg, metrics, log)
	if err != nil {
		return err
	}
	defer closeBackend()

	c := container.New(backend, container.Config{Log: log})
	defer c.Close()
	if err := c.Open(); err != nil {
		return err
	}

	ends := make([]float64, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		buf, err := c.AddBuffer(kind, cfg.Feed.CodecFor(kind))
		if err != nil {
			return err
		}
		g.Go(func() error {
			end, err := feedBuffer(gctx, buf, cfg.Feed, log)
			ends[i] = end
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	var duration float64
	for _, end := range ends {
		duration = max(duration, end)
	}
	if err := c.SetDuration(duration); err != nil {
		return err
	}
	if err := c.MaintainEndOfStream(); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.WaitState(waitCtx, container.StateEnded); err != nil {
		return fmt.Errorf("waiting for end of stream: %w", err)
	}
	log.Info("feed complete", "duration", duration)
	return nil
}

// newBackend returns an in-process backend, or dials the configured host.
// The returned func releases the connection.
func newBackend(ctx context.Context, cfg *config.Config, metrics *sourcebuf.Metrics, log *slog.Logger) (container.Backend, func(), error) {
	if cfg.Feed.Remote == "" {
		src := memsource.NewSource(memsource.SourceConfig{
			ByteRate: cfg.Source.ByteRate,
			Capacity: cfg.Source.Capacity,
			Latency:  cfg.Source.Latency,
			Log:      log,
		})
		return container.NewLocalBackend(src, metrics, log), func() {}, nil
	}

	tlsConf, err := certs.PinnedTLSConfig(cfg.Feed.Fingerprint)
	if err != nil {
		return nil, nil, err
	}
	conn, err := transport.Dial(ctx, cfg.Feed.Remote, tlsConf, transport.Config{
		MaxIdleTimeout:  cfg.Host.MaxIdleTimeout,
		KeepAlivePeriod: cfg.Host.KeepAlivePeriod,
	})
	if err != nil {
		return nil, nil, err
	}

	client := remote.NewClient(conn, remote.ClientConfig{Metrics: metrics, Log: log})
	// The client outlives ctx so that closing the container can still send
	// its dispose messages.
	runCtx, stop := context.WithCancel(context.Background())
	go func() {
		if err := client.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Warn("remote session ended", "error", err)
		}
	}()
	log.Info("connected to host", "addr", cfg.Feed.Remote, "session", client.Session())

	return container.NewRemoteBackend(client), func() {
		stop()
		<-client.Done()
	}, nil
}

// feedBuffer pushes segments into buf and returns the end of the buffered
// media.
func feedBuffer(ctx context.Context, buf sourcebuf.Buffer, cfg config.FeedConfig, log *slog.Logger) (float64, error) {
	log = log.With("kind", buf.Kind())
	segment := make([]byte, cfg.SegmentBytes)

	pace := rate.NewLimiter(rate.Inf, 1)
	if cfg.Interval > 0 {
		pace = rate.NewLimiter(rate.Every(cfg.Interval), 1)
	}

	var (
		end  float64
		last media.Ranges
	)
	for i := 0; cfg.Segments == 0 || i < cfg.Segments; i++ {
		if err := pace.Wait(ctx); err != nil {
			return end, nil
		}

		ranges, err := appendSegment(ctx, buf, segment, last, log)
		if err != nil {
			if ctx.Err() != nil {
				return end, nil
			}
			return end, fmt.Errorf("append %s segment %d: %w", buf.Kind(), i, err)
		}
		if len(ranges) == 0 {
			continue
		}
		last = ranges
		start := ranges[0].Start
		end = ranges[len(ranges)-1].End
		log.Debug("segment buffered", "segment", i, "buffered", ranges)

		if cfg.Retain > 0 && end-start > cfg.Retain {
			if _, err := removeRange(ctx, buf, start, end-cfg.Retain); err != nil && ctx.Err() == nil {
				return end, fmt.Errorf("evict %s [%g,%g): %w", buf.Kind(), start, end-cfg.Retain, err)
			}
		}
	}
	return end, nil
}

// appendSegment appends data. When the buffer is full the older half of the
// buffered media is evicted and the append retried once. last is the result
// of the previous append, used when buf cannot report its ranges.
func appendSegment(ctx context.Context, buf sourcebuf.Buffer, data []byte, last media.Ranges, log *slog.Logger) (media.Ranges, error) {
	ranges, err := appendData(ctx, buf, data)
	if !sourcebuf.IsBufferFull(err) {
		return ranges, err
	}

	held, ok := buf.Buffered()
	if !ok {
		held = last
	}
	if len(held) == 0 {
		return nil, err
	}
	start, end := held[0].Start, held[len(held)-1].End
	mid := start + (end-start)/2
	log.Warn("buffer full, evicting", "start", start, "end", mid)
	if _, rerr := removeRange(ctx, buf, start, mid); rerr != nil {
		return nil, errors.Join(err, rerr)
	}
	return appendData(ctx, buf, data)
}

func appendData(ctx context.Context, buf sourcebuf.Buffer, data []byte) (media.Ranges, error) {
	f, err := buf.AppendData(data, media.PushParams{})
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

func removeRange(ctx context.Context, buf sourcebuf.Buffer, start, end float64) (media.Ranges, error) {
	f, err := buf.RemoveRange(start, end)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

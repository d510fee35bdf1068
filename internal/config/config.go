// Package config loads the bufsched process configuration from defaults, an
// optional YAML file and BUFSCHED_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zsiec/bufsched/internal/media"
)

// Config is the root configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Host    HostConfig    `mapstructure:"host"`
	Source  SourceConfig  `mapstructure:"source"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HostConfig configures the QUIC listener of host mode.
type HostConfig struct {
	Addr            string        `mapstructure:"addr"`
	CertValidity    time.Duration `mapstructure:"cert_validity"`
	MaxIdleTimeout  time.Duration `mapstructure:"max_idle_timeout"`
	KeepAlivePeriod time.Duration `mapstructure:"keep_alive_period"`
}

// SourceConfig configures the simulated media source behind every buffer.
type SourceConfig struct {
	ByteRate float64       `mapstructure:"byte_rate"`
	Capacity int           `mapstructure:"capacity"`
	Latency  time.Duration `mapstructure:"latency"`
}

// FeedConfig configures feed mode. An empty Remote feeds an in-process
// source; otherwise Remote is the address of a host.
type FeedConfig struct {
	Remote       string        `mapstructure:"remote"`
	Fingerprint  string        `mapstructure:"fingerprint"`
	Kinds        []string      `mapstructure:"kinds"`
	Codec        CodecConfig   `mapstructure:"codec"`
	SegmentBytes int           `mapstructure:"segment_bytes"`
	Segments     int           `mapstructure:"segments"`
	Interval     time.Duration `mapstructure:"interval"`
	// Retain is how many seconds of media stay buffered behind the newest
	// segment. Zero keeps everything.
	Retain float64 `mapstructure:"retain"`
}

// CodecConfig names the codec used for each media kind.
type CodecConfig struct {
	Audio string `mapstructure:"audio"`
	Video string `mapstructure:"video"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables
// it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Loader reads configuration through a private viper instance.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader reading BUFSCHED_ environment variables.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BUFSCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// RegisterFlags defines command-line overrides for the most used settings
// on fs and binds them. Flags take precedence over the environment and the
// file.
func (l *Loader) RegisterFlags(fs *pflag.FlagSet) error {
	fs.String("log.level", "", "log level (debug, info, warn, error)")
	fs.String("host.addr", "", "QUIC listen address in host mode")
	fs.String("feed.remote", "", "host address to feed; empty feeds an in-process source")
	fs.String("feed.fingerprint", "", "base64 SHA-256 fingerprint of the host certificate")
	fs.Int("feed.segments", 0, "number of segments to push per kind; 0 pushes until interrupted")
	fs.String("metrics.addr", "", "Prometheus listen address; empty disables")

	for _, name := range []string{"log.level", "host.addr", "feed.remote", "feed.fingerprint", "feed.segments", "metrics.addr"} {
		if err := l.v.BindPFlag(name, fs.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads path, if given and present, and returns the validated result.
func (l *Loader) Load(path string) (*Config, error) {
	l.setDefaults()

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "text")

	l.v.SetDefault("host.addr", ":4480")
	l.v.SetDefault("host.cert_validity", 14*24*time.Hour)
	l.v.SetDefault("host.max_idle_timeout", 30*time.Second)
	l.v.SetDefault("host.keep_alive_period", 10*time.Second)

	l.v.SetDefault("source.byte_rate", 250_000.0)
	l.v.SetDefault("source.capacity", 64<<20)
	l.v.SetDefault("source.latency", 2*time.Millisecond)

	l.v.SetDefault("feed.remote", "")
	l.v.SetDefault("feed.fingerprint", "")
	l.v.SetDefault("feed.kinds", []string{"audio", "video"})
	l.v.SetDefault("feed.codec.audio", "mp4a.40.2")
	l.v.SetDefault("feed.codec.video", "avc1.64001f")
	l.v.SetDefault("feed.segment_bytes", 125_000)
	l.v.SetDefault("feed.segments", 30)
	l.v.SetDefault("feed.interval", 100*time.Millisecond)
	l.v.SetDefault("feed.retain", 10.0)

	l.v.SetDefault("metrics.addr", ":9090")
}

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s", c.Log.Format)
	}

	if c.Host.Addr == "" {
		return errors.New("host.addr is required")
	}
	if c.Host.CertValidity <= 0 {
		return fmt.Errorf("invalid host.cert_validity: %v", c.Host.CertValidity)
	}

	if c.Source.ByteRate <= 0 {
		return fmt.Errorf("invalid source.byte_rate: %g", c.Source.ByteRate)
	}
	if c.Source.Capacity < 0 {
		return fmt.Errorf("invalid source.capacity: %d", c.Source.Capacity)
	}
	if c.Source.Latency < 0 {
		return fmt.Errorf("invalid source.latency: %v", c.Source.Latency)
	}

	if _, err := c.Feed.ParseKinds(); err != nil {
		return err
	}
	if c.Feed.Remote != "" && c.Feed.Fingerprint == "" {
		return errors.New("feed.fingerprint is required with feed.remote")
	}
	if c.Feed.SegmentBytes <= 0 {
		return fmt.Errorf("invalid feed.segment_bytes: %d", c.Feed.SegmentBytes)
	}
	if c.Feed.Segments < 0 {
		return fmt.Errorf("invalid feed.segments: %d", c.Feed.Segments)
	}
	if c.Feed.Interval < 0 {
		return fmt.Errorf("invalid feed.interval: %v", c.Feed.Interval)
	}
	if c.Feed.Retain < 0 {
		return fmt.Errorf("invalid feed.retain: %g", c.Feed.Retain)
	}
	return nil
}

// ParseKinds returns the configured media kinds, without duplicates.
func (f FeedConfig) ParseKinds() ([]media.Kind, error) {
	if len(f.Kinds) == 0 {
		return nil, errors.New("feed.kinds is required")
	}
	var out []media.Kind
	seen := make(map[media.Kind]bool)
	for _, s := range f.Kinds {
		k, err := media.ParseKind(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("feed.kinds: %w", err)
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out, nil
}

// CodecFor returns the configured codec for kind.
func (f FeedConfig) CodecFor(k media.Kind) string {
	if k == media.KindAudio {
		return f.Codec.Audio
	}
	return f.Codec.Video
}

func (c LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	return lvl, nil
}

// NewLogger builds the slog logger described by c.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	lvl, err := c.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

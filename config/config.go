// Package config loads natsflow settings from YAML and turns them into a
// logger, connection options and consumer definitions.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ValerySidorin/natsflow/client"
	"github.com/ValerySidorin/natsflow/internal/observability"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log           LogConfig                 `yaml:"log"`
	NATS          NATSConfig                `yaml:"nats"`
	Observability observability.Config      `yaml:"observability"`
	Consumers     map[string]ConsumerConfig `yaml:"consumers"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Type  string `yaml:"type"`
}

type NATSConfig struct {
	URL              string        `yaml:"url"`
	Name             string        `yaml:"name"`
	Timeout          time.Duration `yaml:"timeout"`
	WriteDeadline    time.Duration `yaml:"write_deadline"`
	MaxControlLine   int           `yaml:"max_control_line"`
	DispatchPoolSize int           `yaml:"dispatch_pool_size"`
	APIPrefix        string        `yaml:"api_prefix"`
	Domain           string        `yaml:"domain"`
}

// ConsumerConfig binds a consumer to its stream together with the pull
// settings used by its listener or iterator.
type ConsumerConfig struct {
	Stream  string                 `yaml:"stream"`
	Config  client.ConsumerConfig  `yaml:"config"`
	Options client.ConsumerOptions `yaml:"options"`
}

func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}

	if c.Log.Type != "json" && c.Log.Type != "text" {
		c.Log.Type = "text"
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}

	if c.NATS.Timeout == 0 {
		c.NATS.Timeout = 10 * time.Second
	}

	if c.NATS.WriteDeadline == 0 {
		c.NATS.WriteDeadline = 10 * time.Second
	}

	if c.Observability.Metrics.Enabled && c.Observability.Metrics.Addr == "" {
		c.Observability.Metrics.Addr = ":9090"
	}

	if c.Observability.Tracing.Enabled && c.Observability.Tracing.SampleRatio == 0 {
		c.Observability.Tracing.SampleRatio = 1
	}

	for name, cc := range c.Consumers {
		if cc.Config.Durable == "" && cc.Config.Name == "" {
			cc.Config.Durable = name
		}
		c.Consumers[name] = cc
	}
}

// Validate checks every consumer definition, filling in pull defaults.
func (c *Config) Validate() error {
	for name, cc := range c.Consumers {
		if cc.Stream == "" {
			return fmt.Errorf("consumer %q: stream not specified", name)
		}
		if err := cc.Options.ValidateAndSetDefaults(); err != nil {
			return fmt.Errorf("consumer %q: %w", name, err)
		}
		c.Consumers[name] = cc
	}

	return nil
}

// Logger builds the slog logger described by the log section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLogLevel(c.Log.Level),
	}

	switch c.Log.Type {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func (c *Config) ClientOptions(l *slog.Logger) []client.Option {
	opts := []client.Option{
		client.WithLogger(l),
		client.WithTimeout(c.NATS.Timeout),
		client.WithWriteDeadline(c.NATS.WriteDeadline),
	}
	if c.NATS.Name != "" {
		opts = append(opts, client.WithName(c.NATS.Name))
	}
	if c.NATS.MaxControlLine > 0 {
		opts = append(opts, client.WithMaxControlLine(c.NATS.MaxControlLine))
	}
	if c.NATS.DispatchPoolSize > 0 {
		opts = append(opts, client.WithDispatchPoolSize(c.NATS.DispatchPoolSize))
	}
	return opts
}

func (c *Config) JetStreamOptions() []client.JetStreamOption {
	var opts []client.JetStreamOption
	if c.NATS.Domain != "" {
		opts = append(opts, client.WithDomain(c.NATS.Domain))
	} else if c.NATS.APIPrefix != "" {
		opts = append(opts, client.WithAPIPrefix(c.NATS.APIPrefix))
	}
	return opts
}

// InitObservability starts the metrics endpoint and the trace exporter
// enabled in the observability section. The returned func shuts both down.
func (c *Config) InitObservability(ctx context.Context, l *slog.Logger) (func(context.Context) error, error) {
	return observability.Init(ctx, c.Observability, l)
}

func parseLogLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads the first config file found. An empty filePath searches the
// usual locations.
func Load(filePath string) (*Config, error) {
	paths := []string{}

	if filePath == "" {
		paths = append(paths, "./config.yaml", "conf/config.yaml", "config/config.yaml")
	} else {
		paths = append(paths, filePath)
	}

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg Config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", p, err)
		}

		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validate config %s: %w", p, err)
		}
		return &cfg, nil
	}

	return nil, fmt.Errorf("failed to find config in: %v", paths)
}

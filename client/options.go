package client

import (
	"log/slog"
	"time"

	"github.com/ValerySidorin/natsflow/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
)

type Option func(c *Conn)

func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		c.l = l
	}
}

// WithTimeout bounds requests and the connect handshake.
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.timeout = d
	}
}

func WithWriteDeadline(d time.Duration) Option {
	return func(c *Conn) {
		c.wdl = d
	}
}

func WithName(name string) Option {
	return func(c *Conn) {
		c.name = name
	}
}

// WithDispatchPoolSize limits the number of listeners that can run on the
// connection at once.
func WithDispatchPoolSize(n int) Option {
	return func(c *Conn) {
		c.poolSize = n
	}
}

func WithMaxControlLine(n int) Option {
	return func(c *Conn) {
		c.maxControlLine = n
	}
}

// WithMetrics registers the client collectors with reg and turns metric
// recording on. Collectors are process wide and are registered with the
// first registerer only.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Conn) {
		observability.RegisterMetrics(reg)
	}
}

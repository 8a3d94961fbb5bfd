// Package client opens connections to the upstream proxy.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"authproxy/internal/config"
	"authproxy/internal/metrics"
)

// ErrDial marks a failed connection attempt to the upstream proxy.
var ErrDial = errors.New("upstream proxy unreachable")

// UpstreamClient connects to the single fixed upstream proxy.
type UpstreamClient struct {
	addr    string
	dialer  *net.Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with the configured connect timeout.
// The metrics parameter is optional; pass nil to disable dial metrics.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	return &UpstreamClient{
		addr: cfg.Upstream.Address,
		dialer: &net.Dialer{
			Timeout:   cfg.Upstream.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Addr returns the upstream proxy address.
func (c *UpstreamClient) Addr() string {
	return c.addr
}

// Dial makes a single connection attempt to the upstream proxy. There is no
// retry; a timeout, refusal or resolution failure is returned wrapped in ErrDial.
func (c *UpstreamClient) Dial(ctx context.Context) (net.Conn, error) {
	start := time.Now()
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	duration := time.Since(start).Seconds()

	if err != nil {
		if c.metrics != nil {
			c.metrics.DialDuration.WithLabelValues("error").Observe(duration)
			c.metrics.DialFailures.Inc()
		}
		c.logger.Debug("upstream dial failed", "addr", c.addr, "err", err)
		return nil, fmt.Errorf("%w: dial %s: %w", ErrDial, c.addr, err)
	}

	if c.metrics != nil {
		c.metrics.DialDuration.WithLabelValues("ok").Observe(duration)
	}
	return conn, nil
}

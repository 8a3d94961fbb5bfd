// Package service implements the per-connection proxy logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync/atomic"
	"time"

	"authproxy/internal/client"
	"authproxy/internal/config"
	"authproxy/internal/httphead"
	"authproxy/internal/metrics"
	"authproxy/internal/model"
	"authproxy/internal/relay"
)

// tunnelEstablished is sent to the client once the upstream accepted a CONNECT.
const tunnelEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"

// ConnHandler drives one client connection from the first byte to close:
// read the request head, connect upstream, then either negotiate a tunnel
// (CONNECT) or forward the rewritten request, and finally relay bytes.
type ConnHandler struct {
	upstream      *client.UpstreamClient
	logger        *slog.Logger
	metrics       *metrics.Metrics
	authorization string
	idle          time.Duration
	maxHead       int

	active atomic.Int64
	nextID atomic.Uint64
}

// NewConnHandler creates a ConnHandler.
// The metrics parameter is optional; pass nil to disable connection metrics.
func NewConnHandler(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ConnHandler {
	return &ConnHandler{
		upstream:      c,
		logger:        logger.With("component", "conn_handler"),
		metrics:       m,
		authorization: cfg.Upstream.Authorization(),
		idle:          cfg.Upstream.IdleTimeout(),
		maxHead:       cfg.Server.MaxHeaderBytes,
	}
}

// Active returns the number of connections currently being served.
func (h *ConnHandler) Active() int64 {
	return h.active.Load()
}

// exchange collects what happened on one connection for logs and metrics.
type exchange struct {
	kind    model.Kind
	target  string
	outcome model.Outcome
	status  int
	relay   relay.Result
	err     error
}

func (x *exchange) fail(outcome model.Outcome, err error) *exchange {
	x.outcome = outcome
	x.err = err
	return x
}

// Serve handles conn until the exchange is over. It never panics on peer
// misbehaviour and always closes conn before returning. Canceling ctx aborts
// the exchange and closes both legs.
func (h *ConnHandler) Serve(ctx context.Context, conn net.Conn) {
	start := time.Now()
	id := h.nextID.Add(1)

	h.active.Add(1)
	if h.metrics != nil {
		h.metrics.ConnectionsActive.Inc()
	}
	defer func() {
		h.active.Add(-1)
		if h.metrics != nil {
			h.metrics.ConnectionsActive.Dec()
		}
	}()

	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	x := h.serve(ctx, conn)
	h.record(x, id, conn.RemoteAddr(), time.Since(start))
}

func (h *ConnHandler) serve(ctx context.Context, conn net.Conn) *exchange {
	x := &exchange{kind: model.KindUnknown, outcome: model.OutcomeOK}

	if h.idle > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.idle))
	}
	head, rest, err := httphead.ReadHead(conn, h.maxHead)
	if err != nil {
		switch {
		case errors.Is(err, httphead.ErrClosedBeforeHead):
			return x.fail(model.OutcomeAbortedClient, nil)
		case errors.Is(err, httphead.ErrHeadTooLarge):
			return x.fail(model.OutcomeMalformed, err)
		default:
			return x.fail(model.OutcomeAbortedClient, fmt.Errorf("read request head: %w", err))
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	req, err := httphead.ParseRequest(head)
	if err != nil {
		return x.fail(model.OutcomeMalformed, err)
	}
	x.kind = req.Kind()
	x.target = req.Target

	up, err := h.upstream.Dial(ctx)
	if err != nil {
		return x.fail(model.OutcomeUpstreamUnreachable, err)
	}
	defer func() { _ = up.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = up.Close() })
	defer stop()

	if req.IsConnect() {
		return h.tunnel(ctx, conn, up, req, rest, x)
	}
	return h.forward(ctx, conn, up, req, rest, x)
}

// tunnel asks the upstream to CONNECT to the requested target and, once it
// agrees, pumps bytes both ways. A refusal is passed to the client as received.
func (h *ConnHandler) tunnel(ctx context.Context, conn, up net.Conn, req *model.RequestHead, early []byte, x *exchange) *exchange {
	if _, err := writeWithin(up, httphead.ConnectRequest(req.Target, h.authorization), h.idle); err != nil {
		return x.fail(model.OutcomeUpstreamAborted, fmt.Errorf("send CONNECT: %w", err))
	}

	if h.idle > 0 {
		_ = up.SetReadDeadline(time.Now().Add(h.idle))
	}
	resp, upEarly, err := httphead.ReadHead(up, h.maxHead)
	if err != nil {
		return x.fail(model.OutcomeUpstreamAborted, fmt.Errorf("read CONNECT response: %w", err))
	}
	_ = up.SetReadDeadline(time.Time{})

	code, err := httphead.ParseStatus(resp)
	x.status = code
	if err != nil || code != 200 {
		if h.metrics != nil {
			h.metrics.TunnelRejections.WithLabelValues(metrics.StatusLabel(code)).Inc()
		}
		n, werr := writeWithin(conn, slices.Concat(resp, upEarly), h.idle)
		x.relay.Downstream = int64(n)
		if werr != nil {
			return x.fail(model.OutcomeTunnelRejected, fmt.Errorf("relay rejection: %w", werr))
		}
		return x.fail(model.OutcomeTunnelRejected, err)
	}

	if _, err := writeWithin(conn, slices.Concat([]byte(tunnelEstablished), upEarly), h.idle); err != nil {
		return x.fail(model.OutcomeAbortedClient, fmt.Errorf("confirm tunnel: %w", err))
	}
	if len(early) > 0 {
		if _, err := writeWithin(up, early, h.idle); err != nil {
			return x.fail(model.OutcomeUpstreamAborted, fmt.Errorf("send early data: %w", err))
		}
	}

	res, err := relay.Pump(ctx, conn, up, h.idle)
	res.Upstream += int64(len(early))
	res.Downstream += int64(len(upEarly))
	x.relay = res
	return h.finish(x, res, err)
}

// forward sends the request head, with credentials injected, plus whatever
// body bytes arrived with it, then streams the response back until the
// upstream closes. One request per client connection.
func (h *ConnHandler) forward(ctx context.Context, conn, up net.Conn, req *model.RequestHead, body []byte, x *exchange) *exchange {
	out := httphead.Assemble(req.RequestLine, httphead.InjectAuth(req.Lines, h.authorization), body)
	if _, err := writeWithin(up, out, h.idle); err != nil {
		return x.fail(model.OutcomeUpstreamAborted, fmt.Errorf("send request: %w", err))
	}

	res, err := relay.Stream(ctx, conn, up, h.idle)
	res.Upstream += int64(len(out))
	x.relay = res
	return h.finish(x, res, err)
}

// writeWithin writes p to c and gives up once d passes without completion.
// A non-positive d writes without a deadline.
func writeWithin(c net.Conn, p []byte, d time.Duration) (int, error) {
	if d > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(d))
		defer func() { _ = c.SetWriteDeadline(time.Time{}) }()
	}
	return c.Write(p)
}

func (h *ConnHandler) finish(x *exchange, res relay.Result, err error) *exchange {
	switch {
	case err != nil:
		return x.fail(model.OutcomeRelayError, err)
	case res.Reason == relay.ReasonIdle:
		x.outcome = model.OutcomeIdle
	}
	return x
}

func (h *ConnHandler) record(x *exchange, id uint64, remote net.Addr, d time.Duration) {
	if h.metrics != nil {
		h.metrics.ConnectionsTotal.WithLabelValues(string(x.kind), string(x.outcome)).Inc()
		h.metrics.ConnectionDuration.WithLabelValues(string(x.kind)).Observe(d.Seconds())
		h.metrics.RelayedBytes.WithLabelValues(metrics.DirectionUpstream).Add(float64(x.relay.Upstream))
		h.metrics.RelayedBytes.WithLabelValues(metrics.DirectionDownstream).Add(float64(x.relay.Downstream))
	}

	attrs := []any{
		"conn_id", id,
		"remote", remote.String(),
		"kind", x.kind,
		"target", x.target,
		"outcome", x.outcome,
		"duration_ms", d.Milliseconds(),
		"bytes_up", x.relay.Upstream,
		"bytes_down", x.relay.Downstream,
	}
	if x.status != 0 {
		attrs = append(attrs, "upstream_status", x.status)
	}
	if x.err != nil {
		attrs = append(attrs, "err", x.err)
	}

	switch x.outcome {
	case model.OutcomeUpstreamUnreachable, model.OutcomeUpstreamAborted:
		h.logger.Warn("connection failed", attrs...)
	case model.OutcomeTunnelRejected:
		h.logger.Info("tunnel rejected by upstream", attrs...)
	default:
		h.logger.Debug("connection closed", attrs...)
	}
}

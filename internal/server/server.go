// Package server runs the local proxy listener and its accept loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"authproxy/internal/config"
	"authproxy/internal/service"
)

// Server accepts client connections and hands each one to its own goroutine.
type Server struct {
	addr     string
	upstream string
	handler  *service.ConnHandler
	logger   *slog.Logger
	limiter  *rate.Limiter
	out      io.Writer

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server for the configured listen address.
func New(cfg *config.Config, h *service.ConnHandler, logger *slog.Logger) *Server {
	s := &Server{
		addr:     cfg.Server.Addr(),
		upstream: cfg.Upstream.Address,
		handler:  h,
		logger:   logger.With("component", "server"),
		out:      os.Stdout,
	}
	if cfg.Server.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.AcceptRate), max(cfg.Server.AcceptBurst, 1))
	}
	return s
}

// Register ties the server to the application lifecycle.
func Register(lc fx.Lifecycle, s *Server) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}

// Start binds the listener and runs the accept loop in the background.
// A bind failure is returned; it is the only fatal runtime error.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}
	s.ln = ln

	serveCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	_, _ = fmt.Fprintf(s.out, "Local proxy on %s -> %s\n", ln.Addr(), s.upstream)
	s.logger.Info("starting proxy", "addr", ln.Addr().String(), "upstream", s.upstream)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(serveCtx, ln); err != nil {
			s.logger.Error("accept loop stopped", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections on ln until ctx is done or ln is closed.
// Accept errors are logged and retried with backoff; they never end the loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var tempDelay time.Duration
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if limit := 1 * time.Second; tempDelay > limit {
				tempDelay = limit
			}
			s.logger.Error("accept failed", "err", err, "retry_in", tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		tempDelay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler.Serve(ctx, conn)
		}()
	}
}

// Stop closes the listener and aborts in-flight connections. It waits for
// their handlers to return or for ctx to expire, whichever comes first.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.logger.Info("shutting down proxy")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections: %w", ctx.Err())
	}
}

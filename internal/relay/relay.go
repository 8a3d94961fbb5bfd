// Package relay copies bytes between an accepted client connection and its
// upstream connection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const bufferSize = 64 * 1024

// Reason tells why a relay stopped.
type Reason string

const (
	ReasonEOF      Reason = "eof"
	ReasonIdle     Reason = "idle"
	ReasonCanceled Reason = "canceled"
	ReasonError    Reason = "error"
)

// Result summarizes a finished relay.
// Upstream counts bytes written towards the upstream, Downstream bytes written
// towards the client.
type Result struct {
	Upstream   int64
	Downstream int64
	Reason     Reason
}

var (
	errEOF  = errors.New("end of stream")
	errIdle = errors.New("idle timeout")
)

// activity is the time of the last successful read in any direction.
type activity struct {
	last atomic.Int64
}

func (a *activity) touch() {
	a.last.Store(time.Now().UnixNano())
}

func (a *activity) deadline(idle time.Duration) time.Time {
	return time.Unix(0, a.last.Load()).Add(idle)
}

// Pump copies data between client and upstream in both directions until one
// side reaches end of stream, neither side delivers data for idle, ctx is done,
// or an I/O error occurs. A half-close ends the whole pump.
//
// End of stream, idle expiry and cancellation are normal terminations and
// return a nil error. Both connections are closed when Pump returns.
// A non-positive idle disables the idle check.
func Pump(ctx context.Context, client, upstream net.Conn, idle time.Duration) (Result, error) {
	var act activity
	act.touch()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		_ = client.Close()
		_ = upstream.Close()
	})
	defer stop()

	var res Result
	g.Go(func() error {
		n, err := pipe(upstream, client, idle, &act)
		res.Upstream = n
		return err
	})
	g.Go(func() error {
		n, err := pipe(client, upstream, idle, &act)
		res.Downstream = n
		return err
	})

	err := g.Wait()
	_ = client.Close()
	_ = upstream.Close()

	res.Reason, err = classify(ctx, err)
	return res, err
}

// Stream copies data from upstream to client until upstream reaches end of
// stream, no data arrives for idle, ctx is done, or an I/O error occurs.
// Bytes from client are read and discarded, never forwarded. Both connections
// are closed when Stream returns.
//
// When upstream finishes normally, client gets a FIN first and is drained for
// up to lingerTimeout so that closing does not reset the connection while the
// client still reads the response.
func Stream(ctx context.Context, client, upstream net.Conn, idle time.Duration) (Result, error) {
	var act activity
	act.touch()

	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = upstream.Close()
	})
	defer stop()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		_, _ = io.Copy(io.Discard, client)
	}()

	var res Result
	var err error
	res.Downstream, err = pipe(client, upstream, idle, &act)
	_ = upstream.Close()

	res.Reason, err = classify(ctx, err)
	if res.Reason == ReasonEOF {
		linger(client, idle, drained)
	}
	_ = client.Close()
	<-drained

	return res, err
}

// lingerTimeout bounds how long a finished client is drained before close.
const lingerTimeout = 2 * time.Second

type closeWriter interface {
	CloseWrite() error
}

func linger(client net.Conn, idle time.Duration, drained <-chan struct{}) {
	cw, ok := client.(closeWriter)
	if !ok || cw.CloseWrite() != nil {
		return
	}
	wait := lingerTimeout
	if idle > 0 && idle < wait {
		wait = idle
	}
	_ = client.SetReadDeadline(time.Now().Add(wait))
	<-drained
}

func classify(ctx context.Context, err error) (Reason, error) {
	switch {
	case ctx.Err() != nil:
		return ReasonCanceled, nil
	case errors.Is(err, errEOF), err == nil:
		return ReasonEOF, nil
	case errors.Is(err, errIdle):
		return ReasonIdle, nil
	default:
		return ReasonError, err
	}
}

// pipe copies src to dst. The read deadline tracks the shared activity so a
// direction that is silent while the other one flows is not considered idle.
func pipe(dst, src net.Conn, idle time.Duration, act *activity) (int64, error) {
	buf := make([]byte, bufferSize)
	var written int64
	for {
		if idle > 0 {
			deadline := act.deadline(idle)
			if !time.Now().Before(deadline) {
				return written, errIdle
			}
			_ = src.SetReadDeadline(deadline)
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			act.touch()
			if idle > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(idle))
			}
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("write %s: %w", dst.RemoteAddr(), werr)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, errEOF
			}
			if idle > 0 && isTimeout(rerr) {
				continue
			}
			return written, fmt.Errorf("read %s: %w", src.RemoteAddr(), rerr)
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

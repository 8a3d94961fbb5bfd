package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"authproxy/internal/client"
	"authproxy/internal/config"
	"authproxy/internal/httphead"
	"authproxy/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startUpstream runs a fake upstream proxy that answers every request with a
// short response naming the request target, then closes.
func startUpstream(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer c.Close()
				head, _, err := httphead.ReadHead(c, 0)
				if err != nil {
					return
				}
				req, err := httphead.ParseRequest(head)
				if err != nil {
					return
				}
				if req.IsConnect() {
					_, _ = c.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
					_, _ = io.Copy(c, c)
					return
				}
				_, _ = fmt.Fprintf(c, "HTTP/1.1 200 OK\r\n\r\n%s", req.Target)
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	return ln.Addr().String()
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *bytes.Buffer) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := service.NewConnHandler(client.NewUpstreamClient(cfg, logger, nil), cfg, logger, nil)
	s := New(cfg, h, logger)
	var out bytes.Buffer
	s.out = &out
	return s, &out
}

func testConfig(upstream string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0, MaxHeaderBytes: 64 * 1024},
		Upstream: config.UpstreamConfig{
			Address:               upstream,
			Credential:            "user:pass",
			ConnectTimeoutSeconds: 2,
			IdleTimeoutSeconds:    5,
		},
	}
}

func startServer(t *testing.T, cfg *config.Config) (*Server, *bytes.Buffer) {
	t.Helper()
	s, out := newTestServer(t, cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return s, out
}

func get(t *testing.T, addr, target string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := fmt.Fprintf(c, "GET %s HTTP/1.1\r\nHost: example.com\r\n\r\n", target); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

func TestServer_StartupLine(t *testing.T) {
	upstream := startUpstream(t)
	s, out := startServer(t, testConfig(upstream))

	want := fmt.Sprintf("Local proxy on %s -> %s\n", s.Addr(), upstream)
	if out.String() != want {
		t.Errorf("startup output = %q, want %q", out.String(), want)
	}
	if !strings.HasPrefix(s.Addr().String(), "127.0.0.1:") {
		t.Errorf("Addr() = %q, want loopback", s.Addr())
	}
}

func TestServer_ConcurrentConnections(t *testing.T) {
	upstream := startUpstream(t)
	s, _ := startServer(t, testConfig(upstream))
	addr := s.Addr().String()

	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			target := fmt.Sprintf("http://example.com/%d", i)
			c, err := net.Dial("tcp", addr)
			if err != nil {
				errs <- err.Error()
				return
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(5 * time.Second))
			_, _ = fmt.Fprintf(c, "GET %s HTTP/1.1\r\n\r\n", target)
			b, _ := io.ReadAll(c)
			if want := "HTTP/1.1 200 OK\r\n\r\n" + target; string(b) != want {
				errs <- fmt.Sprintf("got %q, want %q", b, want)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Error(e)
	}
}

func TestServer_SurvivesBadConnections(t *testing.T) {
	upstream := startUpstream(t)
	s, _ := startServer(t, testConfig(upstream))
	addr := s.Addr().String()

	// A client that hangs up mid-head, and one that sends garbage.
	for _, payload := range []string{"GET http://exa", "GARBAGE\r\n\r\n"} {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = c.Write([]byte(payload))
		_ = c.Close()
	}

	if got := get(t, addr, "http://example.com/after"); got != "HTTP/1.1 200 OK\r\n\r\nhttp://example.com/after" {
		t.Errorf("response after bad clients = %q", got)
	}
}

func TestServer_SurvivesUnreachableUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := ln.Addr().String()
	_ = ln.Close()

	s, _ := startServer(t, testConfig(dead))
	addr := s.Addr().String()

	for range 3 {
		if got := get(t, addr, "http://example.com/"); got != "" {
			t.Errorf("response = %q, want connection closed without response", got)
		}
	}
}

func TestServer_BindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	cfg := testConfig("127.0.0.1:1")
	cfg.Server.Port = busy.Addr().(*net.TCPAddr).Port

	s, _ := newTestServer(t, cfg)
	if err := s.Start(context.Background()); err == nil {
		_ = s.Stop(context.Background())
		t.Fatal("Start() expected bind error, got nil")
	}
}

func TestServer_StopAbortsTunnels(t *testing.T) {
	upstream := startUpstream(t)
	s, _ := newTestServer(t, testConfig(upstream))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	c, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	_, _ = c.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	buf := make([]byte, len("HTTP/1.1 200 Connection established\r\n\r\n"))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Error("expected tunnel to be closed after Stop")
	}
	if _, err := net.DialTimeout("tcp", s.Addr().String(), time.Second); err == nil {
		t.Error("expected listener to be closed after Stop")
	}
}

func TestServer_AcceptRateLimited(t *testing.T) {
	upstream := startUpstream(t)
	cfg := testConfig(upstream)
	cfg.Server.AcceptRate = 5
	cfg.Server.AcceptBurst = 1
	s, _ := startServer(t, cfg)
	addr := s.Addr().String()

	start := time.Now()
	for range 3 {
		if got := get(t, addr, "http://example.com/"); !strings.HasPrefix(got, "HTTP/1.1 200 OK") {
			t.Fatalf("response = %q", got)
		}
	}
	// Burst 1 at 5/s: the second and third accepts wait ~200ms each.
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("3 connections served in %v, want throttling", elapsed)
	}
}

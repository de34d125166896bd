// Package testutil provides common test utilities for go-dmtp.
package testutil

import (
	"context"
	"log/slog"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/service"
)

var (
	// Default logger for tests
	defaultSlogHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
	DefaultLogger = slog.New(defaultSlogHandler)
)

// TestService runs a service on a loopback TCP listener and an httptest
// WebSocket endpoint.
type TestService struct {
	*service.Service
	TCPAddr string
	HTTP    *httptest.Server
	WSURL   string
}

// NewTestService creates a service and starts both listeners. Everything
// is shut down with the test.
func NewTestService(t *testing.T, opts ...service.Option) *TestService {
	t.Helper()

	finalOpts := append([]service.Option{service.WithLogger(DefaultLogger)}, opts...)
	svc, err := service.New(finalOpts...)
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := svc.ServeTCP(ctx, ln); err != nil {
			t.Logf("ServeTCP: %v", err)
		}
	}()

	srv := httptest.NewServer(svc.UpgradeHandler())
	ts := &TestService{
		Service: svc,
		TCPAddr: ln.Addr().String(),
		HTTP:    srv,
		WSURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	}

	t.Cleanup(func() {
		cancel()
		<-served
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = svc.Shutdown(shutdownCtx)
		srv.Close()
	})
	return ts
}

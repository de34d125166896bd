package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

// ServeTCP accepts raw TCP connections on ln and runs the handshake for
// each one on its own goroutine. It returns nil once ctx is done or the
// service shuts down, closing ln.
func (s *Service) ServeTCP(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.mainCtx, cancel)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.config.logger.Info("Serving TCP", "service", s.config.name, "addr", ln.Addr().String())
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = nextAcceptDelay(delay)
				s.config.logger.Warn("TCP accept error, retrying", "error", err, "delay", delay)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			return fmt.Errorf("service: accept: %w", err)
		}
		delay = 0

		tr := transport.AdoptTCP(conn, s.transportOptions())
		go func() {
			if _, err := s.Accept(ctx, tr, nil); err != nil {
				s.config.logger.Debug("TCP handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		return time.Second
	}
	return d
}

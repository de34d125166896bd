// Command dmtpd hosts a DMTP service on a raw TCP listener and a WebSocket
// endpoint, with an admin API on a separate address.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lightforgemedia/go-dmtp/assets"
	"github.com/lightforgemedia/go-dmtp/internal/logging"
	"github.com/lightforgemedia/go-dmtp/pkg/admin"
	"github.com/lightforgemedia/go-dmtp/pkg/config"
	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
	"github.com/lightforgemedia/go-dmtp/pkg/eventsink"
	"github.com/lightforgemedia/go-dmtp/pkg/service"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a config file (toml, yaml or json)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "dmtpd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Close()
	logger := log.Logger
	slog.SetDefault(logger)

	policy, err := service.ParseConflictPolicy(cfg.Service.ConflictPolicy)
	if err != nil {
		return err
	}

	opts := service.DefaultOptions()
	opts.Name = cfg.Service.Name
	opts.Logger = logger
	opts.Resolver = cfg.Resolver
	opts.HandshakeTimeout = cfg.Service.HandshakeTimeout
	opts.MailboxSize = cfg.Service.MailboxSize
	opts.RequestTimeout = cfg.Service.RequestTimeout
	opts.WriteTimeout = cfg.Service.WriteTimeout
	opts.PingInterval = cfg.Service.PingInterval
	opts.ReadLimit = cfg.Service.ReadLimit
	opts.ConflictPolicy = policy
	opts.Metrics = cfg.Service.Metrics

	svc, err := service.NewWithOptions(opts)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := registerHandlers(svc); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ln net.Listener
	if cfg.Service.TCPListen != "" {
		ln, err = net.Listen("tcp", cfg.Service.TCPListen)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", cfg.Service.TCPListen, err)
		}
	}

	var httpServer *http.Server
	if cfg.Service.HTTPListen != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Service.WSPath, svc.UpgradeHandler())
		mux.Handle("/js/", http.StripPrefix("/js/", assets.ScriptHandler()))
		httpServer = &http.Server{
			Addr:              cfg.Service.HTTPListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	var adminServer *http.Server
	if cfg.Admin.Listen != "" {
		router := admin.NewRouter(svc, admin.Options{
			Logger:      logger,
			CORSOrigins: cfg.Admin.CORSOrigins,
			Metrics:     cfg.Service.Metrics,
		})
		adminServer = &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if ln != nil {
		g.Go(func() error {
			logger.Info("TCP listener started", "addr", ln.Addr().String())
			return svc.ServeTCP(gctx, ln)
		})
	}
	if httpServer != nil {
		g.Go(func() error {
			logger.Info("HTTP server started", "addr", httpServer.Addr, "ws_path", cfg.Service.WSPath)
			return listenAndServe(httpServer)
		})
	}
	if adminServer != nil {
		g.Go(func() error {
			logger.Info("Admin server started", "addr", adminServer.Addr)
			return listenAndServe(adminServer)
		})
	}
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, logger, func(next config.Config) {
				if next.Log.Level == cfg.Log.Level {
					return
				}
				if err := log.SetLevel(next.Log.Level); err != nil {
					logger.Warn("Ignoring log level from reloaded config", "error", err)
					return
				}
				cfg.Log.Level = next.Log.Level
			})
		})
	}
	if cfg.NATS.URL != "" {
		sink, err := eventsink.Connect(eventsink.Options{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Logger:  logger,
		})
		if err != nil {
			logger.Warn("Event sink disabled", "url", cfg.NATS.URL, "error", err)
		} else {
			events := svc.Subscribe(gctx)
			g.Go(func() error {
				defer sink.Close()
				return sink.Run(gctx, events)
			})
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", "service", svc.Name())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range []*http.Server{httpServer, adminServer} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		if err := svc.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("service shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("Stopped", "service", svc.Name())
	return err
}

func listenAndServe(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	}
	return nil
}

// Built-in topics answered by every dmtpd instance.
const (
	TopicEcho = "dmtp.echo"
	TopicTime = "dmtp.time"
	TopicWho  = "dmtp.whoami"
)

type timeResponse struct {
	Now string `json:"now" cbor:"now"`
}

type whoamiResponse struct {
	Identity string `json:"identity" cbor:"identity"`
	Remote   string `json:"remote" cbor:"remote"`
}

func registerHandlers(svc *service.Service) error {
	if err := svc.Handle(TopicEcho, func(_ dmtp.SessionClient, req map[string]any) (map[string]any, error) {
		return req, nil
	}); err != nil {
		return err
	}
	if err := svc.Handle(TopicTime, func(_ dmtp.SessionClient, _ map[string]any) (timeResponse, error) {
		return timeResponse{Now: time.Now().Format(time.RFC3339)}, nil
	}); err != nil {
		return err
	}
	return svc.Handle(TopicWho, func(s dmtp.SessionClient, _ map[string]any) (whoamiResponse, error) {
		return whoamiResponse{Identity: s.ID(), Remote: s.RemoteAddr()}, nil
	})
}

// Command dmtpctl is a DMTP client: it writes config templates and sends
// requests to a running dmtpd.
//
//	dmtpctl config init [-o dmtp.toml] [-force]
//	dmtpctl config validate -config dmtp.toml
//	dmtpctl call [-config dmtp.toml] [-kind tcp|websocket] [-id name] <topic> [json]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/lightforgemedia/go-dmtp/internal/logging"
	"github.com/lightforgemedia/go-dmtp/pkg/client"
	"github.com/lightforgemedia/go-dmtp/pkg/config"
	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
	"github.com/lightforgemedia/go-dmtp/pkg/factory"
	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "dmtpctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() error {
	return errors.New("usage: dmtpctl config init|validate ... | dmtpctl call [flags] <topic> [json]")
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return usage()
	}
	switch args[0] {
	case "config":
		if len(args) < 2 {
			return usage()
		}
		switch args[1] {
		case "init":
			return configInit(args[2:], stdout)
		case "validate":
			return configValidate(args[2:], stdout)
		}
		return usage()
	case "call":
		return call(args[1:], stdout)
	default:
		return usage()
	}
}

func configInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	output := fs.String("o", "", "output path (stdout when empty)")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *output == "" {
		return config.WriteTemplate(stdout, config.Default())
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if *force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(*output, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", *output, err)
	}
	if err := config.WriteTemplate(f, config.Default()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote config template to %s\n", *output)
	return nil
}

func configValidate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	path := fs.String("config", "", "config file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("config validate: -config is required")
	}
	if _, err := config.Load(*path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s is valid\n", *path)
	return nil
}

func call(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	path := fs.String("config", "", "config file")
	kind := fs.String("kind", "", "transport override: tcp or websocket")
	identity := fs.String("id", "", "identity to request (random when empty)")
	timeout := fs.Duration("timeout", 0, "request timeout (config default when zero)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("call: missing topic")
	}
	topic := fs.Arg(0)
	var payload any = map[string]any{}
	if raw := strings.TrimSpace(strings.Join(fs.Args()[1:], " ")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return fmt.Errorf("call: payload is not valid JSON: %w", err)
		}
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if *kind != "" {
		cfg.Transport.Kind = *kind
	}
	if *timeout > 0 {
		cfg.Service.RequestTimeout = *timeout
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := dial(ctx, cfg, log.Logger, *identity)
	if err != nil {
		return err
	}
	defer c.Close("dmtpctl done")

	var resp any
	if err := c.Request(ctx, topic, payload, &resp, cfg.Service.RequestTimeout); err != nil {
		var remote *dmtp.RemoteError
		if errors.As(err, &remote) {
			return fmt.Errorf("%s answered %d: %s", topic, remote.Code, remote.Message)
		}
		return err
	}
	log.Logger.Debug("Request answered", "topic", topic, "identity", c.ID(), "session_age", c.Since())
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func dial(ctx context.Context, cfg config.Config, logger *slog.Logger, identity string) (*client.Client, error) {
	topts := transport.Options{
		Address:        cfg.Transport.Address,
		URL:            cfg.Transport.URL,
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		KeepAlive:      cfg.Transport.KeepAlive,
		ReadLimit:      cfg.Transport.ReadLimit,
	}
	fopts := []factory.Option{
		factory.WithLogger(logger),
		factory.WithConnectTimeout(cfg.Transport.ConnectTimeout),
		factory.WithGracefulDispose(cfg.Transport.GracefulDispose),
	}
	copts := client.DefaultOptions()
	copts.Logger = logger
	copts.Identity = identity
	copts.Resolver = cfg.Resolver
	copts.HandshakeTimeout = cfg.Service.HandshakeTimeout
	copts.RequestTimeout = cfg.Service.RequestTimeout
	copts.WriteTimeout = cfg.Service.WriteTimeout

	switch cfg.Transport.Kind {
	case "websocket", "ws":
		return client.DialWithOptions(ctx, withRetry(factory.NewWebSocket(fopts...), cfg, logger), topts, copts)
	default:
		return client.DialWithOptions(ctx, withRetry(factory.NewTCP(fopts...), cfg, logger), topts, copts)
	}
}

func withRetry[T transport.ConnectableClient](f *factory.Factory[T], cfg config.Config, logger *slog.Logger) factory.Connector[T] {
	if cfg.Transport.RetryAttempts <= 0 {
		return f
	}
	backoff := factory.DefaultBackoffConfig()
	backoff.MaxAttempts = cfg.Transport.RetryAttempts
	backoff.MaxDelay = 2 * time.Second
	return factory.NewRetrying[T](f, backoff, logger)
}

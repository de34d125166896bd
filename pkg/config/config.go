// Package config loads dmtpd and dmtpctl configuration from a file, an
// optional .env file and DMTP_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/lightforgemedia/go-dmtp/pkg/resolver"
)

// EnvPrefix prefixes environment overrides: DMTP_SERVICE_TCP_LISTEN sets
// service.tcp_listen.
const EnvPrefix = "DMTP"

// Config is the root configuration.
type Config struct {
	Transport TransportConfig  `mapstructure:"transport"`
	Resolver  resolver.Options `mapstructure:"resolver"`
	Service   ServiceConfig    `mapstructure:"service"`
	Admin     AdminConfig      `mapstructure:"admin"`
	Log       LogConfig        `mapstructure:"log"`
	NATS      NATSConfig       `mapstructure:"nats"`
}

// TransportConfig is the dialing side used by dmtpctl.
type TransportConfig struct {
	// Kind is "tcp" or "websocket".
	Kind            string        `mapstructure:"kind"`
	Address         string        `mapstructure:"address"`
	URL             string        `mapstructure:"url"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	GracefulDispose bool          `mapstructure:"graceful_dispose"`
	KeepAlive       time.Duration `mapstructure:"keepalive"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
}

type ServiceConfig struct {
	Name             string        `mapstructure:"name"`
	TCPListen        string        `mapstructure:"tcp_listen"`
	HTTPListen       string        `mapstructure:"http_listen"`
	WSPath           string        `mapstructure:"ws_path"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MailboxSize      int           `mapstructure:"mailbox_size"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	// ConflictPolicy is "reject" or "replace".
	ConflictPolicy string `mapstructure:"conflict_policy"`
	Metrics        bool   `mapstructure:"metrics"`
}

type AdminConfig struct {
	Listen      string   `mapstructure:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LogConfig selects the handler, level and optional rotated log file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// NATSConfig enables the lifecycle event sink when URL is set.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// Default returns a Config populated with defaults.
func Default() Config {
	return Config{
		Transport: TransportConfig{
			Kind:            "tcp",
			Address:         "127.0.0.1:7400",
			URL:             "ws://127.0.0.1:7401/dmtp",
			ConnectTimeout:  5 * time.Second,
			GracefulDispose: true,
			KeepAlive:       15 * time.Second,
			ReadLimit:       1 << 20,
		},
		Resolver: resolver.DefaultOptions(),
		Service: ServiceConfig{
			Name:             "dmtp",
			TCPListen:        ":7400",
			HTTPListen:       ":7401",
			WSPath:           "/dmtp",
			HandshakeTimeout: 5 * time.Second,
			MailboxSize:      64,
			RequestTimeout:   10 * time.Second,
			WriteTimeout:     10 * time.Second,
			PingInterval:     30 * time.Second,
			ReadLimit:        1 << 20,
			ConflictPolicy:   "reject",
			Metrics:          true,
		},
		Admin: AdminConfig{
			Listen: "127.0.0.1:7402",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		NATS: NATSConfig{
			Subject: "dmtp.events",
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides. A .env file in the working directory is loaded first when
// present; variables already set win over it.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults seeds every key so env-only configuration works; viper only
// consults the environment for keys it knows about.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("transport.kind", d.Transport.Kind)
	v.SetDefault("transport.address", d.Transport.Address)
	v.SetDefault("transport.url", d.Transport.URL)
	v.SetDefault("transport.connect_timeout", d.Transport.ConnectTimeout)
	v.SetDefault("transport.graceful_dispose", d.Transport.GracefulDispose)
	v.SetDefault("transport.keepalive", d.Transport.KeepAlive)
	v.SetDefault("transport.read_limit", d.Transport.ReadLimit)
	v.SetDefault("transport.retry_attempts", d.Transport.RetryAttempts)

	v.SetDefault("resolver.plugins", d.Resolver.Plugins)
	v.SetDefault("resolver.serializer", d.Resolver.Serializer)
	v.SetDefault("resolver.identity", d.Resolver.Identity)

	v.SetDefault("service.name", d.Service.Name)
	v.SetDefault("service.tcp_listen", d.Service.TCPListen)
	v.SetDefault("service.http_listen", d.Service.HTTPListen)
	v.SetDefault("service.ws_path", d.Service.WSPath)
	v.SetDefault("service.handshake_timeout", d.Service.HandshakeTimeout)
	v.SetDefault("service.mailbox_size", d.Service.MailboxSize)
	v.SetDefault("service.request_timeout", d.Service.RequestTimeout)
	v.SetDefault("service.write_timeout", d.Service.WriteTimeout)
	v.SetDefault("service.ping_interval", d.Service.PingInterval)
	v.SetDefault("service.read_limit", d.Service.ReadLimit)
	v.SetDefault("service.conflict_policy", d.Service.ConflictPolicy)
	v.SetDefault("service.metrics", d.Service.Metrics)

	v.SetDefault("admin.listen", d.Admin.Listen)
	v.SetDefault("admin.cors_origins", d.Admin.CORSOrigins)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject", d.NATS.Subject)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Transport.Kind {
	case "tcp":
		if c.Transport.Address == "" {
			errs = append(errs, errors.New("transport.address is required for tcp"))
		}
	case "websocket":
		if c.Transport.URL == "" {
			errs = append(errs, errors.New("transport.url is required for websocket"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind '%s' must be 'tcp' or 'websocket'", c.Transport.Kind))
	}
	if c.Transport.ConnectTimeout < 0 {
		errs = append(errs, errors.New("transport.connect_timeout must be non-negative"))
	}
	if c.Transport.RetryAttempts < 0 {
		errs = append(errs, errors.New("transport.retry_attempts must be non-negative"))
	}
	if c.Service.TCPListen == "" && c.Service.HTTPListen == "" {
		errs = append(errs, errors.New("service needs tcp_listen or http_listen"))
	}
	if c.Service.HTTPListen != "" && !strings.HasPrefix(c.Service.WSPath, "/") {
		errs = append(errs, fmt.Errorf("service.ws_path '%s' must start with '/'", c.Service.WSPath))
	}
	if c.Service.HandshakeTimeout < 0 || c.Service.RequestTimeout < 0 || c.Service.WriteTimeout < 0 || c.Service.PingInterval < 0 {
		errs = append(errs, errors.New("service timeouts must be non-negative"))
	}
	if c.Service.MailboxSize < 0 {
		errs = append(errs, errors.New("service.mailbox_size must be non-negative"))
	}
	switch c.Service.ConflictPolicy {
	case "", "reject", "replace":
	default:
		errs = append(errs, fmt.Errorf("service.conflict_policy '%s' must be 'reject' or 'replace'", c.Service.ConflictPolicy))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format '%s' must be 'text' or 'json'", c.Log.Format))
	}
	if err := c.Resolver.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

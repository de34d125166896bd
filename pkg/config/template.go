package config

import (
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors Config with durations as strings, the form Load
// accepts back.
type fileConfig struct {
	Transport fileTransport `toml:"transport"`
	Resolver  fileResolver  `toml:"resolver"`
	Service   fileService   `toml:"service"`
	Admin     fileAdmin     `toml:"admin"`
	Log       fileLog       `toml:"log"`
	NATS      fileNATS      `toml:"nats"`
}

type fileTransport struct {
	Kind            string `toml:"kind"`
	Address         string `toml:"address"`
	URL             string `toml:"url"`
	ConnectTimeout  string `toml:"connect_timeout"`
	GracefulDispose bool   `toml:"graceful_dispose"`
	KeepAlive       string `toml:"keepalive"`
	ReadLimit       int64  `toml:"read_limit"`
	RetryAttempts   int    `toml:"retry_attempts"`
}

type fileResolver struct {
	Plugins    []string `toml:"plugins"`
	Serializer string   `toml:"serializer"`
	Identity   string   `toml:"identity"`
}

type fileService struct {
	Name             string `toml:"name"`
	TCPListen        string `toml:"tcp_listen"`
	HTTPListen       string `toml:"http_listen"`
	WSPath           string `toml:"ws_path"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	MailboxSize      int    `toml:"mailbox_size"`
	RequestTimeout   string `toml:"request_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	PingInterval     string `toml:"ping_interval"`
	ReadLimit        int64  `toml:"read_limit"`
	ConflictPolicy   string `toml:"conflict_policy"`
	Metrics          bool   `toml:"metrics"`
}

type fileAdmin struct {
	Listen      string   `toml:"listen"`
	CORSOrigins []string `toml:"cors_origins"`
}

type fileLog struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

type fileNATS struct {
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
}

func dur(d time.Duration) string { return d.String() }

func toFile(c Config) fileConfig {
	plugins := c.Resolver.Plugins
	if plugins == nil {
		plugins = []string{}
	}
	origins := c.Admin.CORSOrigins
	if origins == nil {
		origins = []string{}
	}
	return fileConfig{
		Transport: fileTransport{
			Kind:            c.Transport.Kind,
			Address:         c.Transport.Address,
			URL:             c.Transport.URL,
			ConnectTimeout:  dur(c.Transport.ConnectTimeout),
			GracefulDispose: c.Transport.GracefulDispose,
			KeepAlive:       dur(c.Transport.KeepAlive),
			ReadLimit:       c.Transport.ReadLimit,
			RetryAttempts:   c.Transport.RetryAttempts,
		},
		Resolver: fileResolver{
			Plugins:    plugins,
			Serializer: c.Resolver.Serializer,
			Identity:   c.Resolver.Identity,
		},
		Service: fileService{
			Name:             c.Service.Name,
			TCPListen:        c.Service.TCPListen,
			HTTPListen:       c.Service.HTTPListen,
			WSPath:           c.Service.WSPath,
			HandshakeTimeout: dur(c.Service.HandshakeTimeout),
			MailboxSize:      c.Service.MailboxSize,
			RequestTimeout:   dur(c.Service.RequestTimeout),
			WriteTimeout:     dur(c.Service.WriteTimeout),
			PingInterval:     dur(c.Service.PingInterval),
			ReadLimit:        c.Service.ReadLimit,
			ConflictPolicy:   c.Service.ConflictPolicy,
			Metrics:          c.Service.Metrics,
		},
		Admin: fileAdmin{
			Listen:      c.Admin.Listen,
			CORSOrigins: origins,
		},
		Log: fileLog{
			Level:      c.Log.Level,
			Format:     c.Log.Format,
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
		NATS: fileNATS{
			URL:     c.NATS.URL,
			Subject: c.NATS.Subject,
		},
	}
}

// WriteTemplate writes c as TOML that Load reads back unchanged.
func WriteTemplate(w io.Writer, c Config) error {
	if _, err := io.WriteString(w, "# dmtp configuration. Environment overrides use the DMTP_ prefix,\n# e.g. DMTP_SERVICE_TCP_LISTEN=:9000\n\n"); err != nil {
		return err
	}
	if err := toml.NewEncoder(w).Encode(toFile(c)); err != nil {
		return fmt.Errorf("config: encode template: %w", err)
	}
	return nil
}

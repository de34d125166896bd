// Package admin exposes the online registry over HTTP: enumerate, look up
// and close sessions, plus health and Prometheus metrics.
package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
	"github.com/lightforgemedia/go-dmtp/pkg/metrics"
)

// Registry is the service surface the admin API reads and controls.
type Registry interface {
	Name() string
	Len() int
	Lookup(id string) (dmtp.SessionClient, error)
	Online() []dmtp.SessionClient
	CloseByID(id, reason string) error
}

// Options configures the router.
type Options struct {
	Logger      *slog.Logger
	CORSOrigins []string
	// Metrics mounts /metrics and records request metrics.
	Metrics bool
}

// SessionView is the JSON form of a session.
type SessionView struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Online bool   `json:"online"`
	Remote string `json:"remote"`
}

func viewOf(sc dmtp.SessionClient) SessionView {
	return SessionView{
		ID:     sc.ID(),
		State:  sc.State().String(),
		Online: sc.Online(),
		Remote: sc.RemoteAddr(),
	}
}

// NewRouter builds the admin router for reg.
func NewRouter(reg Registry, opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	if opts.Metrics {
		metrics.Register()
		r.Use(requestMetrics())
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  reg.Name(),
			"sessions": reg.Len(),
			"uptime":   time.Since(started).Round(time.Second).String(),
		})
	})
	if opts.Metrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	r.GET("/sessions", func(c *gin.Context) {
		online := reg.Online()
		views := make([]SessionView, 0, len(online))
		for _, sc := range online {
			views = append(views, viewOf(sc))
		}
		c.JSON(http.StatusOK, gin.H{"sessions": views, "count": len(views)})
	})

	r.GET("/sessions/:id", func(c *gin.Context) {
		sc, err := reg.Lookup(c.Param("id"))
		if err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, viewOf(sc))
	})

	r.DELETE("/sessions/:id", func(c *gin.Context) {
		id := c.Param("id")
		reason := c.DefaultQuery("reason", "closed by admin")
		if err := reg.CloseByID(id, reason); err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		logger.Info("Session closed by admin", "session", id, "reason", reason)
		c.JSON(http.StatusOK, gin.H{"status": "closed", "id": id})
	})

	return r
}

func statusOf(err error) int {
	if errors.Is(err, dmtp.ErrSessionNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "http_request",
			"method", c.Request.Method,
			"path", routePath(c),
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.RecordHTTPRequest(c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

// Package api exposes research sessions over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/researchview/internal/delivery"
	"github.com/user/researchview/internal/state"
)

// RouterConfig holds the optional collaborators of the router.
type RouterConfig struct {
	Events       *state.EventLog
	Exports      *state.ExportStore
	Inbox        *delivery.Inbox
	AllowOrigins []string
	Logger       *slog.Logger
}

// SetupRouter builds the gin engine serving the session and history API.
func SetupRouter(sessions Sessions, history HistoryReader, cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(cfg.Logger))
	if len(cfg.AllowOrigins) > 0 {
		r.Use(cors(cfg.AllowOrigins))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := NewHandler(sessions, history, cfg.Events, cfg.Exports, cfg.Inbox, cfg.Logger)
	h.RegisterRoutes(r.Group("/api"))
	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func cors(allowOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		for _, o := range allowOrigins {
			if o == "*" || o == origin {
				if origin == "" {
					origin = "*"
				}
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Content-Type")
				break
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

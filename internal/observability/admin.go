package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusFunc returns a JSON-serialisable runtime snapshot.
type StatusFunc func() any

// NewAdminRouter builds the admin surface: health, status snapshot, metrics.
// Browser dashboards on corsOrigins may read it.
func NewAdminRouter(node string, logger zerolog.Logger, status StatusFunc, corsOrigins ...string) *gin.Engine {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	started := time.Now()
	router := gin.New()
	router.Use(gin.Recovery(), adminMiddleware(node, logger))
	if len(corsOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": node,
			"uptime":  time.Since(started).Round(time.Second).String(),
		})
	})
	router.GET("/status", func(c *gin.Context) {
		if status == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no status provider"})
			return
		}
		c.JSON(http.StatusOK, status())
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// unmatchedRoute labels requests that hit no route, keeping the path label
// bounded when the admin port is scanned.
const unmatchedRoute = "unmatched"

// adminMiddleware records every admin request in the HTTP metrics and logs
// it. Prometheus scrapes are only counted; failures log at warn.
func adminMiddleware(node string, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		RecordHTTPRequest(node, c.Request.Method, route, status, elapsed)

		if route == "/metrics" && status < http.StatusBadRequest {
			return
		}
		event := logger.Debug()
		if status >= http.StatusBadRequest {
			event = logger.Warn()
		}
		event.
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", elapsed).
			Str("remote", c.ClientIP()).
			Msg("admin request")
	}
}

// ServeAdmin serves handler on addr until ctx is cancelled.
func ServeAdmin(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("admin listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

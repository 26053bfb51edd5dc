package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/robolab/teleopctl/internal/observability"
)

const adminVersion = "0.1.0"

// NewAdminRouter builds the HTTP admin surface: liveness, readiness,
// Prometheus metrics and a session listing. It serves operators, not the
// control channel; robots never touch it.
func NewAdminRouter(srv *Server, logger zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(logger))
	router.Use(observability.RequestMetricsMiddleware("teleopd"))
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = router.SetTrustedProxies(nil)

	started := time.Now()

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(started).String(),
			"component": "teleopd",
			"version":   adminVersion,
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":     true,
			"uptime":    time.Since(started).String(),
			"component": "teleopd",
			"version":   adminVersion,
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/sessions", func(c *gin.Context) {
		snapshot := srv.Registry().Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"count":    len(snapshot),
			"sessions": snapshot,
		})
	})

	router.GET("/sessions/:id", func(c *gin.Context) {
		id := c.Param("id")
		for _, info := range srv.Registry().Snapshot() {
			if info.ID == id {
				c.JSON(http.StatusOK, info)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	})

	return router
}

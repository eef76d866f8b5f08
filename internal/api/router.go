// Package api exposes the daemon's control surface over HTTP: client info,
// first-run setup, authentication, instance lifecycle, history backfill, and
// a live event stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/forgectl/internal/core"
	"github.com/danmuck/forgectl/internal/observability"
)

// Server binds handlers for one Core onto a gin router.
type Server struct {
	core   *core.Core
	router *gin.Engine
}

// New builds the router with the standard middleware chain and all routes
// registered.
func New(c *core.Core) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "OPTIONS", "PATCH", "DELETE"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{core: c, router: r}
	s.registerRoutes()
	return s
}

// Handler returns the assembled http.Handler for core.Run.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"client":  s.core.ClientName,
			"uptime":  time.Since(s.core.UpSince).String(),
			"version": "0.1.0",
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.GET("/info", s.handleInfo)
	v1.POST("/setup", s.handleSetup)
	v1.POST("/login", s.handleLogin)

	authed := v1.Group("")
	authed.Use(s.requireAuth())
	authed.GET("/instances", s.handleListInstances)
	authed.POST("/instances", s.handleCreateInstance)
	authed.GET("/instances/:uuid", s.handleGetInstance)
	authed.DELETE("/instances/:uuid", s.handleRemoveInstance)
	authed.POST("/instances/:uuid/start", s.handleStartInstance)
	authed.POST("/instances/:uuid/stop", s.handleStopInstance)
	authed.POST("/instances/:uuid/restart", s.handleRestartInstance)
	authed.POST("/instances/:uuid/command", s.handleSendCommand)
	authed.GET("/instances/:uuid/console", s.handleConsoleHistory)
	authed.GET("/instances/:uuid/monitor", s.handleMonitorHistory)
	authed.GET("/events", s.handleEventHistory)
	authed.GET("/events/stream", s.handleEventStream)
}

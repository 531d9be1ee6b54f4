// Package api exposes positions and refresh controls over HTTP.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"stakestream/internal/session"
)

// Server holds the handlers' dependencies.
type Server struct {
	sessions *session.Registry
	logger   *zap.Logger
}

func NewServer(sessions *session.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{sessions: sessions, logger: logger}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	s.SetupRoutes(router)
	return router
}

// SetupRoutes registers the API on router.
func (s *Server) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", s.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	accounts := router.Group("/v1/accounts/:address")
	accounts.GET("/positions", s.Positions)
	accounts.POST("/active/:token", s.RegisterActive)
	accounts.DELETE("/active/:token", s.UnregisterActive)
	accounts.POST("/refresh", s.RefreshAll)
	accounts.POST("/refresh/:token", s.RefreshOne)
	accounts.POST("/visibility", s.SetVisibility)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)),
		)
	}
}

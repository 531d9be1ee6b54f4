package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"stakestream/internal/model"
	"stakestream/internal/refresh"
	"stakestream/internal/session"
)

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.sessions.Len()})
}

// Positions returns the account snapshot, loading it on first access.
func (s *Server) Positions(c *gin.Context) {
	orch, ok := s.orchestrator(c)
	if !ok {
		return
	}
	if !orch.Snapshot().Loaded {
		if err := orch.Load(c.Request.Context()); err != nil {
			s.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, orch.Snapshot())
}

func (s *Server) RegisterActive(c *gin.Context) {
	orch, ok := s.orchestrator(c)
	if !ok {
		return
	}
	if err := orch.RegisterActive(c.Param("token")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": orch.Active()})
}

// UnregisterActive never opens a session; without one there is nothing to stop.
func (s *Server) UnregisterActive(c *gin.Context) {
	if _, err := model.ParseAddress(c.Param("address")); err != nil {
		s.fail(c, err)
		return
	}
	orch, ok := s.sessions.Lookup(c.Param("address"))
	if !ok {
		if _, err := model.ParseAddress(c.Param("token")); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": []string{}})
		return
	}
	if err := orch.UnregisterActive(c.Param("token")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": orch.Active()})
}

// RefreshAll rebuilds every position; ?force=true bypasses the cache.
func (s *Server) RefreshAll(c *gin.Context) {
	orch, ok := s.orchestrator(c)
	if !ok {
		return
	}
	var err error
	if forced(c) {
		err = orch.ForceRefresh(c.Request.Context())
	} else {
		err = orch.RefreshAll(c.Request.Context())
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orch.Snapshot())
}

// RefreshOne re-reads a single token, typically after a transaction.
func (s *Server) RefreshOne(c *gin.Context) {
	orch, ok := s.orchestrator(c)
	if !ok {
		return
	}
	var opts []refresh.Option
	if forced(c) {
		opts = append(opts, refresh.Force())
	}
	if err := orch.RefreshOne(c.Request.Context(), c.Param("token"), opts...); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orch.Snapshot())
}

func (s *Server) SetVisibility(c *gin.Context) {
	orch, ok := s.orchestrator(c)
	if !ok {
		return
	}
	visible, err := strconv.ParseBool(c.DefaultQuery("visible", "true"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visible must be a boolean"})
		return
	}
	orch.SetVisible(visible)
	c.JSON(http.StatusOK, gin.H{"visible": visible})
}

func (s *Server) orchestrator(c *gin.Context) (*refresh.Orchestrator, bool) {
	orch, err := s.sessions.Get(c.Param("address"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return orch, true
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, refresh.ErrUnknownToken):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, refresh.ErrClosed), errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.logger.Warn("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "retryable": true})
	}
}

func forced(c *gin.Context) bool {
	force, _ := strconv.ParseBool(c.Query("force"))
	return force
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/forgectl/internal/core"
	"github.com/danmuck/forgectl/internal/users"
)

func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"client_id":   s.core.ClientID,
		"client_name": s.core.ClientName,
		"up_since":    s.core.UpSince.Format(time.RFC3339),
		"needs_setup": s.core.NeedsSetup(),
	})
}

type setupRequest struct {
	Key      string `json:"key" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleSetup(c *gin.Context) {
	var req setupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.core.ConsumeSetupKey(req.Key, req.Username, req.Password); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, users.ErrUnauthorized) {
			status = http.StatusUnauthorized
		}
		if errors.Is(err, core.ErrSetupComplete) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	token, err := s.core.Login(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "token": token})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := s.core.Login(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		user, err := s.core.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		// The websocket stream cannot set headers from a browser; allow the
		// token as a query parameter there.
		return c.Query("token")
	}
	return strings.TrimPrefix(header, prefix)
}

func (s *Server) handleListInstances(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instances": s.core.Instances()})
}

func (s *Server) handleCreateInstance(c *gin.Context) {
	var req core.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, err := s.core.CreateInstance(req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, core.ErrNameInUse), errors.Is(err, core.ErrPortInUse):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"instance": info})
}

func (s *Server) handleGetInstance(c *gin.Context) {
	info, err := s.core.Instance(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance": info})
}

func (s *Server) handleRemoveInstance(c *gin.Context) {
	if err := s.core.RemoveInstance(c.Request.Context(), c.Param("uuid")); err != nil {
		c.JSON(lifecycleStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStartInstance(c *gin.Context) {
	s.lifecycle(c, s.core.StartInstance)
}

func (s *Server) handleStopInstance(c *gin.Context) {
	s.lifecycle(c, s.core.StopInstance)
}

func (s *Server) handleRestartInstance(c *gin.Context) {
	s.lifecycle(c, s.core.RestartInstance)
}

func (s *Server) lifecycle(c *gin.Context, op func(ctx context.Context, id string) error) {
	if err := op(c.Request.Context(), c.Param("uuid")); err != nil {
		c.JSON(lifecycleStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func lifecycleStatus(err error) int {
	if errors.Is(err, core.ErrInstanceNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

type commandRequest struct {
	Command string `json:"command" binding:"required"`
}

func (s *Server) handleSendCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.core.SendCommand(c.Request.Context(), c.Param("uuid"), req.Command); err != nil {
		c.JSON(lifecycleStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleConsoleHistory(c *gin.Context) {
	id := c.Param("uuid")
	if _, err := s.core.Instance(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": s.core.ConsoleHistory(id, queryLimit(c))})
}

func (s *Server) handleMonitorHistory(c *gin.Context) {
	id := c.Param("uuid")
	if _, err := s.core.Instance(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": s.core.MonitorHistory(id)})
}

func (s *Server) handleEventHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.core.EventHistory(queryLimit(c))})
}

func queryLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		log.Debug().Str("limit", raw).Msg("ignoring malformed limit")
		return 0
	}
	return limit
}

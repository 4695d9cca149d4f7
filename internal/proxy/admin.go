package proxy

import (
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SkynetNext/bedrock-proxy/internal/logger"
	"github.com/SkynetNext/bedrock-proxy/internal/session"
)

const defaultKickReason = "Kicked by an operator"

type transferRequest struct {
	Address string `json:"address" binding:"required"`
}

type kickRequest struct {
	Reason string `json:"reason"`
}

// buildRouter creates the admin HTTP router: health checks, metrics and session
// control
func (p *Proxy) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/health", p.handleHealth)
	router.GET("/ready", p.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	sessions := router.Group("/sessions")
	{
		sessions.GET("", p.handleListSessions)
		sessions.GET("/:id", p.handleGetSession)
		sessions.POST("/:id/transfer", p.handleTransfer)
		sessions.POST("/:id/kick", p.handleKick)
	}

	router.GET("/backends", p.handleBackends)
	return router
}

// requestLogger logs admin requests at debug level
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.L.Debug("admin request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func (p *Proxy) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (p *Proxy) handleReady(c *gin.Context) {
	if p.draining.Load() {
		c.String(http.StatusServiceUnavailable, "Draining")
		return
	}
	c.String(http.StatusOK, "Ready")
}

func (p *Proxy) handleListSessions(c *gin.Context) {
	all := p.sessions.GetAll()
	infos := make([]session.Info, 0, len(all))
	for _, s := range all {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	c.JSON(http.StatusOK, gin.H{
		"count":    len(infos),
		"sessions": infos,
	})
}

// lookupSession resolves the :id parameter, answering 404 itself
func (p *Proxy) lookupSession(c *gin.Context) (*session.Session, bool) {
	id := c.Param("id")
	s, ok := p.sessions.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "id": id})
		return nil, false
	}
	return s, true
}

func (p *Proxy) handleGetSession(c *gin.Context) {
	s, ok := p.lookupSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Info())
}

func (p *Proxy) handleTransfer(c *gin.Context) {
	s, ok := p.lookupSession(c)
	if !ok {
		return
	}
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, port, err := net.SplitHostPort(req.Address); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address must be host:port"})
		return
	} else if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid port"})
		return
	}

	if err := s.Transfer(req.Address); err != nil {
		p.respondSessionError(c, err)
		return
	}
	logger.L.Info("Admin transfer requested",
		zap.String("session_id", s.ID().String()),
		zap.String("backend", req.Address),
	)
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "transferring",
		"id":      s.ID().String(),
		"address": req.Address,
	})
}

func (p *Proxy) handleKick(c *gin.Context) {
	s, ok := p.lookupSession(c)
	if !ok {
		return
	}
	var req kickRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = defaultKickReason
	}

	if err := s.Kick(req.Reason); err != nil {
		p.respondSessionError(c, err)
		return
	}
	logger.L.Info("Admin kick requested",
		zap.String("session_id", s.ID().String()),
		zap.String("reason", req.Reason),
	)
	c.JSON(http.StatusAccepted, gin.H{
		"status": "kicking",
		"id":     s.ID().String(),
	})
}

func (p *Proxy) respondSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusGone, gin.H{"error": "session closed"})
		return
	case errors.Is(err, session.ErrNotPlaying):
		c.JSON(http.StatusConflict, gin.H{"error": "session is not playing"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (p *Proxy) handleBackends(c *gin.Context) {
	breakers := make(map[string]string)
	for addr, state := range p.breakers.States() {
		breakers[addr] = state.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"default":  p.directory.fallback(),
		"groups":   p.router.GetAllGroups(),
		"breakers": breakers,
	})
}

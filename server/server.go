package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fundflow/config"
	"fundflow/executor"
	"fundflow/logger"
	"fundflow/store"

	"github.com/gin-gonic/gin"
)

// Server exposes the pipeline's read-only state over HTTP plus one guarded
// control: switching the execution mode.
type Server struct {
	cfg  config.ServerConfig
	db   *store.Store
	exec *executor.Executor
	http *http.Server
	log  *logger.Log
}

func NewServer(cfg config.ServerConfig, db *store.Store, exec *executor.Executor) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:  cfg,
		db:   db,
		exec: exec,
		log:  logger.GetLogger(),
	}

	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/opportunities", s.handleOpportunities)
		api.GET("/signals", s.handleSignals)
		api.GET("/positions", s.handlePositions)
		api.GET("/audit", s.handleAudit)
		api.GET("/risk", s.handleRisk)
		api.POST("/mode", s.requireAdmin, s.handleSetMode)
	}

	s.http = &http.Server{
		Addr:         cfg.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.log.WithComponent("server").WithFields(logger.Fields{
			"listen": s.cfg.Listen,
		}).Info("http server started")

		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithComponent("server").WithError(err).Error("http server terminated")
		}
	}()
	return nil
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.log.WithComponent("server").WithError(err).Warn("http server shutdown error")
	}
	s.log.WithComponent("server").Info("http server stopped")
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.cfg.AdminToken == "" || c.GetHeader("X-Admin-Token") != s.cfg.AdminToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) handleHealth(c *gin.Context) {
	health, err := s.db.LoadCycleHealth()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"mode":   s.exec.Mode(),
		"stages": health,
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleOpportunities(c *gin.Context) {
	opps, err := s.db.LoadOpportunities()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"opportunities": opps, "count": len(opps)})
}

func (s *Server) handleSignals(c *gin.Context) {
	signals, err := s.db.LoadSignals()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.db.LoadPositions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) handleRisk(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"budget": s.exec.RiskBudget(), "mode": s.exec.Mode()})
}

func (s *Server) handleAudit(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	entries, err := s.db.RecentAudit(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleSetMode(c *gin.Context) {
	var body struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.exec.SetMode(body.Mode); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": s.exec.Mode()})
}

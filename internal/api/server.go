// Package api is the engine's ops surface: health, scheduler stats, recent
// run history and Prometheus metrics. It serves operators, not end users.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"bot-rental-engine/config"
	"bot-rental-engine/internal/database"
	"bot-rental-engine/internal/queue"
	"bot-rental-engine/internal/scheduler"
)

// HealthChecker reports a dependency's availability.
type HealthChecker func(ctx context.Context) error

// RunHistory reads recent action-log entries for a subscription.
type RunHistory interface {
	GetRecentActionLogs(ctx context.Context, subscriptionID string, limit int) ([]*database.ActionLog, error)
}

// QueueStats reports current queue depths.
type QueueStats interface {
	Depth(ctx context.Context, queue string) (int64, error)
}

// Server is the ops HTTP server.
type Server struct {
	router    *gin.Engine
	http      *http.Server
	scheduler *scheduler.Scheduler
	history   RunHistory
	queues    QueueStats
	checks    map[string]HealthChecker
	logger    zerolog.Logger
}

// NewServer builds the ops server and its routes.
func NewServer(cfg config.ServerConfig, sched *scheduler.Scheduler, history RunHistory, queues QueueStats, checks map[string]HealthChecker, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:    router,
		scheduler: sched,
		history:   history,
		queues:    queues,
		checks:    checks,
		logger:    logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/scheduler/stats", s.handleSchedulerStats)
		v1.GET("/subscriptions/:id/runs", s.handleSubscriptionRuns)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("ops server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	c.JSON(status, gin.H{
		"status":       healthWord(status),
		"dependencies": deps,
	})
}

func healthWord(status int) string {
	if status == http.StatusOK {
		return "healthy"
	}
	return "degraded"
}

func (s *Server) handleSchedulerStats(c *gin.Context) {
	stats := s.scheduler.Stats()

	depths := make(map[string]int64)
	if s.queues != nil {
		for _, q := range []string{queue.QueueActiveBots, queue.QueueSignalBots, queue.QueueRPABots, queue.QueueNotify} {
			depth, err := s.queues.Depth(c.Request.Context(), q)
			if err != nil {
				s.logger.Warn().Err(err).Str("queue", q).Msg("queue depth unavailable")
				continue
			}
			depths[q] = depth
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"scheduler": stats,
		"queues":    depths,
	})
}

func (s *Server) handleSubscriptionRuns(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-200"})
			return
		}
		limit = parsed
	}

	entries, err := s.history.GetRecentActionLogs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("load run history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscription_id": c.Param("id"),
		"runs":            entries,
	})
}

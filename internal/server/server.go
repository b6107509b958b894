// Package server exposes loop status, ledger history and crash history over
// HTTP for local inspection.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"embryo/internal/ledger"
	"embryo/internal/model"
	"embryo/internal/platform"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

type CrashSource interface {
	RecentCrashes(limit int) []model.CrashEvent
	RecentCrashesForGoal(goal, phase string, limit int) []model.CrashEvent
	CrashCount() int
}

type StatusSource interface {
	Status() platform.Status
}

// Deps are the read-only views the router serves. Nil fields answer 503.
type Deps struct {
	Status   StatusSource
	Ledger   ledger.Ledger
	Crashes  CrashSource
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	h := handlers{deps: deps}
	router.GET("/healthz", h.health)
	router.GET("/status", h.status)
	router.GET("/mutations", h.mutations)
	router.GET("/cycles", h.cycles)
	router.GET("/crashes", h.crashes)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	return router
}

type handlers struct {
	deps Deps
}

func (h handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h handlers) status(c *gin.Context) {
	if h.deps.Status == nil {
		unavailable(c, "loop")
		return
	}
	c.JSON(http.StatusOK, h.deps.Status.Status())
}

func (h handlers) mutations(c *gin.Context) {
	if h.deps.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	records, err := h.deps.Ledger.Mutations(c.Request.Context(), ledger.Query{
		RunID:    c.Query("run_id"),
		Strategy: c.Query("strategy"),
		Param:    c.Query("param"),
		Limit:    limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mutations": records, "count": len(records)})
}

func (h handlers) cycles(c *gin.Context) {
	if h.deps.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	records, err := h.deps.Ledger.Cycles(c.Request.Context(), c.Query("run_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": records, "count": len(records)})
}

func (h handlers) crashes(c *gin.Context) {
	if h.deps.Crashes == nil {
		unavailable(c, "crash tracker")
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	var events []model.CrashEvent
	if goal := c.Query("goal"); goal != "" {
		events = h.deps.Crashes.RecentCrashesForGoal(goal, c.Query("phase"), limit)
	} else {
		events = h.deps.Crashes.RecentCrashes(limit)
	}
	c.JSON(http.StatusOK, gin.H{
		"crashes": events,
		"count":   len(events),
		"total":   h.deps.Crashes.CrashCount(),
	})
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(limit, maxLimit), true
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package api exposes the operational HTTP surface: health and metrics
// introspection plus manual triggers for rule reload and audit
// verification. The primary inbound path for claims is the broker, never
// HTTP.
package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dcal-health/dcal/internal/audit"
	"github.com/dcal-health/dcal/internal/breaker"
	"github.com/dcal-health/dcal/internal/dcalerr"
	"github.com/dcal-health/dcal/internal/ingestion"
	"github.com/dcal-health/dcal/internal/middleware"
	"github.com/dcal-health/dcal/internal/rulestore"
)

// Config is the listen address plus server timeouts.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Debug        bool
}

// Server represents the operational HTTP server.
type Server struct {
	config      Config
	router      *gin.Engine
	server      *http.Server
	log         *logrus.Logger
	rules       *rulestore.Store
	auditStore  audit.Writer
	degradation *breaker.Manager
	consumer    *ingestion.Consumer
}

// NewServer creates the operational HTTP server instance. consumer may be
// nil when the server runs alongside a CLI-only invocation.
func NewServer(cfg Config, rules *rulestore.Store, auditStore audit.Writer, degradation *breaker.Manager, consumer *ingestion.Consumer, log *logrus.Logger) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.AccessLogger(log))

	s := &Server{
		config:      cfg,
		router:      router,
		log:         log,
		rules:       rules,
		auditStore:  auditStore,
		degradation: degradation,
		consumer:    consumer,
	}
	s.setupRoutes()
	return s
}

// Start starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api: server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Router exposes the underlying gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", s.handleMetrics)

	admin := s.router.Group("/admin")
	{
		admin.POST("/reload-rules", s.handleReloadRules)
		admin.POST("/verify-audit", s.handleVerifyAudit)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	auditHealthy := s.auditStore.Healthy(c.Request.Context())
	status := "healthy"
	code := http.StatusOK
	if !auditHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":            status,
		"timestamp":         time.Now().UTC(),
		"audit_store":       auditHealthy,
		"degradation_level": s.degradation.Current().String(),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	body := gin.H{
		"degradation_level": s.degradation.Current().String(),
		"timestamp":         time.Now().UTC(),
	}
	if s.consumer != nil {
		m := s.consumer.Metrics()
		body["ingestion"] = gin.H{
			"accepted":       m.Accepted,
			"signature_fail": m.SignatureFail,
			"schema_fail":    m.SchemaFail,
			"replay_dropped": m.ReplayDropped,
			"duplicates":     m.Duplicates,
			"rate_limited":   m.RateLimited,
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleReloadRules(c *gin.Context) {
	if err := s.rules.Reload(c.Request.Context()); err != nil {
		s.log.WithError(err).Error("manual rule reload failed")
		c.JSON(http.StatusConflict, gin.H{
			"error": dcalerr.Wrap(dcalerr.CodeInternal, err, c.GetString("correlation_id")),
		})
		return
	}
	ruleset, err := s.rules.ActiveRuleset()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": dcalerr.Wrap(dcalerr.CodeInternal, err, c.GetString("correlation_id")),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "reloaded",
		"ruleset_version": ruleset.Version,
	})
}

func (s *Server) handleVerifyAudit(c *gin.Context) {
	from, err := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": dcalerr.New(dcalerr.CodeValidation, "invalid from parameter", c.GetString("correlation_id")),
		})
		return
	}
	to, err := strconv.ParseInt(c.DefaultQuery("to", strconv.FormatInt(math.MaxInt64, 10)), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": dcalerr.New(dcalerr.CodeValidation, "invalid to parameter", c.GetString("correlation_id")),
		})
		return
	}

	broken, err := s.auditStore.Verify(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": dcalerr.Wrap(dcalerr.CodeInternal, err, c.GetString("correlation_id")),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"intact":       len(broken) == 0,
		"broken_links": broken,
	})
}

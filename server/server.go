// Package server exposes the relay over HTTP with gin.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	relay "github.com/fixci/relay"
	"github.com/fixci/relay/admin"
	"github.com/fixci/relay/analysis"
	"github.com/fixci/relay/ledger"
	"github.com/fixci/relay/meter"
)

// HealthReporter exposes per-backend circuit state.
type HealthReporter interface {
	BackendHealth() map[string]relay.HealthState
}

// Config wires the server's collaborators.
type Config struct {
	Analysis *analysis.Service
	Admin    *admin.Service
	Ledger   *ledger.Ledger
	Stats    *meter.StatsMeter
	Health   HealthReporter
	Gatherer prometheus.Gatherer

	// AdminToken guards /admin. IngestToken guards /v1; when empty the
	// ingest routes are open and must be fronted by a verifying proxy.
	AdminToken  string
	IngestToken string

	Logger *zap.Logger
}

// Server holds the HTTP engine.
type Server struct {
	engine   *gin.Engine
	analysis *analysis.Service
	admin    *admin.Service
	ledger   *ledger.Ledger
	stats    *meter.StatsMeter
	health   HealthReporter
	logger   *zap.Logger
}

// New builds the engine and registers every route.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		analysis: cfg.Analysis,
		admin:    cfg.Admin,
		ledger:   cfg.Ledger,
		stats:    cfg.Stats,
		health:   cfg.Health,
		logger:   logger,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	if cfg.IngestToken != "" {
		v1.Use(RequireToken(cfg.IngestToken))
	}
	v1.POST("/failures", s.HandleFailure)
	v1.POST("/billing-events", s.HandleBillingEvent)

	adm := r.Group("/admin", RequireToken(cfg.AdminToken))
	adm.POST("/grant", s.Grant)
	adm.POST("/status", s.SetStatus)
	adm.POST("/reset", s.ResetUsage)
	adm.POST("/revoke", s.Revoke)
	adm.GET("/subscriptions", s.ListSubscriptions)
	adm.GET("/subscription", s.SubscriptionDetails)
	adm.GET("/stats", s.Stats)
	adm.GET("/providers", s.ProviderStats)

	s.engine = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if err := c.Errors.Last(); err != nil {
			fields = append(fields, zap.Error(err.Err))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Error("http request", fields...)
			return
		}
		s.logger.Debug("http request", fields...)
	}
}

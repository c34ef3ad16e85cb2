package api

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atnightfa11/marketing-analytics/internal/collector"
	"github.com/atnightfa11/marketing-analytics/internal/config"
	"github.com/atnightfa11/marketing-analytics/internal/metrics"
	"github.com/atnightfa11/marketing-analytics/internal/reduce"
	"github.com/atnightfa11/marketing-analytics/internal/shuffle"
	"github.com/atnightfa11/marketing-analytics/internal/token"
	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

// Store is the read side the HTTP layer needs beyond what the pipeline
// services already wrap: published windows, plan upserts, revocation
// accounting, and the readiness probe.
type Store interface {
	WindowsStartedSince(ctx context.Context, siteID, metric string, cutoff time.Time) ([]models.AggregatePoint, error)
	WindowsOpenSince(ctx context.Context, siteID, metric string, watermark time.Time) ([]models.AggregatePoint, error)
	SetSitePlan(ctx context.Context, siteID, plan string) error
	SiteIDForTokenJTI(ctx context.Context, jti string) (string, error)
	Ping(ctx context.Context) error
}

type APIHandler struct {
	cfg       *config.Config
	store     Store
	tokens    *token.Service
	shuffler  *shuffle.Shuffler
	collector *collector.Collector
	scheduler *reduce.Scheduler
	metrics   *metrics.Metrics
	wsHub     *Hub
}

func SetupRouter(cfg *config.Config, st Store, tokens *token.Service, shuffler *shuffle.Shuffler, coll *collector.Collector, scheduler *reduce.Scheduler, m *metrics.Metrics, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS
	// Production: ALLOWED_ORIGINS=https://app.example.com,https://www.example.com
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	r.Use(corsMiddleware(cfg.AllowedOrigins, cfg.CSPPolicy))

	handler := &APIHandler{
		cfg:       cfg,
		store:     st,
		tokens:    tokens,
		shuffler:  shuffler,
		collector: coll,
		scheduler: scheduler,
		metrics:   m,
		wsHub:     wsHub,
	}

	api := r.Group("/api")
	{
		api.POST("/upload-token", handler.handleIssueToken)
		api.POST("/shuffle", handler.handleShuffle)
		api.GET("/aggregate", handler.handleAggregate)
		api.GET("/stream", wsHub.Subscribe)

		// Internal ingestion surface: the shuffler forwards in process, but
		// historical imports and split deployments post here directly.
		api.POST("/collect", AuthMiddleware(cfg.AdminToken), handler.handleCollect)

		admin := api.Group("/admin", AuthMiddleware(cfg.AdminToken))
		{
			admin.POST("/revoke-token", handler.handleRevokeToken)
			admin.POST("/revoke-tokens", handler.handleRevokeSiteTokens)
			admin.POST("/site-plan", handler.handleSetSitePlan)
			admin.POST("/reduce", handler.handleTriggerReduce)
		}
	}

	r.GET("/health/liveness", handler.handleLiveness)
	r.GET("/health/readiness", handler.handleReadiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func corsMiddleware(allowedOrigins, cspPolicy string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			// Check if the request origin is in the allowed list
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		if cspPolicy != "" {
			c.Writer.Header().Set("Content-Security-Policy", cspPolicy)
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

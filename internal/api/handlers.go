package api

import (
	"context"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atnightfa11/marketing-analytics/internal/collector"
	"github.com/atnightfa11/marketing-analytics/internal/reduce"
	"github.com/atnightfa11/marketing-analytics/internal/shuffle"
	"github.com/atnightfa11/marketing-analytics/internal/token"
	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

const dayLayout = "2006-01-02"

// POST /api/upload-token
// Mints a scoped upload token for a site's client SDK.
func (h *APIHandler) handleIssueToken(c *gin.Context) {
	var req struct {
		SiteID        string  `json:"site_id" binding:"required"`
		AllowedOrigin string  `json:"allowed_origin" binding:"required"`
		EpsilonBudget float64 `json:"epsilon_budget"`
		SamplingRate  float64 `json:"sampling_rate"`
		TTLSeconds    int     `json:"ttl_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	issued, err := h.tokens.Issue(c.Request.Context(), token.IssueRequest{
		SiteID:        req.SiteID,
		AllowedOrigin: req.AllowedOrigin,
		EpsilonBudget: req.EpsilonBudget,
		SamplingRate:  req.SamplingRate,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		if errors.Is(err, token.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Printf("Failed to issue token for site %s: %v", req.SiteID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      issued.Token,
		"expires_at": issued.ExpiresAt,
		"jti":        issued.JTI,
	})
}

// POST /api/shuffle
// Accepts a batch of privatized events. The handler blocks through the
// random hold, so a 202 means the batch was delivered, not just queued.
func (h *APIHandler) handleShuffle(c *gin.Context) {
	var req struct {
		Token string                   `json:"token" binding:"required"`
		Nonce string                   `json:"nonce"`
		Batch []models.PrivatizedEvent `json:"batch"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	accepted, err := h.shuffler.Handle(c.Request.Context(), shuffle.Request{
		Token:    req.Token,
		Nonce:    req.Nonce,
		Batch:    req.Batch,
		Origin:   c.GetHeader("Origin"),
		SourceIP: c.ClientIP(),
	})
	if err != nil {
		h.writeShuffleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":        "accepted",
		"delay_seconds": accepted.Delay.Seconds(),
	})
}

// writeShuffleError maps pipeline sentinels onto HTTP statuses. The four
// token verification failures share one generic 401 body; the sub-kind is
// logged server-side only, so a probe cannot tell revoked from expired.
func (h *APIHandler) writeShuffleError(c *gin.Context, err error) {
	var limited *shuffle.RateLimitedError
	switch {
	case errors.As(err, &limited):
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	case errors.Is(err, shuffle.ErrReplay):
		c.JSON(http.StatusConflict, gin.H{"error": "nonce already used"})
	case errors.Is(err, token.ErrInvalidToken),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrRevoked),
		errors.Is(err, token.ErrOriginMismatch):
		log.Printf("Shuffle rejected: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
	case errors.Is(err, shuffle.ErrInvalidRequest), errors.Is(err, collector.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, collector.ErrPlanForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		log.Printf("Shuffle failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// POST /api/collect
// Internal ingestion endpoint for historical imports and split deployments.
func (h *APIHandler) handleCollect(c *gin.Context) {
	var batch collector.Batch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if batch.SiteID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "site_id is required"})
		return
	}
	if batch.ServerReceivedAt.IsZero() {
		batch.ServerReceivedAt = time.Now().UTC()
	}

	res, err := h.collector.Ingest(c.Request.Context(), batch)
	if err != nil {
		switch {
		case errors.Is(err, collector.ErrInvalidEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, collector.ErrPlanForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		default:
			log.Printf("Collect failed for site %s: %v", batch.SiteID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusAccepted, res)
}

// GET /api/aggregate?site_id=...&metric=...&window=live|standard
// Serves published windows only; raw reports are never readable over HTTP.
func (h *APIHandler) handleAggregate(c *gin.Context) {
	siteID := c.Query("site_id")
	metric := c.Query("metric")
	if siteID == "" || metric == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "site_id and metric are required"})
		return
	}

	window := c.DefaultQuery("window", "standard")
	var (
		points []models.AggregatePoint
		err    error
	)
	switch window {
	case "live":
		watermark := time.Now().UTC().Add(-h.cfg.LiveWatermark)
		points, err = h.store.WindowsOpenSince(c.Request.Context(), siteID, metric, watermark)
	case "standard":
		cutoff := time.Now().UTC().Add(-24 * time.Hour)
		points, err = h.store.WindowsStartedSince(c.Request.Context(), siteID, metric, cutoff)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "window must be live or standard"})
		return
	}
	if err != nil {
		log.Printf("Aggregate query failed for site %s: %v", siteID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"site_id": siteID,
		"metric":  metric,
		"window":  window,
		"points":  points,
	})
}

// POST /api/admin/revoke-token
// Revokes a single token by jti or by its stored hash.
func (h *APIHandler) handleRevokeToken(c *gin.Context) {
	var req struct {
		JTI       string `json:"jti"`
		TokenHash string `json:"token_hash"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	err := h.tokens.Revoke(c.Request.Context(), req.JTI, req.TokenHash)
	switch {
	case err == nil:
		h.recordRevocation(c.Request.Context(), req.JTI, 1)
		c.Status(http.StatusNoContent)
	case errors.Is(err, token.ErrNoSuchToken):
		c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
	case errors.Is(err, token.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Printf("Revoke failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// POST /api/admin/revoke-tokens
// Revokes every active token for a site, e.g. after a key leak.
func (h *APIHandler) handleRevokeSiteTokens(c *gin.Context) {
	var req struct {
		SiteID string `json:"site_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	n, err := h.tokens.RevokeSite(c.Request.Context(), req.SiteID)
	if err != nil {
		log.Printf("Site revoke failed for %s: %v", req.SiteID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.metrics.RecordTokensRevoked(req.SiteID, int(n))
	c.Status(http.StatusNoContent)
}

// recordRevocation attributes a revocation to its site when the jti is
// known. Revocations by bare hash stay unattributed.
func (h *APIHandler) recordRevocation(ctx context.Context, jti string, n int) {
	siteID := ""
	if jti != "" {
		resolved, err := h.store.SiteIDForTokenJTI(ctx, jti)
		if err != nil {
			log.Printf("Failed to resolve site for revoked jti: %v", err)
		} else {
			siteID = resolved
		}
	}
	h.metrics.RecordTokensRevoked(siteID, n)
}

// POST /api/admin/site-plan
// Upserts the tenancy plan controlling ingestion routing and noise policy.
func (h *APIHandler) handleSetSitePlan(c *gin.Context) {
	var req struct {
		SiteID string `json:"site_id" binding:"required"`
		Plan   string `json:"plan" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if !models.ValidPlan(req.Plan) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plan must be free, standard or pro"})
		return
	}

	if err := h.store.SetSitePlan(c.Request.Context(), req.SiteID, req.Plan); err != nil {
		log.Printf("Plan upsert failed for %s: %v", req.SiteID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.Status(http.StatusNoContent)
}

// POST /api/admin/reduce
// Runs one reduction over an inclusive day range, synchronously. Returns
// 409 when the scheduler already has a run in flight.
func (h *APIHandler) handleTriggerReduce(c *gin.Context) {
	var req struct {
		StartDay string `json:"start_day" binding:"required"`
		EndDay   string `json:"end_day" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	start, err := time.ParseInLocation(dayLayout, req.StartDay, time.UTC)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_day must be YYYY-MM-DD"})
		return
	}
	end, err := time.ParseInLocation(dayLayout, req.EndDay, time.UTC)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end_day must be YYYY-MM-DD"})
		return
	}
	if end.Before(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end_day is before start_day"})
		return
	}

	if err := h.scheduler.TriggerRange(c.Request.Context(), start, end); err != nil {
		if errors.Is(err, reduce.ErrRunInFlight) {
			c.JSON(http.StatusConflict, gin.H{"error": "a reduction is already running"})
			return
		}
		log.Printf("Manual reduction failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "completed",
		"start_day": req.StartDay,
		"end_day":   req.EndDay,
	})
}

// GET /health/liveness
func (h *APIHandler) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GET /health/readiness
// Ready means the database answers; everything else degrades gracefully.
func (h *APIHandler) handleReadiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-gateway/internal/account"
	"github.com/poemonsense/cloudcode-gateway/internal/pipeline"
	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// HealthHandler serves the pool status endpoint.
type HealthHandler struct {
	pipeline *pipeline.Pipeline
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(p *pipeline.Pipeline) *HealthHandler {
	return &HealthHandler{pipeline: p}
}

// accountState names the bucket an account falls into.
func accountState(acc *account.Account, now int64) string {
	switch {
	case acc.IsInvalid:
		return "invalid"
	case acc.IsRateLimited && acc.RemainingCooldownMs(now) > 0:
		return "rate-limited"
	default:
		return "ok"
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	start := time.Now()

	if err := h.pipeline.EnsureInitialized(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	accounts := h.pipeline.Pool().Snapshot()
	now := utils.NowMs()

	type accountDetail struct {
		Email             string `json:"email"`
		Source            string `json:"source"`
		Status            string `json:"status"`
		HealthScore       int    `json:"healthScore"`
		Recommended       bool   `json:"recommended"`
		Error             string `json:"error,omitempty"`
		LastUsed          string `json:"lastUsed,omitempty"`
		CooldownRemaining int64  `json:"cooldownRemainingMs"`
		SuccessCount      int64  `json:"successCount"`
		ErrorCount        int64  `json:"errorCount"`
	}

	var available, rateLimited, invalid int
	details := make([]accountDetail, 0, len(accounts))
	for i := range accounts {
		acc := &accounts[i]
		detail := accountDetail{
			Email:             utils.MaskEmail(acc.Email),
			Source:            string(acc.Source),
			Status:            accountState(acc, now),
			HealthScore:       acc.HealthScore,
			Recommended:       acc.Recommended,
			CooldownRemaining: acc.RemainingCooldownMs(now),
			SuccessCount:      acc.Stats.SuccessCount,
			ErrorCount:        acc.Stats.ErrorCount,
		}
		if acc.LastUsed > 0 {
			detail.LastUsed = time.UnixMilli(acc.LastUsed).Format(time.RFC3339)
		}
		switch detail.Status {
		case "invalid":
			invalid++
			detail.Error = acc.InvalidReason
		case "rate-limited":
			rateLimited++
		default:
			available++
		}
		details = append(details, detail)
	}

	status := "ok"
	if available == 0 {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"latencyMs": time.Since(start).Milliseconds(),
		"counts": gin.H{
			"total":       len(accounts),
			"available":   available,
			"rateLimited": rateLimited,
			"invalid":     invalid,
		},
		"accounts": details,
	})
}

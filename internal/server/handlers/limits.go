package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-gateway/internal/account"
	gwerrors "github.com/poemonsense/cloudcode-gateway/internal/errors"
	"github.com/poemonsense/cloudcode-gateway/internal/pipeline"
	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// LimitsHandler serves per-account limit and usage reporting.
type LimitsHandler struct {
	pipeline *pipeline.Pipeline
}

// NewLimitsHandler creates a new LimitsHandler
func NewLimitsHandler(p *pipeline.Pipeline) *LimitsHandler {
	return &LimitsHandler{pipeline: p}
}

// AccountLimits handles GET /account-limits. ?format=table renders an
// ASCII table instead of JSON.
func (h *LimitsHandler) AccountLimits(c *gin.Context) {
	if err := h.pipeline.EnsureInitialized(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	accounts := h.pipeline.Pool().Snapshot()
	totals := h.pipeline.Tracker().Totals()
	now := utils.NowMs()

	if c.Query("format") == "table" {
		c.String(http.StatusOK, h.renderTable(accounts, totals, now))
		return
	}

	type limitDetail struct {
		Email             string           `json:"email"`
		Status            string           `json:"status"`
		HealthScore       int              `json:"healthScore"`
		Recommended       bool             `json:"recommended"`
		CooldownRemaining string           `json:"cooldownRemaining,omitempty"`
		ResetTime         string           `json:"resetTime,omitempty"`
		Requests          map[string]int64 `json:"requests,omitempty"`
	}

	details := make([]limitDetail, 0, len(accounts))
	for i := range accounts {
		acc := &accounts[i]
		detail := limitDetail{
			Email:       utils.MaskEmail(acc.Email),
			Status:      accountState(acc, now),
			HealthScore: acc.HealthScore,
			Recommended: acc.Recommended,
			Requests:    totals[acc.Email],
		}
		if remaining := acc.RemainingCooldownMs(now); remaining > 0 {
			detail.CooldownRemaining = utils.FormatDuration(remaining)
			if acc.RateLimitResetTime != nil {
				detail.ResetTime = time.UnixMilli(*acc.RateLimitResetTime).Format(time.RFC3339)
			}
		}
		details = append(details, detail)
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp": time.Now().Format(time.RFC3339),
		"accounts":  details,
	})
}

func (h *LimitsHandler) renderTable(accounts []account.Account, totals map[string]map[string]int64, now int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-30s %-12s %8s %6s %12s %10s\n",
		"ACCOUNT", "STATUS", "SCORE", "REC", "COOLDOWN", "REQUESTS")
	b.WriteString(strings.Repeat("-", 84) + "\n")

	for i := range accounts {
		acc := &accounts[i]
		cooldown := "-"
		if remaining := acc.RemainingCooldownMs(now); remaining > 0 {
			cooldown = utils.FormatDuration(remaining)
		}
		rec := ""
		if acc.Recommended {
			rec = "*"
		}
		var requests int64
		for _, count := range totals[acc.Email] {
			requests += count
		}
		fmt.Fprintf(&b, "%-30s %-12s %8d %6s %12s %10d\n",
			utils.MaskEmail(acc.Email), accountState(acc, now),
			acc.HealthScore, rec, cooldown, requests)
	}
	return b.String()
}

// RefreshToken handles POST /refresh-token: clears the credential caches
// and forces a refresh on the current sticky account.
func (h *LimitsHandler) RefreshToken(c *gin.Context) {
	if err := h.pipeline.RefreshDefaultToken(c.Request.Context()); err != nil {
		utils.Error("[API] Token refresh failed: %v", err)
		writeError(c, gwerrors.AsGatewayError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Usage handles GET /api/usage: persisted hourly buckets, when redis is
// configured.
func (h *LimitsHandler) Usage(c *gin.Context) {
	days := 7
	if d := c.Query("days"); d != "" {
		if parsed, err := parsePositiveInt(d); err == nil {
			days = parsed
		}
	}

	buckets, err := h.pipeline.Tracker().History(c.Request.Context(), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": buckets})
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}

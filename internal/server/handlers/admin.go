package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-gateway/internal/config"
	"github.com/poemonsense/cloudcode-gateway/internal/flow"
	"github.com/poemonsense/cloudcode-gateway/internal/pipeline"
	"github.com/poemonsense/cloudcode-gateway/internal/store"
	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// AdminHandler serves the admin configuration, backup and flow surfaces.
type AdminHandler struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(cfg *config.Config, p *pipeline.Pipeline) *AdminHandler {
	return &AdminHandler{cfg: cfg, pipeline: p}
}

// GetConfig handles GET /api/admin/config with secrets redacted.
func (h *AdminHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.cfg.GetPublic())
}

// UpdateConfig handles POST /api/admin/config. Only the admin-editable
// subset is accepted; unknown keys are rejected.
func (h *AdminHandler) UpdateConfig(c *gin.Context) {
	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status": "error",
			"error":  "invalid request body: " + err.Error(),
		})
		return
	}

	result, err := h.cfg.Update(updates)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	utils.Info("[Admin] Configuration updated (restart required: %v)", result.RequiresRestart)
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"requiresRestart": result.RequiresRestart,
		"config":          h.cfg.GetPublic(),
	})
}

// CreateBackup handles POST /api/admin/backup
func (h *AdminHandler) CreateBackup(c *gin.Context) {
	var body struct {
		Label string `json:"label"`
	}
	// An empty body is fine; the label is optional
	_ = c.ShouldBindJSON(&body)

	info, err := store.CreateBackup(body.Label)
	if err != nil {
		utils.Error("[Admin] Backup failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"backup": info,
	})
}

// ListBackups handles GET /api/admin/backups
func (h *AdminHandler) ListBackups(c *gin.Context) {
	backups, err := store.ListBackups()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": backups})
}

// ListFlows handles GET /api/flows. Without parameters it serves the
// in-memory ring; ?day= or ?days= read the persisted NDJSON logs.
// ?export=json forces the inline JSON body; ?export=file (alias: ndjson)
// downloads the result as newline-delimited JSON.
func (h *AdminHandler) ListFlows(c *gin.Context) {
	var flows []flow.Flow
	var err error

	switch {
	case c.Query("day") != "":
		flows, err = flow.ReadDay(config.FlowLogDir, c.Query("day"))
	case c.Query("days") != "":
		var n int
		n, err = parsePositiveInt(c.Query("days"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"status": "error",
				"error":  "invalid days parameter",
			})
			return
		}
		flows, err = flow.ReadDays(config.FlowLogDir, n)
	default:
		limit := 0
		if l := c.Query("limit"); l != "" {
			limit, _ = strconv.Atoi(l)
		}
		flows = h.pipeline.Monitor().Recent(limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	if export := c.Query("export"); export == "file" || export == "ndjson" {
		c.Header("Content-Type", "application/x-ndjson")
		c.Header("Content-Disposition", `attachment; filename="flows.ndjson"`)
		enc := json.NewEncoder(c.Writer)
		for i := range flows {
			if err := enc.Encode(&flows[i]); err != nil {
				return
			}
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"flows": flows})
}

// ClearFlows handles DELETE /api/flows: drops the in-memory ring, leaving
// persisted logs alone.
func (h *AdminHandler) ClearFlows(c *gin.Context) {
	h.pipeline.Monitor().Clear()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

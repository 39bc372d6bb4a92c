package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-gateway/internal/config"
)

// ModelsHandler serves the static model catalog.
type ModelsHandler struct{}

// NewModelsHandler creates a new ModelsHandler
func NewModelsHandler() *ModelsHandler {
	return &ModelsHandler{}
}

// ListModels handles GET /v1/models - OpenAI-compatible format. The list
// covers the supported models plus every accepted alias.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	ids := make([]string, 0, len(config.SupportedModels)+len(config.ModelAliases))
	ids = append(ids, config.SupportedModels...)
	for alias := range config.ModelAliases {
		ids = append(ids, alias)
	}
	sort.Strings(ids)

	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	data := make([]model, 0, len(ids))
	for _, id := range ids {
		data = append(data, model{ID: id, Object: "model", OwnedBy: "anthropic"})
	}

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}

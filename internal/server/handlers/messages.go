package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-gateway/internal/classifier"
	"github.com/poemonsense/cloudcode-gateway/internal/dialect"
	gwerrors "github.com/poemonsense/cloudcode-gateway/internal/errors"
	"github.com/poemonsense/cloudcode-gateway/internal/flow"
	"github.com/poemonsense/cloudcode-gateway/internal/pipeline"
	"github.com/poemonsense/cloudcode-gateway/internal/server/sse"
	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// MessagesHandler serves the Anthropic Messages dialect.
type MessagesHandler struct {
	pipeline *pipeline.Pipeline
}

// NewMessagesHandler creates a new MessagesHandler
func NewMessagesHandler(p *pipeline.Pipeline) *MessagesHandler {
	return &MessagesHandler{pipeline: p}
}

// CreateMessage handles POST /v1/messages
func (h *MessagesHandler) CreateMessage(c *gin.Context) {
	var req dialect.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, gwerrors.NewInvalidRequestError("invalid request body: "+err.Error()))
		return
	}

	result := classifier.Classify(&req)
	if result.Downgraded {
		utils.Info("[API] Background task detected, routing %s -> %s",
			result.ClientModel, result.EffectiveModel)
	}

	opts := flow.StartOptions{
		Protocol: "anthropic",
		Route:    "/v1/messages",
		Model:    req.Model,
		Stream:   req.Stream,
		Request:  snapshotFor(&req),
	}

	if req.Stream {
		h.stream(c, &req, opts)
		return
	}

	upstream, gwerr := h.pipeline.Execute(c.Request.Context(), &req, opts)
	if gwerr != nil {
		writeError(c, gwerr)
		return
	}
	// Responses echo the model the client asked for
	if result.Downgraded {
		upstream["model"] = result.ClientModel
	}
	c.JSON(http.StatusOK, upstream)
}

// stream relays upstream SSE chunks. Errors before the first chunk become
// plain JSON responses; errors after it are emitted as SSE error events.
func (h *MessagesHandler) stream(c *gin.Context, req *dialect.MessagesRequest, opts flow.StartOptions) {
	handle, gwerr := h.pipeline.Stream(c.Request.Context(), req, opts)
	if gwerr != nil {
		writeError(c, gwerr)
		return
	}

	first, ok := <-handle.Events
	if !ok {
		if gwerr := <-handle.Errs; gwerr != nil {
			writeError(c, gwerr)
			return
		}
		// Upstream closed without data; an empty stream is still a stream
		sw, err := sse.NewWriter(c.Writer)
		if err != nil {
			writeError(c, gwerrors.NewAPIError(err.Error(), 500))
			return
		}
		sw.SetHeaders()
		c.Status(http.StatusOK)
		sw.Flush()
		return
	}

	sw, err := sse.NewWriter(c.Writer)
	if err != nil {
		writeError(c, gwerrors.NewAPIError(err.Error(), 500))
		return
	}
	sw.SetHeaders()
	c.Status(http.StatusOK)

	if err := sw.WriteRaw(first.Type, first.Data); err != nil {
		return
	}
	for event := range handle.Events {
		if err := sw.WriteRaw(event.Type, event.Data); err != nil {
			// Client gone; the pipeline notices via the request context
			return
		}
	}

	if gwerr := <-handle.Errs; gwerr != nil {
		if gwerr.RetryAfterSec > 0 {
			sw.WriteRetry(gwerr.RetryAfterSec * 1000)
		}
		sw.WriteError(gwerr.Type, gwerr.Message)
	}
}

// CountTokens handles POST /v1/messages/count_tokens, which the upstream
// does not offer.
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "api_error",
			"message": "count_tokens is not supported by this gateway",
		},
	})
}

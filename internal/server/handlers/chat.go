package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-gateway/internal/classifier"
	"github.com/poemonsense/cloudcode-gateway/internal/dialect"
	gwerrors "github.com/poemonsense/cloudcode-gateway/internal/errors"
	"github.com/poemonsense/cloudcode-gateway/internal/flow"
	"github.com/poemonsense/cloudcode-gateway/internal/pipeline"
)

// ChatHandler serves the OpenAI Chat-Completions dialect.
type ChatHandler struct {
	pipeline *pipeline.Pipeline
}

// NewChatHandler creates a new ChatHandler
func NewChatHandler(p *pipeline.Pipeline) *ChatHandler {
	return &ChatHandler{pipeline: p}
}

// CreateChatCompletion handles POST /v1/chat/completions. Streaming is not
// offered on this dialect.
func (h *ChatHandler) CreateChatCompletion(c *gin.Context) {
	var chatReq dialect.ChatCompletionsRequest
	if err := c.ShouldBindJSON(&chatReq); err != nil {
		writeError(c, gwerrors.NewInvalidRequestError("invalid request body: "+err.Error()))
		return
	}

	if chatReq.Stream {
		writeError(c, gwerrors.NewInvalidRequestError(
			"streaming is not supported on /v1/chat/completions; use /v1/messages"))
		return
	}

	req, err := chatReq.ToMessages()
	if err != nil {
		writeError(c, gwerrors.NewInvalidRequestError(err.Error()))
		return
	}

	result := classifier.Classify(req)

	opts := flow.StartOptions{
		Protocol: "openai",
		Route:    "/v1/chat/completions",
		Model:    req.Model,
		Request:  snapshotFor(req),
	}

	upstream, gwerr := h.pipeline.Execute(c.Request.Context(), req, opts)
	if gwerr != nil {
		writeError(c, gwerr)
		return
	}

	c.JSON(http.StatusOK, dialect.NewChatCompletion(result.ClientModel, upstream))
}

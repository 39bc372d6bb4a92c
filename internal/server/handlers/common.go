// Package handlers provides HTTP request handlers for the gateway.
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-gateway/internal/dialect"
	gwerrors "github.com/poemonsense/cloudcode-gateway/internal/errors"
	"github.com/poemonsense/cloudcode-gateway/internal/flow"
)

// writeError renders a classified error in the wire shape, attaching a
// Retry-After header on overloaded responses.
func writeError(c *gin.Context, gwerr *gwerrors.GatewayError) {
	if gwerr.RetryAfterSec > 0 {
		c.Header("Retry-After", strconv.FormatInt(gwerr.RetryAfterSec, 10))
	}
	c.JSON(gwerr.Status, gwerr.ToJSON())
}

// snapshotFor builds the redacted flow snapshot from a request.
func snapshotFor(req *dialect.MessagesRequest) flow.Snapshot {
	texts := make([]string, 0, len(req.Messages))
	for _, msg := range req.Messages {
		texts = append(texts, msg.Role+": "+msg.Content.Text())
	}
	return flow.TruncateSnapshot(req.SystemText(), texts)
}

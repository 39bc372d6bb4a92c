package pipeline

import (
	"net/http"
	"regexp"
	"strings"

	gwerrors "github.com/poemonsense/cloudcode-gateway/internal/errors"
	"github.com/poemonsense/cloudcode-gateway/internal/upstream"
)

// defaultRetryAfterSec applies when a rate-limit error carries no
// parseable reset hint and the pool has no estimate.
const defaultRetryAfterSec = 60

var messageFieldRegex = regexp.MustCompile(`"message"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// Feedback is the scheduler consequence of a classified error.
type Feedback struct {
	// RateLimitMs > 0 puts the account into cooldown for that long.
	RateLimitMs int64
	// Invalidate marks the account invalid with the error message.
	Invalidate bool
	// Auth triggers cache invalidation and a forced refresh.
	Auth bool
}

// headerCarrier is implemented by upstream status errors that retain the
// response headers.
type headerCarrier interface {
	Header() http.Header
}

// classifyError maps an upstream error onto the client taxonomy and
// derives the scheduler feedback. soonestResetMs is the pool's estimate
// used when a rate-limit error has no parseable reset.
func classifyError(err error, soonestResetMs int64) (*gwerrors.GatewayError, Feedback) {
	msg := err.Error()
	upper := strings.ToUpper(msg)

	var headers http.Header
	if hc, ok := err.(headerCarrier); ok {
		headers = hc.Header()
	}

	switch {
	case strings.Contains(upper, "401") || strings.Contains(upper, "UNAUTHENTICATED"):
		return gwerrors.NewAuthenticationError(
				"upstream authentication failed; re-enroll the account and retry: "+extractMessage(msg),
				""),
			Feedback{Auth: true}

	case strings.Contains(upper, "429") ||
		strings.Contains(upper, "RESOURCE_EXHAUSTED") ||
		strings.Contains(upper, "QUOTA_EXHAUSTED"):
		resetMs := upstream.ParseResetMs(headers, msg)
		if resetMs <= 0 {
			if soonestResetMs > 0 {
				resetMs = soonestResetMs
			} else {
				resetMs = defaultRetryAfterSec * 1000
			}
		}
		return gwerrors.NewOverloadedError(msg, (resetMs+999)/1000),
			Feedback{RateLimitMs: resetMs}

	case strings.Contains(msg, "invalid_request_error") || strings.Contains(upper, "INVALID_ARGUMENT"):
		return gwerrors.NewInvalidRequestError(extractMessage(msg)), Feedback{}

	case strings.Contains(msg, "All endpoints failed"):
		return gwerrors.NewAPIError("upstream unreachable: "+msg, 503), Feedback{}

	case strings.Contains(upper, "PERMISSION_DENIED"):
		return gwerrors.NewPermissionError(msg), Feedback{}

	default:
		return gwerrors.NewAPIError(msg, 500), Feedback{}
	}
}

// extractMessage pulls a quoted "message" payload out of an upstream
// error body; falls back to the raw text.
func extractMessage(msg string) string {
	if match := messageFieldRegex.FindStringSubmatch(msg); match != nil {
		unescaped := strings.ReplaceAll(match[1], `\"`, `"`)
		unescaped = strings.ReplaceAll(unescaped, `\\`, `\`)
		return unescaped
	}
	return msg
}

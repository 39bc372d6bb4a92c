// Package classifier decides the effective upstream model for a request:
// alias normalization plus the background-task downgrade heuristic.
package classifier

import (
	"strings"

	"github.com/poemonsense/cloudcode-gateway/internal/config"
	"github.com/poemonsense/cloudcode-gateway/internal/dialect"
	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// maxInspectedMessages bounds how much of the conversation the heuristic
// reads.
const maxInspectedMessages = 3

// Result describes the classifier's decision.
type Result struct {
	// ClientModel is the model the client declared; responses echo it.
	ClientModel string
	// EffectiveModel is what gets dispatched upstream.
	EffectiveModel string
	// Downgraded is true when the background heuristic rewrote the model.
	Downgraded bool
}

// Classify normalizes the request's model and applies the background-task
// downgrade. The request's Model field is rewritten in place to the
// effective model.
func Classify(req *dialect.MessagesRequest) Result {
	result := Result{
		ClientModel:    req.Model,
		EffectiveModel: config.NormalizeModel(req.Model),
	}

	if isBackgroundTask(req) &&
		len(req.Tools) == 0 &&
		req.Thinking == nil &&
		config.IsSupportedModel(config.FreeModelForBackground) &&
		result.EffectiveModel != config.FreeModelForBackground {
		utils.Debug("[Classifier] Background task detected, downgrading %s to %s",
			result.EffectiveModel, config.FreeModelForBackground)
		result.EffectiveModel = config.FreeModelForBackground
		result.Downgraded = true
	}

	req.Model = result.EffectiveModel
	return result
}

// isBackgroundTask flattens the system prompt and the first messages to
// lowercase and tests for any background pattern.
func isBackgroundTask(req *dialect.MessagesRequest) bool {
	var sb strings.Builder
	sb.WriteString(req.SystemText())
	limit := len(req.Messages)
	if limit > maxInspectedMessages {
		limit = maxInspectedMessages
	}
	for _, msg := range req.Messages[:limit] {
		sb.WriteString("\n")
		sb.WriteString(msg.Content.Text())
	}

	haystack := strings.ToLower(sb.String())
	for _, pattern := range config.BackgroundTaskPatterns {
		if strings.Contains(haystack, pattern) {
			return true
		}
	}
	return false
}

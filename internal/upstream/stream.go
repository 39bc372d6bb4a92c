package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// scanStream reads SSE "data:" lines from the upstream body and emits one
// StreamEvent per chunk. A chunk whose JSON declares type "error" (or an
// embedded error object) ends the scan with that error.
func scanStream(ctx context.Context, body io.Reader, events chan<- StreamEvent) error {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		jsonText := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if jsonText == "" || jsonText == "[DONE]" {
			continue
		}

		var probe struct {
			Type     string          `json:"type"`
			Error    json.RawMessage `json:"error"`
			Response json.RawMessage `json:"response"`
		}
		if err := json.Unmarshal([]byte(jsonText), &probe); err != nil {
			utils.Debug("[Upstream] SSE parse warning: %v, raw: %.100s", err, jsonText)
			continue
		}

		// Chunks may arrive wrapped in a response envelope
		if probe.Type == "" && len(probe.Error) == 0 && len(probe.Response) > 0 {
			jsonText = string(probe.Response)
			var inner struct {
				Type  string          `json:"type"`
				Error json.RawMessage `json:"error"`
			}
			if err := json.Unmarshal(probe.Response, &inner); err != nil {
				utils.Debug("[Upstream] SSE parse warning: %v, raw: %.100s", err, jsonText)
				continue
			}
			probe.Type, probe.Error = inner.Type, inner.Error
		}

		if probe.Type == "error" || (probe.Type == "" && len(probe.Error) > 0) {
			return &streamError{payload: jsonText}
		}

		chunkType := probe.Type
		if chunkType == "" {
			chunkType = "message_delta"
		}
		// The consumer may quit on client disconnect without draining;
		// never block past cancellation or the body stays open.
		select {
		case events <- StreamEvent{Type: chunkType, Data: json.RawMessage(jsonText)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// streamError is an error payload received mid-stream.
type streamError struct {
	payload string
}

func (e *streamError) Error() string {
	return e.payload
}

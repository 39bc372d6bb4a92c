package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/poemonsense/cloudcode-gateway/internal/config"
	"github.com/poemonsense/cloudcode-gateway/internal/dialect"
	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

const (
	generateContentPath       = "/v1internal:generateContent"
	streamGenerateContentPath = "/v1internal:streamGenerateContent?alt=sse"

	// requestTimeout bounds non-streaming calls; streaming reads are
	// bounded per-connection by the caller's context.
	requestTimeout = 5 * time.Minute
)

// allEndpointsFailed is the sentinel wrapped into the final error when no
// endpoint answered; the error classifier keys on it.
const allEndpointsFailed = "All endpoints failed"

// Client dispatches requests to the Cloud Code endpoints in fallback
// order.
type Client struct {
	httpClient *http.Client
	endpoints  []string
	adapter    WireAdapter
}

// NewClient creates a client with the default endpoint fallbacks and wire
// adapter. A nil adapter selects the default.
func NewClient(adapter WireAdapter) *Client {
	if adapter == nil {
		adapter = DefaultWireAdapter
	}
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		endpoints:  config.CloudCodeEndpointFallbacks,
		adapter:    adapter,
	}
}

// statusError is an upstream non-2xx response. Its message deliberately
// embeds the status code and body so the error classifier can match on
// them.
type statusError struct {
	status int
	header http.Header
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.status, e.body)
}

// Header exposes the response headers for reset-time parsing.
func (e *statusError) Header() http.Header {
	return e.header
}

// StatusCode returns the upstream HTTP status.
func (e *statusError) StatusCode() int {
	return e.status
}

// Send issues a non-streaming request and decodes the upstream body.
func (c *Client) Send(ctx context.Context, token, project, model string, req *dialect.MessagesRequest) (map[string]interface{}, error) {
	payload, err := c.adapter(model, project, req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	var lastErr error
	for _, endpoint := range c.endpoints {
		resp, err := c.post(ctx, endpoint+generateContentPath, token, payload)
		if err != nil {
			lastErr = err
			utils.Warn("[Upstream] Request to %s failed: %v", endpoint, err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			serr := &statusError{status: resp.StatusCode, header: resp.Header, body: string(body)}
			// Client-class failures are final; only retry server errors
			// on the fallback endpoint
			if resp.StatusCode < 500 {
				return nil, serr
			}
			lastErr = serr
			continue
		}

		var result map[string]interface{}
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("failed to decode upstream response: %w", err)
		}
		// The upstream may wrap the payload in a response envelope
		if inner, ok := result["response"].(map[string]interface{}); ok {
			return inner, nil
		}
		return result, nil
	}

	return nil, fmt.Errorf("%s: %w", allEndpointsFailed, lastErr)
}

// StreamEvent is one relayed upstream chunk. Type carries the chunk's
// declared type for the SSE event name.
type StreamEvent struct {
	Type string
	Data json.RawMessage
}

// Stream issues a streaming request and relays upstream chunks on the
// returned channel. The error channel delivers at most one error; both
// channels close when the stream ends.
func (c *Client) Stream(ctx context.Context, token, project, model string, req *dialect.MessagesRequest) (<-chan StreamEvent, <-chan error, error) {
	payload, err := c.adapter(model, project, req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	var resp *http.Response
	var lastErr error
	for _, endpoint := range c.endpoints {
		r, err := c.post(ctx, endpoint+streamGenerateContentPath, token, payload)
		if err != nil {
			lastErr = err
			utils.Warn("[Upstream] Stream request to %s failed: %v", endpoint, err)
			continue
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			body, _ := io.ReadAll(r.Body)
			r.Body.Close()
			serr := &statusError{status: r.StatusCode, header: r.Header, body: string(body)}
			if r.StatusCode < 500 {
				return nil, nil, serr
			}
			lastErr = serr
			continue
		}
		resp = r
		break
	}
	if resp == nil {
		return nil, nil, fmt.Errorf("%s: %w", allEndpointsFailed, lastErr)
	}

	events := make(chan StreamEvent, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		defer resp.Body.Close()
		if err := scanStream(ctx, resp.Body, events); err != nil {
			errs <- err
		}
	}()
	return events, errs, nil
}

func (c *Client) post(ctx context.Context, url, token string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")
	for k, v := range config.CloudCodeHeaders() {
		req.Header.Set(k, v)
	}
	return c.httpClient.Do(req)
}

// Package upstream implements the Cloud Code client: endpoint fallbacks,
// request dispatch, SSE streaming and rate-limit reset parsing.
package upstream

import (
	"encoding/json"

	"github.com/poemonsense/cloudcode-gateway/internal/dialect"
)

// WireAdapter rewrites a Messages request into the upstream wire format.
// The gateway treats the rewrite as opaque; the default adapter wraps the
// request in the upstream envelope unchanged.
type WireAdapter func(model, project string, req *dialect.MessagesRequest) ([]byte, error)

// DefaultWireAdapter wraps the request in the upstream envelope
// {model, project, request}.
func DefaultWireAdapter(model, project string, req *dialect.MessagesRequest) ([]byte, error) {
	inner, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{
		"model":   model,
		"project": project,
		"request": json.RawMessage(inner),
	})
}

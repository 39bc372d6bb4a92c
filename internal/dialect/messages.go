// Package dialect defines the Messages wire types and the Chat-Completions
// adapters.
package dialect

import (
	"encoding/json"
	"fmt"
)

// ContentBlock is one typed part of a message's content.
type ContentBlock struct {
	Type string `json:"type"`

	// Text block fields
	Text string `json:"text,omitempty"`

	// Thinking block fields
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Tool use fields
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"` // string or []ContentBlock

	// Image fields
	Source *ImageSource `json:"source,omitempty"`

	// Cache control passthrough
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// ImageSource represents the source of an image
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// CacheControl for prompt caching
type CacheControl struct {
	Type string `json:"type"`
}

// Content is a message body that arrives either as a plain string or as
// an array of typed blocks. The original shape is preserved on re-encode.
type Content struct {
	Plain    string
	Blocks   []ContentBlock
	IsString bool
}

// UnmarshalJSON accepts a JSON string or an array of blocks.
func (c *Content) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		c.IsString = true
		return json.Unmarshal(data, &c.Plain)
	}
	c.IsString = false
	return json.Unmarshal(data, &c.Blocks)
}

// MarshalJSON re-encodes in the original shape.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsString {
		return json.Marshal(c.Plain)
	}
	return json.Marshal(c.Blocks)
}

// Text flattens the content to plain text. Block arrays contribute their
// text and thinking fields, newline-joined.
func (c Content) Text() string {
	if c.IsString {
		return c.Plain
	}
	out := ""
	for _, block := range c.Blocks {
		piece := block.Text
		if piece == "" && block.Thinking != "" {
			piece = block.Thinking
		}
		if piece == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += piece
	}
	return out
}

// Message represents one conversation turn.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Tool represents a tool definition
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoice represents tool selection preference
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// ThinkingConfig enables extended thinking
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// MessagesRequest is the body of POST /v1/messages and the internal shape
// every dialect normalizes to.
type MessagesRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	System      json.RawMessage `json:"system,omitempty"`
	Tools       []Tool          `json:"tools,omitempty"`
	ToolChoice  *ToolChoice     `json:"tool_choice,omitempty"`
	Thinking    *ThinkingConfig `json:"thinking,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	TopK        *int            `json:"top_k,omitempty"`
}

// Validate checks the request invariants shared by both dialects.
func (r *MessagesRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must be a non-empty array")
	}
	return nil
}

// SystemText flattens the system prompt, which arrives as a string or an
// array of text blocks.
func (r *MessagesRequest) SystemText() string {
	if len(r.System) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(r.System, &plain); err == nil {
		return plain
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(r.System, &blocks); err == nil {
		out := ""
		for _, block := range blocks {
			if block.Text == "" {
				continue
			}
			if out != "" {
				out += "\n"
			}
			out += block.Text
		}
		return out
	}
	return ""
}

// Usage represents token usage
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessagesResponse is the non-streaming body of POST /v1/messages.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        *Usage         `json:"usage,omitempty"`
}

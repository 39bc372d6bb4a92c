package dialect

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// defaultMaxTokens applies when a Chat-Completions request omits max_tokens.
const defaultMaxTokens = 4096

// ChatMessage is one entry in a Chat-Completions request.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// chatPart is one element of an array-valued Chat-Completions content.
type chatPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	ImageURL   *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ID         string          `json:"id,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
}

// chatTool is an OpenAI-style tool declaration.
type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// ChatCompletionsRequest is the body of POST /v1/chat/completions.
type ChatCompletionsRequest struct {
	Model       string          `json:"model"`
	Messages    []ChatMessage   `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Tools       []chatTool      `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
}

// ToMessages converts a Chat-Completions request into the internal
// Messages shape.
func (r *ChatCompletionsRequest) ToMessages() (*MessagesRequest, error) {
	out := &MessagesRequest{
		Model:       r.Model,
		MaxTokens:   r.MaxTokens,
		Stream:      r.Stream,
		Temperature: r.Temperature,
		TopP:        r.TopP,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	for _, msg := range r.Messages {
		role := msg.Role
		// System entries ride in the dedicated system field
		if role == "system" {
			out.System = msg.Content
			continue
		}
		if role == "tool" {
			role = "user"
		}

		content, err := convertChatContent(msg)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, Message{Role: role, Content: content})
	}

	for _, tool := range r.Tools {
		if tool.Function.Name == "" {
			continue
		}
		out.Tools = append(out.Tools, Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}
	out.ToolChoice = convertToolChoice(r.ToolChoice)

	return out, nil
}

// convertChatContent normalizes a Chat-Completions content value into
// Messages content.
func convertChatContent(msg ChatMessage) (Content, error) {
	if len(msg.Content) == 0 {
		return Content{IsString: true}, nil
	}

	// Tool responses become tool_result blocks
	if msg.ToolCallID != "" {
		var text string
		if err := json.Unmarshal(msg.Content, &text); err != nil {
			text = string(msg.Content)
		}
		return Content{Blocks: []ContentBlock{{
			Type:      "tool_result",
			ToolUseID: msg.ToolCallID,
			Content:   text,
		}}}, nil
	}

	var plain string
	if err := json.Unmarshal(msg.Content, &plain); err == nil {
		return Content{Plain: plain, IsString: true}, nil
	}

	var parts []chatPart
	if err := json.Unmarshal(msg.Content, &parts); err != nil {
		return Content{}, fmt.Errorf("unsupported message content shape")
	}

	blocks := make([]ContentBlock, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case "text":
			blocks = append(blocks, ContentBlock{Type: "text", Text: part.Text})
		case "image_url", "image":
			url := ""
			if part.ImageURL != nil {
				url = part.ImageURL.URL
			}
			blocks = append(blocks, ContentBlock{
				Type: "text",
				Text: fmt.Sprintf("[image: %s]", utils.TruncateString(url, 200)),
			})
		case "tool_result":
			var text string
			if len(part.Content) > 0 {
				if err := json.Unmarshal(part.Content, &text); err != nil {
					text = string(part.Content)
				}
			}
			blocks = append(blocks, ContentBlock{
				Type:      "tool_result",
				ToolUseID: utils.CoalesceString(part.ToolCallID, part.ID, "tool"),
				Content:   text,
			})
		default:
			if part.Text != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: part.Text})
			}
		}
	}
	return Content{Blocks: blocks}, nil
}

// convertToolChoice maps the OpenAI tool_choice (string or object) onto
// the Messages shape.
func convertToolChoice(raw json.RawMessage) *ToolChoice {
	if len(raw) == 0 {
		return nil
	}

	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return &ToolChoice{Type: "auto"}
		case "required":
			return &ToolChoice{Type: "any"}
		case "none":
			return nil
		}
		return nil
	}

	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &ToolChoice{Type: "tool", Name: obj.Function.Name}
	}
	return nil
}

// ChatChoice is one completion choice.
type ChatChoice struct {
	Index        int `json:"index"`
	Message      struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// ChatUsage mirrors the OpenAI usage block.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionsResponse is the non-streaming Chat-Completions envelope.
type ChatCompletionsResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

// NewChatCompletion assembles a Chat-Completions response from an
// upstream Messages-shaped result. The model echoes the client-declared
// model, never the downgraded one.
func NewChatCompletion(clientModel string, upstream map[string]interface{}) *ChatCompletionsResponse {
	resp := &ChatCompletionsResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   clientModel,
	}

	choice := ChatChoice{FinishReason: extractFinishReason(upstream)}
	choice.Message.Role = "assistant"
	choice.Message.Content = ExtractText(upstream)
	resp.Choices = []ChatChoice{choice}

	if usage, ok := upstream["usage"].(map[string]interface{}); ok {
		resp.Usage.PromptTokens = intField(usage, "input_tokens", "prompt_tokens")
		resp.Usage.CompletionTokens = intField(usage, "output_tokens", "completion_tokens")
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}

	return resp
}

// ExtractText pulls assistant text from any of the upstream response
// shapes: a content array of blocks, a flat output string, or a nested
// choices array.
func ExtractText(upstream map[string]interface{}) string {
	if blocks, ok := upstream["content"].([]interface{}); ok {
		out := ""
		for _, raw := range blocks {
			block, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			text, _ := block["text"].(string)
			if text == "" {
				continue
			}
			if out != "" {
				out += "\n"
			}
			out += text
		}
		return out
	}

	if output, ok := upstream["output"].(string); ok {
		return output
	}

	if choices, ok := upstream["choices"].([]interface{}); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]interface{}); ok {
			if msg, ok := choice["message"].(map[string]interface{}); ok {
				if content, ok := msg["content"].(string); ok {
					return content
				}
			}
		}
	}

	return ""
}

func extractFinishReason(upstream map[string]interface{}) string {
	if reason, ok := upstream["stop_reason"].(string); ok && reason != "" {
		return mapStopReason(reason)
	}
	if reason, ok := upstream["stop"].(string); ok && reason != "" {
		return mapStopReason(reason)
	}
	return "stop"
}

func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func intField(m map[string]interface{}, keys ...string) int {
	for _, key := range keys {
		if v, ok := m[key].(float64); ok {
			return int(v)
		}
	}
	return 0
}

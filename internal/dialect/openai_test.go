package dialect

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatText(role, text string) ChatMessage {
	raw, _ := json.Marshal(text)
	return ChatMessage{Role: role, Content: raw}
}

func TestToMessagesBasicConversion(t *testing.T) {
	req := &ChatCompletionsRequest{
		Model: "claude-sonnet-4-5",
		Messages: []ChatMessage{
			chatText("system", "You are helpful."),
			chatText("user", "hello"),
			chatText("assistant", "hi there"),
		},
	}

	out, err := req.ToMessages()
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4-5", out.Model)
	assert.Equal(t, defaultMaxTokens, out.MaxTokens)
	assert.Equal(t, "You are helpful.", out.SystemText())
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "user", out.Messages[0].Role)
	assert.Equal(t, "hello", out.Messages[0].Content.Text())
	assert.Equal(t, "assistant", out.Messages[1].Role)
}

func TestToMessagesKeepsExplicitMaxTokens(t *testing.T) {
	req := &ChatCompletionsRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 512,
		Messages:  []ChatMessage{chatText("user", "hello")},
	}
	out, err := req.ToMessages()
	require.NoError(t, err)
	assert.Equal(t, 512, out.MaxTokens)
}

func TestToMessagesToolRoleBecomesToolResult(t *testing.T) {
	msg := chatText("tool", "result payload")
	msg.ToolCallID = "call_123"
	req := &ChatCompletionsRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []ChatMessage{msg},
	}

	out, err := req.ToMessages()
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)

	blocks := out.Messages[0].Content.Blocks
	require.Len(t, blocks, 1)
	assert.Equal(t, "tool_result", blocks[0].Type)
	assert.Equal(t, "call_123", blocks[0].ToolUseID)
	assert.Equal(t, "result payload", blocks[0].Content)
}

func TestToMessagesImagePartBecomesPlaceholder(t *testing.T) {
	content := json.RawMessage(`[
		{"type":"text","text":"look at this"},
		{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}
	]`)
	req := &ChatCompletionsRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []ChatMessage{{Role: "user", Content: content}},
	}

	out, err := req.ToMessages()
	require.NoError(t, err)

	blocks := out.Messages[0].Content.Blocks
	require.Len(t, blocks, 2)
	assert.Equal(t, "look at this", blocks[0].Text)
	assert.True(t, strings.HasPrefix(blocks[1].Text, "[image: https://example.com/cat.png"))
}

func TestToMessagesToolDefinitions(t *testing.T) {
	raw := json.RawMessage(`[{"type":"function","function":{"name":"search","description":"find things","parameters":{"type":"object"}}}]`)
	var tools []chatTool
	require.NoError(t, json.Unmarshal(raw, &tools))

	req := &ChatCompletionsRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []ChatMessage{chatText("user", "hello")},
		Tools:    tools,
	}

	out, err := req.ToMessages()
	require.NoError(t, err)
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "search", out.Tools[0].Name)
	assert.Equal(t, "find things", out.Tools[0].Description)
}

func TestConvertToolChoice(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want *ToolChoice
	}{
		{"auto", `"auto"`, &ToolChoice{Type: "auto"}},
		{"required maps to any", `"required"`, &ToolChoice{Type: "any"}},
		{"none drops the choice", `"none"`, nil},
		{"named function", `{"type":"function","function":{"name":"search"}}`, &ToolChoice{Type: "tool", Name: "search"}},
		{"empty", ``, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, convertToolChoice(json.RawMessage(tt.raw)))
		})
	}
}

func TestNewChatCompletionEchoesClientModel(t *testing.T) {
	upstream := map[string]interface{}{
		"content": []interface{}{
			map[string]interface{}{"type": "text", "text": "hello"},
			map[string]interface{}{"type": "text", "text": "world"},
		},
		"stop_reason": "end_turn",
		"usage": map[string]interface{}{
			"input_tokens":  float64(12),
			"output_tokens": float64(7),
		},
	}

	resp := NewChatCompletion("claude-3-5-haiku", upstream)

	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "claude-3-5-haiku", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello\nworld", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 7, resp.Usage.CompletionTokens)
	assert.Equal(t, 19, resp.Usage.TotalTokens)
}

func TestFinishReasonMapping(t *testing.T) {
	assert.Equal(t, "length", mapStopReason("max_tokens"))
	assert.Equal(t, "tool_calls", mapStopReason("tool_use"))
	assert.Equal(t, "stop", mapStopReason("end_turn"))
}

// Package translator implements the two pure, side-effect-free conversions
// at the heart of the gateway: a normalized Anthropic-dialect request into
// an OpenAI-dialect upstream request, and an OpenAI-dialect upstream
// response back into an Anthropic-dialect response. Neither direction
// performs I/O; both are ordinary data transformations, which is why they
// are tested with plain unit tests rather than HTTP mocks.
//
// Grounded on the teacher's sibling dialect adapters in
// internal/infrastructure/llm/anthropic/types.go and
// internal/infrastructure/llm/openai/types.go, which shaped the wire
// structs this package converts between; the conversion rules themselves
// come from this gateway's own request/response contract, not the
// teacher's (the teacher never translates between dialects — it only
// speaks one dialect per provider).
package translator

import (
	"encoding/json"
	"strings"

	"github.com/ngoclaw/llm-gateway/internal/domain/entity"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/upstream"
)

const (
	minMaxTokens     = 1
	maxMaxTokens     = 4096
	defaultMaxTokens = 100

	minTemperature = 0.0
	maxTemperature = 2.0
)

// AnthropicContentBlock is one block of an Anthropic response's content
// list.
type AnthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// AnthropicResponse is the dialect-specific shape served from
// /v1/messages.
type AnthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []AnthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      AnthropicUsage          `json:"usage"`
}

// AnthropicUsage is the Anthropic-dialect token usage envelope.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicContentBlockWire mirrors the wire shape of an original
// Anthropic content block, used only to walk a NormalizedMessage's
// preserved Structured JSON when building the outbound OpenAI message.
type anthropicContentBlockWire struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// AnthropicToOpenAI converts a normalized request into the parameters for
// an upstream OpenAI-dialect chat completion call. Model is left as the
// caller-requested name; the Forwarder overwrites it with the
// actually-selected upstream model before dispatch.
func AnthropicToOpenAI(req *entity.NormalizedRequest) upstream.ChatCompletionParams {
	messages := make([]upstream.ChatMessage, 0, len(req.Messages)+1)

	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, upstream.ChatMessage{Role: "system", Content: req.System})
	}

	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	if len(messages) == 0 {
		messages = append(messages, upstream.ChatMessage{Role: "user", Content: "Hello"})
	}

	tools := make([]upstream.ChatTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, upstream.ChatTool{
			Type: "function",
			Function: upstream.ChatToolFunc{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	var temperature *float64
	if req.Temperature != nil && *req.Temperature >= minTemperature && *req.Temperature <= maxTemperature {
		temperature = req.Temperature
	}

	return upstream.ChatCompletionParams{
		Model:       req.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   ClampMaxTokens(req.MaxTokens),
		Tools:       tools,
		ToolChoice:  req.ToolChoice,
	}
}

// ClampMaxTokens enforces invariant #7: the value forwarded upstream is
// always in [1, 4096], with non-positive input replaced by 100. Shared by
// both dialect entry points — the Anthropic translator and the
// OpenAI-dialect handler — so the clamp holds regardless of which wire
// format the caller used.
func ClampMaxTokens(mt int) int {
	if mt <= 0 {
		return defaultMaxTokens
	}
	if mt > maxMaxTokens {
		return maxMaxTokens
	}
	if mt < minMaxTokens {
		return minMaxTokens
	}
	return mt
}

func convertMessage(m entity.NormalizedMessage) upstream.ChatMessage {
	if len(m.Structured) == 0 {
		content := m.Text
		if strings.TrimSpace(content) == "" {
			content = "Hello" // upstream rejects empty content
		}
		return upstream.ChatMessage{Role: m.Role, Content: content}
	}

	var blocks []anthropicContentBlockWire
	if err := json.Unmarshal(m.Structured, &blocks); err != nil {
		// Preserved content turned out not to be a block array after
		// all; fall back to the flattened text.
		return upstream.ChatMessage{Role: m.Role, Content: m.Text}
	}

	var textParts []string
	var toolCalls []upstream.ChatToolCall
	var toolCallID string

	for _, b := range blocks {
		switch b.Type {
		case "text":
			textParts = append(textParts, b.Text)
		case "tool_use":
			toolCalls = append(toolCalls, upstream.ChatToolCall{
				ID:   b.ID,
				Type: "function",
				Function: upstream.ChatToolCallFunc{
					Name:      b.Name,
					Arguments: rawOrEmptyObject(b.Input),
				},
			})
		case "tool_result":
			toolCallID = b.ToolUseID
			textParts = append(textParts, flattenToolResultContent(b.Content))
		}
	}

	out := upstream.ChatMessage{
		Role:       m.Role,
		Content:    strings.Join(textParts, "\n"),
		ToolCalls:  toolCalls,
		ToolCallID: toolCallID,
	}
	return out
}

func rawOrEmptyObject(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func flattenToolResultContent(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	return trimmed
}

// OpenAIToAnthropic converts an upstream chat completion response into the
// Anthropic-dialect response envelope, preserving requestedModel in the
// model field regardless of which model actually served the request.
func OpenAIToAnthropic(resp *upstream.ChatResponse, requestedModel string) *AnthropicResponse {
	var blocks []AnthropicContentBlock
	sawToolUse := false
	finishReason := ""

	for i, choice := range resp.Choices {
		if i == 0 {
			finishReason = choice.FinishReason
		}
		if strings.TrimSpace(choice.Message.Content) != "" {
			blocks = append(blocks, AnthropicContentBlock{Type: "text", Text: choice.Message.Content})
		}
		for _, tc := range choice.Message.ToolCalls {
			sawToolUse = true
			blocks = append(blocks, AnthropicContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: parsedOrWrapped(tc.Function.Arguments),
			})
		}
	}

	if len(blocks) == 0 {
		blocks = append(blocks, AnthropicContentBlock{Type: "text", Text: ""})
	}

	stopReason := "end_turn"
	switch {
	case sawToolUse:
		stopReason = "tool_use"
	case finishReason == "length":
		stopReason = "max_tokens"
	}

	return &AnthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      requestedModel,
		Content:    blocks,
		StopReason: stopReason,
		Usage: AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

// parsedOrWrapped parses a model-produced tool-argument string as JSON.
// Tool arguments are opaque LLM output and may be malformed; on failure
// the raw string is wrapped rather than erroring the whole response.
func parsedOrWrapped(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	wrapped, err := json.Marshal(map[string]string{"arguments": raw})
	if err != nil {
		// zap has no logger here (pure function); this path is
		// unreachable for any valid Go string, kept defensive only.
		return json.RawMessage(`{"arguments":""}`)
	}
	return wrapped
}

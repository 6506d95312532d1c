// Package parser reads a raw Anthropic /v1/messages request body and
// produces a dialect-independent entity.NormalizedRequest, tolerating the
// shape variation real clients send: content as a plain string, as an
// array of text blocks, or as an array mixing text with tool_use /
// tool_result blocks; system as either a string or a content-block array.
//
// Grounded on the teacher's internal/infrastructure/llm/anthropic/types.go
// for the Anthropic wire shape (content blocks, tool_use/tool_result
// field names) and on the teacher's request-validation style in
// internal/infrastructure/llm/anthropic/provider.go, adapted here into a
// pure parse-and-validate step with no network calls.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ngoclaw/llm-gateway/internal/domain/apierror"
	"github.com/ngoclaw/llm-gateway/internal/domain/entity"
)

type wireRequest struct {
	Model         string            `json:"model"`
	MaxTokens     *int              `json:"max_tokens"`
	Messages      []wireMessage     `json:"messages"`
	System        json.RawMessage   `json:"system,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	TopK          *int              `json:"top_k,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Tools         []json.RawMessage `json:"tools,omitempty"`
	ToolChoice    json.RawMessage   `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// tool_use block
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result block
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Parse reads a raw Anthropic request body and returns a normalized
// request, or an *apierror.Error of KindInvalidRequest listing every
// validation failure found.
func Parse(body []byte) (*entity.NormalizedRequest, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, apierror.Wrap(apierror.KindInvalidRequest, "malformed JSON body", err)
	}

	var problems []string

	if strings.TrimSpace(wire.Model) == "" {
		problems = append(problems, "model is required")
	}
	if wire.MaxTokens == nil {
		problems = append(problems, "max_tokens is required")
	} else if *wire.MaxTokens <= 0 {
		problems = append(problems, "max_tokens must be greater than 0")
	}
	if len(wire.Messages) == 0 {
		problems = append(problems, "messages is required")
	}

	messages := make([]entity.NormalizedMessage, 0, len(wire.Messages))
	for i, m := range wire.Messages {
		if strings.TrimSpace(m.Role) == "" {
			problems = append(problems, fmt.Sprintf("messages[%d].role must not be blank", i))
		}

		text := flattenContent(m.Content)
		if strings.TrimSpace(text) == "" {
			problems = append(problems, fmt.Sprintf("messages[%d].content must not be blank", i))
		}

		msg := entity.NormalizedMessage{Role: m.Role, Text: text}
		if isJSONArray(m.Content) {
			msg.Structured = m.Content
		}
		messages = append(messages, msg)
	}

	if len(problems) > 0 {
		return nil, apierror.New(apierror.KindInvalidRequest, strings.Join(problems, "; "))
	}

	tools := make([]entity.ToolDescriptor, 0, len(wire.Tools))
	for _, raw := range wire.Tools {
		td, ok := parseToolDescriptor(raw)
		if ok {
			tools = append(tools, td)
		}
	}

	return &entity.NormalizedRequest{
		Model:         wire.Model,
		MaxTokens:     *wire.MaxTokens,
		Messages:      messages,
		System:        flattenContent(wire.System),
		Stream:        wire.Stream,
		Temperature:   wire.Temperature,
		TopP:          wire.TopP,
		TopK:          wire.TopK,
		StopSequences: wire.StopSequences,
		Tools:         tools,
		ToolChoice:    wire.ToolChoice,
	}, nil
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "[")
}

// flattenContent reduces a string-or-content-block-array JSON node to
// plain text, per the documented block-flattening rules. Accepts a bare
// string, an array of content blocks, or empty input.
func flattenContent(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return flattenBlocks(blocks)
	}

	// Neither a string nor a block array; fall back to the raw bytes so
	// no information is silently dropped.
	return trimmed
}

func flattenBlocks(blocks []contentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "tool_use":
			parts = append(parts, fmt.Sprintf("I used the %s tool with parameters: %s", b.Name, rawOrEmpty(b.Input)))
		case "tool_result":
			content := flattenContent(b.Content)
			if strings.TrimSpace(content) != "" {
				parts = append(parts, "The tool execution returned: "+content)
			} else {
				parts = append(parts, "The tool execution completed.")
			}
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// wireToolAnthropicShape and wireToolOpenAIShape mirror the two tool
// descriptor shapes the parser must tolerate on the way in: Anthropic's
// {name, description, input_schema} and an already-OpenAI-shaped
// {type, function: {...}} passthrough. A caller could hand the gateway
// either; both are accepted here, with the descriptor normalized to
// entity.ToolDescriptor either way.
type wireToolAnthropicShape struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireToolOpenAIShape struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

func parseToolDescriptor(raw json.RawMessage) (entity.ToolDescriptor, bool) {
	var anthropicShape wireToolAnthropicShape
	if err := json.Unmarshal(raw, &anthropicShape); err == nil && anthropicShape.Name != "" && len(anthropicShape.InputSchema) > 0 {
		return entity.ToolDescriptor{
			Name:        anthropicShape.Name,
			Description: anthropicShape.Description,
			Parameters:  anthropicShape.InputSchema,
		}, true
	}

	var openAIShape wireToolOpenAIShape
	if err := json.Unmarshal(raw, &openAIShape); err == nil && openAIShape.Function.Name != "" {
		return entity.ToolDescriptor{
			Name:        openAIShape.Function.Name,
			Description: openAIShape.Function.Description,
			Parameters:  openAIShape.Function.Parameters,
		}, true
	}

	return entity.ToolDescriptor{}, false
}

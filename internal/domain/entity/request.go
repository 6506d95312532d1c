package entity

import "encoding/json"

// NormalizedRequest is the dialect-independent intermediate a parsed
// inbound request is reduced to. Both the Anthropic parser and the
// OpenAI-dialect entry point produce one of these; the Translator
// consumes it to build the upstream request.
type NormalizedRequest struct {
	Model         string
	MaxTokens     int
	Messages      []NormalizedMessage
	System        string
	Stream        bool
	Temperature   *float64
	TopP          *float64
	TopK          *int
	StopSequences []string
	Tools         []ToolDescriptor
	ToolChoice    json.RawMessage
}

// NormalizedMessage is one conversation turn. Structured carries the
// original Anthropic content-block array (as opaque JSON) when the
// source message had one, so the Translator can reconstruct tool-use /
// tool-result round-trips instead of working from flattened prose.
type NormalizedMessage struct {
	Role       string
	Text       string
	Structured json.RawMessage
}

// ToolDescriptor is a dialect-independent tool definition.
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema, opaque
}

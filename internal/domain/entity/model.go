package entity

// ModelDescriptor describes a model offered by the upstream's listing
// endpoint. Obtained by listing; never mutated.
type ModelDescriptor struct {
	ID           string
	Capabilities map[string]bool
}

// SupportsStreaming reports the "supports_streaming" capability, default
// true when the upstream did not report capabilities at all (most models
// do support streaming; absence of the field is not a denial).
func (m ModelDescriptor) SupportsStreaming() bool {
	if v, ok := m.Capabilities["supports_streaming"]; ok {
		return v
	}
	return true
}

// SupportsToolCalls reports the "supports_tool_calls" capability.
func (m ModelDescriptor) SupportsToolCalls() bool {
	if v, ok := m.Capabilities["supports_tool_calls"]; ok {
		return v
	}
	return true
}

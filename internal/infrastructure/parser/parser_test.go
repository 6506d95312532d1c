package parser

import (
	"strings"
	"testing"

	"github.com/ngoclaw/llm-gateway/internal/domain/apierror"
)

func TestParse_PlainStringContent(t *testing.T) {
	body := []byte(`{"model":"claude-3-sonnet-20240229","max_tokens":100,"messages":[{"role":"user","content":"hello there"}]}`)

	req, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(req.Messages) != 1 || req.Messages[0].Text != "hello there" {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}
	if req.Messages[0].Structured != nil {
		t.Fatal("expected no structured content for a plain string message")
	}
}

func TestParse_ContentBlockArrayFlattensAndPreservesStructured(t *testing.T) {
	body := []byte(`{
		"model":"claude-3-sonnet-20240229",
		"max_tokens":100,
		"messages":[{"role":"user","content":[
			{"type":"text","text":"weather?"},
			{"type":"tool_use","id":"t1","name":"get_weather","input":{"city":"Tokyo"}},
			{"type":"tool_result","tool_use_id":"t1","content":"sunny"},
			{"type":"image","source":"x"}
		]}]
	}`)

	req, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	msg := req.Messages[0]
	want := "weather?\nI used the get_weather tool with parameters: {\"city\":\"Tokyo\"}\nThe tool execution returned: sunny\n[image]"
	if msg.Text != want {
		t.Fatalf("got text:\n%s\nwant:\n%s", msg.Text, want)
	}
	if msg.Structured == nil {
		t.Fatal("expected structured content to be preserved for an array message")
	}
}

func TestParse_ToolResultWithBlankContent(t *testing.T) {
	body := []byte(`{"model":"m","max_tokens":10,"messages":[{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"t1","content":""}
	]}]}`)

	req, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Messages[0].Text != "The tool execution completed." {
		t.Fatalf("got %q", req.Messages[0].Text)
	}
}

func TestParse_SystemAsString(t *testing.T) {
	body := []byte(`{"model":"m","max_tokens":10,"system":"be helpful","messages":[{"role":"user","content":"hi"}]}`)
	req, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.System != "be helpful" {
		t.Fatalf("got system %q", req.System)
	}
}

func TestParse_SystemAsContentBlockArray(t *testing.T) {
	body := []byte(`{"model":"m","max_tokens":10,"system":[{"type":"text","text":"be helpful"}],"messages":[{"role":"user","content":"hi"}]}`)
	req, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.System != "be helpful" {
		t.Fatalf("got system %q", req.System)
	}
}

func TestParse_MissingModel(t *testing.T) {
	body := []byte(`{"max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)
	_, err := Parse(body)
	assertInvalidRequestMentioning(t, err, "model is required")
}

func TestParse_MissingMaxTokens(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	_, err := Parse(body)
	assertInvalidRequestMentioning(t, err, "max_tokens is required")
}

func TestParse_NonPositiveMaxTokens(t *testing.T) {
	body := []byte(`{"model":"m","max_tokens":0,"messages":[{"role":"user","content":"hi"}]}`)
	_, err := Parse(body)
	assertInvalidRequestMentioning(t, err, "max_tokens must be greater than 0")
}

func TestParse_MissingMessages(t *testing.T) {
	body := []byte(`{"model":"m","max_tokens":10,"messages":[]}`)
	_, err := Parse(body)
	assertInvalidRequestMentioning(t, err, "messages is required")
}

func TestParse_BlankRoleAndContent(t *testing.T) {
	body := []byte(`{"model":"m","max_tokens":10,"messages":[{"role":"","content":""}]}`)
	_, err := Parse(body)
	assertInvalidRequestMentioning(t, err, "role must not be blank")
	assertInvalidRequestMentioning(t, err, "content must not be blank")
}

func TestParse_ToolDescriptorBothShapes(t *testing.T) {
	body := []byte(`{
		"model":"m","max_tokens":10,
		"messages":[{"role":"user","content":"hi"}],
		"tools":[
			{"name":"get_weather","description":"d","input_schema":{"type":"object"}},
			{"type":"function","function":{"name":"already_openai","description":"d2","parameters":{"type":"object"}}},
			{"unrecognized":"shape"}
		]
	}`)
	req, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(req.Tools) != 2 {
		t.Fatalf("got %d tools, want 2 (unrecognized shape dropped)", len(req.Tools))
	}
	if req.Tools[0].Name != "get_weather" || req.Tools[1].Name != "already_openai" {
		t.Fatalf("unexpected tool names: %+v", req.Tools)
	}
}

func assertInvalidRequestMentioning(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	if !apierror.Is(err, apierror.KindInvalidRequest) {
		t.Fatalf("expected KindInvalidRequest, got %v", err)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("expected error to mention %q, got %v", substr, err)
	}
}

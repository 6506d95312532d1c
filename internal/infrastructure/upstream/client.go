// Package upstream wraps the downstream LLM backend: API-token exchange,
// model listing, and chat completions (buffered and streaming).
//
// Grounded on the teacher's internal/infrastructure/llm/openai_builtin.go
// for the HTTP transport shape (dial/TLS/idle timeouts tuned for slow LLM
// responses, SSE line-scanning over "data: " prefixes) and on
// internal/infrastructure/llm/anthropic/provider.go as the sibling-dialect
// reference when shaping the request/response structs in types.go. The
// token-exchange endpoint and required editor-version headers are grounded
// on the GitHub Copilot device-auth family of reference clients.
package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ngoclaw/llm-gateway/internal/domain/apierror"
	"github.com/ngoclaw/llm-gateway/internal/domain/entity"
	"github.com/ngoclaw/llm-gateway/pkg/safego"
	"go.uber.org/zap"
)

const (
	editorVersion       = "vscode/1.95.0"
	editorPluginVersion = "copilot/1.0.0"
	userAgent           = "GitHub-Copilot-LLM-Provider/1.0"
)

// Client talks to the identity provider (for token exchange) and the
// discovered API endpoint (for models / chat completions).
type Client struct {
	identityBaseURL   string
	defaultAPIBaseURL string
	httpClient        *http.Client
	logger            *zap.Logger
}

// New creates an upstream Client. identityBaseURL is used for API-token
// exchange; defaultAPIBaseURL is used until a token fetch discovers the
// real API endpoint.
func New(identityBaseURL, defaultAPIBaseURL string, logger *zap.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Client{
		identityBaseURL:   strings.TrimRight(identityBaseURL, "/"),
		defaultAPIBaseURL: strings.TrimRight(defaultAPIBaseURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Minute, // streaming completions can be slow
		},
		logger: logger.With(zap.String("component", "upstream")),
	}
}

// DefaultAPIBaseURL returns the fallback API endpoint used until a token
// fetch discovers the real one.
func (c *Client) DefaultAPIBaseURL() string { return c.defaultAPIBaseURL }

type apiTokenResponse struct {
	Token     string            `json:"token"`
	ExpiresAt int64             `json:"expires_at"`
	RefreshIn int64             `json:"refresh_in"`
	Endpoints map[string]string `json:"endpoints"`
}

// GetAPIToken exchanges an OAuth token for a short-lived API token,
// discovering the real API endpoint from the response.
func (c *Client) GetAPIToken(ctx context.Context, oauthToken string) (*entity.APIToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.identityBaseURL+"/copilot_internal/v2/token", nil)
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "token "+oauthToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch API token: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, string(body), nil)
	}

	var data apiTokenResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apierror.Wrap(apierror.KindParseFailure, "could not parse API token response", err)
	}

	return &entity.APIToken{
		Token:     data.Token,
		ExpiresAt: time.Unix(data.ExpiresAt, 0),
		RefreshIn: time.Duration(data.RefreshIn) * time.Second,
		Endpoints: data.Endpoints,
	}, nil
}

func (c *Client) setAuthHeaders(req *http.Request, apiToken string) {
	req.Header.Set("Authorization", "Bearer "+apiToken)
	req.Header.Set("Editor-Version", editorVersion)
	req.Header.Set("Editor-Plugin-Version", editorPluginVersion)
	req.Header.Set("User-Agent", userAgent)
}

// ListModels lists models available at the given API base URL.
func (c *Client) ListModels(ctx context.Context, apiBaseURL, apiToken string) ([]entity.ModelDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}
	c.setAuthHeaders(req, apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, string(body), nil)
	}

	var list ModelListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, apierror.Wrap(apierror.KindParseFailure, "could not parse models response", err)
	}

	descriptors := make([]entity.ModelDescriptor, 0, len(list.Data))
	for _, m := range list.Data {
		caps := make(map[string]bool, len(m.Capabilities))
		for k, v := range m.Capabilities {
			if b, ok := v.(bool); ok {
				caps[k] = b
			}
		}
		descriptors = append(descriptors, entity.ModelDescriptor{ID: m.ID, Capabilities: caps})
	}
	return descriptors, nil
}

// preferredClaudeOrder is the priority list preferred_claude_model walks.
var preferredClaudeOrder = []string{
	"claude-sonnet-4",
	"claude-3.7-sonnet",
	"claude-3.5-sonnet",
	"claude-3-sonnet-20240229",
	"claude-3-haiku",
}

// PreferredClaudeModel returns the first priority-listed Claude model
// present in the listing, falling back to any Claude-ish id, then the
// first listed model, then a hard default of "gpt-4o".
func (c *Client) PreferredClaudeModel(ctx context.Context, apiBaseURL, apiToken string) (string, error) {
	models, err := c.ListModels(ctx, apiBaseURL, apiToken)
	if err != nil {
		return "", err
	}
	return pickPreferredClaude(models), nil
}

func pickPreferredClaude(models []entity.ModelDescriptor) string {
	ids := make(map[string]bool, len(models))
	for _, m := range models {
		ids[m.ID] = true
	}
	for _, want := range preferredClaudeOrder {
		if ids[want] {
			return want
		}
	}
	for _, m := range models {
		if strings.Contains(strings.ToLower(m.ID), "claude") {
			return m.ID
		}
	}
	if len(models) > 0 {
		return models[0].ID
	}
	return "gpt-4o"
}

// FallbackModelForRateLimit returns "gpt-4o" if listed, else any id
// containing "gpt", else current unchanged.
func (c *Client) FallbackModelForRateLimit(ctx context.Context, apiBaseURL, apiToken, current string) (string, error) {
	models, err := c.ListModels(ctx, apiBaseURL, apiToken)
	if err != nil {
		return current, err
	}
	return pickFallbackForRateLimit(models, current), nil
}

func pickFallbackForRateLimit(models []entity.ModelDescriptor, current string) string {
	for _, m := range models {
		if m.ID == "gpt-4o" {
			return "gpt-4o"
		}
	}
	for _, m := range models {
		if strings.Contains(strings.ToLower(m.ID), "gpt") {
			return m.ID
		}
	}
	return current
}

// ChatCompletionParams bundles the arguments to a chat-completion call.
type ChatCompletionParams struct {
	Model       string
	Messages    []ChatMessage
	Temperature *float64
	MaxTokens   int
	Tools       []ChatTool
	ToolChoice  json.RawMessage
}

// ChatCompletion performs a buffered (non-streaming) chat completion.
func (c *Client) ChatCompletion(ctx context.Context, apiBaseURL, apiToken string, params ChatCompletionParams) (*ChatResponse, error) {
	body, err := buildChatRequestBody(params, false)
	if err != nil {
		return nil, fmt.Errorf("build chat request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBaseURL+"/chat/completions", strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req, apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat completion request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, string(respBody), resp.Header)
	}

	var out ChatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, apierror.Wrap(apierror.KindParseFailure, "could not parse chat completion response", err)
	}
	return &out, nil
}

// ChatCompletionStream performs a streaming chat completion. Each element
// sent on the returned channel is one upstream SSE "data:" payload,
// unparsed — the HTTP surface is responsible for wrapping it in the
// caller-facing SSE frame. The channel is closed when the upstream stream
// ends or the context is cancelled. At most one error is sent on the
// second return value, just before both channels close; it may arrive
// before the payload channel is seen closed, and reading it after the
// payload channel closes always yields that error or nil.
func (c *Client) ChatCompletionStream(ctx context.Context, apiBaseURL, apiToken string, params ChatCompletionParams) (<-chan string, <-chan error) {
	payloads := make(chan string)
	errCh := make(chan error, 1)

	safego.Go(c.logger, "upstream-chat-stream", func() {
		defer close(payloads)
		defer close(errCh)

		body, err := buildChatRequestBody(params, true)
		if err != nil {
			errCh <- fmt.Errorf("build chat request body: %w", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBaseURL+"/chat/completions", strings.NewReader(body))
		if err != nil {
			errCh <- fmt.Errorf("build chat request: %w", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		c.setAuthHeaders(req, apiToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			errCh <- fmt.Errorf("chat completion stream request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			errCh <- classifyHTTPError(resp.StatusCode, string(respBody), resp.Header)
			return
		}

		// Abandon the read and release the connection if the caller
		// disconnects mid-stream; no attempt is made to complete the
		// generation.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				resp.Body.Close()
			case <-done:
			}
		}()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				return
			}
			select {
			case payloads <- payload:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case <-ctx.Done():
				// Cancellation closed the body; not a real error.
			default:
				errCh <- fmt.Errorf("stream read error: %w", err)
			}
		}
	})

	return payloads, errCh
}

// classifyHTTPError implements spec's error-classification table: 401 ->
// TokenExpired, 429 -> RateLimit, 500 with a leaked expiry/auth signal ->
// TokenExpired, 500 with a leaked rate-limit signal -> RateLimit, anything
// else -> UpstreamFailure.
func classifyHTTPError(status int, body string, header http.Header) *apierror.Error {
	lower := strings.ToLower(body)

	switch status {
	case http.StatusUnauthorized:
		return apierror.New(apierror.KindTokenExpired, "upstream rejected the API token")
	case http.StatusTooManyRequests:
		retryAfter := ""
		if header != nil {
			retryAfter = header.Get("Retry-After")
		}
		return &apierror.Error{
			Kind:       apierror.KindRateLimit,
			Message:    "upstream rate limit",
			StatusCode: status,
			RetryAfter: retryAfter,
		}
	case http.StatusInternalServerError:
		if containsAny(lower, tokenExpiredLeakPatterns) {
			return &apierror.Error{Kind: apierror.KindTokenExpired, Message: "upstream 500 leaked an expiry/auth signal", StatusCode: status}
		}
		if containsAny(lower, rateLimitLeakPatterns) {
			return &apierror.Error{Kind: apierror.KindRateLimit, Message: "upstream 500 leaked a rate-limit signal", StatusCode: status}
		}
	}

	return &apierror.Error{
		Kind:       apierror.KindUpstreamFailure,
		Message:    fmt.Sprintf("upstream error %d: %s", status, body),
		StatusCode: status,
	}
}

// chatRequestBody is the wire envelope posted to /chat/completions. It
// mirrors ChatCompletionParams field-for-field; kept separate so the
// upstream-facing JSON shape (snake_case, omitempty) stays decoupled from
// the Go-idiomatic parameter struct callers build.
type chatRequestBody struct {
	Model       string          `json:"model"`
	Messages    []ChatMessage   `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []ChatTool      `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
}

func buildChatRequestBody(params ChatCompletionParams, stream bool) (string, error) {
	body := chatRequestBody{
		Model:       params.Model,
		Messages:    params.Messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Stream:      stream,
		Tools:       params.Tools,
		ToolChoice:  params.ToolChoice,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var tokenExpiredLeakPatterns = []string{
	"timeout", "expired", "unauthorized", "authentication",
	"invalid token", "token expired", "access denied", "forbidden", "credential",
}

var rateLimitLeakPatterns = []string{
	"rate limit", "quota exceeded", "too many requests", "429", "throttled", "usage limit",
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

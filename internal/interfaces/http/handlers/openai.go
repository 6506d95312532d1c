// Package handlers implements the gin route handlers for both the
// OpenAI-dialect and Anthropic-dialect HTTP surfaces, each a thin adapter
// over the Forwarder: decode, validate the bare minimum, dispatch,
// encode.
//
// Grounded on the teacher's internal/interfaces/http/handlers package
// (one handler struct per surface, constructed with its dependencies and
// a *zap.Logger, methods bound as gin.HandlerFunc).
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ngoclaw/llm-gateway/internal/domain/apierror"
	"github.com/ngoclaw/llm-gateway/internal/domain/entity"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/forwarder"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/translator"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/upstream"
	"go.uber.org/zap"
)

// OpenAIForwarder is the subset of *forwarder.Forwarder this handler
// needs.
type OpenAIForwarder interface {
	ForwardOpenAIBuffered(ctx context.Context, params upstream.ChatCompletionParams) (*upstream.ChatResponse, error)
	ForwardOpenAIStream(ctx context.Context, params upstream.ChatCompletionParams) (<-chan forwarder.StreamResult, error)
}

// ModelLister is the subset of *upstream.Client GET /v1/models needs,
// paired with a way to obtain a valid token/endpoint pair.
type ModelLister interface {
	ListModels(ctx context.Context, apiBaseURL, apiToken string) ([]entity.ModelDescriptor, error)
}

// TokenSource supplies a valid API token and the endpoint to call it
// against (creds.Manager satisfies this).
type TokenSource interface {
	ValidAPIToken(ctx context.Context) (token, endpoint string, err error)
}

// OpenAIHandler implements POST /v1/chat/completions and GET /v1/models.
type OpenAIHandler struct {
	forwarder OpenAIForwarder
	models    ModelLister
	tokens    TokenSource
	logger    *zap.Logger
}

// NewOpenAIHandler creates an OpenAIHandler.
func NewOpenAIHandler(forwarder OpenAIForwarder, models ModelLister, tokens TokenSource, logger *zap.Logger) *OpenAIHandler {
	return &OpenAIHandler{forwarder: forwarder, models: models, tokens: tokens, logger: logger.With(zap.String("component", "openai_handler"))}
}

type openAIChatRequest struct {
	Model       string                 `json:"model"`
	Messages    []upstream.ChatMessage `json:"messages"`
	Stream      bool                   `json:"stream"`
	Temperature *float64               `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	Tools       []upstream.ChatTool    `json:"tools,omitempty"`
	ToolChoice  json.RawMessage        `json:"tool_choice,omitempty"`
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeOpenAIError(c, apierror.Wrap(apierror.KindInvalidRequest, "could not read request body", err))
		return
	}

	var req openAIChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeOpenAIError(c, apierror.Wrap(apierror.KindInvalidRequest, "malformed JSON body", err))
		return
	}
	if req.Model == "" {
		writeOpenAIError(c, apierror.New(apierror.KindInvalidRequest, "model is required"))
		return
	}
	if len(req.Messages) == 0 {
		writeOpenAIError(c, apierror.New(apierror.KindInvalidRequest, "messages is required"))
		return
	}

	params := upstream.ChatCompletionParams{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   translator.ClampMaxTokens(req.MaxTokens),
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
	}

	if req.Stream {
		stream, err := h.forwarder.ForwardOpenAIStream(c.Request.Context(), params)
		if err != nil {
			writeOpenAIError(c, err)
			return
		}
		relaySSE(c, stream)
		return
	}

	resp, err := h.forwarder.ForwardOpenAIBuffered(c.Request.Context(), params)
	if err != nil {
		h.logger.Error("chat completion failed", zap.Error(err))
		writeOpenAIError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListModels handles GET /v1/models, proxying the upstream listing into
// the OpenAI models-list envelope.
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	token, endpoint, err := h.tokens.ValidAPIToken(c.Request.Context())
	if err != nil {
		writeOpenAIError(c, err)
		return
	}

	models, err := h.models.ListModels(c.Request.Context(), endpoint, token)
	if err != nil {
		writeOpenAIError(c, err)
		return
	}

	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"id":     m.ID,
			"object": "model",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

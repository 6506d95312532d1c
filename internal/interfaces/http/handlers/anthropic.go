package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ngoclaw/llm-gateway/internal/domain/apierror"
	"github.com/ngoclaw/llm-gateway/internal/domain/entity"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/forwarder"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/parser"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/translator"
	"go.uber.org/zap"
)

// AnthropicForwarder is the subset of *forwarder.Forwarder this handler
// needs.
type AnthropicForwarder interface {
	ForwardAnthropicBuffered(ctx context.Context, req *entity.NormalizedRequest) (*translator.AnthropicResponse, error)
	ForwardAnthropicStream(ctx context.Context, req *entity.NormalizedRequest) (<-chan forwarder.StreamResult, error)
}

// AnthropicHandler implements POST /v1/messages.
type AnthropicHandler struct {
	forwarder AnthropicForwarder
	logger    *zap.Logger
}

// NewAnthropicHandler creates an AnthropicHandler.
func NewAnthropicHandler(forwarder AnthropicForwarder, logger *zap.Logger) *AnthropicHandler {
	return &AnthropicHandler{forwarder: forwarder, logger: logger.With(zap.String("component", "anthropic_handler"))}
}

// Messages handles POST /v1/messages.
func (h *AnthropicHandler) Messages(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeAnthropicError(c, apierror.Wrap(apierror.KindInvalidRequest, "could not read request body", err))
		return
	}

	req, err := parser.Parse(body)
	if err != nil {
		writeAnthropicError(c, err)
		return
	}

	if req.Stream {
		stream, err := h.forwarder.ForwardAnthropicStream(c.Request.Context(), req)
		if err != nil {
			writeAnthropicError(c, err)
			return
		}
		relaySSE(c, stream)
		return
	}

	resp, err := h.forwarder.ForwardAnthropicBuffered(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("message completion failed", zap.Error(err))
		writeAnthropicError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

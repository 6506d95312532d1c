package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ngoclaw/llm-gateway/internal/domain/apierror"
)

// statusForKind maps a gateway error kind to the HTTP status it surfaces
// as. InvalidRequest is the only client error; everything else reaching
// the HTTP surface already survived the Forwarder's retries and is
// reported as a server-side failure.
func statusForKind(k apierror.Kind) int {
	if k == apierror.KindInvalidRequest {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func messageFor(err error) string {
	if e, ok := err.(*apierror.Error); ok {
		return e.Message
	}
	return err.Error()
}

func kindFor(err error) apierror.Kind {
	if e, ok := err.(*apierror.Error); ok {
		return e.Kind
	}
	return apierror.KindUpstreamFailure
}

// writeOpenAIError writes the OpenAI-dialect error envelope:
// {error:{message, type, param?, code?}}.
func writeOpenAIError(c *gin.Context, err error) {
	kind := kindFor(err)
	status := statusForKind(kind)
	errType := "invalid_request_error"
	if kind != apierror.KindInvalidRequest {
		errType = "internal_error"
	}
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": messageFor(err),
			"type":    errType,
		},
	})
}

// writeAnthropicError writes the Anthropic-dialect error envelope:
// {type:"error", error:{type, message}}.
func writeAnthropicError(c *gin.Context, err error) {
	kind := kindFor(err)
	status := statusForKind(kind)
	errType := "internal_error"
	if kind == apierror.KindInvalidRequest {
		errType = "invalid_request_error"
	}
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": messageFor(err),
		},
	})
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health handles GET /health.
func Health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// Root handles GET /, a minimal identification endpoint.
func Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "llm-gateway",
		"version":     "1.0.0",
		"description": "translates OpenAI and Anthropic chat requests onto a GitHub Copilot-backed upstream",
	})
}

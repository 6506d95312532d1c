package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/forwarder"
)

// relaySSE writes every payload from results as an SSE frame, followed by
// the terminal "data: [DONE]\n\n" marker. A mid-stream upstream failure is
// reported as one final error frame, with no [DONE] marker after it,
// rather than a dropped connection (spec's documented partial-
// streaming-failure behavior).
func relaySSE(c *gin.Context, results <-chan forwarder.StreamResult) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(200)

	flusher, canFlush := c.Writer.(interface{ Flush() })

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case r, ok := <-results:
			if !ok {
				fmt.Fprint(c.Writer, "data: [DONE]\n\n")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if r.Err != nil {
				fmt.Fprintf(c.Writer, "data: {\"error\":\"Stream error\"}\n\n")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", r.Payload)
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

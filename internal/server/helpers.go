package server

import (
	"net/http"
	"strings"
	"time"

	"llmrelay/internal/core"
	"llmrelay/internal/metrics"
	"llmrelay/internal/util"

	"github.com/gin-gonic/gin"
)

// respondWithOpenAIError returns OpenAI format error response
func respondWithOpenAIError(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"error": message})
}

// httpStatusForError maps the application error taxonomy onto HTTP status codes.
func httpStatusForError(err error) int {
	switch core.ErrorCode(err) {
	case core.ErrMalformedRequest:
		return http.StatusBadRequest
	case core.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case core.ErrUpstreamTransport, core.ErrUpstreamShape:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondWithAppError converts a pipeline error into an HTTP response.
func respondWithAppError(c *gin.Context, err error) {
	message := "internal server error"
	var appErr *core.AppError
	if e, ok := err.(*core.AppError); ok {
		appErr = e
	}
	if appErr != nil {
		message = appErr.Message
	}
	respondWithOpenAIError(c, httpStatusForError(err), message)
}

// respondWithShapeDiagnostic surfaces the raw upstream body alongside the
// shape error so callers can see what the upstream actually returned.
func respondWithShapeDiagnostic(c *gin.Context, err error, upstreamBody []byte) {
	message := "upstream response could not be translated"
	var appErr *core.AppError
	if e, ok := err.(*core.AppError); ok {
		appErr = e
	}
	if appErr != nil {
		message = appErr.Message
	}

	c.JSON(http.StatusBadGateway, gin.H{
		"error":         message,
		"upstream_body": util.TruncateString(string(upstreamBody), 2048, 0, ""),
	})
}

// trackPerformanceWithMetrics records performance metrics
func trackPerformanceWithMetrics(m *metrics.MetricsService, startTime time.Time) func() {
	return func() {
		duration := time.Since(startTime)
		m.RecordHTTPRequest(duration)
	}
}

// recordRequestResultWithMetrics records request result
func recordRequestResultWithMetrics(m *metrics.MetricsService, success bool, startTime time.Time, model, upstream string) {
	if success {
		metrics.RecordSuccessWithMetrics(m, startTime, model, upstream)
	} else {
		metrics.RecordFailureWithMetrics(m, startTime, model, upstream)
	}
}

// extractInboundCredential pulls the caller's credential from either auth
// header so it can be re-attached upstream when no key is configured.
func extractInboundCredential(c *gin.Context) string {
	if apiKey := c.GetHeader(core.HeaderXAPIKey); apiKey != "" {
		return apiKey
	}
	if authHeader := c.GetHeader(core.HeaderAuthorization); authHeader != "" {
		return strings.TrimPrefix(authHeader, core.AuthBearerPrefix)
	}
	return ""
}

// upstreamContentType returns the upstream's Content-Type for verbatim
// pass-through, defaulting to JSON.
func upstreamContentType(resp *http.Response) string {
	if ct := resp.Header.Get(core.HeaderContentType); ct != "" {
		return ct
	}
	return core.ContentTypeJSON
}

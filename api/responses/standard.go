package responses

import (
	"net/http"
	"time"

	"github.com/Aidin1998/pixelverify/pkg/errors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// StandardResponse represents a standard API response format
type StandardResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}, message ...string) {
	msg := "Operation successful"
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}

	response := StandardResponse{
		Success:   true,
		Data:      data,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		TraceID:   getTraceID(c),
	}

	c.JSON(http.StatusOK, response)
}

// Error sends an error response using RFC 7807 format. Headers carried by the
// problem (Retry-After, rate limit counters) are written before the body.
func Error(c *gin.Context, problemDetails *errors.ProblemDetails) {
	if problemDetails.TraceID == "" {
		if traceID := getTraceID(c); traceID != "" {
			problemDetails.WithTraceID(traceID)
		}
	}

	if problemDetails.Extra == nil || problemDetails.Extra["timestamp"] == nil {
		problemDetails.WithExtra("timestamp", time.Now().UTC().Format(time.RFC3339))
	}

	for k, v := range problemDetails.Headers {
		c.Header(k, v)
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(problemDetails.Status, problemDetails)
}

// BadRequest sends a 400 Bad Request response
func BadRequest(c *gin.Context, detail string, validationErrors ...errors.ValidationError) {
	problemDetails := errors.NewValidationError(detail, c.Request.URL.Path)
	if len(validationErrors) > 0 {
		problemDetails.WithValidationErrors(validationErrors)
	}
	Error(c, problemDetails)
}

// Unauthorized sends a 401 Unauthorized response
func Unauthorized(c *gin.Context, detail string) {
	Error(c, errors.NewUnauthorizedError(detail, c.Request.URL.Path))
}

// TooManyRequests sends a 429 response with the retry hint and limit headers
func TooManyRequests(c *gin.Context, detail string, retryAfter time.Duration, limit, remaining int64) {
	Error(c, errors.NewRateLimitError(detail, c.Request.URL.Path, retryAfter, limit, remaining))
}

// InternalServerError sends a 500 Internal Server Error response
func InternalServerError(c *gin.Context, detail string) {
	Error(c, errors.NewInternalError(detail, c.Request.URL.Path))
}

// ServiceUnavailable sends a 503 Service Unavailable response
func ServiceUnavailable(c *gin.Context, detail string, retryAfter time.Duration) {
	Error(c, errors.NewServiceUnavailableError(detail, c.Request.URL.Path, retryAfter))
}

// getTraceID extracts the trace id from the active span, falling back to the header
func getTraceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return c.GetHeader("X-Trace-ID")
}

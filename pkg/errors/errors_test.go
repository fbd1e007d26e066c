package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindMatching(t *testing.T) {
	err := fmt.Errorf("acquire: %w", UpstreamFailure.Explain("redis timeout").Wrap(fmt.Errorf("i/o timeout")))

	assert.True(t, Is(err, UpstreamFailure))
	assert.False(t, Is(err, CapacityExceeded))
	assert.Contains(t, err.Error(), "[UpstreamFailure] redis timeout (i/o timeout)")
}

func TestWrapDoesNotMutateSentinel(t *testing.T) {
	_ = TransportFailure.Wrap(fmt.Errorf("broken pipe"))
	assert.Nil(t, TransportFailure.Unwrap())
}

func TestRateLimitProblemHeaders(t *testing.T) {
	p := NewRateLimitError("too many", "/api/v1/stream", 1500*time.Millisecond, 3, -1)

	assert.Equal(t, http.StatusTooManyRequests, p.Status)
	assert.Equal(t, "2", p.Headers["Retry-After"])
	assert.Equal(t, "3", p.Headers["X-RateLimit-Limit"])
	assert.Equal(t, "0", p.Headers["X-RateLimit-Remaining"])

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, float64(2), body["retry_after"])
	assert.NotContains(t, body, "Headers")
}

package stream

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-contrib/sse"
)

// SSESink writes messages as Server-Sent Events, using the message type as the event name
type SSESink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    <-chan struct{}
	closed  bool
}

var _ Sink = (*SSESink)(nil)

// NewSSESink writes the event-stream headers and returns a sink bound to the request's lifetime
func NewSSESink(w http.ResponseWriter, r *http.Request) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer %T cannot flush", w)
	}
	h := w.Header()
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSESink{w: w, flusher: flusher, done: r.Context().Done()}, nil
}

// Send implements Sink
func (s *SSESink) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sse sink closed")
	}
	if err := sse.Encode(s.w, sse.Event{Event: string(msg.Type), Data: msg}); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done implements Sink
func (s *SSESink) Done() <-chan struct{} {
	return s.done
}

// Close implements Sink. The response ends when the handler returns.
func (s *SSESink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

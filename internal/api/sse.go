package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// SSE writes server-sent events.
type SSE struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewSSE sets the event-stream headers and returns a writer.
func NewSSE(w http.ResponseWriter) (*SSE, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &SSE{w: w, f: f}, nil
}

// Send writes v as one JSON data event.
func (s *SSE) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.raw(string(data))
}

// Delta sends a text fragment as {"delta":{"text":...}}.
func (s *SSE) Delta(text string) error {
	return s.Send(map[string]any{"delta": map[string]string{"text": text}})
}

// Error sends {"error": msg}.
func (s *SSE) Error(msg string) error {
	return s.Send(map[string]string{"error": msg})
}

// Done sends the [DONE] terminator.
func (s *SSE) Done() error {
	return s.raw("[DONE]")
}

func (s *SSE) raw(data string) error {
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// WantsStream reports whether the client asked for an event stream.
func WantsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream") || r.URL.Query().Get("stream") == "true"
}

package streaming

import (
	"encoding/json"
	"net/http"

	"github.com/Laisky/errors/v2"
)

// SetEventStreamHeaders marks w as an SSE response. Must be called before
// the first byte of the body is written.
func SetEventStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Writer frames normalized chat completion chunks as outbound SSE to the
// gateway's own caller, independent of whatever dialect upstream used.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter wraps w for SSE output. SetEventStreamHeaders must have already
// been called.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// WriteJSON marshals v and writes it as one "data: ..." SSE frame.
func (s *Writer) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal stream chunk")
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return errors.Wrap(err, "write sse frame")
	}
	if _, err := s.w.Write(b); err != nil {
		return errors.Wrap(err, "write sse frame")
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return errors.Wrap(err, "write sse frame")
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// WriteDone emits the terminal "[DONE]" sentinel frame.
func (s *Writer) WriteDone() error {
	if _, err := s.w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return errors.Wrap(err, "write sse done frame")
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

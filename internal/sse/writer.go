// Package sse frames stream events as server-sent events and parses them back.
package sse

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/chadiek/avatar-runtime/internal/event"
)

// ErrStreamingUnsupported is returned when the response cannot be flushed incrementally.
var ErrStreamingUnsupported = errors.New("sse: streaming unsupported")

// Writer writes events to an HTTP response, flushing after each one.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewWriter sets the event-stream headers and writes the status line.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes one event frame.
func (s *Writer) Send(ev event.Event) error {
	kind, data, err := event.Encode(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", kind, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Comment writes a comment frame, used as a keep-alive.
func (s *Writer) Comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/nstogner/deskpilot/pkg/agent"
	"github.com/nstogner/deskpilot/pkg/domain"
)

// sseEmitter writes events as `data: <json>\n\n` frames, flushing after
// each one. A mutex serializes writers: tool calls execute concurrently,
// but each call's events arrive from a single goroutine, so per-call order
// is preserved.
type sseEmitter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// Verify interface compliance.
var _ agent.Emitter = (*sseEmitter)(nil)

func newSSEEmitter(w http.ResponseWriter) (*sseEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseEmitter{w: w, flusher: flusher}, nil
}

func (e *sseEmitter) Emit(ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	e.flusher.Flush()
	return nil
}

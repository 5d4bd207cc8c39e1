package server

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nstogner/deskpilot/pkg/agent"
	"github.com/nstogner/deskpilot/pkg/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// watcherBuffer is the channel buffer per watcher; slow watchers drop
// frames rather than stalling the turn.
const watcherBuffer = 16

// watchHub fans screenshot updates out to websocket viewers, keyed by
// sandbox id.
type watchHub struct {
	mu   sync.Mutex
	subs map[string][]chan string
}

func newWatchHub() *watchHub {
	return &watchHub{subs: make(map[string][]chan string)}
}

func (h *watchHub) subscribe(sandboxID string) chan string {
	ch := make(chan string, watcherBuffer)
	h.mu.Lock()
	h.subs[sandboxID] = append(h.subs[sandboxID], ch)
	h.mu.Unlock()
	return ch
}

func (h *watchHub) unsubscribe(sandboxID string, ch chan string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[sandboxID]
	for i, s := range subs {
		if s == ch {
			h.subs[sandboxID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[sandboxID]) == 0 {
		delete(h.subs, sandboxID)
	}
}

func (h *watchHub) publish(sandboxID, url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[sandboxID] {
		select {
		case ch <- url:
		default:
			// Slow watcher - drop the frame.
		}
	}
}

// tee wraps an emitter so screenshot updates also reach this sandbox's
// watchers.
func (h *watchHub) tee(sandboxID string, next agent.Emitter) agent.Emitter {
	return &teeEmitter{hub: h, sandboxID: sandboxID, next: next}
}

type teeEmitter struct {
	hub       *watchHub
	sandboxID string
	next      agent.Emitter
}

func (t *teeEmitter) Emit(ev domain.Event) error {
	if ev.Type == domain.EventScreenshotUpdate {
		t.hub.publish(t.sandboxID, ev.Screenshot)
	}
	return t.next.Emit(ev)
}

// handleWatch streams screenshot-update frames for one sandbox to a
// websocket viewer.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	sandboxID := r.PathValue("id")
	if sandboxID == "" {
		http.Error(w, "Missing sandbox ID", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	updates := s.watchers.subscribe(sandboxID)
	defer s.watchers.unsubscribe(sandboxID, updates)

	// The request context does not fire once the connection is hijacked;
	// a read loop is what notices the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case url := <-updates:
			if err := ws.WriteJSON(domain.Event{
				Type:       domain.EventScreenshotUpdate,
				Screenshot: url,
			}); err != nil {
				slog.Debug("Watcher write failed, closing", "sandboxID", sandboxID, "error", err)
				return
			}
		}
	}
}

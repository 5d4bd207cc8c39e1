package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nstogner/deskpilot/pkg/agent"
	"github.com/nstogner/deskpilot/pkg/shots"
)

// --- Chat ---

// handleChat runs one agent turn and streams its events back as
// server-sent events. Stream end without a prior error event means the
// turn completed.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var turn agent.Turn
	if err := json.NewDecoder(r.Body).Decode(&turn); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	emitter, err := newSSEEmitter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	// Screenshot updates also fan out to websocket watchers of this
	// sandbox.
	emit := s.watchers.tee(turn.SandboxID, emitter)

	if err := s.runner.Run(r.Context(), turn, emit); err != nil {
		if errors.Is(err, agent.ErrSandboxBusy) {
			// Nothing streamed yet for a rejected turn.
			s.errorResponse(w, http.StatusConflict, err)
		}
		// Other failures were already reported on the stream as error
		// events (or the client went away).
		return
	}
}

// --- Screenshots ---

func (s *Server) handleGetScreenshot(w http.ResponseWriter, r *http.Request) {
	filename := r.PathValue("filename")
	f, err := s.shots.Open(filename)
	if err != nil {
		if errors.Is(err, shots.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	// Filenames are epoch-unique and contents never change.
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	io.Copy(w, f)
}

// --- Desktop lifecycle ---

// handleGetDesktop connects to (or creates) a desktop and returns its id
// and live stream URL.
func (s *Server) handleGetDesktop(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	desk, err := s.desktops.Connect(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"id":        desk.ID(),
		"streamUrl": desk.StreamURL(),
	})
}

func (s *Server) handleKillDesktop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.desktops.Destroy(r.Context(), id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

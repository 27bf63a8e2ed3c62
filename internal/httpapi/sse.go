package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"compass/internal/progress"
	"compass/pkg/logging"
)

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.deps.Progress.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeMethodNotFound, err.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// handleStreamOperation streams progress events over SSE until the
// operation reaches a terminal state or the client goes away. A terminal
// operation yields its final snapshot immediately.
func (s *Server) handleStreamOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, cancel, err := s.deps.Progress.Subscribe(id)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeMethodNotFound, err.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error(), nil)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev.Operation)
			if err != nil {
				logging.Warn("HTTP", "Encoding progress event failed: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, payload)
			flusher.Flush()
		}
	}
}

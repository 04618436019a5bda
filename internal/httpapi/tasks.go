package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Lllllllleong/pageflow/internal/tasks"
)

// HandleTask delivers one queued task to its handler. A 503 asks the queue to
// redeliver; a malformed envelope is rejected with 400 and never retried.
func (h *Handler) HandleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var t tasks.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		slog.Error("Could not decode task envelope.", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if t.Kind == "" {
		http.Error(w, "Bad Request: task kind is required", http.StatusBadRequest)
		return
	}

	logCtx := slog.With("taskId", t.ID, "kind", t.Kind, "priority", t.Priority)
	err := h.dispatcher.Handle(r.Context(), t)
	if errors.Is(err, tasks.ErrUnknownKind) {
		http.Error(w, "Bad Request: unknown task kind", http.StatusBadRequest)
		return
	}
	if err != nil {
		logCtx.Error("Task failed; asking for redelivery.", "error", err)
		http.Error(w, "Service Unavailable: task failed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

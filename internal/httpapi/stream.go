// Package httpapi is the HTTP boundary: the two cleanup streaming endpoints
// used by the front-end and the task delivery endpoint used by the queue.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/services"
	"github.com/Lllllllleong/pageflow/internal/store"
	"github.com/Lllllllleong/pageflow/internal/tasks"
)

// Cleaner runs cleanup while handing fragments to a sink.
type Cleaner interface {
	CleanPage(ctx context.Context, req models.CleanPageRequest, sink services.StreamSink) (*models.CleanedPage, error)
	CleanDocument(ctx context.Context, documentID string, provider models.Provider, sink services.StreamSink) (*models.DocumentCleanup, error)
}

// Handler serves the pipeline's HTTP endpoints.
type Handler struct {
	cleaner    Cleaner
	dispatcher *tasks.Dispatcher
}

// NewHandler creates a new Handler instance.
func NewHandler(cleaner Cleaner, dispatcher *tasks.Dispatcher) *Handler {
	return &Handler{cleaner: cleaner, dispatcher: dispatcher}
}

// StreamPage streams the cleanup of one page's extraction.
func (h *Handler) StreamPage(w http.ResponseWriter, r *http.Request) {
	req, provider, ok := decodeStreamRequest(w, r)
	if !ok {
		return
	}
	logCtx := slog.With("pageId", req.Identifier, "provider", provider)
	h.stream(w, r, logCtx, func(ctx context.Context, sink services.StreamSink) error {
		_, err := h.cleaner.CleanPage(ctx, models.CleanPageRequest{PageID: req.Identifier, Provider: provider}, sink)
		return err
	})
}

// StreamDocument streams the cleanup of a whole document's extracted text.
func (h *Handler) StreamDocument(w http.ResponseWriter, r *http.Request) {
	req, provider, ok := decodeStreamRequest(w, r)
	if !ok {
		return
	}
	logCtx := slog.With("documentId", req.Identifier, "provider", provider)
	h.stream(w, r, logCtx, func(ctx context.Context, sink services.StreamSink) error {
		_, err := h.cleaner.CleanDocument(ctx, req.Identifier, provider, sink)
		return err
	})
}

func decodeStreamRequest(w http.ResponseWriter, r *http.Request) (models.StreamRequest, models.Provider, bool) {
	var req models.StreamRequest
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return req, "", false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode stream request.", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return req, "", false
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" {
		http.Error(w, "Bad Request: identifier is required", http.StatusBadRequest)
		return req, "", false
	}
	provider, err := models.ParseProvider(req.Provider)
	if err != nil {
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		return req, "", false
	}
	return req, provider, true
}

// stream runs the cleanup in its own goroutine and relays every fragment
// through a channel owned by this request. The status code is only chosen
// once the first fragment or the final error is known.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, logCtx *slog.Logger, run func(ctx context.Context, sink services.StreamSink) error) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	fragments := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		defer close(fragments)
		done <- run(ctx, func(fragment string) {
			select {
			case fragments <- fragment:
			case <-ctx.Done():
			}
		})
	}()

	flusher, _ := w.(http.Flusher)
	started, broken := false, false
	for fragment := range fragments {
		if broken {
			continue
		}
		if !started {
			writeStreamHeaders(w)
			started = true
		}
		if _, err := io.WriteString(w, fragment); err != nil {
			logCtx.Warn("Client went away mid-stream.", "error", err)
			broken = true
			cancel()
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	err := <-done
	switch {
	case err == nil && !started:
		writeStreamHeaders(w)
	case err != nil && !started:
		logCtx.Error("Cleanup stream failed before any output.", "error", err)
		http.Error(w, http.StatusText(statusFor(err)), statusFor(err))
	case err != nil:
		logCtx.Error("Cleanup stream failed mid-way; output is truncated.", "error", err)
	default:
		logCtx.Info("Cleanup stream complete.")
	}
}

func writeStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

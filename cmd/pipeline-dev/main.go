// Command pipeline-dev runs the whole pipeline in one process with an
// in-process task queue, for local development against real cloud services.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lllllllleong/pageflow/internal/gcp"
	"github.com/Lllllllleong/pageflow/internal/httpapi"
	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/services"
	"github.com/Lllllllleong/pageflow/internal/tasks"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))

	if err := run(); err != nil {
		slog.Error("pipeline-dev stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := services.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	clients, err := services.OpenClients(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer clients.Close()

	dispatcher := tasks.NewDispatcher()
	queue := tasks.NewLocalQueue(tasks.LocalQueueConfig{Workers: cfg.QueueWorkers}, dispatcher.Handle)
	deps, err := clients.Deps(cfg, clients.Store(cfg), queue)
	if err != nil {
		return err
	}
	pipeline := services.NewPipeline(*cfg, deps)
	pipeline.Register(dispatcher)
	queue.Start(ctx)

	handler := httpapi.NewHandler(pipeline.Cleaner, dispatcher)
	srv := &http.Server{
		Addr:              ":" + gcp.GetEnv("PORT", "8080"),
		Handler:           newRouter(pipeline, queue, handler, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr, "store", cfg.StoreKind, "workers", cfg.QueueWorkers)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Task queue did not drain", "error", err)
	}
	slog.Info("Server stopped")
	return nil
}

func newRouter(pipeline *services.Pipeline, queue tasks.Queue, handler *httpapi.Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	// Stands in for the storage trigger.
	r.Post("/uploads", func(w http.ResponseWriter, r *http.Request) {
		var e services.GCSEvent
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
			return
		}
		docID, duplicate, err := pipeline.IngestUpload(r.Context(), e)
		if err != nil {
			http.Error(w, "Internal Server Error: ingest failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"documentId": docID, "duplicate": duplicate})
	})

	r.Post("/pipeline/{documentId}", func(w http.ResponseWriter, r *http.Request) {
		req := models.StartPipelineRequest{DocumentID: chi.URLParam(r, "documentId")}
		if err := tasks.Enqueue(r.Context(), queue, tasks.KindStartPipeline, req, tasks.WithPriority(tasks.PriorityMax)); err != nil {
			http.Error(w, "Service Unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	r.Post("/tasks", handler.HandleTask)

	r.Group(func(r chi.Router) {
		r.Use(httpapi.CORS(allowedOrigins))
		r.MethodFunc(http.MethodPost, "/stream/document", handler.StreamDocument)
		r.MethodFunc(http.MethodOptions, "/stream/document", handler.StreamDocument)
		r.MethodFunc(http.MethodPost, "/stream/page", handler.StreamPage)
		r.MethodFunc(http.MethodOptions, "/stream/page", handler.StreamPage)
	})
	return r
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/pageflow/internal/httpapi"
	"github.com/Lllllllleong/pageflow/internal/services"
	"github.com/Lllllllleong/pageflow/internal/tasks"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

type worker struct {
	pipeline *services.Pipeline
	handler  *httpapi.Handler
	cors     func(http.Handler) http.Handler
}

var (
	instance *worker
	once     sync.Once
	initErr  error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("StartPipeline", startPipeline)
	functions.HTTP("HandleTask", handleTask)
	functions.HTTP("StreamDocumentCleanup", streamDocumentCleanup)
	functions.HTTP("StreamPageCleanup", streamPageCleanup)
}

// main is required by the Go Functions Framework.
func main() {}

func setup() (*worker, error) {
	once.Do(func() {
		instance, initErr = newWorker(context.Background())
	})
	return instance, initErr
}

func newWorker(ctx context.Context) (*worker, error) {
	cfg, err := services.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	clients, err := services.OpenClients(ctx, cfg, true)
	if err != nil {
		return nil, err
	}
	queue, err := clients.WorkflowsQueue(cfg)
	if err != nil {
		clients.Close()
		return nil, err
	}
	deps, err := clients.Deps(cfg, clients.Store(cfg), queue)
	if err != nil {
		clients.Close()
		return nil, err
	}

	pipeline := services.NewPipeline(*cfg, deps)
	dispatcher := tasks.NewDispatcher()
	pipeline.Register(dispatcher)
	slog.Info("Pipeline worker initialised.", "projectId", cfg.ProjectID, "pagesBucket", cfg.PagesBucket, "preferredProvider", cfg.PreferredProvider)
	return &worker{
		pipeline: pipeline,
		handler:  httpapi.NewHandler(pipeline.Cleaner, dispatcher),
		cors:     httpapi.CORS(cfg.AllowedOrigins),
	}, nil
}

// startPipeline is triggered by an object finalized in the uploads bucket.
func startPipeline(ctx context.Context, e cloudevents.Event) error {
	w, err := setup()
	if err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		return err
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	_, _, err = w.pipeline.IngestUpload(ctx, gcsEvent)
	return err
}

func handleTask(rw http.ResponseWriter, r *http.Request) {
	w, ok := ready(rw)
	if !ok {
		return
	}
	w.handler.HandleTask(rw, r)
}

func streamDocumentCleanup(rw http.ResponseWriter, r *http.Request) {
	w, ok := ready(rw)
	if !ok {
		return
	}
	w.cors(http.HandlerFunc(w.handler.StreamDocument)).ServeHTTP(rw, r)
}

func streamPageCleanup(rw http.ResponseWriter, r *http.Request) {
	w, ok := ready(rw)
	if !ok {
		return
	}
	w.cors(http.HandlerFunc(w.handler.StreamPage)).ServeHTTP(rw, r)
}

func ready(rw http.ResponseWriter) (*worker, bool) {
	w, err := setup()
	if err != nil {
		slog.Error("CRITICAL: worker initialization failed", "error", err)
		http.Error(rw, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return nil, false
	}
	return w, true
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"github.com/Lllllllleong/pageflow/internal/gcp"
	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/providers"
	"github.com/Lllllllleong/pageflow/internal/store"
	"github.com/Lllllllleong/pageflow/internal/tasks"
)

// Clients are the long-lived Google Cloud clients of one process.
type Clients struct {
	Firestore  *firestore.Client
	Storage    *storage.Client
	Vertex     *gcp.VertexClient
	Prediction *aiplatform.PredictionClient
	Executions *executions.Client
}

// OpenClients connects to every backing service. Firestore is skipped when the
// in-memory store is configured, and the Workflows client when withQueue is false.
func OpenClients(ctx context.Context, cfg *Config, withQueue bool) (*Clients, error) {
	c := &Clients{}
	var err error

	if cfg.StoreKind != "memory" {
		if c.Firestore, err = gcp.NewFirestoreClient(ctx, cfg.ProjectID, cfg.FirestoreDatabase); err != nil {
			return nil, err
		}
	}
	if c.Storage, err = storage.NewClient(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if c.Vertex, err = gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexAIRegion, cfg.ModelName); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}
	if c.Prediction, err = gcp.NewPredictionClient(ctx, cfg.VertexAIRegion); err != nil {
		c.Close()
		return nil, err
	}
	if withQueue {
		if c.Executions, err = gcp.NewExecutionsClient(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Close releases every open client.
func (c *Clients) Close() {
	var errs []error
	if c.Firestore != nil {
		errs = append(errs, c.Firestore.Close())
	}
	if c.Storage != nil {
		errs = append(errs, c.Storage.Close())
	}
	if c.Vertex != nil {
		errs = append(errs, c.Vertex.Close())
	}
	if c.Prediction != nil {
		errs = append(errs, c.Prediction.Close())
	}
	if c.Executions != nil {
		errs = append(errs, c.Executions.Close())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("Error while closing clients.", "error", err)
	}
}

// Store returns the configured durable store.
func (c *Clients) Store(cfg *Config) store.Store {
	if c.Firestore == nil {
		slog.Warn("Using the in-memory store; state is lost on restart.")
		return store.NewMemoryStore()
	}
	return store.NewFirestoreStore(c.Firestore, cfg.CollectionPrefix)
}

// WorkflowsQueue returns the production task queue.
func (c *Clients) WorkflowsQueue(cfg *Config) (*tasks.WorkflowsQueue, error) {
	if c.Executions == nil {
		return nil, fmt.Errorf("workflows client was not opened")
	}
	return tasks.NewWorkflowsQueue(c.Executions, tasks.WorkflowsConfig{
		ProjectID:        cfg.ProjectID,
		WorkflowLocation: cfg.WorkflowLocation,
		WorkflowID:       cfg.WorkflowID,
		HandlerURL:       cfg.TaskHandlerURL,
	})
}

// Deps assembles the pipeline collaborators. Provider B is left out when no
// endpoint is configured.
func (c *Clients) Deps(cfg *Config, st store.Store, queue tasks.Queue) (Deps, error) {
	ocr := map[models.Provider]providers.OCRClient{
		models.ProviderClosed: providers.NewGeminiOCR(c.Vertex),
	}
	if cfg.OpenOCR.Endpoint != "" {
		open, err := providers.NewOpenOCR(cfg.OpenOCR, nil)
		if err != nil {
			return Deps{}, fmt.Errorf("failed to configure open OCR provider: %w", err)
		}
		ocr[models.ProviderOpen] = open
	} else {
		slog.Warn("OPEN_OCR_ENDPOINT not set; running with the closed provider only.")
	}

	return Deps{
		Store:     st,
		Blobs:     gcp.NewGCSStorage(c.Storage, cfg.PagesBucket),
		Queue:     queue,
		OCR:       ocr,
		Cleanup:   providers.NewGeminiCleanup(c.Vertex),
		Splitter:  PDFCPUPageSplitter{},
		Embedder:  NewVertexEmbedder(c.Prediction, cfg.ProjectID, cfg.VertexAIRegion, cfg.EmbeddingModel),
		Summaries: NewGeminiSummarizer(c.Vertex),
	}, nil
}

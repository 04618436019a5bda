package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Lllllllleong/pageflow/internal/gcp"
	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/providers"
	"github.com/Lllllllleong/pageflow/internal/store"
	"github.com/Lllllllleong/pageflow/internal/tasks"
)

// Deps are the collaborators the pipeline is assembled from.
type Deps struct {
	Store     store.Store
	Blobs     BlobStore
	Queue     tasks.Queue
	OCR       map[models.Provider]providers.OCRClient
	Cleanup   providers.CleanupClient
	Splitter  PageSplitter
	Embedder  Embedder
	Summaries SummaryGenerator
}

// Pipeline wires every stage together and owns the trigger entry points.
type Pipeline struct {
	store store.Store
	blobs BlobStore
	queue tasks.Queue

	Splitter   *SplitterFunction
	Scheduler  *SchedulerFunction
	Extractor  *ExtractorFunction
	Cleaner    *CleanerFunction
	Monitor    *MonitorFunction
	Aggregator *AggregatorFunction
	Indexer    *IndexerFunction
	Summarizer *SummarizerFunction
}

// NewPipeline assembles the stages from cfg and deps.
func NewPipeline(cfg Config, deps Deps) *Pipeline {
	providersInUse := make([]models.Provider, 0, len(models.Providers))
	for _, p := range models.Providers {
		if _, ok := deps.OCR[p]; ok {
			providersInUse = append(providersInUse, p)
		}
	}

	aggregator := NewAggregator(deps.Store, deps.Blobs, deps.Queue)
	p := &Pipeline{
		store: deps.Store,
		blobs: deps.Blobs,
		queue: deps.Queue,

		Splitter: NewSplitter(deps.Store, deps.Blobs, deps.Splitter, cfg.Retry),
		Scheduler: NewScheduler(deps.Queue, SchedulerConfig{
			Providers:         providersInUse,
			BatchProviders:    cfg.BatchProviders,
			PreferredProvider: cfg.PreferredProvider,
			TierSizes:         cfg.TierSizes,
			MonitorDelay:      cfg.MonitorDelay,
		}),
		Extractor: NewExtractor(deps.Store, deps.Blobs, deps.Queue, deps.OCR, ExtractorConfig{
			Retry:      cfg.Retry,
			BatchSize:  cfg.BatchSize,
			BatchPause: cfg.BatchPause,
		}),
		Cleaner: NewCleaner(deps.Store, deps.Queue, deps.Cleanup, CleanerConfig{
			Retry:             cfg.Retry,
			PreferredProvider: cfg.PreferredProvider,
		}),
		Monitor: NewMonitor(deps.Store, deps.Queue, aggregator, MonitorConfig{
			Providers:   providersInUse,
			Delay:       cfg.MonitorDelay,
			MaxAttempts: cfg.MonitorMaxAttempts,
		}),
		Aggregator: aggregator,
	}
	if deps.Embedder != nil {
		p.Indexer = NewIndexer(deps.Store, deps.Blobs, deps.Embedder, IndexerConfig{Retry: cfg.Retry})
	}
	if deps.Summaries != nil {
		p.Summarizer = NewSummarizer(deps.Store, deps.Summaries, cfg.Retry)
	}
	return p
}

// GCSEvent is the payload of a storage object finalized event.
type GCSEvent struct {
	Bucket      string    `json:"bucket"`
	Name        string    `json:"name"`
	Size        string    `json:"size"`
	ContentType string    `json:"contentType"`
	TimeCreated time.Time `json:"timeCreated"`
}

// IngestUpload records a new upload and enqueues its pipeline start. A file
// whose content hash is already known is skipped and the existing id returned.
func (p *Pipeline) IngestUpload(ctx context.Context, e GCSEvent) (string, bool, error) {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing new GCS object.")

	sourceURI := gcp.ObjectURI(e.Bucket, e.Name)
	data, err := p.blobs.Read(ctx, sourceURI)
	if err != nil {
		logCtx.Error("Failed to download source document", "error", err)
		return "", false, err
	}

	sum := sha256.Sum256(data)
	fileHash := hex.EncodeToString(sum[:])
	logCtx = logCtx.With("fileHash", fileHash)

	existing, err := p.store.FindDocumentByHash(ctx, fileHash)
	if err == nil {
		logCtx.Info("Duplicate file detected. Skipping.", "existingDocId", existing.ID)
		return existing.ID, true, nil
	}
	if !isNotFound(err) {
		logCtx.Error("Failed to check for duplicate", "error", err)
		return "", false, err
	}

	size, _ := strconv.ParseInt(e.Size, 10, 64)
	if size == 0 {
		size = int64(len(data))
	}
	uploadedAt := e.TimeCreated
	if uploadedAt.IsZero() {
		uploadedAt = time.Now()
	}
	docID, err := p.store.CreateDocument(ctx, &models.Document{
		FileHash:   fileHash,
		Filename:   e.Name,
		SourceURI:  sourceURI,
		ByteSize:   size,
		Status:     models.DocumentUploaded,
		UploadedAt: uploadedAt,
	})
	if err != nil {
		logCtx.Error("Failed to create initial document", "error", err)
		return "", false, err
	}
	logCtx = logCtx.With("documentId", docID)
	logCtx.Info("Created document record.")

	if err := tasks.Enqueue(ctx, p.queue, tasks.KindStartPipeline, models.StartPipelineRequest{DocumentID: docID},
		tasks.WithPriority(tasks.PriorityMax)); err != nil {
		logCtx.Error("Failed to enqueue pipeline start", "error", err)
		return "", false, fmt.Errorf("failed to enqueue pipeline start: %w", err)
	}
	return docID, false, nil
}

// StartPipeline splits the document and schedules its extraction work.
func (p *Pipeline) StartPipeline(ctx context.Context, documentID string) error {
	logCtx := slog.With("documentId", documentID)

	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		logCtx.Error("Cannot start pipeline for missing document.", "error", err)
		return fmt.Errorf("%w: %w", ErrDocumentFatal, err)
	}
	switch doc.Status {
	case models.DocumentProcessed, models.DocumentFailed:
		logCtx.Info("Document already finished; not restarting.", "status", doc.Status)
		return nil
	}

	if err := p.store.UpdateDocumentStatus(ctx, documentID, models.DocumentProcessing, ""); err != nil {
		return fmt.Errorf("failed to set document processing: %w", err)
	}
	pageIDs, err := p.Splitter.Split(ctx, documentID)
	if err != nil {
		return err
	}
	if err := p.Scheduler.Schedule(ctx, documentID, pageIDs); err != nil {
		return err
	}
	logCtx.Info("Pipeline started.", "pageCount", len(pageIDs))
	return nil
}

// RecheckCompletion runs one completion monitor step.
func (p *Pipeline) RecheckCompletion(ctx context.Context, req models.RecheckCompletionRequest) (MonitorResult, error) {
	return p.Monitor.Recheck(ctx, req)
}

// Register binds every task kind to its handler. Handlers return an error only
// when a redelivery could help; task-fatal outcomes are already recorded.
func (p *Pipeline) Register(d *tasks.Dispatcher) {
	d.Register(tasks.KindStartPipeline, p.handleStartPipeline)
	d.Register(tasks.KindExtractPage, p.handleExtractPage)
	d.Register(tasks.KindExtractDocument, p.handleExtractDocument)
	d.Register(tasks.KindCleanPage, p.handleCleanPage)
	d.Register(tasks.KindRecheckCompletion, p.handleRecheckCompletion)
	d.Register(tasks.KindIndexDocument, p.handleIndexDocument)
	d.Register(tasks.KindSummarizeDocument, p.handleSummarizeDocument)
}

func (p *Pipeline) handleStartPipeline(ctx context.Context, t tasks.Task) error {
	var req models.StartPipelineRequest
	if err := t.Decode(&req); err != nil {
		slog.Error("Dropping malformed task.", "taskId", t.ID, "error", err)
		return nil
	}
	if err := p.StartPipeline(ctx, req.DocumentID); err != nil {
		if errors.Is(err, ErrDocumentFatal) {
			return nil
		}
		return err
	}
	return nil
}

func (p *Pipeline) handleExtractPage(ctx context.Context, t tasks.Task) error {
	var req models.ExtractPageRequest
	if err := t.Decode(&req); err != nil {
		slog.Error("Dropping malformed task.", "taskId", t.ID, "error", err)
		return nil
	}
	if req.Priority == 0 {
		req.Priority = t.Priority
	}
	_, err := p.Extractor.Process(ctx, req)
	return taskOutcome(err, ErrExtractionFailed)
}

func (p *Pipeline) handleExtractDocument(ctx context.Context, t tasks.Task) error {
	var req models.ExtractDocumentRequest
	if err := t.Decode(&req); err != nil {
		slog.Error("Dropping malformed task.", "taskId", t.ID, "error", err)
		return nil
	}
	_, err := p.Extractor.ExtractBatch(ctx, req)
	return err
}

func (p *Pipeline) handleCleanPage(ctx context.Context, t tasks.Task) error {
	var req models.CleanPageRequest
	if err := t.Decode(&req); err != nil {
		slog.Error("Dropping malformed task.", "taskId", t.ID, "error", err)
		return nil
	}
	existing, err := p.store.GetCleanedPage(ctx, req.PageID, req.Provider)
	if err != nil && !isNotFound(err) {
		return err
	}
	if existing != nil && existing.CleaningStatus == models.CleaningCompleted {
		slog.Info("Page already cleaned. Skipping.", "pageId", req.PageID, "provider", req.Provider)
		return nil
	}
	_, err = p.Cleaner.CleanPage(ctx, req, nil)
	return taskOutcome(err, ErrCleanupFailed, ErrPrecondition)
}

func (p *Pipeline) handleRecheckCompletion(ctx context.Context, t tasks.Task) error {
	var req models.RecheckCompletionRequest
	if err := t.Decode(&req); err != nil {
		slog.Error("Dropping malformed task.", "taskId", t.ID, "error", err)
		return nil
	}
	_, err := p.RecheckCompletion(ctx, req)
	return taskOutcome(err)
}

func (p *Pipeline) handleIndexDocument(ctx context.Context, t tasks.Task) error {
	if p.Indexer == nil {
		slog.Warn("No indexer configured; dropping task.", "taskId", t.ID)
		return nil
	}
	var req models.FanOutRequest
	if err := t.Decode(&req); err != nil {
		slog.Error("Dropping malformed task.", "taskId", t.ID, "error", err)
		return nil
	}
	_, err := p.Indexer.Index(ctx, req)
	return err
}

func (p *Pipeline) handleSummarizeDocument(ctx context.Context, t tasks.Task) error {
	if p.Summarizer == nil {
		slog.Warn("No summarizer configured; dropping task.", "taskId", t.ID)
		return nil
	}
	var req models.FanOutRequest
	if err := t.Decode(&req); err != nil {
		slog.Error("Dropping malformed task.", "taskId", t.ID, "error", err)
		return nil
	}
	_, err := p.Summarizer.Summarize(ctx, req)
	return err
}

// taskOutcome swallows errors that redelivery cannot fix: missing rows and the
// given task-fatal sentinels.
func taskOutcome(err error, fatal ...error) error {
	if err == nil || isNotFound(err) {
		return nil
	}
	for _, f := range fatal {
		if errors.Is(err, f) {
			return nil
		}
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/store"
	"github.com/Lllllllleong/pageflow/internal/tasks"
)

// PageMarker delimits one page inside aggregated text.
func PageMarker(pageNumber int) string {
	return fmt.Sprintf("<!-- page %d -->", pageNumber)
}

// MissingPagePlaceholder stands in for a page without cleaned text.
func MissingPagePlaceholder(pageNumber int) string {
	return fmt.Sprintf("[page %d: no text available]", pageNumber)
}

// MasterObject is where the aggregated text of one provider is stored.
func MasterObject(documentID string, provider models.Provider) string {
	return fmt.Sprintf("%s/%s/master.md", documentID, provider)
}

// AggregateResult is the outcome of one aggregation.
type AggregateResult struct {
	Text      string
	MasterURI string
	// FannedOut is true only for the call that moved the document to processed.
	FannedOut bool
}

// AggregatorFunction concatenates a document's cleaned pages and triggers the
// downstream index and summary tasks.
type AggregatorFunction struct {
	store store.Store
	blobs BlobStore
	queue tasks.Queue
}

// NewAggregator creates a new AggregatorFunction instance.
func NewAggregator(st store.Store, blobs BlobStore, queue tasks.Queue) *AggregatorFunction {
	return &AggregatorFunction{store: st, blobs: blobs, queue: queue}
}

// Aggregate joins every page's cleaned text for provider in page order, saves
// the master file, marks the document processed and fans out.
func (f *AggregatorFunction) Aggregate(ctx context.Context, documentID string, provider models.Provider) (*AggregateResult, error) {
	logCtx := slog.With("documentId", documentID, "provider", provider)
	logCtx.Info("Starting aggregation.")

	pages, err := f.store.ListPages(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	cleaned, err := f.store.ListCleanedPages(ctx, documentID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list cleaned pages: %w", err)
	}
	texts := make(map[string]string, len(cleaned))
	for _, c := range cleaned {
		if c.CleaningStatus == models.CleaningCompleted {
			texts[c.PageID] = c.CleanedText
		}
	}
	if len(texts) < len(pages) {
		logCtx.Warn("Some pages have no cleaned text; placeholders inserted.", "pageCount", len(pages), "cleanedCount", len(texts))
	}

	text := joinPages(pages, texts)
	masterURI, err := f.blobs.Put(ctx, MasterObject(documentID, provider), []byte(text), "text/markdown; charset=utf-8")
	if err != nil {
		logCtx.Error("Failed to save master file.", "error", err)
		return nil, fmt.Errorf("failed to save master file: %w", err)
	}

	won, err := f.store.MarkProcessed(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark document processed: %w", err)
	}
	res := &AggregateResult{Text: text, MasterURI: masterURI}
	if !won {
		logCtx.Info("Document already processed or failed; skipping fan-out.")
		return res, nil
	}

	res.FannedOut = true
	f.fanOut(ctx, logCtx, models.FanOutRequest{DocumentID: documentID, Provider: provider, MasterURI: masterURI})
	logCtx.Info("Aggregation complete.", "pageCount", len(pages), "masterUri", masterURI)
	return res, nil
}

// fanOut enqueues the index and summary tasks independently: one failing to
// enqueue does not stop the other.
func (f *AggregatorFunction) fanOut(ctx context.Context, logCtx *slog.Logger, req models.FanOutRequest) {
	for _, kind := range []tasks.Kind{tasks.KindIndexDocument, tasks.KindSummarizeDocument} {
		if err := tasks.Enqueue(ctx, f.queue, kind, req, tasks.WithPriority(tasks.PriorityLow)); err != nil {
			logCtx.Error("Failed to enqueue downstream task.", "kind", kind, "error", err)
		}
	}
}

// joinPages renders pages in page-number order, each behind its marker.
func joinPages(pages []models.Page, texts map[string]string) string {
	ordered := make([]models.Page, len(pages))
	copy(ordered, pages)
	sortPages(ordered)

	var b strings.Builder
	for i, p := range ordered {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(PageMarker(p.PageNumber))
		b.WriteString("\n\n")
		text, ok := texts[p.ID]
		if !ok || strings.TrimSpace(text) == "" {
			text = MissingPagePlaceholder(p.PageNumber)
		}
		b.WriteString(strings.TrimSpace(text))
	}
	return b.String()
}

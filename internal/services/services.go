// Package services holds the pipeline stages: splitting, extraction, cleanup,
// scheduling, completion monitoring, aggregation and the downstream fan-out.
// Stages only talk to each other through the store and the task queue.
package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/store"
)

var (
	// ErrExtractionFailed is a task-fatal extraction outcome, recorded as a failed Extraction.
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrCleanupFailed is a task-fatal cleanup outcome.
	ErrCleanupFailed = errors.New("cleanup failed")
	// ErrPrecondition means a stage was invoked before its input was ready.
	ErrPrecondition = errors.New("precondition not met")
	// ErrStorageUnavailable means page content could not be fetched or referenced.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrDocumentFatal means the whole document was marked failed.
	ErrDocumentFatal = errors.New("document failed")
)

// BlobStore is the binary storage collaborator. gcp.GCSStorage implements it.
type BlobStore interface {
	Put(ctx context.Context, object string, data []byte, contentType string) (string, error)
	Read(ctx context.Context, uri string) ([]byte, error)
	URL(ctx context.Context, uri string) (string, error)
}

// StreamSink receives cleanup output fragments as they arrive.
type StreamSink func(fragment string)

// markDocumentFailed records a document-fatal error. The write must outlive a
// cancelled request, so it detaches from ctx cancellation.
func markDocumentFailed(ctx context.Context, st store.Store, logCtx *slog.Logger, documentID, message string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := st.UpdateDocumentStatus(ctx, documentID, models.DocumentFailed, message); err != nil {
		logCtx.Error("CRITICAL: Failed to update document status to failed after a processing error.", "updateError", err)
	}
}

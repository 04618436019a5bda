// Package store persists documents, pages and the per page/provider results that
// the pipeline stages coordinate through. Every write is a single-row upsert.
package store

import (
	"context"
	"errors"

	"github.com/Lllllllleong/pageflow/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable state shared by every stage.
type Store interface {
	CreateDocument(ctx context.Context, doc *models.Document) (string, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	FindDocumentByHash(ctx context.Context, fileHash string) (*models.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, errMsg string) error
	SetPageCount(ctx context.Context, id string, pageCount int) error
	// MarkProcessed moves a document to processed and reports whether this call did it.
	// Processed and failed are terminal; neither is changed.
	MarkProcessed(ctx context.Context, id string) (bool, error)

	// CreatePages writes pages in slice order. Existing ids are overwritten.
	CreatePages(ctx context.Context, pages []models.Page) error
	GetPage(ctx context.Context, pageID string) (*models.Page, error)
	// ListPages returns a document's pages ordered by page number.
	ListPages(ctx context.Context, documentID string) ([]models.Page, error)

	GetExtraction(ctx context.Context, pageID string, provider models.Provider) (*models.Extraction, error)
	UpsertExtraction(ctx context.Context, e *models.Extraction) error

	GetCleanedPage(ctx context.Context, pageID string, provider models.Provider) (*models.CleanedPage, error)
	UpsertCleanedPage(ctx context.Context, c *models.CleanedPage) error
	ListCleanedPages(ctx context.Context, documentID string, provider models.Provider) ([]models.CleanedPage, error)

	GetDocumentCleanup(ctx context.Context, documentID string, provider models.Provider) (*models.DocumentCleanup, error)
	UpsertDocumentCleanup(ctx context.Context, c *models.DocumentCleanup) error

	HasChunks(ctx context.Context, documentID string, provider models.Provider) (bool, error)
	SaveChunks(ctx context.Context, chunks []models.EmbeddingChunk) error
	GetSummary(ctx context.Context, documentID string, provider models.Provider) (*models.Summary, error)
	SaveSummary(ctx context.Context, s *models.Summary) error
}

// RowKey is the identity of a (page, provider) row.
func RowKey(pageID string, provider models.Provider) string {
	return pageID + "_" + string(provider)
}

package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/retry"
	"github.com/Lllllllleong/pageflow/internal/store"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"
)

// PageSplitter cuts a source document into one content unit per page, in order.
type PageSplitter interface {
	Split(ctx context.Context, source []byte) ([][]byte, error)
}

// PDFCPUPageSplitter splits PDFs on local disk with pdfcpu.
type PDFCPUPageSplitter struct{}

func (PDFCPUPageSplitter) Split(ctx context.Context, source []byte) ([][]byte, error) {
	tempDir, err := os.MkdirTemp("", "pdf-splitter-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	sourcePdfPath := filepath.Join(tempDir, "source.pdf")
	if err := os.WriteFile(sourcePdfPath, source, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write source pdf: %w", err)
	}
	optimizedPdfPath := filepath.Join(tempDir, "optimized.pdf")
	if err := optimizePDF(sourcePdfPath, optimizedPdfPath); err != nil {
		return nil, fmt.Errorf("failed to validate/optimize PDF: %w", err)
	}
	pageCount, err := api.PageCountFile(optimizedPdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if pageCount == 0 {
		return nil, nil
	}
	if err := api.SplitFile(optimizedPdfPath, tempDir, 1, nil); err != nil {
		return nil, fmt.Errorf("failed to split PDF: %w", err)
	}

	splitFileBase := strings.TrimSuffix(optimizedPdfPath, filepath.Ext(optimizedPdfPath))
	units := make([][]byte, 0, pageCount)
	for i := 1; i <= pageCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(fmt.Sprintf("%s_%d.pdf", splitFileBase, i))
		if err != nil {
			return nil, fmt.Errorf("failed to read split page %d: %w", i, err)
		}
		units = append(units, data)
	}
	return units, nil
}

func optimizePDF(inPath, outPath string) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.OptimizeFile(inPath, outPath, cfg)
}

// SplitterFunction turns one uploaded document into stored pages.
type SplitterFunction struct {
	store       store.Store
	blobs       BlobStore
	splitter    PageSplitter
	retry       retry.Policy
	uploadLimit int
}

// NewSplitter creates a new SplitterFunction instance.
func NewSplitter(st store.Store, blobs BlobStore, splitter PageSplitter, policy retry.Policy) *SplitterFunction {
	return &SplitterFunction{
		store:       st,
		blobs:       blobs,
		splitter:    splitter,
		retry:       policy,
		uploadLimit: 10,
	}
}

// PageObject is where one page's content is stored.
func PageObject(documentID string, pageNumber int) string {
	return fmt.Sprintf("%s/%05d.pdf", documentID, pageNumber)
}

// Split produces the document's pages in order and returns their ids. Pages that
// already exist are returned as they are. Failures are document-fatal.
func (f *SplitterFunction) Split(ctx context.Context, documentID string) ([]string, error) {
	logCtx := slog.With("documentId", documentID)

	doc, err := f.store.GetDocument(ctx, documentID)
	if err != nil {
		logCtx.Error("Document lookup failed.", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrDocumentFatal, err)
	}

	existing, err := f.store.ListPages(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	if len(existing) > 0 {
		logCtx.Info("Document already split; reusing pages.", "pageCount", len(existing))
		if doc.PageCount != len(existing) {
			if err := f.store.SetPageCount(ctx, documentID, len(existing)); err != nil {
				return nil, fmt.Errorf("failed to update page count: %w", err)
			}
		}
		return pageIDs(existing), nil
	}

	source, err := retry.Value(ctx, f.retry, func(ctx context.Context) ([]byte, error) {
		return f.blobs.Read(ctx, doc.SourceURI)
	})
	if err != nil {
		return nil, f.handleError(ctx, logCtx, documentID, "failed to read source document", err)
	}

	units, err := f.splitter.Split(ctx, source)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, documentID, "failed to split document", err)
	}
	if len(units) == 0 {
		return nil, f.handleError(ctx, logCtx, documentID, "failed to split document", fmt.Errorf("document has zero pages"))
	}
	logCtx.Info("Document split locally.", "pageCount", len(units), "estimatedPageCount", doc.PageCount)

	pages := make([]models.Page, len(units))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(f.uploadLimit)
	for i, unit := range units {
		pageNumber := i + 1
		eg.Go(func() error {
			uri, err := retry.Value(gctx, f.retry, func(ctx context.Context) (string, error) {
				return f.blobs.Put(ctx, PageObject(documentID, pageNumber), unit, "application/pdf")
			})
			if err != nil {
				return fmt.Errorf("page %d: %w", pageNumber, err)
			}
			pages[i] = models.Page{
				ID:         models.PageID(documentID, pageNumber),
				DocumentID: documentID,
				PageNumber: pageNumber,
				ContentURI: uri,
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, f.handleError(ctx, logCtx, documentID, "one or more pages failed to upload", err)
	}

	if err := f.store.CreatePages(ctx, pages); err != nil {
		return nil, fmt.Errorf("failed to record pages: %w", err)
	}
	if err := f.store.SetPageCount(ctx, documentID, len(pages)); err != nil {
		return nil, fmt.Errorf("failed to update page count: %w", err)
	}
	logCtx.Info("All pages stored.", "pageCount", len(pages))
	return pageIDs(pages), nil
}

func (f *SplitterFunction) handleError(ctx context.Context, logCtx *slog.Logger, documentID, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	markDocumentFailed(ctx, f.store, logCtx, documentID, fullError)
	return fmt.Errorf("%w: %s", ErrDocumentFatal, fullError)
}

func pageIDs(pages []models.Page) []string {
	sorted := make([]models.Page, len(pages))
	copy(sorted, pages)
	sortPages(sorted)
	ids := make([]string, len(sorted))
	for i, p := range sorted {
		ids[i] = p.ID
	}
	return ids
}

func sortPages(pages []models.Page) {
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })
}

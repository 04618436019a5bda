package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/providers"
	"github.com/Lllllllleong/pageflow/internal/retry"
	"github.com/Lllllllleong/pageflow/internal/store"
	"github.com/Lllllllleong/pageflow/internal/tasks"
	"golang.org/x/sync/errgroup"
)

// ExtractorConfig tunes the provider adapter.
type ExtractorConfig struct {
	Retry      retry.Policy
	BatchSize  int
	BatchPause time.Duration
}

// ExtractorFunction is the provider adapter: it turns one page into raw text
// through one OCR provider.
type ExtractorFunction struct {
	store   store.Store
	blobs   BlobStore
	queue   tasks.Queue
	clients map[models.Provider]providers.OCRClient
	config  ExtractorConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExtractor creates an extractor over the given provider clients.
func NewExtractor(st store.Store, blobs BlobStore, queue tasks.Queue, clients map[models.Provider]providers.OCRClient, config ExtractorConfig) *ExtractorFunction {
	if config.BatchSize <= 0 {
		config.BatchSize = 5
	}
	return &ExtractorFunction{
		store:   st,
		blobs:   blobs,
		queue:   queue,
		clients: clients,
		config:  config,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Process extracts one page with one provider. Task-fatal outcomes are recorded
// as a failed Extraction and returned wrapped in ErrExtractionFailed.
func (f *ExtractorFunction) Process(ctx context.Context, req models.ExtractPageRequest) (*models.ExtractPageResponse, error) {
	logCtx := slog.With("documentId", req.DocumentID, "pageId", req.PageID, "provider", req.Provider)

	page, err := f.store.GetPage(ctx, req.PageID)
	if err != nil {
		logCtx.Error("Page lookup failed.", "error", err)
		return nil, fmt.Errorf("failed to load page %s: %w", req.PageID, err)
	}
	logCtx = logCtx.With("pageNumber", page.PageNumber)

	existing, err := f.store.GetExtraction(ctx, page.ID, req.Provider)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load extraction: %w", err)
	}
	if existing != nil && existing.Status == models.ExtractionCompleted {
		logCtx.Info("Extraction already completed, skipping provider call.")
		if err := f.ensureCleanup(ctx, page, req); err != nil {
			return nil, err
		}
		return &models.ExtractPageResponse{Status: models.ExtractionCompleted, Text: existing.Text, Skipped: true}, nil
	}

	if err := f.upsert(ctx, page, req.Provider, models.ExtractionProcessing, "", ""); err != nil {
		return nil, err
	}

	client, ok := f.clients[req.Provider]
	if !ok {
		return nil, f.fail(ctx, logCtx, page, req.Provider, fmt.Errorf("no client configured for provider %q", req.Provider))
	}

	src := providers.PageSource{URI: page.ContentURI, MIMEType: "application/pdf"}
	if fetcher, ok := client.(providers.URLFetcher); ok && fetcher.NeedsSignedURL() {
		if src.URL, err = f.blobs.URL(ctx, page.ContentURI); err != nil {
			return nil, f.fail(ctx, logCtx, page, req.Provider, fmt.Errorf("%w: %w", ErrStorageUnavailable, err))
		}
	}

	policy := f.config.Retry
	if policy.Observer == nil {
		policy.Observer = func(attempt int, lastErr error, next time.Duration) {
			logCtx.Warn("Provider call failed, will retry.", "attempt", attempt, "maxRetries", policy.MaxRetries, "backoff", next.String(), "error", lastErr)
		}
	}
	resp, err := retry.Value(ctx, policy, func(ctx context.Context) (providers.Response, error) {
		return client.Extract(ctx, src)
	})
	if err != nil {
		return nil, f.fail(ctx, logCtx, page, req.Provider, err)
	}

	text := providers.NormalizeText(resp)
	if text == "" {
		logCtx.Warn("Provider returned no text. Treating as empty page.")
	}
	if err := f.upsert(ctx, page, req.Provider, models.ExtractionCompleted, text, ""); err != nil {
		return nil, err
	}
	logCtx.Info("Extraction complete.", "chars", len(text))

	if err := f.enqueueCleanup(ctx, page, req); err != nil {
		return nil, err
	}
	return &models.ExtractPageResponse{Status: models.ExtractionCompleted, Text: text}, nil
}

// ensureCleanup repairs a redelivery where the extraction finished but its
// cleanup task was never enqueued.
func (f *ExtractorFunction) ensureCleanup(ctx context.Context, page *models.Page, req models.ExtractPageRequest) error {
	cleaned, err := f.store.GetCleanedPage(ctx, page.ID, req.Provider)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load cleaned page: %w", err)
	}
	if cleaned != nil && cleaned.CleaningStatus == models.CleaningCompleted {
		return nil
	}
	return f.enqueueCleanup(ctx, page, req)
}

func (f *ExtractorFunction) enqueueCleanup(ctx context.Context, page *models.Page, req models.ExtractPageRequest) error {
	payload := models.CleanPageRequest{DocumentID: page.DocumentID, PageID: page.ID, Provider: req.Provider}
	if err := tasks.Enqueue(ctx, f.queue, tasks.KindCleanPage, payload, tasks.WithPriority(req.Priority)); err != nil {
		return fmt.Errorf("failed to enqueue cleanup for page %s: %w", page.ID, err)
	}
	return nil
}

func (f *ExtractorFunction) fail(ctx context.Context, logCtx *slog.Logger, page *models.Page, provider models.Provider, cause error) error {
	logCtx.Error("Extraction failed.", "error", cause)
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := f.upsert(writeCtx, page, provider, models.ExtractionFailed, "", cause.Error()); err != nil {
		logCtx.Error("CRITICAL: Failed to record failed extraction.", "updateError", err)
	}
	return fmt.Errorf("%w: page %s provider %s: %w", ErrExtractionFailed, page.ID, provider, cause)
}

func (f *ExtractorFunction) upsert(ctx context.Context, page *models.Page, provider models.Provider, status models.ExtractionStatus, text, errMsg string) error {
	err := f.store.UpsertExtraction(ctx, &models.Extraction{
		PageID:          page.ID,
		DocumentID:      page.DocumentID,
		PageNumber:      page.PageNumber,
		Provider:        provider,
		Status:          status,
		Text:            text,
		Error:           errMsg,
		LastProcessedAt: f.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to set extraction %s/%s to %s: %w", page.ID, provider, status, err)
	}
	return nil
}

// PageResult is the outcome of one page inside a batch run.
type PageResult struct {
	PageID     string
	PageNumber int
	Text       string
	Err        error
}

// ExtractBatch runs Process over a whole document for providers invoked once per
// document. Pages run in bounded batches with a pause between batches, and the
// results come back in page order whatever order the calls finished in.
func (f *ExtractorFunction) ExtractBatch(ctx context.Context, req models.ExtractDocumentRequest) ([]PageResult, error) {
	logCtx := slog.With("documentId", req.DocumentID, "provider", req.Provider)

	pages, err := f.store.ListPages(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	if len(req.PageNumbers) > 0 {
		wanted := make(map[int]bool, len(req.PageNumbers))
		for _, n := range req.PageNumbers {
			wanted[n] = true
		}
		filtered := pages[:0:0]
		for _, p := range pages {
			if wanted[p.PageNumber] {
				filtered = append(filtered, p)
			}
		}
		pages = filtered
	}
	logCtx.Info("Starting batch extraction.", "pageCount", len(pages), "batchSize", f.config.BatchSize)

	var (
		mu      sync.Mutex
		results = make([]PageResult, 0, len(pages))
	)
	for start := 0; start < len(pages); start += f.config.BatchSize {
		if start > 0 && f.config.BatchPause > 0 {
			if err := f.sleep(ctx, f.config.BatchPause); err != nil {
				return nil, fmt.Errorf("batch extraction aborted: %w", err)
			}
		}
		end := min(start+f.config.BatchSize, len(pages))

		var eg errgroup.Group
		eg.SetLimit(f.config.BatchSize)
		for i := start; i < end; i++ {
			page := pages[i]
			eg.Go(func() error {
				res := PageResult{PageID: page.ID, PageNumber: page.PageNumber}
				out, err := f.Process(ctx, models.ExtractPageRequest{
					DocumentID: req.DocumentID,
					PageID:     page.ID,
					Provider:   req.Provider,
					Priority:   tasks.PriorityDefault,
				})
				if err != nil {
					res.Err = err
				} else {
					res.Text = out.Text
				}
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				// Per-page failures never abort the batch.
				return nil
			})
		}
		_ = eg.Wait()
	}

	sort.Slice(results, func(i, j int) bool { return results[i].PageNumber < results[j].PageNumber })

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	logCtx.Info("Batch extraction complete.", "pageCount", len(results), "failed", failed)
	return results, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/providers"
	"github.com/Lllllllleong/pageflow/internal/retry"
	"github.com/Lllllllleong/pageflow/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extractReq(docID string, n int, provider models.Provider) models.ExtractPageRequest {
	return models.ExtractPageRequest{DocumentID: docID, PageID: models.PageID(docID, n), Provider: provider, Priority: 11}
}

func TestExtractor_CompletesAndEnqueuesCleanup(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.seedDocument(t, "d")
	h.seedPages(t, "d", 1)

	resp, err := h.pipeline.Extractor.Process(context.Background(), extractReq("d", 1, models.ProviderClosed))
	require.NoError(t, err)
	assert.Equal(t, models.ExtractionCompleted, resp.Status)
	assert.Equal(t, "text of gs://test/d/00001.pdf", resp.Text)
	assert.False(t, resp.Skipped)

	ext, err := h.store.GetExtraction(context.Background(), models.PageID("d", 1), models.ProviderClosed)
	require.NoError(t, err)
	assert.Equal(t, models.ExtractionCompleted, ext.Status)
	assert.Equal(t, 1, ext.PageNumber)

	cleanups := h.queue.ofKind(tasks.KindCleanPage)
	require.Len(t, cleanups, 1)
	assert.Equal(t, 11, cleanups[0].Priority)
	var req models.CleanPageRequest
	require.NoError(t, cleanups[0].Decode(&req))
	assert.Equal(t, models.CleanPageRequest{DocumentID: "d", PageID: models.PageID("d", 1), Provider: models.ProviderClosed}, req)
}

func TestExtractor_RedeliveryDoesNotCallProviderAgain(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.seedDocument(t, "d")
	h.seedPages(t, "d", 1)
	ctx := context.Background()
	req := extractReq("d", 1, models.ProviderOpen)

	_, err := h.pipeline.Extractor.Process(ctx, req)
	require.NoError(t, err)

	// Cleanup not done yet: the redelivery re-enqueues it.
	resp, err := h.pipeline.Extractor.Process(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Skipped)
	assert.Equal(t, 1, h.open.callCount())
	assert.Len(t, h.queue.ofKind(tasks.KindCleanPage), 2)

	require.NoError(t, h.store.UpsertCleanedPage(ctx, &models.CleanedPage{
		PageID: models.PageID("d", 1), DocumentID: "d", PageNumber: 1,
		Provider: models.ProviderOpen, CleaningStatus: models.CleaningCompleted,
	}))
	_, err = h.pipeline.Extractor.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, h.open.callCount())
	assert.Len(t, h.queue.ofKind(tasks.KindCleanPage), 2)
}

func TestExtractor_ExhaustedRetriesMarkFailed(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.seedDocument(t, "d")
	h.seedPages(t, "d", 1)
	h.closed.failures = 100

	_, err := h.pipeline.Extractor.Process(context.Background(), extractReq("d", 1, models.ProviderClosed))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.ErrorIs(t, err, retry.ErrRetriesExhausted)
	assert.Equal(t, 4, h.closed.callCount())

	ext, err := h.store.GetExtraction(context.Background(), models.PageID("d", 1), models.ProviderClosed)
	require.NoError(t, err)
	assert.Equal(t, models.ExtractionFailed, ext.Status)
	assert.Contains(t, ext.Error, "provider unavailable")
	assert.Empty(t, h.queue.ofKind(tasks.KindCleanPage))
}

func TestExtractor_HonoursRetryAfter(t *testing.T) {
	cfg := testConfig()
	var (
		mu     sync.Mutex
		waited []time.Duration
	)
	cfg.Retry.Sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		waited = append(waited, d)
		return nil
	}
	h := newHarness(t, cfg, 0)
	h.seedDocument(t, "d")
	h.seedPages(t, "d", 1)
	h.open.failures = 1
	h.open.err = &retry.RateLimitError{RetryAfter: 7 * time.Second, Err: errors.New("429")}

	_, err := h.pipeline.Extractor.Process(context.Background(), extractReq("d", 1, models.ProviderOpen))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, waited)
}

func TestExtractor_PermanentErrorStopsImmediately(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.seedDocument(t, "d")
	h.seedPages(t, "d", 1)
	h.open.failures = 100
	h.open.err = retry.Permanent(errors.New("bad request"))

	_, err := h.pipeline.Extractor.Process(context.Background(), extractReq("d", 1, models.ProviderOpen))
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.Equal(t, 1, h.open.callCount())
}

func TestExtractor_NormalizesStructuredResponse(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.seedDocument(t, "d")
	h.seedPages(t, "d", 1)
	h.open.respond = func(providers.PageSource) providers.Response {
		return providers.RawString("```json\n{\"natural_text\":\"hello\"}\n```")
	}

	resp, err := h.pipeline.Extractor.Process(context.Background(), extractReq("d", 1, models.ProviderOpen))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
}

func TestExtractor_StorageUnavailable(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.seedDocument(t, "d")
	h.seedPages(t, "d", 1)
	h.blobs.urlErr = errors.New("signing failed")

	_, err := h.pipeline.Extractor.Process(context.Background(), extractReq("d", 1, models.ProviderOpen))
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 0, h.open.callCount())

	ext, err := h.store.GetExtraction(context.Background(), models.PageID("d", 1), models.ProviderOpen)
	require.NoError(t, err)
	assert.Equal(t, models.ExtractionFailed, ext.Status)
}

func TestExtractor_SignedURLOnlyForFetchingProviders(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.seedDocument(t, "d")
	h.seedPages(t, "d", 1)

	_, err := h.pipeline.Extractor.Process(context.Background(), extractReq("d", 1, models.ProviderOpen))
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example/test/d/00001.pdf", h.open.lastURL)

	h.blobs.urlErr = errors.New("signBlob permission denied")
	resp, err := h.pipeline.Extractor.Process(context.Background(), extractReq("d", 1, models.ProviderClosed))
	require.NoError(t, err)
	assert.Equal(t, models.ExtractionCompleted, resp.Status)
	assert.Equal(t, 1, h.closed.callCount())
	assert.Empty(t, h.closed.lastURL)
}

func TestExtractor_UnknownPageIsNotFound(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	_, err := h.pipeline.Extractor.Process(context.Background(), extractReq("nope", 1, models.ProviderOpen))
	require.Error(t, err)
	assert.True(t, isNotFound(err))
}

func TestExtractor_BatchReturnsPageOrderAndPauses(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.BatchPause = time.Second
	h := newHarness(t, cfg, 0)
	h.seedDocument(t, "d")
	h.seedPages(t, "d", 5, 3, 1, 4, 2)
	var pauses int
	h.pipeline.Extractor.sleep = func(context.Context, time.Duration) error {
		pauses++
		return nil
	}
	h.open.respond = func(src providers.PageSource) providers.Response {
		return providers.RawString(src.URI)
	}

	results, err := h.pipeline.Extractor.ExtractBatch(context.Background(), models.ExtractDocumentRequest{DocumentID: "d", Provider: models.ProviderOpen})
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, i+1, r.PageNumber)
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, "gs://test/d/00001.pdf", results[0].Text)
	assert.Equal(t, 2, pauses)
}

func TestExtractor_BatchPageFilterAndFailures(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.seedDocument(t, "d")
	h.seedPages(t, "d", 1, 2, 3)
	h.closed.failures = 100

	results, err := h.pipeline.Extractor.ExtractBatch(context.Background(), models.ExtractDocumentRequest{
		DocumentID: "d", Provider: models.ProviderClosed, PageNumbers: []int{3, 1},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].PageNumber)
	assert.Equal(t, 3, results[1].PageNumber)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, ErrExtractionFailed)
	}
}

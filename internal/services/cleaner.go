package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/Lllllllleong/pageflow/internal/gcp"
	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/providers"
	"github.com/Lllllllleong/pageflow/internal/retry"
	"github.com/Lllllllleong/pageflow/internal/store"
	"github.com/Lllllllleong/pageflow/internal/tasks"
	"google.golang.org/api/iterator"
)

// CleanerConfig holds configuration for the cleanup stage.
type CleanerConfig struct {
	Retry             retry.Policy
	PreferredProvider models.Provider
	SystemPrompt      string
	// PartialInterval throttles how often partial output is persisted.
	PartialInterval time.Duration
}

// CleanerFunction refines raw extracted text through the cleanup provider.
type CleanerFunction struct {
	store  store.Store
	queue  tasks.Queue
	client providers.CleanupClient
	config CleanerConfig
	now    func() time.Time
}

// NewCleaner creates a new CleanerFunction instance.
func NewCleaner(st store.Store, queue tasks.Queue, client providers.CleanupClient, config CleanerConfig) *CleanerFunction {
	if config.SystemPrompt == "" {
		config.SystemPrompt = gcp.CleanupSystemPrompt
	}
	if config.PartialInterval <= 0 {
		config.PartialInterval = 500 * time.Millisecond
	}
	return &CleanerFunction{
		store:  st,
		queue:  queue,
		client: client,
		config: config,
		now:    time.Now,
	}
}

// cleanupResult is the structured payload the cleanup prompt asks for.
type cleanupResult struct {
	Text               string   `json:"text"`
	Translation        string   `json:"translation"`
	Keywords           []string `json:"keywords"`
	TranslatedKeywords []string `json:"translated_keywords"`
}

// CleanPage runs the cleanup provider over one page's completed extraction and
// persists the result. Raw output is saved progressively while it streams,
// except on a rerun over a completed row, which is replaced only on success.
func (f *CleanerFunction) CleanPage(ctx context.Context, req models.CleanPageRequest, sink StreamSink) (*models.CleanedPage, error) {
	logCtx := slog.With("pageId", req.PageID, "provider", req.Provider)

	page, err := f.store.GetPage(ctx, req.PageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load page %s: %w", req.PageID, err)
	}
	logCtx = logCtx.With("documentId", page.DocumentID, "pageNumber", page.PageNumber)

	ext, err := f.store.GetExtraction(ctx, page.ID, req.Provider)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load extraction: %w", err)
	}
	if ext == nil || ext.Status != models.ExtractionCompleted {
		logCtx.Warn("Cleanup requested before extraction completed.")
		return nil, fmt.Errorf("%w: extraction for page %s provider %s is not completed", ErrPrecondition, page.ID, req.Provider)
	}

	prior, err := f.store.GetCleanedPage(ctx, page.ID, req.Provider)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load cleaned page: %w", err)
	}
	// A completed row stays in place until the rerun completes.
	rerun := prior != nil && prior.CleaningStatus == models.CleaningCompleted

	row := &models.CleanedPage{
		PageID:         page.ID,
		DocumentID:     page.DocumentID,
		PageNumber:     page.PageNumber,
		Provider:       req.Provider,
		CleaningStatus: models.CleaningStarted,
		UpdatedAt:      f.now(),
	}
	if !rerun {
		if err := f.store.UpsertCleanedPage(ctx, row); err != nil {
			return nil, fmt.Errorf("failed to mark cleanup started: %w", err)
		}
	}
	logCtx.Info("Starting page cleanup.", "rerun", rerun)

	var lastSave time.Time
	raw, err := f.stream(ctx, logCtx, ext.Text, sink, func(buf string) {
		if rerun || f.now().Sub(lastSave) < f.config.PartialInterval {
			return
		}
		lastSave = f.now()
		partial := *row
		partial.CleanedText = buf
		partial.UpdatedAt = lastSave
		if err := f.store.UpsertCleanedPage(ctx, &partial); err != nil {
			logCtx.Warn("Failed to persist partial cleanup output.", "error", err)
		}
	})
	if err != nil {
		logCtx.Error("Page cleanup failed.", "error", err)
		return nil, fmt.Errorf("%w: page %s provider %s: %w", ErrCleanupFailed, page.ID, req.Provider, err)
	}

	result := parseCleanup(raw)
	row.CleaningStatus = models.CleaningCompleted
	row.CleanedText = result.Text
	row.TranslatedText = result.Translation
	row.Keywords = result.Keywords
	row.TranslatedKeywords = result.TranslatedKeywords
	row.UpdatedAt = f.now()
	if err := f.store.UpsertCleanedPage(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to mark cleanup completed: %w", err)
	}
	logCtx.Info("Page cleanup complete.", "chars", len(row.CleanedText))

	if req.Provider == f.config.PreferredProvider {
		f.nudgeMonitor(ctx, logCtx, page.DocumentID, req.Provider)
	}
	return row, nil
}

// nudgeMonitor asks for an early, non-rescheduling completion check. The
// recurring monitor chain stays the only path that advances the document.
func (f *CleanerFunction) nudgeMonitor(ctx context.Context, logCtx *slog.Logger, documentID string, provider models.Provider) {
	req := models.RecheckCompletionRequest{
		DocumentID:        documentID,
		PreferredProvider: provider,
		Advisory:          true,
	}
	if err := tasks.Enqueue(ctx, f.queue, tasks.KindRecheckCompletion, req, tasks.WithPriority(tasks.PriorityLow)); err != nil {
		logCtx.Warn("Failed to enqueue advisory completion check.", "error", err)
	}
}

// CleanDocument runs the cleanup provider over a whole document's extracted
// text for one provider. The growing buffer is parsed opportunistically so
// structured fields appear as soon as they are complete.
func (f *CleanerFunction) CleanDocument(ctx context.Context, documentID string, provider models.Provider, sink StreamSink) (*models.DocumentCleanup, error) {
	logCtx := slog.With("documentId", documentID, "provider", provider)

	pages, err := f.store.ListPages(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: document %s has no pages", ErrPrecondition, documentID)
	}
	texts := make(map[string]string, len(pages))
	for _, p := range pages {
		ext, err := f.store.GetExtraction(ctx, p.ID, provider)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to load extraction for page %d: %w", p.PageNumber, err)
		}
		if ext == nil || ext.Status != models.ExtractionCompleted {
			return nil, fmt.Errorf("%w: page %d has no completed extraction for %s", ErrPrecondition, p.PageNumber, provider)
		}
		texts[p.ID] = ext.Text
	}
	source := joinPages(pages, texts)

	prior, err := f.store.GetDocumentCleanup(ctx, documentID, provider)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load document cleanup: %w", err)
	}
	rerun := prior != nil && prior.CleaningStatus == models.CleaningCompleted

	row := &models.DocumentCleanup{
		DocumentID:     documentID,
		Provider:       provider,
		CleaningStatus: models.CleaningStarted,
		UpdatedAt:      f.now(),
	}
	if !rerun {
		if err := f.store.UpsertDocumentCleanup(ctx, row); err != nil {
			return nil, fmt.Errorf("failed to mark document cleanup started: %w", err)
		}
	}
	logCtx.Info("Starting document cleanup.", "pageCount", len(pages), "rerun", rerun)

	var lastSave time.Time
	raw, err := f.stream(ctx, logCtx, source, sink, func(buf string) {
		if rerun || f.now().Sub(lastSave) < f.config.PartialInterval {
			return
		}
		lastSave = f.now()
		partial := *row
		applyCleanup(&partial, parsePartialCleanup(buf))
		partial.UpdatedAt = lastSave
		if err := f.store.UpsertDocumentCleanup(ctx, &partial); err != nil {
			logCtx.Warn("Failed to persist partial document cleanup.", "error", err)
		}
	})
	if err != nil {
		logCtx.Error("Document cleanup failed.", "error", err)
		return nil, fmt.Errorf("%w: document %s provider %s: %w", ErrCleanupFailed, documentID, provider, err)
	}

	applyCleanup(row, parseCleanup(raw))
	row.CleaningStatus = models.CleaningCompleted
	row.UpdatedAt = f.now()
	if err := f.store.UpsertDocumentCleanup(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to mark document cleanup completed: %w", err)
	}
	logCtx.Info("Document cleanup complete.", "chars", len(row.CleanedText))
	return row, nil
}

// stream drains one cleanup stream under the retry policy. Once fragments have
// reached a sink they cannot be taken back, so later failures are not retried.
func (f *CleanerFunction) stream(ctx context.Context, logCtx *slog.Logger, rawText string, sink StreamSink, progress func(buf string)) (string, error) {
	policy := f.config.Retry
	if policy.Observer == nil {
		policy.Observer = func(attempt int, lastErr error, next time.Duration) {
			logCtx.Warn("Cleanup stream failed, will retry.", "attempt", attempt, "backoff", next.String(), "error", lastErr)
		}
	}
	return retry.Value(ctx, policy, func(ctx context.Context) (string, error) {
		s, err := f.client.Stream(ctx, rawText, f.config.SystemPrompt)
		if err != nil {
			return "", err
		}
		var buf strings.Builder
		for {
			frag, err := s.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				if sink != nil && buf.Len() > 0 {
					return "", retry.Permanent(err)
				}
				return "", err
			}
			buf.WriteString(frag)
			if sink != nil {
				sink(frag)
			}
			progress(buf.String())
		}
		if err := providers.CheckRefusal(buf.String()); err != nil {
			return "", err
		}
		return buf.String(), nil
	})
}

var (
	partialStringFields = map[string]*regexp.Regexp{
		"text":        regexp.MustCompile(`"text"\s*:\s*"((?:[^"\\]|\\.)*)"`),
		"translation": regexp.MustCompile(`"translation"\s*:\s*"((?:[^"\\]|\\.)*)"`),
	}
	partialListFields = map[string]*regexp.Regexp{
		"keywords":            regexp.MustCompile(`"keywords"\s*:\s*(\[[^\]]*\])`),
		"translated_keywords": regexp.MustCompile(`"translated_keywords"\s*:\s*(\[[^\]]*\])`),
	}
)

// parseCleanup is the final best-effort parse. Output that never became a
// structured payload is kept whole as the primary text.
func parseCleanup(raw string) cleanupResult {
	trimmed := providers.StripFences(strings.TrimSpace(raw))
	var res cleanupResult
	if err := json.Unmarshal([]byte(trimmed), &res); err == nil && res.Text != "" {
		return res
	}
	partial := parsePartialCleanup(raw)
	if partial.Text != "" && partial.Text != trimmed {
		return partial
	}
	return cleanupResult{Text: trimmed}
}

// parsePartialCleanup extracts whichever fields are already complete in a
// growing buffer. Without a complete text field the buffer is the text.
func parsePartialCleanup(buf string) cleanupResult {
	trimmed := providers.StripFences(strings.TrimSpace(buf))
	var res cleanupResult
	if err := json.Unmarshal([]byte(trimmed), &res); err == nil && res.Text != "" {
		return res
	}
	res = cleanupResult{}
	if v, ok := matchString(partialStringFields["text"], trimmed); ok {
		res.Text = v
	}
	if v, ok := matchString(partialStringFields["translation"], trimmed); ok {
		res.Translation = v
	}
	res.Keywords = matchList(partialListFields["keywords"], trimmed)
	res.TranslatedKeywords = matchList(partialListFields["translated_keywords"], trimmed)
	if res.Text == "" {
		res.Text = trimmed
	}
	return res
}

func matchString(re *regexp.Regexp, s string) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	var out string
	if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &out); err != nil {
		return "", false
	}
	return out, true
}

func matchList(re *regexp.Regexp, s string) []string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(m[1]), &out); err != nil {
		return nil
	}
	return out
}

func applyCleanup(row *models.DocumentCleanup, res cleanupResult) {
	row.CleanedText = res.Text
	row.TranslatedText = res.Translation
	row.Keywords = res.Keywords
	row.TranslatedKeywords = res.TranslatedKeywords
}

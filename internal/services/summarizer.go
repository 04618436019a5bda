package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/pageflow/internal/gcp"
	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/providers"
	"github.com/Lllllllleong/pageflow/internal/retry"
	"github.com/Lllllllleong/pageflow/internal/store"
)

// SummaryGenerator writes a summary of the document stored at masterURI.
type SummaryGenerator interface {
	Summarize(ctx context.Context, masterURI string) (string, error)
}

// GeminiSummarizer reads the master file straight from GCS.
type GeminiSummarizer struct {
	model *genai.GenerativeModel
}

// NewGeminiSummarizer wraps the pre-configured summary model.
func NewGeminiSummarizer(client *gcp.VertexClient) *GeminiSummarizer {
	return &GeminiSummarizer{model: client.SummaryModel}
}

func (g *GeminiSummarizer) Summarize(ctx context.Context, masterURI string) (string, error) {
	filePart := genai.FileData{
		MIMEType: "text/markdown",
		FileURI:  masterURI,
	}
	resp, err := g.model.GenerateContent(ctx, filePart, genai.Text(gcp.SummaryUserPrompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate summary from gemini: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	summary := providers.StripFences(strings.TrimSpace(b.String()))
	if err := providers.CheckRefusal(summary); err != nil {
		return "", err
	}
	return summary, nil
}

// SummarizerFunction stores one summary per document and provider.
type SummarizerFunction struct {
	store     store.Store
	generator SummaryGenerator
	retry     retry.Policy
	now       func() time.Time
}

// NewSummarizer creates a new SummarizerFunction instance.
func NewSummarizer(st store.Store, generator SummaryGenerator, policy retry.Policy) *SummarizerFunction {
	return &SummarizerFunction{store: st, generator: generator, retry: policy, now: time.Now}
}

// Summarize generates and saves the summary, skipping documents that have one.
func (f *SummarizerFunction) Summarize(ctx context.Context, req models.FanOutRequest) (*models.Summary, error) {
	logCtx := slog.With("documentId", req.DocumentID, "provider", req.Provider)

	existing, err := f.store.GetSummary(ctx, req.DocumentID, req.Provider)
	if err == nil {
		logCtx.Info("Summary already exists. Skipping.")
		return existing, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("failed to check existing summary: %w", err)
	}

	text, err := retry.Value(ctx, f.retry, func(ctx context.Context) (string, error) {
		return f.generator.Summarize(ctx, req.MasterURI)
	})
	if err != nil {
		logCtx.Error("Summary generation failed.", "error", err)
		return nil, fmt.Errorf("failed to summarize: %w", err)
	}
	if text == "" {
		logCtx.Warn("Model returned an empty summary.")
	}

	summary := &models.Summary{
		DocumentID: req.DocumentID,
		Provider:   req.Provider,
		Text:       text,
		CreatedAt:  f.now(),
	}
	if err := f.store.SaveSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("failed to save summary: %w", err)
	}
	logCtx.Info("Summary saved.", "chars", len(text))
	return summary, nil
}

package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/pageflow/internal/gcp"
	"google.golang.org/api/iterator"
)

// GeminiOCR is Provider A: a hosted Gemini model reading pages straight from GCS.
type GeminiOCR struct {
	model *genai.GenerativeModel
}

// NewGeminiOCR wraps the pre-configured OCR model.
func NewGeminiOCR(client *gcp.VertexClient) *GeminiOCR {
	return &GeminiOCR{model: client.OCRModel}
}

func (g *GeminiOCR) Extract(ctx context.Context, src PageSource) (Response, error) {
	mime := src.MIMEType
	if mime == "" {
		mime = "application/pdf"
	}
	filePart := genai.FileData{
		MIMEType: mime,
		FileURI:  src.URI,
	}

	resp, err := g.model.GenerateContent(ctx, filePart, genai.Text(gcp.OCRUserPrompt))
	if err != nil {
		return nil, fmt.Errorf("failed to generate content from gemini: %w", classifyError(err))
	}

	parts := textParts(resp)
	if err := CheckRefusal(strings.Join(parts, "")); err != nil {
		return nil, err
	}
	switch len(parts) {
	case 0:
		return RawString(""), nil
	case 1:
		return RawString(parts[0]), nil
	}
	return StringArray(parts), nil
}

// GeminiCleanup is the cleanup transformation provider, streamed.
type GeminiCleanup struct {
	model *genai.GenerativeModel
}

// NewGeminiCleanup wraps the pre-configured cleanup model.
func NewGeminiCleanup(client *gcp.VertexClient) *GeminiCleanup {
	return &GeminiCleanup{model: client.CleanupModel}
}

func (g *GeminiCleanup) Stream(ctx context.Context, rawText, systemPrompt string) (TextStream, error) {
	// Copy the model so concurrent calls can carry different system prompts.
	model := *g.model
	if systemPrompt != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(systemPrompt)},
		}
	}
	return &geminiStream{it: model.GenerateContentStream(ctx, genai.Text(rawText))}, nil
}

type geminiStream struct {
	it *genai.GenerateContentResponseIterator
}

func (s *geminiStream) Next() (string, error) {
	for {
		resp, err := s.it.Next()
		if errors.Is(err, iterator.Done) {
			return "", iterator.Done
		}
		if err != nil {
			return "", classifyError(err)
		}
		if text := strings.Join(textParts(resp), ""); text != "" {
			return text, nil
		}
	}
}

// textParts collects the text parts of the first candidate.
func textParts(resp *genai.GenerateContentResponse) []string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var out []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			out = append(out, string(txt))
		}
	}
	return out
}

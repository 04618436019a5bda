package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// --- OCR Model Prompts ---
const OCRSystemPrompt = "You are a document OCR engine. You transcribe the content of a single scanned page. Accuracy, detail, and information preservation are of utmost importance."
const OCRUserPrompt = `You will be provided with one page of a document.

Transcribe all of its text in natural reading order. Render tables as markdown tables and lists as markdown lists. Replace images with a short description in square brackets. Ignore running headers, footers and page numbers.

Return a single JSON object of the form {"natural_text": "<the page text>"} and nothing else.`

// --- Cleanup Model Prompts ---
const CleanupSystemPrompt = `You are an expert editor cleaning up OCR output. Fix broken words and hyphenation, merge lines split mid-sentence, remove scanning artifacts, and keep every piece of real content.

Respond with a single JSON object with these keys:
- "text": the cleaned text in the original language.
- "translation": an English translation of the cleaned text, or an empty string if it is already English.
- "keywords": up to ten keywords in the original language.
- "translated_keywords": the same keywords in English.

Do not include any text before or after the JSON object.`

// --- Summary Model Prompts ---
const SummarySystemPrompt = "You are a careful technical writer. You summarise long documents faithfully without inventing facts."
const SummaryUserPrompt = `Summarise the attached document in at most five short paragraphs. Preserve names, figures and dates exactly. Return plain markdown without any preamble.`

// VertexClient holds all pre-configured generative models for our app.
type VertexClient struct {
	OCRModel     *genai.GenerativeModel
	CleanupModel *genai.GenerativeModel
	SummaryModel *genai.GenerativeModel
	baseClient   *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	// --- Configure the OCR model ---
	ocrModel := baseClient.GenerativeModel(modelName)
	ocrModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(OCRSystemPrompt)},
	}
	ocrModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	// --- Configure the cleanup model ---
	// The system prompt is supplied per call, see providers.GeminiCleanup.
	cleanupModel := baseClient.GenerativeModel(modelName)
	cleanupModel.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.2),
	}
	cleanupModel.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	// --- Configure the summary model ---
	summaryModel := baseClient.GenerativeModel(modelName)
	summaryModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SummarySystemPrompt)},
	}

	return &VertexClient{
		OCRModel:     ocrModel,
		CleanupModel: cleanupModel,
		SummaryModel: summaryModel,
		baseClient:   baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

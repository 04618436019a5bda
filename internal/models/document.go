package models

import (
	"fmt"
	"time"
)

// DocumentStatus is the overall lifecycle state of an uploaded document.
type DocumentStatus string

const (
	DocumentUploaded   DocumentStatus = "uploaded"
	DocumentProcessing DocumentStatus = "processing"
	DocumentProcessed  DocumentStatus = "processed"
	DocumentFailed     DocumentStatus = "failed"
)

// ExtractionStatus is the state of one page processed by one OCR provider.
type ExtractionStatus string

const (
	ExtractionProcessing ExtractionStatus = "processing"
	ExtractionCompleted  ExtractionStatus = "completed"
	ExtractionFailed     ExtractionStatus = "failed"
)

// CleaningStatus is the state of one page passed through the cleanup provider.
type CleaningStatus string

const (
	CleaningStarted   CleaningStatus = "started"
	CleaningCompleted CleaningStatus = "completed"
)

// Provider identifies an OCR provider. The cleanup provider is not keyed.
type Provider string

const (
	// ProviderClosed is Provider A, the hosted Gemini model.
	ProviderClosed Provider = "closed"
	// ProviderOpen is Provider B, the open-weights OCR model behind an HTTP endpoint.
	ProviderOpen Provider = "open"
)

// Providers lists the OCR providers in the fixed order the completion monitor checks them.
var Providers = []Provider{ProviderClosed, ProviderOpen}

// ParseProvider validates a provider name coming from outside the process.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderClosed, ProviderOpen:
		return Provider(s), nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// Document represents the main record for an uploaded file in Firestore.
// It tracks the overall status and metadata of the file.
type Document struct {
	ID           string         `firestore:"-"`
	FileHash     string         `firestore:"fileHash,omitempty"`
	Filename     string         `firestore:"filename,omitempty"`
	SourceURI    string         `firestore:"sourceUri,omitempty"`
	ByteSize     int64          `firestore:"byteSize,omitempty"`
	PageCount    int            `firestore:"pageCount"`
	Status       DocumentStatus `firestore:"status,omitempty"`
	ErrorMessage string         `firestore:"errorMessage,omitempty"`
	UploadedAt   time.Time      `firestore:"uploadedAt,omitempty"`
}

// Page is one isolated unit of a split document. Immutable once created.
type Page struct {
	ID         string `firestore:"-"`
	DocumentID string `firestore:"documentId"`
	PageNumber int    `firestore:"pageNumber"`
	ContentURI string `firestore:"contentUri"`
}

// PageID derives the deterministic identity of a page so re-splitting is idempotent.
func PageID(documentID string, pageNumber int) string {
	return fmt.Sprintf("%s_%05d", documentID, pageNumber)
}

// Extraction is the raw OCR result of one page by one provider. One row per key.
type Extraction struct {
	PageID          string           `firestore:"pageId"`
	DocumentID      string           `firestore:"documentId"`
	PageNumber      int              `firestore:"pageNumber"`
	Provider        Provider         `firestore:"provider"`
	Status          ExtractionStatus `firestore:"status"`
	Text            string           `firestore:"text,omitempty"`
	Error           string           `firestore:"error,omitempty"`
	LastProcessedAt time.Time        `firestore:"lastProcessedAt"`
}

// CleanedPage is the cleanup provider's output for one page and provider.
type CleanedPage struct {
	PageID             string         `firestore:"pageId"`
	DocumentID         string         `firestore:"documentId"`
	PageNumber         int            `firestore:"pageNumber"`
	Provider           Provider       `firestore:"provider"`
	CleaningStatus     CleaningStatus `firestore:"cleaningStatus"`
	CleanedText        string         `firestore:"cleanedText"`
	TranslatedText     string         `firestore:"translatedText,omitempty"`
	Keywords           []string       `firestore:"keywords,omitempty"`
	TranslatedKeywords []string       `firestore:"translatedKeywords,omitempty"`
	UpdatedAt          time.Time      `firestore:"updatedAt"`
}

// DocumentCleanup is the whole-document cleanup result for one provider's aggregate.
type DocumentCleanup struct {
	DocumentID         string         `firestore:"documentId"`
	Provider           Provider       `firestore:"provider"`
	CleaningStatus     CleaningStatus `firestore:"cleaningStatus"`
	CleanedText        string         `firestore:"cleanedText"`
	TranslatedText     string         `firestore:"translatedText,omitempty"`
	Keywords           []string       `firestore:"keywords,omitempty"`
	TranslatedKeywords []string       `firestore:"translatedKeywords,omitempty"`
	UpdatedAt          time.Time      `firestore:"updatedAt"`
}

// EmbeddingChunk is one indexed slice of the aggregated text.
type EmbeddingChunk struct {
	DocumentID string    `firestore:"documentId"`
	Provider   Provider  `firestore:"provider"`
	Index      int       `firestore:"index"`
	Text       string    `firestore:"text"`
	Embedding  []float32 `firestore:"embedding,omitempty"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

// Summary is the generated summary of an aggregated document.
type Summary struct {
	DocumentID string    `firestore:"documentId"`
	Provider   Provider  `firestore:"provider"`
	Text       string    `firestore:"text"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

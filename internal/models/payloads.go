package models

// These structs define the JSON payloads carried by queued tasks and by the
// HTTP boundary consumed by the front-end.

// StartPipelineRequest is the input for the startPipeline trigger.
type StartPipelineRequest struct {
	DocumentID string `json:"documentId"`
}

// ExtractPageRequest asks one provider to extract one page.
type ExtractPageRequest struct {
	DocumentID string   `json:"documentId"`
	PageID     string   `json:"pageId"`
	Provider   Provider `json:"provider"`
	// Priority is handed on to the cleanup task.
	Priority int `json:"priority,omitempty"`
}

// ExtractPageResponse is the outcome of a successful page extraction.
type ExtractPageResponse struct {
	Status  ExtractionStatus `json:"status"`
	Text    string           `json:"text"`
	Skipped bool             `json:"skipped,omitempty"`
}

// ExtractDocumentRequest asks a batch-mode provider to extract a whole document.
type ExtractDocumentRequest struct {
	DocumentID  string   `json:"documentId"`
	Provider    Provider `json:"provider"`
	PageNumbers []int    `json:"pageNumbers,omitempty"`
}

// CleanPageRequest asks the cleanup provider to refine one page's extraction.
type CleanPageRequest struct {
	DocumentID string   `json:"documentId,omitempty"`
	PageID     string   `json:"pageId"`
	Provider   Provider `json:"provider"`
}

// RecheckCompletionRequest carries the completion monitor's state between attempts.
type RecheckCompletionRequest struct {
	DocumentID        string   `json:"documentId"`
	PreferredProvider Provider `json:"preferredProvider,omitempty"`
	AttemptCount      int      `json:"attemptCount"`
	// Advisory checks never reschedule themselves.
	Advisory bool `json:"advisory,omitempty"`
}

// FanOutRequest is the input for the downstream index and summary tasks.
type FanOutRequest struct {
	DocumentID string   `json:"documentId"`
	Provider   Provider `json:"provider"`
	MasterURI  string   `json:"masterUri"`
}

// StreamRequest is the body accepted by both streaming cleanup endpoints.
type StreamRequest struct {
	Identifier string `json:"identifier"`
	Provider   string `json:"provider"`
}

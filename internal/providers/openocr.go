package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Lllllllleong/pageflow/internal/retry"
	"golang.org/x/time/rate"
)

// OpenOCRConfig configures Provider B.
type OpenOCRConfig struct {
	Endpoint          string
	APIKey            string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// OpenOCR is Provider B: an open-weights OCR model served behind an HTTP endpoint.
// It fetches pages itself, so it is handed a signed URL rather than a gs:// URI.
type OpenOCR struct {
	cfg        OpenOCRConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

type openOCRRequest struct {
	ImageURL     string `json:"image_url"`
	MIMEType     string `json:"mime_type,omitempty"`
	MaxNewTokens int    `json:"max_new_tokens"`
}

// NewOpenOCR validates the config and builds a throttled client.
func NewOpenOCR(cfg OpenOCRConfig, httpClient *http.Client) (*OpenOCR, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("open OCR endpoint must be set")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenOCR{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}, nil
}

// NeedsSignedURL reports true: the model server downloads the page itself.
func (o *OpenOCR) NeedsSignedURL() bool { return true }

func (o *OpenOCR) Extract(ctx context.Context, src PageSource) (Response, error) {
	if src.URL == "" {
		return nil, retry.Permanent(fmt.Errorf("open OCR needs a fetchable page url"))
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	payload, err := json.Marshal(openOCRRequest{ImageURL: src.URL, MIMEType: src.MIMEType, MaxNewTokens: 4096})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to marshal open OCR request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to build open OCR request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open OCR request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read open OCR response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &retry.RateLimitError{
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        fmt.Errorf("open OCR returned %d", resp.StatusCode),
		}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("open OCR returned %d: %s", resp.StatusCode, truncate(body, 200))
	case resp.StatusCode >= 400:
		return nil, retry.Permanent(fmt.Errorf("open OCR returned %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	r := ClassifyJSON(body)
	if err := CheckRefusal(NormalizeText(r)); err != nil {
		return nil, err
	}
	return r, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

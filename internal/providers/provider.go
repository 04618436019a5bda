package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Lllllllleong/pageflow/internal/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrRefusal is returned when a model answers with a refusal instead of content.
var ErrRefusal = errors.New("model response indicates refusal")

// PageSource tells a provider where to fetch one page.
type PageSource struct {
	// URI is the gs:// reference, readable by Google-hosted models.
	URI string
	// URL is a time-limited HTTPS URL for providers outside Google Cloud.
	URL      string
	MIMEType string
}

// OCRClient is one external extraction provider.
type OCRClient interface {
	Extract(ctx context.Context, src PageSource) (Response, error)
}

// URLFetcher is implemented by providers that download the page themselves.
// Only they are handed a signed URL.
type URLFetcher interface {
	NeedsSignedURL() bool
}

// TextStream yields text fragments until it returns iterator.Done.
type TextStream interface {
	Next() (string, error)
}

// CleanupClient is the text-transformation provider.
type CleanupClient interface {
	Stream(ctx context.Context, rawText, systemPrompt string) (TextStream, error)
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// CheckRefusal fails fast on typical LLM refusal phrasing.
func CheckRefusal(text string) error {
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return fmt.Errorf("%w: %q", ErrRefusal, phrase)
		}
	}
	return nil
}

// classifyError maps transport errors onto the retry taxonomy: rate limits keep
// their hint, client mistakes become permanent, everything else stays retryable.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return &retry.RateLimitError{RetryAfter: ParseRetryAfter(gerr.Header.Get("Retry-After"), time.Now()), Err: err}
		case gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != http.StatusRequestTimeout:
			return retry.Permanent(err)
		}
		return err
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted:
			return &retry.RateLimitError{Err: err}
		case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.NotFound, codes.FailedPrecondition:
			return retry.Permanent(err)
		}
	}
	return err
}

// ParseRetryAfter understands both delta-seconds and HTTP-date forms.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lllllllleong/pageflow/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOpenOCR(t *testing.T, handler http.HandlerFunc) *OpenOCR {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	o, err := NewOpenOCR(OpenOCRConfig{Endpoint: srv.URL, APIKey: "secret", RequestsPerSecond: 1000, Burst: 100}, srv.Client())
	require.NoError(t, err)
	return o
}

func TestOpenOCR_NormalizesNestedJSON(t *testing.T) {
	o := newTestOpenOCR(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body openOCRRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://signed/page.pdf", body.ImageURL)
		_, _ = w.Write([]byte(`{"output": "{\"natural_text\":\"hello\"}"}`))
	})

	resp, err := o.Extract(context.Background(), PageSource{URL: "https://signed/page.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "hello", NormalizeText(resp))
}

func TestOpenOCR_RateLimitCarriesRetryAfter(t *testing.T) {
	o := newTestOpenOCR(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := o.Extract(context.Background(), PageSource{URL: "https://signed/page.pdf"})
	var rl *retry.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 12*time.Second, rl.RetryAfter)
}

func TestOpenOCR_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	o := newTestOpenOCR(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})
	p := retry.Policy{MaxRetries: 3, Sleep: func(context.Context, time.Duration) error { return nil }}

	err := p.Do(context.Background(), func(ctx context.Context) error {
		_, err := o.Extract(ctx, PageSource{URL: "https://signed/page.pdf"})
		return err
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, retry.ErrRetriesExhausted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenOCR_ServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	o := newTestOpenOCR(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`["page text"]`))
	})
	p := retry.Policy{MaxRetries: 3, Sleep: func(context.Context, time.Duration) error { return nil }}

	resp, err := retry.Value(context.Background(), p, func(ctx context.Context) (Response, error) {
		return o.Extract(ctx, PageSource{URL: "https://signed/page.pdf"})
	})
	require.NoError(t, err)
	assert.Equal(t, "page text", NormalizeText(resp))
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenOCR_RefusalIsAnError(t *testing.T) {
	o := newTestOpenOCR(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"natural_text":"As a large language model I cannot read this."}`))
	})
	_, err := o.Extract(context.Background(), PageSource{URL: "https://signed/page.pdf"})
	assert.ErrorIs(t, err, ErrRefusal)
}

func TestOpenOCR_MissingURL(t *testing.T) {
	o := newTestOpenOCR(t, func(http.ResponseWriter, *http.Request) {
		t.Fatal("provider must not be called without a url")
	})
	_, err := o.Extract(context.Background(), PageSource{URI: "gs://b/o"})
	assert.Error(t, err)

	var fetcher URLFetcher = o
	assert.True(t, fetcher.NeedsSignedURL())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, ParseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-3", now))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("garbage", now))
}

package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/providers"
	"github.com/Lllllllleong/pageflow/internal/retry"
	"github.com/Lllllllleong/pageflow/internal/services"
	"github.com/Lllllllleong/pageflow/internal/store"
	"github.com/Lllllllleong/pageflow/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"
)

// fakeCleaner emits fragments and then returns err.
type fakeCleaner struct {
	fragments []string
	err       error

	pageReq    models.CleanPageRequest
	documentID string
	provider   models.Provider
}

func (c *fakeCleaner) emit(sink services.StreamSink) error {
	for _, f := range c.fragments {
		sink(f)
	}
	return c.err
}

func (c *fakeCleaner) CleanPage(_ context.Context, req models.CleanPageRequest, sink services.StreamSink) (*models.CleanedPage, error) {
	c.pageReq = req
	return nil, c.emit(sink)
}

func (c *fakeCleaner) CleanDocument(_ context.Context, documentID string, provider models.Provider, sink services.StreamSink) (*models.DocumentCleanup, error) {
	c.documentID, c.provider = documentID, provider
	return nil, c.emit(sink)
}

func post(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestStreamPage_StreamsFragments(t *testing.T) {
	c := &fakeCleaner{fragments: []string{"Hel", "lo ", "world"}}
	h := NewHandler(c, tasks.NewDispatcher())

	rec := post(t, h.StreamPage, `{"identifier":"doc_00001","provider":"open"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello world", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)
	assert.Equal(t, models.CleanPageRequest{PageID: "doc_00001", Provider: models.ProviderOpen}, c.pageReq)
}

func TestStreamDocument_PassesIdentifier(t *testing.T) {
	c := &fakeCleaner{fragments: []string{"x"}}
	h := NewHandler(c, tasks.NewDispatcher())

	rec := post(t, h.StreamDocument, `{"identifier":" doc ","provider":"closed"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "doc", c.documentID)
	assert.Equal(t, models.ProviderClosed, c.provider)
}

func TestStream_EmptyOutputIsOK(t *testing.T) {
	h := NewHandler(&fakeCleaner{}, tasks.NewDispatcher())
	rec := post(t, h.StreamPage, `{"identifier":"p","provider":"open"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestStream_ErrorsBeforeOutput(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("wrapped: %w", services.ErrPrecondition), want: http.StatusConflict},
		{err: fmt.Errorf("page p: %w", store.ErrNotFound), want: http.StatusNotFound},
		{err: fmt.Errorf("%w: model down", services.ErrCleanupFailed), want: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.want), func(t *testing.T) {
			h := NewHandler(&fakeCleaner{err: tt.err}, tasks.NewDispatcher())
			rec := post(t, h.StreamPage, `{"identifier":"p","provider":"open"}`)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestStream_ErrorAfterOutputTruncates(t *testing.T) {
	h := NewHandler(&fakeCleaner{fragments: []string{"partial"}, err: errors.New("reset")}, tasks.NewDispatcher())
	rec := post(t, h.StreamDocument, `{"identifier":"d","provider":"open"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
}

func TestStream_RejectsBadRequests(t *testing.T) {
	h := NewHandler(&fakeCleaner{}, tasks.NewDispatcher())

	assert.Equal(t, http.StatusBadRequest, post(t, h.StreamPage, `{"identifier":"p","provider":"tesseract"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h.StreamPage, `{"identifier":"","provider":"open"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h.StreamPage, `not json`).Code)

	rec := httptest.NewRecorder()
	h.StreamPage(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORS(t *testing.T) {
	var called bool
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	h := CORS([]string{"https://app.example.com"})(next)

	t.Run("allowed origin is echoed", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.True(t, called)
		assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	})

	t.Run("other origin gets no grant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("pre-flight has no body", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.False(t, called)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Body.String())
		assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	})
}

func TestHandleTask(t *testing.T) {
	d := tasks.NewDispatcher()
	var got []string
	d.Register(tasks.KindCleanPage, func(_ context.Context, task tasks.Task) error {
		var req models.CleanPageRequest
		if err := task.Decode(&req); err != nil {
			return err
		}
		got = append(got, req.PageID)
		if req.PageID == "flaky" {
			return errors.New("firestore unavailable")
		}
		return nil
	})
	h := NewHandler(&fakeCleaner{}, d)

	envelope := func(pageID string) string {
		task, err := tasks.New(tasks.KindCleanPage, models.CleanPageRequest{PageID: pageID, Provider: models.ProviderOpen})
		require.NoError(t, err)
		return fmt.Sprintf(`{"id":%q,"kind":%q,"priority":1,"payload":%s}`, task.ID, task.Kind, task.Payload)
	}

	assert.Equal(t, http.StatusNoContent, post(t, h.HandleTask, envelope("ok")).Code)
	assert.Equal(t, http.StatusServiceUnavailable, post(t, h.HandleTask, envelope("flaky")).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h.HandleTask, `{"kind":"mystery","payload":{}}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h.HandleTask, `{`).Code)
	assert.Equal(t, []string{"ok", "flaky"}, got)
}

// Wires the real cleaner over the in-memory store.

type discardQueue struct{}

func (discardQueue) Enqueue(context.Context, tasks.Task) error { return nil }

type wordStream struct{ words []string }

func (s *wordStream) Next() (string, error) {
	if len(s.words) == 0 {
		return "", iterator.Done
	}
	w := s.words[0]
	s.words = s.words[1:]
	return w, nil
}

type wordCleanup struct{}

func (wordCleanup) Stream(_ context.Context, rawText, _ string) (providers.TextStream, error) {
	return &wordStream{words: strings.SplitAfter(rawText, " ")}, nil
}

func TestStreamPage_EndToEndWithCleaner(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	page := models.Page{ID: models.PageID("d", 1), DocumentID: "d", PageNumber: 1, ContentURI: "gs://b/d/00001.pdf"}
	require.NoError(t, st.CreatePages(ctx, []models.Page{page}))
	require.NoError(t, st.UpsertExtraction(ctx, &models.Extraction{
		PageID: page.ID, DocumentID: "d", PageNumber: 1, Provider: models.ProviderOpen,
		Status: models.ExtractionCompleted, Text: "three raw words",
	}))

	cleaner := services.NewCleaner(st, discardQueue{}, wordCleanup{}, services.CleanerConfig{Retry: retry.Policy{}})
	h := NewHandler(cleaner, tasks.NewDispatcher())

	rec := post(t, h.StreamPage, `{"identifier":"d_00001","provider":"open"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "three raw words", rec.Body.String())

	row, err := st.GetCleanedPage(ctx, page.ID, models.ProviderOpen)
	require.NoError(t, err)
	assert.Equal(t, models.CleaningCompleted, row.CleaningStatus)
	assert.Equal(t, "three raw words", row.CleanedText)

	rec = post(t, h.StreamPage, `{"identifier":"d_00001","provider":"closed"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

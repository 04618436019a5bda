package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/pageflow/internal/gcp"
	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/providers"
	"github.com/Lllllllleong/pageflow/internal/retry"
	"github.com/Lllllllleong/pageflow/internal/store"
	"github.com/Lllllllleong/pageflow/internal/tasks"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"
)

// fakeQueue records tasks and can drain them in priority order, ignoring delays.
type fakeQueue struct {
	mu      sync.Mutex
	pending []tasks.Task
	all     []tasks.Task
	failOn  map[tasks.Kind]error
}

func (q *fakeQueue) Enqueue(_ context.Context, t tasks.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failOn[t.Kind]; err != nil {
		return err
	}
	q.pending = append(q.pending, t)
	q.all = append(q.all, t)
	return nil
}

func (q *fakeQueue) pop() (tasks.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return tasks.Task{}, false
	}
	// Stable sort keeps enqueue order within a priority.
	sort.SliceStable(q.pending, func(i, j int) bool { return q.pending[i].Priority < q.pending[j].Priority })
	t := q.pending[0]
	q.pending = q.pending[1:]
	return t, true
}

// drain delivers every queued task, including ones enqueued while draining.
func (q *fakeQueue) drain(t *testing.T, d *tasks.Dispatcher) {
	t.Helper()
	for i := 0; ; i++ {
		require.Less(t, i, 1000, "queue did not settle")
		task, ok := q.pop()
		if !ok {
			return
		}
		require.NoError(t, d.Handle(context.Background(), task))
	}
}

func (q *fakeQueue) ofKind(kind tasks.Kind) []tasks.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []tasks.Task
	for _, t := range q.all {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (q *fakeQueue) rechecks(t *testing.T) []models.RecheckCompletionRequest {
	t.Helper()
	var out []models.RecheckCompletionRequest
	for _, task := range q.ofKind(tasks.KindRecheckCompletion) {
		var req models.RecheckCompletionRequest
		require.NoError(t, task.Decode(&req))
		out = append(out, req)
	}
	return out
}

// fakeBlobs is an in-memory BlobStore under the bucket "test".
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	urlErr  error
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{objects: make(map[string][]byte)} }

func (b *fakeBlobs) Put(_ context.Context, object string, data []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	uri := gcp.ObjectURI("test", object)
	b.objects[uri] = append([]byte(nil), data...)
	return uri, nil
}

func (b *fakeBlobs) Read(_ context.Context, uri string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gcp.ErrObjectNotFound, uri)
	}
	return data, nil
}

func (b *fakeBlobs) URL(_ context.Context, uri string) (string, error) {
	if b.urlErr != nil {
		return "", b.urlErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[uri]; !ok {
		return "", fmt.Errorf("%w: %s", gcp.ErrObjectNotFound, uri)
	}
	return "https://signed.example/" + strings.TrimPrefix(uri, "gs://"), nil
}

// scriptedOCR fails the first failures calls, then answers with respond.
type scriptedOCR struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	respond  func(src providers.PageSource) providers.Response
	needsURL bool
	lastURL  string
}

func (o *scriptedOCR) NeedsSignedURL() bool { return o.needsURL }

func (o *scriptedOCR) Extract(_ context.Context, src providers.PageSource) (providers.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	o.lastURL = src.URL
	if o.calls <= o.failures {
		if o.err != nil {
			return nil, o.err
		}
		return nil, errors.New("provider unavailable")
	}
	if o.respond != nil {
		return o.respond(src), nil
	}
	return providers.RawString("text of " + src.URI), nil
}

func (o *scriptedOCR) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// fakeCleanup streams fragments produced by transform.
type fakeCleanup struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	streamErr error
	transform func(raw string) []string
}

func (c *fakeCleanup) Stream(_ context.Context, rawText, _ string) (providers.TextStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failFirst {
		return nil, errors.New("cleanup unavailable")
	}
	frags := []string{"cleaned: ", rawText}
	if c.transform != nil {
		frags = c.transform(rawText)
	}
	return &sliceStream{frags: frags, err: c.streamErr}, nil
}

type sliceStream struct {
	frags []string
	err   error
}

func (s *sliceStream) Next() (string, error) {
	if len(s.frags) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", iterator.Done
	}
	f := s.frags[0]
	s.frags = s.frags[1:]
	return f, nil
}

// fakeSplitter yields n synthetic page units.
type fakeSplitter struct {
	pages int
	err   error
}

func (s fakeSplitter) Split(_ context.Context, source []byte) ([][]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]byte, s.pages)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("%s#%d", source, i+1))
	}
	return out, nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

type fakeSummaries struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeSummaries) Summarize(_ context.Context, masterURI string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "summary of " + masterURI, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func testPolicy(maxRetries int) retry.Policy {
	return retry.Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Sleep:        noSleep,
		Jitter:       func() float64 { return 1 },
	}
}

func testConfig() Config {
	return Config{
		PreferredProvider:  models.ProviderClosed,
		Retry:              testPolicy(3),
		MonitorDelay:       30 * time.Second,
		MonitorMaxAttempts: 10,
		BatchSize:          5,
		TierSizes:          []int{2, 3},
	}
}

// harness is a full pipeline over in-memory collaborators.
type harness struct {
	store      *store.MemoryStore
	blobs      *fakeBlobs
	queue      *fakeQueue
	closed     *scriptedOCR
	open       *scriptedOCR
	cleanup    *fakeCleanup
	embedder   *fakeEmbedder
	summaries  *fakeSummaries
	pipeline   *Pipeline
	dispatcher *tasks.Dispatcher
}

func newHarness(t *testing.T, cfg Config, pages int) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewMemoryStore(),
		blobs:     newFakeBlobs(),
		queue:     &fakeQueue{},
		closed:    &scriptedOCR{},
		open:      &scriptedOCR{needsURL: true},
		cleanup:   &fakeCleanup{},
		embedder:  &fakeEmbedder{},
		summaries: &fakeSummaries{},
	}
	h.pipeline = NewPipeline(cfg, Deps{
		Store: h.store,
		Blobs: h.blobs,
		Queue: h.queue,
		OCR: map[models.Provider]providers.OCRClient{
			models.ProviderClosed: h.closed,
			models.ProviderOpen:   h.open,
		},
		Cleanup:   h.cleanup,
		Splitter:  fakeSplitter{pages: pages},
		Embedder:  h.embedder,
		Summaries: h.summaries,
	})
	h.pipeline.Extractor.sleep = noSleep
	h.dispatcher = tasks.NewDispatcher()
	h.pipeline.Register(h.dispatcher)
	return h
}

// seedDocument stores an uploaded source file and its document row.
func (h *harness) seedDocument(t *testing.T, id string) {
	t.Helper()
	uri, err := h.blobs.Put(context.Background(), "uploads/"+id+".pdf", []byte("pdf-"+id), "application/pdf")
	require.NoError(t, err)
	_, err = h.store.CreateDocument(context.Background(), &models.Document{
		ID:        id,
		Filename:  id + ".pdf",
		SourceURI: uri,
		Status:    models.DocumentUploaded,
	})
	require.NoError(t, err)
}

// seedPages creates pages directly, bypassing the splitter, in the given order.
func (h *harness) seedPages(t *testing.T, docID string, numbers ...int) {
	t.Helper()
	var pages []models.Page
	for _, n := range numbers {
		uri, err := h.blobs.Put(context.Background(), PageObject(docID, n), []byte(fmt.Sprintf("page-%d", n)), "application/pdf")
		require.NoError(t, err)
		pages = append(pages, models.Page{ID: models.PageID(docID, n), DocumentID: docID, PageNumber: n, ContentURI: uri})
	}
	require.NoError(t, h.store.CreatePages(context.Background(), pages))
}

func (h *harness) document(t *testing.T, id string) *models.Document {
	t.Helper()
	doc, err := h.store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	return doc
}

package services

import (
	"context"
	"errors"
	"testing"

	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSplitter(st store.Store, blobs BlobStore, s PageSplitter) *SplitterFunction {
	return NewSplitter(st, blobs, s, testPolicy(2))
}

func TestSplit_StoresPagesInOrder(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.seedDocument(t, "d")
	f := newTestSplitter(h.store, h.blobs, fakeSplitter{pages: 12})

	got, err := f.Split(context.Background(), "d")
	require.NoError(t, err)
	require.Len(t, got, 12)
	for i, id := range got {
		assert.Equal(t, models.PageID("d", i+1), id)
	}

	pages, err := h.store.ListPages(context.Background(), "d")
	require.NoError(t, err)
	require.Len(t, pages, 12)
	assert.Equal(t, "gs://test/d/00012.pdf", pages[11].ContentURI)
	data, err := h.blobs.Read(context.Background(), pages[2].ContentURI)
	require.NoError(t, err)
	assert.Equal(t, "pdf-d#3", string(data))
	assert.Equal(t, 12, h.document(t, "d").PageCount)
}

func TestSplit_RerunReusesPages(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	h.seedDocument(t, "d")
	first, err := newTestSplitter(h.store, h.blobs, fakeSplitter{pages: 3}).Split(context.Background(), "d")
	require.NoError(t, err)

	// A different splitter would produce other pages; the stored ones win.
	second, err := newTestSplitter(h.store, h.blobs, fakeSplitter{err: errors.New("must not run")}).Split(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSplit_FailuresMarkDocumentFailed(t *testing.T) {
	tests := []struct {
		name     string
		splitter PageSplitter
		want     string
	}{
		{name: "zero pages", splitter: fakeSplitter{}, want: "zero pages"},
		{name: "split error", splitter: fakeSplitter{err: errors.New("bad xref")}, want: "bad xref"},
		{name: "corrupt pdf", splitter: PDFCPUPageSplitter{}, want: "failed to validate/optimize PDF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), 0)
			h.seedDocument(t, "d")

			_, err := newTestSplitter(h.store, h.blobs, tt.splitter).Split(context.Background(), "d")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDocumentFatal)

			doc := h.document(t, "d")
			assert.Equal(t, models.DocumentFailed, doc.Status)
			assert.Contains(t, doc.ErrorMessage, tt.want)
			pages, err := h.store.ListPages(context.Background(), "d")
			require.NoError(t, err)
			assert.Empty(t, pages)
		})
	}
}

func TestSplit_MissingSourceIsDocumentFatal(t *testing.T) {
	h := newHarness(t, testConfig(), 0)
	_, err := h.store.CreateDocument(context.Background(), &models.Document{ID: "d", SourceURI: "gs://test/missing.pdf", Status: models.DocumentUploaded})
	require.NoError(t, err)

	_, err = newTestSplitter(h.store, h.blobs, fakeSplitter{pages: 1}).Split(context.Background(), "d")
	assert.ErrorIs(t, err, ErrDocumentFatal)
	assert.Equal(t, models.DocumentFailed, h.document(t, "d").Status)
}

func TestPageObject(t *testing.T) {
	assert.Equal(t, "doc/00007.pdf", PageObject("doc", 7))
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by the dev server and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	documents   map[string]models.Document
	pages       map[string]models.Page
	extractions map[string]models.Extraction
	cleaned     map[string]models.CleanedPage
	cleanups    map[string]models.DocumentCleanup
	chunks      map[string][]models.EmbeddingChunk
	summaries   map[string]models.Summary
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:   make(map[string]models.Document),
		pages:       make(map[string]models.Page),
		extractions: make(map[string]models.Extraction),
		cleaned:     make(map[string]models.CleanedPage),
		cleanups:    make(map[string]models.DocumentCleanup),
		chunks:      make(map[string][]models.EmbeddingChunk),
		summaries:   make(map[string]models.Summary),
	}
}

func docProviderKey(documentID string, provider models.Provider) string {
	return documentID + "/" + string(provider)
}

func (m *MemoryStore) CreateDocument(_ context.Context, doc *models.Document) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := doc.ID
	if id == "" {
		id = uuid.NewString()
	}
	d := *doc
	d.ID = id
	m.documents[id] = d
	return id, nil
}

func (m *MemoryStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return &d, nil
}

func (m *MemoryStore) FindDocumentByHash(_ context.Context, fileHash string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.documents {
		if d.FileHash == fileHash {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("document with hash %s: %w", fileHash, ErrNotFound)
}

func (m *MemoryStore) UpdateDocumentStatus(_ context.Context, id string, status models.DocumentStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	d.Status = status
	if errMsg != "" {
		d.ErrorMessage = errMsg
	}
	m.documents[id] = d
	return nil
}

func (m *MemoryStore) SetPageCount(_ context.Context, id string, pageCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	d.PageCount = pageCount
	m.documents[id] = d
	return nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return false, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if d.Status == models.DocumentProcessed || d.Status == models.DocumentFailed {
		return false, nil
	}
	d.Status = models.DocumentProcessed
	m.documents[id] = d
	return true, nil
}

func (m *MemoryStore) CreatePages(_ context.Context, pages []models.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pages {
		m.pages[p.ID] = p
	}
	return nil
}

func (m *MemoryStore) GetPage(_ context.Context, pageID string) (*models.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page %s: %w", pageID, ErrNotFound)
	}
	return &p, nil
}

func (m *MemoryStore) ListPages(_ context.Context, documentID string) ([]models.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Page
	for _, p := range m.pages {
		if p.DocumentID == documentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

func (m *MemoryStore) GetExtraction(_ context.Context, pageID string, provider models.Provider) (*models.Extraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.extractions[RowKey(pageID, provider)]
	if !ok {
		return nil, fmt.Errorf("extraction %s: %w", RowKey(pageID, provider), ErrNotFound)
	}
	return &e, nil
}

func (m *MemoryStore) UpsertExtraction(_ context.Context, e *models.Extraction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extractions[RowKey(e.PageID, e.Provider)] = *e
	return nil
}

func (m *MemoryStore) GetCleanedPage(_ context.Context, pageID string, provider models.Provider) (*models.CleanedPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cleaned[RowKey(pageID, provider)]
	if !ok {
		return nil, fmt.Errorf("cleaned page %s: %w", RowKey(pageID, provider), ErrNotFound)
	}
	return &c, nil
}

func (m *MemoryStore) UpsertCleanedPage(_ context.Context, c *models.CleanedPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.Keywords = append([]string(nil), c.Keywords...)
	cp.TranslatedKeywords = append([]string(nil), c.TranslatedKeywords...)
	m.cleaned[RowKey(c.PageID, c.Provider)] = cp
	return nil
}

func (m *MemoryStore) ListCleanedPages(_ context.Context, documentID string, provider models.Provider) ([]models.CleanedPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CleanedPage
	for _, c := range m.cleaned {
		if c.DocumentID == documentID && c.Provider == provider {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

func (m *MemoryStore) UpsertDocumentCleanup(_ context.Context, c *models.DocumentCleanup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups[docProviderKey(c.DocumentID, c.Provider)] = *c
	return nil
}

func (m *MemoryStore) GetDocumentCleanup(_ context.Context, documentID string, provider models.Provider) (*models.DocumentCleanup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cleanups[docProviderKey(documentID, provider)]
	if !ok {
		return nil, fmt.Errorf("document cleanup %s/%s: %w", documentID, provider, ErrNotFound)
	}
	return &c, nil
}

func (m *MemoryStore) HasChunks(_ context.Context, documentID string, provider models.Provider) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[docProviderKey(documentID, provider)]) > 0, nil
}

func (m *MemoryStore) SaveChunks(_ context.Context, chunks []models.EmbeddingChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		key := docProviderKey(c.DocumentID, c.Provider)
		m.chunks[key] = append(m.chunks[key], c)
	}
	return nil
}

// Chunks returns the stored chunks for a document and provider.
func (m *MemoryStore) Chunks(documentID string, provider models.Provider) []models.EmbeddingChunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.EmbeddingChunk(nil), m.chunks[docProviderKey(documentID, provider)]...)
}

func (m *MemoryStore) GetSummary(_ context.Context, documentID string, provider models.Provider) (*models.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[docProviderKey(documentID, provider)]
	if !ok {
		return nil, fmt.Errorf("summary %s: %w", docProviderKey(documentID, provider), ErrNotFound)
	}
	return &s, nil
}

func (m *MemoryStore) SaveSummary(_ context.Context, s *models.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[docProviderKey(s.DocumentID, s.Provider)] = *s
	return nil
}

package store

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/pageflow/internal/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps pipeline state in Firestore. Per page/provider rows live in
// top-level collections keyed by RowKey so every write is a single-document Set.
type FirestoreStore struct {
	client *firestore.Client
	prefix string
}

// NewFirestoreStore wraps a client. prefix namespaces the collections, e.g. "dev_".
func NewFirestoreStore(client *firestore.Client, prefix string) *FirestoreStore {
	return &FirestoreStore{client: client, prefix: prefix}
}

func (s *FirestoreStore) col(name string) *firestore.CollectionRef {
	return s.client.Collection(s.prefix + name)
}

func (s *FirestoreStore) documents() *firestore.CollectionRef { return s.col("documents") }
func (s *FirestoreStore) pages() *firestore.CollectionRef     { return s.col("pages") }
func (s *FirestoreStore) extractions() *firestore.CollectionRef {
	return s.col("extractions")
}
func (s *FirestoreStore) cleanedPages() *firestore.CollectionRef {
	return s.col("cleanedPages")
}

func notFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (s *FirestoreStore) CreateDocument(ctx context.Context, doc *models.Document) (string, error) {
	if doc.ID != "" {
		if _, err := s.documents().Doc(doc.ID).Set(ctx, doc); err != nil {
			return "", fmt.Errorf("failed to create document %s: %w", doc.ID, err)
		}
		return doc.ID, nil
	}
	ref, _, err := s.documents().Add(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to create document: %w", err)
	}
	return ref.ID, nil
}

func (s *FirestoreStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	snap, err := s.documents().Doc(id).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	var doc models.Document
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	doc.ID = snap.Ref.ID
	return &doc, nil
}

func (s *FirestoreStore) FindDocumentByHash(ctx context.Context, fileHash string) (*models.Document, error) {
	docs, err := s.documents().Where("fileHash", "==", fileHash).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query for duplicates: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("document with hash %s: %w", fileHash, ErrNotFound)
	}
	var doc models.Document
	if err := docs[0].DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", docs[0].Ref.ID, err)
	}
	doc.ID = docs[0].Ref.ID
	return &doc, nil
}

func (s *FirestoreStore) UpdateDocumentStatus(ctx context.Context, id string, st models.DocumentStatus, errMsg string) error {
	updates := []firestore.Update{
		{Path: "status", Value: st},
	}
	if errMsg != "" {
		updates = append(updates, firestore.Update{Path: "errorMessage", Value: errMsg})
	}
	if _, err := s.documents().Doc(id).Update(ctx, updates); err != nil {
		if notFound(err) {
			return fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to update status of %s: %w", id, err)
	}
	return nil
}

func (s *FirestoreStore) SetPageCount(ctx context.Context, id string, pageCount int) error {
	if _, err := s.documents().Doc(id).Update(ctx, []firestore.Update{{Path: "pageCount", Value: pageCount}}); err != nil {
		if notFound(err) {
			return fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to set page count of %s: %w", id, err)
	}
	return nil
}

func (s *FirestoreStore) MarkProcessed(ctx context.Context, id string) (bool, error) {
	ref := s.documents().Doc(id)
	var transitioned bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		transitioned = false
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := snap.DataAt("status")
		if err != nil {
			return err
		}
		switch current {
		case string(models.DocumentProcessed), string(models.DocumentFailed):
			return nil
		}
		transitioned = true
		return tx.Update(ref, []firestore.Update{{Path: "status", Value: models.DocumentProcessed}})
	})
	if err != nil {
		if notFound(err) {
			return false, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return false, fmt.Errorf("failed to mark %s processed: %w", id, err)
	}
	return transitioned, nil
}

// maxTxWrites is Firestore's per-transaction write limit.
const maxTxWrites = 500

// CreatePages writes each chunk of up to maxTxWrites pages atomically, so a
// document with fewer pages is never left half-recorded.
func (s *FirestoreStore) CreatePages(ctx context.Context, pages []models.Page) error {
	for start := 0; start < len(pages); start += maxTxWrites {
		chunk := pages[start:min(start+maxTxWrites, len(pages))]
		err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			for _, p := range chunk {
				if err := tx.Set(s.pages().Doc(p.ID), p); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to create pages %d-%d: %w", start+1, start+len(chunk), err)
		}
	}
	return nil
}

func (s *FirestoreStore) GetPage(ctx context.Context, pageID string) (*models.Page, error) {
	snap, err := s.pages().Doc(pageID).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("page %s: %w", pageID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get page %s: %w", pageID, err)
	}
	var p models.Page
	if err := snap.DataTo(&p); err != nil {
		return nil, fmt.Errorf("failed to decode page %s: %w", pageID, err)
	}
	p.ID = snap.Ref.ID
	return &p, nil
}

func (s *FirestoreStore) ListPages(ctx context.Context, documentID string) ([]models.Page, error) {
	snaps, err := s.pages().Where("documentId", "==", documentID).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list pages of %s: %w", documentID, err)
	}
	out := make([]models.Page, 0, len(snaps))
	for _, snap := range snaps {
		var p models.Page
		if err := snap.DataTo(&p); err != nil {
			return nil, fmt.Errorf("failed to decode page %s: %w", snap.Ref.ID, err)
		}
		p.ID = snap.Ref.ID
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

func (s *FirestoreStore) GetExtraction(ctx context.Context, pageID string, provider models.Provider) (*models.Extraction, error) {
	key := RowKey(pageID, provider)
	snap, err := s.extractions().Doc(key).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("extraction %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get extraction %s: %w", key, err)
	}
	var e models.Extraction
	if err := snap.DataTo(&e); err != nil {
		return nil, fmt.Errorf("failed to decode extraction %s: %w", key, err)
	}
	return &e, nil
}

func (s *FirestoreStore) UpsertExtraction(ctx context.Context, e *models.Extraction) error {
	key := RowKey(e.PageID, e.Provider)
	if _, err := s.extractions().Doc(key).Set(ctx, e); err != nil {
		return fmt.Errorf("failed to upsert extraction %s: %w", key, err)
	}
	return nil
}

func (s *FirestoreStore) GetCleanedPage(ctx context.Context, pageID string, provider models.Provider) (*models.CleanedPage, error) {
	key := RowKey(pageID, provider)
	snap, err := s.cleanedPages().Doc(key).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("cleaned page %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get cleaned page %s: %w", key, err)
	}
	var c models.CleanedPage
	if err := snap.DataTo(&c); err != nil {
		return nil, fmt.Errorf("failed to decode cleaned page %s: %w", key, err)
	}
	return &c, nil
}

func (s *FirestoreStore) UpsertCleanedPage(ctx context.Context, c *models.CleanedPage) error {
	key := RowKey(c.PageID, c.Provider)
	if _, err := s.cleanedPages().Doc(key).Set(ctx, c); err != nil {
		return fmt.Errorf("failed to upsert cleaned page %s: %w", key, err)
	}
	return nil
}

func (s *FirestoreStore) ListCleanedPages(ctx context.Context, documentID string, provider models.Provider) ([]models.CleanedPage, error) {
	snaps, err := s.cleanedPages().
		Where("documentId", "==", documentID).
		Where("provider", "==", provider).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list cleaned pages of %s/%s: %w", documentID, provider, err)
	}
	out := make([]models.CleanedPage, 0, len(snaps))
	for _, snap := range snaps {
		var c models.CleanedPage
		if err := snap.DataTo(&c); err != nil {
			return nil, fmt.Errorf("failed to decode cleaned page %s: %w", snap.Ref.ID, err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

func (s *FirestoreStore) GetDocumentCleanup(ctx context.Context, documentID string, provider models.Provider) (*models.DocumentCleanup, error) {
	snap, err := s.documents().Doc(documentID).Collection("cleanups").Doc(string(provider)).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("document cleanup %s/%s: %w", documentID, provider, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get document cleanup %s/%s: %w", documentID, provider, err)
	}
	var c models.DocumentCleanup
	if err := snap.DataTo(&c); err != nil {
		return nil, fmt.Errorf("failed to decode document cleanup %s/%s: %w", documentID, provider, err)
	}
	return &c, nil
}

func (s *FirestoreStore) UpsertDocumentCleanup(ctx context.Context, c *models.DocumentCleanup) error {
	ref := s.documents().Doc(c.DocumentID).Collection("cleanups").Doc(string(c.Provider))
	if _, err := ref.Set(ctx, c); err != nil {
		return fmt.Errorf("failed to upsert document cleanup %s/%s: %w", c.DocumentID, c.Provider, err)
	}
	return nil
}

func (s *FirestoreStore) HasChunks(ctx context.Context, documentID string, provider models.Provider) (bool, error) {
	snaps, err := s.documents().Doc(documentID).Collection("chunks").
		Where("provider", "==", provider).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return false, fmt.Errorf("failed to query chunks of %s/%s: %w", documentID, provider, err)
	}
	return len(snaps) > 0, nil
}

func (s *FirestoreStore) SaveChunks(ctx context.Context, chunks []models.EmbeddingChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(chunks))
	for _, c := range chunks {
		ref := s.documents().Doc(c.DocumentID).Collection("chunks").Doc(fmt.Sprintf("%s_%05d", c.Provider, c.Index))
		job, err := bw.Set(ref, c)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to enqueue chunk %d: %w", c.Index, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", chunks[i].Index, err)
		}
	}
	return nil
}

func (s *FirestoreStore) GetSummary(ctx context.Context, documentID string, provider models.Provider) (*models.Summary, error) {
	snap, err := s.documents().Doc(documentID).Collection("summaries").Doc(string(provider)).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("summary %s/%s: %w", documentID, provider, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get summary %s/%s: %w", documentID, provider, err)
	}
	var sum models.Summary
	if err := snap.DataTo(&sum); err != nil {
		return nil, fmt.Errorf("failed to decode summary %s/%s: %w", documentID, provider, err)
	}
	return &sum, nil
}

func (s *FirestoreStore) SaveSummary(ctx context.Context, sum *models.Summary) error {
	ref := s.documents().Doc(sum.DocumentID).Collection("summaries").Doc(string(sum.Provider))
	if _, err := ref.Set(ctx, sum); err != nil {
		return fmt.Errorf("failed to save summary %s/%s: %w", sum.DocumentID, sum.Provider, err)
	}
	return nil
}

var _ Store = (*FirestoreStore)(nil)
var _ Store = (*MemoryStore)(nil)

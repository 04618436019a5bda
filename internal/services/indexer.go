package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/retry"
	"github.com/Lllllllleong/pageflow/internal/store"
	"google.golang.org/protobuf/types/known/structpb"
)

// Embedder turns texts into embedding vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VertexEmbedder calls a Vertex AI text embedding model through the prediction API.
type VertexEmbedder struct {
	client   *aiplatform.PredictionClient
	endpoint string
}

// NewVertexEmbedder targets a publisher model such as text-embedding-004.
func NewVertexEmbedder(client *aiplatform.PredictionClient, projectID, region, modelName string) *VertexEmbedder {
	return &VertexEmbedder{
		client:   client,
		endpoint: fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s", projectID, region, modelName),
	}
}

func (e *VertexEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	instances := make([]*structpb.Value, 0, len(texts))
	for _, t := range texts {
		inst, err := structpb.NewStruct(map[string]any{
			"content":   t,
			"task_type": "RETRIEVAL_DOCUMENT",
		})
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to build embedding instance: %w", err))
		}
		instances = append(instances, structpb.NewStructValue(inst))
	}

	resp, err := e.client.Predict(ctx, &aiplatformpb.PredictRequest{
		Endpoint:  e.endpoint,
		Instances: instances,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding prediction failed: %w", err)
	}

	preds := resp.GetPredictions()
	if len(preds) != len(texts) {
		return nil, fmt.Errorf("embedding prediction returned %d vectors for %d inputs", len(preds), len(texts))
	}
	out := make([][]float32, len(preds))
	for i, p := range preds {
		values := p.GetStructValue().GetFields()["embeddings"].GetStructValue().GetFields()["values"].GetListValue().GetValues()
		vec := make([]float32, len(values))
		for j, v := range values {
			vec[j] = float32(v.GetNumberValue())
		}
		out[i] = vec
	}
	return out, nil
}

// IndexerConfig controls chunking and embedding batches.
type IndexerConfig struct {
	Retry        retry.Policy
	ChunkSize    int
	ChunkOverlap int
	EmbedBatch   int
}

// IndexerFunction chunks an aggregated document and stores its embeddings.
type IndexerFunction struct {
	store    store.Store
	blobs    BlobStore
	embedder Embedder
	config   IndexerConfig
	now      func() time.Time
}

// NewIndexer creates a new IndexerFunction instance.
func NewIndexer(st store.Store, blobs BlobStore, embedder Embedder, config IndexerConfig) *IndexerFunction {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 2000
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = config.ChunkSize / 10
	}
	if config.EmbedBatch <= 0 {
		config.EmbedBatch = 16
	}
	return &IndexerFunction{store: st, blobs: blobs, embedder: embedder, config: config, now: time.Now}
}

// Index embeds the master file of one provider. It is a no-op when chunks exist.
func (f *IndexerFunction) Index(ctx context.Context, req models.FanOutRequest) (int, error) {
	logCtx := slog.With("documentId", req.DocumentID, "provider", req.Provider)

	has, err := f.store.HasChunks(ctx, req.DocumentID, req.Provider)
	if err != nil {
		return 0, fmt.Errorf("failed to check existing chunks: %w", err)
	}
	if has {
		logCtx.Info("Document already indexed. Skipping.")
		return 0, nil
	}

	data, err := f.blobs.Read(ctx, req.MasterURI)
	if err != nil {
		return 0, fmt.Errorf("failed to read master file: %w", err)
	}
	texts := ChunkText(string(data), f.config.ChunkSize, f.config.ChunkOverlap)
	if len(texts) == 0 {
		logCtx.Warn("Master file is empty; nothing to index.")
		return 0, nil
	}

	chunks := make([]models.EmbeddingChunk, 0, len(texts))
	for start := 0; start < len(texts); start += f.config.EmbedBatch {
		batch := texts[start:min(start+f.config.EmbedBatch, len(texts))]
		vectors, err := retry.Value(ctx, f.config.Retry, func(ctx context.Context) ([][]float32, error) {
			return f.embedder.Embed(ctx, batch)
		})
		if err != nil {
			logCtx.Error("Embedding failed.", "error", err, "batchStart", start)
			return 0, fmt.Errorf("failed to embed chunks %d-%d: %w", start, start+len(batch)-1, err)
		}
		for i, text := range batch {
			chunks = append(chunks, models.EmbeddingChunk{
				DocumentID: req.DocumentID,
				Provider:   req.Provider,
				Index:      start + i,
				Text:       text,
				Embedding:  vectors[i],
				CreatedAt:  f.now(),
			})
		}
	}

	if err := f.store.SaveChunks(ctx, chunks); err != nil {
		return 0, fmt.Errorf("failed to save chunks: %w", err)
	}
	logCtx.Info("Indexing complete.", "chunkCount", len(chunks))
	return len(chunks), nil
}

// ChunkText packs paragraphs into chunks of at most size bytes. Each chunk
// starts with trailing paragraphs of the previous one, up to overlap bytes.
// Paragraphs longer than size are cut on rune boundaries.
func ChunkText(text string, size, overlap int) []string {
	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}

	var (
		chunks []string
		cur    []string
		curLen int
		fresh  bool
	)
	emit := func() {
		chunks = append(chunks, strings.Join(cur, "\n\n"))
		var keep []string
		kept := 0
		for i := len(cur) - 1; i >= 0; i-- {
			if kept+len(cur[i]) > overlap {
				break
			}
			keep = append([]string{cur[i]}, keep...)
			kept += len(cur[i])
		}
		cur, curLen, fresh = keep, kept, false
	}

	for _, p := range paras {
		if len(p) > size {
			if fresh {
				emit()
			}
			cur, curLen, fresh = nil, 0, false
			chunks = append(chunks, splitRunes(p, size)...)
			continue
		}
		if curLen+len(p) > size {
			if fresh {
				emit()
			}
			if curLen+len(p) > size {
				cur, curLen = nil, 0
			}
		}
		cur = append(cur, p)
		curLen += len(p)
		fresh = true
	}
	if fresh {
		chunks = append(chunks, strings.Join(cur, "\n\n"))
	}
	return chunks
}

func splitRunes(s string, size int) []string {
	var out []string
	for len(s) > size {
		cut := size
		for cut > 0 && !isRuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

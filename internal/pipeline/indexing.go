// Package pipeline wires the Quilora core end to end: indexing (chunk,
// embed, store) and retrieval (embed the query, search, build a grounded
// prompt, generate). Shared backends are resolved through the resource
// registry on every call so a failed initialisation is retried on the
// next request rather than poisoning the process.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quilora/quilora-go/internal/chunker"
	"github.com/quilora/quilora-go/internal/rag"
	"github.com/quilora/quilora-go/internal/registry"
	"github.com/quilora/quilora-go/internal/retry"
)

// IndexingConfig configures an IndexingPipeline.
type IndexingConfig struct {
	// Registry resolves the shared embedder and vector store.
	Registry *registry.Registry

	// Chunker splits document text into overlapping windows.
	Chunker *chunker.Chunker

	// EmbedPolicy governs retries of transient embedding failures.
	// Zero value uses retry.DefaultEmbedding.
	EmbedPolicy retry.Policy

	// Logger receives per-document progress. Nil means slog.Default().
	Logger *slog.Logger
}

// IndexingPipeline turns raw documents into embedded chunks in the vector
// store. Safe for concurrent use.
type IndexingPipeline struct {
	reg         *registry.Registry
	chunker     *chunker.Chunker
	embedPolicy retry.Policy
	log         *slog.Logger
}

// NewIndexing constructs an IndexingPipeline.
func NewIndexing(cfg IndexingConfig) (*IndexingPipeline, error) {
	if cfg.Registry == nil {
		return nil, errors.New("pipeline: registry is required")
	}
	if cfg.Chunker == nil {
		return nil, errors.New("pipeline: chunker is required")
	}
	if cfg.EmbedPolicy == (retry.Policy{}) {
		cfg.EmbedPolicy = retry.DefaultEmbedding
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &IndexingPipeline{
		reg:         cfg.Registry,
		chunker:     cfg.Chunker,
		embedPolicy: cfg.EmbedPolicy,
		log:         log,
	}, nil
}

// Index chunks the document, embeds every chunk, and replaces whatever the
// store previously held for the same document ID. Chunk IDs are derived
// from (document ID, index), so re-indexing is reproducible; the old
// chunks are deleted before the new ones are written so a shrinking
// document leaves no orphans. Returns the number of chunks written.
func (p *IndexingPipeline) Index(ctx context.Context, doc rag.Document) (int, error) {
	if doc.ID == "" {
		return 0, fmt.Errorf("pipeline: document ID is required")
	}

	store, err := p.reg.VectorStore(ctx)
	if err != nil {
		return 0, err
	}

	texts := p.chunker.Split(doc.Text)
	if len(texts) == 0 {
		// Re-indexing an empty document still clears its previous chunks.
		if _, err := store.DeleteByDocument(ctx, doc.ID); err != nil {
			return 0, err
		}
		return 0, nil
	}

	embedder, err := p.reg.Embedder(ctx)
	if err != nil {
		return 0, err
	}

	var vectors [][]float32
	err = retry.Do(ctx, p.embedPolicy, rag.Retryable, func(ctx context.Context) error {
		var embedErr error
		vectors, embedErr = embedder.Embed(ctx, texts)
		return embedErr
	})
	if err != nil {
		return 0, classifyEmbed(err)
	}
	if len(vectors) != len(texts) {
		return 0, rag.NewError(rag.KindEmbedding,
			"embedder returned %d vectors for %d chunks", len(vectors), len(texts))
	}

	chunks := make([]rag.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = rag.Chunk{
			ID:         rag.ChunkID(doc.ID, i),
			DocumentID: doc.ID,
			Index:      i,
			Text:       text,
			Embedding:  vectors[i],
			Metadata:   doc.Metadata,
		}
	}

	if _, err := store.DeleteByDocument(ctx, doc.ID); err != nil {
		return 0, err
	}
	written, err := store.Upsert(ctx, chunks)
	if err != nil {
		return 0, err
	}

	p.log.InfoContext(ctx, "document indexed",
		slog.String("doc_id", doc.ID),
		slog.Int("chunks", written))
	return written, nil
}

// Delete removes every chunk belonging to the given document. The count is
// rag.CountUnknown when the store cannot report one.
func (p *IndexingPipeline) Delete(ctx context.Context, documentID string) (int64, error) {
	store, err := p.reg.VectorStore(ctx)
	if err != nil {
		return 0, err
	}
	return store.DeleteByDocument(ctx, documentID)
}

// Clear removes every chunk in the collection.
func (p *IndexingPipeline) Clear(ctx context.Context) (int64, error) {
	store, err := p.reg.VectorStore(ctx)
	if err != nil {
		return 0, err
	}
	return store.DeleteAll(ctx)
}

// Count returns the number of chunks currently stored.
func (p *IndexingPipeline) Count(ctx context.Context) (uint64, error) {
	store, err := p.reg.VectorStore(ctx)
	if err != nil {
		return 0, err
	}
	return store.Count(ctx)
}

// classifyEmbed maps an exhausted embedding attempt onto the taxonomy.
// Errors already classified (dimension mismatch, prior wrapping) pass
// through untouched.
func classifyEmbed(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return rag.WrapError(rag.KindEmbeddingTimeout, err, "embedding deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return rag.WrapError(rag.KindEmbedding, err, "embedding failed")
}

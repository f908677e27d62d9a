// Package rag defines the domain model and interfaces for the Quilora
// retrieval-augmented generation core: chunk storage, vector similarity
// search, text embedding, and grounded answer generation. Concrete
// implementations (Qdrant, Ollama/OpenAI embedders, eino chat models)
// satisfy these interfaces so the pipelines never depend on a specific
// backend.
package rag

import (
	"context"
)

// CountUnknown is the sentinel returned by deletion operations when the
// backing store cannot report an authoritative count. Callers must not
// assume a numeric count is always available.
const CountUnknown int64 = -1

// Document is an externally supplied unit of raw text to be indexed.
// Documents are consumed entirely into Chunks; the core never stores the
// raw text verbatim.
type Document struct {
	// ID uniquely identifies the document. Re-indexing under the same ID
	// replaces all chunks previously derived from it.
	ID string

	// Text is the full raw text of the document.
	Text string

	// Metadata holds arbitrary key-value pairs attached to every chunk
	// derived from this document (title, source, format, ...).
	Metadata map[string]string
}

// Chunk is a contiguous slice of a document's text stored with its
// embedding vector. Chunks are immutable once written; re-indexing the
// parent document replaces them wholesale.
type Chunk struct {
	// ID is the globally unique chunk identifier, derived from
	// (DocumentID, Index) so re-indexing is reproducible.
	ID string

	// DocumentID is the ID of the parent document.
	DocumentID string

	// Index is the zero-based position of this chunk within its document.
	Index int

	// Text is the chunk's text content.
	Text string

	// Embedding is the dense vector for Text. Its length must equal the
	// collection's configured dimension.
	Embedding []float32

	// Metadata holds key-value pairs inherited from the parent document.
	// Keys that collide with reserved payload fields are dropped at the
	// write boundary, never allowed to overwrite them.
	Metadata map[string]string
}

// SearchResult pairs a retrieved chunk with its similarity score.
type SearchResult struct {
	// Chunk is the retrieved chunk (embedding not populated on read).
	Chunk Chunk

	// Score is the similarity score assigned by the store, in the range
	// of the collection's distance metric (cosine: 0.0-1.0).
	Score float32
}

// Embedder converts text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector length this embedder produces.
	// Used to size the vector store collection at construction time.
	Dimensions() int
}

// VectorStore persists chunks and performs similarity search over their
// embeddings. Implementations must be safe to call from multiple
// goroutines and must verify collection schema at construction time.
type VectorStore interface {
	// Upsert writes chunks in batches, replacing any existing point with
	// the same chunk ID (point-level overwrite, not a merge). Returns the
	// number of chunks written. Delivery is at-least-once per batch; a
	// failure mid-way does not roll back earlier batches.
	Upsert(ctx context.Context, chunks []Chunk) (int, error)

	// Search returns at most topK chunks with score >= minScore, ordered
	// by strictly non-increasing score. Ties are broken by the store's
	// natural point-id order.
	Search(ctx context.Context, queryEmbedding []float32, topK int, minScore float32) ([]SearchResult, error)

	// DeleteByDocument removes all chunks belonging to the given parent
	// document. Returns the deleted count, or CountUnknown when the store
	// cannot report one.
	DeleteByDocument(ctx context.Context, documentID string) (int64, error)

	// DeleteAll removes every chunk in the collection. Returns the deleted
	// count, or CountUnknown. Calling it on an empty collection is not an
	// error.
	DeleteAll(ctx context.Context) (int64, error)

	// Count returns the exact number of chunks currently stored.
	Count(ctx context.Context) (uint64, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// FragmentStream is a finite, non-restartable sequence of generated text
// fragments. Recv returns io.EOF after the final fragment; any other error
// means the stream was interrupted and no further fragments will arrive.
type FragmentStream interface {
	// Recv returns the next fragment, blocking until one is available.
	Recv() (string, error)

	// Close releases the underlying stream. Safe to call after Recv
	// returned an error.
	Close()
}

// Generator produces text from a grounded prompt, either as one complete
// answer or as an ordered fragment stream.
// Implementations must be safe to call from multiple goroutines.
type Generator interface {
	// Generate returns the complete generated text for the prompt.
	Generate(ctx context.Context, prompt string) (string, error)

	// GenerateStream starts generation and returns a stream of fragments
	// in receipt order.
	GenerateStream(ctx context.Context, prompt string) (FragmentStream, error)
}

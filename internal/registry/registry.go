// Package registry provides lazily initialised, process-wide shared
// handles for the embedding client and the vector store connection.
// Both are expensive to construct (the store opens a gRPC connection and
// verifies collection schema), so the first caller constructs them and
// every later caller - including callers racing the first - receives the
// same instance.
//
// The registry is an explicit, injectable object rather than package-level
// state so tests can substitute fresh instances per run.
package registry

import (
	"context"
	"sync"

	"github.com/quilora/quilora-go/internal/rag"
)

// EmbedderFactory constructs the shared Embedder on first use.
type EmbedderFactory func(ctx context.Context) (rag.Embedder, error)

// StoreFactory constructs the shared VectorStore on first use.
type StoreFactory func(ctx context.Context) (rag.VectorStore, error)

// Registry caches one Embedder and one VectorStore, constructed on first
// request. Construction failures are returned to the requesting caller and
// never cached: the next caller attempts construction again, so a vector
// database that was briefly unreachable does not poison the process.
//
// sync.Once is deliberately not used here - it would latch the first
// failure forever.
type Registry struct {
	// newEmbedder builds the embedder on first use.
	newEmbedder EmbedderFactory

	// newStore builds the vector store on first use.
	newStore StoreFactory

	// mu guards the slow path of both slots.
	mu sync.Mutex

	// embedder is the cached shared embedder. Read via the read lock on
	// rmu for the steady-state fast path.
	embedder rag.Embedder

	// store is the cached shared vector store.
	store rag.VectorStore

	// rmu allows lock-free-ish reads once a slot is populated; writers
	// hold both rmu and mu.
	rmu sync.RWMutex
}

// New constructs a Registry from the given factories.
func New(newEmbedder EmbedderFactory, newStore StoreFactory) *Registry {
	return &Registry{newEmbedder: newEmbedder, newStore: newStore}
}

// Embedder returns the shared embedder, constructing it on first call.
// Safe under concurrent first use: exactly one construction runs, racing
// callers block on it and share its result. A construction error is
// returned classified as resource_init and is not cached.
func (r *Registry) Embedder(ctx context.Context) (rag.Embedder, error) {
	// Fast path: already initialised, no exclusive lock taken.
	r.rmu.RLock()
	e := r.embedder
	r.rmu.RUnlock()
	if e != nil {
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the lock: a racing caller may have won construction.
	r.rmu.RLock()
	e = r.embedder
	r.rmu.RUnlock()
	if e != nil {
		return e, nil
	}

	e, err := r.newEmbedder(ctx)
	if err != nil {
		return nil, rag.WrapError(rag.KindResourceInit, err, "embedding client construction failed")
	}

	r.rmu.Lock()
	r.embedder = e
	r.rmu.Unlock()
	return e, nil
}

// VectorStore returns the shared vector store, constructing it on first
// call, with the same concurrency and failure semantics as Embedder.
func (r *Registry) VectorStore(ctx context.Context) (rag.VectorStore, error) {
	r.rmu.RLock()
	s := r.store
	r.rmu.RUnlock()
	if s != nil {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rmu.RLock()
	s = r.store
	r.rmu.RUnlock()
	if s != nil {
		return s, nil
	}

	s, err := r.newStore(ctx)
	if err != nil {
		return nil, rag.WrapError(rag.KindResourceInit, err, "vector store construction failed")
	}

	r.rmu.Lock()
	r.store = s
	r.rmu.Unlock()
	return s, nil
}

// Close releases the cached resources, if any were constructed. The
// registry must not be used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rmu.Lock()
	s := r.store
	r.store = nil
	r.embedder = nil
	r.rmu.Unlock()

	if s != nil {
		return s.Close()
	}
	return nil
}

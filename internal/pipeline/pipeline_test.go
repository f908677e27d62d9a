package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quilora/quilora-go/internal/chunker"
	"github.com/quilora/quilora-go/internal/rag"
	"github.com/quilora/quilora-go/internal/registry"
	"github.com/quilora/quilora-go/internal/retry"
)

// fastPolicy keeps retry delays out of test wall-clock time.
var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	// failFirst makes the first n calls fail with a transient error.
	failFirst int
	dims      int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return nil, errors.New("transient: connection refused")
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int {
	if f.dims > 0 {
		return f.dims
	}
	return 2
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	mu          sync.Mutex
	ops         []string // call order: "delete:<id>", "upsert:<n>", "search"
	upserted    []rag.Chunk
	results     []rag.SearchResult
	searchCalls int
	searchFail  int // first n Search calls fail transiently

	// lastTopK and lastMinScore record the arguments of the last Search.
	lastTopK     int
	lastMinScore float32
}

func (f *fakeStore) Upsert(_ context.Context, chunks []rag.Chunk) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "upsert")
	f.upserted = append(f.upserted, chunks...)
	return len(chunks), nil
}

func (f *fakeStore) Search(_ context.Context, _ []float32, topK int, minScore float32) ([]rag.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "search")
	f.searchCalls++
	f.lastTopK = topK
	f.lastMinScore = minScore
	if f.searchCalls <= f.searchFail {
		return nil, errors.New("transient: qdrant unavailable")
	}
	out := make([]rag.SearchResult, 0, len(f.results))
	for _, r := range f.results {
		if r.Score >= minScore && len(out) < topK {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteByDocument(_ context.Context, documentID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "delete:"+documentID)
	return rag.CountUnknown, nil
}

func (f *fakeStore) DeleteAll(context.Context) (int64, error) { return rag.CountUnknown, nil }
func (f *fakeStore) Count(context.Context) (uint64, error)    { return uint64(len(f.upserted)), nil }
func (f *fakeStore) Ping(context.Context) error               { return nil }
func (f *fakeStore) Close() error                             { return nil }

func (f *fakeStore) opOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	prompt   string
	answer   string
	blockCtx bool // Generate blocks until ctx is done, then reports a timeout
	stream   rag.FragmentStream
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.prompt = prompt
	block := f.blockCtx
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", rag.WrapError(rag.KindGenerationTimeout, ctx.Err(), "generation deadline exceeded")
	}
	return f.answer, nil
}

func (f *fakeGenerator) GenerateStream(_ context.Context, prompt string) (rag.FragmentStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompt = prompt
	return f.stream, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeGenerator) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompt
}

// sliceStream replays fragments, then the terminal error (io.EOF when nil).
type sliceStream struct {
	fragments []string
	terminal  error
	pos       int
}

func (s *sliceStream) Recv() (string, error) {
	if s.pos < len(s.fragments) {
		frag := s.fragments[s.pos]
		s.pos++
		return frag, nil
	}
	if s.terminal != nil {
		return "", s.terminal
	}
	return "", io.EOF
}

func (s *sliceStream) Close() {}

// endlessStream yields fragments until the context is cancelled.
type endlessStream struct {
	ctx context.Context
}

func (s *endlessStream) Recv() (string, error) {
	select {
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	case <-time.After(time.Millisecond):
		return "more ", nil
	}
}

func (s *endlessStream) Close() {}

func newRegistry(e rag.Embedder, s rag.VectorStore) *registry.Registry {
	return registry.New(
		func(context.Context) (rag.Embedder, error) { return e, nil },
		func(context.Context) (rag.VectorStore, error) { return s, nil },
	)
}

func mustChunker(t *testing.T, window, overlap int) *chunker.Chunker {
	t.Helper()
	c, err := chunker.New(window, overlap)
	if err != nil {
		t.Fatalf("chunker.New: %v", err)
	}
	return c
}

// ---------------------------------------------------------------------------
// Indexing
// ---------------------------------------------------------------------------

func Test_Index_ChunksEmbedsAndReplaces(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{}
	store := &fakeStore{}
	p, err := NewIndexing(IndexingConfig{
		Registry:    newRegistry(emb, store),
		Chunker:     mustChunker(t, 5, 1),
		EmbedPolicy: fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewIndexing: %v", err)
	}

	doc := rag.Document{
		ID:       "guide-1",
		Text:     strings.Repeat("word ", 12),
		Metadata: map[string]string{"title": "Guide"},
	}
	n, err := p.Index(t.Context(), doc)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if n != 3 {
		t.Fatalf("chunks written = %d, want 3", n)
	}

	ops := store.opOrder()
	if len(ops) != 2 || ops[0] != "delete:guide-1" || ops[1] != "upsert" {
		t.Fatalf("op order = %v, want [delete:guide-1 upsert]", ops)
	}

	for i, c := range store.upserted {
		if want := rag.ChunkID("guide-1", i); c.ID != want {
			t.Errorf("chunk %d ID = %q, want %q", i, c.ID, want)
		}
		if c.DocumentID != "guide-1" || c.Index != i {
			t.Errorf("chunk %d parentage = %q/%d", i, c.DocumentID, c.Index)
		}
		if len(c.Embedding) == 0 {
			t.Errorf("chunk %d has no embedding", i)
		}
		if c.Metadata["title"] != "Guide" {
			t.Errorf("chunk %d lost metadata", i)
		}
	}
}

func Test_Index_EmptyDocumentClearsPriorChunks(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{}
	store := &fakeStore{}
	p, err := NewIndexing(IndexingConfig{
		Registry:    newRegistry(emb, store),
		Chunker:     mustChunker(t, 5, 1),
		EmbedPolicy: fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewIndexing: %v", err)
	}

	n, err := p.Index(t.Context(), rag.Document{ID: "stale", Text: "   "})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if n != 0 {
		t.Errorf("chunks written = %d, want 0", n)
	}
	if emb.callCount() != 0 {
		t.Errorf("embedder called %d times for empty document", emb.callCount())
	}
	ops := store.opOrder()
	if len(ops) != 1 || ops[0] != "delete:stale" {
		t.Errorf("op order = %v, want [delete:stale]", ops)
	}
}

func Test_Index_EmbeddingRetriesThenExhausts(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{failFirst: 10}
	store := &fakeStore{}
	p, err := NewIndexing(IndexingConfig{
		Registry:    newRegistry(emb, store),
		Chunker:     mustChunker(t, 5, 1),
		EmbedPolicy: fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewIndexing: %v", err)
	}

	_, err = p.Index(t.Context(), rag.Document{ID: "d", Text: "some text to index"})
	if !rag.IsKind(err, rag.KindEmbedding) {
		t.Fatalf("want embedding_error, got %v", err)
	}
	if got := emb.callCount(); got != fastPolicy.MaxAttempts {
		t.Errorf("embed attempts = %d, want %d", got, fastPolicy.MaxAttempts)
	}
	if len(store.opOrder()) != 0 {
		t.Error("store must not be touched when embedding fails")
	}
}

func Test_Index_EmbeddingRecoversWithinBudget(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{failFirst: 2}
	store := &fakeStore{}
	p, err := NewIndexing(IndexingConfig{
		Registry:    newRegistry(emb, store),
		Chunker:     mustChunker(t, 5, 1),
		EmbedPolicy: fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewIndexing: %v", err)
	}

	n, err := p.Index(t.Context(), rag.Document{ID: "d", Text: "short text"})
	if err != nil {
		t.Fatalf("Index after transient failures: %v", err)
	}
	if n != 1 {
		t.Errorf("chunks written = %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// Retrieval, complete mode
// ---------------------------------------------------------------------------

func someResults() []rag.SearchResult {
	return []rag.SearchResult{
		{Chunk: rag.Chunk{ID: "a#0", DocumentID: "a", Text: "Go is a statically typed language."}, Score: 0.92},
		{Chunk: rag.Chunk{ID: "b#3", DocumentID: "b", Text: "Goroutines are lightweight threads."}, Score: 0.81},
	}
}

func Test_Answer_GroundedHappyPath(t *testing.T) {
	t.Parallel()

	store := &fakeStore{results: someResults()}
	gen := &fakeGenerator{answer: "Go is statically typed."}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:     newRegistry(&fakeEmbedder{}, store),
		Generator:    gen,
		EmbedPolicy:  fastPolicy,
		SearchPolicy: fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	out, err := p.Answer(t.Context(), "Is Go statically typed?", Options{})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if out.Answer != "Go is statically typed." {
		t.Errorf("Answer = %q", out.Answer)
	}
	if out.InsufficientContext {
		t.Error("InsufficientContext must be false with results")
	}
	if len(out.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(out.Sources))
	}
	if out.Sources[0].Score < out.Sources[1].Score {
		t.Error("sources must stay in score order")
	}
	if out.Sources[0].ChunkID != "a#0" || out.Sources[0].DocumentID != "a" {
		t.Errorf("source identity = %+v", out.Sources[0])
	}

	prompt := gen.lastPrompt()
	if !strings.Contains(prompt, "Is Go statically typed?") {
		t.Error("prompt must contain the question")
	}
	if !strings.Contains(prompt, "statically typed language") {
		t.Error("prompt must contain retrieved context")
	}
	if !strings.HasPrefix(prompt, promptHeader) {
		t.Error("prompt must start with the instruction header")
	}
}

func Test_Answer_EmptyCollectionSkipsGeneration(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{answer: "should never be produced"}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:     newRegistry(&fakeEmbedder{}, &fakeStore{}),
		Generator:    gen,
		EmbedPolicy:  fastPolicy,
		SearchPolicy: fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	out, err := p.Answer(t.Context(), "anything at all?", Options{})
	if err != nil {
		t.Fatalf("Answer on empty collection must succeed, got %v", err)
	}
	if !out.InsufficientContext {
		t.Error("InsufficientContext must be set")
	}
	if out.Answer != NoContextAnswer {
		t.Errorf("Answer = %q, want the fixed no-context answer", out.Answer)
	}
	if len(out.Sources) != 0 {
		t.Errorf("sources = %d, want 0", len(out.Sources))
	}
	if gen.callCount() != 0 {
		t.Error("generator must not be consulted without context")
	}
}

func Test_Answer_BelowThresholdResultsExcluded(t *testing.T) {
	t.Parallel()

	store := &fakeStore{results: []rag.SearchResult{
		{Chunk: rag.Chunk{ID: "a#0", DocumentID: "a", Text: "barely related"}, Score: 0.31},
	}}
	gen := &fakeGenerator{}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:     newRegistry(&fakeEmbedder{}, store),
		Generator:    gen,
		MinScore:     0.5,
		EmbedPolicy:  fastPolicy,
		SearchPolicy: fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	out, err := p.Answer(t.Context(), "q", Options{})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !out.InsufficientContext {
		t.Error("below-threshold results must count as no context")
	}
}

func Test_Answer_PerQueryOverridesReachSearch(t *testing.T) {
	t.Parallel()

	store := &fakeStore{results: someResults()}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:     newRegistry(&fakeEmbedder{}, store),
		Generator:    &fakeGenerator{answer: "ok"},
		TopK:         5,
		MinScore:     0.5,
		EmbedPolicy:  fastPolicy,
		SearchPolicy: fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	if _, err := p.Answer(t.Context(), "q", Options{TopK: 2, MinScore: 0.9}); err != nil {
		t.Fatalf("Answer with overrides: %v", err)
	}
	if store.lastTopK != 2 {
		t.Errorf("search top_k = %d, want the per-query override 2", store.lastTopK)
	}
	if store.lastMinScore != 0.9 {
		t.Errorf("search min_score = %v, want the per-query override 0.9", store.lastMinScore)
	}

	if _, err := p.Answer(t.Context(), "q", Options{}); err != nil {
		t.Fatalf("Answer without overrides: %v", err)
	}
	if store.lastTopK != 5 {
		t.Errorf("search top_k = %d, want the configured default 5", store.lastTopK)
	}
	if store.lastMinScore != 0.5 {
		t.Errorf("search min_score = %v, want the configured default 0.5", store.lastMinScore)
	}
}

// A chunk too large for the context budget is dropped entirely; the model
// must then be skipped rather than asked to answer from a context-free
// prompt.
func Test_Answer_ContextBudgetExhaustedSkipsGeneration(t *testing.T) {
	t.Parallel()

	store := &fakeStore{results: []rag.SearchResult{
		{Chunk: rag.Chunk{ID: "a#0", DocumentID: "a", Text: strings.Repeat("x", 4000)}, Score: 0.95},
	}}
	gen := &fakeGenerator{answer: "should never be produced"}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:         newRegistry(&fakeEmbedder{}, store),
		Generator:        gen,
		MaxContextTokens: 60,
		EmbedPolicy:      fastPolicy,
		SearchPolicy:     fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	out, err := p.Answer(t.Context(), "q", Options{})
	if err != nil {
		t.Fatalf("Answer with overflowing context: %v", err)
	}
	if !out.InsufficientContext {
		t.Error("InsufficientContext must be set when no chunk fits the budget")
	}
	if out.Answer != NoContextAnswer {
		t.Errorf("Answer = %q, want the fixed no-context answer", out.Answer)
	}
	if len(out.Sources) != 0 {
		t.Errorf("sources = %d, want 0", len(out.Sources))
	}
	if gen.callCount() != 0 {
		t.Error("generator must not be consulted without usable context")
	}
}

func Test_Answer_SearchRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	store := &fakeStore{results: someResults(), searchFail: 1}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:     newRegistry(&fakeEmbedder{}, store),
		Generator:    &fakeGenerator{answer: "ok"},
		EmbedPolicy:  fastPolicy,
		SearchPolicy: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	out, err := p.Answer(t.Context(), "q", Options{})
	if err != nil {
		t.Fatalf("Answer after transient search failure: %v", err)
	}
	if out.Answer != "ok" {
		t.Errorf("Answer = %q", out.Answer)
	}
	if store.searchCalls != 2 {
		t.Errorf("search attempts = %d, want 2", store.searchCalls)
	}
}

func Test_Answer_SearchExhaustionClassified(t *testing.T) {
	t.Parallel()

	store := &fakeStore{searchFail: 10}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:     newRegistry(&fakeEmbedder{}, store),
		Generator:    &fakeGenerator{},
		EmbedPolicy:  fastPolicy,
		SearchPolicy: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	_, err = p.Answer(t.Context(), "q", Options{})
	if !rag.IsKind(err, rag.KindSearch) {
		t.Fatalf("want search_error, got %v", err)
	}
	if store.searchCalls != 2 {
		t.Errorf("search attempts = %d, want 2", store.searchCalls)
	}
}

func Test_Answer_GenerationTimeoutNotRetried(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{blockCtx: true}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:          newRegistry(&fakeEmbedder{}, &fakeStore{results: someResults()}),
		Generator:         gen,
		GenerationTimeout: 20 * time.Millisecond,
		EmbedPolicy:       fastPolicy,
		SearchPolicy:      fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	_, err = p.Answer(t.Context(), "q", Options{})
	if !rag.IsKind(err, rag.KindGenerationTimeout) {
		t.Fatalf("want generation_timeout, got %v", err)
	}
	if gen.callCount() != 1 {
		t.Errorf("generation attempts = %d, want 1 (never retried)", gen.callCount())
	}
}

func Test_Answer_OversizedContextTrimmedNotFailed(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("filler ", 400) // ~700 tokens per chunk
	store := &fakeStore{results: []rag.SearchResult{
		{Chunk: rag.Chunk{ID: "a#0", DocumentID: "a", Text: "keep me first"}, Score: 0.95},
		{Chunk: rag.Chunk{ID: "b#0", DocumentID: "b", Text: big}, Score: 0.85},
		{Chunk: rag.Chunk{ID: "c#0", DocumentID: "c", Text: big}, Score: 0.75},
	}}
	gen := &fakeGenerator{answer: "ok"}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:         newRegistry(&fakeEmbedder{}, store),
		Generator:        gen,
		MaxContextTokens: 800,
		EmbedPolicy:      fastPolicy,
		SearchPolicy:     fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	out, err := p.Answer(t.Context(), "q", Options{})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(out.Sources) >= 3 {
		t.Fatalf("sources = %d, want fewer than retrieved after trim", len(out.Sources))
	}
	if out.Sources[0].ChunkID != "a#0" {
		t.Error("highest-scored chunk must survive the trim")
	}
	if !strings.Contains(gen.lastPrompt(), "q") {
		t.Error("question must survive the trim")
	}
}

// ---------------------------------------------------------------------------
// Retrieval, streaming mode
// ---------------------------------------------------------------------------

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func Test_AnswerStream_OrderedEvents(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{stream: &sliceStream{fragments: []string{"Go ", "is ", "typed."}}}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:     newRegistry(&fakeEmbedder{}, &fakeStore{results: someResults()}),
		Generator:    gen,
		EmbedPolicy:  fastPolicy,
		SearchPolicy: fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	events := collect(t, p.AnswerStream(t.Context(), "q", Options{}))
	if len(events) != 5 {
		t.Fatalf("events = %d (%+v), want 5", len(events), events)
	}
	if events[0].Type != EventSources || len(events[0].Sources) != 2 {
		t.Fatalf("first event = %+v, want sources", events[0])
	}
	var answer strings.Builder
	for _, ev := range events[1:4] {
		if ev.Type != EventFragment {
			t.Fatalf("middle event = %+v, want fragment", ev)
		}
		answer.WriteString(ev.Fragment)
	}
	if answer.String() != "Go is typed." {
		t.Errorf("assembled answer = %q", answer.String())
	}
	if events[4].Type != EventDone {
		t.Fatalf("last event = %+v, want done", events[4])
	}
	if events[4].Timing.TotalMS < 0 {
		t.Error("done event must carry timings")
	}
}

func Test_AnswerStream_EmptyCollection(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{stream: &sliceStream{fragments: []string{"never"}}}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:     newRegistry(&fakeEmbedder{}, &fakeStore{}),
		Generator:    gen,
		EmbedPolicy:  fastPolicy,
		SearchPolicy: fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	events := collect(t, p.AnswerStream(t.Context(), "q", Options{}))
	if len(events) != 3 {
		t.Fatalf("events = %d (%+v), want 3", len(events), events)
	}
	if events[0].Type != EventSources || !events[0].InsufficientContext {
		t.Fatalf("first event = %+v, want insufficient sources", events[0])
	}
	if events[1].Type != EventFragment || events[1].Fragment != NoContextAnswer {
		t.Fatalf("second event = %+v, want the fixed no-context answer", events[1])
	}
	if events[2].Type != EventDone {
		t.Fatalf("last event = %+v, want done", events[2])
	}
	if gen.callCount() != 0 {
		t.Error("generator must not be consulted without context")
	}
}

func Test_AnswerStream_ContextBudgetExhaustedSkipsGeneration(t *testing.T) {
	t.Parallel()

	store := &fakeStore{results: []rag.SearchResult{
		{Chunk: rag.Chunk{ID: "a#0", DocumentID: "a", Text: strings.Repeat("x", 4000)}, Score: 0.95},
	}}
	gen := &fakeGenerator{stream: &sliceStream{fragments: []string{"never"}}}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:         newRegistry(&fakeEmbedder{}, store),
		Generator:        gen,
		MaxContextTokens: 60,
		EmbedPolicy:      fastPolicy,
		SearchPolicy:     fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	events := collect(t, p.AnswerStream(t.Context(), "q", Options{}))
	if len(events) != 3 {
		t.Fatalf("events = %d (%+v), want 3", len(events), events)
	}
	if events[0].Type != EventSources || !events[0].InsufficientContext {
		t.Fatalf("first event = %+v, want insufficient sources", events[0])
	}
	if events[1].Type != EventFragment || events[1].Fragment != NoContextAnswer {
		t.Fatalf("second event = %+v, want the fixed no-context answer", events[1])
	}
	if gen.callCount() != 0 {
		t.Error("generator must not be consulted without usable context")
	}
}

func Test_AnswerStream_MidStreamLossIsTerminalError(t *testing.T) {
	t.Parallel()

	interrupted := rag.NewError(rag.KindStreamInterrupted, "connection reset")
	gen := &fakeGenerator{stream: &sliceStream{fragments: []string{"partial "}, terminal: interrupted}}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:     newRegistry(&fakeEmbedder{}, &fakeStore{results: someResults()}),
		Generator:    gen,
		EmbedPolicy:  fastPolicy,
		SearchPolicy: fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	events := collect(t, p.AnswerStream(t.Context(), "q", Options{}))
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last event = %+v, want error", last)
	}
	if last.Kind != rag.KindStreamInterrupted {
		t.Errorf("error kind = %q, want stream_interrupted", last.Kind)
	}
	for _, ev := range events {
		if ev.Type == EventDone {
			t.Error("interrupted stream must not emit done")
		}
	}
}

func Test_AnswerStream_RetrievalFailureIsTerminalError(t *testing.T) {
	t.Parallel()

	store := &fakeStore{searchFail: 10}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:     newRegistry(&fakeEmbedder{}, store),
		Generator:    &fakeGenerator{},
		EmbedPolicy:  fastPolicy,
		SearchPolicy: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	events := collect(t, p.AnswerStream(t.Context(), "q", Options{}))
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %+v, want a single error event", events)
	}
	if events[0].Kind != rag.KindSearch {
		t.Errorf("error kind = %q, want search_error", events[0].Kind)
	}
}

func Test_AnswerStream_CancellationStopsWithoutTerminalEvent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	gen := &fakeGenerator{stream: &endlessStream{ctx: ctx}}
	p, err := NewRetrieval(RetrievalConfig{
		Registry:     newRegistry(&fakeEmbedder{}, &fakeStore{results: someResults()}),
		Generator:    gen,
		EmbedPolicy:  fastPolicy,
		SearchPolicy: fastPolicy,
	})
	if err != nil {
		t.Fatalf("NewRetrieval: %v", err)
	}

	ch := p.AnswerStream(ctx, "q", Options{})

	// Read the sources event and a couple of fragments, then hang up.
	if ev := <-ch; ev.Type != EventSources {
		t.Fatalf("first event = %+v, want sources", ev)
	}
	<-ch
	<-ch
	cancel()

	for ev := range ch {
		if ev.Type == EventDone || ev.Type == EventError {
			t.Errorf("cancelled stream emitted terminal event %+v", ev)
		}
	}
}

// ---------------------------------------------------------------------------
// Prompt builder
// ---------------------------------------------------------------------------

func Test_BuildPrompt_ChunksInScoreOrder(t *testing.T) {
	t.Parallel()

	prompt, kept := buildPrompt("why?", someResults(), 0)
	if len(kept) != 2 {
		t.Fatalf("kept = %d, want 2", len(kept))
	}
	first := strings.Index(prompt, "statically typed language")
	second := strings.Index(prompt, "lightweight threads")
	if first < 0 || second < 0 || first > second {
		t.Errorf("chunks out of order in prompt:\n%s", prompt)
	}
	if !strings.HasSuffix(prompt, "Answer:") {
		t.Errorf("prompt must end with the answer cue, got %q", prompt[len(prompt)-20:])
	}
}

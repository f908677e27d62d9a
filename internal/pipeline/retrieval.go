package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/quilora/quilora-go/internal/rag"
	"github.com/quilora/quilora-go/internal/registry"
	"github.com/quilora/quilora-go/internal/retry"
)

// Defaults applied by NewRetrieval when the corresponding config field is
// zero.
const (
	DefaultTopK              = 5
	DefaultMinScore          = 0.5
	DefaultGenerationTimeout = 60 * time.Second
)

// RetrievalConfig configures a RetrievalPipeline.
type RetrievalConfig struct {
	// Registry resolves the shared embedder and vector store.
	Registry *registry.Registry

	// Generator produces the final answer from the grounded prompt.
	Generator rag.Generator

	// TopK is the maximum number of chunks retrieved per query.
	TopK int

	// MinScore is the similarity threshold a chunk must clear to be used.
	MinScore float32

	// MaxContextTokens bounds the retrieved context placed in the prompt.
	// Zero uses the budget package default.
	MaxContextTokens int

	// GenerationTimeout bounds the complete-mode model call. Streaming
	// calls are bounded only by the caller's context.
	GenerationTimeout time.Duration

	// EmbedPolicy and SearchPolicy govern retries of transient failures.
	// Zero values use the retry package defaults.
	EmbedPolicy  retry.Policy
	SearchPolicy retry.Policy

	// Logger receives per-query progress. Nil means slog.Default().
	Logger *slog.Logger
}

// RetrievalPipeline answers questions grounded in the indexed corpus.
// Safe for concurrent use.
type RetrievalPipeline struct {
	reg          *registry.Registry
	gen          rag.Generator
	topK         int
	minScore     float32
	maxCtxTokens int
	genTimeout   time.Duration
	embedPolicy  retry.Policy
	searchPolicy retry.Policy
	log          *slog.Logger
}

// NewRetrieval constructs a RetrievalPipeline.
func NewRetrieval(cfg RetrievalConfig) (*RetrievalPipeline, error) {
	if cfg.Registry == nil {
		return nil, errors.New("pipeline: registry is required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("pipeline: generator is required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = DefaultMinScore
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultGenerationTimeout
	}
	if cfg.EmbedPolicy == (retry.Policy{}) {
		cfg.EmbedPolicy = retry.DefaultEmbedding
	}
	if cfg.SearchPolicy == (retry.Policy{}) {
		cfg.SearchPolicy = retry.DefaultSearch
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &RetrievalPipeline{
		reg:          cfg.Registry,
		gen:          cfg.Generator,
		topK:         cfg.TopK,
		minScore:     cfg.MinScore,
		maxCtxTokens: cfg.MaxContextTokens,
		genTimeout:   cfg.GenerationTimeout,
		embedPolicy:  cfg.EmbedPolicy,
		searchPolicy: cfg.SearchPolicy,
		log:          log,
	}, nil
}

// Timing records per-step wall-clock durations for one query.
type Timing struct {
	EmbeddingMS  int64 `json:"embedding_ms"`
	SearchMS     int64 `json:"search_ms"`
	GenerationMS int64 `json:"generation_ms"`
	TotalMS      int64 `json:"total_ms"`
}

// Source is one retrieved chunk as surfaced to callers.
type Source struct {
	DocumentID string            `json:"doc_id"`
	ChunkID    string            `json:"chunk_id"`
	Content    string            `json:"content"`
	Score      float32           `json:"score"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Outcome is the result of a complete-mode query.
type Outcome struct {
	// Answer is the generated text, or the fixed no-context answer when
	// InsufficientContext is set.
	Answer string `json:"answer"`

	// Sources are the chunks the answer is grounded in, in score order.
	// Empty when InsufficientContext is set.
	Sources []Source `json:"sources"`

	// InsufficientContext reports that no stored chunk cleared the
	// relevance threshold and fit the context budget. This is a successful
	// outcome, not an error.
	InsufficientContext bool `json:"insufficient_context"`

	// Timing holds per-step durations.
	Timing Timing `json:"timing"`
}

// Options are per-query overrides of the pipeline's configured defaults.
// Zero values fall back to the defaults, so the zero Options is always
// valid.
type Options struct {
	// TopK overrides the maximum number of chunks retrieved.
	TopK int

	// MinScore overrides the similarity threshold.
	MinScore float32
}

// effectiveTopK resolves the effective retrieval limit for one query.
func (p *RetrievalPipeline) effectiveTopK(opts Options) int {
	if opts.TopK > 0 {
		return opts.TopK
	}
	return p.topK
}

// effectiveMinScore resolves the effective threshold for one query.
func (p *RetrievalPipeline) effectiveMinScore(opts Options) float32 {
	if opts.MinScore > 0 {
		return opts.MinScore
	}
	return p.minScore
}

// Answer runs the full pipeline for one query: embed, search, build the
// grounded prompt, generate. When no chunk clears the threshold — or none
// fits the context budget — the model is skipped and a fixed no-context
// answer is returned with InsufficientContext set.
func (p *RetrievalPipeline) Answer(ctx context.Context, query string, opts Options) (*Outcome, error) {
	start := time.Now()

	results, timing, err := p.retrieve(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	prompt, kept := buildPrompt(query, results, p.maxCtxTokens)

	if len(kept) == 0 {
		timing.TotalMS = time.Since(start).Milliseconds()
		p.log.InfoContext(ctx, "query answered without context",
			slog.Int("retrieved", len(results)),
			slog.Int64("total_ms", timing.TotalMS))
		return &Outcome{
			Answer:              NoContextAnswer,
			Sources:             []Source{},
			InsufficientContext: true,
			Timing:              timing,
		}, nil
	}

	genStart := time.Now()
	genCtx, cancel := context.WithTimeout(ctx, p.genTimeout)
	defer cancel()
	answer, err := p.gen.Generate(genCtx, prompt)
	timing.GenerationMS = time.Since(genStart).Milliseconds()
	if err != nil {
		return nil, err
	}

	timing.TotalMS = time.Since(start).Milliseconds()
	p.log.InfoContext(ctx, "query answered",
		slog.Int("sources", len(kept)),
		slog.Int64("total_ms", timing.TotalMS))
	return &Outcome{
		Answer:  answer,
		Sources: toSources(kept),
		Timing:  timing,
	}, nil
}

// EventType discriminates streaming events.
type EventType string

const (
	// EventSources carries the retrieved chunks, emitted exactly once
	// before any fragment.
	EventSources EventType = "sources"
	// EventFragment carries one generated text fragment.
	EventFragment EventType = "fragment"
	// EventDone terminates a successful stream and carries the timings.
	EventDone EventType = "done"
	// EventError terminates a failed stream.
	EventError EventType = "error"
)

// Event is one element of a streaming answer.
type Event struct {
	Type EventType

	// Sources is set on EventSources.
	Sources []Source
	// InsufficientContext is set on EventSources when nothing cleared the
	// threshold.
	InsufficientContext bool

	// Fragment is set on EventFragment.
	Fragment string

	// Timing is set on EventDone.
	Timing Timing

	// Kind and Message are set on EventError.
	Kind    rag.Kind
	Message string
}

// AnswerStream runs the pipeline and streams the answer as it is
// generated. The channel delivers exactly one EventSources, zero or more
// EventFragment values in generation order, then a single EventDone or
// EventError, and is closed. Cancelling ctx stops the stream without a
// terminal event; a dropped model connection mid-stream yields an
// EventError and the stream is not resumed.
func (p *RetrievalPipeline) AnswerStream(ctx context.Context, query string, opts Options) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		start := time.Now()

		results, timing, err := p.retrieve(ctx, query, opts)
		if err != nil {
			emit(ctx, out, errorEvent(err))
			return
		}

		prompt, kept := buildPrompt(query, results, p.maxCtxTokens)

		if len(kept) == 0 {
			if !emit(ctx, out, Event{Type: EventSources, Sources: []Source{}, InsufficientContext: true}) {
				return
			}
			if !emit(ctx, out, Event{Type: EventFragment, Fragment: NoContextAnswer}) {
				return
			}
			timing.TotalMS = time.Since(start).Milliseconds()
			emit(ctx, out, Event{Type: EventDone, Timing: timing})
			return
		}

		if !emit(ctx, out, Event{Type: EventSources, Sources: toSources(kept)}) {
			return
		}

		genStart := time.Now()
		fs, err := p.gen.GenerateStream(ctx, prompt)
		if err != nil {
			emit(ctx, out, errorEvent(err))
			return
		}
		defer fs.Close()

		for {
			frag, err := fs.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					// Caller hung up; no terminal event.
					return
				}
				emit(ctx, out, errorEvent(err))
				return
			}
			if !emit(ctx, out, Event{Type: EventFragment, Fragment: frag}) {
				return
			}
		}

		timing.GenerationMS = time.Since(genStart).Milliseconds()
		timing.TotalMS = time.Since(start).Milliseconds()
		emit(ctx, out, Event{Type: EventDone, Timing: timing})
	}()
	return out
}

// retrieve embeds the query and searches the store, with bounded retries
// on transient failures.
func (p *RetrievalPipeline) retrieve(ctx context.Context, query string, opts Options) ([]rag.SearchResult, Timing, error) {
	var timing Timing

	embedder, err := p.reg.Embedder(ctx)
	if err != nil {
		return nil, timing, err
	}

	embedStart := time.Now()
	var vector []float32
	err = retry.Do(ctx, p.embedPolicy, rag.Retryable, func(ctx context.Context) error {
		vectors, embedErr := embedder.Embed(ctx, []string{query})
		if embedErr != nil {
			return embedErr
		}
		if len(vectors) != 1 {
			return rag.NewError(rag.KindEmbedding, "embedder returned %d vectors for one query", len(vectors))
		}
		vector = vectors[0]
		return nil
	})
	timing.EmbeddingMS = time.Since(embedStart).Milliseconds()
	if err != nil {
		return nil, timing, classifyEmbed(err)
	}

	store, err := p.reg.VectorStore(ctx)
	if err != nil {
		return nil, timing, err
	}

	searchStart := time.Now()
	var results []rag.SearchResult
	err = retry.Do(ctx, p.searchPolicy, rag.Retryable, func(ctx context.Context) error {
		var searchErr error
		results, searchErr = store.Search(ctx, vector, p.effectiveTopK(opts), p.effectiveMinScore(opts))
		return searchErr
	})
	timing.SearchMS = time.Since(searchStart).Milliseconds()
	if err != nil {
		return nil, timing, classifySearch(err)
	}

	return results, timing, nil
}

// classifySearch maps an exhausted search attempt onto the taxonomy.
func classifySearch(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return rag.WrapError(rag.KindSearchTimeout, err, "search deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return rag.WrapError(rag.KindSearch, err, "search failed")
}

func toSources(results []rag.SearchResult) []Source {
	out := make([]Source, len(results))
	for i, r := range results {
		out[i] = Source{
			DocumentID: r.Chunk.DocumentID,
			ChunkID:    r.Chunk.ID,
			Content:    r.Chunk.Text,
			Score:      r.Score,
			Metadata:   r.Chunk.Metadata,
		}
	}
	return out
}

// emit sends ev unless ctx is done first. Reports whether the send
// happened.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorEvent(err error) Event {
	kind := rag.KindOf(err)
	if kind == "" {
		kind = rag.KindGeneration
	}
	return Event{Type: EventError, Kind: kind, Message: err.Error()}
}

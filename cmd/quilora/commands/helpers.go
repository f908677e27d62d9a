package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/quilora/quilora-go/internal/chunker"
	"github.com/quilora/quilora-go/internal/embedder"
	"github.com/quilora/quilora-go/internal/generator"
	"github.com/quilora/quilora-go/internal/pipeline"
	"github.com/quilora/quilora-go/internal/provider"
	"github.com/quilora/quilora-go/internal/rag"
	"github.com/quilora/quilora-go/internal/registry"
	"github.com/quilora/quilora-go/internal/retry"
	"github.com/quilora/quilora-go/internal/server"
)

// buildRegistry wires the embedder and Qdrant store factories into a
// resource registry. Construction is deferred until first use, so commands
// that never touch a resource never pay for it.
func buildRegistry() *registry.Registry {
	embFactory := func(_ context.Context) (rag.Embedder, error) {
		return embedder.NewFromEnv() //nolint:wrapcheck // factory error is classified by the registry
	}

	storeFactory := func(ctx context.Context) (rag.VectorStore, error) {
		emb, err := embedder.NewFromEnv()
		if err != nil {
			return nil, fmt.Errorf("resolve embedding dimensions: %w", err)
		}
		return rag.NewQdrantStore(ctx, &rag.QdrantConfig{ //nolint:wrapcheck // factory error is classified by the registry
			Host:       getEnvOrDefault("QDRANT_HOST", "localhost"),
			Port:       getEnvInt("QDRANT_PORT", 6334),
			Collection: getEnvOrDefault("QDRANT_COLLECTION", "quilora-docs"),
			Dimension:  uint64(emb.Dimensions()), //nolint:gosec // dimensions are bounded
			Metric:     getEnvOrDefault("QDRANT_METRIC", "cosine"),
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		})
	}

	return registry.New(embFactory, storeFactory)
}

// buildIndexing constructs the indexing pipeline from environment settings.
func buildIndexing(reg *registry.Registry) (*pipeline.IndexingPipeline, error) {
	ch, err := chunker.New(
		getEnvInt("CHUNK_SIZE", chunker.DefaultWindowSize),
		getEnvInt("CHUNK_OVERLAP", chunker.DefaultOverlap),
	)
	if err != nil {
		return nil, err //nolint:wrapcheck // chunker errors are already prefixed
	}

	return pipeline.NewIndexing(pipeline.IndexingConfig{ //nolint:wrapcheck // pipeline errors are already prefixed
		Registry:    reg,
		Chunker:     ch,
		EmbedPolicy: embedRetryPolicy(),
	})
}

// buildRetrieval constructs the retrieval pipeline from environment settings.
func buildRetrieval(ctx context.Context, reg *registry.Registry) (*pipeline.RetrievalPipeline, error) {
	chatModel, err := provider.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise model provider: %w", err)
	}

	return pipeline.NewRetrieval(pipeline.RetrievalConfig{ //nolint:wrapcheck // pipeline errors are already prefixed
		Registry:          reg,
		Generator:         generator.New(chatModel),
		TopK:              getEnvInt("RETRIEVAL_TOP_K", pipeline.DefaultTopK),
		MinScore:          getEnvFloat32("RETRIEVAL_MIN_SCORE", pipeline.DefaultMinScore),
		MaxContextTokens:  getEnvInt("MODEL_MAX_CONTEXT_TOKENS", 0),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", pipeline.DefaultGenerationTimeout),
		EmbedPolicy:       embedRetryPolicy(),
		SearchPolicy:      searchRetryPolicy(),
	})
}

// embedRetryPolicy resolves the embedding retry budget from the environment.
func embedRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: getEnvInt("EMBED_RETRY_ATTEMPTS", retry.DefaultEmbedding.MaxAttempts),
		BaseDelay:   getEnvDuration("RETRY_BASE_DELAY", retry.DefaultEmbedding.BaseDelay),
		MaxDelay:    getEnvDuration("RETRY_MAX_DELAY", retry.DefaultEmbedding.MaxDelay),
	}
}

// searchRetryPolicy resolves the vector search retry budget from the environment.
func searchRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: getEnvInt("SEARCH_RETRY_ATTEMPTS", retry.DefaultSearch.MaxAttempts),
		BaseDelay:   getEnvDuration("RETRY_BASE_DELAY", retry.DefaultSearch.BaseDelay),
		MaxDelay:    getEnvDuration("RETRY_MAX_DELAY", retry.DefaultSearch.MaxDelay),
	}
}

// buildPingers resolves the server's readiness probes. Resources that fail
// to construct are skipped with a warning; /api/ready then reports only the
// dependencies that came up.
func buildPingers(ctx context.Context, reg *registry.Registry, log *slog.Logger) []server.Pinger {
	var pingers []server.Pinger

	if vs, err := reg.VectorStore(ctx); err != nil {
		log.Warn("readiness: vector store unavailable, probe skipped", slog.Any("error", err))
	} else {
		pingers = append(pingers, server.NewStorePinger(vs, "qdrant"))
	}

	if emb, err := reg.Embedder(ctx); err != nil {
		log.Warn("readiness: embedder unavailable, probe skipped", slog.Any("error", err))
	} else {
		name := getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))
		pingers = append(pingers, server.NewEmbedderPinger(emb, name))
	}

	return pingers
}

// getEnvOrDefault returns the value of the environment variable or the
// fallback when unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt parses an integer environment variable, falling back on
// absence or parse failure.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvFloat32 parses a float environment variable, falling back on
// absence or parse failure.
func getEnvFloat32(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}

// getEnvDuration parses a duration environment variable ("30s", "2m"),
// falling back on absence or parse failure.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

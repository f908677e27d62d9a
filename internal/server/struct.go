package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quilora/quilora-go/internal/pipeline"
	"github.com/quilora/quilora-go/internal/rag"
	"github.com/quilora/quilora-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, slog.Default is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// History receives a record for every answered query. Nil disables
	// history persistence.
	History store.HistoryStore
	// MetricsRegistry receives the server's Prometheus metrics. If nil a
	// dedicated registry is created. Tests inject a fresh registry to stay
	// hermetic.
	MetricsRegistry *prometheus.Registry
}

// answerer is the interface the query handlers call.
// *pipeline.RetrievalPipeline satisfies it; tests inject a fake.
type answerer interface {
	Answer(ctx context.Context, query string, opts pipeline.Options) (*pipeline.Outcome, error)
	AnswerStream(ctx context.Context, query string, opts pipeline.Options) <-chan pipeline.Event
}

// indexer is the interface the document handlers call.
// *pipeline.IndexingPipeline satisfies it; tests inject a fake.
type indexer interface {
	Index(ctx context.Context, doc rag.Document) (int, error)
	Delete(ctx context.Context, documentID string) (int64, error)
	Clear(ctx context.Context) (int64, error)
	Count(ctx context.Context) (uint64, error)
}

// Server is the HTTP server that exposes the query and indexing pipelines.
type Server struct {
	// answerer handles query requests.
	answerer answerer
	// indexer handles document requests.
	indexer indexer
	// history receives answered-query records; nil when disabled.
	history store.HistoryStore
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments owned by this server.
	metrics *serverMetrics
	// registry is the Prometheus registry exposed on GET /metrics.
	registry *prometheus.Registry
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// queryRequest is the JSON body for POST /api/query.
type queryRequest struct {
	// Query is the user's natural language question.
	Query string `json:"query"`
	// TopK overrides the configured retrieval limit for this request.
	TopK int `json:"top_k,omitempty"`
	// MinScore overrides the configured similarity threshold for this request.
	MinScore float32 `json:"min_score,omitempty"`
	// Stream selects SSE streaming instead of a single JSON response.
	Stream bool `json:"stream,omitempty"`
}

// indexRequest is the JSON body for POST /api/documents.
type indexRequest struct {
	// ID identifies the document; re-posting the same ID replaces its
	// chunks. Generated from the text when omitted.
	ID string `json:"id,omitempty"`
	// Text is the full raw text to index.
	Text string `json:"text"`
	// Metadata holds arbitrary key-value pairs stored with every chunk.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// indexResponse is the JSON response for POST /api/documents.
type indexResponse struct {
	// ID is the document ID the chunks were stored under.
	ID string `json:"id"`
	// Chunks is the number of chunks written.
	Chunks int `json:"chunks"`
}

// deleteCount marshals the number of chunks removed, rendering the
// store's unknown-count sentinel as the string "unknown".
type deleteCount int64

func (c deleteCount) MarshalJSON() ([]byte, error) {
	if int64(c) == rag.CountUnknown {
		return []byte(`"unknown"`), nil
	}
	return json.Marshal(int64(c))
}

// deleteResponse is the JSON response for DELETE /api/documents[/{id}].
type deleteResponse struct {
	// Deleted is the number of chunks removed, or "unknown" when the store
	// cannot report a count.
	Deleted deleteCount `json:"deleted"`
}

// historyResponse is the JSON response for GET /api/history.
type historyResponse struct {
	// Queries is the most recent answered queries, newest first.
	Queries []historyEntry `json:"queries"`
}

// historyEntry is one answered query in the history response.
type historyEntry struct {
	Query               string `json:"query"`
	Answer              string `json:"answer"`
	SourceCount         int    `json:"source_count"`
	InsufficientContext bool   `json:"insufficient_context"`
	TotalMS             int64  `json:"total_ms"`
	CreatedAt           string `json:"created_at"`
}

// errorResponse is the JSON body for error replies on JSON endpoints.
type errorResponse struct {
	// Kind is the stable error classification tag, when known.
	Kind string `json:"kind,omitempty"`
	// Error is the human-readable message.
	Error string `json:"error"`
}

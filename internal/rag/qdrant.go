package rag

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Reserved payload field names. These are written by the store itself;
// metadata keys that collide with them are silently dropped so user
// metadata can never overwrite internal fields.
const (
	payloadContent    = "content"
	payloadDocID      = "doc_id"
	payloadChunkIndex = "chunk_index"
)

// defaultBatchSize is the number of points written per upsert batch when
// the config does not specify one.
const defaultBatchSize = 100

// QdrantConfig holds connection and collection parameters for a Qdrant
// vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// Dimension is the fixed vector length of the collection.
	Dimension uint64

	// Metric selects the distance metric: cosine, euclid, dot, manhattan.
	// Defaults to cosine.
	Metric string

	// BatchSize is the number of points written per upsert batch.
	// Defaults to 100 if zero.
	BatchSize int

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements VectorStore backed by a Qdrant collection.
// Equal-score search results follow Qdrant's internal point-id order.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig
}

// NewQdrantStore connects to Qdrant and ensures the target collection
// exists with the requested dimension and metric. An existing collection
// whose schema differs fails with a schema_mismatch error rather than
// being silently reused.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Metric == "" {
		cfg.Metric = "cosine"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Dimension == 0 {
		return nil, fmt.Errorf("qdrant: collection dimension must be set")
	}
	if _, err := distanceFromName(cfg.Metric); err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	store := &QdrantStore{client: client, cfg: cfg}
	if err := store.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	return store, nil
}

// ensureCollection creates the collection if absent and verifies dimension
// and distance metric if present. Idempotent.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}

	metric, err := distanceFromName(s.cfg.Metric)
	if err != nil {
		return err
	}

	if exists {
		return s.verifyCollection(ctx, metric)
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.Dimension,
			Distance: metric,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	return nil
}

// verifyCollection compares an existing collection's vector parameters
// against the requested configuration.
func (s *QdrantStore) verifyCollection(ctx context.Context, want qdrant.Distance) error {
	info, err := s.client.GetCollectionInfo(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to inspect collection %q: %w", s.cfg.Collection, err)
	}

	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return NewError(KindSchemaMismatch,
			"collection %q uses named vectors, expected a single unnamed vector", s.cfg.Collection)
	}
	if params.GetSize() != s.cfg.Dimension {
		return NewError(KindSchemaMismatch,
			"collection %q has dimension %d, expected %d", s.cfg.Collection, params.GetSize(), s.cfg.Dimension)
	}
	if params.GetDistance() != want {
		return NewError(KindSchemaMismatch,
			"collection %q uses metric %s, expected %s", s.cfg.Collection, params.GetDistance(), want)
	}

	return nil
}

// Upsert writes chunks to the collection in batches of cfg.BatchSize.
// A chunk whose ID already exists is replaced at the point level: content,
// vector, and metadata are overwritten, not merged. Returns the number of
// chunks written; on a mid-way batch failure the count covers completed
// batches only (no cross-batch atomicity).
func (s *QdrantStore) Upsert(ctx context.Context, chunks []Chunk) (int, error) {
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		if uint64(len(c.Embedding)) != s.cfg.Dimension {
			return 0, NewError(KindDimensionMismatch,
				"chunk %s has embedding length %d, collection dimension is %d", c.ID, len(c.Embedding), s.cfg.Dimension)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(c.ID)),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: qdrant.NewValueMap(chunkPayload(c)),
		})
	}

	written := 0
	for start := 0; start < len(points); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(points))
		batch := points[start:end]

		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.cfg.Collection,
			Points:         batch,
		})
		if err != nil {
			return written, fmt.Errorf("qdrant: upsert batch [%d:%d] failed: %w", start, end, err)
		}
		written += len(batch)
	}

	return written, nil
}

// Search performs a similarity search and returns at most topK results
// with score >= minScore, in strictly non-increasing score order. Results
// with equal scores follow Qdrant's point-id order.
func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float32, topK int, minScore float32) ([]SearchResult, error) {
	if uint64(len(queryEmbedding)) != s.cfg.Dimension {
		return nil, NewError(KindDimensionMismatch,
			"query vector length %d does not match collection dimension %d", len(queryEmbedding), s.cfg.Dimension)
	}

	limit := uint64(topK)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(queryEmbedding...),
		Limit:          &limit,
		ScoreThreshold: &minScore,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		results = append(results, SearchResult{
			Chunk: chunkFromPayload(p.GetPayload()),
			Score: p.GetScore(),
		})
	}

	return results, nil
}

// DeleteByDocument removes every chunk whose parent document ID matches.
// Qdrant acknowledges filter deletions without a count, so the return
// value is always CountUnknown on success.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, documentID string) (int64, error) {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(payloadDocID, documentID),
			},
		}),
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: delete by document %q failed: %w", documentID, err)
	}

	return CountUnknown, nil
}

// DeleteAll removes every point in the collection via an unconditional
// filter delete. The collection and its schema survive, so subsequent
// upserts need no re-initialisation. Returns CountUnknown on success.
func (s *QdrantStore) DeleteAll(ctx context.Context) (int64, error) {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelectorFilter(&qdrant.Filter{}),
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: delete all failed: %w", err)
	}

	return CountUnknown, nil
}

// Count returns the exact number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context) (uint64, error) {
	exact := true
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.cfg.Collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count failed: %w", err)
	}
	return n, nil
}

// Ping calls the Qdrant HealthCheck RPC.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// chunkPayload builds the point payload for a chunk. Metadata keys that
// collide with reserved payload fields are dropped, never written.
func chunkPayload(c Chunk) map[string]any {
	payload := map[string]any{
		payloadContent:    c.Text,
		payloadDocID:      c.DocumentID,
		payloadChunkIndex: int64(c.Index),
	}
	for k, v := range c.Metadata {
		if isReservedPayloadKey(k) {
			continue
		}
		payload[k] = v
	}
	return payload
}

// chunkFromPayload reconstructs a Chunk from a point payload returned by a
// search. The embedding is not populated on read.
func chunkFromPayload(payload map[string]*qdrant.Value) Chunk {
	c := Chunk{Metadata: make(map[string]string)}
	for k, v := range payload {
		switch k {
		case payloadContent:
			c.Text = v.GetStringValue()
		case payloadDocID:
			c.DocumentID = v.GetStringValue()
		case payloadChunkIndex:
			c.Index = int(v.GetIntegerValue())
		default:
			c.Metadata[k] = v.GetStringValue()
		}
	}
	c.ID = ChunkID(c.DocumentID, c.Index)
	return c
}

// isReservedPayloadKey reports whether k is owned by the store itself.
// "embedding" is included defensively even though vectors are never stored
// in the payload.
func isReservedPayloadKey(k string) bool {
	switch strings.ToLower(k) {
	case payloadContent, payloadDocID, payloadChunkIndex, "embedding":
		return true
	}
	return false
}

// ChunkID derives the globally unique chunk identifier from the parent
// document ID and the chunk's position. Deterministic, so re-indexing the
// same document produces the same IDs and upserts replace rather than
// duplicate.
func ChunkID(documentID string, index int) string {
	return documentID + "#" + strconv.Itoa(index)
}

// pointID maps a chunk ID onto the UUID form Qdrant requires for point
// IDs, via an MD5-derived (version 3) UUID. Deterministic by construction.
func pointID(chunkID string) string {
	return uuid.NewMD5(uuid.NameSpaceOID, []byte(chunkID)).String()
}

// distanceFromName maps a metric name from configuration onto the Qdrant
// distance enum.
func distanceFromName(name string) (qdrant.Distance, error) {
	switch strings.ToLower(name) {
	case "cosine":
		return qdrant.Distance_Cosine, nil
	case "euclid", "euclidean":
		return qdrant.Distance_Euclid, nil
	case "dot":
		return qdrant.Distance_Dot, nil
	case "manhattan":
		return qdrant.Distance_Manhattan, nil
	default:
		return qdrant.Distance_UnknownDistance, fmt.Errorf("qdrant: unknown distance metric %q - valid values: cosine, euclid, dot, manhattan", name)
	}
}

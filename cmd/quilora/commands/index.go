package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/quilora/quilora-go/internal/embedder"
	"github.com/quilora/quilora-go/internal/extract"
	"github.com/quilora/quilora-go/internal/logging"
	"github.com/quilora/quilora-go/internal/rag"
)

// NewIndexCmd constructs the `quilora index` command, which loads documents
// from files or URLs, chunks and embeds them, and writes them to the vector
// store.
func NewIndexCmd() *cobra.Command {
	var files []string
	var urls []string
	var docID string
	var metadata map[string]string

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index documents into the vector store",
		Long: `Load documents from local files or URLs, split them into overlapping
chunks, embed each chunk, and store the vectors in Qdrant.

Re-indexing a source replaces its earlier chunks, so running the same
command twice leaves one copy in the store.

Required environment variables:
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION    Collection name (default: quilora-docs)
  QDRANT_API_KEY       Optional API key for authenticated clusters
  MODEL_PROVIDER       Embedding backend: ollama, openai, azure (default: ollama)
  EMBEDDING_*          Provider-specific overrides (see README)

Examples:
  quilora index --file ./docs/runbook.md
  quilora index --url https://example.com/handbook/deploys
  quilora index --file notes.txt --id team-notes --meta team=platform`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			if len(files) == 0 && len(urls) == 0 {
				return fmt.Errorf("index: at least one --file or --url is required")
			}
			if docID != "" && len(files)+len(urls) > 1 {
				return fmt.Errorf("index: --id can only be used with a single source")
			}

			if err := embedder.Validate(log); err != nil {
				return fmt.Errorf("index: %w", err)
			}

			reg := buildRegistry()
			defer func() { _ = reg.Close() }()

			indexing, err := buildIndexing(reg)
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}

			loader := extract.NewLoader(nil)

			var docs []rag.Document
			for _, path := range files {
				doc, err := loader.FromFile(path)
				if err != nil {
					return fmt.Errorf("index: %w", err)
				}
				docs = append(docs, doc)
			}
			for _, u := range urls {
				doc, err := loader.FromURL(ctx, u)
				if err != nil {
					return fmt.Errorf("index: %w", err)
				}
				docs = append(docs, doc)
			}

			for _, doc := range docs {
				if docID != "" {
					doc.ID = docID
				}
				for k, v := range metadata {
					if doc.Metadata == nil {
						doc.Metadata = map[string]string{}
					}
					doc.Metadata[k] = v
				}

				chunks, err := indexing.Index(ctx, doc)
				if err != nil {
					return fmt.Errorf("index: %s: %w", doc.ID, err)
				}
				log.Info("document indexed",
					slog.String("document_id", doc.ID),
					slog.String("title", doc.Metadata["title"]),
					slog.Int("chunks", chunks),
				)
			}

			total, err := indexing.Count(ctx)
			if err == nil {
				log.Info("index size", slog.Uint64("chunks", total))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "Local file to index (repeatable)")
	cmd.Flags().StringArrayVarP(&urls, "url", "u", nil, "URL to fetch and index (repeatable)")
	cmd.Flags().StringVar(&docID, "id", "", "Explicit document ID (single source only; default: derived from the source)")
	cmd.Flags().StringToStringVarP(&metadata, "meta", "m", nil, "Metadata key=value pairs stored with every chunk (repeatable)")

	return cmd
}

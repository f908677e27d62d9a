package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/quilora/quilora-go/internal/logging"
)

// NewDeleteCmd constructs the `quilora delete` command, which removes a
// document's chunks (or the whole index) from the vector store.
func NewDeleteCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "delete [document-id]",
		Short: "Delete indexed documents from the vector store",
		Long: `Remove a document's chunks from the vector store by document ID, or wipe
the entire collection with --all. Deleting an unknown ID is not an error.

Examples:
  quilora delete team-notes
  quilora delete --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			if all == (len(args) == 1) {
				return fmt.Errorf("delete: pass exactly one of a document ID or --all")
			}

			reg := buildRegistry()
			defer func() { _ = reg.Close() }()

			indexing, err := buildIndexing(reg)
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}

			if all {
				deleted, err := indexing.Clear(ctx)
				if err != nil {
					return fmt.Errorf("delete: %w", err)
				}
				log.Info("index cleared", slog.Int64("deleted", deleted))
				return nil
			}

			deleted, err := indexing.Delete(ctx, args[0])
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			log.Info("document deleted",
				slog.String("document_id", args[0]),
				slog.Int64("deleted", deleted),
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Delete every chunk in the collection")

	return cmd
}

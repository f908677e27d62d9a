package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quilora/quilora-go/internal/store"
)

// NewHistoryCmd constructs the `quilora history` command, which prints the
// most recent answered queries from the local history database.
func NewHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently answered queries",
		Long: `Print the most recent answered queries, newest first.

History is recorded by the HTTP server into a local SQLite database
(~/.quilora/history.db, override with QUILORA_HISTORY_DB).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := os.Getenv("QUILORA_HISTORY_DB")
			if dbPath == "disabled" {
				return fmt.Errorf("history: disabled via QUILORA_HISTORY_DB=disabled")
			}
			if dbPath == "" {
				var err error
				dbPath, err = store.DefaultDBPath()
				if err != nil {
					return fmt.Errorf("history: %w", err)
				}
			}

			hs, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			defer func() { _ = hs.Close() }()

			recs, err := hs.Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no queries recorded yet")
				return nil
			}

			for _, rec := range recs {
				marker := ""
				if rec.InsufficientContext {
					marker = " (insufficient context)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s%s\n    %s\n",
					rec.CreatedAt.Local().Format("2006-01-02 15:04"),
					rec.Query, marker, firstLine(rec.Answer))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of queries to show")

	return cmd
}

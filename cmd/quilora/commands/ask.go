package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quilora/quilora-go/internal/pipeline"
)

// NewAskCmd constructs the `quilora ask` command, which answers a single
// natural language question grounded in the indexed corpus.
func NewAskCmd() *cobra.Command {
	var stream bool
	var showSources bool
	var topK int
	var minScore float32

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question grounded in your indexed documents",
		Long: `Ask a natural language question. Quilora retrieves the most relevant
indexed chunks and generates an answer constrained to that context.

Examples:
  quilora ask "how do I rotate the signing keys?"
  quilora ask --stream "summarise the deployment runbook"
  quilora ask --sources "which services talk to the billing API?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			question := strings.Join(args, " ")

			reg := buildRegistry()
			defer func() { _ = reg.Close() }()

			retrieval, err := buildRetrieval(ctx, reg)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			opts := pipeline.Options{TopK: topK, MinScore: minScore}

			if stream {
				return streamAnswer(cmd, retrieval, question, opts, showSources)
			}

			out, err := retrieval.Answer(ctx, question, opts)
			if err != nil {
				return err //nolint:wrapcheck // CLI entry point — error goes directly to cobra
			}

			fmt.Fprintln(cmd.OutOrStdout(), out.Answer)
			if showSources {
				printSources(cmd, out.Sources, out.InsufficientContext)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&stream, "stream", false, "Stream the answer as it is generated")
	cmd.Flags().BoolVar(&showSources, "sources", false, "Print the source chunks the answer was grounded in")
	cmd.Flags().IntVar(&topK, "top-k", 0, "Override the number of chunks retrieved (0 = configured default)")
	cmd.Flags().Float32Var(&minScore, "min-score", 0, "Override the similarity threshold (0 = configured default)")

	return cmd
}

// streamAnswer runs the streaming pipeline and prints fragments as they
// arrive. A terminal error event becomes the command's error.
func streamAnswer(cmd *cobra.Command, retrieval *pipeline.RetrievalPipeline, question string, opts pipeline.Options, showSources bool) error {
	var sources []pipeline.Source
	var insufficient bool

	for ev := range retrieval.AnswerStream(cmd.Context(), question, opts) {
		switch ev.Type {
		case pipeline.EventSources:
			sources = ev.Sources
			insufficient = ev.InsufficientContext
		case pipeline.EventFragment:
			fmt.Fprint(cmd.OutOrStdout(), ev.Fragment)
		case pipeline.EventDone:
			fmt.Fprintln(cmd.OutOrStdout())
		case pipeline.EventError:
			fmt.Fprintln(cmd.OutOrStdout())
			return fmt.Errorf("%s: %s", ev.Kind, ev.Message)
		}
	}

	if showSources {
		printSources(cmd, sources, insufficient)
	}
	return nil
}

// printSources writes the grounding chunks to stderr so piped stdout stays
// clean answer text.
func printSources(cmd *cobra.Command, sources []pipeline.Source, insufficient bool) {
	w := cmd.ErrOrStderr()
	if insufficient {
		fmt.Fprintln(w, "\n(no indexed content cleared the relevance threshold)")
		return
	}
	fmt.Fprintf(w, "\nSources (%d):\n", len(sources))
	for _, src := range sources {
		fmt.Fprintf(w, "  [%.2f] %s — %s\n", src.Score, src.ChunkID, firstLine(src.Content))
	}
}

// firstLine truncates content to a single preview line.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxPreview = 100
	if len(s) > maxPreview {
		return s[:maxPreview] + "..."
	}
	return s
}

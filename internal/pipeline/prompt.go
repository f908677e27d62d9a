package pipeline

import (
	"strings"

	"github.com/quilora/quilora-go/internal/budget"
	"github.com/quilora/quilora-go/internal/rag"
)

const (
	promptHeader = "You are a helpful AI assistant. Answer the question based on the provided context.\n\nContext:\n"

	promptFooterPrefix = "\nQuestion: "

	promptFooterSuffix = "\n\nProvide a clear, accurate answer based solely on the context above. " +
		"If the context doesn't contain enough information, say so.\n\nAnswer:"

	// NoContextAnswer is returned when no stored chunk clears the relevance
	// threshold. The model is never consulted in that case, so the caller
	// cannot receive a confidently fabricated answer.
	NoContextAnswer = "I couldn't find any indexed content relevant to your question. " +
		"Try indexing more documents or lowering the relevance threshold."
)

// buildPrompt assembles the grounded prompt: fixed instruction header,
// retrieved chunks in score order, then the user's question. When the
// assembled context would exceed maxContextTokens, the lowest-scored
// chunks are dropped; the header and the question are never trimmed.
// Returns the prompt and the chunks that actually made it in.
func buildPrompt(query string, results []rag.SearchResult, maxContextTokens int) (string, []rag.SearchResult) {
	fixed := budget.Estimate(promptHeader) +
		budget.Estimate(promptFooterPrefix+query+promptFooterSuffix)

	kept := budget.TrimResults(results, fixed, maxContextTokens)

	var b strings.Builder
	b.WriteString(promptHeader)
	for _, r := range kept {
		b.WriteString("\n")
		b.WriteString(r.Chunk.Text)
		b.WriteString("\n")
	}
	b.WriteString(promptFooterPrefix)
	b.WriteString(query)
	b.WriteString(promptFooterSuffix)
	return b.String(), kept
}

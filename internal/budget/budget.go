// Package budget provides token budget estimation and context trimming for
// the query pipeline. Because the service supports multiple LLM backends
// with different tokenizers, this package uses a conservative
// character-based heuristic: 1 token ≈ 4 characters (English prose and
// code). This deliberately under-estimates token counts to leave headroom
// for model-specific overhead.
package budget

import (
	"github.com/quilora/quilora-go/internal/rag"
)

const (
	// charsPerToken is the conservative character-to-token ratio used for
	// estimation. 4 chars/token is standard for English and code; using 3
	// would be more aggressive but risks overflowing context windows.
	charsPerToken = 4

	// DefaultMaxContextTokens is the default input context budget in tokens.
	// Conservative enough to fit within 8k-context models (Llama 3 8B,
	// GPT-3.5) while leaving room for the output.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// TrimResults drops retrieved chunks from the tail of results until the
// fixed prompt scaffolding plus the remaining chunk texts fit within
// maxTokens. Results arrive in non-increasing score order, so trimming the
// tail always discards the least relevant context first. The instruction
// header and the user's question are part of fixedTokens and are never
// trimmed.
//
// If even a single chunk exceeds the budget the result is an empty slice;
// callers decide whether to proceed without context.
func TrimResults(results []rag.SearchResult, fixedTokens, maxTokens int) []rag.SearchResult {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxContextTokens
	}
	total := fixedTokens
	for i, r := range results {
		// Each chunk carries a small separator overhead in the prompt.
		cost := Estimate(r.Chunk.Text) + 2
		if total+cost > maxTokens {
			return results[:i]
		}
		total += cost
	}
	return results
}

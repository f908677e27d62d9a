// Package chunker splits document text into overlapping word windows
// suitable for embedding. Splitting is deterministic: identical input with
// identical parameters always yields identical chunks, so re-indexing a
// document reproduces the same chunk set.
package chunker

import (
	"fmt"
	"strings"
)

// Default window parameters, matching the embedding-side unit basis
// (whitespace-delimited words).
const (
	// DefaultWindowSize is the number of words per chunk.
	DefaultWindowSize = 512

	// DefaultOverlap is the number of words shared between consecutive
	// chunks.
	DefaultOverlap = 50
)

// Chunker produces overlapping word windows from raw text.
// Safe for concurrent use; it holds no mutable state after construction.
type Chunker struct {
	// windowSize is the number of words per chunk.
	windowSize int

	// overlap is the number of words shared between consecutive chunks.
	// Always strictly less than windowSize.
	overlap int
}

// New constructs a Chunker. overlap >= windowSize is a configuration error
// reported here rather than at split time, so misconfiguration surfaces at
// startup.
func New(windowSize, overlap int) (*Chunker, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("chunker: window size must be positive, got %d", windowSize)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("chunker: overlap must not be negative, got %d", overlap)
	}
	if overlap >= windowSize {
		return nil, fmt.Errorf("chunker: overlap %d must be smaller than window size %d", overlap, windowSize)
	}
	return &Chunker{windowSize: windowSize, overlap: overlap}, nil
}

// Split breaks text into overlapping word windows. Empty or
// whitespace-only text yields no chunks (not an error); text shorter than
// the window yields exactly one chunk. Words are rejoined with single
// spaces, so the output is insensitive to the input's original whitespace.
func (c *Chunker) Split(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	if len(words) <= c.windowSize {
		return []string{strings.Join(words, " ")}
	}

	step := c.windowSize - c.overlap
	var chunks []string
	for start := 0; start < len(words); start += step {
		end := min(start+c.windowSize, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}

	return chunks
}

// WindowSize returns the configured words-per-chunk window.
func (c *Chunker) WindowSize() int { return c.windowSize }

// Overlap returns the configured inter-chunk overlap in words.
func (c *Chunker) Overlap() int { return c.overlap }

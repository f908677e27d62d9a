package rag

import (
	"errors"
	"fmt"
)

// Kind is the stable error classification tag surfaced to callers.
// The caller-facing boundary maps kinds to protocol-level status signals;
// the core only guarantees that the set of kinds below is stable.
type Kind string

const (
	// KindResourceInit tags a failure to construct a shared resource
	// (embedder or vector store connection). Fatal for the triggering
	// request; the next caller retries construction fresh.
	KindResourceInit Kind = "resource_init"

	// KindEmbedding tags a non-retryable embedding failure, or a transient
	// one after the retry budget is exhausted.
	KindEmbedding Kind = "embedding_error"

	// KindEmbeddingTimeout tags an embedding call that exceeded its
	// configured timeout.
	KindEmbeddingTimeout Kind = "embedding_timeout"

	// KindSearch tags a vector search failure after retries.
	KindSearch Kind = "search_error"

	// KindSearchTimeout tags a search call that exceeded its timeout.
	KindSearchTimeout Kind = "search_timeout"

	// KindSchemaMismatch tags an existing collection whose dimension or
	// distance metric differs from the requested configuration. Permanent.
	KindSchemaMismatch Kind = "schema_mismatch"

	// KindDimensionMismatch tags a vector whose length does not match the
	// collection dimension. Permanent.
	KindDimensionMismatch Kind = "dimension_mismatch"

	// KindGeneration tags a non-timeout generation failure.
	KindGeneration Kind = "generation_error"

	// KindGenerationTimeout tags a generation call cancelled by the overall
	// generation timeout. Not retried: duplicating a possibly-expensive
	// generation is worse than reporting the timeout.
	KindGenerationTimeout Kind = "generation_timeout"

	// KindStreamInterrupted tags a mid-stream transport loss during
	// streaming generation. The stream is never resumed automatically.
	KindStreamInterrupted Kind = "stream_interrupted"
)

// Error is a classified failure carrying a stable Kind tag and a
// human-readable message. Messages never include upstream credentials or
// raw stack traces.
type Error struct {
	// Kind is the stable classification tag.
	Kind Kind

	// Message describes the failure for operators and API clients.
	Message string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs a classified error with no underlying cause.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError constructs a classified error wrapping cause. If cause is
// already classified, the existing classification is preserved and cause
// is returned unchanged — the first classification wins.
func WrapError(kind Kind, cause error, format string, args ...any) error {
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the Kind tag of err, or the empty string when err carries
// no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified with the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err may be retried under the bounded backoff
// policy. Classified errors are permanent by construction — classification
// happens when a failure is recognised as non-transient or when the retry
// budget is already spent. Everything else is treated as a transient
// network-class failure.
func Retryable(err error) bool {
	var e *Error
	return !errors.As(err, &e)
}

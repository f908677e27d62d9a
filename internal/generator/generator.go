// Package generator adapts an eino chat model to the rag.Generator
// interface. It is the only place where model errors are classified into
// the pipeline error taxonomy: deadline overruns become generation
// timeouts, mid-stream failures become stream interruptions, and
// everything else is a plain generation error.
package generator

import (
	"context"
	"errors"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/quilora/quilora-go/internal/rag"
)

// EinoGenerator wraps a chat model constructed by the provider package.
type EinoGenerator struct {
	model model.BaseChatModel
}

var _ rag.Generator = (*EinoGenerator)(nil)

// New returns a Generator backed by the given chat model.
func New(m model.BaseChatModel) *EinoGenerator {
	return &EinoGenerator{model: m}
}

// Generate returns the complete generated text for the prompt.
func (g *EinoGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	msg, err := g.model.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", classify(ctx, err)
	}
	if msg == nil {
		return "", rag.NewError(rag.KindGeneration, "model returned no message")
	}
	return msg.Content, nil
}

// GenerateStream starts generation and returns the model's fragment stream.
func (g *EinoGenerator) GenerateStream(ctx context.Context, prompt string) (rag.FragmentStream, error) {
	sr, err := g.model.Stream(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return nil, classify(ctx, err)
	}
	return &fragmentStream{sr: sr}, nil
}

// classify maps a model error onto the pipeline taxonomy. Context
// cancellation is passed through untouched so callers can distinguish a
// caller hang-up from a model failure.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return rag.WrapError(rag.KindGenerationTimeout, err, "generation deadline exceeded")
	}
	return rag.WrapError(rag.KindGeneration, err, "model call failed")
}

// fragmentStream adapts a *schema.StreamReader[*schema.Message] to
// rag.FragmentStream, skipping empty frames and classifying mid-stream
// failures as interruptions.
type fragmentStream struct {
	sr *schema.StreamReader[*schema.Message]
}

func (s *fragmentStream) Recv() (string, error) {
	for {
		msg, err := s.sr.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return "", err
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return "", rag.WrapError(rag.KindGenerationTimeout, err, "generation deadline exceeded mid-stream")
			}
			return "", rag.WrapError(rag.KindStreamInterrupted, err, "stream receive failed")
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		return msg.Content, nil
	}
}

func (s *fragmentStream) Close() {
	s.sr.Close()
}

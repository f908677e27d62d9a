package generator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/quilora/quilora-go/internal/rag"
)

// fakeModel implements model.BaseChatModel with canned behaviour.
type fakeModel struct {
	generateFn func(ctx context.Context, in []*schema.Message) (*schema.Message, error)
	streamFn   func(ctx context.Context, in []*schema.Message) (*schema.StreamReader[*schema.Message], error)
}

func (f *fakeModel) Generate(ctx context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return f.generateFn(ctx, in)
}

func (f *fakeModel) Stream(ctx context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return f.streamFn(ctx, in)
}

func Test_Generate_ReturnsContent(t *testing.T) {
	t.Parallel()

	g := New(&fakeModel{
		generateFn: func(_ context.Context, in []*schema.Message) (*schema.Message, error) {
			if len(in) != 1 || in[0].Role != schema.User {
				t.Errorf("unexpected messages: %+v", in)
			}
			return schema.AssistantMessage("grounded answer", nil), nil
		},
	})

	got, err := g.Generate(t.Context(), "prompt")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "grounded answer" {
		t.Errorf("Generate = %q", got)
	}
}

func Test_Generate_DeadlineBecomesTimeoutKind(t *testing.T) {
	t.Parallel()

	g := New(&fakeModel{
		generateFn: func(_ context.Context, _ []*schema.Message) (*schema.Message, error) {
			return nil, context.DeadlineExceeded
		},
	})

	ctx, cancel := context.WithTimeout(t.Context(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	_, err := g.Generate(ctx, "prompt")
	if !rag.IsKind(err, rag.KindGenerationTimeout) {
		t.Fatalf("want generation_timeout, got %v", err)
	}
	if rag.Retryable(err) {
		t.Error("generation timeout must not be retryable")
	}
}

func Test_Generate_FailureBecomesGenerationKind(t *testing.T) {
	t.Parallel()

	g := New(&fakeModel{
		generateFn: func(_ context.Context, _ []*schema.Message) (*schema.Message, error) {
			return nil, errors.New("backend exploded")
		},
	})

	_, err := g.Generate(t.Context(), "prompt")
	if !rag.IsKind(err, rag.KindGeneration) {
		t.Fatalf("want generation_error, got %v", err)
	}
}

func Test_GenerateStream_DeliversFragmentsInOrder(t *testing.T) {
	t.Parallel()

	g := New(&fakeModel{
		streamFn: func(_ context.Context, _ []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
			sr, sw := schema.Pipe[*schema.Message](4)
			go func() {
				defer sw.Close()
				sw.Send(schema.AssistantMessage("The ", nil), nil)
				sw.Send(schema.AssistantMessage("", nil), nil) // empty frame, must be skipped
				sw.Send(schema.AssistantMessage("answer.", nil), nil)
			}()
			return sr, nil
		},
	})

	fs, err := g.GenerateStream(t.Context(), "prompt")
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	defer fs.Close()

	var got []string
	for {
		frag, err := fs.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, frag)
	}

	want := []string{"The ", "answer."}
	if len(got) != len(want) {
		t.Fatalf("fragments = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("fragment %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func Test_GenerateStream_MidStreamFailureIsInterruption(t *testing.T) {
	t.Parallel()

	g := New(&fakeModel{
		streamFn: func(_ context.Context, _ []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
			sr, sw := schema.Pipe[*schema.Message](2)
			go func() {
				defer sw.Close()
				sw.Send(schema.AssistantMessage("partial", nil), nil)
				sw.Send(nil, errors.New("connection reset"))
			}()
			return sr, nil
		},
	})

	fs, err := g.GenerateStream(t.Context(), "prompt")
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	defer fs.Close()

	if frag, err := fs.Recv(); err != nil || frag != "partial" {
		t.Fatalf("first Recv = %q, %v", frag, err)
	}
	_, err = fs.Recv()
	if !rag.IsKind(err, rag.KindStreamInterrupted) {
		t.Fatalf("want stream_interrupted, got %v", err)
	}
}

func Test_GenerateStream_StartupFailureClassified(t *testing.T) {
	t.Parallel()

	g := New(&fakeModel{
		streamFn: func(_ context.Context, _ []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
			return nil, errors.New("dial tcp: refused")
		},
	})

	_, err := g.GenerateStream(t.Context(), "prompt")
	if !rag.IsKind(err, rag.KindGeneration) {
		t.Fatalf("want generation_error, got %v", err)
	}
}

package budget

import (
	"strings"
	"testing"

	"github.com/quilora/quilora-go/internal/rag"
)

func TestEstimate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"short rounds up to one", "abc", 1},
		{"exact multiple", "abcdefgh", 2},
		{"long text", strings.Repeat("x", 400), 100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Estimate(tc.in); got != tc.want {
				t.Errorf("Estimate(%q) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func results(texts ...string) []rag.SearchResult {
	out := make([]rag.SearchResult, len(texts))
	for i, txt := range texts {
		out[i] = rag.SearchResult{
			Chunk: rag.Chunk{ID: "d#" + string(rune('0'+i)), Text: txt},
			Score: 1 - float32(i)*0.1,
		}
	}
	return out
}

func TestTrimResults_AllFit(t *testing.T) {
	t.Parallel()

	rs := results("alpha beta", "gamma delta")
	got := TrimResults(rs, 10, 1000)
	if len(got) != 2 {
		t.Fatalf("want all 2 results kept, got %d", len(got))
	}
}

func TestTrimResults_DropsTailFirst(t *testing.T) {
	t.Parallel()

	// Each chunk costs 100/4 + 2 = 27 tokens; fixed 10. Budget 70 fits
	// two chunks (10+27+27=64) but not three.
	big := strings.Repeat("x", 100)
	rs := results(big, big, big)

	got := TrimResults(rs, 10, 70)
	if len(got) != 2 {
		t.Fatalf("want 2 results after trim, got %d", len(got))
	}
	// The survivors are the highest-scored prefix.
	if got[0].Score < got[1].Score {
		t.Error("trim must preserve score order")
	}
}

func TestTrimResults_NothingFits(t *testing.T) {
	t.Parallel()

	rs := results(strings.Repeat("x", 4000))
	got := TrimResults(rs, 50, 100)
	if len(got) != 0 {
		t.Fatalf("want empty result set, got %d", len(got))
	}
}

func TestTrimResults_ZeroBudgetUsesDefault(t *testing.T) {
	t.Parallel()

	rs := results("small chunk")
	got := TrimResults(rs, 0, 0)
	if len(got) != 1 {
		t.Fatalf("default budget should keep the chunk, got %d", len(got))
	}
}

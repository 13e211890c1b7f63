package transform

import (
	"context"
	"math"
	"strings"
	"testing"

	"transform_worker/core/domain"
)

// wordCounter counts whitespace-separated words as tokens.
type wordCounter struct{}

func (wordCounter) TokenCount(_ context.Context, text string) (int, error) {
	return len(strings.Fields(text)), nil
}

func TestChunkBodyShortBodyStaysWhole(t *testing.T) {
	chunks, err := ChunkBody(context.Background(), "hello world", wordCounter{}, 100, 10)
	if err != nil {
		t.Fatalf("ChunkBody: %v", err)
	}
	if chunks != nil {
		t.Fatalf("expected nil chunks for a body under the limit, got %d", len(chunks))
	}
}

func TestChunkBodyEmptyBody(t *testing.T) {
	chunks, err := ChunkBody(context.Background(), "   \n\n  ", wordCounter{}, 10, 5)
	if err != nil {
		t.Fatalf("ChunkBody: %v", err)
	}
	if chunks != nil {
		t.Fatalf("expected nil chunks for blank body")
	}
}

func TestChunkBodyPacksParagraphs(t *testing.T) {
	// Each paragraph is 4 words; the target fits two paragraphs per chunk.
	paras := []string{
		"one two three four",
		"five six seven eight",
		"nine ten eleven twelve",
		"thirteen fourteen fifteen sixteen",
		"seventeen eighteen nineteen twenty",
	}
	body := strings.Join(paras, "\n\n")

	chunks, err := ChunkBody(context.Background(), body, wordCounter{}, 10, 8)
	if err != nil {
		t.Fatalf("ChunkBody: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Position != i {
			t.Errorf("chunk %d has position %d", i, c.Position)
		}
	}
	if chunks[0].Weight != firstChunkWeight {
		t.Errorf("first chunk weight = %v, want %v", chunks[0].Weight, firstChunkWeight)
	}
	if chunks[1].Weight != 1.0 || chunks[2].Weight != 1.0 {
		t.Errorf("later chunks must have weight 1.0")
	}
	if got := chunks[0].Text; got != paras[0]+"\n\n"+paras[1] {
		t.Errorf("chunk 0 text = %q", got)
	}
}

func TestChunkBodySentenceFallbackForHugeParagraph(t *testing.T) {
	// One paragraph far over target must be split on sentence boundaries.
	sentences := []string{
		"Alpha beta gamma delta.",
		"Epsilon zeta eta theta.",
		"Iota kappa lambda mu.",
	}
	body := strings.Join(sentences, " ")

	chunks, err := ChunkBody(context.Background(), body, wordCounter{}, 5, 4)
	if err != nil {
		t.Fatalf("ChunkBody: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected one chunk per sentence, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Text != sentences[i] {
			t.Errorf("chunk %d = %q, want %q", i, c.Text, sentences[i])
		}
	}
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("First one. Second one! Third?")
	want := []string{"First one.", "Second one!", "Third?"}
	if len(got) != len(want) {
		t.Fatalf("got %d sentences: %q", len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitParagraphsNormalizesCRLF(t *testing.T) {
	got := splitParagraphs("a\r\n\r\nb\rc")
	if len(got) != 2 || got[0] != "a" || got[1] != "b\nc" {
		t.Fatalf("got %q", got)
	}
}

func TestWeightedMeanEmbedding(t *testing.T) {
	embeddings := [][]float32{
		{1, 0},
		{0, 1},
	}
	got := WeightedMeanEmbedding(embeddings, []float64{2, 1})
	if len(got) != 2 {
		t.Fatalf("dim = %d", len(got))
	}
	if math.Abs(float64(got[0])-2.0/3.0) > 1e-6 || math.Abs(float64(got[1])-1.0/3.0) > 1e-6 {
		t.Errorf("pooled = %v", got)
	}
}

func TestWeightedMeanEmbeddingZeroWeights(t *testing.T) {
	got := WeightedMeanEmbedding([][]float32{{1, 2}}, []float64{0})
	if len(got) != 2 || got[0] != 0 || got[1] != 0 {
		t.Errorf("expected zero vector, got %v", got)
	}
}

func TestWeightedMeanEmbeddingMismatch(t *testing.T) {
	if got := WeightedMeanEmbedding([][]float32{{1}}, []float64{1, 2}); got != nil {
		t.Errorf("expected nil on mismatched inputs, got %v", got)
	}
	if got := WeightedMeanEmbedding(nil, nil); got != nil {
		t.Errorf("expected nil on empty input, got %v", got)
	}
}

func TestValidateEmbedding(t *testing.T) {
	good := make([]float32, domain.EmbeddingDim)
	good[0] = 0.5

	if err := validateEmbedding("body", good, true); err != nil {
		t.Errorf("valid vector rejected: %v", err)
	}
	if err := validateEmbedding("body", nil, true); err == nil {
		t.Error("required nil vector accepted")
	}
	if err := validateEmbedding("subject", nil, false); err != nil {
		t.Errorf("optional nil vector rejected: %v", err)
	}
	if err := validateEmbedding("body", make([]float32, 10), true); err == nil {
		t.Error("wrong dimension accepted")
	}
	if err := validateEmbedding("body", make([]float32, domain.EmbeddingDim), true); err == nil {
		t.Error("all-zero vector accepted")
	}
}

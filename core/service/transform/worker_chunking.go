// Package transform orchestrates the per-batch email transform pipeline:
// preprocess, classify, redact, chunk, embed, validate, persist.
package transform

import (
	"context"
	"regexp"
	"strings"

	"transform_worker/core/domain"
)

// ChunkTargetTokens is the greedy packing target for one chunk.
const ChunkTargetTokens = 7500

// firstChunkWeight gives the lead paragraph extra signal in the pooled mean.
const firstChunkWeight = 2.0

var (
	crlfRegex      = regexp.MustCompile(`\r\n?`)
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	sentenceEnd    = regexp.MustCompile(`[.!?]\s+`)
)

// tokenCounter abstracts the embedding service tokenizer so chunk lengths
// never exceed what the embedder accepts.
type tokenCounter interface {
	TokenCount(ctx context.Context, text string) (int, error)
}

func splitParagraphs(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	text = crlfRegex.ReplaceAllString(text, "\n")
	blocks := paragraphBreak.Split(text, -1)
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// splitSentences cuts after terminal punctuation followed by whitespace.
func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		out = append(out, text[last:loc[0]+1])
		last = loc[1]
	}
	if last < len(text) {
		out = append(out, text[last:])
	}
	var cleaned []string
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}

// ChunkBody splits a long body into weighted chunks of at most
// targetTokens tokens each. Returns nil when the body already fits in
// maxTokens. Paragraphs are packed greedily in order; a paragraph longer
// than the target is sentence-split and packed the same way.
func ChunkBody(ctx context.Context, body string, counter tokenCounter, maxTokens, targetTokens int) ([]domain.Chunk, error) {
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}
	if targetTokens <= 0 {
		targetTokens = ChunkTargetTokens
	}
	total, err := counter.TokenCount(ctx, body)
	if err != nil {
		return nil, err
	}
	if total <= maxTokens {
		return nil, nil
	}

	paragraphs := splitParagraphs(body)
	if len(paragraphs) == 0 {
		paragraphs = splitSentences(body)
	}
	if len(paragraphs) == 0 {
		paragraphs = []string{body}
	}

	var (
		chunks        []domain.Chunk
		current       []string
		currentTokens int
		position      int
	)
	emit := func() {
		weight := 1.0
		if position == 0 {
			weight = firstChunkWeight
		}
		chunks = append(chunks, domain.Chunk{
			Text:     strings.Join(current, "\n\n"),
			Position: position,
			Weight:   weight,
		})
		position++
		current = nil
		currentTokens = 0
	}

	pack := func(piece string, pieceTokens int) {
		if currentTokens+pieceTokens > targetTokens && len(current) > 0 {
			emit()
		}
		current = append(current, piece)
		currentTokens += pieceTokens
	}

	for _, para := range paragraphs {
		paraTokens, err := counter.TokenCount(ctx, para)
		if err != nil {
			return nil, err
		}
		if paraTokens > targetTokens {
			for _, sent := range splitSentences(para) {
				sentTokens, err := counter.TokenCount(ctx, sent)
				if err != nil {
					return nil, err
				}
				pack(sent, sentTokens)
			}
			continue
		}
		pack(para, paraTokens)
	}
	if len(current) > 0 {
		emit()
	}
	return chunks, nil
}

// WeightedMeanEmbedding pools chunk vectors by normalised weight,
// per-component. All-zero weights yield a zero vector; mismatched inputs
// yield nil.
func WeightedMeanEmbedding(embeddings [][]float32, weights []float64) []float32 {
	if len(embeddings) == 0 || len(weights) != len(embeddings) {
		return nil
	}
	dim := len(embeddings[0])
	out := make([]float32, dim)
	var totalWeight float64
	for _, w := range weights {
		totalWeight += w
	}
	if totalWeight == 0 {
		return out
	}
	acc := make([]float64, dim)
	for i, emb := range embeddings {
		w := weights[i]
		for j := 0; j < dim && j < len(emb); j++ {
			acc[j] += float64(emb[j]) * w
		}
	}
	for j := range acc {
		out[j] = float32(acc[j] / totalWeight)
	}
	return out
}

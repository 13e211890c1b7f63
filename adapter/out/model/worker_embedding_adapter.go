// Package model implements outbound adapters for the remote model services:
// TEI embeddings, the vLLM chat endpoint, spaCy NER, and fastText language
// detection.
package model

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"transform_worker/core/domain"
	"transform_worker/core/port/out"
	"transform_worker/pkg/httputil"
	"transform_worker/pkg/resilience"
)

// maxTruncateRounds bounds the tokenize-and-shrink loop for pathological
// inputs whose char-to-token ratio keeps surprising us.
const maxTruncateRounds = 15

// halveFloorChars stops the single-element 413 fallback from halving tiny
// payloads that cannot plausibly be the problem.
const halveFloorChars = 256

// EmbeddingAdapter talks to a Text Embeddings Inference server.
type EmbeddingAdapter struct {
	baseURL     string
	embedClient *http.Client
	tokenClient *http.Client
	breaker     *resilience.CircuitBreaker
	log         zerolog.Logger
}

var _ out.EmbeddingService = (*EmbeddingAdapter)(nil)

// NewEmbeddingAdapter creates the TEI adapter for the given base URL.
func NewEmbeddingAdapter(baseURL string, log zerolog.Logger) *EmbeddingAdapter {
	return &EmbeddingAdapter{
		baseURL:     strings.TrimRight(baseURL, "/"),
		embedClient: httputil.NewOptimizedClient(httputil.EmbeddingClientConfig()),
		tokenClient: httputil.NewOptimizedClient(httputil.TokenizeClientConfig()),
		breaker:     resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("tei-embed")),
		log:         log.With().Str("component", "embedding").Logger(),
	}
}

// TokenCount returns the tokenizer length of text.
func (a *EmbeddingAdapter) TokenCount(ctx context.Context, text string) (int, error) {
	body, err := json.Marshal(map[string]any{"inputs": text})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/tokenize", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.tokenClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("tokenize request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return 0, fmt.Errorf("tokenize returned %d: %s", resp.StatusCode, snippet)
	}

	// TEI returns one token array per input.
	var tokens [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return 0, fmt.Errorf("tokenize response decode failed: %w", err)
	}
	if len(tokens) == 0 {
		return 0, nil
	}
	return len(tokens[0]), nil
}

// EmbedBatch embeds texts in sub-batches of batchSize, clipping each text to
// maxChars and shrinking to at most maxTokens tokens. The result is
// index-aligned with texts.
func (a *EmbeddingAdapter) EmbedBatch(ctx context.Context, texts []string, batchSize, maxChars, maxTokens int, logContext string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	tokenCap := maxTokens
	if tokenCap > 8192 {
		tokenCap = 8192
	}
	prepared := make([]string, len(texts))
	for i, text := range texts {
		t := clipRunes(text, maxChars)
		// A text at or under 3 chars per cap token cannot exceed the cap,
		// so only longer texts are worth a tokenize round-trip.
		if tokenCap > 0 && len([]rune(t)) > tokenCap*3 {
			var err error
			t, err = a.truncateToTokens(ctx, t, tokenCap)
			if err != nil {
				return nil, fmt.Errorf("truncate text %d (%s): %w", i, logContext, err)
			}
		}
		prepared[i] = t
	}

	results := make([][]float32, 0, len(prepared))
	for start := 0; start < len(prepared); start += batchSize {
		end := min(start+batchSize, len(prepared))
		sub := prepared[start:end]

		vectors, err := a.embedSubBatch(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("embed sub-batch %d-%d (%s): %w", start, end-1, logContext, err)
		}
		results = append(results, vectors...)
	}

	for i, v := range results {
		if len(v) != domain.EmbeddingDim {
			return nil, fmt.Errorf("embedding %d has dimension %d, expected %d (%s)",
				i, len(v), domain.EmbeddingDim, logContext)
		}
	}
	return results, nil
}

// embedSubBatch posts one /embed request. On 413 it retries element by
// element; an element that is itself too large is halved once before the
// final attempt.
func (a *EmbeddingAdapter) embedSubBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, status, err := a.postEmbed(ctx, texts)
	if err == nil {
		return vectors, nil
	}
	if status != http.StatusRequestEntityTooLarge || len(texts) == 1 {
		if status == http.StatusRequestEntityTooLarge {
			return a.embedHalved(ctx, texts[0])
		}
		return nil, err
	}

	a.log.Warn().Int("texts", len(texts)).Msg("embed payload too large, retrying element by element")
	results := make([][]float32, 0, len(texts))
	for _, text := range texts {
		v, status, err := a.postEmbed(ctx, []string{text})
		if err != nil {
			if status == http.StatusRequestEntityTooLarge {
				hv, herr := a.embedHalved(ctx, text)
				if herr != nil {
					return nil, herr
				}
				results = append(results, hv...)
				continue
			}
			return nil, err
		}
		results = append(results, v...)
	}
	return results, nil
}

// embedHalved retries one oversized text at half length. Texts already at or
// under the floor are not worth halving and fail outright.
func (a *EmbeddingAdapter) embedHalved(ctx context.Context, text string) ([][]float32, error) {
	runes := []rune(text)
	if len(runes) <= halveFloorChars {
		return nil, fmt.Errorf("embed payload rejected as too large at %d chars", len(runes))
	}
	a.log.Warn().Int("chars", len(runes)).Msg("halving oversized embed text")
	v, _, err := a.postEmbed(ctx, []string{string(runes[:len(runes)/2])})
	return v, err
}

func (a *EmbeddingAdapter) postEmbed(ctx context.Context, texts []string) ([][]float32, int, error) {
	payload, err := json.Marshal(map[string]any{
		"inputs":   texts,
		"truncate": true,
	})
	if err != nil {
		return nil, 0, err
	}

	var vectors [][]float32
	var status int
	err = a.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/embed", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.embedClient.Do(req)
		if err != nil {
			return fmt.Errorf("embed request failed: %w", err)
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
			return fmt.Errorf("embed returned %d: %s", resp.StatusCode, snippet)
		}
		if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
			return fmt.Errorf("embed response decode failed: %w", err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("embed returned %d vectors for %d texts", len(vectors), len(texts))
		}
		return nil
	})
	if err != nil {
		return nil, status, err
	}
	return vectors, status, nil
}

// truncateToTokens shrinks text until the tokenizer accepts it. Texts already
// within the cap are returned unchanged; each shrink round cuts proportionally
// with a 10% safety margin.
func (a *EmbeddingAdapter) truncateToTokens(ctx context.Context, text string, maxTokens int) (string, error) {
	if maxTokens <= 0 || text == "" {
		return text, nil
	}

	for round := 0; round < maxTruncateRounds; round++ {
		tokens, err := a.TokenCount(ctx, text)
		if err != nil {
			return "", err
		}
		if tokens <= maxTokens {
			return text, nil
		}
		runes := []rune(text)
		keep := int(float64(len(runes)) * float64(maxTokens) / float64(tokens) * 0.9)
		if keep < 1 {
			keep = 1
		}
		if keep >= len(runes) {
			keep = len(runes) - 1
		}
		text = string(runes[:keep])
	}
	a.log.Warn().Int("max_tokens", maxTokens).Msg("token truncation did not converge, sending best effort")
	return text, nil
}

func clipRunes(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}

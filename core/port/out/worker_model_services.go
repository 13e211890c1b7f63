package out

import (
	"context"
)

// =============================================================================
// Remote Model Services
// =============================================================================
// Each remote model is a small typed HTTP collaborator. The services are
// injected so the pipeline can be exercised against fakes in tests.

// EmbeddingService is the TEI embedding backend.
type EmbeddingService interface {
	// EmbedBatch embeds texts in sub-batches of batchSize, clipping each
	// text to maxChars and truncating to at most maxTokens tokens. The
	// returned slice is index-aligned with texts and every vector has
	// dimension domain.EmbeddingDim.
	EmbedBatch(ctx context.Context, texts []string, batchSize, maxChars, maxTokens int, logContext string) ([][]float32, error)

	// TokenCount returns the tokenizer length of text as seen by the
	// embedding model.
	TokenCount(ctx context.Context, text string) (int, error)
}

// ChatService is the OpenAI-compatible LLM used for classification.
type ChatService interface {
	// Complete sends a system+user chat completion and returns the raw
	// assistant message content.
	Complete(ctx context.Context, system, user string) (string, error)

	// TokenCount measures prompt length with the LLM's own tokenizer.
	TokenCount(ctx context.Context, prompt string) (int, error)
}

// Entity is one NER span, offsets into the submitted text.
type Entity struct {
	Start int
	End   int
	Label string
}

// EntityService is the remote NER (spaCy) backend.
type EntityService interface {
	Entities(ctx context.Context, text, lang string) ([]Entity, error)
}

// LanguageService is the fastText language detector.
type LanguageService interface {
	// Detect returns a two-letter lower-case ISO-639-1 code, falling back
	// to "en" on low confidence or non-alphabetic results.
	Detect(ctx context.Context, text string) (string, error)
}

// =============================================================================
// Result Cache
// =============================================================================

// ResultCache memoizes deterministic per-content results (classification
// tier, detected language). Implementations must treat misses and backend
// errors identically: return ok=false and let the caller recompute.
type ResultCache interface {
	GetString(ctx context.Context, key string) (value string, ok bool)
	SetString(ctx context.Context, key, value string)
}

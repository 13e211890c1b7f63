// Package capability loads and exposes the discovered limits of the remote
// model services. The transform path refuses to run without explicit values;
// defaults exist only for non-transform callers.
package capability

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// CharsPerToken is the rough chars-per-token estimate used when deriving
// char budgets from token budgets.
const CharsPerToken = 4

// Defaults applied outside the transform path only.
const (
	DefaultEmbedMaxTokens   = 8192
	DefaultEmbedMaxChars    = 32768
	DefaultClassifyMaxChars = 6000
)

// ErrMissingCapabilities is wrapped by RequireForTransform when the
// capability file is absent or incomplete.
var ErrMissingCapabilities = errors.New("capabilities incomplete")

// EmbeddingCaps holds the embedding service limits.
type EmbeddingCaps struct {
	MaxTokens *int    `json:"max_tokens"`
	MaxChars  *int    `json:"max_chars"`
	Source    *string `json:"source"`
	ModelID   *string `json:"model_id"`
}

// VLLMCaps holds the LLM limits.
type VLLMCaps struct {
	MaxModelLen *int    `json:"max_model_len"`
	Source      *string `json:"source"`
	ModelID     *string `json:"model_id"`
}

// ServiceCaps marks a plain availability-probed service.
type ServiceCaps struct {
	URL       *string `json:"url"`
	Available bool    `json:"available"`
	Error     *string `json:"error,omitempty"`
}

// Set is the process-wide capability set, loaded once and read-only after.
type Set struct {
	Embedding            EmbeddingCaps `json:"embedding"`
	VLLM                 VLLMCaps      `json:"vllm"`
	SpacyAPI             ServiceCaps   `json:"spacy_api"`
	FasttextLangdetect   ServiceCaps   `json:"fasttext_langdetect"`
	ClassifyBodyMaxChars *int          `json:"classify_body_max_chars,omitempty"`
}

// Load reads the capability file leniently: a missing or unreadable file
// yields an empty set so default-tolerant callers can proceed.
func Load(path string) *Set {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Set{}
	}
	var s Set
	if err := json.Unmarshal(data, &s); err != nil {
		return &Set{}
	}
	return &s
}

// RequireForTransform loads the capability file strictly. Every field the
// transform path depends on must be present and every required service
// flagged available; otherwise the error names the missing pieces.
func RequireForTransform(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is missing; run the capabilities command first", ErrMissingCapabilities, path)
	}
	var s Set
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", path, err)
	}

	var missing []string
	if s.Embedding.MaxTokens == nil {
		missing = append(missing, "embedding.max_tokens")
	}
	if s.VLLM.ModelID == nil || strings.TrimSpace(*s.VLLM.ModelID) == "" {
		missing = append(missing, "vllm.model_id")
	}
	if s.VLLM.MaxModelLen == nil {
		missing = append(missing, "vllm.max_model_len")
	}
	if !s.SpacyAPI.Available {
		missing = append(missing, "spacy_api.available")
	}
	if !s.FasttextLangdetect.Available {
		missing = append(missing, "fasttext_langdetect.available")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w (missing: %s); run the capabilities command first",
			ErrMissingCapabilities, strings.Join(missing, ", "))
	}
	return &s, nil
}

// EmbedMaxTokens returns the embed token cap, defaulting outside transform.
func (s *Set) EmbedMaxTokens() int {
	if s.Embedding.MaxTokens != nil {
		return *s.Embedding.MaxTokens
	}
	return DefaultEmbedMaxTokens
}

// EmbedMaxChars returns the embed char cap, defaulting outside transform.
func (s *Set) EmbedMaxChars() int {
	if s.Embedding.MaxChars != nil {
		return *s.Embedding.MaxChars
	}
	return DefaultEmbedMaxChars
}

// LLMMaxModelLen returns the LLM context length.
func (s *Set) LLMMaxModelLen() (int, error) {
	if s.VLLM.MaxModelLen != nil {
		return *s.VLLM.MaxModelLen, nil
	}
	return 0, fmt.Errorf("%w (missing: vllm.max_model_len)", ErrMissingCapabilities)
}

// LLMModelID returns the served model id.
func (s *Set) LLMModelID() (string, error) {
	if s.VLLM.ModelID != nil && strings.TrimSpace(*s.VLLM.ModelID) != "" {
		return strings.TrimSpace(*s.VLLM.ModelID), nil
	}
	return "", fmt.Errorf("%w (missing: vllm.model_id)", ErrMissingCapabilities)
}

// classifyBodyCapChars bounds the classifier body preview even on huge
// context models.
const classifyBodyCapChars = 8000

// ClassifyMaxChars returns the classifier body char budget:
// min(8000, max_model_len*4/2) when derivable, else the non-transform default.
func (s *Set) ClassifyMaxChars() int {
	if s.ClassifyBodyMaxChars != nil {
		return *s.ClassifyBodyMaxChars
	}
	if s.VLLM.MaxModelLen != nil {
		derived := (*s.VLLM.MaxModelLen * CharsPerToken) / 2
		if derived > classifyBodyCapChars {
			return classifyBodyCapChars
		}
		return derived
	}
	return DefaultClassifyMaxChars
}

// WriteFile persists a probed capability set as indented JSON.
func WriteFile(path string, s *Set) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

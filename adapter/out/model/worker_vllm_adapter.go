package model

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"transform_worker/core/port/out"
	"transform_worker/pkg/httputil"
)

// classifyMaxAnswerTokens caps the completion. The expected answer is a
// single label; anything longer is reasoning noise we strip anyway.
const classifyMaxAnswerTokens = 64

// classifySeed pins sampling so repeated runs over the same mailbox agree.
const classifySeed = 42

// VLLMAdapter talks to a vLLM server through its OpenAI-compatible API for
// completions and its native /tokenize endpoint for prompt measurement.
type VLLMAdapter struct {
	baseURL     string
	modelID     string
	client      *openai.Client
	tokenClient *http.Client
	log         zerolog.Logger
}

var _ out.ChatService = (*VLLMAdapter)(nil)

// NewVLLMAdapter creates the chat adapter. baseURL is the OpenAI-compatible
// base, normally ending in /v1; the native /tokenize endpoint lives at the
// server root, so the suffix is stripped for token counting.
func NewVLLMAdapter(baseURL, modelID string, log zerolog.Logger) *VLLMAdapter {
	baseURL = strings.TrimRight(baseURL, "/")
	serverRoot := strings.TrimRight(strings.TrimSuffix(baseURL, "/v1"), "/")

	cfg := openai.DefaultConfig("")
	cfg.BaseURL = baseURL
	cfg.HTTPClient = httputil.NewOptimizedClient(httputil.LLMClientConfig())

	return &VLLMAdapter{
		baseURL:     serverRoot,
		modelID:     modelID,
		client:      openai.NewClientWithConfig(cfg),
		tokenClient: httputil.NewOptimizedClient(httputil.LLMTokenizeClientConfig()),
		log:         log.With().Str("component", "vllm").Logger(),
	}
}

// Complete sends one system+user completion and returns the raw content.
func (a *VLLMAdapter) Complete(ctx context.Context, system, user string) (string, error) {
	seed := classifySeed
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.modelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens: classifyMaxAnswerTokens,
		// go-openai omits a zero temperature from the payload, so send the
		// smallest nonzero value to keep decoding greedy.
		Temperature: math.SmallestNonzeroFloat32,
		TopP:        1,
		Seed:        &seed,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// TokenCount measures prompt length with the server's own tokenizer.
func (a *VLLMAdapter) TokenCount(ctx context.Context, prompt string) (int, error) {
	payload, err := json.Marshal(map[string]any{
		"model":  a.modelID,
		"prompt": prompt,
	})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/tokenize", bytes.NewReader(payload))
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

	var decoded struct {
		Count  int   `json:"count"`
		Tokens []int `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("tokenize response decode failed: %w", err)
	}
	if decoded.Count == 0 && len(decoded.Tokens) > 0 {
		return len(decoded.Tokens), nil
	}
	return decoded.Count, nil
}

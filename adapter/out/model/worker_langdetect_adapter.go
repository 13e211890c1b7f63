package model

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"transform_worker/core/port/out"
	"transform_worker/pkg/httputil"
	"transform_worker/pkg/resilience"
)

// langDetectSampleChars is how much of the body the detector sees; fastText
// needs only the first lines to decide.
const langDetectSampleChars = 1000

// langDetectMinConfidence below which we assume English rather than trust a
// coin-flip prediction.
const langDetectMinConfidence = 0.5

// LangdetectAdapter talks to the fastText language identification service.
type LangdetectAdapter struct {
	baseURL string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	cache   out.ResultCache
	log     zerolog.Logger
}

var _ out.LanguageService = (*LangdetectAdapter)(nil)

// NewLangdetectAdapter creates the adapter. cache may be nil.
func NewLangdetectAdapter(baseURL string, cache out.ResultCache, log zerolog.Logger) *LangdetectAdapter {
	return &LangdetectAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httputil.NewOptimizedClient(httputil.LangdetectClientConfig()),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("fasttext-langdetect")),
		cache:   cache,
		log:     log.With().Str("component", "langdetect").Logger(),
	}
}

// Detect returns a two-letter lower-case language code for text, defaulting
// to "en" whenever the prediction is unusable.
func (a *LangdetectAdapter) Detect(ctx context.Context, text string) (string, error) {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return "en", nil
	}
	if runes := []rune(sample); len(runes) > langDetectSampleChars {
		sample = string(runes[:langDetectSampleChars])
	}

	cacheKey := ""
	if a.cache != nil {
		sum := sha256.Sum256([]byte(sample))
		cacheKey = "lang:" + hex.EncodeToString(sum[:])
		if v, ok := a.cache.GetString(ctx, cacheKey); ok && v != "" {
			return v, nil
		}
	}

	payload, err := json.Marshal(map[string]any{"text": sample, "k": 1})
	if err != nil {
		return "", err
	}

	var decoded struct {
		Predictions []struct {
			Language   string  `json:"language"`
			Confidence float64 `json:"confidence"`
		} `json:"predictions"`
		Language   string  `json:"language"`
		Lang       string  `json:"lang"`
		Confidence float64 `json:"confidence"`
		Score      float64 `json:"score"`
	}
	err = a.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/detect", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return fmt.Errorf("langdetect request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
			return fmt.Errorf("langdetect returned %d: %s", resp.StatusCode, snippet)
		}
		return json.NewDecoder(resp.Body).Decode(&decoded)
	})
	if err != nil {
		return "", err
	}

	// Top prediction wins; flat language/confidence fields are accepted for
	// older service builds that return an unwrapped result.
	lang := decoded.Language
	confidence := decoded.Confidence
	if len(decoded.Predictions) > 0 {
		lang = decoded.Predictions[0].Language
		confidence = decoded.Predictions[0].Confidence
	}
	if lang == "" {
		lang = decoded.Lang
	}
	if confidence == 0 {
		confidence = decoded.Score
	}
	code := normalizeLangCode(lang)
	if code == "" || confidence < langDetectMinConfidence {
		code = "en"
	}

	if a.cache != nil {
		a.cache.SetString(ctx, cacheKey, code)
	}
	return code, nil
}

// normalizeLangCode strips fastText "__label__xx" prefixes and rejects
// anything that is not a plain two-letter code.
func normalizeLangCode(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	lang = strings.TrimPrefix(lang, "__label__")
	if len(lang) > 2 {
		lang = lang[:2]
	}
	if len(lang) != 2 {
		return ""
	}
	for _, r := range lang {
		if r < 'a' || r > 'z' {
			return ""
		}
	}
	return lang
}

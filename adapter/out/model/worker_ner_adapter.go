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

	"transform_worker/core/port/out"
	"transform_worker/pkg/httputil"
	"transform_worker/pkg/resilience"
)

// NERAdapter talks to the spaCy entity extraction service.
type NERAdapter struct {
	baseURL string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	log     zerolog.Logger
}

var _ out.EntityService = (*NERAdapter)(nil)

// NewNERAdapter creates the spaCy NER adapter.
func NewNERAdapter(baseURL string, log zerolog.Logger) *NERAdapter {
	return &NERAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httputil.NewOptimizedClient(httputil.NERClientConfig()),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("spacy-ner")),
		log:     log.With().Str("component", "ner").Logger(),
	}
}

// nerEntity tolerates the field name drift seen across service versions.
type nerEntity struct {
	Start      *int   `json:"start"`
	End        *int   `json:"end"`
	StartChar  *int   `json:"start_char"`
	EndChar    *int   `json:"end_char"`
	FirstIndex *int   `json:"first_index"`
	LastIndex  *int   `json:"last_index"`
	Label      string `json:"label"`
	LabelAlt   string `json:"label_"`
	Type       string `json:"type"`
}

func (e *nerEntity) span() (int, int, bool) {
	start, end := -1, -1
	switch {
	case e.Start != nil && e.End != nil:
		start, end = *e.Start, *e.End
	case e.StartChar != nil && e.EndChar != nil:
		start, end = *e.StartChar, *e.EndChar
	case e.FirstIndex != nil && e.LastIndex != nil:
		start, end = *e.FirstIndex, *e.LastIndex
	}
	return start, end, start >= 0 && end > start
}

func (e *nerEntity) label() string {
	if e.Label != "" {
		return e.Label
	}
	if e.LabelAlt != "" {
		return e.LabelAlt
	}
	return e.Type
}

// Entities extracts NER spans from text. Offsets are code points into the
// submitted text.
func (a *NERAdapter) Entities(ctx context.Context, text, lang string) ([]out.Entity, error) {
	payload, err := json.Marshal(map[string]any{
		"text": text,
		"lang": lang,
	})
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	err = a.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/ner", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return fmt.Errorf("ner request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
			return fmt.Errorf("ner returned %d: %s", resp.StatusCode, snippet)
		}
		return json.NewDecoder(resp.Body).Decode(&raw)
	})
	if err != nil {
		return nil, err
	}
	return parseEntities(raw)
}

// parseEntities accepts either a bare entity list or an object wrapping the
// list under "entities", "ents" or "extractions".
func parseEntities(raw json.RawMessage) ([]out.Entity, error) {
	var list []nerEntity
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped struct {
			Entities    []nerEntity `json:"entities"`
			Ents        []nerEntity `json:"ents"`
			Extractions []nerEntity `json:"extractions"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("unrecognized ner response shape: %w", err)
		}
		switch {
		case wrapped.Entities != nil:
			list = wrapped.Entities
		case wrapped.Ents != nil:
			list = wrapped.Ents
		default:
			list = wrapped.Extractions
		}
	}

	entities := make([]out.Entity, 0, len(list))
	for _, e := range list {
		start, end, ok := e.span()
		if !ok {
			continue
		}
		entities = append(entities, out.Entity{
			Start: start,
			End:   end,
			Label: strings.ToUpper(e.label()),
		})
	}
	return entities, nil
}

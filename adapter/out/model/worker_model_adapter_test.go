package model

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"transform_worker/core/domain"
)

// newTEIServer fakes a TEI instance: /tokenize counts words, /embed returns
// a fixed-dimension vector per input. rejectOver marks inputs longer than
// that many bytes as 413 when embedding.
func newTEIServer(t *testing.T, rejectOver int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs string `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tokens := make([]int, len(strings.Fields(req.Inputs)))
		json.NewEncoder(w).Encode([][]int{tokens})
	})
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs []string `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		total := 0
		for _, in := range req.Inputs {
			total += len(in)
		}
		if rejectOver > 0 && total > rejectOver {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		vectors := make([][]float32, len(req.Inputs))
		for i := range req.Inputs {
			v := make([]float32, domain.EmbeddingDim)
			v[0] = float32(len(req.Inputs[i]))
			vectors[i] = v
		}
		json.NewEncoder(w).Encode(vectors)
	})
	return httptest.NewServer(mux)
}

func TestEmbeddingTokenCount(t *testing.T) {
	srv := newTEIServer(t, 0)
	defer srv.Close()

	a := NewEmbeddingAdapter(srv.URL, zerolog.Nop())
	n, err := a.TokenCount(context.Background(), "one two three")
	if err != nil {
		t.Fatalf("TokenCount: %v", err)
	}
	if n != 3 {
		t.Errorf("tokens = %d, want 3", n)
	}
}

func TestEmbedBatchHappyPath(t *testing.T) {
	srv := newTEIServer(t, 0)
	defer srv.Close()

	a := NewEmbeddingAdapter(srv.URL, zerolog.Nop())
	vectors, err := a.EmbedBatch(context.Background(), []string{"alpha beta", "gamma"}, 1, 1000, 100, "test")
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors", len(vectors))
	}
	for i, v := range vectors {
		if len(v) != domain.EmbeddingDim {
			t.Errorf("vector %d dim = %d", i, len(v))
		}
	}
}

func TestEmbedBatchClipsToMaxChars(t *testing.T) {
	srv := newTEIServer(t, 0)
	defer srv.Close()

	a := NewEmbeddingAdapter(srv.URL, zerolog.Nop())
	long := strings.Repeat("x", 500)
	vectors, err := a.EmbedBatch(context.Background(), []string{long}, 1, 100, 1000, "test")
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	// The fake encodes the sent length into component 0.
	if got := int(vectors[0][0]); got != 100 {
		t.Errorf("sent %d chars, want 100", got)
	}
}

func TestEmbedBatchTruncatesToTokenCap(t *testing.T) {
	srv := newTEIServer(t, 0)
	defer srv.Close()

	a := NewEmbeddingAdapter(srv.URL, zerolog.Nop())
	// 50 one-char words = 50 tokens against a cap of 10.
	text := strings.Repeat("a ", 50)
	vectors, err := a.EmbedBatch(context.Background(), []string{text}, 1, 10000, 10, "test")
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if got := int(vectors[0][0]); got > 10*2 {
		t.Errorf("sent %d chars, want at most %d after truncation", got, 20)
	}
}

func TestEmbedBatchKeepsTextUnderTokenCapWhole(t *testing.T) {
	var tokenizeCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		tokenizeCalls++
		json.NewEncoder(w).Encode([][]int{make([]int, 4)})
	})
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs []string `json:"inputs"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		v := make([]float32, domain.EmbeddingDim)
		v[0] = float32(len(req.Inputs[0]))
		json.NewEncoder(w).Encode([][]float32{v})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewEmbeddingAdapter(srv.URL, zerolog.Nop())
	// 43 chars is over 3 chars per cap token (30) but only 4 tokens, so the
	// text must reach the embedder untouched.
	text := "a compact sentence with unusually long words"[:43]
	vectors, err := a.EmbedBatch(context.Background(), []string{text}, 1, 1000, 10, "test")
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if got := int(vectors[0][0]); got != 43 {
		t.Errorf("embedded text length = %d, want 43 (text under token cap was clipped)", got)
	}
	if tokenizeCalls != 1 {
		t.Errorf("tokenize calls = %d, want 1", tokenizeCalls)
	}
}

func TestEmbedBatchSkipsTokenizeForShortTexts(t *testing.T) {
	var tokenizeCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		tokenizeCalls++
		json.NewEncoder(w).Encode([][]int{{1}})
	})
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		v := make([]float32, domain.EmbeddingDim)
		json.NewEncoder(w).Encode([][]float32{v})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewEmbeddingAdapter(srv.URL, zerolog.Nop())
	// 20 chars against a cap of 10 tokens is at most 10 tokens per 30 chars,
	// so no tokenize round-trip is needed.
	if _, err := a.EmbedBatch(context.Background(), []string{strings.Repeat("x", 20)}, 1, 1000, 10, "test"); err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if tokenizeCalls != 0 {
		t.Errorf("tokenize calls = %d, want 0 for a text under 3 chars per cap token", tokenizeCalls)
	}
}

func TestEmbedBatch413FallsBackToSingles(t *testing.T) {
	// Batches over 40 bytes are rejected; singles pass.
	srv := newTEIServer(t, 40)
	defer srv.Close()

	a := NewEmbeddingAdapter(srv.URL, zerolog.Nop())
	texts := []string{strings.Repeat("a", 30), strings.Repeat("b", 30)}
	vectors, err := a.EmbedBatch(context.Background(), texts, 2, 1000, 1000, "test")
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors", len(vectors))
	}
	if int(vectors[0][0]) != 30 || int(vectors[1][0]) != 30 {
		t.Errorf("lengths = %v, %v", vectors[0][0], vectors[1][0])
	}
}

func TestEmbedBatch413HalvesOversizedSingle(t *testing.T) {
	srv := newTEIServer(t, 400)
	defer srv.Close()

	a := NewEmbeddingAdapter(srv.URL, zerolog.Nop())
	vectors, err := a.EmbedBatch(context.Background(), []string{strings.Repeat("a", 600)}, 1, 1000, 1000, "test")
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if got := int(vectors[0][0]); got != 300 {
		t.Errorf("sent %d chars, want 300 after halving", got)
	}
}

func TestEmbedBatchRejectsWrongDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/tokenize") {
			json.NewEncoder(w).Encode([][]int{{1}})
			return
		}
		json.NewEncoder(w).Encode([][]float32{{1, 2, 3}})
	}))
	defer srv.Close()

	a := NewEmbeddingAdapter(srv.URL, zerolog.Nop())
	_, err := a.EmbedBatch(context.Background(), []string{"x"}, 1, 100, 100, "test")
	if err == nil || !strings.Contains(err.Error(), "dimension") {
		t.Errorf("expected dimension error, got %v", err)
	}
}

func TestVLLMComplete(t *testing.T) {
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"PERSONAL"}}]}`)
	}))
	defer srv.Close()

	a := NewVLLMAdapter(srv.URL+"/v1", "test-model", zerolog.Nop())
	answer, err := a.Complete(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if answer != "PERSONAL" {
		t.Errorf("answer = %q", answer)
	}
	if gotReq["model"] != "test-model" {
		t.Errorf("model = %v", gotReq["model"])
	}
	if gotReq["max_tokens"] != float64(classifyMaxAnswerTokens) {
		t.Errorf("max_tokens = %v", gotReq["max_tokens"])
	}
	if gotReq["seed"] != float64(classifySeed) {
		t.Errorf("seed = %v", gotReq["seed"])
	}
	if _, ok := gotReq["temperature"]; !ok {
		t.Error("temperature missing from request")
	}
}

func TestVLLMTokenCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tokenize" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"count":7,"tokens":[1,2,3,4,5,6,7]}`)
	}))
	defer srv.Close()

	a := NewVLLMAdapter(srv.URL+"/v1", "test-model", zerolog.Nop())
	n, err := a.TokenCount(context.Background(), "whatever")
	if err != nil {
		t.Fatalf("TokenCount: %v", err)
	}
	if n != 7 {
		t.Errorf("tokens = %d", n)
	}
}

func TestParseEntitiesShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bare list", `[{"start":0,"end":4,"label":"PERSON"}]`, 1},
		{"entities wrapper", `{"entities":[{"start":0,"end":4,"label":"GPE"}]}`, 1},
		{"ents wrapper", `{"ents":[{"start_char":2,"end_char":9,"label_":"ORG"}]}`, 1},
		{"extractions wrapper", `{"extractions":[{"first_index":1,"last_index":3,"type":"loc"}]}`, 1},
		{"invalid span dropped", `[{"start":5,"end":5,"label":"PERSON"}]`, 0},
		{"empty list", `[]`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEntities(json.RawMessage(tt.body))
			if err != nil {
				t.Fatalf("parseEntities: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("got %d entities: %+v", len(got), got)
			}
			if tt.want == 1 && got[0].Label != strings.ToUpper(got[0].Label) {
				t.Errorf("label not upper-cased: %q", got[0].Label)
			}
		})
	}
}

func TestNEREntitiesEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["lang"] != "en" {
			t.Errorf("lang = %q", req["lang"])
		}
		fmt.Fprint(w, `{"entities":[{"start":0,"end":5,"label":"person"}]}`)
	}))
	defer srv.Close()

	a := NewNERAdapter(srv.URL, zerolog.Nop())
	got, err := a.Entities(context.Background(), "Alice went home", "en")
	if err != nil {
		t.Fatalf("Entities: %v", err)
	}
	if len(got) != 1 || got[0].Label != "PERSON" || got[0].End != 5 {
		t.Errorf("entities = %+v", got)
	}
}

func TestLangdetect(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"predictions wrapper", `{"predictions":[{"language":"fr","confidence":0.98}]}`, "fr"},
		{"predictions low confidence", `{"predictions":[{"language":"de","confidence":0.2}]}`, "en"},
		{"empty predictions", `{"predictions":[]}`, "en"},
		{"flat french", `{"language":"fr","confidence":0.98}`, "fr"},
		{"low confidence", `{"language":"de","confidence":0.2}`, "en"},
		{"fasttext label prefix", `{"language":"__label__ko","confidence":0.9}`, "ko"},
		{"score field", `{"lang":"es","score":0.8}`, "es"},
		{"garbage code", `{"language":"1!","confidence":0.9}`, "en"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			a := NewLangdetectAdapter(srv.URL, nil, zerolog.Nop())
			got, err := a.Detect(context.Background(), "bonjour tout le monde")
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if got != tt.want {
				t.Errorf("lang = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLangdetectEmptyTextSkipsCall(t *testing.T) {
	a := NewLangdetectAdapter("http://unused.invalid", nil, zerolog.Nop())
	got, err := a.Detect(context.Background(), "   ")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != "en" {
		t.Errorf("lang = %q", got)
	}
}

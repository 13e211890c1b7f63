package capability

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"transform_worker/pkg/httputil"
)

// =============================================================================
// One-Shot Capability Probe
// =============================================================================
// Discovers the limits of each remote model service and writes them as a
// single JSON blob the transform path loads at startup.

// ProbeConfig holds the service URLs to probe. Empty URLs are skipped and
// reported as unavailable.
type ProbeConfig struct {
	EmbeddingURL          string
	VLLMURL               string
	SpacyAPIURL           string
	FasttextLangdetectURL string
}

// Prober runs the discovery calls.
type Prober struct {
	cfg    ProbeConfig
	client *http.Client
	log    zerolog.Logger
}

// NewProber creates a prober with a short-timeout HTTP client.
func NewProber(cfg ProbeConfig, log zerolog.Logger) *Prober {
	return &Prober{
		cfg:    cfg,
		client: httputil.NewOptimizedClient(httputil.ProbeClientConfig()),
		log:    log,
	}
}

// Run probes every service and assembles the capability set.
func (p *Prober) Run(ctx context.Context) *Set {
	out := &Set{
		Embedding:          p.probeEmbedding(ctx),
		VLLM:               p.probeVLLM(ctx),
		SpacyAPI:           p.probeSpacy(ctx),
		FasttextLangdetect: p.probeFasttext(ctx),
	}
	if out.VLLM.MaxModelLen != nil {
		derived := (*out.VLLM.MaxModelLen * CharsPerToken) / 2
		if derived > 8000 {
			derived = 8000
		}
		out.ClassifyBodyMaxChars = &derived
	}
	return out
}

func (p *Prober) probeEmbedding(ctx context.Context) EmbeddingCaps {
	out := EmbeddingCaps{}
	url := strings.TrimRight(p.cfg.EmbeddingURL, "/")
	if url == "" {
		return out
	}

	// Preferred: TEI /info reports the exact token cap.
	var info struct {
		MaxInputLength *int    `json:"max_input_length"`
		ModelID        *string `json:"model_id"`
	}
	if err := p.getJSON(ctx, url+"/info", &info); err == nil && info.MaxInputLength != nil {
		maxTokens := *info.MaxInputLength
		maxChars := maxTokens * CharsPerToken
		source := "TEI /info"
		out.MaxTokens = &maxTokens
		out.MaxChars = &maxChars
		out.Source = &source
		out.ModelID = info.ModelID
		return out
	} else if err != nil {
		p.log.Debug().Err(err).Msg("embedding /info failed")
	}

	// Fallback: grow an /embed payload until the backend rejects it.
	probeClient := &http.Client{Timeout: 30 * time.Second}
	var maxChars int
	for _, nChars := range []int{500, 1000, 2000, 4000, 8000, 16000} {
		text := strings.Repeat("x ", nChars/2)
		body, _ := json.Marshal(map[string]any{"inputs": text})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/embed", bytes.NewReader(body))
		if err != nil {
			break
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := probeClient.Do(req)
		if err != nil {
			p.log.Debug().Err(err).Msg("embedding probe failed")
			break
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			break
		}
		maxChars = nChars
	}
	if maxChars > 0 {
		maxTokens := maxChars / CharsPerToken
		source := "probe"
		out.MaxChars = &maxChars
		out.MaxTokens = &maxTokens
		out.Source = &source
	}
	return out
}

func (p *Prober) probeVLLM(ctx context.Context) VLLMCaps {
	out := VLLMCaps{}
	base := strings.TrimRight(p.cfg.VLLMURL, "/")
	if base == "" {
		return out
	}

	var data struct {
		MaxModelLen *int `json:"max_model_len"`
		Data        []struct {
			ID            string `json:"id"`
			MaxModelLen   *int   `json:"max_model_len"`
			ContextLength *int   `json:"context_length"`
		} `json:"data"`
	}
	if err := p.getJSON(ctx, base+"/models", &data); err != nil {
		p.log.Debug().Err(err).Msg("vLLM /models failed")
		return out
	}

	var serverMax *int
	var modelID *string
	for _, m := range data.Data {
		if modelID == nil && m.ID != "" {
			id := m.ID
			modelID = &id
		}
		for _, v := range []*int{m.MaxModelLen, m.ContextLength} {
			if v != nil && (serverMax == nil || *v > *serverMax) {
				n := *v
				serverMax = &n
			}
		}
	}
	if data.MaxModelLen != nil && (serverMax == nil || *data.MaxModelLen > *serverMax) {
		n := *data.MaxModelLen
		serverMax = &n
	}
	if serverMax != nil {
		source := "v1/models"
		out.MaxModelLen = serverMax
		out.Source = &source
	}
	out.ModelID = modelID
	return out
}

func (p *Prober) probeSpacy(ctx context.Context) ServiceCaps {
	out := ServiceCaps{}
	url := strings.TrimRight(p.cfg.SpacyAPIURL, "/")
	if url == "" {
		return out
	}
	out.URL = &url

	body, _ := json.Marshal(map[string]string{"text": "Hello world.", "lang": "en"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/ner", bytes.NewReader(body))
	if err != nil {
		msg := err.Error()
		out.Error = &msg
		return out
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		msg := err.Error()
		out.Error = &msg
		return out
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusOK {
		out.Available = true
	} else {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		out.Error = &msg
	}
	return out
}

func (p *Prober) probeFasttext(ctx context.Context) ServiceCaps {
	out := ServiceCaps{}
	url := strings.TrimRight(p.cfg.FasttextLangdetectURL, "/")
	if url == "" {
		return out
	}
	out.URL = &url

	var health struct {
		ModelLoaded bool `json:"model_loaded"`
	}
	if err := p.getJSON(ctx, url+"/health", &health); err != nil {
		msg := err.Error()
		out.Error = &msg
		return out
	}
	out.Available = health.ModelLoaded
	return out
}

func (p *Prober) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httputil.DoWithContext(ctx, p.client, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

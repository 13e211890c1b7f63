// Package classify decides the privacy tier of an email with a
// budget-fitted LLM prompt.
package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"transform_worker/core/domain"
	"transform_worker/core/port/out"
)

// answerReserveTokens is held back from the model context for the reply.
const answerReserveTokens = 150

// outputLabels is rendered into the prompt templates.
const outputLabels = "SENSITIVE, PERSONAL, or PUBLIC"

// Input is one classification request.
type Input struct {
	Body           string
	Subject        string
	Sender         string
	HasAttachments bool
	Labels         []string
}

// Classifier calls the LLM with budget-fitted prompts and parses the tier.
type Classifier struct {
	chat         out.ChatService
	prompts      *Prompts
	maxModelLen  int
	maxBodyChars int
	cache        out.ResultCache
	metrics      *Metrics
	log          zerolog.Logger
}

// NewClassifier wires a classifier. maxBodyChars caps the body preview
// before token fitting; cache may be nil to disable memoization.
func NewClassifier(chat out.ChatService, prompts *Prompts, maxModelLen, maxBodyChars int, cache out.ResultCache, metrics *Metrics, log zerolog.Logger) *Classifier {
	return &Classifier{
		chat:         chat,
		prompts:      prompts,
		maxModelLen:  maxModelLen,
		maxBodyChars: maxBodyChars,
		cache:        cache,
		metrics:      metrics,
		log:          log,
	}
}

// normalizeSender keeps only sender strings that look like an address;
// real-world data often has "unknown" or bare display names.
func normalizeSender(sender string) string {
	s := strings.TrimSpace(sender)
	if s == "" || !strings.Contains(s, "@") {
		return ""
	}
	return strings.ToLower(s)
}

// Classify returns the privacy tier for the input. Errors are tracked in the
// metrics and returned; the caller decides what failing one email means.
func (c *Classifier) Classify(ctx context.Context, in Input) (domain.PrivacyTier, error) {
	start := time.Now()
	tier, err := c.classify(ctx, in)
	c.metrics.TrackCall(time.Since(start), err)
	if err != nil {
		c.log.Error().Err(err).Msg("classification error")
		return 0, err
	}
	c.metrics.TrackTier(tier)
	return tier, nil
}

func (c *Classifier) classify(ctx context.Context, in Input) (domain.PrivacyTier, error) {
	sender := normalizeSender(in.Sender)
	if sender == "" {
		sender = "(unknown)"
	}
	subject := strings.TrimSpace(in.Subject)
	body := strings.TrimSpace(in.Body)
	if c.maxBodyChars > 0 {
		if runes := []rune(body); len(runes) > c.maxBodyChars {
			body = string(runes[:c.maxBodyChars])
		}
	}

	cacheKey := c.cacheKey(sender, subject, body, in.HasAttachments, in.Labels)
	if c.cache != nil {
		if v, ok := c.cache.GetString(ctx, cacheKey); ok {
			if n, err := strconv.Atoi(v); err == nil && domain.PrivacyTier(n).Valid() {
				return domain.PrivacyTier(n), nil
			}
		}
	}

	maxPromptTokens := c.maxModelLen - answerReserveTokens
	if maxPromptTokens < 0 {
		maxPromptTokens = 0
	}

	vars := templateVars{
		Sender:         sender,
		Subject:        subject,
		OutputLabels:   outputLabels,
		HasAttachments: in.HasAttachments,
		Labels:         in.Labels,
	}

	preview := ""
	if body != "" {
		fitted, err := c.fitBodyToBudget(ctx, body, vars, maxPromptTokens)
		if err != nil {
			return 0, err
		}
		preview = fitted
	}
	vars.BodyPreview = preview

	system := renderTemplate(c.prompts.System, vars)
	user := renderTemplate(c.prompts.UserTemplate, vars)

	n, err := c.chat.TokenCount(ctx, system+"\n\n"+user)
	if err != nil {
		return 0, fmt.Errorf("prompt token count failed: %w", err)
	}
	if n > maxPromptTokens {
		return 0, fmt.Errorf("classification prompt exceeds token limit after truncation (%d > %d)", n, maxPromptTokens)
	}

	raw, err := c.chat.Complete(ctx, system, user)
	if err != nil {
		return 0, err
	}
	c.log.Debug().Int("len", len(raw)).Str("response", raw).Msg("classification LLM response")

	tier, err := ParseTier(raw)
	if err != nil {
		return 0, err
	}
	if c.cache != nil {
		c.cache.SetString(ctx, cacheKey, strconv.Itoa(int(tier)))
	}
	return tier, nil
}

// fitBodyToBudget shrinks the body into a head+tail preview until the fully
// rendered prompt fits. Shrinks by 500/200 per round down to a 100/100
// floor, so the loop always terminates.
func (c *Classifier) fitBodyToBudget(ctx context.Context, body string, vars templateVars, maxPromptTokens int) (string, error) {
	promptTokens := func(preview string) (int, error) {
		v := vars
		v.BodyPreview = preview
		system := renderTemplate(c.prompts.System, v)
		user := renderTemplate(c.prompts.UserTemplate, v)
		return c.chat.TokenCount(ctx, system+"\n\n"+user)
	}

	n, err := promptTokens(body)
	if err != nil {
		return "", fmt.Errorf("prompt token count failed: %w", err)
	}
	if n <= maxPromptTokens {
		return body, nil
	}

	runes := []rune(body)
	total := len(runes)
	startLen := total/2 + total/4
	endLen := total / 4
	if startLen+endLen > total {
		startLen = total / 2
		endLen = total - startLen
	}

	for {
		var preview string
		if startLen+endLen >= total {
			preview = body
		} else {
			preview = string(runes[:startLen]) + "\n...\n" + string(runes[total-endLen:])
		}
		n, err := promptTokens(preview)
		if err != nil {
			return "", fmt.Errorf("prompt token count failed: %w", err)
		}
		if n <= maxPromptTokens {
			return preview, nil
		}
		startLen = max(100, startLen-500)
		endLen = max(100, endLen-200)
		if startLen <= 100 && endLen <= 100 {
			if startLen+endLen >= total {
				return body, nil
			}
			return string(runes[:startLen]) + "\n...\n" + string(runes[total-endLen:]), nil
		}
	}
}

func (c *Classifier) cacheKey(sender, subject, body string, hasAttachments bool, labels []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%t\x00%s", sender, subject, body, hasAttachments, strings.Join(labels, ","))
	return "classify:" + hex.EncodeToString(h.Sum(nil))
}

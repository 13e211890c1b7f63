// Package redact produces display-safe text: a PII regex pass, a remote NER
// span pass, and a secret-pattern pass, in that order. Content is destroyed,
// not masked by length.
package redact

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"transform_worker/core/domain"
	"transform_worker/core/port/out"
)

// SnippetPlaceholder replaces snippets of SENSITIVE and PERSONAL emails.
const SnippetPlaceholder = "Content redacted"

// NER labels whose spans are substituted.
var redactLabels = map[string]bool{
	"PERSON": true,
	"GPE":    true,
	"LOC":    true,
	"FAC":    true,
	"ORG":    true,
}

// PII regexes: email, phone, card, SSN, 9-digit ID.
var (
	emailRegex = regexp.MustCompile(`[\w.\-]+@[\w.\-]+\.\w+`)
	phoneRegex = regexp.MustCompile(`\+?\d[\d \-]{8,}\d`)
	cardRegex  = regexp.MustCompile(`\b\d{4}[\s\-]?\d{4}[\s\-]?\d{4}[\s\-]?\d{4}\b`)
	ssnRegex   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	idRegex    = regexp.MustCompile(`\b\d{9}\b`)
)

type secretPattern struct {
	re          *regexp.Regexp
	replacement string
}

// Keys, tokens, SSH blocks, API secrets; order matters (more specific first).
var secretPatterns = []secretPattern{
	{regexp.MustCompile(`(?i)-----BEGIN (?:OPENSSH |RSA |DSA |EC |)PRIVATE KEY-----[\s\S]*?-----END (?:OPENSSH |RSA |DSA |EC |)PRIVATE KEY-----`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-_.~+/]+=*`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)access_token[\s=:]+[\w\-.]+\.[\w\-.]+\.[\w\-]+`), "access_token=[REDACTED]"},
	{regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|api_secret|secret_key|auth[_-]?token)[\s=:]+[\w\-~./+=]+`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)(?:password|passwd|pwd|token)[\s=:]+\S+`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)\b[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}(?:-[A-Z0-9]{4})*\b`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)\b[A-Z0-9]{5}-[A-Z0-9]{5}-[A-Z0-9]{5}-[A-Z0-9]{5}(?:-[A-Z0-9]{5})*\b`), "[REDACTED]"},
	{regexp.MustCompile(`\b[A-Fa-f0-9]{32,}\b`), "[REDACTED]"},
	{regexp.MustCompile(`\b[A-Za-z0-9+/]{20,}={0,2}\b`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)(?:license\s+key|product\s+key|serial\s+number|activation\s+key)[\s:]+[\w\-]+`), "[REDACTED]"},
}

// RedactPII runs the PII regex pass only.
func RedactPII(text string) string {
	if text == "" {
		return ""
	}
	out := emailRegex.ReplaceAllString(text, "[EMAIL]")
	out = phoneRegex.ReplaceAllString(out, "[PHONE]")
	out = cardRegex.ReplaceAllString(out, "[CARD]")
	out = ssnRegex.ReplaceAllString(out, "[SSN]")
	out = idRegex.ReplaceAllString(out, "[ID]")
	return out
}

// RedactSecrets runs the secret-pattern pass only.
func RedactSecrets(text string) string {
	if text == "" {
		return ""
	}
	out := text
	for _, p := range secretPatterns {
		out = p.re.ReplaceAllString(out, p.replacement)
	}
	return out
}

// applyEntitySpans substitutes NER spans in reverse start order so earlier
// offsets stay valid. Span offsets are code points, matching the service.
func applyEntitySpans(text string, entities []out.Entity) string {
	spans := make([]out.Entity, 0, len(entities))
	for _, e := range entities {
		if redactLabels[e.Label] {
			spans = append(spans, e)
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start > spans[j].Start })

	runes := []rune(text)
	for _, e := range spans {
		if e.Start < 0 || e.End > len(runes) || e.Start > e.End {
			continue
		}
		label := e.Label
		if label == "" {
			label = "ENTITY"
		}
		replaced := append([]rune(nil), runes[:e.Start]...)
		replaced = append(replaced, []rune("["+label+"]")...)
		replaced = append(replaced, runes[e.End:]...)
		runes = replaced
	}
	return string(runes)
}

// Redactor combines the local passes with the remote NER service.
type Redactor struct {
	entities out.EntityService
}

// NewRedactor creates a redactor backed by the given NER service.
func NewRedactor(entities out.EntityService) *Redactor {
	return &Redactor{entities: entities}
}

// ForDisplay produces the display-safe form of text: PII regexes, NER spans,
// then secret patterns. A NER failure fails the whole redaction; silently
// skipping it would leak names.
func (r *Redactor) ForDisplay(ctx context.Context, text, lang string) (string, error) {
	if text == "" {
		return "", nil
	}
	if lang == "" {
		lang = "en"
	}
	sanitized := RedactPII(text)

	entities, err := r.entities.Entities(ctx, sanitized, lang)
	if err != nil {
		return "", fmt.Errorf("ner redaction failed: %w", err)
	}
	sanitized = applyEntitySpans(sanitized, entities)

	return RedactSecrets(sanitized), nil
}

// Snippet builds the stored snippet form for a classified email: the fixed
// placeholder for SENSITIVE/PERSONAL, the redacted snippet for PUBLIC, and
// the empty string when there is no raw snippet.
func (r *Redactor) Snippet(ctx context.Context, rawSnippet string, tier domain.PrivacyTier, lang string) (string, error) {
	if tier == domain.TierSensitive || tier == domain.TierPersonal {
		return SnippetPlaceholder, nil
	}
	trimmed := strings.TrimSpace(rawSnippet)
	if trimmed == "" {
		return "", nil
	}
	return r.ForDisplay(ctx, trimmed, lang)
}

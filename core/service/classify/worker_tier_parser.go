package classify

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"transform_worker/core/domain"
)

// ErrTierParse marks an unparseable classification response.
var ErrTierParse = errors.New("could not parse tier from classification response")

var tierOrder = []domain.PrivacyTier{domain.TierSensitive, domain.TierPersonal, domain.TierPublic}

// Prefix variants some models emit instead of the full label.
var tierVariations = []struct {
	variant string
	tier    domain.PrivacyTier
}{
	{"SENS", domain.TierSensitive},
	{"PRIV", domain.TierPersonal},
	{"PERS", domain.TierPersonal},
	{"PUBL", domain.TierPublic},
	{"PUB", domain.TierPublic},
}

// Word-boundary tier match (priority order; avoids "NOT PUBLIC" matching an
// earlier step on arbitrary prose).
var tierWordPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bSENSITIVE\b`),
	regexp.MustCompile(`(?i)\bPERSONAL\b`),
	regexp.MustCompile(`(?i)\bPUBLIC\b`),
}

// Strip <think>/<thinking> blocks, including a trailing unterminated one, so
// only the final answer is parsed.
var thinkPattern = regexp.MustCompile(`(?i)<think>[\s\S]*?</think>|` +
	`<think>[\s\S]*$|` +
	`<(?:think|thinking)\b[^>]*>[\s\S]*?</(?:think|thinking)\s*>|` +
	`<(?:think|thinking)\b[^>]*>[\s\S]*$`)

func stripThinkBlocks(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	out := text
	for {
		prev := out
		out = strings.TrimSpace(thinkPattern.ReplaceAllString(out, ""))
		if out == prev {
			return out
		}
	}
}

func tierFromAnyText(text string) (domain.PrivacyTier, bool) {
	if strings.TrimSpace(text) == "" {
		return 0, false
	}
	upper := strings.ToUpper(strings.TrimSpace(text))
	for i, pattern := range tierWordPatterns {
		if pattern.MatchString(upper) {
			return tierOrder[i], true
		}
	}
	for _, tier := range tierOrder {
		if strings.Contains(upper, tier.String()) {
			return tier, true
		}
	}
	return 0, false
}

// ParseTier extracts the tier label from a raw assistant response.
// Steps, in order: exact match, first token, prefix variants, word-boundary
// match in priority order, substring search in priority order.
func ParseTier(raw string) (domain.PrivacyTier, error) {
	cleaned := strings.ToUpper(stripThinkBlocks(raw))
	if cleaned == "" {
		// Think block swallowed everything; fall back to the raw text.
		if tier, ok := tierFromAnyText(raw); ok {
			return tier, nil
		}
		return 0, fmt.Errorf("%w: response was empty after stripping think blocks", ErrTierParse)
	}

	for _, tier := range tierOrder {
		if cleaned == tier.String() {
			return tier, nil
		}
	}
	if fields := strings.Fields(cleaned); len(fields) > 0 {
		for _, tier := range tierOrder {
			if fields[0] == tier.String() {
				return tier, nil
			}
		}
	}
	for _, v := range tierVariations {
		if strings.Contains(cleaned, v.variant) {
			return v.tier, nil
		}
	}
	for i, pattern := range tierWordPatterns {
		if pattern.MatchString(cleaned) {
			return tierOrder[i], nil
		}
	}
	for _, tier := range tierOrder {
		if strings.Contains(cleaned, tier.String()) {
			return tier, nil
		}
	}

	preview := raw
	if runes := []rune(preview); len(runes) > 100 {
		preview = string(runes[:100]) + "…"
	}
	return 0, fmt.Errorf("%w (expected SENSITIVE, PERSONAL, or PUBLIC); preview: %q", ErrTierParse, preview)
}

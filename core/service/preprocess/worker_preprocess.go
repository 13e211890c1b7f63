// Package preprocess normalises raw email bodies before classification,
// redaction and embedding. Every function here is pure and deterministic.
package preprocess

import (
	"regexp"
	"strings"
	"unicode"
)

// URL path segments that often indicate tracking pixels / click redirects.
const trackingURLKeywords = `track(?:ing)?|open(?:ed)?|pixel|beacon|unsub(?:scribe)?|` +
	`redirect|click|mail(?:track|open)|read.?receipt|` +
	`analytics|trace|log\.(?:open|click)|notify\.(?:open|click)`

var trackingURLRegex = regexp.MustCompile(
	`(?i)https?://[^\s<>"']*(?:` + trackingURLKeywords + `)[^\s<>"']*`,
)

// HTML: tracking pixels (1x1/small img or img with tracking src) and
// script/iframe/object/embed tags. HTML bodies are normalised upstream by the
// fetch worker; these are exported for that collaborator and for tests.
var (
	imgTagRegex      = regexp.MustCompile(`(?is)<img\s[^>]*>`)
	imgSmallRegex    = regexp.MustCompile(`(?i)\b(?:width|height)\s*=\s*["']?1["']?|\b(?:width|height)\s*:\s*1px`)
	imgTrackingRegex = regexp.MustCompile(`(?i)\bsrc\s*=\s*["']?[^"'\s]*(?:` + trackingURLKeywords + `)[^"'\s]*["']?`)
	scriptLikeRegex  = regexp.MustCompile(`(?i)</?(?:script|iframe|object|embed)\b[^>]*>`)
)

// Zero-width and BiDi control characters stripped before the category pass.
const zeroWidthChars = "​‌‍‎‏‪‫‬‭‮⁠⁡⁢⁣\uFEFF"

// Signature / disclaimer delimiters (e.g. "-- ", mobile "Sent from", legal blocks).
var signatureRegex = regexp.MustCompile(`(?is)` +
	`(\n\s*Sent from my (?:iPhone|iPad|Android|Samsung|Galaxy|Pixel)\b.*)|` +
	`(\n\s*Get Outlook for\s+.*)|` +
	`(\n\s*Sent from (?:Mail|Gmail)?\s+for (?:iOS|Android)\s*.*)|` +
	`(\n\s*_{3,}\s*\n\s*From:\s+.*)|` +
	`(\n\s*--\s*\n)|` +
	`(\n\s*_{5,}\s*$)|` +
	`(\n\s*-\s{0,2}$)`)

var disclaimerRegex = regexp.MustCompile(`(?is)` +
	`(\n\s*(?:This\s+)?(?:e-?mail|message|communication)\s+(?:is\s+)?(?:confidential|intended only).*)|` +
	`(\n\s*Disclaimer\s*:.*)|` +
	`(\n\s*CONFIDENTIALITY\s+NOTICE\s*:.*)|` +
	`(\n\s*If you (?:received|have received) this (?:e-?mail|message) in error.*)|` +
	`(\n\s*Please consider the environment before printing.*)|` +
	`(\n\s*\[?PRIVACY\]?.*)`)

// Quoted reply boundaries: "On ... wrote:", "From: ... Sent:", forwards.
var quoteRegex = regexp.MustCompile(`(?is)` +
	`(\n\s*On\s+.+?\s+wrote\s*:\s*\n)|` +
	`(\n\s*_{3,}\s*\n\s*From:\s+)|` +
	`(\n-{3,}\s*Original Message\s*-{3,}\s*\n)|` +
	`(\n\s*_{2,}\s*\n\s*From:\s+)|` +
	`(\n\s*On\s+\d{1,2}/\d{1,2}/\d{2,4}.+?\n)|` +
	`(\n\s*----------\s+Forwarded message\s+----------\s*\n)|` +
	`(\n\s*Begin forwarded message\s*:.*)`)

// StripTrackingPixelsFromHTML removes script-like tags and tracking images
// from an HTML body.
func StripTrackingPixelsFromHTML(html string) string {
	if strings.TrimSpace(html) == "" {
		return html
	}
	text := scriptLikeRegex.ReplaceAllString(html, "")
	return imgTagRegex.ReplaceAllStringFunc(text, func(tag string) string {
		if imgSmallRegex.MatchString(tag) || imgTrackingRegex.MatchString(tag) {
			return ""
		}
		return tag
	})
}

// StripTrackingURLs replaces tracking URLs in plain text with "[LINK]".
func StripTrackingURLs(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	return trackingURLRegex.ReplaceAllString(text, "[LINK]")
}

// StripInvisibleUnicode removes zero-width characters and code points in the
// Cf, Cc, Co, Cs and Cn categories while preserving SP/TAB/LF/CR.
func StripInvisibleUnicode(text string) string {
	if text == "" {
		return text
	}
	for _, c := range zeroWidthChars {
		text = strings.ReplaceAll(text, string(c), "")
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch r {
		case ' ', '\t', '\n', '\r':
			b.WriteRune(r)
			continue
		}
		if unicode.Is(unicode.C, r) || !unicode.IsGraphic(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func stripByFirstMatch(text string, re *regexp.Regexp) string {
	loc := re.FindStringIndex(text)
	if loc == nil {
		return text
	}
	return strings.TrimRight(text[:loc[0]], " \t\n\r")
}

// StripSignaturesAndDisclaimers truncates at the first signature marker,
// then at the first disclaimer marker.
func StripSignaturesAndDisclaimers(body string) string {
	if strings.TrimSpace(body) == "" {
		return body
	}
	text := stripByFirstMatch(body, signatureRegex)
	text = stripByFirstMatch(text, disclaimerRegex)
	return strings.TrimSpace(text)
}

// StripQuotedReplies truncates at the first quoted-reply boundary.
func StripQuotedReplies(body string) string {
	if strings.TrimSpace(body) == "" {
		return body
	}
	loc := quoteRegex.FindStringIndex(body)
	if loc == nil {
		return strings.TrimSpace(body)
	}
	return strings.TrimRight(body[:loc[0]], " \t\n\r")
}

// Body runs the full pipeline used before embedding: invisible unicode,
// tracking URLs, quoted replies, signatures/disclaimers, in that order.
func Body(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	text := strings.TrimSpace(body)
	text = StripInvisibleUnicode(text)
	text = StripTrackingURLs(text)
	text = StripQuotedReplies(text)
	text = StripSignaturesAndDisclaimers(text)
	return strings.TrimSpace(text)
}

package preprocess

import (
	"strings"
	"testing"
)

func TestStripTrackingURLs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"tracking pixel url",
			"see https://mail.example.com/track/open/abc123 for details",
			"see [LINK] for details",
		},
		{
			"unsubscribe link",
			"click https://news.example.com/unsubscribe?u=1",
			"click [LINK]",
		},
		{
			"plain url kept",
			"docs at https://example.com/manual.pdf",
			"docs at https://example.com/manual.pdf",
		},
		{"no urls", "hello there", "hello there"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripTrackingURLs(tt.in); got != tt.want {
				t.Errorf("StripTrackingURLs(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripTrackingPixelsFromHTML(t *testing.T) {
	in := `<p>hi</p><img width="1" height="1" src="https://t.example.com/p.gif"><script>evil()</script><img src="https://example.com/logo.png" alt="logo">`
	got := StripTrackingPixelsFromHTML(in)
	if strings.Contains(got, "script") {
		t.Errorf("script tag survived: %q", got)
	}
	if strings.Contains(got, "p.gif") {
		t.Errorf("tracking pixel survived: %q", got)
	}
	if !strings.Contains(got, "logo.png") {
		t.Errorf("content image removed: %q", got)
	}
}

func TestStripInvisibleUnicode(t *testing.T) {
	in := "he​llo‍ wor⁠ld­"
	got := StripInvisibleUnicode(in)
	if got != "hello world" {
		t.Errorf("StripInvisibleUnicode = %q", got)
	}

	// SP, TAB, LF and CR survive the control-category pass.
	kept := "a b\tc\nd\re"
	if got := StripInvisibleUnicode(kept); got != kept {
		t.Errorf("whitespace stripped: %q", got)
	}
}

func TestStripSignaturesAndDisclaimers(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"dash dash signature",
			"real content\n-- \nAlice\nACME Corp",
			"real content",
		},
		{
			"sent from iphone",
			"meet at noon\nSent from my iPhone",
			"meet at noon",
		},
		{
			"confidentiality disclaimer",
			"quarterly numbers attached\nThis email is confidential and intended only for the addressee.",
			"quarterly numbers attached",
		},
		{
			"no marker",
			"just a normal message",
			"just a normal message",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripSignaturesAndDisclaimers(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripQuotedReplies(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"on wrote",
			"thanks, works for me\nOn Mon, Jan 2, 2026 at 9:00 AM Bob <bob@example.com> wrote:\n> original text",
			"thanks, works for me",
		},
		{
			"original message divider",
			"see below\n----- Original Message -----\nFrom: Bob",
			"see below",
		},
		{
			"forwarded message",
			"fyi\n---------- Forwarded message ----------\nFrom: Carol",
			"fyi",
		},
		{
			"no quote",
			"standalone message",
			"standalone message",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripQuotedReplies(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBody(t *testing.T) {
	in := "  lunch to​morrow? https://x.example.com/click/abc\n" +
		"On Tue Bob wrote:\n> old\n-- \nsig"
	got := Body(in)
	if got != "lunch tomorrow? [LINK]" {
		t.Errorf("Body = %q", got)
	}

	if got := Body("   \n\t "); got != "" {
		t.Errorf("Body(blank) = %q, want empty", got)
	}
}

package sanitize

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// ansiEscape matches CSI and OSC escape sequences.
	ansiEscape = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

	reEmphasis   = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__|\*(.+?)\*|~~(.+?)~~`)
	reInlineCode = regexp.MustCompile("`(.+?)`")

	htmlPolicy = bluemonday.StrictPolicy()
)

// Terminal removes escape sequences and control characters other than tab
// so that s cannot move the cursor or restyle the terminal. Nothing else
// changes.
func Terminal(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r != '\t' && unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Title turns a markdown table cell, such as the link text of a spec name,
// into plain text for display: HTML tags, emphasis and code markers are
// dropped and the result is cut to maxLen runes.
func Title(s string, maxLen int) string {
	s = reInlineCode.ReplaceAllString(s, "$1")
	s = reEmphasis.ReplaceAllString(s, "$1$2$3$4")
	s = html.UnescapeString(htmlPolicy.Sanitize(s))
	s = strings.TrimSpace(strings.ReplaceAll(Terminal(s), "\t", " "))
	if r := []rune(s); len(r) > maxLen {
		s = strings.TrimSpace(string(r[:maxLen]))
	}
	return s
}

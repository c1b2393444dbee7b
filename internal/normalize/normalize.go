// Package normalize performs deterministic text cleanup ahead of masking.
//
// Text is pure, total and idempotent: Text(Text(s)) == Text(s). It only
// touches whitespace (zero-width characters are dropped), punctuation spacing
// and the case of sentence starts;
// words are never added or removed.
package normalize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	zeroWidth        = regexp.MustCompile(`[\x{200B}-\x{200D}\x{2060}\x{FEFF}]`)
	horizontalRun    = regexp.MustCompile(`[ \t\f\v\x{00A0}\x{2007}\x{202F}]+`)
	spaceBeforePunct = regexp.MustCompile(` +([,.;:!?])`)
	missingSpace     = regexp.MustCompile(`([,;])(\p{L})`)
	blankLines       = regexp.MustCompile(`\n{3,}`)
	sentenceStart    = regexp.MustCompile(`([.!?]\s+)(\p{Ll})`)
)

// Text normalizes s.
func Text(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = zeroWidth.ReplaceAllString(s, "")

	s = horizontalRun.ReplaceAllString(s, " ")
	s = spaceBeforePunct.ReplaceAllString(s, "$1")
	s = missingSpace.ReplaceAllString(s, "$1 $2")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	return capitalize(s)
}

// capitalize upper-cases the first letter of s and of every sentence start.
func capitalize(s string) string {
	s = sentenceStart.ReplaceAllStringFunc(s, upperLast)
	r, size := utf8.DecodeRuneInString(s)
	if unicode.IsLower(r) {
		return string(unicode.ToUpper(r)) + s[size:]
	}
	return s
}

// upperLast upper-cases the final rune of a sentenceStart match.
func upperLast(m string) string {
	r, size := utf8.DecodeLastRuneInString(m)
	return m[:len(m)-size] + string(unicode.ToUpper(r))
}

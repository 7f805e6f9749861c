// Package textnorm turns free-text answers into comparable token sequences.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stopWords holds English and Vietnamese function words, already accent-free.
var stopWords = toSet(
	// English
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for", "from",
	"has", "have", "in", "into", "is", "it", "its", "of", "on", "or", "that",
	"the", "their", "then", "there", "these", "this", "to", "was", "were",
	"will", "with",
	// Vietnamese
	"va", "la", "cua", "co", "cac", "nhung", "mot", "cho", "voi", "trong",
	"duoc", "thi", "nay", "khi", "ma", "nhu", "cung", "se", "da", "dang",
	"tai", "vi", "nen", "hay", "hoac", "ve", "tu", "boi",
)

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// Normalize lower-cases text, strips diacritics and punctuation, splits on
// whitespace and drops stop words. Empty input yields an empty slice.
func Normalize(text string) []string {
	if strings.TrimSpace(text) == "" {
		return []string{}
	}

	folded := foldAccents(strings.ToLower(text))

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}

	fields := strings.Fields(b.String())
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if IsStopWord(f) {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// Joined normalizes text and joins the tokens with single spaces.
func Joined(text string) string {
	return strings.Join(Normalize(text), " ")
}

// IsStopWord reports whether an already-normalized token is a stop word.
func IsStopWord(token string) bool {
	_, ok := stopWords[token]
	return ok
}

// foldAccents decomposes to NFD and removes combining marks.
// The Vietnamese đ has no decomposition and is mapped by hand.
func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case 'đ', 'Đ':
			return 'd'
		}
		return r
	}, out)
}

package search

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases (full case folding) and strips diacritics from s.
func Normalize(s string) string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	return cases.Fold().String(folded)
}

// Tokenize returns the sorted, de-duplicated token set of text. Anything that
// is not a letter or a digit separates tokens.
func Tokenize(text string) []string {
	words := splitWords(Normalize(text))
	if len(words) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// NoteTokens is the token set indexed for a note.
func NoteTokens(title, body string) []string {
	return Tokenize(title + "\n" + body)
}

// QueryTokens normalizes caller-supplied query terms the same way notes are.
func QueryTokens(terms []string) []string {
	return Tokenize(strings.Join(terms, " "))
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

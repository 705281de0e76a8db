package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	lowerCaser = cases.Lower(language.Und)
	// foldTransform decomposes characters and strips combining marks so
	// accented input matches its ASCII form.
	foldTransform = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// FoldKeyword normalises a search term: lowercased, diacritics stripped,
// surrounding whitespace removed.
func FoldKeyword(value string) string {
	folded, _, err := transform.String(foldTransform, strings.TrimSpace(value))
	if err != nil {
		folded = strings.TrimSpace(value)
	}
	return lowerCaser.String(folded)
}

// Keywords splits free text into unique folded tokens suitable for
// prefix-free containment search. Tokens shorter than two runes are dropped.
func Keywords(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		token := FoldKeyword(field)
		if len([]rune(token)) < 2 {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

package main

import (
	"strings"

	"github.com/rivo/uniseg"
)

// slugify converts a prompt into the `{prompt_slug}` component of the
// output filename convention (spec.md §6), grapheme-cluster aware so
// multi-byte emoji/accented text in a prompt truncates cleanly rather than
// splitting a rune in half.
func slugify(prompt string, maxGraphemes int) string {
	var b strings.Builder
	count := 0
	gr := uniseg.NewGraphemes(prompt)
	for gr.Next() && count < maxGraphemes {
		r := gr.Runes()
		switch {
		case len(r) == 1 && (isAlnum(r[0])):
			b.WriteRune(toLower(r[0]))
		case len(r) == 1 && r[0] == ' ':
			b.WriteByte('-')
		default:
			continue // drop punctuation/symbols/non-ASCII graphemes from the filename
		}
		count++
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "prompt"
	}
	return slug
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

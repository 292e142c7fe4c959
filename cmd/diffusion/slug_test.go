package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify_BasicPrompt(t *testing.T) {
	assert.Equal(t, "a-cat-in-a-hat", slugify("a cat in a hat", 40))
}

func TestSlugify_DropsPunctuation(t *testing.T) {
	assert.Equal(t, "hello-world", slugify("Hello, World!", 40))
}

func TestSlugify_TruncatesToMaxGraphemes(t *testing.T) {
	got := slugify("abcdefghij", 5)
	assert.Equal(t, "abcde", got)
}

func TestSlugify_EmptyResultFallsBack(t *testing.T) {
	assert.Equal(t, "prompt", slugify("!!!???", 40))
}

func TestSlugify_MultibyteGraphemeClusterDoesNotPanic(t *testing.T) {
	// A rocket emoji is a multi-byte (single-rune) grapheme; it should be
	// dropped cleanly rather than leaving a partial byte sequence behind.
	got := slugify("rocket ship \U0001F680 launch", 40)
	assert.True(t, strings.HasPrefix(got, "rocket-ship"))
	assert.True(t, strings.HasSuffix(got, "launch"))
}

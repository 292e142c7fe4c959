package diffusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHiddenStateCache_MissThenHit(t *testing.T) {
	var c hiddenStateCache
	_, _, ok := c.lookup("a prompt", "")
	assert.False(t, ok)

	text := flatTensor(1)
	negative := flatTensor(2)
	c.store("a prompt", "", text, negative)

	gotText, gotNegative, ok := c.lookup("a prompt", "")
	assert.True(t, ok)
	assert.Same(t, text, gotText)
	assert.Same(t, negative, gotNegative)
}

func TestHiddenStateCache_SingleSlotEvictsOnPromptChange(t *testing.T) {
	var c hiddenStateCache
	c.store("first", "neg", flatTensor(1), flatTensor(2))

	_, _, ok := c.lookup("second", "neg")
	assert.False(t, ok, "a different prompt must miss, not return the stale slot")

	_, _, ok = c.lookup("first", "different negative")
	assert.False(t, ok, "a different negative prompt must also miss")
}

package diffusion

import "sync"

// hiddenStateCache is a single-slot cache keyed on (prompt, negativePrompt),
// not a general map: spec.md §4.7 requires that encoding only happens again
// when either prompt string changes across consecutive GenerateImages calls
// on the same Pipeline, and that a stale slot never masks a new prompt pair.
// This is deliberately distinct from the TTL/size-bounded patrickmn/go-cache
// used in resources.go for guernika.json metadata, which tolerates eviction
// and staleness the hidden-state cache cannot.
type hiddenStateCache struct {
	mu sync.Mutex

	valid          bool
	prompt         string
	negativePrompt string
	text           *Tensor
	negative       *Tensor
}

// lookup returns the cached (text, negative) embeddings when prompt and
// negativePrompt match the last cached pair exactly, and ok=false otherwise.
func (c *hiddenStateCache) lookup(prompt, negativePrompt string) (text, negative *Tensor, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || c.prompt != prompt || c.negativePrompt != negativePrompt {
		return nil, nil, false
	}
	return c.text, c.negative, true
}

// store replaces the single cached slot, evicting whatever was cached for a
// different (prompt, negativePrompt) pair.
func (c *hiddenStateCache) store(prompt, negativePrompt string, text, negative *Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = true
	c.prompt = prompt
	c.negativePrompt = negativePrompt
	c.text = text
	c.negative = negative
}

package main

import (
	"fmt"

	progressbar "github.com/schollz/progressbar/v2"
)

// newStepProgress renders a terminal progress bar across stepCount denoise
// steps and returns a GenerateImages-compatible callback. saveEvery, when
// positive, invokes onSave with the step index every saveEvery steps so the
// caller can write intermediate latents to disk.
func newStepProgress(stepCount, saveEvery int, onSave func(step int)) func(step int) bool {
	bar := progressbar.New(stepCount)
	return func(step int) bool {
		_ = bar.Add(1)
		if saveEvery > 0 && (step+1)%saveEvery == 0 && onSave != nil {
			onSave(step)
		}
		return true
	}
}

// finishProgress prints a trailing newline so the next log line doesn't land on the
// bar's final frame.
func finishProgress() {
	fmt.Println()
}

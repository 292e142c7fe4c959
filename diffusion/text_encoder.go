package diffusion

import (
	"context"
	"fmt"

	onnx "github.com/yalue/onnxruntime_go"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/bpe"
	"github.com/sugarme/tokenizer/pretokenizer"
)

// TextEncoder tokenizes and embeds a prompt. The tokenizer itself (a
// byte-pair encoder) is the "opaque callable" spec.md §1 treats as an
// external collaborator; this wraps sugarme/tokenizer's BPE model built
// directly from the resource directory's vocab.json/merges.txt, since a
// runnable repository needs a concrete tokenizer and the library's BPE
// algorithm is used unmodified.
type TextEncoder struct {
	model       *ManagedModel
	tok         *tokenizer.Tokenizer
	seqLength   int
	outputNames []string
	outputIndex int // index of "last_hidden_state", or 0
}

const defaultSequenceLength = 77

// NewTextEncoder builds the tokenizer from vocab.json/merges.txt and wires
// a ManagedModel around TextEncoder.<ext>.
func NewTextEncoder(backend *Backend, dir *ResourceDirectory, artifactName string, seqLength int) (*TextEncoder, error) {
	vocabPath, err := dir.VocabPath()
	if err != nil {
		return nil, err
	}
	mergesPath, err := dir.MergesPath()
	if err != nil {
		return nil, err
	}

	bpeModel, err := bpe.NewBpeFromFiles(vocabPath, mergesPath)
	if err != nil {
		return nil, fmt.Errorf("%w: build BPE model: %w", ErrTokenizationFailed, err)
	}
	tok := tokenizer.NewTokenizer(bpeModel)
	tok.WithPreTokenizer(pretokenizer.NewByteLevel())

	if seqLength <= 0 {
		seqLength = defaultSequenceLength
	}

	artifactPath, err := dir.ArtifactPath(artifactName)
	if err != nil {
		return nil, err
	}

	te := &TextEncoder{tok: tok, seqLength: seqLength}
	te.model = newManagedModel("TextEncoder", backend, func(b *Backend) (onnxSession, error) {
		inInfos, outInfos, err := onnx.GetInputOutputInfo(artifactPath)
		if err != nil {
			return nil, err
		}
		inputNames := namesOf(inInfos)
		te.outputNames = namesOf(outInfos)
		te.outputIndex = preferredOutputIndex(te.outputNames, "last_hidden_state")
		return b.newSession(artifactPath, inputNames, te.outputNames)
	})
	return te, nil
}

// Unload releases the underlying session so reduceMemory mode can keep at
// most one model resident (spec.md §8 invariant 8).
func (te *TextEncoder) Unload() { te.model.Unload() }

func namesOf(infos []onnx.InputOutputInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

func preferredOutputIndex(names []string, preferred string) int {
	for i, n := range names {
		if n == preferred {
			return i
		}
	}
	return 0
}

// Encode tokenizes text, pads/truncates silently to the declared sequence
// length, and returns the [1, L, E] embedding read from "last_hidden_state"
// (or the first output if unnamed).
func (te *TextEncoder) Encode(ctx context.Context, text string) (*Tensor, error) {
	ids, err := te.tokenize(text)
	if err != nil {
		return nil, err
	}

	idsTensor, err := onnx.NewTensor(onnx.NewShape(1, int64(len(ids))), ids)
	if err != nil {
		return nil, fmt.Errorf("%w: build input tensor: %w", ErrTokenizationFailed, err)
	}
	defer idsTensor.Destroy()

	var result *Tensor
	err = te.model.Perform(ctx, func(sess onnxSession) error {
		inputs := []onnx.Value{idsTensor}
		outputs := make([]onnx.Value, len(te.outputNames))
		if err := sess.Run(inputs, outputs); err != nil {
			return err
		}
		for i, v := range outputs {
			if v == nil {
				continue
			}
			if i == te.outputIndex {
				t, ok := v.(*onnx.Tensor[float32])
				if !ok {
					v.Destroy()
					return fmt.Errorf("%w: TextEncoder output %q is not float32", ErrShapeMismatch, te.outputNames[i])
				}
				result = &Tensor{Shape: t.GetShape(), Data: append([]float32(nil), t.GetData()...)}
			}
			v.Destroy()
		}
		if result == nil {
			return ErrShapeMismatch
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// tokenize converts text into model-declared-length ids, padding with id 0
// and truncating silently beyond the
// limit — per spec.md §4.2, "the truncated prefix is what embeds".
func (te *TextEncoder) tokenize(text string) ([]int64, error) {
	enc, err := te.tok.EncodeSingle(text, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenizationFailed, err)
	}
	ids := make([]int64, te.seqLength)
	for i := 0; i < te.seqLength; i++ {
		if i < len(enc.Ids) {
			ids[i] = int64(enc.Ids[i])
		}
	}
	return ids, nil
}

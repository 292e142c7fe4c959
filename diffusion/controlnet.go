package diffusion

import (
	"context"
	"fmt"
	"image"

	onnx "github.com/yalue/onnxruntime_go"
)

const controlNetDownBlockCount = 12

// ControlNetResiduals is the pair of auxiliary tensors injected into the
// U-Net's down and mid blocks (spec.md §4.6).
type ControlNetResiduals struct {
	Down [controlNetDownBlockCount]*Tensor
	Mid  *Tensor
}

// scale multiplies every residual elementwise by conditioningScale,
// applied once after a predict call per spec.md §4.6.
func (r *ControlNetResiduals) scale(factor float32) {
	if factor == 1.0 {
		return
	}
	for _, d := range r.Down {
		for i := range d.Data {
			d.Data[i] *= factor
		}
	}
	for i := range r.Mid.Data {
		r.Mid.Data[i] *= factor
	}
}

// ControlNet predicts residual tensors conditioned on a control image. It
// returns nil residuals when no conditioning image has been assigned — the
// U-Net then supplies zero tensors for its residual inputs itself (spec.md §4.5).
type ControlNet struct {
	model             *ManagedModel
	inputNames        []string
	downNames         [controlNetDownBlockCount]string
	midName           string
	conditioningScale float32

	conditioning *Tensor // nil until SetConditioningImage is called
}

// NewControlNet wires a ManagedModel around a ControlNet artifact.
// downResidualNames/midResidualName name the model's declared residual
// outputs in U-Net injection order.
func NewControlNet(backend *Backend, artifactPath string, downResidualNames [controlNetDownBlockCount]string, midResidualName string) (*ControlNet, error) {
	c := &ControlNet{
		downNames:         downResidualNames,
		midName:           midResidualName,
		conditioningScale: 1.0,
	}
	c.model = newManagedModel("ControlNet", backend, func(b *Backend) (onnxSession, error) {
		inInfos, outInfos, err := onnx.GetInputOutputInfo(artifactPath)
		if err != nil {
			return nil, err
		}
		c.inputNames = namesOf(inInfos)
		return b.newSession(artifactPath, c.inputNames, namesOf(outInfos))
	})
	return c, nil
}

// SetConditioningScale overrides the default 1.0 elementwise residual scale.
func (c *ControlNet) SetConditioningScale(scale float32) { c.conditioningScale = scale }

// SetConditioningImage preprocesses the control image once: resize to
// size, normalize to [0,1], then duplicate along the batch axis to match
// the classifier-free-guidance batch width (per spec.md §9's "specified
// behavior follows the CFG-aware path"). Passing a nil image clears
// conditioning, restoring the "no ControlNet active" behavior.
func (c *ControlNet) SetConditioningImage(img image.Image, size int, cfgBatch int) {
	if img == nil {
		c.conditioning = nil
		return
	}
	single := ImageToTensor(img, size, 0.0, 1.0)
	batch := make([]*Tensor, cfgBatch)
	for i := range batch {
		batch[i] = single
	}
	dup, err := concatBatch(batch...)
	if err != nil {
		// cfgBatch <= 0 is a caller bug; fall back to the unduplicated tensor.
		c.conditioning = single
		return
	}
	c.conditioning = dup
}

// Active reports whether a conditioning image has been assigned.
func (c *ControlNet) Active() bool { return c.conditioning != nil }

// Unload releases the underlying session (spec.md §8 invariant 8).
func (c *ControlNet) Unload() { c.model.Unload() }

// PredictResiduals runs the ControlNet over the current per-step latents,
// returning nil when Active() is false.
func (c *ControlNet) PredictResiduals(ctx context.Context, latents *Tensor, timestep int64, hiddenStates *Tensor) (*ControlNetResiduals, error) {
	if c.conditioning == nil {
		return nil, nil
	}

	latentsIn, err := onnx.NewTensor(onnx.NewShape(latents.Shape...), latents.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: ControlNet latents: %w", ErrShapeMismatch, err)
	}
	defer latentsIn.Destroy()

	hiddenIn, err := onnx.NewTensor(onnx.NewShape(hiddenStates.Shape...), hiddenStates.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: ControlNet hidden states: %w", ErrShapeMismatch, err)
	}
	defer hiddenIn.Destroy()

	condIn, err := onnx.NewTensor(onnx.NewShape(c.conditioning.Shape...), c.conditioning.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: ControlNet conditioning image: %w", ErrShapeMismatch, err)
	}
	defer condIn.Destroy()

	batch := latents.Shape[0]
	tsData := make([]int64, batch)
	for i := range tsData {
		tsData[i] = timestep
	}
	tsIn, err := onnx.NewTensor(onnx.NewShape(batch), tsData)
	if err != nil {
		return nil, fmt.Errorf("%w: ControlNet timestep: %w", ErrShapeMismatch, err)
	}
	defer tsIn.Destroy()

	var residuals *ControlNetResiduals
	err = c.model.Perform(ctx, func(sess onnxSession) error {
		named := map[string]onnx.Value{
			"sample":               latentsIn,
			"timestep":             tsIn,
			"encoder_hidden_states": hiddenIn,
			"controlnet_cond":      condIn,
		}
		inputs := make([]onnx.Value, len(c.inputNames))
		for i, name := range c.inputNames {
			v, ok := named[name]
			if !ok {
				return fmt.Errorf("%w: ControlNet unexpected input %q", ErrShapeMismatch, name)
			}
			inputs[i] = v
		}

		allNames := append(append([]string{}, c.downNames[:]...), c.midName)
		outputs := make([]onnx.Value, len(allNames))
		if err := sess.Run(inputs, outputs); err != nil {
			return err
		}
		defer func() {
			for _, v := range outputs {
				if v != nil {
					v.Destroy()
				}
			}
		}()

		r := &ControlNetResiduals{}
		for i := 0; i < controlNetDownBlockCount; i++ {
			t, ok := outputs[i].(*onnx.Tensor[float32])
			if !ok {
				return fmt.Errorf("%w: ControlNet down-block output %d not float32", ErrShapeMismatch, i)
			}
			r.Down[i] = &Tensor{Shape: t.GetShape(), Data: append([]float32(nil), t.GetData()...)}
		}
		midT, ok := outputs[controlNetDownBlockCount].(*onnx.Tensor[float32])
		if !ok {
			return fmt.Errorf("%w: ControlNet mid-block output not float32", ErrShapeMismatch)
		}
		r.Mid = &Tensor{Shape: midT.GetShape(), Data: append([]float32(nil), midT.GetData()...)}
		residuals = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	residuals.scale(c.conditioningScale)
	return residuals, nil
}

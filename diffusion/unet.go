package diffusion

import (
	"context"
	"fmt"

	onnx "github.com/yalue/onnxruntime_go"
	"github.com/sirupsen/logrus"
)

// unetStage wraps one ONNX artifact making up a (possibly chunked) U-Net.
type unetStage struct {
	model       *ManagedModel
	inputNames  []string
	outputNames []string
	inputInfo   map[string]onnx.InputOutputInfo
}

// UNet predicts the noise residual for one timestep, optionally fused with
// ControlNet residuals, and is polymorphic over {single, chunked}
// artifacts per spec.md §9 ("capability variants over inheritance" — a
// tagged record, not a subclass hierarchy).
type UNet struct {
	stage1, stage2 *unetStage // stage2 is nil for a single-artifact U-Net

	canInpaint          bool
	takesInstructions   bool
	supportsControlNet  bool
	latentChannels      int64
}

// NewUNet prefers a chunked pair (UnetChunk1+UnetChunk2) over a single
// Unet.* artifact when both are present, per spec.md §8 scenario S6.
func NewUNet(backend *Backend, dir *ResourceDirectory, ext string) (*UNet, error) {
	if dir.HasArtifact("UnetChunk1."+ext) && dir.HasArtifact("UnetChunk2."+ext) {
		return newChunkedUNet(backend, dir, ext)
	}
	return newSingleUNet(backend, dir, ext)
}

func newSingleUNet(backend *Backend, dir *ResourceDirectory, ext string) (*UNet, error) {
	path, err := dir.ArtifactPath("Unet." + ext)
	if err != nil {
		return nil, err
	}
	stage, err := buildUNetStage(backend, "UNet", path)
	if err != nil {
		return nil, err
	}
	u := &UNet{stage1: stage}
	u.deriveCapabilities(stage)
	return u, nil
}

func newChunkedUNet(backend *Backend, dir *ResourceDirectory, ext string) (*UNet, error) {
	path1, err := dir.ArtifactPath("UnetChunk1." + ext)
	if err != nil {
		return nil, err
	}
	path2, err := dir.ArtifactPath("UnetChunk2." + ext)
	if err != nil {
		return nil, err
	}
	stage1, err := buildUNetStage(backend, "UNetChunk1", path1)
	if err != nil {
		return nil, err
	}
	stage2, err := buildUNetStage(backend, "UNetChunk2", path2)
	if err != nil {
		return nil, err
	}
	u := &UNet{stage1: stage1, stage2: stage2}
	// Capabilities (channel count, residual support, instruct batch) are
	// declared on the first stage, which owns the "sample"/"timestep"
	// primary inputs; the second stage only consumes stage-1 outputs plus
	// a slice of the same primaries.
	u.deriveCapabilities(stage1)
	return u, nil
}

func buildUNetStage(backend *Backend, label, path string) (*unetStage, error) {
	inInfos, outInfos, err := onnx.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrShapeMismatch, label, err)
	}
	info := make(map[string]onnx.InputOutputInfo, len(inInfos))
	for _, in := range inInfos {
		info[in.Name] = in
	}
	s := &unetStage{
		inputNames:  namesOf(inInfos),
		outputNames: namesOf(outInfos),
		inputInfo:   info,
	}
	s.model = newManagedModel(label, backend, func(b *Backend) (onnxSession, error) {
		return b.newSession(path, s.inputNames, s.outputNames)
	})
	return s, nil
}

func (u *UNet) deriveCapabilities(s *unetStage) {
	if sample, ok := s.inputInfo["sample"]; ok && len(sample.Dimensions) == 4 {
		u.latentChannels = sample.Dimensions[1]
		u.canInpaint = u.latentChannels == 9
	}
	if ts, ok := s.inputInfo["timestep"]; ok && len(ts.Dimensions) >= 1 {
		u.takesInstructions = ts.Dimensions[0] == 3
	}
	_, u.supportsControlNet = s.inputInfo["mid_block_res_sample"]
}

// CanInpaint, TakesInstructions and SupportsControlNet expose the
// capability record computed once at construction.
func (u *UNet) CanInpaint() bool          { return u.canInpaint }
func (u *UNet) TakesInstructions() bool   { return u.takesInstructions }
func (u *UNet) SupportsControlNet() bool  { return u.supportsControlNet }
func (u *UNet) LatentChannels() int64     { return u.latentChannels }

// Unload releases both stages' sessions, if present (spec.md §8 invariant 8).
func (u *UNet) Unload() {
	u.stage1.model.Unload()
	if u.stage2 != nil {
		u.stage2.model.Unload()
	}
}

// PredictNoise runs one denoising step. branchLatents holds the 2 or
// 3-way classifier-free-guidance batch already assembled per branch
// (negative/text, or text/image/negative for instruct); they are
// concatenated along the batch axis before the model call, matching
// spec.md §4.5's "timestep is broadcast to shape [B] where B=2 or 3".
// residuals may be nil; in that case, if the loaded U-Net declares
// ControlNet inputs, zero tensors of the declared residual shapes are
// supplied automatically (spec.md §4.5).
func (u *UNet) PredictNoise(ctx context.Context, branchLatents []*Tensor, timestep int64, hiddenStates *Tensor, residuals *ControlNetResiduals) (*Tensor, error) {
	batched, err := concatBatch(branchLatents...)
	if err != nil {
		return nil, err
	}
	batch := int64(len(branchLatents))

	primary, err := u.buildPrimaryInputs(batched, batch, timestep, hiddenStates, residuals, u.stage1)
	if err != nil {
		return nil, err
	}

	out1, err := u.runStage(ctx, u.stage1, primary)
	if err != nil {
		return nil, err
	}

	if u.stage2 == nil {
		return pickOutput(out1, u.stage1.outputNames, "out_sample")
	}

	// Merge stage-1 outputs into the input dictionary fed to stage 2. Per
	// spec.md §9's open question, a name collision resolves in favor of
	// the stage-1 *output* value; we additionally log so an unexpected
	// collision (one the expected chunk pair should never produce) is
	// visible rather than silently masked.
	merged := make(map[string]*Tensor, len(primary)+len(out1))
	for k, v := range primary {
		merged[k] = v
	}
	for k, v := range out1 {
		if _, collides := merged[k]; collides {
			logrus.WithField("input", k).Warn("UNetChunk2 input collides with UNetChunk1 output; using chunk1 output")
		}
		merged[k] = v
	}

	out2, err := u.runStage(ctx, u.stage2, merged)
	if err != nil {
		return nil, err
	}
	return pickOutput(out2, u.stage2.outputNames, "out_sample")
}

func (u *UNet) buildPrimaryInputs(batched *Tensor, batch, timestep int64, hiddenStates *Tensor, residuals *ControlNetResiduals, s *unetStage) (map[string]*Tensor, error) {
	ts := NewTensor([]int64{batch})
	for i := range ts.Data {
		ts.Data[i] = float32(timestep)
	}

	inputs := map[string]*Tensor{
		"sample":                batched,
		"timestep":              ts,
		"encoder_hidden_states": hiddenStates,
	}

	if u.supportsControlNet {
		if residuals == nil {
			residuals = u.zeroResiduals(s, batch)
		}
		for i, d := range residuals.Down {
			inputs[fmt.Sprintf("down_block_res_samples_%d", i)] = d
		}
		inputs["mid_block_res_sample"] = residuals.Mid
	}
	return inputs, nil
}

// zeroResiduals builds zero tensors matching the declared residual input
// shapes, used when the loaded U-Net declares ControlNet inputs but no
// ControlNet is active (spec.md §4.5).
func (u *UNet) zeroResiduals(s *unetStage, batch int64) *ControlNetResiduals {
	r := &ControlNetResiduals{}
	for i := 0; i < controlNetDownBlockCount; i++ {
		name := fmt.Sprintf("down_block_res_samples_%d", i)
		if info, ok := s.inputInfo[name]; ok {
			r.Down[i] = NewTensor(info.Dimensions)
		} else {
			r.Down[i] = NewTensor([]int64{batch, 0, 0, 0})
		}
	}
	if info, ok := s.inputInfo["mid_block_res_sample"]; ok {
		r.Mid = NewTensor(info.Dimensions)
	} else {
		r.Mid = NewTensor([]int64{batch, 0, 0, 0})
	}
	return r
}

func (u *UNet) runStage(ctx context.Context, s *unetStage, named map[string]*Tensor) (map[string]*Tensor, error) {
	onnxInputs := make([]onnx.Value, len(s.inputNames))
	var cleanup []onnx.Value
	for i, name := range s.inputNames {
		t, ok := named[name]
		if !ok {
			for _, v := range cleanup {
				v.Destroy()
			}
			return nil, fmt.Errorf("%w: %s: missing input %q", ErrShapeMismatch, s.model.name, name)
		}
		v, err := onnx.NewTensor(onnx.NewShape(t.Shape...), t.Data)
		if err != nil {
			for _, v2 := range cleanup {
				v2.Destroy()
			}
			return nil, fmt.Errorf("%w: %s: input %q: %w", ErrShapeMismatch, s.model.name, name, err)
		}
		onnxInputs[i] = v
		cleanup = append(cleanup, v)
	}
	defer func() {
		for _, v := range cleanup {
			v.Destroy()
		}
	}()

	result := make(map[string]*Tensor, len(s.outputNames))
	err := s.model.Perform(ctx, func(sess onnxSession) error {
		outputs := make([]onnx.Value, len(s.outputNames))
		if err := sess.Run(onnxInputs, outputs); err != nil {
			return err
		}
		for i, v := range outputs {
			if v == nil {
				continue
			}
			t, ok := v.(*onnx.Tensor[float32])
			if !ok {
				v.Destroy()
				return fmt.Errorf("output %q is not float32", s.outputNames[i])
			}
			result[s.outputNames[i]] = &Tensor{Shape: t.GetShape(), Data: append([]float32(nil), t.GetData()...)}
			v.Destroy()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func pickOutput(named map[string]*Tensor, names []string, preferred string) (*Tensor, error) {
	if t, ok := named[preferred]; ok {
		return t, nil
	}
	for _, n := range names {
		if t, ok := named[n]; ok {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: no usable U-Net output found", ErrShapeMismatch)
}

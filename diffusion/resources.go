package diffusion

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// AttentionImplementation is one of the two CoreML/ONNX conversion
// strategies named in guernika.json metadata.
type AttentionImplementation string

const (
	AttentionOriginal    AttentionImplementation = "ORIGINAL"
	AttentionSplitEinsum AttentionImplementation = "SPLIT_EINSUM"
	attentionUnknown     AttentionImplementation = "unknown"
)

// ModelFunction is the guernika.json "function" field.
type ModelFunction string

const (
	FunctionStandard     ModelFunction = "standard"
	FunctionInpaint      ModelFunction = "inpaint"
	FunctionInstructions ModelFunction = "instructions"
	functionUnknown      ModelFunction = "unknown"
)

// ModelMetadata is one artifact's guernika.json sidecar. Unknown string
// values decode to the "unknown" sentinel rather than failing — the
// directory format is allowed to evolve without breaking old cores.
type ModelMetadata struct {
	Identifier             string                   `json:"identifier"`
	ConverterVersion        string                   `json:"converter_version"`
	AttentionImplementation AttentionImplementation  `json:"attention_implementation"`
	Width                   int                      `json:"width"`
	Height                  int                      `json:"height"`
	ControlNetSupport       bool                     `json:"controlnet_support"`
	Function                ModelFunction            `json:"function"`
	HiddenSize              int                      `json:"hidden_size"`
}

func (a *AttentionImplementation) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch AttentionImplementation(s) {
	case AttentionOriginal, AttentionSplitEinsum:
		*a = AttentionImplementation(s)
	default:
		*a = attentionUnknown
	}
	return nil
}

func (f *ModelFunction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch ModelFunction(s) {
	case FunctionStandard, FunctionInpaint, FunctionInstructions:
		*f = ModelFunction(s)
	default:
		*f = functionUnknown
	}
	return nil
}

// ResourceDirectory locates and memoizes the artifacts and metadata for one
// model directory (spec.md §6). Parsed guernika.json documents are cached
// per base artifact name with a short TTL: within one process these files never
// change underneath a running pipeline, so this is purely an allocation/IO
// saving, never an invariant the rest of the core depends on.
type ResourceDirectory struct {
	path string
	meta *cache.Cache
}

// NewResourceDirectory validates that dir exists and wires up metadata
// memoization. It does not check for required artifacts; each model
// constructor does that through ArtifactPath.
func NewResourceDirectory(dir string) (*ResourceDirectory, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: resource directory %q", ErrResourceMissing, dir)
	}
	return &ResourceDirectory{
		path: dir,
		meta: cache.New(10*time.Minute, time.Minute),
	}, nil
}

func (r *ResourceDirectory) path_(name string) string {
	return filepath.Join(r.path, name)
}

// HasArtifact reports whether a named artifact file exists under the
// directory (e.g. "Unet.onnx", "UnetChunk1.onnx").
func (r *ResourceDirectory) HasArtifact(name string) bool {
	_, err := os.Stat(r.path_(name))
	return err == nil
}

// ArtifactPath returns the absolute path of a named artifact, requiring it
// to exist.
func (r *ResourceDirectory) ArtifactPath(name string) (string, error) {
	p := r.path_(name)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("%w: %s", ErrResourceMissing, name)
	}
	return p, nil
}

// Metadata loads and memoizes guernika.json for a given base artifact name
// (e.g. "Unet" -> "Unet.guernika.json"). Returns (nil, nil) when the
// sidecar is absent — metadata is optional, capability detection falls
// back to model introspection in that case.
func (r *ResourceDirectory) Metadata(baseName string) (*ModelMetadata, error) {
	key := baseName
	if v, ok := r.meta.Get(key); ok {
		return v.(*ModelMetadata), nil
	}

	p := r.path_(baseName + ".guernika.json")
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("diffusion: read %s: %w", p, err)
	}

	var m ModelMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("diffusion: parse %s: %w", p, err)
	}
	r.meta.Set(key, &m, cache.DefaultExpiration)
	return &m, nil
}

// VocabPath and MergesPath return the tokenizer asset paths, required for
// TextEncoder construction.
func (r *ResourceDirectory) VocabPath() (string, error)  { return r.ArtifactPath("vocab.json") }
func (r *ResourceDirectory) MergesPath() (string, error) { return r.ArtifactPath("merges.txt") }

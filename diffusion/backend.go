package diffusion

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	onnx "github.com/yalue/onnxruntime_go"
)

// ComputeUnits mirrors the CLI's --compute-units choice (spec.md §6) and is
// the one piece of "informational" CLI surface this core actually wires: it
// picks which ONNX Runtime execution providers Backend configures.
type ComputeUnits string

const (
	ComputeUnitsAll               ComputeUnits = "all"
	ComputeUnitsCPUOnly           ComputeUnits = "cpuOnly"
	ComputeUnitsCPUAndGPU         ComputeUnits = "cpuAndGPU"
	ComputeUnitsCPUAndNeuralEngine ComputeUnits = "cpuAndNeuralEngine"
)

// BackendOptions configures the shared inference backend.
type BackendOptions struct {
	ComputeUnits ComputeUnits
	NumThreads   int
}

// Backend owns the ONNX Runtime environment shared by every ManagedModel in
// a Pipeline. One Backend per process; sessions it creates are otherwise
// independent of each other.
type Backend struct {
	opts BackendOptions
}

// NewBackend ensures the ONNX Runtime shared library is available and
// initializes the runtime environment once per process.
func NewBackend(opts BackendOptions) (*Backend, error) {
	if _, err := ensureONNXRuntimeSharedLib(); err != nil {
		return nil, fmt.Errorf("diffusion: locate onnxruntime shared library: %w", err)
	}
	if !onnx.IsInitialized() {
		if err := onnx.InitializeEnvironment(onnx.WithLogLevelWarning()); err != nil {
			return nil, fmt.Errorf("diffusion: initialize onnxruntime: %w", err)
		}
	}
	return &Backend{opts: opts}, nil
}

// newSession creates a session for one artifact with the given declared
// input/output names, configured for the backend's compute-units choice.
func (b *Backend) newSession(path string, inputNames, outputNames []string) (*onnx.DynamicAdvancedSession, error) {
	sessionOptions, err := onnx.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("new session options: %w", err)
	}
	defer sessionOptions.Destroy()

	if b.opts.NumThreads > 0 {
		if err := sessionOptions.SetIntraOpNumThreads(b.opts.NumThreads); err != nil {
			return nil, fmt.Errorf("set thread count: %w", err)
		}
	}
	if err := configureExecutionProviders(sessionOptions, b.opts.ComputeUnits); err != nil {
		return nil, fmt.Errorf("configure compute units: %w", err)
	}

	return onnx.NewDynamicAdvancedSession(path, inputNames, outputNames, sessionOptions)
}

// configureExecutionProviders appends the execution providers implied by
// units. Empty and "cpuOnly" leave CPU-only defaults in place; "all" and
// "cpuAndGPU" try the CUDA provider and "cpuAndNeuralEngine" tries CoreML.
// These are best effort: a provider that cannot be appended is skipped
// without an error and the session runs on CPU. An unrecognized value is
// an error.
func configureExecutionProviders(so *onnx.SessionOptions, units ComputeUnits) error {
	switch units {
	case "", ComputeUnitsCPUOnly:
		return nil
	case ComputeUnitsAll, ComputeUnitsCPUAndGPU:
		if err := so.AppendExecutionProviderCUDA(); err != nil {
			// Best effort: a CPU-only onnxruntime build simply won't have CUDA.
			return nil
		}
		return nil
	case ComputeUnitsCPUAndNeuralEngine:
		if err := so.AppendExecutionProviderCoreML(0); err != nil {
			return nil
		}
		return nil
	default:
		return fmt.Errorf("unknown compute units %q", units)
	}
}

// ensureONNXRuntimeSharedLib locates an onnxruntime shared library already
// present on the machine. This core's resource model assumes artifacts are
// staged locally rather than fetched at startup (see resources.go), and the
// runtime itself is no exception — no download/extract path here.
func ensureONNXRuntimeSharedLib() (string, error) {
	if path := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); path != "" {
		if !fileExists(path) {
			return "", fmt.Errorf("ONNXRUNTIME_SHARED_LIBRARY_PATH=%s does not exist", path)
		}
		onnx.SetSharedLibraryPath(path)
		return path, nil
	}

	names, err := sharedLibNamesFor(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", err
	}
	dirs := candidateLibDirs()
	for _, dir := range dirs {
		for _, name := range names {
			path := filepath.Join(dir, name)
			if fileExists(path) {
				onnx.SetSharedLibraryPath(path)
				return path, nil
			}
		}
	}
	return "", fmt.Errorf(
		"onnxruntime shared library (%s) not found in %s; set ONNXRUNTIME_SHARED_LIBRARY_PATH or place it in one of those directories",
		strings.Join(names, " or "), strings.Join(dirs, ", "),
	)
}

// sharedLibNamesFor returns the conventional shared-library filename for
// one platform; onnxruntime ships a single .so/.dylib/.dll per release.
func sharedLibNamesFor(goos, goarch string) ([]string, error) {
	switch goos {
	case "linux":
		return []string{"libonnxruntime.so"}, nil
	case "darwin":
		return []string{"libonnxruntime.dylib"}, nil
	case "windows":
		return []string{"onnxruntime.dll"}, nil
	default:
		return nil, fmt.Errorf("unsupported platform: %s/%s; set ONNXRUNTIME_SHARED_LIBRARY_PATH manually", goos, goarch)
	}
}

// candidateLibDirs is the short list of conventional locations an operator
// would place the shared library, or a package manager would install it to.
func candidateLibDirs() []string {
	dirs := []string{".", filepath.Join(".onnxruntime", "lib"), "/usr/local/lib", "/usr/lib"}
	switch runtime.GOOS {
	case "darwin":
		dirs = append(dirs, "/opt/homebrew/lib")
	case "linux":
		dirs = append(dirs, "/usr/lib/x86_64-linux-gnu", "/usr/lib/aarch64-linux-gnu")
	}
	return dirs
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingYamlFallsBackToDefaults(t *testing.T) {
	d, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults{StepCount: 50, GuidanceScale: 7.5, Scheduler: "PLMS", ComputeUnits: "all"}, d)
}

func TestLoad_EmptyPathSkipsFileRead(t *testing.T) {
	d, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 50, d.StepCount)
}

func TestLoad_YamlOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diffusion.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stepCount: 30\nscheduler: DPMpp\n"), 0o644))

	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, d.StepCount)
	assert.Equal(t, "DPMpp", d.Scheduler)
	assert.Equal(t, 7.5, d.GuidanceScale, "fields absent from the file keep their default")
}

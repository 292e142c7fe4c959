// Package config loads ambient defaults for the CLI: a .env.local file for
// secrets/paths and an optional diffusion.yaml for generation defaults,
// mirroring the teacher's .env.local loading in its own main.go.
package config

import (
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults holds generation parameters a diffusion.yaml file may override.
type Defaults struct {
	StepCount     int     `yaml:"stepCount"`
	GuidanceScale float64 `yaml:"guidanceScale"`
	Scheduler     string  `yaml:"scheduler"`
	ComputeUnits  string  `yaml:"computeUnits"`
}

// Load reads .env.local (if present, ignored otherwise) and an optional
// YAML defaults file, returning Defaults populated with hardcoded fallbacks
// where the file is absent or silent on a field.
func Load(yamlPath string) (Defaults, error) {
	_ = godotenv.Load(".env.local")

	d := Defaults{
		StepCount:     50,
		GuidanceScale: 7.5,
		Scheduler:     "PLMS",
		ComputeUnits:  "all",
	}
	if yamlPath == "" {
		return d, nil
	}
	data, err := os.ReadFile(yamlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return d, err
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, err
	}
	return d, nil
}

package main

import (
	"context"
	"fmt"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/scriptmaster/diffusion_pipeline_go/diffusion"
	"github.com/scriptmaster/diffusion_pipeline_go/internal/config"
)

var (
	resourcePath       string
	controlNetPath     string
	imageCount         int
	stepCount          int
	guidanceScale      float64
	strength           float64
	hasStrength        bool
	imageGuidanceScale float64
	hasImageGuidance   bool
	negativePrompt     string
	initImagePath      string
	inpaintMaskPath    string
	saveEvery          int
	outputPath         string
	seed               int64
	computeUnits       string
	schedulerName      string
	disableSafety      bool
	reduceMemory       bool
)

var rootCmd = &cobra.Command{
	Use:   "diffusion [prompt]",
	Short: "Run a Stable-Diffusion-family latent diffusion pipeline on-device",
	Args:  cobra.ExactArgs(1),
	Run:   runGenerate,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&resourcePath, "resource-path", "", "directory containing the exported ONNX artifacts (required)")
	flags.StringVar(&controlNetPath, "controlnet-path", "", "optional path to a ControlNet artifact")
	flags.IntVar(&imageCount, "image-count", 1, "number of images to generate")
	flags.IntVar(&stepCount, "step-count", 0, "denoising step count (0 uses the configured default)")
	flags.Float64Var(&guidanceScale, "guidance-scale", 0, "classifier-free guidance scale (0 uses the configured default)")
	flags.Float64Var(&strength, "strength", 0, "image-to-image noise strength in [0,1], requires --init-image")
	flags.Float64Var(&imageGuidanceScale, "image-guidance-scale", 0, "instruct-pix2pix image guidance scale, requires --init-image")
	flags.StringVar(&negativePrompt, "negative-prompt", "", "negative prompt")
	flags.StringVar(&initImagePath, "init-image", "", "path to an initial image for image-to-image or inpainting")
	flags.StringVar(&inpaintMaskPath, "inpaint-mask", "", "path to an inpainting mask, requires --init-image")
	flags.IntVar(&saveEvery, "save-every", 0, "log an intermediate-save request every N steps (0 disables); no intermediate image is written")
	flags.StringVar(&outputPath, "output-path", ".", "directory to write output PNGs into")
	flags.Int64Var(&seed, "seed", 0, "RNG seed (0 picks a random seed)")
	flags.StringVar(&computeUnits, "compute-units", "all", "execution provider selection: all, cpuOnly, cpuAndGPU, cpuAndNeuralEngine")
	flags.StringVar(&schedulerName, "scheduler", "", "sampler: PLMS or DPMpp (empty uses the configured default)")
	flags.BoolVar(&disableSafety, "disable-safety", false, "skip the safety checker even if the artifact is present")
	flags.BoolVar(&reduceMemory, "reduce-memory", false, "keep at most one model resident at a time")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

func runGenerate(cmd *cobra.Command, args []string) {
	prompt := args[0]

	defaults, err := config.Load("diffusion.yaml")
	if err != nil {
		logrus.WithError(err).Fatal("loading configuration defaults")
	}
	if stepCount == 0 {
		stepCount = defaults.StepCount
	}
	if guidanceScale == 0 {
		guidanceScale = defaults.GuidanceScale
	}
	if schedulerName == "" {
		schedulerName = defaults.Scheduler
	}
	if !cmd.Flags().Changed("compute-units") {
		computeUnits = defaults.ComputeUnits
	}

	hasStrength = cmd.Flags().Changed("strength")
	hasImageGuidance = cmd.Flags().Changed("image-guidance-scale")

	if seed == 0 {
		seed = rand.New(rand.NewSource(time.Now().UnixNano())).Int63()
	}

	pipeline, err := diffusion.NewPipeline(diffusion.PipelineConfig{
		ResourcePath:   resourcePath,
		ReduceMemory:   reduceMemory,
		Backend:        diffusion.BackendOptions{ComputeUnits: diffusion.ComputeUnits(computeUnits)},
		ControlNetPath: controlNetPath,
	})
	if err != nil {
		logrus.WithError(err).Fatal("initializing pipeline")
	}

	input, err := buildSampleInput(prompt)
	if err != nil {
		logrus.WithError(err).Fatal("building sample input")
	}

	printRunSummary(prompt, input)

	slug := slugify(prompt, 40)
	onSave := func(step int) {
		logrus.WithField("step", step).Debug("intermediate save requested")
	}
	progress := newStepProgress(stepCount, saveEvery, onSave)

	images, err := pipeline.GenerateImages(context.Background(), input, imageCount, disableSafety, progress)
	finishProgress()
	if err != nil {
		logrus.WithError(err).Fatal("generating images")
	}
	if images == nil {
		colorstring.Println("[yellow]generation cancelled before completion[reset]")
		return
	}

	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		logrus.WithError(err).Fatal("creating output directory")
	}
	for i, img := range images {
		name := fmt.Sprintf("%s.%d.%d.final.png", slug, seed, i)
		if !img.Safe {
			colorstring.Printf("[red]image %d rejected by safety checker, skipping[reset]\n", i)
			continue
		}
		if err := writePNG(filepath.Join(outputPath, name), img); err != nil {
			logrus.WithError(err).Fatal("writing output image")
		}
		colorstring.Printf("[green]wrote %s[reset]\n", name)
	}
}

func writePNG(path string, img diffusion.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img.Picture)
}

func printRunSummary(prompt string, input *diffusion.SampleInput) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"setting", "value"})
	table.Append([]string{"prompt", prompt})
	table.Append([]string{"negative prompt", input.NegativePrompt})
	table.Append([]string{"scheduler", string(input.Scheduler)})
	table.Append([]string{"step count", fmt.Sprintf("%d", input.StepCount)})
	table.Append([]string{"guidance scale", fmt.Sprintf("%.2f", input.GuidanceScale)})
	table.Append([]string{"image count", fmt.Sprintf("%d", imageCount)})
	table.Append([]string{"seed", fmt.Sprintf("%d", seed)})
	table.Append([]string{"compute units", computeUnits})
	table.Render()
}

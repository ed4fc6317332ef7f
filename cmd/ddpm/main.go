// Command ddpm trains a denoising diffusion model on Fashion-MNIST and
// samples images from it.
//
// Typical usage, training a model and keeping checkpoints and samples under
// the data directory:
//
//	ddpm --data=~/work/fashion_mnist --checkpoint=base
//
// And sampling new images from the trained model:
//
//	ddpm --data=~/work/fashion_mnist --checkpoint=base --samples=64
//
// Hyperparameters are set with --set, e.g. --set="loss_type=l2;train_steps=10000".
package main

import (
	"flag"
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"

	"github.com/gomlx/ddpm"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/fashion_mnist", "Directory to cache the downloaded dataset, checkpoints and generated samples.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagSamples    = flag.Int("samples", 0, "If set no training happens: instead this many images are sampled from the model and written as a PNG grid to --samples_output.")
	flagSamplesOut = flag.String("samples_output", "samples.png", "File to write the PNG grid of the images sampled with --samples.")
)

var (
	backend = backends.MustNew()
)

func main() {
	ctx := ddpm.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))
	config := ddpm.NewConfig(backend, ctx, *flagDataDir, paramsSet)
	err := exceptions.TryCatch[error](func() {
		if *flagSamples > 0 {
			sampleImages(config)
		} else {
			ddpm.TrainModel(config, *flagCheckpoint, *flagEval, *flagVerbosity)
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// sampleImages generates --samples images with the model loaded from
// --checkpoint and writes them as a PNG grid to --samples_output.
func sampleImages(config *ddpm.Config) {
	if *flagCheckpoint == "" {
		klog.Exitf("Sampling with --samples requires a trained model, set --checkpoint.")
	}
	config.AttachCheckpoint(*flagCheckpoint)
	images := config.SampleImages(*flagSamples)
	perRow := int(math.Ceil(math.Sqrt(float64(len(images)))))
	check(ddpm.SaveImagesGrid(*flagSamplesOut, images, perRow))
	fmt.Printf("Wrote %d generated images to %s\n", len(images), *flagSamplesOut)
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}

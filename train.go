package ddpm

import (
	"fmt"
	"math"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	stdplots "github.com/gomlx/gomlx/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// NoiseSamplesFile is the name of the file, inside the checkpoint directory,
	// holding the fixed noise used to monitor training. See
	// Config.AttachCheckpoint.
	NoiseSamplesFile = "noise_samples.tensor"

	// GeneratedSamplesPrefix prefixes the files with the batches of images
	// generated at each milestone, written to Config.ResultsDir and named after
	// the global step at which they were taken. PlotModelEvolution reads them
	// back.
	GeneratedSamplesPrefix = "generated_samples_"

	// SampleGridPrefix prefixes the PNG grid files written at each milestone to
	// Config.ResultsDir, named after the milestone number.
	SampleGridPrefix = "sample-"
)

// TrainModel with the given config -- it includes the context with the
// hyperparameters.
//
// If checkpointPath is not empty the model is loaded from it (if it exists)
// and saved back to it periodically and at the end of training. Without a
// checkpoint the trained model is discarded, but sample grids are still
// written to Config.ResultsDir at every milestone.
func TrainModel(config *Config, checkpointPath string, evaluateOnEnd bool, verbosity int) {
	ctx := config.Context
	backend := config.Backend

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Checkpoints saving.
	checkpoint, samplesNoise := config.AttachCheckpoint(checkpointPath)
	if samplesNoise == nil {
		// No checkpoint directory to keep the monitoring noise in, so it is
		// created fresh for this session.
		samplesNoise = config.GenerateNoise(
			context.GetParamOr(ctx, "samples_during_training", 16))
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if context.GetParamOr(ctx, "rng_reset", true) {
		// Reset RNG with some pseudo-random value.
		ctx.ResetRNGState()
	}
	if verbosity >= 1 && len(config.ParamsSet) > 0 {
		// Report hyperparameters overridden on the command line.
		fmt.Printf("Settings overridden:\n%s\n",
			commandline.SprintModifiedContextSettings(ctx, config.ParamsSet))
	}

	// Create datasets used for training and evaluation.
	trainDS, validationDS := config.CreateInMemoryDatasets()
	trainEvalDS := trainDS.Copy()
	trainDS.Shuffle().Infinite(true).BatchSize(config.BatchSize, true)
	trainEvalDS.BatchSize(config.EvalBatchSize, false)
	validationDS.BatchSize(config.EvalBatchSize, false)

	// Custom loss: the model returns the scalar loss as the second element of
	// its predictions.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }

	// Metrics: mean absolute errors of the denoised images and of the predicted
	// noise, independent of the configured loss.
	imagesMAEMetricFn := func(ctx *context.Context, labels, predictions []*Node) *Node {
		return predictions[2]
	}
	noiseMAEMetricFn := func(ctx *context.Context, labels, predictions []*Node) *Node {
		return predictions[3]
	}
	pprintMetricFn := func(t *tensors.Tensor) string {
		return fmt.Sprintf("%.3f", t.Value())
	}
	movingImagesMAE := metrics.NewExponentialMovingAverageMetric(
		"Moving Images MAE", "~img_mae", "images_mae", imagesMAEMetricFn, pprintMetricFn, 0.01)
	meanImagesMAE := metrics.NewMeanMetric(
		"Images MAE", "img_mae", "images_mae", imagesMAEMetricFn, pprintMetricFn)
	movingNoiseMAE := metrics.NewExponentialMovingAverageMetric(
		"Moving Noise MAE", "~noise_mae", "noise_mae", noiseMAEMetricFn, pprintMetricFn, 0.01)
	meanNoiseMAE := metrics.NewMeanMetric(
		"Noise MAE", "noise_mae", "noise_mae", noiseMAEMetricFn, pprintMetricFn)

	// Create a train.Trainer: this object will orchestrate running the model,
	// feeding results to the optimizer, evaluating the metrics, etc. (all
	// happens in trainer.TrainStep)
	trainer := train.NewTrainer(
		backend, ctx, config.TrainingModelGraph(), customLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingImagesMAE, movingNoiseMAE}, // trainMetrics
		[]metrics.Interface{meanImagesMAE, meanNoiseMAE})     // evalMetrics
	if config.NanLogger != nil {
		trainer.OnExecCreation(func(exec *context.Exec, _ train.GraphType) {
			config.NanLogger.AttachToExec(exec)
		})
	}

	// Use a standard training loop.
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoint saving at every "checkpoint_frequency" of training time.
	if checkpoint != nil {
		period := must.M1(
			time.ParseDuration(context.GetParamOr(ctx, "checkpoint_frequency", "90s")))
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: the points generated are saved along the checkpoint
	// directory (if one is given).
	var plotter *plotly.PlotConfig
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		plotter = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, validationDS)
	}

	// Generate samples from the fixed noise every "sample_frequency" steps, to
	// monitor the training.
	generator := NewImagesGenerator(config, samplesNoise)
	evalDatasets := []train.Dataset{trainEvalDS, validationDS}
	sampleFrequency := context.GetParamOr(ctx, "sample_frequency", 1000)
	if sampleFrequency > 0 {
		train.EveryNSteps(loop, sampleFrequency, "milestone samples", 0,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return TrainingMonitor(config, loop, metrics, plotter, evalDatasets, generator)
			})
	}

	// Loop for the given number of steps.
	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		fmt.Printf("Restarting training from global_step=%d\n", globalStep)
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_, err := loop.RunSteps(trainDS, numTrainSteps-globalStep)
		if err != nil {
			if checkpoint != nil && loop.LoopStep > loop.StartStep {
				klog.Infof("Debug checkpoint save before crashing at loop step %d", loop.LoopStep)
				errSave := checkpoint.Save()
				if errSave != nil {
					klog.Errorf("Error while saving checkpoint before crashing: %+v", errSave)
				}
			}
			klog.Fatalf("Error during training: %+v", err)
		}
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
			fmt.Printf("\tModel: %s parameters, %s\n",
				humanize.Comma(int64(ctx.NumParameters())), humanize.Bytes(uint64(ctx.Memory())))
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	// Finally, print an evaluation on the train and validation datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, trainEvalDS, validationDS))
	}
}

// TrainingMonitor is called at every milestone during training: it saves a
// checkpoint, updates the plotter with train and eval metrics, and exports
// images generated from the fixed monitoring noise. See ExportMilestoneSamples.
func TrainingMonitor(config *Config, loop *train.Loop, metrics []*tensors.Tensor,
	plotter *plotly.PlotConfig, evalDatasets []train.Dataset, generator *ImagesGenerator) error {
	if config.Checkpoint != nil {
		if err := config.Checkpoint.Save(); err != nil {
			return err
		}
		// Backup so this milestone's checkpoint doesn't get automatically collected.
		if err := config.Checkpoint.Backup(); err != nil {
			return err
		}
	}
	if plotter != nil {
		err := stdplots.AddTrainAndEvalMetrics(plotter, loop, metrics, evalDatasets, nil)
		if err != nil {
			return err
		}
	}
	return ExportMilestoneSamples(config, generator, loop.LoopStep)
}

// ExportMilestoneSamples generates images from the generator's fixed noise and
// writes them under Config.ResultsDir: a PNG grid named after the milestone
// number (the global step divided by "sample_frequency") and the raw batch
// named after the global step, which PlotModelEvolution reads back.
func ExportMilestoneSamples(config *Config, generator *ImagesGenerator, globalStep int) error {
	resultsDir := config.ResultsDir()
	batch := generator.Generate()
	tensorPath := path.Join(resultsDir,
		fmt.Sprintf("%s%07d.tensor", GeneratedSamplesPrefix, globalStep))
	if err := batch.Save(tensorPath); err != nil {
		return errors.WithMessagef(err, "failed to save generated samples to %q", tensorPath)
	}

	sampleFrequency := context.GetParamOr(config.Context, "sample_frequency", 1000)
	milestone := globalStep
	if sampleFrequency > 0 {
		milestone = globalStep / sampleFrequency
	}
	images := TensorToImages(batch)
	perRow := int(math.Ceil(math.Sqrt(float64(len(images)))))
	gridPath := path.Join(resultsDir, fmt.Sprintf("%s%07d.png", SampleGridPrefix, milestone))
	return SaveImagesGrid(gridPath, images, perRow)
}

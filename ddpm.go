// Package ddpm implements a Denoising Diffusion Probabilistic Model (DDPM) that
// learns to generate Fashion-MNIST images, following "Denoising Diffusion
// Probabilistic Models" (Ho et al. 2020, https://arxiv.org/abs/2006.11239).
//
// The forward process mixes training images with gaussian noise over a fixed
// number of steps (see NoiseSchedule and QSample); a U-Net is trained to predict
// the noise present at each step (see UNetModelGraph and TrainingModelGraph); and
// sampling runs the learned reverse process step by step, from pure noise back to
// an image (see ImagesGenerator).
//
// The subdirectory cmd/ddpm has the command line binary for training and
// sampling. Hyperparameters are set in the context, see CreateDefaultContext for
// the defaults and their meaning.
package ddpm

import (
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"

	"github.com/gomlx/ddpm/fashionmnist"
)

// Config holds a configuration for the diffusion model and its data: it is used
// by most of the model building, training and sampling functions.
// See NewConfig.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually, at the root scope.

	// DataDir is where the dataset is downloaded, and models are saved.
	DataDir string

	// ParamsSet are hyperparameters overridden, that should not be loaded from
	// the checkpoint (see commandline.ParseContextSettings).
	ParamsSet []string

	// Schedule of noise for the forward and reverse diffusion processes.
	Schedule *NoiseSchedule

	DType                               dtypes.DType
	ImageSize, BatchSize, EvalBatchSize int

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler

	// NanLogger is enabled by setting the hyperparameter "nan_logger=true".
	NanLogger *nanlogger.NanLogger
}

// NewConfig creates a configuration from the hyperparameters in ctx.
//
// paramsSet are hyperparameters overridden, that should not be loaded from the
// checkpoint (see commandline.ParseContextSettings).
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) *Config {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	dtype := must.M1(dtypes.DTypeString(
		context.GetParamOr(ctx, "dtype", "float32")))
	cfg := &Config{
		Backend:       backend,
		Context:       ctx,
		DataDir:       dataDir,
		ParamsSet:     paramsSet,
		Schedule:      ScheduleFromContext(ctx),
		DType:         dtype,
		ImageSize:     fashionmnist.Width,
		BatchSize:     context.GetParamOr(ctx, "batch_size", 128),
		EvalBatchSize: context.GetParamOr(ctx, "eval_batch_size", 256),
	}
	if context.GetParamOr(ctx, "nan_logger", false) {
		cfg.NanLogger = nanlogger.New()
	}
	return cfg
}

// AttachCheckpoint attaches a checkpoint directory to the Config: variables and
// hyperparameters are immediately loaded from it if it is non-empty, and the
// returned handler saves back to it. If checkpointPath is not absolute, it is
// taken relative to Config.DataDir.
//
// It also returns the fixed noise samples used to monitor training: images
// generated from them are saved at each milestone, so one can observe the model
// quality evolving. They are created (and saved for future sessions) the first
// time a model directory is used.
//
// If checkpointPath is empty, no checkpoint is attached and both results are nil.
func (c *Config) AttachCheckpoint(checkpointPath string) (checkpoint *checkpoints.Handler, samplesNoise *tensors.Tensor) {
	if checkpointPath == "" {
		return
	}
	ctx := c.Context
	numCheckpoints := context.GetParamOr(ctx, "num_checkpoints", 3)
	excluded := append(append([]string(nil), ParamsExcludedFromLoading...), c.ParamsSet...)
	checkpoint = must.M1(checkpoints.Build(ctx).
		DirFromBase(checkpointPath, c.DataDir).
		Keep(numCheckpoints).
		ExcludeParams(excluded...).
		Done())
	c.Checkpoint = checkpoint

	// Re-read hyperparameters that the checkpoint may have overwritten.
	c.Schedule = ScheduleFromContext(ctx)
	c.DType = must.M1(dtypes.DTypeString(
		context.GetParamOr(ctx, "dtype", "float32")))

	// Load the fixed noise samples, or create them for a new model.
	noisePath := path.Join(checkpoint.Dir(), NoiseSamplesFile)
	var err error
	samplesNoise, err = tensors.Load(noisePath)
	if err == nil {
		return
	}
	if !errors.Is(err, os.ErrNotExist) {
		panic(errors.WithMessagef(err, "failed to load noise samples from %q", noisePath))
	}
	samplesNoise = c.GenerateNoise(context.GetParamOr(ctx, "samples_during_training", 16))
	must.M(samplesNoise.Save(noisePath))
	return
}

// ResultsDir returns the directory where sample grids and generated batches
// are written during training, configured with the hyperparameter
// "results_dir". If it is not absolute it is taken relative to Config.DataDir.
// The directory is created if needed.
func (c *Config) ResultsDir() string {
	resultsDir := context.GetParamOr(c.Context, "results_dir", "results")
	resultsDir = fsutil.MustReplaceTildeInDir(resultsDir)
	if !path.IsAbs(resultsDir) {
		resultsDir = path.Join(c.DataDir, resultsDir)
	}
	if !fsutil.MustFileExists(resultsDir) {
		must.M(os.MkdirAll(resultsDir, 0777))
	}
	return resultsDir
}

// CreateInMemoryDatasets returns a train and a validation InMemoryDataset, which
// yield batches of Fashion-MNIST images (and their class labels, unused by the
// diffusion model).
func (c *Config) CreateInMemoryDatasets() (trainDS, validationDS *datasets.InMemoryDataset) {
	dsDType := c.DType
	if dsDType == dtypes.Float16 || dsDType == dtypes.BFloat16 {
		// The dataset is stored as Float32, low-precision models convert
		// in-graph. See Config.PreprocessImages.
		dsDType = dtypes.Float32
	}
	trainDS = must.M1(
		fashionmnist.InMemoryDataset(c.Backend, c.DataDir, "train", dsDType))
	validationDS = must.M1(
		fashionmnist.InMemoryDataset(c.Backend, c.DataDir, "test", dsDType))
	return
}

// PreprocessImages converts images to the model DType and, if normalize is set,
// rescales them from [0, 1] to [-1, 1], the value range the diffusion process
// runs on.
func (c *Config) PreprocessImages(images *Node, normalize bool) *Node {
	images = ConvertDType(images, c.DType)
	if !normalize {
		return images
	}
	images = AddScalar(MulScalar(images, 2), -1)
	c.NanLogger.TraceFirstNaN(images, "PreprocessImages")
	return images
}

// DenormalizeImages maps images from the [-1, 1] model range back to [0, 255],
// clipping values that fall outside. It keeps them as floats, it doesn't convert
// them back to bytes.
func (c *Config) DenormalizeImages(images *Node) *Node {
	images = ConvertDType(images, dtypes.Float32)
	images = MulScalar(OnePlus(images), 127.5)
	return ClipScalar(images, 0.0, 255.0)
}

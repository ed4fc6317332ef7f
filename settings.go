package ddpm

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
)

var (
	// ParamsExcludedFromLoading is the list of parameters (see CreateDefaultContext) that shouldn't be loaded
	// from model checkpoints -- they are transient, specific to each invocation.
	//
	// These are appended to the list of settings given in the command line with the flag -set.
	ParamsExcludedFromLoading = []string{
		"train_steps", "plots", "nan_logger", "results_dir", "samples_during_training",
	}
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":          3000,
		"num_checkpoints":      3,
		"checkpoint_frequency": "90s", // How often to save checkpoints. See time.ParseDuration.

		// batch_size for training.
		"batch_size": 128,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 256,

		// dtype to use for the model.
		"dtype": "float32",

		// rng_reset enables resetting the random number generator state with a new random value -- useful when
		// continuing training.
		"rng_reset": true,

		// Debugging: add a NanLogger to help debug where NaNs may appear in the model.
		"nan_logger": false,

		// Diffusion process:
		"diffusion_steps": 200,    // Number of timesteps T of the forward/reverse processes.
		"beta_start":      1e-4,   // Noise variance added at the first timestep.
		"beta_end":        0.02,   // Noise variance added at the last timestep; betas are linearly spaced in-between.
		"loss_type":       "huber", // Loss comparing predicted to sampled noise: "l1", "l2" or "huber".
		"ema_decay":       0.999,   // Exponential moving average of the model weights, updated every training step. Set to <= 0 to disable.
		"use_ema":         true,    // If set, sampling and evaluation use the EMA weights (requires ema_decay > 0).

		// If "huber" loss is selected, this is the error after which the loss becomes linear.
		losses.ParamHuberLossDelta: 1.0,

		// U-Net model:
		"model_channels":        32,              // Channels after the initial projection; each stage multiplies it by the corresponding multiplier.
		"channel_multipliers":   []int{1, 2, 4},  // One encoder/decoder stage per multiplier; spatial size halves per stage.
		"norm_groups":           8,               // Number of groups for group normalization. Must divide the channels of every stage.
		"attention_heads":       4,               // Heads for the spatial attention layers.
		"attention_key_dim":     32,              // Per-head key/query/value dimension.
		"self_conditioning":     false,           // If set, the model also receives its previous image estimate as input channels.
		"sinusoidal_max_period": 10000.0,         // Largest period (in timesteps) of the sinusoidal time embedding.

		// Sampling during training:
		"samples_during_training": 16,        // Number of images generated at each milestone.
		"sample_frequency":        1000,      // Steps between milestones: each writes a PNG grid and a .tensor file under results_dir.
		"results_dir":             "results", // Directory for generated images, relative to --data if not absolute.

		optimizers.ParamOptimizer:           "adam",
		optimizers.ParamLearningRate:        1e-3,
		optimizers.ParamAdamEpsilon:         1e-7,
		optimizers.ParamAdamDType:           "",
		activations.ParamActivation:         "swish",
		cosineschedule.ParamPeriodSteps:     0, // Enabled if > 0: period of the cosine learning rate schedule, typically the same value as train_steps.
		cosineschedule.ParamMinLearningRate: 1e-5,
		regularizers.ParamL2:                0.0,
		regularizers.ParamL1:                0.0,

		// "plots" trigger generating intermediary eval data for plotting, and if running in GoNB, to actually
		// draw the plot with Plotly.
		plotly.ParamPlots: false,
	})
	return ctx
}

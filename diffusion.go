package ddpm

import (
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gopjrt/dtypes"
)

// EMAScope is the context scope holding the exponential moving average shadow
// of the U-Net variables. See Denoise.
const EMAScope = "ema"

// Denoise predicts the noise present in noisyImages at the given timesteps.
//
// If "use_ema" is enabled, evaluation and sampling run the exponential moving
// average copy of the weights instead of the trained ones -- the averaged
// weights produce noticeably smoother samples. During training, if
// "ema_decay" > 0, the update of the averaged copy is added to the graph.
func Denoise(ctx *context.Context, nanLogger *nanlogger.NanLogger, noisyImages, timesteps, selfConditioning *Node) *Node {
	g := noisyImages.Graph()
	modelCtx := ctx
	if context.GetParamOr(ctx, "use_ema", false) && !ctx.IsTraining(g) {
		modelCtx = ctx.In(EMAScope)
	}
	predictedNoise := UNetModelGraph(modelCtx, nanLogger, noisyImages, timesteps, selfConditioning)

	emaDecay := context.GetParamOr(ctx, "ema_decay", 0.0)
	if ctx.IsTraining(g) && emaDecay > 0 {
		updateMovingAverages(ctx, g, emaDecay)
	}
	return predictedNoise
}

// updateMovingAverages shadows every U-Net variable with a copy under EMAScope
// and adds to the graph the update ema = decay*ema + (1-decay)*value.
func updateMovingAverages(ctx *context.Context, g *Graph, emaDecay float64) {
	prefixScope := ctx.Scope()
	emaCtx := ctx.In(EMAScope).WithInitializer(initializers.Zero).Checked(false)
	emaPrefixScope := emaCtx.Scope()
	ctx.In(UNetScope).EnumerateVariablesInScope(func(v *context.Variable) {
		if !strings.HasPrefix(v.Scope(), prefixScope) {
			exceptions.Panicf("unexpected variable %q in scope %q", v.Name(), v.Scope())
		}
		suffix := v.Scope()[len(prefixScope):]
		if !strings.HasPrefix(suffix, context.ScopeSeparator) {
			suffix = context.ScopeSeparator + suffix
		}
		emaVar := emaCtx.InAbsPath(emaPrefixScope + suffix).VariableWithShape(v.Name(), v.Shape())
		emaVar.SetValueGraph(Add(
			MulScalar(emaVar.ValueGraph(g), emaDecay),
			MulScalar(v.ValueGraph(g), 1.0-emaDecay)))
	})
}

// lossFromContext returns the loss function selected by the hyperparameter
// "loss_type": "l1", "l2" or "huber". Any other value panics with a
// not-implemented error.
func lossFromContext(ctx *context.Context) losses.LossFn {
	lossType := context.GetParamOr(ctx, "loss_type", "huber")
	switch lossType {
	case "l1":
		return losses.MeanAbsoluteError
	case "l2":
		return losses.MeanSquaredError
	case "huber":
		delta := context.GetParamOr(ctx, losses.ParamHuberLossDelta, 1.0)
		return losses.MakeHuberLoss(delta)
	default:
		exceptions.Panicf("loss_type %q not implemented: valid values are \"l1\", \"l2\" and \"huber\"", lossType)
	}
	return nil
}

// TrainingModelGraph returns the train.ModelFn for training and evaluation: it
// draws an independent timestep and gaussian noise for each image of the batch,
// diffuses the image forward to that timestep, and runs the U-Net to recover the
// noise.
//
// The returned predictions are: [0] the predicted noise, [1] the scalar loss
// comparing it to the sampled noise (selected with "loss_type"), [2] the mean
// absolute error of the implied denoised images and [3] the mean absolute
// error of the predicted noise -- the last two are reported as metrics
// independent of the loss choice.
func (c *Config) TrainingModelGraph() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		g := inputs[0].Graph()

		images := inputs[0]
		batchSize := images.Shape().Dimensions[0]
		images = AugmentImages(ctx, images)
		images = c.PreprocessImages(images, true)
		noise := ctx.RandomNormal(g, images.Shape())
		c.NanLogger.TraceFirstNaN(images, "images")
		c.NanLogger.TraceFirstNaN(noise, "noise")

		dtype := images.DType()
		cosineschedule.New(ctx, g, dtype).FromContext().Done()

		// Diffuse each image forward to an independently sampled timestep.
		timesteps := ctx.RandomIntN(g, int64(c.Schedule.NumSteps), shapes.Make(dtypes.Int32, batchSize))
		noisyImages := StopGradient(c.Schedule.QSample(ctx, images, timesteps, noise))
		c.NanLogger.TraceFirstNaN(noisyImages, "noisyImages")

		predictedNoise := Denoise(ctx, c.NanLogger, noisyImages, timesteps, nil)
		c.NanLogger.TraceFirstNaN(predictedNoise, "predictedNoise")

		// Estimate of the original images implied by the predicted noise, for
		// the images MAE metric.
		predictedImages := c.Schedule.PredictX0(noisyImages, timesteps, predictedNoise)

		// Large reduce operations overflow for low-precision dtypes; up-convert
		// before calculating the losses.
		lossFn := lossFromContext(ctx)
		if dtype == dtypes.Float16 || dtype == dtypes.BFloat16 {
			noise = ConvertDType(noise, dtypes.Float32)
			predictedNoise = ConvertDType(predictedNoise, dtypes.Float32)
			images = ConvertDType(images, dtypes.Float32)
			predictedImages = ConvertDType(predictedImages, dtypes.Float32)
		}
		loss := lossFn([]*Node{noise}, []*Node{predictedNoise})
		if !loss.IsScalar() {
			loss = ReduceAllMean(loss)
		}
		imagesMAE := losses.MeanAbsoluteError([]*Node{images}, []*Node{predictedImages})
		if !imagesMAE.IsScalar() {
			imagesMAE = ReduceAllMean(imagesMAE)
		}
		noiseMAE := losses.MeanAbsoluteError([]*Node{noise}, []*Node{predictedNoise})
		if !noiseMAE.IsScalar() {
			noiseMAE = ReduceAllMean(noiseMAE)
		}
		return []*Node{predictedNoise, loss, imagesMAE, noiseMAE}
	}
}

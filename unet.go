package ddpm

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
)

// UNetScope is the context scope under which all the U-Net variables live.
// The EMA shadow copy (see TrainingModelGraph) mirrors this scope under
// EMAScope.
const UNetScope = "u-net"

// normalizationEpsilon is added to variances before taking their reciprocal
// square root, both in GroupNormalization and WeightStandardizedConv.
const normalizationEpsilon = 1e-5

// SinusoidalTimeEmbedding maps integer timesteps shaped [batchSize] to a
// [batchSize, dim] embedding: half sines, half cosines, over geometrically
// spaced frequencies with periods from 2π up to 2π·maxPeriod.
//
// dim must be even and at least 4.
func SinusoidalTimeEmbedding(timesteps *Node, dtype dtypes.DType, dim int, maxPeriod float64) *Node {
	g := timesteps.Graph()
	if dim < 4 || dim%2 != 0 {
		exceptions.Panicf("sinusoidal time embedding size must be even and >= 4, got %d", dim)
	}
	half := dim / 2
	t := InsertAxes(ConvertDType(timesteps, dtype), -1) // [batchSize, 1]
	exponents := MulScalar(
		IotaFull(g, shapes.Make(dtype, 1, half)),
		-math.Log(maxPeriod)/float64(half-1))
	angles := Mul(t, Exp(exponents)) // [batchSize, half]
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// TimeEmbedding builds the conditioning vector injected into every residual
// block: a sinusoidal embedding of the timesteps followed by a 2-layer MLP
// with a GELU in between. The output is shaped [batchSize, 4*baseChannels].
func TimeEmbedding(ctx *context.Context, timesteps *Node, dtype dtypes.DType, baseChannels int) *Node {
	maxPeriod := context.GetParamOr(ctx, "sinusoidal_max_period", 10000.0)
	embedDim := 4 * baseChannels
	x := SinusoidalTimeEmbedding(timesteps, dtype, baseChannels, maxPeriod)
	x = layers.DenseWithBias(ctx.In("dense0"), x, embedDim)
	x = activations.Gelu(x)
	x = layers.DenseWithBias(ctx.In("dense1"), x, embedDim)
	return x
}

// WeightStandardizedConv is a 2D "same" convolution whose kernel is
// standardized before use: per output channel, the kernel entries are shifted
// and scaled to mean 0 and variance 1. It pairs well with group
// normalization, which expects activations in a normalized range.
//
// x must be shaped [batchSize, height, width, channels]; the output has
// outputChannels as its last dimension and the same spatial dimensions.
func WeightStandardizedConv(ctx *context.Context, x *Node, outputChannels, kernelSize int) *Node {
	x.AssertRank(4)
	g := x.Graph()
	dtype := x.DType()
	inputChannels := x.Shape().Dimensions[3]

	kernelVar := ctx.VariableWithShape("weights",
		shapes.Make(dtype, kernelSize, kernelSize, inputChannels, outputChannels))
	if regularizer := regularizers.FromContext(ctx); regularizer != nil {
		regularizer(ctx, g, kernelVar)
	}
	kernel := kernelVar.ValueGraph(g)
	mean := ReduceAndKeep(kernel, ReduceMean, 0, 1, 2)
	variance := ReduceAndKeep(Square(Sub(kernel, mean)), ReduceMean, 0, 1, 2)
	kernel = Div(Sub(kernel, mean), Sqrt(AddScalar(variance, normalizationEpsilon)))

	output := Convolve(x, kernel).Strides(1).PadSame().Done()
	biasVar := ctx.VariableWithShape("biases", shapes.Make(dtype, outputChannels))
	bias := Reshape(biasVar.ValueGraph(g), 1, 1, 1, outputChannels)
	return Add(output, bias)
}

// GroupNormalization normalizes x to mean 0 and variance 1 over the spatial
// axes and groups of numGroups channels, followed by a learned per-channel
// scale and offset. numGroups must divide the number of channels.
//
// x must be shaped [batchSize, height, width, channels].
func GroupNormalization(ctx *context.Context, x *Node, numGroups int) *Node {
	x.AssertRank(4)
	g := x.Graph()
	dtype := x.DType()
	dims := x.Shape().Dimensions
	channels := dims[3]
	if numGroups <= 0 || channels%numGroups != 0 {
		exceptions.Panicf("group normalization requires the number of groups (%d) to divide the channels (%d)",
			numGroups, channels)
	}

	grouped := Reshape(x, dims[0], dims[1], dims[2], numGroups, channels/numGroups)
	mean := ReduceAndKeep(grouped, ReduceMean, 1, 2, 4)
	variance := ReduceAndKeep(Square(Sub(grouped, mean)), ReduceMean, 1, 2, 4)
	grouped = Div(Sub(grouped, mean), Sqrt(AddScalar(variance, normalizationEpsilon)))
	x = Reshape(grouped, dims...)

	scaleVar := ctx.WithInitializer(initializers.One).VariableWithShape("scale", shapes.Make(dtype, channels))
	offsetVar := ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", shapes.Make(dtype, channels))
	scale := Reshape(scaleVar.ValueGraph(g), 1, 1, 1, channels)
	offset := Reshape(offsetVar.ValueGraph(g), 1, 1, 1, channels)
	return Add(Mul(x, scale), offset)
}

// ResidualBlock transforms x to outputChannels (axis 3) through two
// weight-standardized convolutions with group normalization. The time
// embedding conditions the first convolution with a learned per-channel
// scale and shift. The residual connection projects x when the channel count
// changes.
//
// x must be of rank 4, shaped [batchSize, height, width, channels];
// timeEmbedding of rank 2, shaped [batchSize, embedSize], or nil to skip the
// conditioning.
func ResidualBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x, timeEmbedding *Node, outputChannels int) *Node {
	x.AssertRank(4)
	numGroups := context.GetParamOr(ctx, "norm_groups", 8)
	inputChannels := x.Shape().Dimensions[3]

	residual := x
	if inputChannels != outputChannels {
		residual = layers.Dense(ctx.In("residual_projection"), x, true, outputChannels)
	}
	nanLogger.TraceFirstNaN(residual, "residual")

	h := WeightStandardizedConv(ctx.In("conv1"), x, outputChannels, 3)
	h = GroupNormalization(ctx.In("norm1"), h, numGroups)
	if timeEmbedding != nil {
		temb := activations.ApplyFromContext(ctx, timeEmbedding)
		scale := layers.DenseWithBias(ctx.In("time_scale"), temb, outputChannels)
		shift := layers.DenseWithBias(ctx.In("time_shift"), temb, outputChannels)
		h = Add(Mul(h, OnePlus(ExpandAxes(scale, 1, 2))), ExpandAxes(shift, 1, 2))
		nanLogger.TraceFirstNaN(h, "time conditioning")
	}
	h = activations.ApplyFromContext(ctx, h)

	h = WeightStandardizedConv(ctx.In("conv2"), h, outputChannels, 3)
	h = GroupNormalization(ctx.In("norm2"), h, numGroups)
	h = activations.ApplyFromContext(ctx, h)

	x = Add(h, residual)
	nanLogger.TraceFirstNaN(x, "x = Add(h, residual)")
	return x
}

// AttentionBlock runs full multi-head self-attention over the spatial
// positions of x, with a group-norm pre-normalization and a residual
// connection. Cost is quadratic on height*width, so it is used only at the
// bottleneck resolution.
//
// x must be shaped [batchSize, height, width, channels].
func AttentionBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node) *Node {
	x.AssertRank(4)
	numHeads := context.GetParamOr(ctx, "attention_heads", 4)
	keyDim := context.GetParamOr(ctx, "attention_key_dim", 32)
	dims := x.Shape().Dimensions
	batchSize, spatial, channels := dims[0], dims[1]*dims[2], dims[3]

	seq := GroupNormalization(ctx.In("pre_norm"), x, 1)
	seq = Reshape(seq, batchSize, spatial, channels)
	seq = layers.MultiHeadAttention(ctx.In("attention"), seq, seq, seq, numHeads, keyDim).
		SetOutputDim(channels).
		SetValueHeadDim(keyDim).
		Done()
	nanLogger.TraceFirstNaN(seq, "attention")
	return Add(Reshape(seq, dims...), x)
}

// LinearAttentionBlock is the kernelized variant of AttentionBlock, with cost
// linear on height*width: queries are normalized over the key dimension and
// keys over the spatial positions, so the key-value outer product can be
// aggregated before being applied to the queries.
//
// x must be shaped [batchSize, height, width, channels].
func LinearAttentionBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node) *Node {
	x.AssertRank(4)
	numHeads := context.GetParamOr(ctx, "attention_heads", 4)
	keyDim := context.GetParamOr(ctx, "attention_key_dim", 32)
	dims := x.Shape().Dimensions
	batchSize, spatial, channels := dims[0], dims[1]*dims[2], dims[3]

	seq := GroupNormalization(ctx.In("pre_norm"), x, 1)
	seq = Reshape(seq, batchSize, spatial, channels)
	projectHeads := func(name string) *Node {
		p := layers.Dense(ctx.In(name), seq, false, numHeads*keyDim)
		return Reshape(p, batchSize, spatial, numHeads, keyDim)
	}
	query := projectHeads("query")
	key := projectHeads("key")
	value := projectHeads("value")

	query = MulScalar(Softmax(query, -1), 1.0/math.Sqrt(float64(keyDim)))
	key = Softmax(key, 1)
	value = MulScalar(value, 1.0/float64(spatial))

	// Aggregate the key-value outer product over the spatial positions, then
	// apply it to each query.
	kv := Einsum("bshd,bshe->bhde", key, value)
	attended := Einsum("bhde,bshd->bshe", kv, query)
	nanLogger.TraceFirstNaN(attended, "linear attention")

	attended = Reshape(attended, batchSize, spatial, numHeads*keyDim)
	attended = layers.DenseWithBias(ctx.In("output"), attended, channels)
	attended = GroupNormalization(ctx.In("output_norm"), Reshape(attended, dims...), 1)
	return Add(attended, x)
}

// Downsample halves the spatial resolution by moving each 2x2 patch into the
// channels axis, followed by a learned projection to outputChannels.
func Downsample(ctx *context.Context, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if height%2 != 0 || width%2 != 0 {
		exceptions.Panicf("Downsample requires even spatial dimensions, got %s -- use fewer \"channel_multipliers\" for this image size",
			x.Shape())
	}
	x = Reshape(x, batchSize, height/2, 2, width/2, 2, channels)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5)
	x = Reshape(x, batchSize, height/2, width/2, 4*channels)
	return layers.Dense(ctx.In("projection"), x, true, outputChannels)
}

// UpSampleImages doubles the spatial dimensions of x, repeating each pixel
// (nearest-neighbor).
func UpSampleImages(x *Node) *Node {
	x.AssertRank(4)
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = Concatenate([]*Node{x, x}, 3)
	x = Reshape(x, batchSize, height, 2*width, channels)
	x = Concatenate([]*Node{x, x}, 2)
	x = Reshape(x, batchSize, 2*height, 2*width, channels)
	return x
}

// Upsample doubles the spatial resolution (nearest-neighbor) and convolves
// the result to outputChannels.
func Upsample(ctx *context.Context, x *Node, outputChannels int) *Node {
	x = UpSampleImages(x)
	return layers.Convolution(ctx, x).Filters(outputChannels).KernelSize(3).PadSame().Done()
}

// UNetModelGraph predicts the noise present in noisyImages at the given
// timesteps. The output has the same shape as noisyImages whatever the depth
// configured with "channel_multipliers".
//
// noisyImages must be shaped [batchSize, height, width, channels] and
// timesteps [batchSize] (integer). selfConditioning is an optional previous
// estimate of the denoised images, same shape as noisyImages -- it is only
// used if "self_conditioning" is enabled, and may be nil, in which case zeros
// are fed instead.
//
// All the variables live under UNetScope, so they can be shadowed by the EMA
// copy (see TrainingModelGraph).
func UNetModelGraph(ctx *context.Context, nanLogger *nanlogger.NanLogger, noisyImages, timesteps, selfConditioning *Node) *Node {
	noisyImages.AssertRank(4)
	ctx = ctx.In(UNetScope).WithInitializer(initializers.XavierNormalFn(ctx))
	layerNum := 0
	nextCtx := func(format string, args ...any) *context.Context {
		scopedCtx := ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return scopedCtx
	}

	baseChannels := context.GetParamOr(ctx, "model_channels", 32)
	multipliers := context.GetParamOr(ctx, "channel_multipliers", []int{1, 2, 4})
	if len(multipliers) == 0 {
		exceptions.Panicf(`"channel_multipliers" must configure at least one stage`)
	}
	imageChannels := noisyImages.Shape().Dimensions[3]

	x := noisyImages
	if context.GetParamOr(ctx, "self_conditioning", false) {
		if selfConditioning == nil {
			selfConditioning = ZerosLike(noisyImages)
		}
		x = Concatenate([]*Node{x, selfConditioning}, -1)
	}

	timeEmbedding := TimeEmbedding(nextCtx("time_embedding"), timesteps, x.DType(), baseChannels)

	x = layers.Convolution(nextCtx("init_conv"), x).Filters(baseChannels).KernelSize(1).PadSame().Done()
	nanLogger.TraceFirstNaN(x, "init_conv")
	initial := x

	// stageChannels[i] is the width the blocks of stage i run at; the
	// transition to stage i+1 (down or up) changes to stageChannels[i+1].
	stageChannels := make([]int, 0, len(multipliers)+1)
	stageChannels = append(stageChannels, baseChannels)
	for _, multiplier := range multipliers {
		stageChannels = append(stageChannels, baseChannels*multiplier)
	}

	// Downward: each stage stacks the skip connections consumed by its
	// mirrored up stage. The last stage transitions without down-sampling.
	var skips []*Node
	for i := range multipliers {
		stageCtx := nextCtx("down_%d", i)
		nanLogger.PushScope(stageCtx.Scope())
		channels := stageChannels[i]
		x = ResidualBlock(stageCtx.In("block1"), nanLogger, x, timeEmbedding, channels)
		skips = append(skips, x)
		x = ResidualBlock(stageCtx.In("block2"), nanLogger, x, timeEmbedding, channels)
		x = LinearAttentionBlock(stageCtx.In("attention"), nanLogger, x)
		skips = append(skips, x)
		if i < len(multipliers)-1 {
			x = Downsample(stageCtx.In("downsample"), x, stageChannels[i+1])
		} else {
			x = layers.Convolution(stageCtx.In("transition"), x).
				Filters(stageChannels[i+1]).KernelSize(3).PadSame().Done()
		}
		nanLogger.TraceFirstNaN(x, "down stage")
		nanLogger.PopScope()
	}

	// Bottleneck, at the coarsest resolution: full attention is affordable
	// here.
	midCtx := nextCtx("bottleneck")
	midChannels := xslices.Last(stageChannels)
	x = ResidualBlock(midCtx.In("block1"), nanLogger, x, timeEmbedding, midChannels)
	x = AttentionBlock(midCtx.In("attention"), nanLogger, x)
	x = ResidualBlock(midCtx.In("block2"), nanLogger, x, timeEmbedding, midChannels)

	// Upward: mirror the encoder, concatenating its skip connections. The
	// stage mirroring the last encoder stage transitions without up-sampling.
	for i := len(multipliers) - 1; i >= 0; i-- {
		stageCtx := nextCtx("up_%d", i)
		nanLogger.PushScope(stageCtx.Scope())
		channels := stageChannels[i+1]
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = Concatenate([]*Node{x, skip}, -1)
		x = ResidualBlock(stageCtx.In("block1"), nanLogger, x, timeEmbedding, channels)
		skip, skips = xslices.Pop(skips)
		x = Concatenate([]*Node{x, skip}, -1)
		x = ResidualBlock(stageCtx.In("block2"), nanLogger, x, timeEmbedding, channels)
		x = LinearAttentionBlock(stageCtx.In("attention"), nanLogger, x)
		if i > 0 {
			x = Upsample(stageCtx.In("upsample"), x, stageChannels[i])
		} else {
			x = layers.Convolution(stageCtx.In("transition"), x).
				Filters(stageChannels[i]).KernelSize(3).PadSame().Done()
		}
		nanLogger.TraceFirstNaN(x, "up stage")
		nanLogger.PopScope()
	}
	if len(skips) != 0 {
		exceptions.Panicf("ended with %d skip connections not accounted for", len(skips))
	}

	// Readout initialized to 0, which is the mean of the noise being
	// predicted.
	x = Concatenate([]*Node{x, initial}, -1)
	x = ResidualBlock(nextCtx("final_block"), nanLogger, x, timeEmbedding, baseChannels)
	x = layers.DenseWithBias(nextCtx("readout").WithInitializer(initializers.Zero), x, imageChannels)
	nanLogger.TraceFirstNaN(x, "readout")
	return x
}

package ddpm

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// NoiseSchedule holds the constants of the forward diffusion process
// q(x_t|x_{t-1}) = N(√(1-β_t)·x_{t-1}, β_t·I) for t ∈ [0, NumSteps), derived
// once from a linearly spaced β sequence and immutable afterwards.
//
// The closed forms used by QSample and PSample come from the cumulative
// products below -- see "Denoising Diffusion Probabilistic Models", Ho et al.
// 2020, equations (4) and (11).
type NoiseSchedule struct {
	// NumSteps is T, the number of timesteps of the forward/reverse processes.
	NumSteps int

	// Betas is the variance of the Gaussian noise added at each timestep.
	Betas []float64

	// Alphas is 1-β_t.
	Alphas []float64

	// AlphasBar is ᾱ_t, the cumulative product of α up to and including t.
	AlphasBar []float64

	// AlphasBarPrev is ᾱ_{t-1}, with ᾱ_{-1} taken as 1.
	AlphasBarPrev []float64

	// SqrtAlphasBar and SqrtOneMinusAlphasBar scale the image and the noise
	// in the forward process: x_t = √(ᾱ_t)·x_0 + √(1-ᾱ_t)·ε.
	SqrtAlphasBar         []float64
	SqrtOneMinusAlphasBar []float64

	// SqrtRecipAlphas is √(1/α_t), the factor of the posterior mean in PSample.
	SqrtRecipAlphas []float64

	// PosteriorVariance is the variance of q(x_{t-1}|x_t, x_0):
	// β_t·(1-ᾱ_{t-1})/(1-ᾱ_t). It is 0 at t=0.
	PosteriorVariance []float64
}

// NewLinearSchedule precomputes a NoiseSchedule with numSteps betas linearly
// spaced from betaStart to betaEnd, inclusive.
func NewLinearSchedule(numSteps int, betaStart, betaEnd float64) *NoiseSchedule {
	if numSteps < 1 {
		exceptions.Panicf("diffusion schedule requires at least 1 timestep, got %d", numSteps)
	}
	if betaStart <= 0 || betaEnd >= 1 || betaStart > betaEnd {
		exceptions.Panicf("diffusion schedule requires 0 < beta_start <= beta_end < 1, got [%g, %g]",
			betaStart, betaEnd)
	}
	s := &NoiseSchedule{
		NumSteps:              numSteps,
		Betas:                 make([]float64, numSteps),
		Alphas:                make([]float64, numSteps),
		AlphasBar:             make([]float64, numSteps),
		AlphasBarPrev:         make([]float64, numSteps),
		SqrtAlphasBar:         make([]float64, numSteps),
		SqrtOneMinusAlphasBar: make([]float64, numSteps),
		SqrtRecipAlphas:       make([]float64, numSteps),
		PosteriorVariance:     make([]float64, numSteps),
	}
	alphasBar := 1.0
	for t := 0; t < numSteps; t++ {
		beta := betaStart
		if numSteps > 1 {
			beta += (betaEnd - betaStart) * float64(t) / float64(numSteps-1)
		}
		alpha := 1.0 - beta
		s.Betas[t] = beta
		s.Alphas[t] = alpha
		s.AlphasBarPrev[t] = alphasBar
		alphasBar *= alpha
		s.AlphasBar[t] = alphasBar
		s.SqrtAlphasBar[t] = math.Sqrt(alphasBar)
		s.SqrtOneMinusAlphasBar[t] = math.Sqrt(1.0 - alphasBar)
		s.SqrtRecipAlphas[t] = math.Sqrt(1.0 / alpha)
		s.PosteriorVariance[t] = beta * (1.0 - s.AlphasBarPrev[t]) / (1.0 - alphasBar)
	}
	return s
}

// ScheduleFromContext builds the NoiseSchedule configured by the
// hyperparameters "diffusion_steps", "beta_start" and "beta_end".
func ScheduleFromContext(ctx *context.Context) *NoiseSchedule {
	return NewLinearSchedule(
		context.GetParamOr(ctx, "diffusion_steps", 200),
		context.GetParamOr(ctx, "beta_start", 1e-4),
		context.GetParamOr(ctx, "beta_end", 0.02))
}

// ValuesAtTimesteps gathers from one of the schedule vectors the entries for
// a batch of timesteps, as a graph node.
//
// values must have one entry per timestep (pass one of the NoiseSchedule
// fields); timesteps must be an integer node shaped [batchSize] (or a
// scalar). The result is shaped [batchSize, 1, ..., 1] up to broadcastRank,
// so it broadcasts against image tensors.
func (s *NoiseSchedule) ValuesAtTimesteps(values []float64, timesteps *Node, dtype dtypes.DType, broadcastRank int) *Node {
	g := timesteps.Graph()
	if len(values) != s.NumSteps {
		exceptions.Panicf("ValuesAtTimesteps given %d values for a schedule with %d timesteps", len(values), s.NumSteps)
	}
	table := ConvertDType(Const(g, values), dtype)
	x := Gather(table, InsertAxes(timesteps, -1))
	for x.Rank() < broadcastRank {
		x = InsertAxes(x, -1)
	}
	return x
}

// QSample runs the forward (noising) process: it returns
// x_t = √(ᾱ_t)·x0 + √(1-ᾱ_t)·noise, with the same shape as x0.
//
// timesteps must be an integer node shaped [batchSize]. If noise is nil it is
// drawn from a standard normal with x0's shape, using the context's random
// state.
func (s *NoiseSchedule) QSample(ctx *context.Context, x0, timesteps, noise *Node) *Node {
	g := x0.Graph()
	if noise == nil {
		noise = ctx.RandomNormal(g, x0.Shape())
	}
	dtype := x0.DType()
	imageScale := s.ValuesAtTimesteps(s.SqrtAlphasBar, timesteps, dtype, x0.Rank())
	noiseScale := s.ValuesAtTimesteps(s.SqrtOneMinusAlphasBar, timesteps, dtype, x0.Rank())
	return Add(Mul(x0, imageScale), Mul(noise, noiseScale))
}

// PredictX0 inverts the forward process: given x_t and the noise the model
// predicts for it, it returns the implied estimate of the original images,
// x̂_0 = (x_t - √(1-ᾱ_t)·ε̂) / √(ᾱ_t).
//
// Used for monitoring only -- the reverse process in PSample works directly
// from the predicted noise.
func (s *NoiseSchedule) PredictX0(x, timesteps, predictedNoise *Node) *Node {
	dtype := x.DType()
	imageScale := s.ValuesAtTimesteps(s.SqrtAlphasBar, timesteps, dtype, x.Rank())
	noiseScale := s.ValuesAtTimesteps(s.SqrtOneMinusAlphasBar, timesteps, dtype, x.Rank())
	return Div(Sub(x, Mul(noiseScale, predictedNoise)), imageScale)
}

// PSample runs one step of the reverse (denoising) process: given x_t, the
// model's noise prediction for it and fresh Gaussian noise z, it returns a
// sample of x_{t-1}:
//
//	√(1/α_t)·(x_t - β_t/√(1-ᾱ_t)·ε̂) + √(posterior_variance_t)·z
//
// The noise term is suppressed where the timestep is 0, so the final step of
// the reverse process is deterministic. timesteps must be an integer node
// shaped [batchSize] (or a scalar applied to the whole batch); z may be nil,
// in which case it is drawn from the context's random state.
func (s *NoiseSchedule) PSample(ctx *context.Context, x, timesteps, predictedNoise, z *Node) *Node {
	g := x.Graph()
	if z == nil {
		z = ctx.RandomNormal(g, x.Shape())
	}
	dtype := x.DType()
	rank := x.Rank()
	betas := s.ValuesAtTimesteps(s.Betas, timesteps, dtype, rank)
	sqrtOneMinusAlphasBar := s.ValuesAtTimesteps(s.SqrtOneMinusAlphasBar, timesteps, dtype, rank)
	sqrtRecipAlphas := s.ValuesAtTimesteps(s.SqrtRecipAlphas, timesteps, dtype, rank)
	mean := Mul(sqrtRecipAlphas,
		Sub(x, Mul(Div(betas, sqrtOneMinusAlphasBar), predictedNoise)))

	posteriorStddev := Sqrt(s.ValuesAtTimesteps(s.PosteriorVariance, timesteps, dtype, rank))
	notLastStep := ConvertDType(
		GreaterThan(timesteps, ScalarZero(g, timesteps.DType())), dtype)
	for notLastStep.Rank() < rank {
		notLastStep = InsertAxes(notLastStep, -1)
	}
	return Add(mean, Mul(notLastStep, Mul(posteriorStddev, z)))
}

package ddpm

import (
	"image"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"

	"github.com/gomlx/ddpm/fashionmnist"
)

// NumToGroups splits n into groups of the given size: all groups are full,
// except the last one, which holds the remainder if size doesn't divide n.
//
// E.g.: NumToGroups(10, 4) returns [4, 4, 2].
func NumToGroups(n, size int) []int {
	if n < 0 || size <= 0 {
		exceptions.Panicf("NumToGroups(n=%d, size=%d) requires n >= 0 and size > 0", n, size)
	}
	groups := make([]int, 0, (n+size-1)/size)
	for ; n >= size; n -= size {
		groups = append(groups, size)
	}
	if n > 0 {
		groups = append(groups, n)
	}
	return groups
}

// GenerateNoise returns gaussian noise for numImages images, the starting point
// x_T of the reverse diffusion process.
func (c *Config) GenerateNoise(numImages int) *tensors.Tensor {
	return MustExecOnce(c.Backend, func(g *Graph) *Node {
		state := RNGStateForGraph(g)
		_, noise := RandomNormal(state,
			shapes.Make(c.DType, numImages, c.ImageSize, c.ImageSize, fashionmnist.NumChannels))
		return noise
	})
}

// DenoiseStepGraph runs one step of the reverse diffusion process: it predicts
// the noise present in noisyImages at the given timestep (a scalar, the same for
// the whole batch) and removes a share of it, adding back the posterior noise
// except at timestep 0.
func (c *Config) DenoiseStepGraph(ctx *context.Context, noisyImages, timestep *Node) *Node {
	g := noisyImages.Graph()
	numImages := noisyImages.Shape().Dimensions[0]
	timesteps := BroadcastToDims(ConvertDType(timestep, dtypes.Int32), numImages)
	predictedNoise := Denoise(ctx, nil, noisyImages, timesteps, nil)
	z := ctx.RandomNormal(g, noisyImages.Shape())
	return c.Schedule.PSample(ctx, noisyImages, timesteps, predictedNoise, z)
}

// ImagesGenerator samples images from a trained model, starting from a fixed
// noise batch. Use it with NewImagesGenerator.
type ImagesGenerator struct {
	config           *Config
	ctx              *context.Context
	noise            *tensors.Tensor
	numImages        int
	denormalizerExec *Exec
	stepExec         *context.Exec
}

// NewImagesGenerator runs the reverse diffusion process on the given noise,
// shaped [numImages, size, size, channels]. The computation graphs are compiled
// once and reused, so a generator can be cheaply re-run as training progresses
// -- on the same noise it shows the model quality evolving.
func NewImagesGenerator(cfg *Config, noise *tensors.Tensor) *ImagesGenerator {
	ctx := cfg.Context.Reuse()
	if noise.Rank() != 4 {
		exceptions.Panicf("noise must be shaped [numImages, height, width, channels], got %s", noise.Shape())
	}
	return &ImagesGenerator{
		config:    cfg,
		ctx:       ctx,
		noise:     noise,
		numImages: noise.Shape().Dimensions[0],
		stepExec:  context.MustNewExec(cfg.Backend, ctx, cfg.DenoiseStepGraph),
		denormalizerExec: MustNewExec(cfg.Backend, func(images *Node) *Node {
			return cfg.DenormalizeImages(images)
		}),
	}
}

// GenerateEveryN denoises the generator's noise step by step, keeping a snapshot
// of the images every everyN steps (none if everyN is 0), plus always the final
// one. Snapshots are denormalized to [0, 255] floats.
//
// It returns the snapshots and the timestep each was taken at, the final one
// being timestep 0.
//
// It can be called again after the model is further trained; with an unchanged
// model it returns the same images.
func (g *ImagesGenerator) GenerateEveryN(everyN int) (imagesAtSteps []*tensors.Tensor, timesteps []int) {
	// The original noise is preserved: the iterated buffer is a copy.
	imagesBatch := must.M1(g.noise.LocalClone())
	backend := g.config.Backend
	for step := g.config.Schedule.NumSteps - 1; step >= 0; step-- {
		buf := must.M1(DonateTensorBuffer(imagesBatch, backend, 0))
		imagesBatch = must.M1(g.stepExec.Exec1(buf, int32(step)))
		if (everyN > 0 && step%everyN == 0) || step == 0 {
			timesteps = append(timesteps, step)
			imagesAtSteps = append(imagesAtSteps, g.denormalizerExec.MustExec(imagesBatch)[0])
		}
	}
	return
}

// Generate images from the generator's noise, returning only the final images,
// denormalized to [0, 255] floats, shaped like the noise.
func (g *ImagesGenerator) Generate() *tensors.Tensor {
	imagesAtSteps, _ := g.GenerateEveryN(0)
	return imagesAtSteps[len(imagesAtSteps)-1]
}

// SampleImages generates numImages fresh samples from the model, running the
// reverse diffusion process on new random noise, in groups of at most
// EvalBatchSize images to bound the accelerator memory used.
func (c *Config) SampleImages(numImages int) []image.Image {
	var images []image.Image
	for _, groupSize := range NumToGroups(numImages, c.EvalBatchSize) {
		generator := NewImagesGenerator(c, c.GenerateNoise(groupSize))
		batch := generator.Generate()
		images = append(images, TensorToImages(batch)...)
	}
	return images
}

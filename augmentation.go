package ddpm

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// AugmentImages applies random augmentations if the context is set to training,
// otherwise it is a no-op. It takes a batch of images shaped
// [batchSize, height, width, channels] and returns a batch with the same shape.
//
// Fashion-MNIST items are mostly left-right symmetric (shoes being the
// exception), so only random horizontal mirroring is applied.
func AugmentImages(ctx *context.Context, images *Node) *Node {
	g := images.Graph()
	if !ctx.IsTraining(g) {
		return images
	}

	// Mirror on the horizontal axis 50% of the time.
	batchSize := images.Shape().Dim(0)
	return Where(
		ctx.RandomBernoulli(Const(g, 0.5), shapes.Make(dtypes.Bool, batchSize)),
		images,
		Reverse(images, 2 /* width axis */))
}

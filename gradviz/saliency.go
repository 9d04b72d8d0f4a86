package gradviz

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
)

// SaliencyMapsGraph builds the saliency computation for a batch of images
// shaped [batch, height, width, 3] (model range, -1.0 to 1.0) and their
// ground-truth labels shaped [batch] (int32).
//
// It selects the true-class score of each example, differentiates the summed
// scores with respect to the input batch, and reduces the absolute gradient
// over the color channels. The result is shaped [batch, height, width] and is
// non-negative everywhere.
func SaliencyMapsGraph(ctx *context.Context, classifier Classifier, images, labels *Node) *Node {
	g := images.Graph()
	ctx.SetTraining(g, false)
	if images.Rank() != 4 {
		exceptions.Panicf("saliency expects images shaped [batch, height, width, 3], got %s", images.Shape())
	}
	if labels.Rank() != 1 || labels.Shape().Dim(0) != images.Shape().Dim(0) {
		exceptions.Panicf("saliency expects one label per image, got labels %s for images %s",
			labels.Shape(), images.Shape())
	}

	logits := classifier(ctx, images)
	scores := selectClassScores(logits, labels)
	grad := Gradient(ReduceAllSum(scores), images)[0]
	saliency := ReduceMax(Abs(grad), -1)
	saliency.AssertDims(images.Shape().Dim(0), images.Shape().Dim(1), images.Shape().Dim(2))
	return saliency
}

// SaliencyMaps computes one 2D saliency map per image of the batch.
//
// images must be shaped [batch, height, width, 3] with values in the model
// range (-1.0 to 1.0, see NormalizeImage), labels shaped [batch] (int32).
// The returned tensor is shaped [batch, height, width].
func SaliencyMaps(backend backends.Backend, ctx *context.Context, classifier Classifier,
	images, labels *tensors.Tensor) *tensors.Tensor {
	return context.ExecOnce(backend, ctx,
		func(ctx *context.Context, images, labels *Node) *Node {
			return SaliencyMapsGraph(ctx, classifier, images, labels)
		}, images, labels)
}

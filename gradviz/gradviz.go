// Package gradviz implements gradient-based visualization and synthesis of
// images against a frozen, pretrained InceptionV3 classifier.
//
// It supports:
//
//   - Saliency maps: per-pixel sensitivity of a class score to the input,
//     following "Deep Inside Convolutional Networks" 2013, Simonyan, Vedaldi
//     & Zisserman [https://arxiv.org/abs/1312.6034]. See SaliencyMaps.
//   - Fooling images: minimal perturbation of an image until the classifier
//     predicts a chosen target class, via targeted gradient ascent. See Fool.
//   - Class visualization: synthesizing an image from noise that maximizes a
//     class score, with jitter, clipping and blur as implicit regularizers.
//     See ClassViz.
//   - Style transfer: "A Neural Algorithm of Artistic Style" 2015, Gatys,
//     Ecker & Bethge [https://arxiv.org/abs/1508.06576], with content, style
//     (Gram matrix) and total-variation losses. See StyleTransfer.
//   - UI: DisplayImages on a Jupyter notebook using github.com/janpfeifer/gonb/gonbui
//   - I/O: LoadImage, SaveImage, LoadScaledImages, LoadStyleImages
//
// All procedures work on float32 image tensors. Images are loaded with color
// values from 0.0 to 1.0 and normalized to the -1.0 to 1.0 range InceptionV3
// was trained on (see NormalizeImage / DenormalizeImage).
package gradviz

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// normalizeImage converts color values from the 0.0 to 1.0 range to the -1.0
// to 1.0 range the pretrained model was trained with. The extra 0.9 factor
// keeps a margin from the saturated extremes.
func normalizeImage(img *Node) *Node {
	return MulScalar(AddScalar(MulScalar(img, 2.0), -1), 0.9)
}

// denormalizeImage is the inverse of normalizeImage, without the 0.9 margin:
// values are mapped back to 0.0 to 1.0, where -0.9 and 0.9 land inside the
// displayable range.
func denormalizeImage(img *Node) *Node {
	return ClipScalar(DivScalar(AddScalar(img, 1), 2), 0, 1)
}

// NormalizeImage converts a materialized image tensor with values from 0.0 to
// 1.0 to the model's -1.0 to 1.0 range.
func NormalizeImage(backend backends.Backend, img *tensors.Tensor) *tensors.Tensor {
	return ExecOnce(backend, normalizeImage, img)
}

// DenormalizeImage converts a materialized image tensor back from the model's
// -1.0 to 1.0 range to displayable values from 0.0 to 1.0.
func DenormalizeImage(backend backends.Backend, img *tensors.Tensor) *tensors.Tensor {
	return ExecOnce(backend, denormalizeImage, img)
}

// selectClassScores picks scores[i, labels[i]] for each example of the batch:
// logits is shaped [batch, numClasses], labels is shaped [batch] (int32) and
// the result is shaped [batch].
func selectClassScores(logits, labels *Node) *Node {
	numClasses := logits.Shape().Dim(-1)
	mask := OneHot(labels, numClasses, logits.DType())
	return ReduceSum(Mul(logits, mask), -1)
}

// predictedClasses returns the argmax class per example, shaped [batch] (int32).
func predictedClasses(logits *Node) *Node {
	return ArgMax(logits, -1, dtypes.Int32)
}

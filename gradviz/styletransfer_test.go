package gradviz

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestGramMatrix(t *testing.T) {
	backend := testBackend(t)

	// Feature map [1, 2, 2, 2]: 4 spatial positions of 2 channels each.
	flat := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	features := tensors.FromFlatDataAndDimensions(flat, 1, 2, 2, 2)

	gram := NewExec(backend, func(features *Node) *Node {
		return GramMatrix(features, false)
	}).Call(features)[0]
	require.Equal(t, []int{2, 2}, gram.Shape().Dimensions)

	// Expected: Fᵀ·F for F reshaped to (positions × channels).
	f := mat.NewDense(4, 2, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	var want mat.Dense
	want.Mul(f.T(), f)

	got := tensors.CopyFlatData[float32](gram)
	for i := range 2 {
		for j := range 2 {
			require.InEpsilon(t, want.At(i, j), float64(got[i*2+j]), 1e-6)
		}
	}
}

func TestGramMatrixNormalized(t *testing.T) {
	backend := testBackend(t)
	flat := []float32{2, 4, 6, 8, 10, 12, 14, 16}
	features := tensors.FromFlatDataAndDimensions(flat, 1, 2, 2, 2)

	plain := NewExec(backend, func(features *Node) *Node {
		return GramMatrix(features, false)
	}).Call(features)[0]
	normalized := NewExec(backend, func(features *Node) *Node {
		return GramMatrix(features, true)
	}).Call(features)[0]

	plainFlat := tensors.CopyFlatData[float32](plain)
	for i, v := range tensors.CopyFlatData[float32](normalized) {
		require.InEpsilon(t, float64(plainFlat[i])/8.0, float64(v), 1e-6)
	}
}

func TestContentLossZeroCandidate(t *testing.T) {
	backend := testBackend(t)

	// Exactly representable values, so the expected loss is exact too.
	flat := []float32{0.5, 1, 2, 0.25, 4, 0.125, 8, 16}
	target := tensors.FromFlatDataAndDimensions(flat, 1, 2, 2, 2)

	const weight = 2.0
	loss := NewExec(backend, func(target *Node) *Node {
		return ContentLoss(weight, ZerosLike(target), target)
	}).Call(target)[0]

	var want float64
	for _, v := range flat {
		want += float64(v) * float64(v)
	}
	want *= weight
	require.InEpsilon(t, want, float64(tensors.ToScalar[float32](loss)), 1e-8)
}

func TestStyleLayerLoss(t *testing.T) {
	backend := testBackend(t)
	gram := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	styleGram := tensors.FromFlatDataAndDimensions([]float32{0, 4, 1, 6}, 2, 2)

	const weight = 3.0
	loss := NewExec(backend, func(gram, styleGram *Node) *Node {
		return StyleLayerLoss(weight, gram, styleGram)
	}).Call(gram, styleGram)[0]

	// Squared Frobenius distance: 1 + 4 + 4 + 4 = 13.
	require.InEpsilon(t, weight*13.0, float64(tensors.ToScalar[float32](loss)), 1e-6)
}

func TestTotalVariationLoss(t *testing.T) {
	backend := testBackend(t)

	// [2, 3, 1] image:
	//   1 2 4
	//   0 2 7
	// Vertical squared diffs: 1 + 0 + 9 = 10.
	// Horizontal squared diffs: (1 + 4) + (4 + 25) = 34.
	flat := []float32{1, 2, 4, 0, 2, 7}
	img := tensors.FromFlatDataAndDimensions(flat, 2, 3, 1)

	const weight = 0.5
	tvExec := NewExec(backend, func(img *Node) *Node {
		return TotalVariationLoss(weight, img)
	})
	loss := tvExec.Call(img)[0]
	require.InEpsilon(t, weight*44.0, float64(tensors.ToScalar[float32](loss)), 1e-6)

	// A batched rank-4 image sums over the batch.
	batched := tensors.FromFlatDataAndDimensions(append(append([]float32{}, flat...), flat...), 2, 2, 3, 1)
	batchedLoss := NewExec(backend, func(img *Node) *Node {
		return TotalVariationLoss(weight, img)
	}).Call(batched)[0]
	require.InEpsilon(t, 2*weight*44.0, float64(tensors.ToScalar[float32](batchedLoss)), 1e-6)
}

func TestStyleTransferInitialImage(t *testing.T) {
	backend := testBackend(t)
	ctx := context.New()

	flat := make([]float32, 4*4*3)
	for i := range flat {
		flat[i] = float32(i) / float32(len(flat))
	}
	content := tensors.FromFlatDataAndDimensions(flat, 4, 4, 3)
	style := tensors.FromFlatDataAndDimensions(make([]float32, 4*4*3), 4, 4, 3)

	// Default: the generated image starts as a copy of the (normalized)
	// content image.
	cfg := StyleTransfer(backend, ctx, content, style)
	x := cfg.initialImage()
	require.Equal(t, tensors.CopyFlatData[float32](cfg.content), tensors.CopyFlatData[float32](x))

	// From noise: same shape, values inside the model range.
	cfg = StyleTransfer(backend, ctx, content, style).InitFromNoise(17)
	x = cfg.initialImage()
	require.Equal(t, cfg.content.Shape().Dimensions, x.Shape().Dimensions)
	for _, v := range tensors.CopyFlatData[float32](x) {
		require.GreaterOrEqual(t, v, float32(-1))
		require.LessOrEqual(t, v, float32(1))
	}
}

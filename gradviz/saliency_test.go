package gradviz

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
)

func TestSaliencyMaps(t *testing.T) {
	backend := testBackend(t)
	ctx := context.New()
	classifier := testClassifier(5)

	const batch, height, width = 2, 4, 6
	flat := make([]float32, batch*height*width*3)
	for i := range flat {
		flat[i] = float32(i%17)/17.0 - 0.5
	}
	images := tensors.FromFlatDataAndDimensions(flat, batch, height, width, 3)
	labels := tensors.FromFlatDataAndDimensions([]int32{1, 3}, batch)

	maps := SaliencyMaps(backend, ctx, classifier, images, labels)

	// One single-channel map per image.
	require.Equal(t, []int{batch, height, width}, maps.Shape().Dimensions)

	// Saliency is an absolute value, so it is non-negative everywhere.
	for _, v := range tensors.CopyFlatData[float32](maps) {
		require.GreaterOrEqual(t, v, float32(0))
	}
}

func TestSaliencyMapsGradientSelectsTrueClass(t *testing.T) {
	backend := testBackend(t)
	ctx := context.New()

	// With 3 classes and 3 channels per pixel, class c's weights land exactly
	// on channel c of every pixel, so the channel-max of the absolute
	// gradient is 0.1 for every pixel and every label.
	classifier := testClassifier(3)
	images := tensors.FromFlatDataAndDimensions(make([]float32, 1*2*2*3), 1, 2, 2, 3)
	labels := tensors.FromFlatDataAndDimensions([]int32{2}, 1)

	maps := SaliencyMaps(backend, ctx, classifier, images, labels)
	for _, v := range tensors.CopyFlatData[float32](maps) {
		require.InDelta(t, 0.1, v, 1e-6)
	}
}

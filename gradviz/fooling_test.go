package gradviz

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
)

func TestFoolConvergesToTargetClass(t *testing.T) {
	backend := testBackend(t)
	ctx := context.New()
	classifier := testClassifier(3)

	// All-zeros image: every class scores 0 and argmax resolves to class 0.
	const height, width = 2, 2
	image := tensors.FromFlatDataAndDimensions(make([]float32, height*width*3), height, width, 3)

	const target = 2
	fooled, steps, err := Fool(backend, ctx, classifier, image, target).
		StepSize(0.5).
		MaxSteps(50).
		Run()
	require.NoError(t, err)
	require.Greater(t, steps, 0)
	require.LessOrEqual(t, steps, 5, "linear model should be fooled within a few steps")

	// The perturbation stays bounded: each step moves the image by exactly
	// the step size in L2 norm.
	var maxDiff float32
	for _, v := range tensors.CopyFlatData[float32](fooled) {
		if v < 0 {
			v = -v
		}
		if v > maxDiff {
			maxDiff = v
		}
	}
	require.LessOrEqual(t, maxDiff, float32(0.5)*float32(steps))
}

func TestFoolAlreadyTargetClass(t *testing.T) {
	backend := testBackend(t)
	ctx := context.New()
	classifier := testClassifier(3)

	// Pixels congruent to class 1 are hot, so class 1 is already predicted.
	flat := make([]float32, 2*2*3)
	for i := range flat {
		if i%3 == 1 {
			flat[i] = 1.0
		}
	}
	image := tensors.FromFlatDataAndDimensions(flat, 2, 2, 3)

	fooled, steps, err := Fool(backend, ctx, classifier, image, 1).Run()
	require.NoError(t, err)
	require.Equal(t, 0, steps)
	require.Same(t, image, fooled, "image must be returned unchanged when already classified as the target")
}

func TestFoolStepCapError(t *testing.T) {
	backend := testBackend(t)
	ctx := context.New()
	classifier := testClassifier(3)

	image := tensors.FromFlatDataAndDimensions(make([]float32, 2*2*3), 2, 2, 3)
	fooled, steps, err := Fool(backend, ctx, classifier, image, 2).
		MaxSteps(0).
		Run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "fooling failed")
	require.Equal(t, 0, steps)
	require.NotNil(t, fooled, "the unconverged image is still returned")
}

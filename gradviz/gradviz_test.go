package gradviz

import (
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// The pure Go backend is registered above so the tests run without an XLA
// plugin installed.

var (
	testBackendOnce sync.Once
	testBackendInst backends.Backend
)

func testBackend(t *testing.T) backends.Backend {
	t.Helper()
	testBackendOnce.Do(func() {
		testBackendInst = backends.MustNew()
	})
	return testBackendInst
}

// testClassifier returns a deterministic linear classifier: class c's score
// is 0.1 times the sum of the pixels whose flattened index is congruent to c
// modulo numClasses. Every class is reachable by gradient ascent, which makes
// it a convenient stand-in for the pretrained model.
func testClassifier(numClasses int) Classifier {
	return func(ctx *context.Context, images *Node) *Node {
		g := images.Graph()
		batch := images.Shape().Dim(0)
		flat := Reshape(images, batch, -1)
		numPixels := flat.Shape().Dim(1)
		weights := make([][]float32, numPixels)
		for i := range weights {
			weights[i] = make([]float32, numClasses)
			weights[i][i%numClasses] = 0.1
		}
		return MatMul(flat, Const(g, weights))
	}
}

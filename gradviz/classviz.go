package gradviz

import (
	"fmt"
	"math/rand"
	randv2 "math/rand/v2"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/models/inceptionv3"
	"github.com/gomlx/gomlx/types/tensors"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// ParamClassVizNumSteps is the hyperparameter that defines the number of
	// gradient ascent steps for class visualization. Defaults to 200.
	ParamClassVizNumSteps = "classviz_num_steps"

	// ParamClassVizLearningRate is the hyperparameter with the ascent step
	// size. Defaults to 25.0 (raw class scores, so large steps are fine).
	ParamClassVizLearningRate = "classviz_learning_rate"

	// ParamClassVizL2Penalty is the hyperparameter with the L2 penalty weight
	// on pixel magnitudes. Defaults to 1e-3.
	ParamClassVizL2Penalty = "classviz_l2_penalty"
)

// ClassVizConfig for class-visualization synthesis. Create it with ClassViz,
// and when finished configuring call ClassVizConfig.Run.
type ClassVizConfig struct {
	backend       backends.Backend
	ctx           *context.Context
	classifier    Classifier
	targetClass   int
	height, width int
	numSteps      int
	learningRate  float64
	l2Penalty     float64
	blurEvery     int
	blurSigma     float64
	maxJitter     int
	snapshotEvery int
	onSnapshot    func(step int, img *tensors.Tensor)
	seed          uint64
	rng           *rand.Rand
}

// ClassViz creates a class-visualization configuration: starting from random
// noise, it synthesizes an image that maximizes the classifier's score for
// targetClass, regularized explicitly by an L2 pixel penalty and implicitly
// by random jitter, value clipping and periodic Gaussian blurring.
func ClassViz(backend backends.Backend, ctx *context.Context, classifier Classifier,
	targetClass int) *ClassVizConfig {
	return &ClassVizConfig{
		backend:      backend,
		ctx:          ctx,
		classifier:   classifier,
		targetClass:  targetClass,
		height:       inceptionv3.ClassificationImageSize,
		width:        inceptionv3.ClassificationImageSize,
		numSteps:     context.GetParamOr(ctx, ParamClassVizNumSteps, 200),
		learningRate: context.GetParamOr(ctx, ParamClassVizLearningRate, 25.0),
		l2Penalty:    context.GetParamOr(ctx, ParamClassVizL2Penalty, 1e-3),
		blurEvery:    10,
		blurSigma:    0.5,
		maxJitter:    16,
		seed:         uint64(time.Now().UnixNano()),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Size sets the spatial size of the synthesized image. Defaults to the
// InceptionV3 classification size.
func (cfg *ClassVizConfig) Size(height, width int) *ClassVizConfig {
	cfg.height, cfg.width = height, width
	return cfg
}

// NumSteps configures the number of ascent steps to take.
func (cfg *ClassVizConfig) NumSteps(numSteps int) *ClassVizConfig {
	cfg.numSteps = numSteps
	return cfg
}

// LearningRate sets the ascent step size.
func (cfg *ClassVizConfig) LearningRate(lr float64) *ClassVizConfig {
	cfg.learningRate = lr
	return cfg
}

// L2Penalty sets the weight of the L2 penalty on pixel magnitudes.
func (cfg *ClassVizConfig) L2Penalty(weight float64) *ClassVizConfig {
	cfg.l2Penalty = weight
	return cfg
}

// Blur configures the implicit blur regularizer: a Gaussian blur with the
// given sigma applied every interval steps. An interval <= 0 disables it.
func (cfg *ClassVizConfig) Blur(interval int, sigma float64) *ClassVizConfig {
	cfg.blurEvery, cfg.blurSigma = interval, sigma
	return cfg
}

// MaxJitter sets the largest random circular pixel shift applied (per axis,
// in either direction) before each ascent step. 0 disables jittering.
func (cfg *ClassVizConfig) MaxJitter(maxJitter int) *ClassVizConfig {
	cfg.maxJitter = maxJitter
	return cfg
}

// Snapshots registers a callback invoked every interval steps (and on the
// last step) with a displayable copy (values 0.0 to 1.0) of the image so far.
func (cfg *ClassVizConfig) Snapshots(interval int, fn func(step int, img *tensors.Tensor)) *ClassVizConfig {
	cfg.snapshotEvery, cfg.onSnapshot = interval, fn
	return cfg
}

// Seed makes the noise initialization and jitter sequence deterministic.
func (cfg *ClassVizConfig) Seed(seed int64) *ClassVizConfig {
	cfg.seed = uint64(seed)
	cfg.rng = rand.New(rand.NewSource(seed))
	return cfg
}

// noiseImage returns a [1, height, width, 3] image of Gaussian noise, kept
// well inside the -1.0 to 1.0 model range.
func (cfg *ClassVizConfig) noiseImage() *tensors.Tensor {
	dist := distuv.Normal{Mu: 0, Sigma: 0.25, Src: randv2.NewPCG(cfg.seed, 0)}
	flat := make([]float32, cfg.height*cfg.width*3)
	for i := range flat {
		v := float32(dist.Rand())
		flat[i] = min(max(v, -1), 1)
	}
	return tensors.FromFlatDataAndDimensions(flat, 1, cfg.height, cfg.width, 3)
}

// ascentStepGraph builds one ascent step on score(target) - l2Penalty*|x|^2,
// with the result clipped back to the valid model range. It returns the
// updated image and the target class score.
func (cfg *ClassVizConfig) ascentStepGraph(ctx *context.Context, img *Node) []*Node {
	g := img.Graph()
	ctx.SetTraining(g, false)
	logits := cfg.classifier(ctx, img)
	score := Reshape(Slice(logits, AxisElem(0), AxisElem(cfg.targetClass)))
	objective := Sub(score, MulScalar(ReduceAllSum(Square(img)), cfg.l2Penalty))
	grad := Gradient(objective, img)[0]
	updated := Add(img, MulScalar(grad, cfg.learningRate))
	updated = ClipScalar(updated, -1, 1)
	return []*Node{updated, score}
}

// Run synthesizes the class image and returns it with values from 0.0 to 1.0,
// shaped [1, height, width, 3].
func (cfg *ClassVizConfig) Run() *tensors.Tensor {
	if cfg.blurEvery > 0 && cfg.blurSigma <= 0 {
		exceptions.Panicf("class visualization: blur interval %d requires a positive sigma, got %g",
			cfg.blurEvery, cfg.blurSigma)
	}
	stepExec := context.NewExec(cfg.backend, cfg.ctx, cfg.ascentStepGraph)
	var blurExec *Exec
	if cfg.blurEvery > 0 {
		kernel := gaussianKernel1D(cfg.blurSigma)
		blurExec = NewExec(cfg.backend, func(img *Node) *Node {
			return blurPerChannel(img, kernel)
		})
	}

	x := cfg.noiseImage()
	var lastPrint time.Time
	for step := 1; step <= cfg.numSteps; step++ {
		var dy, dx int
		if cfg.maxJitter > 0 {
			dy = cfg.rng.Intn(2*cfg.maxJitter+1) - cfg.maxJitter
			dx = cfg.rng.Intn(2*cfg.maxJitter+1) - cfg.maxJitter
			rollImage(x, dy, dx)
		}
		outs := stepExec.Call(x)
		x.FinalizeAll()
		x = outs[0]
		score := outs[1]
		if cfg.maxJitter > 0 {
			rollImage(x, -dy, -dx)
		}
		if cfg.blurEvery > 0 && step%cfg.blurEvery == 0 {
			blurred := blurExec.Call(x)[0]
			x.FinalizeAll()
			x = blurred
		}
		if cfg.onSnapshot != nil && cfg.snapshotEvery > 0 &&
			(step%cfg.snapshotEvery == 0 || step == cfg.numSteps) {
			cfg.onSnapshot(step, DenormalizeImage(cfg.backend, x))
		}
		if time.Since(lastPrint) > time.Second {
			fmt.Printf("\rClass visualization: step=%04d of %04d -- score=%s		    ",
				step, cfg.numSteps, score)
			lastPrint = time.Now()
		}
		score.FinalizeAll()
	}
	return DenormalizeImage(cfg.backend, x)
}

// gaussianKernel1D builds a normalized 1D Gaussian kernel with a radius of
// 2*sigma (at least 1), sampled from the normal density.
func gaussianKernel1D(sigma float64) []float32 {
	radius := max(int(2*sigma), 1)
	dist := distuv.Normal{Mu: 0, Sigma: sigma}
	kernel := make([]float32, 2*radius+1)
	var sum float64
	for i := range kernel {
		w := dist.Prob(float64(i - radius))
		kernel[i] = float32(w)
		sum += w
	}
	for i := range kernel {
		kernel[i] = float32(float64(kernel[i]) / sum)
	}
	return kernel
}

// blurPerChannel applies a separable Gaussian blur to an image shaped
// [batch, height, width, 3], channel by channel.
func blurPerChannel(img *Node, kernel []float32) *Node {
	g := img.Graph()
	k := len(kernel)
	kernelV := Const(g, tensors.FromFlatDataAndDimensions(kernel, k, 1, 1, 1))
	kernelH := Const(g, tensors.FromFlatDataAndDimensions(kernel, 1, k, 1, 1))
	numChannels := img.Shape().Dim(-1)
	channels := make([]*Node, numChannels)
	for c := range numChannels {
		channel := Slice(img, AxisRange(), AxisRange(), AxisRange(), AxisElem(c))
		channel = Convolve(channel, kernelV).PadSame().Done()
		channel = Convolve(channel, kernelH).PadSame().Done()
		channels[c] = channel
	}
	return Concatenate(channels, -1)
}

// rollImage circularly shifts an image tensor shaped [batch, height, width,
// channels] by dy rows and dx columns, in place.
func rollImage(t *tensors.Tensor, dy, dx int) {
	shape := t.Shape()
	batch, height, width, channels := shape.Dim(0), shape.Dim(1), shape.Dim(2), shape.Dim(3)
	dy = ((dy % height) + height) % height
	dx = ((dx % width) + width) % width
	if dy == 0 && dx == 0 {
		return
	}
	tensors.MutableFlatData[float32](t, func(flat []float32) {
		tmp := make([]float32, len(flat))
		copy(tmp, flat)
		for b := range batch {
			for y := range height {
				dstY := (y + dy) % height
				for x := range width {
					dstX := (x + dx) % width
					src := ((b*height+y)*width + x) * channels
					dst := ((b*height+dstY)*width + dstX) * channels
					copy(flat[dst:dst+channels], tmp[src:src+channels])
				}
			}
		}
	})
}

package gradviz

import (
	"fmt"
	randv2 "math/rand/v2"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// ParamNumSteps is the hyperparameter that defines the number of steps to execute for transfer.
	// Defaults to 1000.
	ParamNumSteps = "num_steps"

	// ParamContentWeight is the weight on which to match the content image. Also known as the "alpha" parameter.
	ParamContentWeight = "content_weight"

	// ParamStyleWeight is the weight on which to match the style image. Also known as the "beta" parameter.
	ParamStyleWeight = "style_weight"

	// ParamTVWeight is the weight of the total-variation smoothness penalty.
	ParamTVWeight = "tv_weight"
)

// StyleTransferConfig for style transfer. Create it with StyleTransfer, and when
// finished configuring execute StyleTransferConfig.Transfer to run the style transfer.
type StyleTransferConfig struct {
	backend        backends.Backend
	ctx            *context.Context
	content, style *tensors.Tensor

	contentWeight float64
	styleWeight   float64
	tvWeight      float64

	contentLayer  int
	styleLayers   []int
	layerWeights  []float64
	normalizeGram bool

	numSteps      int
	initialLR     float64
	finalLR       float64
	decayAtStep   int
	initFromNoise bool
	noiseSeed     uint64
	snapshotEvery int
	onSnapshot    func(step int, img *tensors.Tensor)
}

// StyleTransfer creates a style transfer configuration object: it takes as
// input the content image, the style image as tensors (color values from 0.0
// to 1.0) and a context ctx with hyperparameters, used to create the style
// transfer model and the generated image.
//
// You can further configure the style transfer, and when done, call
// StyleTransferConfig.Transfer to execute it and get the generated image back.
//
// The context given can be saved (checkpoints), and later loaded in case you
// want to run more steps on the image.
//
// It uses the original style transfer algorithm described in [1] and [2].
//
// [1] "A Neural Algorithm of Artistic Style", 2015, Gatys, Ecker & Bethge -- https://arxiv.org/abs/1508.06576
// [2] "Neural Style Transfer (NST) -- theory and implementation", 2021 -- https://medium.com/@ferlatti.aldo/neural-style-transfer-nst-theory-and-implementation-c26728cf969d
func StyleTransfer(backend backends.Backend, ctx *context.Context, content, style *tensors.Tensor) *StyleTransferConfig {
	normalizeExec := NewExec(backend, normalizeImage)
	cfg := &StyleTransferConfig{
		backend:       backend,
		ctx:           ctx,
		content:       normalizeExec.Call(content)[0],
		style:         normalizeExec.Call(style)[0],
		contentWeight: context.GetParamOr(ctx, ParamContentWeight, 1.0),
		styleWeight:   context.GetParamOr(ctx, ParamStyleWeight, 1.0e4),
		tvWeight:      context.GetParamOr(ctx, ParamTVWeight, 1.0e-2),
		contentLayer:  30,
		styleLayers:   []int{2, 8, 14, 20},
		normalizeGram: true,
		numSteps:      context.GetParamOr(ctx, ParamNumSteps, 1000),
		initialLR:     0.05,
		finalLR:       0.01,
		noiseSeed:     uint64(time.Now().UnixNano()),
	}
	cfg.layerWeights = make([]float64, len(cfg.styleLayers))
	for i := range cfg.layerWeights {
		cfg.layerWeights[i] = 1.0
	}
	cfg.decayAtStep = cfg.numSteps * 9 / 10
	return cfg
}

// ContentWeight sets the weight to use when matching the content image.
// In the original paper (see [1] and [2]) it is called "alpha".
func (cfg *StyleTransferConfig) ContentWeight(weight float64) *StyleTransferConfig {
	cfg.contentWeight = weight
	return cfg
}

// StyleWeight sets the weight to use when matching the style image.
// In the original paper (see [1] and [2]) it is called "beta".
func (cfg *StyleTransferConfig) StyleWeight(weight float64) *StyleTransferConfig {
	cfg.styleWeight = weight
	return cfg
}

// TVWeight sets the weight of the total-variation smoothness penalty.
func (cfg *StyleTransferConfig) TVWeight(weight float64) *StyleTransferConfig {
	cfg.tvWeight = weight
	return cfg
}

// ContentLayer designates the InceptionV3 layer (0 to InceptionV3NumLayers-1)
// whose feature map the generated image should match. Defaults to 30.
func (cfg *StyleTransferConfig) ContentLayer(layer int) *StyleTransferConfig {
	cfg.contentLayer = layer
	return cfg
}

// StyleLayers sets the InceptionV3 layers whose Gram matrices the generated
// image should match, with one weight per layer. weights can be nil, in which
// case all layers weigh the same.
func (cfg *StyleTransferConfig) StyleLayers(layers []int, weights []float64) *StyleTransferConfig {
	if weights == nil {
		weights = make([]float64, len(layers))
		for i := range weights {
			weights[i] = 1.0
		}
	}
	if len(weights) != len(layers) {
		exceptions.Panicf("style transfer: got %d style layers but %d weights", len(layers), len(weights))
	}
	cfg.styleLayers = layers
	cfg.layerWeights = weights
	return cfg
}

// NormalizeGram sets whether Gram matrices are normalized by the feature
// map's element count. Defaults to true.
func (cfg *StyleTransferConfig) NormalizeGram(normalize bool) *StyleTransferConfig {
	cfg.normalizeGram = normalize
	return cfg
}

// NumSteps configures the number of steps to take during the style transfer.
//
// It defaults to the hyperparameter "num_steps", or if that is not set, defaults to 1000.
// It also resets the learning-rate decay point to 90% of numSteps.
func (cfg *StyleTransferConfig) NumSteps(numSteps int) *StyleTransferConfig {
	cfg.numSteps = numSteps
	cfg.decayAtStep = numSteps * 9 / 10
	return cfg
}

// LearningRates sets the piecewise learning-rate schedule: initial is used up
// to (excluding) decayAtStep, final afterwards.
func (cfg *StyleTransferConfig) LearningRates(initial, final float64, decayAtStep int) *StyleTransferConfig {
	cfg.initialLR = initial
	cfg.finalLR = final
	cfg.decayAtStep = decayAtStep
	return cfg
}

// InitFromNoise starts the generated image from Gaussian noise instead of
// from the content image.
func (cfg *StyleTransferConfig) InitFromNoise(seed int64) *StyleTransferConfig {
	cfg.initFromNoise = true
	cfg.noiseSeed = uint64(seed)
	return cfg
}

// Snapshots registers a callback invoked every interval steps (and on the
// last step) with a displayable copy (values 0.0 to 1.0) of the image so far.
func (cfg *StyleTransferConfig) Snapshots(interval int, fn func(step int, img *tensors.Tensor)) *StyleTransferConfig {
	cfg.snapshotEvery, cfg.onSnapshot = interval, fn
	return cfg
}

// GramMatrix returns a [numChannels, numChannels] matrix with the correlation
// of channels across the feature map: the feature map is reshaped to
// (spatial positions, channels) and multiplied by its own transpose.
// If normalize is true the result is divided by the feature map's element count.
func GramMatrix(features *Node, normalize bool) *Node {
	numChannels := features.Shape().Dim(-1)
	flat := Reshape(features, -1, numChannels)
	gram := MatMul(Transpose(flat, 0, 1), flat)
	gram.AssertDims(numChannels, numChannels)
	if normalize {
		gram = DivScalar(gram, float64(features.Shape().Size()))
	}
	return gram
}

// ContentLoss is the weighted sum of squared differences between a generated
// image's feature map and the content target's feature map at the same layer.
func ContentLoss(weight float64, features, target *Node) *Node {
	if !features.Shape().Equal(target.Shape()) {
		exceptions.Panicf("content loss requires matching feature maps, got %s vs %s",
			features.Shape(), target.Shape())
	}
	return MulScalar(ReduceAllSum(Square(Sub(features, target))), weight)
}

// StyleLayerLoss is the weighted squared Frobenius distance between the Gram
// matrices of a generated image and of the style target, for one layer.
func StyleLayerLoss(weight float64, gram, styleGram *Node) *Node {
	if !gram.Shape().Equal(styleGram.Shape()) {
		exceptions.Panicf("style loss requires matching Gram matrices, got %s vs %s",
			gram.Shape(), styleGram.Shape())
	}
	return MulScalar(ReduceAllSum(Square(Sub(gram, styleGram))), weight)
}

// TotalVariationLoss is the weighted sum of squared differences between
// horizontally and vertically adjacent pixels, summed over channels. img can
// be shaped [height, width, channels] or [batch, height, width, channels].
func TotalVariationLoss(weight float64, img *Node) *Node {
	rowAxis := img.Rank() - 3
	if rowAxis != 0 && rowAxis != 1 {
		exceptions.Panicf("total variation expects a rank 3 or 4 image, got %s", img.Shape())
	}
	lead := make([]SliceAxisSpec, rowAxis)
	for i := range lead {
		lead[i] = AxisRange()
	}
	slice := func(specs ...SliceAxisSpec) *Node {
		return Slice(img, append(append([]SliceAxisSpec{}, lead...), specs...)...)
	}
	vertical := Sub(slice(AxisRange(1)), slice(AxisRange(0, -1)))
	horizontal := Sub(slice(AxisRange(), AxisRange(1)), slice(AxisRange(), AxisRange(0, -1)))
	tv := Add(ReduceAllSum(Square(vertical)), ReduceAllSum(Square(horizontal)))
	return MulScalar(tv, weight)
}

// precalculateTargets runs the frozen model once on the content and style
// images, and stores the content layer's feature map and the style layers'
// Gram matrices as non-trainable variables in the context.
func (cfg *StyleTransferConfig) precalculateTargets() {
	_ = context.ExecOnceN(cfg.backend, cfg.ctx, func(ctx *context.Context, content, style *Node) []*Node {
		g := content.Graph()
		ctx.SetTraining(g, false)
		allLayers := InceptionV3PerLayerEmbeddings(ctx, []*Node{content, style})
		contentLayers, styleLayers := allLayers[0], allLayers[1]

		setVar := func(scopedCtx *context.Context, name string, value *Node) {
			v := scopedCtx.GetVariable(name)
			if v == nil {
				v = scopedCtx.VariableWithValueGraph(name, value)
			} else {
				v.SetValueGraph(value)
			}
			v.SetTrainable(false)
		}
		setVar(ctx.In("content_target"), "embedding", contentLayers[cfg.contentLayer])
		gramCtx := ctx.In("style_targets")
		for _, layer := range cfg.styleLayers {
			setVar(gramCtx, fmt.Sprintf("gram_%d", layer),
				GramMatrix(styleLayers[layer], cfg.normalizeGram))
		}
		return nil
	}, cfg.content, cfg.style)
}

// loss combines the content, style and total-variation losses of x against
// the precalculated targets.
func (cfg *StyleTransferConfig) loss(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	xLayers := InceptionV3PerLayerEmbeddings(ctx, []*Node{x})[0]

	contentTarget := ctx.In("content_target").GetVariable("embedding")
	if contentTarget == nil {
		exceptions.Panicf("content target for layer %d not precalculated", cfg.contentLayer)
	}
	loss := ContentLoss(cfg.contentWeight, xLayers[cfg.contentLayer], contentTarget.ValueGraph(g))

	gramCtx := ctx.In("style_targets")
	var styleLoss *Node
	for i, layer := range cfg.styleLayers {
		styleGram := gramCtx.GetVariable(fmt.Sprintf("gram_%d", layer))
		if styleGram == nil {
			exceptions.Panicf("style Gram matrix for layer %d not precalculated", layer)
		}
		layerLoss := StyleLayerLoss(cfg.layerWeights[i],
			GramMatrix(xLayers[layer], cfg.normalizeGram), styleGram.ValueGraph(g))
		if styleLoss == nil {
			styleLoss = layerLoss
		} else {
			styleLoss = Add(styleLoss, layerLoss)
		}
	}
	loss = Add(loss, MulScalar(styleLoss, cfg.styleWeight))
	loss = Add(loss, TotalVariationLoss(cfg.tvWeight, x))
	return loss
}

// transferStepGraph builds the computation graph that executes one step of style transfer.
func (cfg *StyleTransferConfig) transferStepGraph(ctx *context.Context, g *Graph, xVar *context.Variable) *Node {
	ctx.SetTraining(g, true)
	x := xVar.ValueGraph(g)
	loss := cfg.loss(ctx, x)

	// Optimize loss on xVar
	opt := optimizers.FromContext(ctx)
	opt.UpdateGraph(ctx, g, loss)

	// Clip values of the generated image x to be back at -1 to 1.0 range.
	// If we don't do this, the images gets full of "specks" of dust, on pixels that "overflow" the value.
	x = xVar.ValueGraph(g) // Value has been updated by the optimizer, we need to fetch it again.
	x = ClipScalar(x, -1, 1)
	xVar.SetValueGraph(x)
	return loss
}

// initialImage returns the starting point for the generated image: a copy of
// the content image, or Gaussian noise of the same shape.
func (cfg *StyleTransferConfig) initialImage() *tensors.Tensor {
	if !cfg.initFromNoise {
		xT := tensors.FromShape(cfg.content.Shape())
		xT.CopyFrom(cfg.content)
		return xT
	}
	dist := distuv.Normal{Mu: 0, Sigma: 0.5, Src: randv2.NewPCG(cfg.noiseSeed, 0)}
	flat := make([]float32, cfg.content.Shape().Size())
	for i := range flat {
		flat[i] = min(max(float32(dist.Rand()), -1), 1)
	}
	return tensors.FromFlatDataAndDimensions(flat, cfg.content.Shape().Dimensions...)
}

// Transfer style and returns the newly generated image, with color values
// from 0.0 to 1.0. It can be called multiple times, each time continues with
// the generated image from where the previous one left off.
func (cfg *StyleTransferConfig) Transfer() *tensors.Tensor {
	ctx := cfg.ctx
	ctx.SetParam(optimizers.ParamOptimizer, "adam")

	// Pre-generate content embedding and style Gram matrices.
	cfg.precalculateTargets()

	// Target image x that we want to generate: make it a trainable variable.
	xVar := ctx.GetVariable("x")
	if xVar == nil {
		xVar = ctx.VariableWithValue("x", cfg.initialImage())
	}
	xVar.SetTrainable(true)

	// One compiled step executable per learning-rate phase: the rate is read
	// from the context hyperparameters when the graph is built.
	newStepExec := func(learningRate float64) *context.Exec {
		ctx.SetParam(optimizers.ParamLearningRate, learningRate)
		return context.NewExec(cfg.backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return cfg.transferStepGraph(ctx, g, xVar)
		})
	}
	stepExec := newStepExec(cfg.initialLR)

	// Iterate training step, minimizing the loss and generating the image with the style transferred.
	var avgDuration float64
	var lastPrint time.Time
	var loss *tensors.Tensor
	for step := 0; step < cfg.numSteps; step++ {
		if step == cfg.decayAtStep {
			stepExec = newStepExec(cfg.finalLR)
		}
		start := time.Now()
		if loss != nil {
			loss.FinalizeAll()
		}
		loss = stepExec.Call()[0]
		duration := time.Since(start).Seconds()
		if step < 10 {
			avgDuration = duration
		} else {
			avgDuration = 0.9*avgDuration + 0.1*duration
		}
		if cfg.onSnapshot != nil && cfg.snapshotEvery > 0 &&
			((step+1)%cfg.snapshotEvery == 0 || step == cfg.numSteps-1) {
			cfg.onSnapshot(step+1, DenormalizeImage(cfg.backend, xVar.Value()))
		}
		if time.Since(lastPrint) > time.Second {
			fmt.Printf("\rStyle transferring: step=%05d of %05d (%8.1f ms/step) -- loss=%s			       ",
				step+1, cfg.numSteps, avgDuration*1000.0, loss)
			lastPrint = time.Now()
		}
	}
	fmt.Printf("\rStyle transferring: step=%05d of %05d (%5.1fms/step) -- loss=%s			  \n",
		cfg.numSteps, cfg.numSteps, avgDuration*1000.0, loss)

	// Take generated image variable and de-normalize it back to a normal image.
	return DenormalizeImage(cfg.backend, xVar.Value())
}

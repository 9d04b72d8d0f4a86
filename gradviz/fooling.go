package gradviz

import (
	"fmt"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

const (
	// ParamFoolingStepSize is the hyperparameter with the size of each gradient
	// ascent step, taken along the unit-normalized gradient. Defaults to 1.0.
	ParamFoolingStepSize = "fooling_step_size"

	// ParamFoolingMaxSteps is the hyperparameter that caps the number of
	// ascent steps before the run is declared failed. Defaults to 100.
	ParamFoolingMaxSteps = "fooling_max_steps"
)

// FoolingConfig for fooling-image synthesis. Create it with Fool, and when
// finished configuring call FoolingConfig.Run.
type FoolingConfig struct {
	backend     backends.Backend
	ctx         *context.Context
	classifier  Classifier
	image       *tensors.Tensor
	targetClass int
	stepSize    float64
	maxSteps    int
}

// Fool creates a fooling-image configuration: it perturbs the given image
// (shaped [height, width, 3], model range -1.0 to 1.0) by targeted gradient
// ascent until the classifier predicts targetClass.
//
// Further configure it with StepSize and MaxSteps, then call Run.
func Fool(backend backends.Backend, ctx *context.Context, classifier Classifier,
	image *tensors.Tensor, targetClass int) *FoolingConfig {
	return &FoolingConfig{
		backend:     backend,
		ctx:         ctx,
		classifier:  classifier,
		image:       image,
		targetClass: targetClass,
		stepSize:    context.GetParamOr(ctx, ParamFoolingStepSize, 1.0),
		maxSteps:    context.GetParamOr(ctx, ParamFoolingMaxSteps, 100),
	}
}

// StepSize sets the size of each ascent step, taken along the unit-normalized
// gradient of the target class score.
func (cfg *FoolingConfig) StepSize(stepSize float64) *FoolingConfig {
	cfg.stepSize = stepSize
	return cfg
}

// MaxSteps caps the number of ascent steps before Run gives up.
func (cfg *FoolingConfig) MaxSteps(maxSteps int) *FoolingConfig {
	cfg.maxSteps = maxSteps
	return cfg
}

// foolingStepGraph builds one ascent step: it returns the updated image, the
// class currently predicted for the input image, and the target class score.
func (cfg *FoolingConfig) foolingStepGraph(ctx *context.Context, img *Node) []*Node {
	g := img.Graph()
	ctx.SetTraining(g, false)
	input := img
	if img.Rank() == 3 {
		img = ExpandAxes(img, 0)
	}
	logits := cfg.classifier(ctx, img)
	score := Reshape(Slice(logits, AxisElem(0), AxisElem(cfg.targetClass)))
	pred := Reshape(Slice(predictedClasses(logits), AxisElem(0)))

	grad := Gradient(score, input)[0]
	// Normalize the gradient to unit L2 norm, so the step size alone controls
	// the perturbation magnitude.
	norm := Sqrt(ReduceAllSum(Square(grad)))
	grad = Div(grad, AddScalar(norm, 1e-12))
	updated := Add(input, MulScalar(grad, cfg.stepSize))
	return []*Node{updated, pred, score}
}

// Run executes the fooling loop: forward pass, target-score gradient, ascent
// step, until the predicted class equals the target or the step cap is hit.
//
// It returns the perturbed image and the number of steps taken. If the cap is
// reached without the target class being predicted, the perturbed image is
// still returned, together with a descriptive error.
func (cfg *FoolingConfig) Run() (*tensors.Tensor, int, error) {
	stepExec := context.NewExec(cfg.backend, cfg.ctx, cfg.foolingStepGraph)

	x := cfg.image
	var lastScore *tensors.Tensor
	var lastPrint time.Time
	for step := 0; step <= cfg.maxSteps; step++ {
		outs := stepExec.Call(x)
		updated, pred, score := outs[0], outs[1], outs[2]
		if lastScore != nil {
			lastScore.FinalizeAll()
		}
		lastScore = score
		if tensors.ToScalar[int32](pred) == int32(cfg.targetClass) {
			updated.FinalizeAll()
			return x, step, nil
		}
		if step == cfg.maxSteps {
			break
		}
		if x != cfg.image {
			x.FinalizeAll()
		}
		x = updated
		if time.Since(lastPrint) > time.Second {
			fmt.Printf("\rFooling: step=%04d of %04d -- target score=%s		    ",
				step+1, cfg.maxSteps, score)
			lastPrint = time.Now()
		}
	}
	return x, cfg.maxSteps, errors.Errorf(
		"fooling failed: target class %d not predicted after %d steps (last target score %s)",
		cfg.targetClass, cfg.maxSteps, lastScore)
}

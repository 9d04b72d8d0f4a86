// Command gradviz runs the gradient-based visualization procedures against
// the pretrained InceptionV3 model: saliency maps, fooling images, class
// visualization, style transfer and reference-archive checks.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gradviz/gradviz/gradviz"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "gradviz",
		Short:         "Gradient-based visualization of a pretrained image classifier",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&gradviz.InceptionV3Dir, "model-dir",
		gradviz.InceptionV3Dir, "Directory where the InceptionV3 weights are cached")
	rootCmd.AddCommand(
		saliencyCmd(),
		foolCmd(),
		dreamCmd(),
		transferCmd(),
		checkCmd(),
		makeReferenceCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadModelImage loads an image, resizes it to the InceptionV3 size and
// normalizes it to the model's -1.0 to 1.0 range.
func loadModelImage(backend backends.Backend, path string) (*tensors.Tensor, error) {
	img, err := gradviz.LoadImage(path)
	if err != nil {
		return nil, err
	}
	img = gradviz.InceptionV3ResizeTensor(backend, img)
	return gradviz.NormalizeImage(backend, img), nil
}

// stackImages concatenates same-shaped [height, width, 3] images into a
// [batch, height, width, 3] batch.
func stackImages(imgs []*tensors.Tensor) (*tensors.Tensor, error) {
	shape := imgs[0].Shape()
	flat := make([]float32, 0, len(imgs)*shape.Size())
	for _, img := range imgs {
		if !img.Shape().Equal(shape) {
			return nil, errors.Errorf("all images must share a shape, got %s and %s", shape, img.Shape())
		}
		flat = append(flat, tensors.CopyFlatData[float32](img)...)
	}
	return tensors.FromFlatDataAndDimensions(flat,
		append([]int{len(imgs)}, shape.Dimensions...)...), nil
}

// saliencyToImage rescales one [height, width] saliency map to a displayable
// grey [height, width, 3] image.
func saliencyToImage(flat []float32, height, width int) *tensors.Tensor {
	var peak float32
	for _, v := range flat {
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		peak = 1
	}
	grey := make([]float32, 0, len(flat)*3)
	for _, v := range flat {
		v /= peak
		grey = append(grey, v, v, v)
	}
	return tensors.FromFlatDataAndDimensions(grey, height, width, 3)
}

func saliencyCmd() *cobra.Command {
	var labels []int32
	var outputDir string
	cmd := &cobra.Command{
		Use:   "saliency <image>...",
		Short: "Compute per-pixel saliency maps for images and their true classes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(labels) != len(args) {
				return errors.Errorf("got %d images but %d labels", len(args), len(labels))
			}
			backend := backends.MustNew()
			ctx := context.New()
			classifier := gradviz.InceptionV3Classifier()

			imgs := make([]*tensors.Tensor, len(args))
			for i, path := range args {
				img, err := loadModelImage(backend, path)
				if err != nil {
					return err
				}
				imgs[i] = img
			}
			batch, err := stackImages(imgs)
			if err != nil {
				return err
			}
			labelsT := tensors.FromFlatDataAndDimensions(labels, len(labels))

			maps := gradviz.SaliencyMaps(backend, ctx, classifier, batch, labelsT)
			height, width := maps.Shape().Dim(1), maps.Shape().Dim(2)
			flat := tensors.CopyFlatData[float32](maps)
			for i, path := range args {
				mapImg := saliencyToImage(flat[i*height*width:(i+1)*height*width], height, width)
				name := filepath.Base(path)
				name = name[:len(name)-len(filepath.Ext(name))] + "_saliency.png"
				outPath := filepath.Join(outputDir, name)
				if err := gradviz.SaveImage(mapImg, outPath); err != nil {
					return err
				}
				fmt.Printf("Saved %s\n", outPath)
			}
			return nil
		},
	}
	cmd.Flags().Int32SliceVar(&labels, "labels", nil, "Ground-truth class index per image, in order")
	cmd.Flags().StringVar(&outputDir, "output-dir", ".", "Directory where saliency maps are saved")
	return cmd
}

func foolCmd() *cobra.Command {
	var target, maxSteps int
	var stepSize float64
	var output string
	cmd := &cobra.Command{
		Use:   "fool <image>",
		Short: "Perturb an image until the classifier predicts a target class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend := backends.MustNew()
			ctx := context.New()
			classifier := gradviz.InceptionV3Classifier()

			img, err := loadModelImage(backend, args[0])
			if err != nil {
				return err
			}
			fooled, steps, err := gradviz.Fool(backend, ctx, classifier, img, target).
				StepSize(stepSize).
				MaxSteps(maxSteps).
				Run()
			if err != nil {
				return err
			}
			fmt.Printf("\nFooled the classifier into class %d in %d steps.\n", target, steps)
			return gradviz.SaveImage(gradviz.DenormalizeImage(backend, fooled), output)
		},
	}
	cmd.Flags().IntVar(&target, "target", 0, "Target class index to fool the classifier into")
	cmd.Flags().Float64Var(&stepSize, "step-size", 1.0, "Size of each gradient ascent step")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 100, "Cap on the number of ascent steps")
	cmd.Flags().StringVar(&output, "output", "fooled.png", "Where to save the perturbed image")
	must.M(cmd.MarkFlagRequired("target"))
	return cmd
}

func dreamCmd() *cobra.Command {
	var class, steps, blurEvery, maxJitter, snapshotEvery int
	var lr, l2, blurSigma float64
	var seed int64
	var output, snapshotDir string
	cmd := &cobra.Command{
		Use:   "dream",
		Short: "Synthesize an image from noise that maximizes a class score",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend := backends.MustNew()
			ctx := context.New()
			classifier := gradviz.InceptionV3Classifier()

			cfg := gradviz.ClassViz(backend, ctx, classifier, class).
				NumSteps(steps).
				LearningRate(lr).
				L2Penalty(l2).
				Blur(blurEvery, blurSigma).
				MaxJitter(maxJitter)
			if seed != 0 {
				cfg = cfg.Seed(seed)
			}
			if snapshotEvery > 0 {
				cfg = cfg.Snapshots(snapshotEvery, func(step int, img *tensors.Tensor) {
					path := filepath.Join(snapshotDir, fmt.Sprintf("dream_%05d.png", step))
					must.M(gradviz.SaveImage(img, path))
				})
			}
			img := cfg.Run()
			fmt.Println()
			return gradviz.SaveImage(img, output)
		},
	}
	cmd.Flags().IntVar(&class, "class", 0, "Class index to maximize")
	cmd.Flags().IntVar(&steps, "steps", 200, "Number of gradient ascent steps")
	cmd.Flags().Float64Var(&lr, "learning-rate", 25.0, "Ascent step size")
	cmd.Flags().Float64Var(&l2, "l2-penalty", 1e-3, "L2 penalty weight on pixel magnitudes")
	cmd.Flags().IntVar(&blurEvery, "blur-every", 10, "Blur the image every this many steps (0 disables)")
	cmd.Flags().Float64Var(&blurSigma, "blur-sigma", 0.5, "Sigma of the periodic Gaussian blur")
	cmd.Flags().IntVar(&maxJitter, "jitter", 16, "Largest random circular pixel shift per step")
	cmd.Flags().IntVar(&snapshotEvery, "snapshot-every", 0, "Save an intermediate image every this many steps")
	cmd.Flags().StringVar(&snapshotDir, "snapshot-dir", ".", "Directory where snapshots are saved")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Seed for noise and jitter (0 picks a random one)")
	cmd.Flags().StringVar(&output, "output", "dream.png", "Where to save the synthesized image")
	must.M(cmd.MarkFlagRequired("class"))
	return cmd
}

func transferCmd() *cobra.Command {
	var steps, snapshotEvery int
	var contentWeight, styleWeight, tvWeight float64
	var fromNoise bool
	var seed int64
	var output, snapshotDir string
	cmd := &cobra.Command{
		Use:   "transfer <content-image> <style-image>",
		Short: "Transfer the style of one image onto the content of another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend := backends.MustNew()
			ctx := context.New()

			content, style := gradviz.LoadScaledImages(backend, args[0], args[1])
			cfg := gradviz.StyleTransfer(backend, ctx, content, style).
				ContentWeight(contentWeight).
				StyleWeight(styleWeight).
				TVWeight(tvWeight).
				NumSteps(steps)
			if fromNoise {
				cfg = cfg.InitFromNoise(seed)
			}
			if snapshotEvery > 0 {
				cfg = cfg.Snapshots(snapshotEvery, func(step int, img *tensors.Tensor) {
					path := filepath.Join(snapshotDir, fmt.Sprintf("transfer_%05d.png", step))
					must.M(gradviz.SaveImage(img, path))
				})
			}
			img := cfg.Transfer()
			return gradviz.SaveImage(img, output)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1000, "Number of optimization steps")
	cmd.Flags().Float64Var(&contentWeight, "content-weight", 1.0, "Weight of the content loss")
	cmd.Flags().Float64Var(&styleWeight, "style-weight", 1e4, "Weight of the style loss")
	cmd.Flags().Float64Var(&tvWeight, "tv-weight", 1e-2, "Weight of the total-variation loss")
	cmd.Flags().BoolVar(&fromNoise, "from-noise", false, "Start from Gaussian noise instead of the content image")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Seed for the noise initialization")
	cmd.Flags().IntVar(&snapshotEvery, "snapshot-every", 0, "Save an intermediate image every this many steps")
	cmd.Flags().StringVar(&snapshotDir, "snapshot-dir", ".", "Directory where snapshots are saved")
	cmd.Flags().StringVar(&output, "output", "transferred.png", "Where to save the generated image")
	return cmd
}

func checkCmd() *cobra.Command {
	var archivePath string
	cmd := &cobra.Command{
		Use:   "check <content-image> <style-image>",
		Short: "Verify the loss implementations against a reference archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend := backends.MustNew()
			ctx := context.New()

			archive, err := gradviz.LoadReferenceArchive(archivePath)
			if err != nil {
				return err
			}
			content, style := gradviz.LoadScaledImages(backend, args[0], args[1])
			if err := gradviz.VerifyLosses(backend, ctx, archive, content, style); err != nil {
				return err
			}
			fmt.Println("All loss values match the reference archive.")
			return nil
		},
	}
	cmd.Flags().StringVar(&archivePath, "archive", "reference.safetensors", "Reference archive to check against")
	return cmd
}

func makeReferenceCmd() *cobra.Command {
	var archivePath string
	cmd := &cobra.Command{
		Use:   "make-reference <content-image> <style-image>",
		Short: "Generate the reference archive used by the check command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend := backends.MustNew()
			ctx := context.New()

			content, style := gradviz.LoadScaledImages(backend, args[0], args[1])
			quantities := gradviz.ComputeReferenceQuantities(backend, ctx, content, style)
			if err := gradviz.SaveReferenceArchive(archivePath, quantities); err != nil {
				return err
			}
			fmt.Printf("Saved reference archive to %s\n", archivePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&archivePath, "archive", "reference.safetensors", "Where to save the reference archive")
	return cmd
}

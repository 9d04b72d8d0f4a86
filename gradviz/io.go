package gradviz

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/gonb/gonbui"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	_ "golang.org/x/image/webp"
)

// DisplayImages using gonbui.
// It only works in a notebook.
func DisplayImages(imgs ...*tensors.Tensor) {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "<table><tr>\n")
	for _, img := range imgs {
		src := must.M1(gonbui.EmbedImageAsPNGSrc(images.ToImage().Single(img)))
		fmt.Fprintf(buf, "  <td><img src=\"%s\"/></td>\n", src)
	}
	fmt.Fprintf(buf, "</tr></table>\n")
	gonbui.DisplayHTMLF("%s", buf.String())
}

// LoadImage as a tensor shaped [height, width, 3], with color values from 0.0 to 1.0.
//
// Image type is taken from its extension, .png, .jpg, .gif and .webp are accepted.
func LoadImage(imagePath string) (imgT *tensors.Tensor, err error) {
	imgFile, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image in %s", imagePath)
	}
	defer func() { _ = imgFile.Close() }()

	img, _, err := image.Decode(imgFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image in %s", imagePath)
	}
	imgT = images.ToTensor(dtypes.Float32).Single(img)
	return
}

// SaveImage encodes the tensor as a PNG file. The tensor must be shaped
// [height, width, 3] (or [1, height, width, 3]) with values from 0.0 to 1.0.
func SaveImage(imgT *tensors.Tensor, imagePath string) error {
	if imgT.Rank() == 4 {
		if imgT.Shape().Dim(0) != 1 {
			return errors.Errorf("can only save a single image, got batch of %d in %s",
				imgT.Shape().Dim(0), imgT.Shape())
		}
		// Drop the batch dimension.
		flat := tensors.CopyFlatData[float32](imgT)
		imgT = tensors.FromFlatDataAndDimensions(flat,
			imgT.Shape().Dim(1), imgT.Shape().Dim(2), imgT.Shape().Dim(3))
	}
	img := images.ToImage().Single(imgT)
	f, err := os.Create(imagePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create image file %s", imagePath)
	}
	defer func() { _ = f.Close() }()
	if err := png.Encode(f, img); err != nil {
		return errors.Wrapf(err, "failed to encode PNG to %s", imagePath)
	}
	return nil
}

// LoadScaledImages loads the content and style images, and scales them
// to InceptionV3 sizes. Values are from 0.0 to 1.0.
func LoadScaledImages(backend backends.Backend, contentPath, stylePath string) (content, style *tensors.Tensor) {
	content = must.M1(LoadImage(contentPath))
	style = must.M1(LoadImage(stylePath))
	fmt.Println("Images:")
	fmt.Printf("- content:\t%s\n", content.Shape())
	fmt.Printf("- style:   \t%s\n", style.Shape())
	content = InceptionV3ResizeTensor(backend, content)
	style = InceptionV3ResizeTensor(backend, style)
	fmt.Printf("\t> Scaled to %s\n", content.Shape())
	return
}

// LoadStyleImages loads every decodable image from the given styles directory,
// scaled to InceptionV3 size, keyed by file name (without extension).
// It fails if the directory can't be read or holds no decodable image.
func LoadStyleImages(backend backends.Backend, stylesDir string) (map[string]*tensors.Tensor, error) {
	entries, err := os.ReadDir(stylesDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read styles directory %s", stylesDir)
	}
	styles := make(map[string]*tensors.Tensor)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		imgT, err := LoadImage(filepath.Join(stylesDir, entry.Name()))
		if err != nil {
			continue // Not an image (or not a format we decode).
		}
		name := entry.Name()
		name = name[:len(name)-len(filepath.Ext(name))]
		styles[name] = InceptionV3ResizeTensor(backend, imgT)
	}
	if len(styles) == 0 {
		return nil, errors.Errorf("no decodable images found in styles directory %s", stylesDir)
	}
	return styles, nil
}

// StyleNames returns the sorted names of a styles map, for stable listings.
func StyleNames(styles map[string]*tensors.Tensor) []string {
	names := make([]string, 0, len(styles))
	for name := range styles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

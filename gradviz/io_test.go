package gradviz

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadImageRoundTrip(t *testing.T) {
	const height, width = 4, 6
	flat := make([]float32, height*width*3)
	for i := range flat {
		flat[i] = float32((i*11)%256) / 255.0
	}
	img := tensors.FromFlatDataAndDimensions(flat, height, width, 3)

	path := filepath.Join(t.TempDir(), "img.png")
	require.NoError(t, SaveImage(img, path))

	loaded, err := LoadImage(path)
	require.NoError(t, err)
	require.Equal(t, []int{height, width, 3}, loaded.Shape().Dimensions)

	// PNG is 8-bit per channel, so values survive within one quantization step.
	loadedFlat := tensors.CopyFlatData[float32](loaded)
	for i := range flat {
		require.InDelta(t, flat[i], loadedFlat[i], 1.001/255.0)
	}
}

func TestSaveImageSingleImageBatch(t *testing.T) {
	img := tensors.FromFlatDataAndDimensions(make([]float32, 2*2*3), 1, 2, 2, 3)
	path := filepath.Join(t.TempDir(), "batched.png")
	require.NoError(t, SaveImage(img, path))

	loaded, err := LoadImage(path)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 3}, loaded.Shape().Dimensions)
}

func TestSaveImageRejectsLargerBatches(t *testing.T) {
	img := tensors.FromFlatDataAndDimensions(make([]float32, 2*2*2*3), 2, 2, 2, 3)
	err := SaveImage(img, filepath.Join(t.TempDir(), "batch.png"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "single image")
}

func TestLoadImageMissingFile(t *testing.T) {
	_, err := LoadImage(filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to open image")
}

func TestStyleNames(t *testing.T) {
	styles := map[string]*tensors.Tensor{
		"starry_night": nil,
		"composition":  nil,
		"the_scream":   nil,
	}
	require.Equal(t, []string{"composition", "starry_night", "the_scream"}, StyleNames(styles))
}

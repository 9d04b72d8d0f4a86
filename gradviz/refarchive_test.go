package gradviz

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
)

func TestReferenceArchiveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reference.safetensors")
	entries := map[string]*tensors.Tensor{
		RefContentLoss: tensors.FromScalar(float32(123.5)),
		RefGramMatrix:  tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2),
		RefTVLoss:      tensors.FromScalar(float32(-0.25)),
	}
	require.NoError(t, SaveReferenceArchive(path, entries))

	archive, err := LoadReferenceArchive(path)
	require.NoError(t, err)
	require.Equal(t, []string{RefContentLoss, RefGramMatrix, RefTVLoss}, archive.Names())

	values, shape, err := archive.Float32s(RefGramMatrix)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, shape)
	require.Equal(t, []float32{1, 2, 3, 4}, values)

	values, shape, err = archive.Float32s(RefContentLoss)
	require.NoError(t, err)
	require.Empty(t, shape)
	require.Equal(t, []float32{123.5}, values)

	gram, err := archive.Tensor(RefGramMatrix)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, gram.Shape().Dimensions)

	scalarT, err := archive.Tensor(RefContentLoss)
	require.NoError(t, err)
	require.Equal(t, float32(123.5), tensors.ToScalar[float32](scalarT))
}

func TestReferenceArchiveMissingTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reference.safetensors")
	require.NoError(t, SaveReferenceArchive(path, map[string]*tensors.Tensor{
		RefTVLoss: tensors.FromScalar(float32(1)),
	}))
	archive, err := LoadReferenceArchive(path)
	require.NoError(t, err)

	_, _, err = archive.Float32s(RefStyleLoss)
	require.Error(t, err)
	require.Contains(t, err.Error(), RefStyleLoss)
}

func TestLoadReferenceArchiveMissingFile(t *testing.T) {
	_, err := LoadReferenceArchive(filepath.Join(t.TempDir(), "nope.safetensors"))
	require.Error(t, err)
}

func TestLoadReferenceArchiveTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))
	_, err := LoadReferenceArchive(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "too small")

	// Header length pointing past the end of the file.
	header := binary.LittleEndian.AppendUint64(nil, 1000)
	require.NoError(t, os.WriteFile(path, header, 0o644))
	_, err = LoadReferenceArchive(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds file size")
}

func TestReferenceArchiveUnsupportedDType(t *testing.T) {
	// Hand-build an archive holding an I64 tensor.
	meta := map[string]refTensorInfo{
		"ints": {Dtype: "I64", Shape: []int{1}, DataOffsets: [2]int{0, 8}},
	}
	header, err := json.Marshal(meta)
	require.NoError(t, err)
	data := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	data = append(data, header...)
	data = append(data, make([]byte, 8)...)

	path := filepath.Join(t.TempDir(), "ints.safetensors")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	archive, err := LoadReferenceArchive(path)
	require.NoError(t, err)
	_, _, err = archive.Float32s("ints")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported dtype")
}

func TestReferenceArchiveIgnoresMetadataKey(t *testing.T) {
	raw := map[string]any{
		"__metadata__": map[string]string{"generator": "gradviz"},
		"x":            refTensorInfo{Dtype: "F32", Shape: []int{1}, DataOffsets: [2]int{0, 4}},
	}
	header, err := json.Marshal(raw)
	require.NoError(t, err)
	data := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	data = append(data, header...)
	data = append(data, make([]byte, 4)...)

	path := filepath.Join(t.TempDir(), "meta.safetensors")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	archive, err := LoadReferenceArchive(path)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, archive.Names())
}

package gradviz

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"sort"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats/scalar"
)

// The reference archive holds precomputed loss values and matrices used to
// validate the loss implementations against expected numeric results. It is
// stored in the safetensors format: an 8-byte little-endian header length, a
// JSON tensor table, then the raw little-endian F32 payload.

// Layers and weights the reference quantities are computed with. They are
// part of the archive contract: an archive generated with one set of
// constants only verifies a build using the same set.
const (
	refContentLayer = 30
	refTVWeight     = 1e-2
)

var refStyleLayers = []int{2, 8, 14, 20}

// Names of the tensors stored in a reference archive.
const (
	RefContentLoss = "content_loss"
	RefGramMatrix  = "gram_matrix"
	RefStyleLoss   = "style_loss"
	RefTVLoss      = "tv_loss"
)

// Relative-error tolerances for verification.
const (
	RefContentLossTolerance = 1e-8
	RefMatrixTolerance      = 1e-3
)

type refTensorInfo struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// ReferenceArchive is a parsed safetensors file of float32 reference tensors.
type ReferenceArchive struct {
	meta map[string]refTensorInfo
	data []byte
}

// LoadReferenceArchive opens and parses a safetensors reference file.
// A missing or malformed file is a fatal, descriptive error.
func LoadReferenceArchive(path string) (*ReferenceArchive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read reference archive %s", path)
	}
	if len(data) < 8 {
		return nil, errors.Errorf("reference archive %s too small: %d bytes", path, len(data))
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if int(headerLen)+8 > len(data) {
		return nil, errors.Errorf("reference archive %s: header length %d exceeds file size %d",
			path, headerLen, len(data))
	}

	// Parse header -- it may contain a __metadata__ key which is not a tensor.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, errors.Wrapf(err, "failed to parse header of reference archive %s", path)
	}
	meta := make(map[string]refTensorInfo)
	for name, infoJSON := range raw {
		if name == "__metadata__" {
			continue
		}
		var info refTensorInfo
		if err := json.Unmarshal(infoJSON, &info); err != nil {
			return nil, errors.Wrapf(err, "failed to parse tensor %q in reference archive %s", name, path)
		}
		meta[name] = info
	}
	return &ReferenceArchive{meta: meta, data: data[8+headerLen:]}, nil
}

// Names returns the sorted tensor names held by the archive.
func (a *ReferenceArchive) Names() []string {
	names := make([]string, 0, len(a.meta))
	for name := range a.meta {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Float32s returns a tensor's values and shape. Only F32 tensors are supported.
func (a *ReferenceArchive) Float32s(name string) ([]float32, []int, error) {
	info, ok := a.meta[name]
	if !ok {
		return nil, nil, errors.Errorf("tensor %q not found in reference archive", name)
	}
	if info.Dtype != "F32" {
		return nil, nil, errors.Errorf("tensor %q has unsupported dtype %q (only F32 references are supported)",
			name, info.Dtype)
	}
	from, to := info.DataOffsets[0], info.DataOffsets[1]
	if from < 0 || to > len(a.data) || from > to {
		return nil, nil, errors.Errorf("tensor %q has out-of-range data offsets [%d, %d]", name, from, to)
	}
	raw := a.data[from:to]
	values := make([]float32, len(raw)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return values, info.Shape, nil
}

// Tensor returns a tensor from the archive as a gomlx tensor.
func (a *ReferenceArchive) Tensor(name string) (*tensors.Tensor, error) {
	values, shape, err := a.Float32s(name)
	if err != nil {
		return nil, err
	}
	if len(shape) == 0 {
		return tensors.FromScalar(values[0]), nil
	}
	return tensors.FromFlatDataAndDimensions(values, shape...), nil
}

// SaveReferenceArchive writes float32 tensors to path in safetensors format.
func SaveReferenceArchive(path string, entries map[string]*tensors.Tensor) error {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	meta := make(map[string]refTensorInfo, len(names))
	var payload []byte
	for _, name := range names {
		t := entries[name]
		flat := tensors.CopyFlatData[float32](t)
		from := len(payload)
		for _, v := range flat {
			payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
		}
		meta[name] = refTensorInfo{
			Dtype:       "F32",
			Shape:       t.Shape().Dimensions,
			DataOffsets: [2]int{from, len(payload)},
		}
	}
	header, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "failed to encode reference archive header")
	}
	out := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write reference archive %s", path)
	}
	return nil
}

// referenceQuantitiesGraph computes the four reference quantities for the
// given content and style images (model range, -1.0 to 1.0):
//
//   - content loss of an all-zeros candidate feature map against the content
//     image's feature map at refContentLayer, weight 1;
//   - the normalized Gram matrix of the style image at refStyleLayers[1];
//   - the style loss of the content image against the style image over
//     refStyleLayers, all layer weights 1;
//   - the total-variation loss of the content image with weight refTVWeight.
func referenceQuantitiesGraph(ctx *context.Context, content, style *Node) []*Node {
	g := content.Graph()
	ctx.SetTraining(g, false)
	allLayers := InceptionV3PerLayerEmbeddings(ctx, []*Node{content, style})
	contentLayers, styleLayers := allLayers[0], allLayers[1]

	contentFeatures := contentLayers[refContentLayer]
	contentLoss := ContentLoss(1.0, ZerosLike(contentFeatures), contentFeatures)

	gram := GramMatrix(styleLayers[refStyleLayers[1]], true)

	var styleLoss *Node
	for _, layer := range refStyleLayers {
		layerLoss := StyleLayerLoss(1.0,
			GramMatrix(contentLayers[layer], true), GramMatrix(styleLayers[layer], true))
		if styleLoss == nil {
			styleLoss = layerLoss
		} else {
			styleLoss = Add(styleLoss, layerLoss)
		}
	}

	tvLoss := TotalVariationLoss(refTVWeight, content)
	return []*Node{contentLoss, gram, styleLoss, tvLoss}
}

// ComputeReferenceQuantities evaluates the reference quantities for a content
// and style image pair (color values from 0.0 to 1.0), keyed by archive name.
func ComputeReferenceQuantities(backend backends.Backend, ctx *context.Context,
	content, style *tensors.Tensor) map[string]*tensors.Tensor {
	normalizeExec := NewExec(backend, normalizeImage)
	content = normalizeExec.Call(content)[0]
	style = normalizeExec.Call(style)[0]
	results := context.ExecOnceN(backend, ctx, referenceQuantitiesGraph, content, style)
	return map[string]*tensors.Tensor{
		RefContentLoss: results[0],
		RefGramMatrix:  results[1],
		RefStyleLoss:   results[2],
		RefTVLoss:      results[3],
	}
}

// VerifyLosses recomputes the reference quantities for the given images and
// compares them to the archive, within per-quantity relative tolerances.
// It returns a descriptive error on the first mismatch.
func VerifyLosses(backend backends.Backend, ctx *context.Context, archive *ReferenceArchive,
	content, style *tensors.Tensor) error {
	computed := ComputeReferenceQuantities(backend, ctx, content, style)
	tolerances := map[string]float64{
		RefContentLoss: RefContentLossTolerance,
		RefGramMatrix:  RefMatrixTolerance,
		RefStyleLoss:   RefMatrixTolerance,
		RefTVLoss:      RefMatrixTolerance,
	}
	for _, name := range []string{RefContentLoss, RefGramMatrix, RefStyleLoss, RefTVLoss} {
		want, _, err := archive.Float32s(name)
		if err != nil {
			return err
		}
		got := tensors.CopyFlatData[float32](computed[name])
		if len(got) != len(want) {
			return errors.Errorf("%s: computed %d values, reference archive has %d",
				name, len(got), len(want))
		}
		for i := range got {
			if !scalar.EqualWithinRel(float64(got[i]), float64(want[i]), tolerances[name]) {
				return errors.Errorf("%s: value #%d is %g, reference is %g (relative tolerance %g)",
					name, i, got[i], want[i], tolerances[name])
			}
		}
	}
	return nil
}

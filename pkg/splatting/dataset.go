package splatting

import (
	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/gomlx/gsplat/pkg/splatting/camera"
	"github.com/pkg/errors"
)

// DefaultAlphaThreshold is the alpha value above which a pixel is considered valid for the depth loss.
const DefaultAlphaThreshold = 0.5

// Dataset provides the multi-view observations of a scene, indexed from 0 to Len()-1.
//
// For each view:
//   - Camera: the flat camera descriptor, see camera.DescriptorFromVector.
//   - RGB: the target image, shaped [H, W, 3], values in [0, 1].
//   - Depth: the target depth, shaped [H, W] (or [H, W, 1]).
//   - Alpha: the foreground opacity, shaped [H, W] (or [H, W, 1]).
type Dataset interface {
	Len() int
	Camera(i int) *tensors.Tensor
	RGB(i int) *tensors.Tensor
	Depth(i int) *tensors.Tensor
	Alpha(i int) *tensors.Tensor
}

// InMemoryDataset is a Dataset with all views in memory.
type InMemoryDataset struct {
	Cameras, RGBs, Depths, Alphas []*tensors.Tensor
}

var _ Dataset = (*InMemoryDataset)(nil)

// NewInMemoryDataset creates a dataset with the given views, checking that all of them are consistent.
func NewInMemoryDataset(cameras, rgbs, depths, alphas []*tensors.Tensor) (*InMemoryDataset, error) {
	n := len(cameras)
	if len(rgbs) != n || len(depths) != n || len(alphas) != n {
		return nil, errors.Errorf("dataset with inconsistent number of views: %d cameras, %d rgbs, %d depths, %d alphas",
			len(cameras), len(rgbs), len(depths), len(alphas))
	}
	ds := &InMemoryDataset{Cameras: cameras, RGBs: rgbs, Depths: depths, Alphas: alphas}
	for i := range n {
		if _, err := GetSample(ds, i, DefaultAlphaThreshold); err != nil {
			return nil, errors.WithMessage(err, "NewInMemoryDataset")
		}
	}
	return ds, nil
}

// Len implements Dataset.
func (ds *InMemoryDataset) Len() int { return len(ds.Cameras) }

// Camera implements Dataset.
func (ds *InMemoryDataset) Camera(i int) *tensors.Tensor { return ds.Cameras[i] }

// RGB implements Dataset.
func (ds *InMemoryDataset) RGB(i int) *tensors.Tensor { return ds.RGBs[i] }

// Depth implements Dataset.
func (ds *InMemoryDataset) Depth(i int) *tensors.Tensor { return ds.Depths[i] }

// Alpha implements Dataset.
func (ds *InMemoryDataset) Alpha(i int) *tensors.Tensor { return ds.Alphas[i] }

// Sample is one observation used by a training step.
type Sample struct {
	Index  int
	Camera camera.Descriptor
	RGB    *tensors.Tensor
	Depth  *tensors.Tensor

	// Mask selects the pixels (in row-major order) whose alpha is above the threshold.
	Mask []bool
}

// Height of the sample images.
func (s *Sample) Height() int { return s.RGB.Dim(0) }

// Width of the sample images.
func (s *Sample) Width() int { return s.RGB.Dim(1) }

// GetSample fetches view i of the dataset and computes its valid mask (alpha > alphaThreshold).
func GetSample(ds Dataset, i int, alphaThreshold float64) (*Sample, error) {
	if i < 0 || i >= ds.Len() {
		return nil, errors.Errorf("view %d out of range, dataset has %d views", i, ds.Len())
	}
	desc, err := camera.DescriptorFromVector(ds.Camera(i).Data())
	if err != nil {
		return nil, errors.WithMessagef(err, "view %d", i)
	}
	s := &Sample{Index: i, Camera: desc, RGB: ds.RGB(i), Depth: ds.Depth(i)}
	if err = s.RGB.CheckDims(-1, -1, 3); err != nil {
		return nil, errors.WithMessagef(err, "view %d rgb", i)
	}
	height, width := s.Height(), s.Width()
	if int(desc.Height) != height || int(desc.Width) != width {
		return nil, errors.Errorf("view %d: camera image size %gx%g doesn't match rgb %s", i, desc.Height, desc.Width, s.RGB)
	}
	alpha := ds.Alpha(i)
	for _, t := range []struct {
		name   string
		tensor *tensors.Tensor
	}{{"depth", s.Depth}, {"alpha", alpha}} {
		if t.tensor.Rank() < 2 || t.tensor.Size() != height*width || t.tensor.Dim(0) != height {
			return nil, errors.Errorf("view %d: %s %s doesn't match image size %dx%d", i, t.name, t.tensor, height, width)
		}
	}
	s.Mask = make([]bool, height*width)
	for ii, a := range alpha.Data() {
		s.Mask[ii] = float64(a) > alphaThreshold
	}
	return s, nil
}

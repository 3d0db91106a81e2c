package splatting

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/gomlx/gsplat/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// EvaluationImageName returns the file name of the evaluation image of the given step.
func EvaluationImageName(step int) string {
	return fmt.Sprintf("image-%d.png", step)
}

// EvaluationImage composes a 2x2 grid: on the top row the target and the rendered images, on the bottom
// row the target and the rendered depths, normalized to 1 - depth/max(depth) and colored with the jet colormap.
func EvaluationImage(sample *Sample, out *RenderOutput) (*image.NRGBA, error) {
	height, width := sample.Height(), sample.Width()
	if err := out.Render.CheckDims(height, width, 3); err != nil {
		return nil, errors.WithMessage(err, "rendered image doesn't match target")
	}
	if out.Depth.Size() != height*width {
		return nil, errors.Errorf("rendered depth %s doesn't match image size %dx%d", out.Depth, height, width)
	}

	// Depths are normalized together.
	maxDepth := math.Inf(-1)
	for _, t := range []*tensors.Tensor{sample.Depth, out.Depth} {
		for _, v := range t.Data() {
			maxDepth = max(maxDepth, float64(v))
		}
	}
	normalize := func(d float32) float64 {
		if maxDepth <= 0 || math.IsInf(maxDepth, 0) || math.IsNaN(maxDepth) {
			return 1
		}
		return 1 - float64(d)/maxDepth
	}

	img := imaging.New(2*width, 2*height, color.Black)
	img = imaging.Paste(img, rgbToImage(sample.RGB.Data(), height, width), image.Pt(0, 0))
	img = imaging.Paste(img, rgbToImage(out.Render.Data(), height, width), image.Pt(width, 0))
	img = imaging.Paste(img, depthToImage(sample.Depth.Data(), height, width, normalize), image.Pt(0, height))
	img = imaging.Paste(img, depthToImage(out.Depth.Data(), height, width, normalize), image.Pt(width, height))
	return img, nil
}

// WriteEvaluationImage writes the EvaluationImage of the step to dir, and returns its path.
func WriteEvaluationImage(dir string, step int, sample *Sample, out *RenderOutput) (string, error) {
	img, err := EvaluationImage(sample, out)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, EvaluationImageName(step))
	err = fsutil.WriteFileAtomic(path, 0660, func(w io.Writer) error {
		return imaging.Encode(w, img, imaging.PNG)
	})
	if err != nil {
		return "", errors.WithMessagef(err, "writing evaluation image %q", path)
	}
	return path, nil
}

func toByte(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(math.Round(255 * min(max(v, 0), 1)))
}

func rgbToImage(data []float32, height, width int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			base := (y*width + x) * 3
			img.SetNRGBA(x, y, color.NRGBA{
				R: toByte(float64(data[base])),
				G: toByte(float64(data[base+1])),
				B: toByte(float64(data[base+2])),
				A: 255,
			})
		}
	}
	return img
}

func depthToImage(data []float32, height, width int, normalize func(float32) float64) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, Jet(normalize(data[y*width+x])))
		}
	}
	return img
}

// Jet maps v in [0, 1] to the "jet" colormap: dark blue, blue, cyan, yellow, red, dark red.
// Values outside the range are clipped.
func Jet(v float64) color.NRGBA {
	v = min(max(v, 0), 1)
	channel := func(center float64) uint8 {
		return toByte(1.5 - math.Abs(4*v-center))
	}
	return color.NRGBA{R: channel(3), G: channel(2), B: channel(1), A: 255}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"math"

	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/pkg/errors"
)

// SSIMConfig holds the parameters of the structural similarity index.
type SSIMConfig struct {
	// WindowSize of the Gaussian window, must be odd.
	WindowSize int

	// Sigma of the Gaussian window.
	Sigma float64

	// C1 and C2 stabilize the ratios of the luminance and contrast/structure terms.
	C1, C2 float64
}

// DefaultSSIMConfig returns the usual SSIM parameters: an 11x11 Gaussian window with sigma 1.5,
// C1=0.01² and C2=0.03², for signals in the range [0, 1].
func DefaultSSIMConfig() SSIMConfig {
	return SSIMConfig{WindowSize: 11, Sigma: 1.5, C1: 0.01 * 0.01, C2: 0.03 * 0.03}
}

// SSIM returns the mean structural similarity between prediction and target, using DefaultSSIMConfig.
// See SSIMConfig.Value.
func SSIM(prediction, target *tensors.Tensor) (float64, error) {
	return DefaultSSIMConfig().Value(prediction, target)
}

// AccumulateSSIMGrad is SSIMConfig.AccumulateGrad using DefaultSSIMConfig.
func AccumulateSSIMGrad(prediction, target *tensors.Tensor, weight float64, grad *tensors.Tensor) (float64, error) {
	return DefaultSSIMConfig().AccumulateGrad(prediction, target, weight, grad)
}

// Value returns the mean SSIM between prediction and target.
//
// Images are shaped [height, width, channels] (or [height, width]), each channel is compared
// independently, with the window zero-padded at the borders. Identical images have SSIM 1.
func (cfg SSIMConfig) Value(prediction, target *tensors.Tensor) (float64, error) {
	height, width, channels, err := cfg.check(prediction, target)
	if err != nil {
		return 0, errors.WithMessage(err, "SSIM")
	}
	return cfg.compute(toFloat64(prediction.Data()), toFloat64(target.Data()), height, width, channels, nil), nil
}

// AccumulateGrad adds weight * d SSIM / d prediction into grad, and returns the SSIM value.
func (cfg SSIMConfig) AccumulateGrad(prediction, target *tensors.Tensor, weight float64, grad *tensors.Tensor) (float64, error) {
	height, width, channels, err := cfg.check(prediction, target)
	if err != nil {
		return 0, errors.WithMessage(err, "SSIM gradient")
	}
	if grad.Size() != prediction.Size() {
		return 0, errors.Errorf("SSIM gradient: grad %s doesn't match prediction %s", grad, prediction)
	}
	dx := make([]float64, prediction.Size())
	value := cfg.compute(toFloat64(prediction.Data()), toFloat64(target.Data()), height, width, channels, dx)
	gradData := grad.Data()
	for ii, d := range dx {
		gradData[ii] += float32(weight * d)
	}
	return value, nil
}

// Validate returns an error if the window is not odd and positive, or if sigma or the constants are invalid.
func (cfg SSIMConfig) Validate() error {
	if cfg.WindowSize <= 0 || cfg.WindowSize%2 == 0 {
		return errors.Errorf("SSIM window size must be odd and positive, got %d", cfg.WindowSize)
	}
	if cfg.Sigma <= 0 {
		return errors.Errorf("SSIM sigma must be positive, got %g", cfg.Sigma)
	}
	if cfg.C1 < 0 || cfg.C2 < 0 {
		return errors.Errorf("SSIM constants must be non-negative, got C1=%g, C2=%g", cfg.C1, cfg.C2)
	}
	return nil
}

func (cfg SSIMConfig) check(prediction, target *tensors.Tensor) (height, width, channels int, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	if !prediction.SameShape(target) {
		err = errors.Errorf("prediction %s and target %s have different shapes", prediction, target)
		return
	}
	switch prediction.Rank() {
	case 2:
		height, width, channels = prediction.Dim(0), prediction.Dim(1), 1
	case 3:
		height, width, channels = prediction.Dim(0), prediction.Dim(1), prediction.Dim(2)
	default:
		err = errors.Errorf("SSIM requires images shaped [height, width, channels], got %s", prediction)
		return
	}
	if prediction.Size() == 0 {
		err = errors.Errorf("empty image %s", prediction)
	}
	return
}

// compute returns the mean SSIM of x and y, laid out as [height, width, channels].
// If dx is not nil, it is set to d SSIM / d x.
//
// With m=G*x, e_xx=G*x², e_xy=G*(x·y) (G the Gaussian window), the per-pixel SSIM is
// S = A1·A2 / (B1·B2), with A1 = 2·m_x·m_y+C1, A2 = 2·(e_xy-m_x·m_y)+C2, B1 = m_x²+m_y²+C1 and
// B2 = (e_xx-m_x²)+(e_yy-m_y²)+C2. The window is symmetric, so the transposed convolution used to
// propagate dS/dm, dS/de_xx and dS/de_xy back to x is the same blur.
func (cfg SSIMConfig) compute(x, y []float64, height, width, channels int, dx []float64) float64 {
	kernel := gaussianKernel(cfg.WindowSize, cfg.Sigma)
	numPixels := height * width
	total := float64(numPixels * channels)
	xPlane := make([]float64, numPixels)
	yPlane := make([]float64, numPixels)
	xx := make([]float64, numPixels)
	yy := make([]float64, numPixels)
	xy := make([]float64, numPixels)
	var dm, dExx, dExy []float64
	if dx != nil {
		dm = make([]float64, numPixels)
		dExx = make([]float64, numPixels)
		dExy = make([]float64, numPixels)
	}

	var sum float64
	for c := range channels {
		for p := range numPixels {
			xv, yv := x[p*channels+c], y[p*channels+c]
			xPlane[p], yPlane[p] = xv, yv
			xx[p], yy[p], xy[p] = xv*xv, yv*yv, xv*yv
		}
		mx := blur(xPlane, height, width, kernel)
		my := blur(yPlane, height, width, kernel)
		exx := blur(xx, height, width, kernel)
		eyy := blur(yy, height, width, kernel)
		exy := blur(xy, height, width, kernel)
		for p := range numPixels {
			a1 := 2*mx[p]*my[p] + cfg.C1
			a2 := 2*(exy[p]-mx[p]*my[p]) + cfg.C2
			b1 := mx[p]*mx[p] + my[p]*my[p] + cfg.C1
			b2 := (exx[p] - mx[p]*mx[p]) + (eyy[p] - my[p]*my[p]) + cfg.C2
			s := (a1 * a2) / (b1 * b2)
			sum += s
			if dx != nil {
				dm[p] = s * (2*my[p]/a1 - 2*my[p]/a2 - 2*mx[p]/b1 + 2*mx[p]/b2)
				dExx[p] = -s / b2
				dExy[p] = 2 * s / a2
			}
		}
		if dx == nil {
			continue
		}
		gm := blur(dm, height, width, kernel)
		gxx := blur(dExx, height, width, kernel)
		gxy := blur(dExy, height, width, kernel)
		for p := range numPixels {
			dx[p*channels+c] = (gm[p] + 2*xPlane[p]*gxx[p] + yPlane[p]*gxy[p]) / total
		}
	}
	return sum / total
}

// gaussianKernel returns a normalized 1D Gaussian window.
func gaussianKernel(size int, sigma float64) []float64 {
	kernel := make([]float64, size)
	center := float64(size / 2)
	var sum float64
	for ii := range kernel {
		d := float64(ii) - center
		kernel[ii] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[ii]
	}
	for ii := range kernel {
		kernel[ii] /= sum
	}
	return kernel
}

// blur convolves the plane with the separable window kernel⊗kernel, zero padded, keeping its size.
func blur(plane []float64, height, width int, kernel []float64) []float64 {
	radius := len(kernel) / 2
	horizontal := make([]float64, len(plane))
	for i := range height {
		row := plane[i*width : (i+1)*width]
		for j := range width {
			var s float64
			for k, weight := range kernel {
				jj := j + k - radius
				if jj >= 0 && jj < width {
					s += weight * row[jj]
				}
			}
			horizontal[i*width+j] = s
		}
	}
	out := make([]float64, len(plane))
	for i := range height {
		for j := range width {
			var s float64
			for k, weight := range kernel {
				ii := i + k - radius
				if ii >= 0 && ii < height {
					s += weight * horizontal[ii*width+j]
				}
			}
			out[i*width+j] = s
		}
	}
	return out
}

func toFloat64(data []float32) []float64 {
	result := make([]float64, len(data))
	for ii, v := range data {
		result[ii] = float64(v)
	}
	return result
}

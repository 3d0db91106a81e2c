package splatting

import (
	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/gomlx/gsplat/pkg/ml/losses"
	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/gomlx/gsplat/pkg/ml/train"
	"github.com/gomlx/gsplat/pkg/splatting/camera"
	"github.com/pkg/errors"
)

// RenderOutput is the result of rendering the scene from a viewpoint.
type RenderOutput struct {
	// Render is the rendered image, shaped [H, W, 3].
	Render *tensors.Tensor

	// Depth is the rendered depth, shaped [H, W, 1].
	Depth *tensors.Tensor

	// Backward accumulates into the model parameters gradients the vector-Jacobian product of the
	// given gradients of the objective with respect to Render and Depth. Either may be nil, meaning zero.
	Backward func(dRender, dDepth *tensors.Tensor) error
}

// Renderer is a differentiable renderer of the scene model.
type Renderer interface {
	Render(m model.Model, vp camera.Viewpoint) (*RenderOutput, error)
}

// ObjectiveWeights of the terms of the objective:
//
//	total = (1 - LambdaDSSIM) * l1 + SSIMWeight * (1 - SSIM) + DepthWeight * depth
//
// LambdaDSSIM only scales the L1 term: the usual L1/D-SSIM mix, (1-λ)·l1 + λ·(1-SSIM), requires
// SSIMWeight set to the same λ, see MixedObjectiveWeights.
type ObjectiveWeights struct {
	LambdaDSSIM float64
	SSIMWeight  float64
	DepthWeight float64
}

// DefaultObjectiveWeights only optimizes the L1 term, scaled by 1 - 0.2.
func DefaultObjectiveWeights() ObjectiveWeights {
	return ObjectiveWeights{LambdaDSSIM: 0.2}
}

// MixedObjectiveWeights returns the weights of (1-0.2)·l1 + 0.2·(1-SSIM) + depthWeight·depth.
func MixedObjectiveWeights(depthWeight float64) ObjectiveWeights {
	const lambda = 0.2
	return ObjectiveWeights{LambdaDSSIM: lambda, SSIMWeight: lambda, DepthWeight: depthWeight}
}

// Objective holds the per-step loss terms, and the inputs needed to compute their gradients.
type Objective struct {
	Total float64
	L1    float64
	// SSIM is the SSIM loss, 1 - SSIM(render, target).
	SSIM  float64
	Depth float64
	PSNR  float64

	// DepthCount is the number of pixels selected by the mask for the depth loss.
	DepthCount int

	weights    ObjectiveWeights
	ssimConfig losses.SSIMConfig
	out        *RenderOutput
	sample     *Sample
}

// ComputeObjective computes the loss terms comparing the render output to the sample.
func ComputeObjective(out *RenderOutput, sample *Sample, weights ObjectiveWeights, ssimConfig losses.SSIMConfig) (*Objective, error) {
	if err := out.Render.CheckDims(sample.Height(), sample.Width(), 3); err != nil {
		return nil, errors.WithMessage(err, "rendered image doesn't match target")
	}
	if out.Depth.Size() != sample.Height()*sample.Width() {
		return nil, errors.Errorf("rendered depth %s doesn't match target depth %s", out.Depth, sample.Depth)
	}
	o := &Objective{weights: weights, ssimConfig: ssimConfig, out: out, sample: sample}
	var err error
	if o.L1, err = losses.L1(out.Render, sample.RGB); err != nil {
		return nil, err
	}
	if o.Depth, o.DepthCount, err = losses.MaskedL1(out.Depth, sample.Depth, sample.Mask); err != nil {
		return nil, err
	}
	ssim, err := ssimConfig.Value(out.Render, sample.RGB)
	if err != nil {
		return nil, err
	}
	o.SSIM = 1 - ssim
	if o.PSNR, err = losses.PSNR(out.Render, sample.RGB); err != nil {
		return nil, err
	}
	o.Total = (1-weights.LambdaDSSIM)*o.L1 + weights.SSIMWeight*o.SSIM + weights.DepthWeight*o.Depth
	return o, nil
}

// Metrics returns the loss terms in display order: total, l1, ssim, depth, psnr.
func (o *Objective) Metrics() train.Metrics {
	return train.Metrics{
		{Name: "total", Value: o.Total},
		{Name: "l1", Value: o.L1},
		{Name: "ssim", Value: o.SSIM},
		{Name: "depth", Value: o.Depth},
		{Name: "psnr", Value: o.PSNR},
	}
}

// Gradients returns scale * d Total / d Render and scale * d Total / d Depth.
// A term with weight 0 doesn't contribute, and its gradient is not computed.
func (o *Objective) Gradients(scale float64) (dRender, dDepth *tensors.Tensor, err error) {
	render, depth := o.out.Render, o.out.Depth
	dRender = tensors.New(render.Shape()...)
	dDepth = tensors.New(depth.Shape()...)
	if w := (1 - o.weights.LambdaDSSIM) * scale; w != 0 {
		if err = losses.AccumulateL1Grad(render, o.sample.RGB, w, dRender); err != nil {
			return nil, nil, err
		}
	}
	if w := o.weights.SSIMWeight * scale; w != 0 {
		// d(1 - SSIM) = -dSSIM.
		if _, err = o.ssimConfig.AccumulateGrad(render, o.sample.RGB, -w, dRender); err != nil {
			return nil, nil, err
		}
	}
	if w := o.weights.DepthWeight * scale; w != 0 {
		if err = losses.AccumulateMaskedL1Grad(depth, o.sample.Depth, o.sample.Mask, w, dDepth); err != nil {
			return nil, nil, err
		}
	}
	return dRender, dDepth, nil
}

// Backward propagates scale * d Total through the renderer, accumulating the model gradients.
func (o *Objective) Backward(scale float64) error {
	if o.out.Backward == nil {
		return errors.New("renderer output has no backward function")
	}
	dRender, dDepth, err := o.Gradients(scale)
	if err != nil {
		return errors.WithMessage(err, "objective gradients")
	}
	return o.out.Backward(dRender, dDepth)
}

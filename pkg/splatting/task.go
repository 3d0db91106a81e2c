// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package splatting implements the Gaussian-splatting training task: the per-step objective computation
// comparing a differentiable renderer output to multi-view observations, the periodic evaluation
// visualization, and TrainModel, which wires the task into a training loop.
//
// The renderer and the scene model are external collaborators: see Renderer and model.Model.
package splatting

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/gomlx/gsplat/pkg/ml/exec"
	"github.com/gomlx/gsplat/pkg/ml/losses"
	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/gomlx/gsplat/pkg/ml/profiler"
	"github.com/gomlx/gsplat/pkg/ml/train"
	"github.com/gomlx/gsplat/pkg/splatting/camera"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RegionRender is the name of the profiled region around the renderer call.
const RegionRender = "render"

// DefaultTrainIndices are the views sampled for training by default.
var DefaultTrainIndices = []int{1, 2, 3, 4, 5, 6, 8, 9, 10, 11, 13, 14, 17, 19}

// TaskConfig configures the training Task.
type TaskConfig struct {
	// TrainIndices are the views sampled for training. Indices beyond the dataset size are dropped.
	// If nil, DefaultTrainIndices is used.
	TrainIndices []int

	Weights ObjectiveWeights
	SSIM    losses.SSIMConfig

	// AlphaThreshold above which pixels are used in the depth loss.
	AlphaThreshold float64

	// Seed of the random sampling of views. The views of each step are drawn from a source derived
	// from (Seed, step).
	Seed uint64

	// GradProbeIndex is the row of each gradient logged by TrackGrad.
	GradProbeIndex int

	// ResultsDir where Evaluate writes its images.
	ResultsDir string
}

// DefaultTaskConfig returns the default configuration of the training Task.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		Weights:        DefaultObjectiveWeights(),
		SSIM:           losses.DefaultSSIMConfig(),
		AlphaThreshold: DefaultAlphaThreshold,
		GradProbeIndex: 100,
		ResultsDir:     ".",
	}
}

// Task implements train.Task for a Gaussian-splatting model.
type Task struct {
	cfg          TaskConfig
	model        model.Model
	renderer     Renderer
	data         Dataset
	exec         exec.Context
	profiler     *profiler.Harness
	trainIndices []int
	step         func() int

	// sampler draws the training views of samplerStep: it is derived from (Seed, step), so resumed runs
	// continue the same sequence of views.
	sampler     *rand.Rand
	samplerStep int

	previousRender []float32

	// LastSample and LastObjective of the last TrainStep.
	LastSample    *Sample
	LastObjective *Objective
}

var _ train.Task = (*Task)(nil)

// NewTask creates the training task.
func NewTask(cfg TaskConfig, m model.Model, r Renderer, data Dataset, ec exec.Context) (*Task, error) {
	if m == nil || r == nil || data == nil || ec == nil {
		return nil, errors.New("splatting.NewTask: model, renderer, dataset and execution context must be given")
	}
	if err := cfg.SSIM.Validate(); err != nil {
		return nil, errors.WithMessage(err, "splatting.NewTask: invalid TaskConfig (see DefaultTaskConfig)")
	}
	if data.Len() == 0 {
		return nil, errors.New("splatting.NewTask: empty dataset")
	}
	indices := cfg.TrainIndices
	if indices == nil {
		indices = DefaultTrainIndices
	}
	var trainIndices []int
	for _, idx := range indices {
		if idx >= 0 && idx < data.Len() {
			trainIndices = append(trainIndices, idx)
		}
	}
	if len(trainIndices) == 0 {
		klog.Warningf("splatting: none of the train indices %v is in the dataset (%d views), training on all views",
			indices, data.Len())
		for idx := range data.Len() {
			trainIndices = append(trainIndices, idx)
		}
	}
	return &Task{
		cfg:          cfg,
		model:        m,
		renderer:     r,
		data:         data,
		exec:         ec,
		trainIndices: trainIndices,
		step:         func() int { return 0 },
		samplerStep:  -1,
	}, nil
}

// evaluationStream separates the views sampled by Evaluate from the ones sampled for training.
const evaluationStream = 0xe7a1

// trainingSampler returns the random source of the training views of the current step. The micro-batches
// of one step draw successive values from it.
func (task *Task) trainingSampler() *rand.Rand {
	step := task.step()
	if task.sampler == nil || step != task.samplerStep {
		task.sampler = rand.New(rand.NewPCG(task.cfg.Seed, uint64(step)))
		task.samplerStep = step
	}
	return task.sampler
}

// TrainIndices returns the views sampled by TrainStep.
func (task *Task) TrainIndices() []int {
	return slices.Clone(task.trainIndices)
}

// SetStepCounter sets the function that returns the current global step, used to name evaluation images
// and to derive the random views of each step.
func (task *Task) SetStepCounter(step func() int) {
	task.step = step
}

// SetProfiler sets the profiler used for the render region.
func (task *Task) SetProfiler(h *profiler.Harness) {
	task.profiler = h
}

// render the sample view, and apply the execution precision policy to the outputs.
func (task *Task) render(sample *Sample) (*RenderOutput, error) {
	vp, err := camera.ToViewpoint(sample.Camera)
	if err != nil {
		return nil, errors.WithMessagef(err, "view %d", sample.Index)
	}
	var out *RenderOutput
	err = task.profiler.Region(RegionRender, func() error {
		var err error
		out, err = task.renderer.Render(task.model, vp)
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "rendering view %d", sample.Index)
	}
	if out == nil || out.Render == nil || out.Depth == nil {
		return nil, errors.Errorf("renderer returned no image for view %d", sample.Index)
	}
	out.Render = task.exec.Autocast(out.Render)
	out.Depth = task.exec.Autocast(out.Depth)
	return out, nil
}

// TrainStep implements train.Task: it samples a training view, renders it and computes the objective.
func (task *Task) TrainStep() (train.Loss, train.Metrics, error) {
	idx := task.trainIndices[task.trainingSampler().IntN(len(task.trainIndices))]
	klog.V(2).Infof("training on view %d", idx)
	sample, err := GetSample(task.data, idx, task.cfg.AlphaThreshold)
	if err != nil {
		return train.Loss{}, nil, err
	}
	out, err := task.render(sample)
	if err != nil {
		return train.Loss{}, nil, err
	}
	task.reportUnchangedRender(out)
	objective, err := ComputeObjective(out, sample, task.cfg.Weights, task.cfg.SSIM)
	if err != nil {
		return train.Loss{}, nil, errors.WithMessagef(err, "objective of view %d", idx)
	}
	task.LastSample, task.LastObjective = sample, objective
	return train.NewLoss(objective.Total, objective.Backward), objective.Metrics(), nil
}

// reportUnchangedRender logs how many values of the render are equal to the previous one.
func (task *Task) reportUnchangedRender(out *RenderOutput) {
	current := out.Render.Data()
	if klog.V(2).Enabled() && len(task.previousRender) == len(current) {
		matched := 0
		for ii, v := range current {
			if v == task.previousRender[ii] {
				matched++
			}
		}
		klog.V(2).Infof("render: %d of %d values unchanged since previous step", matched, len(current))
	}
	task.previousRender = append(task.previousRender[:0], current...)
}

// Evaluate implements train.Task: it renders a random view and writes the image comparing it to the
// target, see EvaluationImage. The view depends only on the seed and the current step, and evaluating
// doesn't change the views sampled for training.
func (task *Task) Evaluate() error {
	rng := rand.New(rand.NewPCG(task.cfg.Seed^evaluationStream, uint64(task.step())))
	idx := rng.IntN(task.data.Len())
	sample, err := GetSample(task.data, idx, task.cfg.AlphaThreshold)
	if err != nil {
		return err
	}
	out, err := task.render(sample)
	if err != nil {
		return err
	}
	path, err := WriteEvaluationImage(task.cfg.ResultsDir, task.step(), sample, out)
	if err != nil {
		return err
	}
	klog.V(1).Infof("evaluation of view %d written to %q", idx, path)
	return nil
}

// TrackGrad implements train.Task: it logs one row of each trainable gradient. It never changes them.
func (task *Task) TrackGrad() error {
	if !klog.V(1).Enabled() {
		return nil
	}
	for _, p := range model.TrainableParameters(task.model) {
		if p.Grad == nil {
			klog.V(1).Infof("gradient %q: none", p.Name)
			continue
		}
		data := p.Grad.Data()
		var row []float32
		rowDesc := ""
		if p.Grad.Rank() >= 2 && p.Grad.Dim(0) > 0 {
			rowIdx := min(task.cfg.GradProbeIndex, p.Grad.Dim(0)-1)
			rowLen := p.Grad.Size() / p.Grad.Dim(0)
			row = data[rowIdx*rowLen : (rowIdx+1)*rowLen]
			rowDesc = fmt.Sprintf("[%d]", rowIdx)
		} else {
			row = data[:min(len(data), 8)]
		}
		parts := make([]string, len(row))
		for ii, v := range row {
			parts[ii] = fmt.Sprintf("%g", v)
		}
		klog.V(1).Infof("gradient %q%s: [%s]", p.Name, rowDesc, strings.Join(parts, ", "))
	}
	return nil
}

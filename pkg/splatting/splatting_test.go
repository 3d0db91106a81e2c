package splatting

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/gomlx/gsplat/pkg/ml/exec"
	"github.com/gomlx/gsplat/pkg/ml/losses"
	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/gomlx/gsplat/pkg/ml/tracking"
	"github.com/gomlx/gsplat/pkg/ml/train"
	"github.com/gomlx/gsplat/pkg/splatting/camera"
	"github.com/gomlx/gsplat/ui/commandline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHeight = 4
	testWidth  = 6
)

// imageRenderer renders the parameters "colors" and "depths" directly: the render is the identity function
// of the parameters, so its vector-Jacobian product is the incoming gradient itself.
type imageRenderer struct {
	calls     int
	viewpoint camera.Viewpoint
	err       error
}

func (r *imageRenderer) Render(m model.Model, vp camera.Viewpoint) (*RenderOutput, error) {
	r.calls++
	r.viewpoint = vp
	if r.err != nil {
		return nil, r.err
	}
	ps := m.(*model.ParameterSet)
	colors, depths := ps.Get("colors"), ps.Get("depths")
	return &RenderOutput{
		Render: colors.Value.Clone(),
		Depth:  depths.Value.Clone(),
		Backward: func(dRender, dDepth *tensors.Tensor) error {
			if dRender != nil {
				if err := colors.AccumulateGrad(dRender, 1); err != nil {
					return err
				}
			}
			if dDepth != nil {
				return depths.AccumulateGrad(dDepth, 1)
			}
			return nil
		},
	}, nil
}

func newImageModel(t *testing.T) *model.ParameterSet {
	m, err := model.NewParameterSet(
		model.NewParameter("colors", tensors.New(testHeight, testWidth, 3)),
		model.NewParameter("depths", tensors.FromScalarAndDimensions(1, testHeight, testWidth, 1)),
	)
	require.NoError(t, err)
	return m
}

func testCamera() *tensors.Tensor {
	desc := camera.Descriptor{
		Height: testHeight,
		Width:  testWidth,
		Intrinsics: [16]float64{
			3, 0, 3, 0,
			0, 3, 2, 0,
			0, 0, 1, 0,
			0, 0, 0, 1,
		},
		CameraToWorld: [16]float64{
			1, 0, 0, 0,
			0, 1, 0, 0,
			0, 0, 1, -5,
			0, 0, 0, 1,
		},
	}
	return tensors.FromFlatDataAndDimensions(desc.Vector(), camera.VectorLen)
}

// testRGB returns an image with values in [0.3, 0.7].
func testRGB() *tensors.Tensor {
	rgb := tensors.New(testHeight, testWidth, 3)
	data := rgb.Data()
	for ii := range data {
		data[ii] = 0.3 + 0.4*float32(ii%7)/6
	}
	return rgb
}

// testAlpha has the left half of the image opaque.
func testAlpha() *tensors.Tensor {
	alpha := tensors.New(testHeight, testWidth)
	data := alpha.Data()
	for y := range testHeight {
		for x := range testWidth / 2 {
			data[y*testWidth+x] = 0.9
		}
	}
	return alpha
}

// newTestDataset returns n views, all with the same target.
func newTestDataset(t *testing.T, n int) *InMemoryDataset {
	var cameras, rgbs, depths, alphas []*tensors.Tensor
	for range n {
		cameras = append(cameras, testCamera())
		rgbs = append(rgbs, testRGB())
		depths = append(depths, tensors.FromScalarAndDimensions(2, testHeight, testWidth))
		alphas = append(alphas, testAlpha())
	}
	ds, err := NewInMemoryDataset(cameras, rgbs, depths, alphas)
	require.NoError(t, err)
	return ds
}

func testTrainConfig(t *testing.T) *train.Config {
	cfg := train.DefaultConfig()
	cfg.ResultsFolder = t.TempDir()
	cfg.TrainNumSteps = 3
	cfg.IPrint = 1
	cfg.IImage = 3
	cfg.ISave = 3
	return cfg
}

func TestGetSample(t *testing.T) {
	ds := newTestDataset(t, 3)
	sample, err := GetSample(ds, 2, DefaultAlphaThreshold)
	require.NoError(t, err)
	assert.Equal(t, 2, sample.Index)
	assert.Equal(t, testHeight, sample.Height())
	assert.Equal(t, testWidth, sample.Width())
	require.Len(t, sample.Mask, testHeight*testWidth)
	assert.True(t, sample.Mask[0])
	assert.False(t, sample.Mask[testWidth-1])
	count := 0
	for _, m := range sample.Mask {
		if m {
			count++
		}
	}
	assert.Equal(t, testHeight*testWidth/2, count)

	// Alpha must be strictly above the threshold.
	sample, err = GetSample(ds, 0, 0.9)
	require.NoError(t, err)
	assert.False(t, sample.Mask[0])

	_, err = GetSample(ds, 3, DefaultAlphaThreshold)
	require.Error(t, err)
	_, err = GetSample(ds, -1, DefaultAlphaThreshold)
	require.Error(t, err)

	// Inconsistent views are rejected.
	_, err = NewInMemoryDataset(
		[]*tensors.Tensor{testCamera()},
		[]*tensors.Tensor{tensors.New(testHeight+1, testWidth, 3)},
		[]*tensors.Tensor{tensors.New(testHeight+1, testWidth)},
		[]*tensors.Tensor{tensors.New(testHeight+1, testWidth)})
	require.Error(t, err)
	_, err = NewInMemoryDataset(
		[]*tensors.Tensor{testCamera()},
		[]*tensors.Tensor{testRGB()},
		[]*tensors.Tensor{tensors.New(testHeight)},
		[]*tensors.Tensor{testAlpha()})
	require.Error(t, err)
	_, err = NewInMemoryDataset([]*tensors.Tensor{testCamera()}, nil, nil, nil)
	require.Error(t, err)
}

func TestObjectiveLossDecomposition(t *testing.T) {
	ds := newTestDataset(t, 1)
	sample, err := GetSample(ds, 0, DefaultAlphaThreshold)
	require.NoError(t, err)
	weights := DefaultObjectiveWeights()
	ssimConfig := losses.DefaultSSIMConfig()

	t.Run("identical", func(t *testing.T) {
		out := &RenderOutput{Render: sample.RGB.Clone(), Depth: tensors.FromScalarAndDimensions(2, testHeight, testWidth, 1)}
		o, err := ComputeObjective(out, sample, weights, ssimConfig)
		require.NoError(t, err)
		assert.Equal(t, 0.0, o.L1)
		assert.Equal(t, 0.0, o.Total)
		assert.Equal(t, 0.0, o.Depth)
		assert.InDelta(t, 0.0, o.SSIM, 1e-6)
		assert.True(t, math.IsInf(o.PSNR, 1))
		assert.Equal(t, testHeight*testWidth/2, o.DepthCount)
	})

	t.Run("offset", func(t *testing.T) {
		render := sample.RGB.Clone()
		for ii := range render.Data() {
			render.Data()[ii] += 0.1
		}
		depth := tensors.FromScalarAndDimensions(2.5, testHeight, testWidth, 1)
		out := &RenderOutput{Render: render, Depth: depth}
		o, err := ComputeObjective(out, sample, weights, ssimConfig)
		require.NoError(t, err)
		assert.InDelta(t, 0.1, o.L1, 1e-6)
		assert.InDelta(t, 0.8*0.1, o.Total, 1e-6)
		assert.InDelta(t, 0.5, o.Depth, 1e-6)
		assert.InDelta(t, 20.0, o.PSNR, 1e-3)
		assert.Greater(t, o.SSIM, 0.0)

		metrics := o.Metrics()
		names := make([]string, len(metrics))
		for ii, m := range metrics {
			names[ii] = m.Name
		}
		assert.Equal(t, []string{"total", "l1", "ssim", "depth", "psnr"}, names)
		l1, found := metrics.Get("l1")
		assert.True(t, found)
		assert.Equal(t, o.L1, l1)

		// Depth and SSIM weights are used in the total.
		o, err = ComputeObjective(out, sample, ObjectiveWeights{LambdaDSSIM: 0.2, SSIMWeight: 0.5, DepthWeight: 2}, ssimConfig)
		require.NoError(t, err)
		assert.InDelta(t, 0.8*o.L1+0.5*o.SSIM+2*o.Depth, o.Total, 1e-9)

		// L1/D-SSIM mix.
		o, err = ComputeObjective(out, sample, MixedObjectiveWeights(0.1), ssimConfig)
		require.NoError(t, err)
		assert.InDelta(t, 0.8*o.L1+0.2*o.SSIM+0.1*o.Depth, o.Total, 1e-9)
	})

	t.Run("empty mask", func(t *testing.T) {
		emptyMask := *sample
		emptyMask.Mask = make([]bool, testHeight*testWidth)
		out := &RenderOutput{Render: sample.RGB.Clone(), Depth: tensors.FromScalarAndDimensions(7, testHeight, testWidth, 1)}
		o, err := ComputeObjective(out, &emptyMask, ObjectiveWeights{DepthWeight: 1}, ssimConfig)
		require.NoError(t, err)
		assert.Equal(t, 0.0, o.Depth)
		assert.Equal(t, 0, o.DepthCount)
		_, dDepth, err := o.Gradients(1)
		require.NoError(t, err)
		assert.Equal(t, float32(0), dDepth.AbsMax())
	})

	t.Run("shape mismatch", func(t *testing.T) {
		out := &RenderOutput{Render: tensors.New(testHeight, testWidth+1, 3), Depth: tensors.New(testHeight, testWidth, 1)}
		_, err := ComputeObjective(out, sample, weights, ssimConfig)
		require.Error(t, err)
		out = &RenderOutput{Render: sample.RGB.Clone(), Depth: tensors.New(testHeight, testWidth+1, 1)}
		_, err = ComputeObjective(out, sample, weights, ssimConfig)
		require.Error(t, err)
	})
}

func TestObjectiveGradients(t *testing.T) {
	ds := newTestDataset(t, 1)
	sample, err := GetSample(ds, 0, DefaultAlphaThreshold)
	require.NoError(t, err)
	render := sample.RGB.Clone()
	for ii := range render.Data() {
		render.Data()[ii] += 0.1
	}
	depth := tensors.FromScalarAndDimensions(1.5, testHeight, testWidth, 1)
	m := newImageModel(t)
	r := &imageRenderer{}
	require.NoError(t, m.Get("colors").Value.CopyFrom(render))
	require.NoError(t, m.Get("depths").Value.CopyFrom(depth))
	out, err := r.Render(m, camera.Viewpoint{})
	require.NoError(t, err)

	o, err := ComputeObjective(out, sample, ObjectiveWeights{LambdaDSSIM: 0.2, DepthWeight: 1}, losses.DefaultSSIMConfig())
	require.NoError(t, err)
	const scale = 0.5
	require.NoError(t, o.Backward(scale))

	// d l1 / d render = sign(render - rgb) / N.
	colorsGrad := m.Get("colors").Grad
	require.NotNil(t, colorsGrad)
	n := float64(testHeight * testWidth * 3)
	for _, g := range colorsGrad.Data() {
		assert.InDelta(t, 0.8*scale/n, float64(g), 1e-7)
	}

	// Depth is 0.5 below the target on the masked pixels only.
	depthsGrad := m.Get("depths").Grad
	require.NotNil(t, depthsGrad)
	count := float64(testHeight * testWidth / 2)
	for ii, g := range depthsGrad.Data() {
		if sample.Mask[ii] {
			assert.InDelta(t, -scale/count, float64(g), 1e-7)
		} else {
			assert.Equal(t, float32(0), g)
		}
	}

	// Without a backward function it fails.
	out.Backward = nil
	require.Error(t, o.Backward(1))
}

func TestNewTaskTrainIndices(t *testing.T) {
	ec, err := exec.New("cpu", exec.Float32)
	require.NoError(t, err)
	m := newImageModel(t)
	r := &imageRenderer{}

	task, err := NewTask(DefaultTaskConfig(), m, r, newTestDataset(t, 5), ec)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, task.TrainIndices())

	// None of the default indices is available: all views are used.
	task, err = NewTask(DefaultTaskConfig(), m, r, newTestDataset(t, 1), ec)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, task.TrainIndices())

	cfg := DefaultTaskConfig()
	cfg.TrainIndices = []int{0, 2, 7}
	task, err = NewTask(cfg, m, r, newTestDataset(t, 3), ec)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, task.TrainIndices())

	// Only sampled views are used for training.
	for range 20 {
		_, _, err = task.TrainStep()
		require.NoError(t, err)
		assert.Contains(t, []int{0, 2}, task.LastSample.Index)
	}
	assert.Equal(t, 20, r.calls)
	assert.Equal(t, testWidth, r.viewpoint.Width)
	assert.Equal(t, camera.DefaultZNear, r.viewpoint.ZNear)

	_, err = NewTask(DefaultTaskConfig(), m, r, &InMemoryDataset{}, ec)
	require.Error(t, err)
	_, err = NewTask(DefaultTaskConfig(), nil, r, newTestDataset(t, 1), ec)
	require.Error(t, err)

	// A zero TaskConfig has no valid SSIM window.
	_, err = NewTask(TaskConfig{}, m, r, newTestDataset(t, 3), ec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSIM window size")
}

// recordingDataset records the views read by GetSample.
type recordingDataset struct {
	Dataset
	views []int
}

func (ds *recordingDataset) RGB(i int) *tensors.Tensor {
	ds.views = append(ds.views, i)
	return ds.Dataset.RGB(i)
}

func TestResumedRunSamplesSameViews(t *testing.T) {
	const numViews, numSteps = 20, 6
	taskCfg := DefaultTaskConfig()
	taskCfg.Seed = 42
	newConfig := func(dir string, numSteps int) *train.Config {
		cfg := train.DefaultConfig()
		cfg.ResultsFolder = dir
		cfg.TrainNumSteps = numSteps
		cfg.GradientAccumulateEvery = 2
		cfg.IPrint = 1
		cfg.IImage = 1000
		cfg.ISave = 1
		return cfg
	}

	// Uninterrupted run.
	data := &recordingDataset{Dataset: newTestDataset(t, numViews)}
	_, err := TrainModel(newConfig(t.TempDir(), numSteps), taskCfg, newImageModel(t), &imageRenderer{}, data,
		TrainOptions{SkipInitialEvaluation: true})
	require.NoError(t, err)
	uninterrupted := data.views
	require.Len(t, uninterrupted, 2*numSteps)

	// Same training interrupted halfway, and resumed from its checkpoint with new task and model.
	dir := t.TempDir()
	data = &recordingDataset{Dataset: newTestDataset(t, numViews)}
	_, err = TrainModel(newConfig(dir, numSteps/2), taskCfg, newImageModel(t), &imageRenderer{}, data,
		TrainOptions{SkipInitialEvaluation: true})
	require.NoError(t, err)
	firstHalf := data.views
	data = &recordingDataset{Dataset: newTestDataset(t, numViews)}
	loop, err := TrainModel(newConfig(dir, numSteps), taskCfg, newImageModel(t), &imageRenderer{}, data,
		TrainOptions{Resume: true, SkipInitialEvaluation: true})
	require.NoError(t, err)
	assert.Equal(t, numSteps/2, loop.StartStep)
	assert.Equal(t, uninterrupted, append(firstHalf, data.views...))
}

func TestEvaluateDoesNotChangeTrainingViews(t *testing.T) {
	ec, err := exec.New("cpu", exec.Float32)
	require.NoError(t, err)
	sampleViews := func(evaluate bool) []int {
		cfg := DefaultTaskConfig()
		cfg.ResultsDir = t.TempDir()
		cfg.Seed = 7
		task, err := NewTask(cfg, newImageModel(t), &imageRenderer{}, newTestDataset(t, 20), ec)
		require.NoError(t, err)
		step := 0
		task.SetStepCounter(func() int { return step })
		var views []int
		for step = range 8 {
			if evaluate {
				require.NoError(t, task.Evaluate())
			}
			_, _, err = task.TrainStep()
			require.NoError(t, err)
			views = append(views, task.LastSample.Index)
		}
		return views
	}
	assert.Equal(t, sampleViews(false), sampleViews(true))
}

func TestTaskEvaluate(t *testing.T) {
	ec, err := exec.New("cpu", exec.Float32)
	require.NoError(t, err)
	cfg := DefaultTaskConfig()
	cfg.ResultsDir = t.TempDir()
	task, err := NewTask(cfg, newImageModel(t), &imageRenderer{}, newTestDataset(t, 2), ec)
	require.NoError(t, err)
	task.SetStepCounter(func() int { return 7 })
	require.NoError(t, task.Evaluate())
	require.NoError(t, task.TrackGrad())

	img, err := imaging.Open(filepath.Join(cfg.ResultsDir, EvaluationImageName(7)))
	require.NoError(t, err)
	assert.Equal(t, 2*testWidth, img.Bounds().Dx())
	assert.Equal(t, 2*testHeight, img.Bounds().Dy())

	// Renderer errors are propagated.
	task.renderer = &imageRenderer{err: errors.New("out of memory")}
	err = task.Evaluate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestJet(t *testing.T) {
	assert.Equal(t, uint8(128), Jet(0).B)
	assert.Equal(t, uint8(0), Jet(0).R)
	assert.Equal(t, uint8(128), Jet(1).R)
	assert.Equal(t, uint8(0), Jet(1).B)
	assert.Equal(t, uint8(255), Jet(0.5).G)
	assert.Equal(t, Jet(1), Jet(2))
	assert.Equal(t, Jet(0), Jet(-1))
}

func TestTrainModelScenario(t *testing.T) {
	commandline.Output = io.Discard
	cfg := testTrainConfig(t)
	cfg.WithTracking = true
	cfg.Profile = true
	m := newImageModel(t)
	r := &imageRenderer{}
	loop, err := TrainModel(cfg, DefaultTaskConfig(), m, r, newTestDataset(t, 3), TrainOptions{ProgressBar: true})
	require.NoError(t, err)
	assert.Equal(t, 3, loop.Step)

	// One checkpoint, at milestone 3/3.
	milestones, err := loop.Checkpoints.List()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, milestones)

	// Initial evaluation plus the one at step 3.
	for _, step := range []int{0, 3} {
		_, err = os.Stat(filepath.Join(loop.ResultsDir, EvaluationImageName(step)))
		assert.NoError(t, err, "evaluation image of step %d", step)
	}
	// 3 training renders, 2 evaluation renders.
	assert.Equal(t, 5, r.calls)

	points, err := tracking.LoadPointsFromDir(loop.ResultsDir)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, tracking.NewPoints(points).Steps())
	_, err = os.Stat(filepath.Join(loop.ResultsDir, tracking.HyperparametersFileName))
	assert.NoError(t, err)

	stats := loop.Profiler.Stats()
	regions := make(map[string]int)
	for _, s := range stats {
		regions[s.Name] = s.Calls
	}
	assert.Equal(t, 5, regions[RegionRender])
	assert.Equal(t, 3, regions[train.RegionTrainStep])
	assert.Equal(t, 1, regions[train.RegionCheckpoint])
}

func TestTrainModelConverges(t *testing.T) {
	cfg := testTrainConfig(t)
	cfg.TrainNumSteps = 20
	cfg.TrainLR = 0.05
	cfg.IImage = 1000
	cfg.ISave = 1000
	m := newImageModel(t)
	initialL1, err := losses.L1(m.Get("colors").Value, testRGB())
	require.NoError(t, err)
	loop, err := TrainModel(cfg, DefaultTaskConfig(), m, &imageRenderer{}, newTestDataset(t, 3),
		TrainOptions{SkipInitialEvaluation: true})
	require.NoError(t, err)
	l1, found := loop.LastMetrics.Get("l1")
	require.True(t, found)
	assert.Less(t, l1, initialL1/2)
}

func TestTrainModelResume(t *testing.T) {
	cfg := testTrainConfig(t)
	cfg.TrainNumSteps = 4
	cfg.ISave = 2
	cfg.IImage = 1000
	loop, err := TrainModel(cfg, DefaultTaskConfig(), newImageModel(t), &imageRenderer{}, newTestDataset(t, 3),
		TrainOptions{Resume: true, SkipInitialEvaluation: true})
	require.NoError(t, err)
	assert.Equal(t, 0, loop.StartStep)
	trained := model.Snapshot(loop.Model)

	// Resuming with the same number of steps does nothing.
	m := newImageModel(t)
	loop, err = TrainModel(cfg, DefaultTaskConfig(), m, &imageRenderer{}, newTestDataset(t, 3), TrainOptions{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 4, loop.Step)
	assert.Equal(t, trained, model.Snapshot(m))

	cfg.TrainNumSteps = 6
	loop, err = TrainModel(cfg, DefaultTaskConfig(), newImageModel(t), &imageRenderer{}, newTestDataset(t, 3),
		TrainOptions{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 4, loop.StartStep)
	assert.Equal(t, 6, loop.Step)
	milestones, err := loop.Checkpoints.List()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, milestones)
	_, err = os.Stat(filepath.Join(loop.ResultsDir, EvaluationImageName(4)))
	assert.NoError(t, err)
}

func TestTrainModelErrors(t *testing.T) {
	cfg := testTrainConfig(t)
	cfg.Optimizer = "rmsprop"
	_, err := TrainModel(cfg, DefaultTaskConfig(), newImageModel(t), &imageRenderer{}, newTestDataset(t, 3), TrainOptions{})
	require.Error(t, err)

	commandline.Output = io.Discard
	cfg = testTrainConfig(t)
	cfg.Profile = true
	_, err = TrainModel(cfg, DefaultTaskConfig(), newImageModel(t), &imageRenderer{err: errors.New("render failed")},
		newTestDataset(t, 3), TrainOptions{SkipInitialEvaluation: true, ProgressBar: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render failed")
}

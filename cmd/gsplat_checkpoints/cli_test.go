package main

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/gomlx/gsplat/pkg/ml/checkpoints"
	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/gomlx/gsplat/pkg/ml/tracking"
	"github.com/gomlx/gsplat/pkg/ml/train"
	"github.com/gomlx/gsplat/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"a/b"}, MinimalUniquePaths("a/b"))
	assert.Equal(t, []string{"run1", "run2"}, MinimalUniquePaths("/exp/run1", "/exp/run2"))
	assert.Equal(t, []string{"x/result", "y/result"}, MinimalUniquePaths("/exp/x/result", "/exp/y/result/"))
}

func TestComputeStats(t *testing.T) {
	s := ComputeStats(tensors.FromFlatDataAndDimensions([]float32{3, -4, float32(math.NaN())}, 3))
	assert.InDelta(t, 3.5, s.MAV, 1e-9)
	assert.InDelta(t, math.Sqrt(12.5), s.RMS, 1e-9)
	assert.Equal(t, 4.0, s.MaxAV)
	assert.Equal(t, 1, s.NonFinite)
}

func TestSelectMetrics(t *testing.T) {
	points := tracking.NewPoints([]tracking.Point{
		{MetricName: "loss", MetricType: "loss", Step: 1, Value: 1},
		{MetricName: "l1", MetricType: "loss", Step: 1, Value: 0.5},
		{MetricName: "psnr", MetricType: "quality", Step: 1, Value: 20},
	})
	selected, err := SelectMetrics(points, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"l1", "loss", "psnr"}, selected)
	selected, err = SelectMetrics(points, "^l", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"l1", "loss"}, selected)
	selected, err = SelectMetrics(points, "", "quality")
	require.NoError(t, err)
	assert.Equal(t, []string{"psnr"}, selected)
	_, err = SelectMetrics(points, "(", "")
	require.Error(t, err)
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoints.New(dir)
	require.NoError(t, err)
	m, err := model.NewParameterSet(model.NewParameter("xyz", tensors.FromScalarAndDimensions(1, 10, 3)))
	require.NoError(t, err)
	opt := optimizers.Adam().Done()
	require.NoError(t, store.Save(1, checkpoints.State{Step: 50, Model: m, Optimizer: opt}))
	require.NoError(t, store.Save(2, checkpoints.State{Step: 100, Model: m, Optimizer: opt}))

	tracker, err := tracking.NewFileTracker(dir)
	require.NoError(t, err)
	require.NoError(t, tracker.Start("test", train.DefaultConfig()))
	require.NoError(t, tracker.Log(50, train.Metrics{{Name: "loss", Value: 0.5}, {Name: "psnr", Value: 21}}))
	require.NoError(t, tracker.Close())

	plotPath := filepath.Join(t.TempDir(), "metrics.png")
	for _, args := range [][]string{
		{"list", dir},
		{"summary", dir, dir},
		{"vars", dir, "--optimizer", "--milestone=1"},
		{"metrics", dir, "--plot=" + plotPath},
		{"metrics", dir, "--last", "--types=quality"},
		{"config", "--set=train_lr=0.1;i_save=10"},
	} {
		cmd := newRootCmd()
		cmd.SetArgs(args)
		cmd.SetOut(&bytes.Buffer{})
		require.NoError(t, cmd.Execute(), "command %v", args)
	}
	_, err = os.Stat(plotPath)
	require.NoError(t, err)

	for _, args := range [][]string{
		{"list", filepath.Join(dir, "missing")},
		{"vars", dir, "--milestone=7"},
		{"metrics", dir, "--names=nothing"},
		{"config", "--set=train_lr=-1"},
	} {
		cmd := newRootCmd()
		cmd.SetArgs(args)
		cmd.SetOut(&bytes.Buffer{})
		require.Error(t, cmd.Execute(), "command %v", args)
	}
}

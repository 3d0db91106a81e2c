package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/gomlx/gsplat/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newModel(t *testing.T, xyz ...float32) *model.ParameterSet {
	m, err := model.NewParameterSet(
		model.NewParameter("xyz", tensors.FromFlatDataAndDimensions(xyz, len(xyz)/3, 3)),
		model.NewParameter("opacity", tensors.FromScalarAndDimensions(0.1, len(xyz)/3, 1)),
	)
	require.NoError(t, err)
	return m
}

// trainOnce takes one Adam step, so the optimizer has some state.
func trainOnce(t *testing.T, m model.Model, opt optimizers.Interface) {
	for _, p := range m.Parameters() {
		p.Grad = tensors.FromScalarAndDimensions(1, p.Value.Shape()...)
	}
	require.NoError(t, opt.Step(m.Parameters()))
	opt.ZeroGrad(m.Parameters())
}

func TestSaveLoad(t *testing.T) {
	for _, bf := range []BinFormat{BinGZIP, BinUncompressed} {
		t.Run(bf.String(), func(t *testing.T) {
			store, err := New(t.TempDir(), WithCompression(bf))
			require.NoError(t, err)
			m := newModel(t, 1, 2, 3, 4, 5, 6)
			opt := optimizers.Adam().LearningRate(0.01).Done()
			trainOnce(t, m, opt)
			require.NoError(t, store.Save(3, State{Step: 150, Model: m, Optimizer: opt}))
			assert.FileExists(t, filepath.Join(store.Dir(), "model-3.ckpt"))

			m2 := newModel(t, 0, 0, 0, 0, 0, 0)
			opt2 := optimizers.Adam().Done()
			step, err := store.Load(3, m2, opt2)
			require.NoError(t, err)
			assert.Equal(t, 150, step)
			assert.Equal(t, model.Snapshot(m), model.Snapshot(m2))
			assert.Equal(t, opt.State(), opt2.State())

			ckpt, err := store.Read(3)
			require.NoError(t, err)
			assert.Equal(t, 150, ckpt.Step)
			require.NotNil(t, ckpt.Optimizer)
			assert.Equal(t, optimizers.AdamType, ckpt.Optimizer.Type)
			assert.False(t, ckpt.CreatedAt.IsZero())
		})
	}
}

func TestGzipHeader(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(0, State{Step: 0, Model: newModel(t, 1, 2, 3)}))
	contents, err := os.ReadFile(store.Path(0))
	require.NoError(t, err)
	require.Greater(t, len(contents), lenBinHeader+1+len(gzipHeader))
	assert.Equal(t, binHeader, string(contents[:lenBinHeader]))
	assert.Equal(t, byte(len(gzipHeader)), contents[lenBinHeader])
	assert.Equal(t, gzipHeader, string(contents[lenBinHeader+1:lenBinHeader+1+len(gzipHeader)]))
}

func TestLoadNotFound(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	m := newModel(t, 1, 2, 3)
	before := model.Snapshot(m)
	_, err = store.Load(7, m, optimizers.Adam().Done())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, before, model.Snapshot(m))
}

func TestLoadDoesNotPartiallyMutate(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	saved := newModel(t, 1, 2, 3)
	sgd := optimizers.StochasticGradientDescent().WithMomentum(0.5).Done()
	trainOnce(t, saved, sgd)
	require.NoError(t, store.Save(1, State{Step: 10, Model: saved, Optimizer: sgd}))

	// The model state is compatible, but an Adam optimizer rejects an SGD state: the model must be rolled back.
	m := newModel(t, 7, 8, 9)
	before := model.Snapshot(m)
	adam := optimizers.Adam().Done()
	adamBefore := adam.State()
	_, err = store.Load(1, m, adam)
	require.Error(t, err)
	assert.Equal(t, before, model.Snapshot(m))
	assert.Equal(t, adamBefore, adam.State())

	// Incompatible model: nothing changes.
	other := newModel(t, 1, 2, 3, 4, 5, 6)
	before = model.Snapshot(other)
	_, err = store.Load(1, other, optimizers.StochasticGradientDescent().Done())
	require.Error(t, err)
	assert.Equal(t, before, model.Snapshot(other))
}

func TestCorruptedFile(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(2), []byte("garbage"), 0660))
	m := newModel(t, 1, 2, 3)
	before := model.Snapshot(m)
	_, err = store.Load(2, m, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, before, model.Snapshot(m))
}

func TestOverwriteListAndKeep(t *testing.T) {
	store, err := New(t.TempDir(), WithKeep(2))
	require.NoError(t, err)
	m := newModel(t, 1, 2, 3)
	for milestone := range 4 {
		require.NoError(t, store.Save(milestone, State{Step: milestone * 50, Model: m}))
	}
	// Overwrite milestone 3.
	require.NoError(t, store.Save(3, State{Step: 151, Model: m}))

	milestones, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, milestones)
	latest, found, err := store.Latest()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, latest)

	step, err := store.Load(3, newModel(t, 0, 0, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, 151, step)

	// No temporary files left behind.
	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	empty, err := New(t.TempDir())
	require.NoError(t, err)
	_, found, err = empty.Latest()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKeepOne(t *testing.T) {
	store, err := New(t.TempDir(), WithKeep(1))
	require.NoError(t, err)
	m := newModel(t, 1, 2, 3)
	require.NoError(t, store.Save(1, State{Step: 10, Model: m}))
	milestones, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, milestones)
	require.NoError(t, store.Save(2, State{Step: 20, Model: m}))
	milestones, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, []int{2}, milestones)

	// Keeping no checkpoint, or a negative number other than -1, is a misuse.
	for _, n := range []int{0, -2} {
		assert.Panics(t, func() { _ = WithKeep(n) }, "WithKeep(%d)", n)
	}
	assert.NotPanics(t, func() { _ = WithKeep(-1) })
}

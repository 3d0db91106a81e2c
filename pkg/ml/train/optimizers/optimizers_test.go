package optimizers

import (
	"testing"

	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParam(name string, values ...float32) *model.Parameter {
	return model.NewParameter(name, tensors.FromFlatDataAndDimensions(values, len(values)))
}

func setGrad(p *model.Parameter, values ...float32) {
	p.Grad = tensors.FromFlatDataAndDimensions(values, len(values))
}

func TestSGD(t *testing.T) {
	p := newParam("w", 1, 2)
	frozen := newParam("frozen", 5)
	frozen.Trainable = false
	noGrad := newParam("noGrad", 7)
	params := []*model.Parameter{p, frozen, noGrad}

	opt := StochasticGradientDescent().WithLearningRate(0.5).Done()
	setGrad(p, 1, -2)
	setGrad(frozen, 1)
	require.NoError(t, opt.Step(params))
	assert.Equal(t, []float32{0.5, 3}, p.Value.Data())
	assert.Equal(t, []float32{5}, frozen.Value.Data())
	assert.Equal(t, []float32{7}, noGrad.Value.Data())

	opt.ZeroGrad(params)
	assert.Nil(t, p.Grad)
	assert.Nil(t, frozen.Grad)

	setGrad(p, 1, 2, 3)
	require.Error(t, opt.Step(params))
}

func TestSGDMomentumState(t *testing.T) {
	p := newParam("w", 0)
	opt := StochasticGradientDescent().WithLearningRate(1).WithMomentum(0.5).Done()
	setGrad(p, 1)
	require.NoError(t, opt.Step([]*model.Parameter{p}))
	setGrad(p, 1)
	require.NoError(t, opt.Step([]*model.Parameter{p}))
	assert.Equal(t, []float32{-2.5}, p.Value.Data()) // -1, then -(0.5+1)

	state := opt.State()
	require.Len(t, state.Slots, 1)
	assert.Equal(t, "momentum_buffer/w", state.Slots[0].Name)

	other := StochasticGradientDescent().Done()
	require.NoError(t, other.LoadState(state))
	assert.Equal(t, 1.0, other.State().Hyperparameters["learning_rate"])
	require.Error(t, other.LoadState(Adam().Done().State()))
}

func TestAdam(t *testing.T) {
	p := newParam("w", 1, -1)
	opt := Adam().LearningRate(0.1).Betas(0.9, 0.99).Done()
	setGrad(p, 2, -0.5)
	require.NoError(t, opt.Step([]*model.Parameter{p}))
	// First step of Adam moves each value by ~learning_rate in the direction opposite to the gradient sign.
	assert.InDelta(t, 0.9, p.Value.Data()[0], 1e-5)
	assert.InDelta(t, -0.9, p.Value.Data()[1], 1e-5)

	state := opt.State()
	assert.Equal(t, AdamType, state.Type)
	assert.Equal(t, 0.99, state.Hyperparameters["beta2"])
	require.Len(t, state.Slots, 3)
	assert.Equal(t, []float32{1}, state.Slots.Get("step/w").Data())

	// Restored optimizer continues exactly like the original one.
	restored := Adam().Done()
	require.NoError(t, restored.LoadState(state))
	p2 := model.NewParameter("w", p.Value.Clone())
	setGrad(p, 1, 1)
	setGrad(p2, 1, 1)
	require.NoError(t, opt.Step([]*model.Parameter{p}))
	require.NoError(t, restored.Step([]*model.Parameter{p2}))
	assert.Equal(t, p.Value.Data(), p2.Value.Data())
}

func TestAdamLoadStateValidation(t *testing.T) {
	opt := Adam().LearningRate(0.1).Done()
	p := newParam("w", 1)
	setGrad(p, 1)
	require.NoError(t, opt.Step([]*model.Parameter{p}))
	good := opt.State()

	bad := good.Clone()
	bad.Slots = bad.Slots[:2] // Missing step.
	require.Error(t, opt.LoadState(bad))

	bad = good.Clone()
	bad.Slots[0].Name = "unknown/w"
	require.Error(t, opt.LoadState(bad))

	bad = good.Clone()
	bad.Hyperparameters["beta1"] = 1.5
	require.Error(t, opt.LoadState(bad))

	// Failed loads leave the optimizer as it was.
	assert.Equal(t, good, opt.State())
}

func TestByName(t *testing.T) {
	hp := Hyperparameters{LearningRate: 0.01, Betas: [2]float64{0.9, 0.99}}
	assert.Equal(t, AdamType, ByName("adam", hp).State().Type)
	assert.Equal(t, SGDType, ByName("sgd", hp).State().Type)
	assert.Equal(t, 0.004, ByName("adamw", hp).State().Hyperparameters["weight_decay"])
	require.Panics(t, func() { ByName("lbfgs", hp) })
	require.Panics(t, func() { Adam().Betas(1, 0.9) })
}

package model

import (
	"testing"

	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSet(t *testing.T) *ParameterSet {
	ps, err := NewParameterSet(
		NewParameter("xyz", tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)),
		NewParameter("opacity", tensors.FromFlatDataAndDimensions([]float32{0.5, 0.25}, 2, 1)),
	)
	require.NoError(t, err)
	return ps
}

func TestParameterSet(t *testing.T) {
	ps := newTestSet(t)
	require.Len(t, ps.Parameters(), 2)
	assert.Equal(t, "opacity", ps.Parameters()[1].Name)
	assert.NotNil(t, ps.Get("xyz"))
	assert.Nil(t, ps.Get("features"))
	require.Error(t, ps.Add(NewParameter("xyz", tensors.New(1))))
	assert.Equal(t, 8, NumElements(ps))

	ps.Get("opacity").Trainable = false
	trainable := TrainableParameters(ps)
	require.Len(t, trainable, 1)
	assert.Equal(t, "xyz", trainable[0].Name)
}

func TestAccumulateGrad(t *testing.T) {
	p := NewParameter("w", tensors.New(3))
	assert.Nil(t, p.Grad)
	require.NoError(t, p.AccumulateGrad(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3), 0.5))
	require.NoError(t, p.AccumulateGrad(tensors.FromFlatDataAndDimensions([]float32{1, 0, 1}, 3), 1))
	assert.Equal(t, []float32{1.5, 1, 2.5}, p.Grad.Data())
	require.Error(t, p.AccumulateGrad(tensors.New(2), 1))
	p.ZeroGrad()
	assert.Nil(t, p.Grad)
}

func TestSnapshotRestore(t *testing.T) {
	ps := newTestSet(t)
	state := Snapshot(ps)
	ps.Get("xyz").Value.Fill(0)
	assert.Equal(t, float32(1), state.Get("xyz").Data()[0], "snapshot must be detached from the model")

	require.NoError(t, Restore(ps, state))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, ps.Get("xyz").Value.Data())

	// Invalid states must not touch the model.
	ps.Get("xyz").Value.Fill(9)
	bad := state.Clone()
	bad[1].Value = tensors.New(3)
	require.Error(t, Restore(ps, bad))
	assert.Equal(t, float32(9), ps.Get("xyz").Value.Data()[0])

	require.Error(t, Restore(ps, state[:1]))
	renamed := state.Clone()
	renamed[0].Name = "other"
	require.Error(t, Restore(ps, renamed))
	assert.Equal(t, float32(9), ps.Get("xyz").Value.Data()[0])
}

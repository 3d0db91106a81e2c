package tensors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	zeros := New(2, 3)
	assert.Equal(t, []int{2, 3}, zeros.Shape())
	assert.Equal(t, 6, zeros.Size())
	assert.Equal(t, 2, zeros.Rank())
	assert.Equal(t, 3, zeros.Dim(-1))
	assert.Equal(t, "(Float32)[2 3]", zeros.String())

	scalar := New()
	assert.Equal(t, 1, scalar.Size())

	flat := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	flat.Data()[0] = 7
	assert.Equal(t, []float32{7, 2, 3, 4}, flat.Data())

	filled := FromScalarAndDimensions(3, 4)
	assert.Equal(t, []float32{3, 3, 3, 3}, filled.Data())

	require.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2, 3}, 2, 2) })
	require.Panics(t, func() { New(-1, 2) })
}

func TestCloneAndCopy(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	b := a.Clone()
	b.Data()[0] = 10
	assert.Equal(t, float32(1), a.Data()[0])

	require.NoError(t, a.CopyFrom(b))
	assert.Equal(t, []float32{10, 2, 3}, a.Data())
	require.Error(t, a.CopyFrom(New(2)))

	require.NoError(t, a.AddScaled(FromScalarAndDimensions(1, 3), -2))
	assert.Equal(t, []float32{8, 0, 1}, a.Data())
}

func TestChecksAndReductions(t *testing.T) {
	x := FromFlatDataAndDimensions([]float32{1, -5, 3, 0, 2, 2}, 2, 3)
	require.NoError(t, x.CheckDims(2, 3))
	require.NoError(t, x.CheckDims(-1, 3))
	require.Error(t, x.CheckDims(3, 2))
	require.Error(t, x.CheckDims(6))
	assert.Equal(t, float32(5), x.AbsMax())

	y := FromFlatDataAndDimensions([]float32{1, -5, 0, 0, 2, 1}, 2, 3)
	assert.Equal(t, 4, x.CountEqual(y))
	assert.Equal(t, 0, x.CountEqual(New(2)))
	assert.True(t, x.SameShape(y))
	assert.False(t, x.SameShape(New(3, 2)))
}

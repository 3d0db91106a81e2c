package exec

import (
	"testing"

	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrecision(t *testing.T) {
	for name, want := range map[string]Precision{"": Float32, "float32": Float32, "FP16": Float16, "float16": Float16} {
		got, err := ParsePrecision(name)
		require.NoError(t, err, "precision %q", name)
		assert.Equal(t, want, got)
	}
	_, err := ParsePrecision("bfloat16")
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	_, err := New("cuda", Float32)
	require.Error(t, err)

	c, err := New("", Float32)
	require.NoError(t, err)
	assert.Equal(t, "cpu", c.Device().Name)
	assert.NotEmpty(t, c.Device().Description)

	require.NoError(t, c.Synchronize())
	require.NoError(t, c.Synchronize())
	assert.Equal(t, int64(2), c.Barriers())
}

func TestAutocast(t *testing.T) {
	values := []float32{1.0 / 3.0, 1, 65504, 1e-9}

	c32, err := New("cpu", Float32)
	require.NoError(t, err)
	x := tensors.FromFlatDataAndDimensions(append([]float32(nil), values...), 4)
	c32.Autocast(x)
	assert.Equal(t, values, x.Data())

	c16, err := New("cpu", Float16)
	require.NoError(t, err)
	c16.Autocast(x)
	assert.NotEqual(t, values[0], x.Data()[0])
	assert.InDelta(t, values[0], x.Data()[0], 1e-3)
	assert.Equal(t, float32(1), x.Data()[1])
	assert.Equal(t, float32(65504), x.Data()[2])
	assert.Equal(t, float32(0), x.Data()[3])
}

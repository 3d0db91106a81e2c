package camera

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// testDescriptor returns a 200x100 (HxW) camera at position (1, 2, 3) with a 90 degrees horizontal field of view.
func testDescriptor() Descriptor {
	return Descriptor{
		Height: 200,
		Width:  100,
		Intrinsics: [16]float64{
			50, 0, 50, 0,
			0, 100, 100, 0,
			0, 0, 1, 0,
			0, 0, 0, 1,
		},
		CameraToWorld: [16]float64{
			1, 0, 0, 1,
			0, 1, 0, 2,
			0, 0, 1, 3,
			0, 0, 0, 1,
		},
	}
}

func TestDescriptorVector(t *testing.T) {
	d := testDescriptor()
	v := d.Vector()
	require.Len(t, v, VectorLen)
	assert.Equal(t, float32(200), v[0])
	assert.Equal(t, float32(100), v[1])
	assert.Equal(t, float32(50), v[2])
	assert.Equal(t, float32(3), v[18+11])
	d2, err := DescriptorFromVector(v)
	require.NoError(t, err)
	assert.Equal(t, d, d2)

	_, err = DescriptorFromVector(v[:33])
	require.Error(t, err)
	v[0] = 0
	_, err = DescriptorFromVector(v)
	require.Error(t, err)
}

func TestFov(t *testing.T) {
	assert.InDelta(t, math.Pi/2, FocalToFov(50, 100), 1e-12)
	assert.InDelta(t, 50.0, FovToFocal(FocalToFov(50, 100), 100), 1e-9)
}

func TestToViewpoint(t *testing.T) {
	d := testDescriptor()
	vp, err := ToViewpoint(d)
	require.NoError(t, err)
	assert.Equal(t, 100, vp.Width)
	assert.Equal(t, 200, vp.Height)
	assert.InDelta(t, math.Pi/2, vp.FoVX, 1e-12)
	assert.InDelta(t, math.Pi/2, vp.FoVY, 1e-12)
	assert.Equal(t, [3]float64{1, 2, 3}, vp.Center)
	assert.Contains(t, vp.String(), "90.0°")

	// WorldView is the transposed inverse of the camera-to-world matrix.
	c2w := mat.NewDense(4, 4, d.CameraToWorld[:])
	var product mat.Dense
	product.Mul(c2w.T(), vp.WorldView)
	assert.True(t, mat.EqualApprox(&product, eye(4), 1e-12))

	// A point in front of the camera at depth znear maps to NDC depth 0, and at zfar to 1.
	for _, tc := range []struct{ depth, ndc float64 }{{DefaultZNear, 0}, {DefaultZFar, 1}} {
		p := mat.NewDense(1, 4, []float64{1, 2, 3 + tc.depth, 1})
		var clip mat.Dense
		clip.Mul(p, vp.FullProjection)
		w := clip.At(0, 3)
		assert.InDelta(t, tc.depth, w, 1e-9)
		assert.InDelta(t, tc.ndc, clip.At(0, 2)/w, 1e-9)
		assert.InDelta(t, 0.0, clip.At(0, 0)/w, 1e-9)
	}

	// A point at the right edge of the field of view maps to NDC x = 1.
	p := mat.NewDense(1, 4, []float64{1 + 10, 2, 3 + 10, 1})
	var clip mat.Dense
	clip.Mul(p, vp.FullProjection)
	assert.InDelta(t, 1.0, clip.At(0, 0)/clip.At(0, 3), 1e-9)
}

func TestToViewpointErrors(t *testing.T) {
	d := testDescriptor()
	d.CameraToWorld = [16]float64{}
	_, err := ToViewpoint(d)
	require.Error(t, err)

	_, err = ToViewpointWithPlanes(testDescriptor(), 1, 0.5)
	require.Error(t, err)
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := range n {
		m.Set(i, i, 1)
	}
	return m
}
